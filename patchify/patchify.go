// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patchify turns images into the patch sequences consumed by SatViT.
//
// Inputs whose channel count differs from the model's are reconciled by
// tiling or truncating channels. This is a lossy approximation: an RGB image
// repeated over fifteen bands carries none of the spectral information the
// model was trained on.
package patchify

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/satvit"
)

// ImageNet statistics used to normalize RGB inputs.
var (
	ImageNetMean = []float64{0.485, 0.456, 0.406}
	ImageNetStd  = []float64{0.229, 0.224, 0.225}
)

// Options configures a Patchifier.
type Options struct {
	PatchHW     int
	NumPatches  int
	NumChannels int
	// Mean and Std normalize the channels of decoded images: (v - Mean[c]) / Std[c].
	// Leave both nil to keep values in [0, 1].
	Mean []float64
	Std  []float64
}

// OptionsFor returns the options matching a model configuration, with
// ImageNet normalization.
func OptionsFor(c satvit.Config) Options {
	return Options{
		PatchHW:     c.PatchHW,
		NumPatches:  c.NumPatches,
		NumChannels: c.NumChannels,
		Mean:        ImageNetMean,
		Std:         ImageNetStd,
	}
}

// Patchifier converts images to [NumPatches, PatchHW² * NumChannels] matrices.
// It holds no mutable state and is safe for concurrent use.
type Patchifier struct {
	opts Options
	grid int
}

// New validates the options and returns a Patchifier.
func New(o Options) (*Patchifier, error) {
	if o.PatchHW <= 0 || o.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: patch size and channels must be positive, actual %d and %d",
			satvit.ErrConfiguration, o.PatchHW, o.NumChannels)
	}
	side := int(math.Round(math.Sqrt(float64(o.NumPatches))))
	if o.NumPatches <= 0 || side*side != o.NumPatches {
		return nil, fmt.Errorf("%w: num_patches %d is not a perfect square", satvit.ErrConfiguration, o.NumPatches)
	}
	if len(o.Mean) != len(o.Std) {
		return nil, fmt.Errorf("%w: expected as many std values as means (%d), actual %d",
			satvit.ErrConfiguration, len(o.Mean), len(o.Std))
	}
	for _, s := range o.Std {
		if s == 0 {
			return nil, fmt.Errorf("%w: std values must not be zero", satvit.ErrConfiguration)
		}
	}
	return &Patchifier{opts: o, grid: side}, nil
}

// Side returns the side length, in pixels, every input is resized to.
func (p *Patchifier) Side() int {
	return p.opts.PatchHW * p.grid
}

// PatchDim returns the size of a flattened patch.
func (p *Patchifier) PatchDim() int {
	return p.opts.PatchHW * p.opts.PatchHW * p.opts.NumChannels
}

// FromTensor resizes t to Side() x Side() when needed, reconciles its channels
// and slices it into patches in grid row-major order. Each patch is flattened
// channel-major: index c*P*P + y*P + x.
func (p *Patchifier) FromTensor(t Tensor) (mat.Matrix, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	side := p.Side()
	if t.Height != side || t.Width != side {
		t = t.Resize(side, side)
	}
	channels := reconcileChannels(t.Channels, p.opts.NumChannels)

	ps, grid, nc := p.opts.PatchHW, p.grid, p.opts.NumChannels
	dim := p.PatchDim()
	out := make([]float32, grid*grid*dim)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			patch := out[(gy*grid+gx)*dim:][:dim]
			for c := 0; c < nc; c++ {
				src := channels[c]
				for y := 0; y < ps; y++ {
					row := (gy*ps + y) * side
					for x := 0; x < ps; x++ {
						patch[c*ps*ps+y*ps+x] = t.Data[(row+gx*ps+x)*t.Channels+src]
					}
				}
			}
		}
	}
	return mat.NewDense[float32](grid*grid, dim, out), nil
}

// reconcileChannels maps each output channel to a source channel, tiling the
// source cyclically and truncating to want.
func reconcileChannels(have, want int) []int {
	out := make([]int, want)
	for i := range out {
		out[i] = i % have
	}
	return out
}
