// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchify

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/terravit/satvit"
)

// Tensor is a decoded multi-channel raster in HWC layout.
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

func (t Tensor) validate() error {
	if t.Height <= 0 || t.Width <= 0 || t.Channels <= 0 {
		return fmt.Errorf("%w: expected a non-empty raster, actual %dx%dx%d",
			satvit.ErrInputShape, t.Height, t.Width, t.Channels)
	}
	if n := t.Height * t.Width * t.Channels; len(t.Data) != n {
		return fmt.Errorf("%w: expected %d values for a %dx%dx%d raster, actual %d",
			satvit.ErrInputShape, n, t.Height, t.Width, t.Channels, len(t.Data))
	}
	return nil
}

// At returns the value at row y, column x and channel c.
func (t Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Resize returns a copy of t scaled to height x width with bilinear
// interpolation, sampling at pixel centers (PyTorch align_corners=False).
func (t Tensor) Resize(height, width int) Tensor {
	out := Tensor{
		Height:   height,
		Width:    width,
		Channels: t.Channels,
		Data:     make([]float32, height*width*t.Channels),
	}
	ys := sampleAxis(t.Height, height)
	xs := sampleAxis(t.Width, width)
	for y, sy := range ys {
		for x, sx := range xs {
			dst := out.Data[(y*width+x)*t.Channels:][:t.Channels]
			for c := range dst {
				top := lerp(t.At(sy.i0, sx.i0, c), t.At(sy.i0, sx.i1, c), sx.w)
				bottom := lerp(t.At(sy.i1, sx.i0, c), t.At(sy.i1, sx.i1, c), sx.w)
				dst[c] = float32(top + (bottom-top)*sy.w)
			}
		}
	}
	return out
}

type sample struct {
	i0, i1 int
	w      float64
}

func sampleAxis(in, out int) []sample {
	scale := float64(in) / float64(out)
	samples := make([]sample, out)
	for i := range samples {
		src := (float64(i)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		samples[i] = sample{i0: i0, i1: i1, w: src - float64(i0)}
	}
	return samples
}

func lerp(a, b float32, w float64) float64 {
	return float64(a) + (float64(b)-float64(a))*w
}
