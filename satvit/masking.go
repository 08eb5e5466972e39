// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"fmt"
	"math"
	"sort"

	"github.com/nlpodyssey/spago/ag"
)

// Source is the entropy used to draw a random masking.
// *math/rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// MaskState describes the tokens selected for one forward pass.
type MaskState struct {
	// Keep lists the original positions of the visible tokens, in shuffled order.
	Keep []int
	// Mask has one entry per token: 1 when removed, 0 when kept.
	Mask []float32
	// Shuffle is the permutation sorting the random draws in ascending order.
	Shuffle []int
	// Restore is the inverse of Shuffle.
	Restore []int
}

// LenKeep returns the number of visible tokens.
func (ms MaskState) LenKeep() int {
	return len(ms.Keep)
}

// NumMasked returns the number of removed tokens.
func (ms MaskState) NumMasked() int {
	return len(ms.Mask) - len(ms.Keep)
}

// RandomMasking draws a random subset of seqLen tokens to keep, leaving
// floor(seqLen*(1-maskRatio)) of them visible.
//
// A maskRatio of 0 keeps every token in its original order and does not
// consume the rng, which may then be nil.
func RandomMasking(seqLen int, maskRatio float64, rng Source) (MaskState, error) {
	if seqLen <= 0 {
		return MaskState{}, fmt.Errorf("%w: sequence length must be positive, actual %d", ErrInputShape, seqLen)
	}
	if math.IsNaN(maskRatio) || maskRatio < 0 || maskRatio >= 1 {
		return MaskState{}, fmt.Errorf("%w: expected a value in [0, 1), actual %g", ErrMaskRatio, maskRatio)
	}
	lenKeep := int(math.Floor(float64(seqLen) * (1 - maskRatio)))
	if lenKeep == 0 {
		return MaskState{}, fmt.Errorf("%w: ratio %g leaves no visible token out of %d", ErrMaskRatio, maskRatio, seqLen)
	}

	shuffle := identity(seqLen)
	if maskRatio > 0 {
		if rng == nil {
			return MaskState{}, fmt.Errorf("%w: a random source is required when masking", ErrMaskRatio)
		}
		noise := make([]float64, seqLen)
		for i := range noise {
			noise[i] = rng.Float64()
		}
		sort.SliceStable(shuffle, func(a, b int) bool {
			return noise[shuffle[a]] < noise[shuffle[b]]
		})
	}

	restore := make([]int, seqLen)
	for i, idx := range shuffle {
		restore[idx] = i
	}

	// The mask is built in shuffled order and brought back through restore.
	shuffled := make([]float32, seqLen)
	for i := lenKeep; i < seqLen; i++ {
		shuffled[i] = 1
	}
	mask := make([]float32, seqLen)
	for i, idx := range restore {
		mask[i] = shuffled[idx]
	}

	return MaskState{
		Keep:    append([]int(nil), shuffle[:lenKeep]...),
		Mask:    mask,
		Shuffle: shuffle,
		Restore: restore,
	}, nil
}

// ApplyMask returns the visible tokens of xs, in the order of ms.Keep.
func ApplyMask(xs []ag.Node, ms MaskState) []ag.Node {
	return gather(xs, ms.Keep)
}

// unmask appends one copy of token for every removed position to the visible
// tokens xs and puts all tokens back in original sequence order.
func unmask(xs []ag.Node, token ag.Node, ms MaskState) []ag.Node {
	full := make([]ag.Node, 0, len(xs)+ms.NumMasked())
	full = append(full, xs...)
	for i := 0; i < ms.NumMasked(); i++ {
		full = append(full, token)
	}
	return gather(full, ms.Restore)
}

// Validate checks that ms describes a masking of seqLen tokens: Restore is a
// permutation, Keep lists the positions Restore moves to the front and Mask
// flags exactly the others.
func (ms MaskState) Validate(seqLen int) error {
	if len(ms.Mask) != seqLen || len(ms.Restore) != seqLen {
		return fmt.Errorf("%w: expected mask and restore over %d tokens, actual %d and %d",
			ErrInputShape, seqLen, len(ms.Mask), len(ms.Restore))
	}
	seen := make([]bool, seqLen)
	for _, idx := range ms.Restore {
		if idx < 0 || idx >= seqLen || seen[idx] {
			return fmt.Errorf("%w: restore is not a permutation of %d tokens", ErrInputShape, seqLen)
		}
		seen[idx] = true
	}
	lenKeep := len(ms.Keep)
	if lenKeep > seqLen {
		return fmt.Errorf("%w: %d kept tokens out of %d", ErrInputShape, lenKeep, seqLen)
	}
	for j, idx := range ms.Keep {
		if idx < 0 || idx >= seqLen || ms.Restore[idx] != j {
			return fmt.Errorf("%w: kept token %d does not match restore", ErrInputShape, idx)
		}
	}
	for i, m := range ms.Mask {
		want := float32(0)
		if ms.Restore[i] >= lenKeep {
			want = 1
		}
		if m != want {
			return fmt.Errorf("%w: expected mask value %g for token %d, actual %g", ErrInputShape, want, i, m)
		}
	}
	return nil
}

func identity(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}
