// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/linear"
)

var _ nn.Model = &Linear{}

// Linear is an affine map applied to every token of a sequence.
// W is stored as [out, in], like torch.nn.Linear. Layers without a bias in
// the checkpoint get a constant zero bias.
type Linear struct {
	*linear.Model
}

func newLinear(b paramBuilder, in, out int, bias bool) *Linear {
	m := &linear.Model{W: b.param("weight", out, in)}
	if !bias {
		m.B = zeroBias(out)
		return &Linear{Model: m.WithBiasGrad(false)}
	}
	m.B = b.param("bias", out)
	return &Linear{Model: m}
}

// NewLinear returns a Linear layer from its weight ([out, in]) and an optional
// bias (nil for none).
func NewLinear(w, b mat.Matrix) (*Linear, error) {
	if b == nil {
		return &Linear{Model: (&linear.Model{W: nn.NewParam(w), B: zeroBias(w.Rows())}).WithBiasGrad(false)}, nil
	}
	if b.Size() != w.Rows() {
		return nil, fmt.Errorf("%w: expected bias size %d, actual %d", ErrConfiguration, w.Rows(), b.Size())
	}
	if b.Columns() != 1 {
		b = b.Reshape(b.Size(), 1)
	}
	return &Linear{Model: &linear.Model{W: nn.NewParam(w), B: nn.NewParam(b)}}, nil
}

func zeroBias(size int) nn.Param {
	return nn.NewParam(mat.NewEmptyVecDense[float32](size))
}

// In returns the input width.
func (m *Linear) In() int { return m.W.Value().Columns() }

// Out returns the output width.
func (m *Linear) Out() int { return m.W.Value().Rows() }
