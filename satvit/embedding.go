// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &PatchEmbedding{}

// PatchEmbedding projects flattened patches to the model width and adds the
// fixed position table.
type PatchEmbedding struct {
	nn.Module
	Linear *Linear
	// Pos is the [L, dim] sin-cos table. It is not a trainable parameter.
	Pos mat.Matrix
}

func newPatchEmbedding(b paramBuilder, ioDim, dim, gridSize int) (*PatchEmbedding, error) {
	pos, err := PositionEncoding(dim, gridSize)
	if err != nil {
		return nil, err
	}
	return &PatchEmbedding{
		Linear: newLinear(b, ioDim, dim, true),
		Pos:    pos,
	}, nil
}

// Forward maps every patch (io_dim values) to a token of width dim. The i-th
// patch gets row i of the position table.
func (m *PatchEmbedding) Forward(xs ...ag.Node) []ag.Node {
	return addRows(m.Linear.Forward(xs...), m.Pos)
}
