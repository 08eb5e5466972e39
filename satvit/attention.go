// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

var _ nn.Model = &Attention{}

// Attention is a pre-normalized, bidirectional multi-head self-attention block.
type Attention struct {
	nn.Module
	InputNorm *layernorm.Model
	// ToQKV projects to queries, keys and values at once (no bias).
	ToQKV    *Linear
	ToOut    *Linear
	NumHeads int
	scale    float64
}

// NewAttention returns a zero-initialized attention block.
// dim must be evenly divisible by numHeads.
func NewAttention(dim, numHeads int) (*Attention, error) {
	return buildAttention(newParamBuilder(InitSource{}), dim, numHeads)
}

func buildAttention(b paramBuilder, dim, numHeads int) (*Attention, error) {
	if err := checkHeads(dim, numHeads); err != nil {
		return nil, err
	}
	m := &Attention{
		InputNorm: newLayerNorm(b.sub("input_norm"), dim),
		ToQKV:     newLinear(b.sub("to_qkv"), dim, 3*dim, false),
		ToOut:     newLinear(b.sub("to_out"), dim, dim, true),
		NumHeads:  numHeads,
		scale:     math.Pow(float64(dim/numHeads), -0.5),
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Forward performs the forward step for each token and returns the result.
func (m *Attention) Forward(xs ...ag.Node) []ag.Node {
	if len(xs) == 0 {
		return nil
	}
	qkv := ag.Stack(m.ToQKV.Forward(m.InputNorm.Forward(xs...)...)...)
	dim := qkv.Value().Columns() / 3
	headDim := dim / m.NumHeads
	seqLen := len(xs)

	heads := make([]ag.Node, m.NumHeads)
	for h := range heads {
		from, to := h*headDim, (h+1)*headDim
		q := ag.Slice(qkv, 0, from, seqLen, to)
		k := ag.Slice(qkv, 0, dim+from, seqLen, dim+to)
		v := ag.Slice(qkv, 0, 2*dim+from, seqLen, 2*dim+to)
		heads[h] = m.attendHead(q, k, v)
	}

	out := make([]ag.Node, seqLen)
	for i := range out {
		parts := make([]ag.Node, m.NumHeads)
		for h, head := range heads {
			parts[h] = ag.RowView(head, i)
		}
		out[i] = ag.Concat(parts...)
	}
	return m.ToOut.Forward(out...)
}

// attendHead computes softmax(q·kᵀ * scale)·v for a single head.
// q, k and v are [L, head_dim] matrices.
func (m *Attention) attendHead(q, k, v ag.Node) ag.Node {
	scores := ag.ProdScalar(ag.Mul(q, ag.T(k)), ag.Scalar(float32(m.scale)))
	weights := ag.Stack(ag.Map(ag.Softmax, ag.RowViews(scores))...)
	return ag.Mul(weights, v)
}
