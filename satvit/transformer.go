// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

// SubLayer is a residual branch of a transformer layer. Forward returns one
// output per input token, each with the width of its input.
type SubLayer interface {
	Forward(xs ...ag.Node) []ag.Node
}

var (
	_ SubLayer = &Attention{}
	_ SubLayer = &FeedForward{}
)

// Layer is a single transformer layer: attention then feed-forward, each
// wrapped in a residual connection.
type Layer struct {
	nn.Module
	Attention   *Attention
	FeedForward *FeedForward
}

// Forward performs x = attn(x) + x; x = ffn(x) + x.
func (m *Layer) Forward(xs ...ag.Node) []ag.Node {
	for _, sub := range []SubLayer{m.Attention, m.FeedForward} {
		xs = ag.Map2(ag.Add, sub.Forward(xs...), xs)
	}
	return xs
}

var _ nn.Model = &Transformer{}

// Transformer is a stack of pre-norm layers followed by a final LayerNorm.
type Transformer struct {
	nn.Module
	Layers  []*Layer
	NormOut *layernorm.Model
	Dim     int
}

// NewTransformer returns a zero-initialized stack of depth layers.
func NewTransformer(dim, depth, numHeads int) (*Transformer, error) {
	return buildTransformer(newParamBuilder(InitSource{}), dim, depth, numHeads, DefaultFFNMult)
}

func buildTransformer(b paramBuilder, dim, depth, numHeads, ffnMult int) (*Transformer, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: depth must not be negative, actual %d", ErrConfiguration, depth)
	}
	m := &Transformer{
		Layers: make([]*Layer, depth),
		Dim:    dim,
	}
	for i := range m.Layers {
		lb := b.sub(fmt.Sprintf("layers.%d", i))
		attn, err := buildAttention(lb.sub("0"), dim, numHeads)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		ffn, err := buildFeedForward(lb.sub("1"), dim, ffnMult)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		m.Layers[i] = &Layer{Attention: attn, FeedForward: ffn}
	}
	m.NormOut = newLayerNorm(b.sub("norm_out"), dim)
	if err := b.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Forward performs the forward step for each token and returns the result.
func (m *Transformer) Forward(xs ...ag.Node) []ag.Node {
	for _, layer := range m.Layers {
		xs = layer.Forward(xs...)
	}
	return m.NormOut.Forward(xs...)
}
