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

var _ nn.Model = &FeedForward{}

// FeedForward is the pre-normalized position-wise MLP of a transformer layer.
// Its parameter names mirror torch.nn.Sequential indices: net.0 is the
// expansion, net.3 the projection back (1 and 2 are GELU and dropout).
type FeedForward struct {
	nn.Module
	InputNorm *layernorm.Model
	In        *Linear
	Out       *Linear
}

// NewFeedForward returns a zero-initialized feed-forward block with inner
// width dim*mult.
func NewFeedForward(dim, mult int) (*FeedForward, error) {
	return buildFeedForward(newParamBuilder(InitSource{}), dim, mult)
}

func buildFeedForward(b paramBuilder, dim, mult int) (*FeedForward, error) {
	if dim <= 0 || mult <= 0 {
		return nil, fmt.Errorf("%w: feed-forward dim and mult must be positive, actual %d and %d", ErrConfiguration, dim, mult)
	}
	inner := dim * mult
	m := &FeedForward{
		InputNorm: newLayerNorm(b.sub("input_norm"), dim),
		In:        newLinear(b.sub("net.0"), dim, inner, true),
		Out:       newLinear(b.sub("net.3"), inner, dim, true),
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Forward performs the forward step for each token and returns the result.
func (m *FeedForward) Forward(xs ...ag.Node) []ag.Node {
	hs := m.In.Forward(m.InputNorm.Forward(xs...)...)
	return m.Out.Forward(ag.Map(GELU, hs)...)
}
