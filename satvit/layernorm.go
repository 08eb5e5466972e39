// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

// DefaultLayerNormEps matches torch.nn.LayerNorm.
const DefaultLayerNormEps = 1e-5

func newLayerNorm(b paramBuilder, size int) *layernorm.Model {
	return &layernorm.Model{
		W:   b.param("weight", size),
		B:   b.param("bias", size),
		Eps: nn.Const[float32](DefaultLayerNormEps),
	}
}
