// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/ag/fn"
	"github.com/nlpodyssey/spago/mat"
)

// GELU returns a new operator node applying the exact Gaussian Error Linear
// Unit, x * Φ(x), element-wise. ag.GELU is the tanh approximation, which
// drifts from torch.nn.GELU.
func GELU(x ag.Node) ag.Node {
	return ag.NewOperator(&erfGELU{x: x})
}

type erfGELU struct {
	x ag.Node
}

var _ fn.Function[ag.Node] = &erfGELU{}

// Operands returns the list of operands.
func (r *erfGELU) Operands() []ag.Node {
	return []ag.Node{r.x}
}

// Forward computes the output of the function.
func (r *erfGELU) Forward() mat.Matrix {
	return r.x.Value().Apply(gelu)
}

// Backward computes the backward pass.
func (r *erfGELU) Backward(gy mat.Matrix) {
	if !r.x.RequiresGrad() {
		return
	}
	if !mat.SameDims(r.x.Value(), gy) {
		panic("satvit: matrices have incompatible dimensions")
	}
	deriv := r.x.Value().Apply(geluDeriv)
	defer mat.ReleaseMatrix(deriv)
	gx := deriv.Prod(gy)
	defer mat.ReleaseMatrix(gx)
	r.x.AccGrad(gx)
}

func gelu(_, _ int, v float64) float64 {
	return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
}

func geluDeriv(_, _ int, v float64) float64 {
	return 0.5*(1+math.Erf(v/math.Sqrt2)) + v*math.Exp(-0.5*v*v)/math.Sqrt(2*math.Pi)
}
