// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"strings"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
)

// ParamSource provides the value of a named parameter with the expected shape.
//
// Names follow the dotted module paths of the reference PyTorch checkpoint,
// e.g. "encoder.layers.0.0.to_qkv.weight". A one-dimensional shape yields a
// vector; otherwise the returned matrix has shape[len(shape)-1] columns and
// the product of the remaining dimensions as rows.
type ParamSource interface {
	Fetch(name string, shape ...int) (mat.Matrix, error)
}

// InitSource is a ParamSource that initializes parameters the way freshly
// constructed PyTorch modules are: layer-norm weights to one, everything
// else to zero.
type InitSource struct{}

var _ ParamSource = InitSource{}

// Fetch implements ParamSource.
func (InitSource) Fetch(name string, shape ...int) (mat.Matrix, error) {
	fill := float32(0)
	if isNormWeight(name) {
		fill = 1
	}
	rows, cols := matrixShape(shape)
	data := make([]float32, rows*cols)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	if len(shape) == 1 {
		return mat.NewVecDense[float32](data), nil
	}
	return mat.NewDense[float32](rows, cols, data), nil
}

func isNormWeight(name string) bool {
	return strings.HasSuffix(name, "norm.weight") || strings.HasSuffix(name, "norm_out.weight")
}

func matrixShape(shape []int) (rows, cols int) {
	if len(shape) == 0 {
		return 1, 1
	}
	rows = 1
	for _, d := range shape[:len(shape)-1] {
		rows *= d
	}
	return rows, shape[len(shape)-1]
}

// paramBuilder fetches parameters under a name prefix, remembering the first
// error so that constructors can stay linear.
type paramBuilder struct {
	src    ParamSource
	prefix string
	err    *error
}

func newParamBuilder(src ParamSource) paramBuilder {
	var err error
	return paramBuilder{src: src, err: &err}
}

func (b paramBuilder) sub(name string) paramBuilder {
	return paramBuilder{src: b.src, prefix: b.prefix + name + ".", err: b.err}
}

func (b paramBuilder) matrix(name string, shape ...int) mat.Matrix {
	if *b.err != nil {
		return nil
	}
	m, err := b.src.Fetch(b.prefix+name, shape...)
	if err != nil {
		*b.err = err
		return nil
	}
	return m
}

func (b paramBuilder) param(name string, shape ...int) nn.Param {
	m := b.matrix(name, shape...)
	if m == nil {
		return nil
	}
	return nn.NewParam(m)
}

// vector fetches a parameter of any shape as a column vector.
func (b paramBuilder) vector(name string, shape ...int) nn.Param {
	m := b.matrix(name, shape...)
	if m == nil {
		return nil
	}
	if m.Columns() != 1 {
		m = m.Reshape(m.Size(), 1)
	}
	return nn.NewParam(m)
}

func (b paramBuilder) Err() error {
	return *b.err
}
