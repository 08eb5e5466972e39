// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// Sequences enter and leave the model as [length, dim] dense matrices, one
// token per row. Inside, every token is a column-vector node.

func values(m mat.Matrix) []float32 {
	return mat.Data[float32](m)
}

// rowVectors returns a copy of every row of x as a column-vector node.
func rowVectors(x mat.Matrix) []ag.Node {
	rows, cols := x.Rows(), x.Columns()
	xs := values(x)
	out := make([]ag.Node, rows)
	for i := range out {
		out[i] = ag.Var(mat.NewVecDense(xs[i*cols : (i+1)*cols]))
	}
	return out
}

// stackValues stacks the values of xs into a [len(xs), size] matrix.
func stackValues(xs []ag.Node) mat.Matrix {
	vs := make([]mat.Matrix, len(xs))
	for i, x := range xs {
		vs[i] = x.Value()
	}
	return mat.Stack[float32](vs...)
}

// addRows adds row i of table to the i-th token.
func addRows(xs []ag.Node, table mat.Matrix) []ag.Node {
	return ag.Map2(ag.Add, xs, rowVectors(table))
}

// gather returns ys where ys[i] = xs[indices[i]].
func gather(xs []ag.Node, indices []int) []ag.Node {
	out := make([]ag.Node, len(indices))
	for i, idx := range indices {
		out[i] = xs[idx]
	}
	return out
}

// MeanRows averages the rows of x into a single vector of x.Columns() values.
func MeanRows(x mat.Matrix) []float64 {
	rows, cols := x.Rows(), x.Columns()
	xs := values(x)
	out := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range xs[i*cols : (i+1)*cols] {
			out[j] += float64(v)
		}
	}
	if rows > 0 {
		for j := range out {
			out[j] /= float64(rows)
		}
	}
	return out
}
