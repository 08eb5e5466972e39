// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomMatrix(rng *rand.Rand, rows, cols int) mat.Matrix {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return mat.NewDense[float32](rows, cols, data)
}

func randomize(rng *rand.Rand, ps ...*nn.Param) {
	for _, p := range ps {
		v := (*p).Value()
		*p = nn.NewParam(randomMatrix(rng, v.Rows(), v.Columns()))
	}
}

func assertFinite(t *testing.T, m mat.Matrix) {
	t.Helper()
	for i, v := range values(m) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			t.Fatalf("value %d is not finite: %v", i, v)
		}
	}
}

// forward runs f over the rows of x and stacks the outputs.
func forward(f func(xs ...ag.Node) []ag.Node, x mat.Matrix) mat.Matrix {
	return stackValues(f(rowVectors(x)...))
}

func TestLayerNorm(t *testing.T) {
	b := newParamBuilder(InitSource{}).sub("input_norm")
	ln := newLayerNorm(b, 4)
	require.NoError(t, b.Err())
	assert.Equal(t, []float32{1, 1, 1, 1}, values(ln.W.Value()))
	assert.Equal(t, []float32{0, 0, 0, 0}, values(ln.B.Value()))

	x := mat.NewDense[float32](2, 4, []float32{
		1, 2, 3, 4,
		5, 5, 5, 5,
	})
	y := values(forward(ln.Forward, x))

	inv := 1 / math.Sqrt(1.25+DefaultLayerNormEps)
	assert.InDeltaSlice(t, []float64{-1.5 * inv, -0.5 * inv, 0.5 * inv, 1.5 * inv}, toFloat64(y[:4]), 1e-5)
	assert.Equal(t, []float32{0, 0, 0, 0}, y[4:])
}

func TestLayerNormAffine(t *testing.T) {
	b := newParamBuilder(InitSource{}).sub("norm_out")
	ln := newLayerNorm(b, 2)
	require.NoError(t, b.Err())
	ln.W = nn.NewParam(mat.NewVecDense([]float32{2, 3}))
	ln.B = nn.NewParam(mat.NewVecDense([]float32{1, -1}))

	y := values(forward(ln.Forward, mat.NewDense[float32](1, 2, []float32{-1, 1})))
	inv := 1 / math.Sqrt(1+DefaultLayerNormEps)
	assert.InDeltaSlice(t, []float64{1 - 2*inv, -1 + 3*inv}, toFloat64(y), 1e-5)
}

func TestLinear(t *testing.T) {
	w := mat.NewDense[float32](2, 3, []float32{
		1, 0, 0,
		0, 1, 1,
	})
	l, err := NewLinear(w, mat.NewVecDense[float32]([]float32{10, 20}))
	require.NoError(t, err)
	assert.Equal(t, 3, l.In())
	assert.Equal(t, 2, l.Out())

	x := mat.NewDense[float32](2, 3, []float32{
		1, 2, 3,
		0, 0, 0,
	})
	assert.Equal(t, []float32{11, 25, 10, 20}, values(forward(l.Forward, x)))

	t.Run("without bias", func(t *testing.T) {
		l, err := NewLinear(w, nil)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 5, 0, 0}, values(forward(l.Forward, x)))
	})

	t.Run("row bias", func(t *testing.T) {
		l, err := NewLinear(w, mat.NewDense[float32](1, 2, []float32{10, 20}))
		require.NoError(t, err)
		assert.Equal(t, []float32{11, 25, 10, 20}, values(forward(l.Forward, x)))
	})

	_, err = NewLinear(w, mat.NewVecDense[float32]([]float32{1, 2, 3}))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAttention(t *testing.T) {
	t.Run("invalid heads", func(t *testing.T) {
		_, err := NewAttention(10, 3)
		assert.ErrorIs(t, err, ErrConfiguration)
		_, err = NewAttention(8, 0)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("output shape", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for _, tc := range []struct{ dim, heads, seqLen int }{
			{8, 1, 1}, {8, 2, 5}, {12, 3, 7}, {16, 8, 4},
		} {
			a, err := NewAttention(tc.dim, tc.heads)
			require.NoError(t, err)
			randomize(rng, &a.ToQKV.W, &a.ToOut.W, &a.ToOut.B)

			y := forward(a.Forward, randomMatrix(rng, tc.seqLen, tc.dim))
			assert.Equal(t, tc.seqLen, y.Rows())
			assert.Equal(t, tc.dim, y.Columns())
			assertFinite(t, y)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		rng := rand.New(rand.NewSource(2))
		a, err := NewAttention(16, 4)
		require.NoError(t, err)
		randomize(rng, &a.ToQKV.W, &a.ToOut.W)
		x := randomMatrix(rng, 9, 16)
		assert.Equal(t, values(forward(a.Forward, x)), values(forward(a.Forward, x)))
	})

	// values are the normalized input, queries and keys are zero
	passThrough := func(t *testing.T) *Attention {
		a, err := NewAttention(2, 1)
		require.NoError(t, err)
		a.ToQKV.W = nn.NewParam(mat.NewDense[float32](6, 2, []float32{
			0, 0,
			0, 0,
			0, 0,
			0, 0,
			1, 0,
			0, 1,
		}))
		a.ToOut.W = nn.NewParam(mat.NewDense[float32](2, 2, []float32{1, 0, 0, 1}))
		a.ToOut.B = nn.NewParam(mat.NewVecDense[float32]([]float32{0.5, 0.5}))
		return a
	}

	t.Run("single token attends to itself", func(t *testing.T) {
		a := passThrough(t)
		y := forward(a.Forward, mat.NewDense[float32](1, 2, []float32{3, -3}))
		assert.InDeltaSlice(t, []float64{1.5, -0.5}, toFloat64(values(y)), 1e-4)
	})

	t.Run("equal scores average the values", func(t *testing.T) {
		a := passThrough(t)
		y := forward(a.Forward, mat.NewDense[float32](3, 2, []float32{
			3, -3,
			-1, 1,
			2, -2,
		}))
		// normalized values are [1 -1], [-1 1], [1 -1]
		mean := 1.0 / 3
		assert.InDeltaSlice(t, []float64{
			0.5 + mean, 0.5 - mean,
			0.5 + mean, 0.5 - mean,
			0.5 + mean, 0.5 - mean,
		}, toFloat64(values(y)), 1e-4)
	})

	t.Run("heads attend independently", func(t *testing.T) {
		a, err := NewAttention(4, 2)
		require.NoError(t, err)
		// q = k = v = normalized input; identity output projection
		w := make([]float32, 12*4)
		for r := 0; r < 12; r++ {
			w[r*4+r%4] = 1
		}
		a.ToQKV.W = nn.NewParam(mat.NewDense[float32](12, 4, w))
		a.ToOut.W = nn.NewParam(mat.NewDense[float32](4, 4, []float32{
			1, 0, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		}))
		x := mat.NewDense[float32](2, 4, []float32{
			1, -1, 1, -1,
			1, -1, 1, -1,
		})
		// identical tokens: every head returns the shared value
		y := values(forward(a.Forward, x))
		assert.InDeltaSlice(t, []float64{1, -1, 1, -1, 1, -1, 1, -1}, toFloat64(y), 1e-4)
	})
}

func TestFeedForward(t *testing.T) {
	_, err := NewFeedForward(0, 4)
	assert.ErrorIs(t, err, ErrConfiguration)

	ff, err := NewFeedForward(8, 4)
	require.NoError(t, err)
	assert.Equal(t, 32, ff.In.Out())
	assert.Equal(t, 8, ff.Out.Out())

	rng := rand.New(rand.NewSource(3))
	randomize(rng, &ff.In.W, &ff.In.B, &ff.Out.W, &ff.Out.B)
	y := forward(ff.Forward, randomMatrix(rng, 5, 8))
	assert.Equal(t, 5, y.Rows())
	assert.Equal(t, 8, y.Columns())
	assertFinite(t, y)
}

func TestGELU(t *testing.T) {
	x := ag.Var(mat.NewVecDense([]float32{0, 1, -1, 3})).WithGrad(true)
	y := GELU(x)
	assert.InDeltaSlice(t, []float64{0, 0.8413447, -0.1586553, 2.9959502}, toFloat64(values(y.Value())), 1e-6)

	ag.Backward(y, mat.NewVecDense([]float32{1, 1, 1, 2}))
	assert.InDeltaSlice(t, []float64{0.5, 1.0833155, -0.0833155, 2 * 1.0119456}, toFloat64(values(x.Grad())), 1e-5)
}

func TestTransformer(t *testing.T) {
	t.Run("depth zero is the final norm", func(t *testing.T) {
		tr, err := NewTransformer(4, 0, 2)
		require.NoError(t, err)
		require.Empty(t, tr.Layers)

		x := mat.NewDense[float32](2, 4, []float32{
			1, 2, 3, 4,
			-2, 0, 2, 4,
		})
		assert.Equal(t, values(forward(tr.NormOut.Forward, x)), values(forward(tr.Forward, x)))
	})

	t.Run("residual connections", func(t *testing.T) {
		tr, err := NewTransformer(4, 2, 2)
		require.NoError(t, err)
		require.Len(t, tr.Layers, 2)

		// zero sub-layers leave the sequence untouched
		x := mat.NewDense[float32](3, 4, []float32{
			1, 2, 3, 4,
			0, 1, 0, 1,
			9, 8, 7, 6,
		})
		assert.Equal(t, values(x), values(forward(tr.Layers[0].Forward, x)))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewTransformer(4, -1, 2)
		assert.ErrorIs(t, err, ErrConfiguration)
		_, err = NewTransformer(6, 1, 4)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}
	return out
}
