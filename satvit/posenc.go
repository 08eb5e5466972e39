// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/mat"
)

// PositionEncoding returns the fixed 2-D sin-cos table of shape
// [gridSize², embedDim] for a square patch grid, in row-major cell order.
//
// The first half of each row encodes the grid row, the second half the grid
// column. Each half is laid out as all sine terms followed by all cosine terms.
func PositionEncoding(embedDim, gridSize int) (mat.Matrix, error) {
	if err := checkEmbedDim(embedDim); err != nil {
		return nil, err
	}
	if gridSize <= 0 {
		return nil, fmt.Errorf("%w: grid size must be positive, actual %d", ErrConfiguration, gridSize)
	}

	half := embedDim / 2
	omega := frequencies(half)

	out := make([]float32, gridSize*gridSize*embedDim)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			dst := out[(row*gridSize+col)*embedDim:][:embedDim]
			encode1D(dst[:half], float64(row), omega)
			encode1D(dst[half:], float64(col), omega)
		}
	}
	return mat.NewDense[float32](gridSize*gridSize, embedDim, out), nil
}

func checkEmbedDim(embedDim int) error {
	if embedDim <= 0 || embedDim%2 != 0 {
		return fmt.Errorf("%w: embed dim must be even, actual %d", ErrConfiguration, embedDim)
	}
	if embedDim%4 != 0 {
		return fmt.Errorf("%w: embed dim must be a multiple of 4 to split rows and columns into sin/cos halves, actual %d",
			ErrConfiguration, embedDim)
	}
	return nil
}

// frequencies returns ω_i = 1 / 10000^(i/(dim/2)) for i in [0, dim/2).
func frequencies(dim int) []float64 {
	n := dim / 2
	omega := make([]float64, n)
	for i := range omega {
		omega[i] = 1 / math.Pow(10000, float64(i)/float64(n))
	}
	return omega
}

func encode1D(dst []float32, pos float64, omega []float64) {
	n := len(omega)
	for i, w := range omega {
		dst[i] = float32(math.Sin(pos * w))
		dst[n+i] = float32(math.Cos(pos * w))
	}
}
