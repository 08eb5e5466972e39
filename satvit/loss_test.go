// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"math"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstructionLoss(t *testing.T) {
	target := mat.NewDense[float32](2, 2, []float32{
		1, 3,
		5, 5,
	})
	// Patch 0 normalizes to ±1/sqrt(2+1e-6); patch 1 has zero variance.
	norm := float32(1 / math.Sqrt(2+targetNormEps))
	pred := mat.NewDense[float32](2, 2, []float32{
		-norm, norm,
		2, 0,
	})

	t.Run("only masked patches count", func(t *testing.T) {
		loss, err := ReconstructionLoss(target, pred, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 2.0, loss, 1e-6)

		loss, err = ReconstructionLoss(target, pred, []float32{1, 0})
		require.NoError(t, err)
		assert.InDelta(t, 0.0, loss, 1e-6)

		loss, err = ReconstructionLoss(target, pred, []float32{1, 1})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, loss, 1e-6)
	})

	t.Run("nothing masked", func(t *testing.T) {
		loss, err := ReconstructionLoss(target, pred, []float32{0, 0})
		require.NoError(t, err)
		assert.Equal(t, 0.0, loss)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := ReconstructionLoss(target, mat.NewEmptyDense[float32](2, 3), []float32{1, 1})
		assert.ErrorIs(t, err, ErrInputShape)
		_, err = ReconstructionLoss(target, pred, []float32{1})
		assert.ErrorIs(t, err, ErrInputShape)
	})
}
