// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionEncoding(t *testing.T) {
	t.Run("row then column, sines then cosines", func(t *testing.T) {
		pe, err := PositionEncoding(4, 2)
		require.NoError(t, err)
		require.Equal(t, 4, pe.Rows())
		require.Equal(t, 4, pe.Columns())

		s1, c1 := float32(math.Sin(1)), float32(math.Cos(1))
		expected := []float32{
			0, 1, 0, 1, // (0, 0)
			0, 1, s1, c1, // (0, 1)
			s1, c1, 0, 1, // (1, 0)
			s1, c1, s1, c1, // (1, 1)
		}
		assert.InDeltaSlice(t, expected, values(pe), 1e-6)
	})

	t.Run("frequencies", func(t *testing.T) {
		pe, err := PositionEncoding(8, 3)
		require.NoError(t, err)
		// cell (2, 1): the row half uses ω = [1, 1/100]
		row := values(pe)[(2*3+1)*8:][:8]
		assert.InDelta(t, math.Sin(2), row[0], 1e-6)
		assert.InDelta(t, math.Sin(2.0/100), row[1], 1e-6)
		assert.InDelta(t, math.Cos(2), row[2], 1e-6)
		assert.InDelta(t, math.Cos(2.0/100), row[3], 1e-6)
		assert.InDelta(t, math.Sin(1), row[4], 1e-6)
		assert.InDelta(t, math.Cos(1.0/100), row[7], 1e-6)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := PositionEncoding(768, 16)
		require.NoError(t, err)
		b, err := PositionEncoding(768, 16)
		require.NoError(t, err)
		assert.Equal(t, values(a), values(b))
		assert.Equal(t, 256, a.Rows())
	})

	t.Run("invalid embed dim", func(t *testing.T) {
		for _, dim := range []int{0, 3, 6, -4} {
			_, err := PositionEncoding(dim, 2)
			assert.ErrorIs(t, err, ErrConfiguration, "dim %d", dim)
		}
	})

	t.Run("invalid grid size", func(t *testing.T) {
		_, err := PositionEncoding(4, 0)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}
