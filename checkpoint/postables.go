// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/satvit"
	"github.com/rs/zerolog/log"
)

// Names of the position tables PyTorch stores as buffers.
const (
	PosEmbed        = "pos_embed"
	DecoderPosEmbed = "decoder_pos_embed"
)

// positionTableTolerance absorbs float32 rounding of the stored tables.
const positionTableTolerance = 1e-4

// checkPositionTables compares the stored position tables, when present,
// with the ones recomputed by the model.
//
// A table encoding the column in its first half and the row in the second
// (the layout of a (w, h) meshgrid) replaces the recomputed one with a
// warning, since the weights were trained with it. Any other difference is
// an error.
func checkPositionTables(rec *recorder, m *satvit.Model) error {
	for _, t := range []struct {
		name  string
		table *mat.Matrix
	}{
		{PosEmbed, &m.Embedding.Pos},
		{DecoderPosEmbed, &m.DecoderPos},
	} {
		if _, ok := rec.Params[t.name]; !ok {
			continue
		}
		computed := *t.table
		stored, err := rec.Fetch(t.name, 1, computed.Rows(), computed.Columns())
		if err != nil {
			return err
		}
		switch {
		case maxAbsDiff(stored, computed) <= positionTableTolerance:
			log.Trace().Str("name", t.name).Msg("stored position table matches")
		case maxAbsDiff(stored, swapHalves(computed)) <= positionTableTolerance:
			log.Warn().Str("name", t.name).
				Msg("stored position table encodes the column first and the row second: using it instead of the row-first table")
			*t.table = stored
		default:
			return fmt.Errorf("%w: %q does not match the 2-D sin-cos position table (max difference %g)",
				ErrCheckpoint, t.name, maxAbsDiff(stored, computed))
		}
	}
	return nil
}

// swapHalves returns a copy of x with the two column halves of every row
// exchanged.
func swapHalves(x mat.Matrix) mat.Matrix {
	rows, cols := x.Rows(), x.Columns()
	half := cols / 2
	xs := mat.Data[float32](x)
	out := make([]float32, len(xs))
	for i := 0; i < rows; i++ {
		src, dst := xs[i*cols:(i+1)*cols], out[i*cols:(i+1)*cols]
		copy(dst[:half], src[half:])
		copy(dst[half:], src[:half])
	}
	return mat.NewDense[float32](rows, cols, out)
}

func maxAbsDiff(a, b mat.Matrix) float64 {
	as, bs := mat.Data[float32](a), mat.Data[float32](b)
	var max float64
	for i := range as {
		if d := math.Abs(float64(as[i] - bs[i])); d > max {
			max = d
		}
	}
	return max
}
