// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/mat"
)

// targetNormEps is added to the per-patch variance of the target.
const targetNormEps = 1e-6

// ReconstructionLoss is the mean squared error between pred and the
// per-patch normalized target, averaged over the removed patches only.
//
// Each target patch is standardized with its own mean and unbiased variance.
// When no patch is removed the loss is 0.
func ReconstructionLoss(target, pred mat.Matrix, mask []float32) (float64, error) {
	if target.Rows() != pred.Rows() || target.Columns() != pred.Columns() {
		return 0, fmt.Errorf("%w: expected prediction shape [%d, %d], actual [%d, %d]",
			ErrInputShape, target.Rows(), target.Columns(), pred.Rows(), pred.Columns())
	}
	if len(mask) != target.Rows() {
		return 0, fmt.Errorf("%w: expected mask length %d, actual %d", ErrInputShape, target.Rows(), len(mask))
	}

	var masked float64
	for _, m := range mask {
		masked += float64(m)
	}
	if masked == 0 {
		return 0, nil
	}

	cols := target.Columns()
	ts, ps := values(target), values(pred)
	var total float64
	for i, m := range mask {
		if m == 0 {
			continue
		}
		t, p := ts[i*cols:(i+1)*cols], ps[i*cols:(i+1)*cols]
		mean, variance := meanVar(t)
		inv := 1 / math.Sqrt(variance+targetNormEps)
		var mse float64
		for j := range t {
			d := float64(p[j]) - (float64(t[j])-mean)*inv
			mse += d * d
		}
		total += mse / float64(cols) * float64(m)
	}
	return total / masked, nil
}

// meanVar returns the mean and the unbiased variance of xs.
func meanVar(xs []float32) (mean, variance float64) {
	n := float64(len(xs))
	for _, v := range xs {
		mean += float64(v)
	}
	mean /= n
	if len(xs) < 2 {
		return mean, 0
	}
	for _, v := range xs {
		d := float64(v) - mean
		variance += d * d
	}
	return mean, variance / (n - 1)
}
