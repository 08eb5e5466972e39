// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package terravit

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/mat"
)

// Prediction is the class distribution inferred for one image.
type Prediction struct {
	TopClassIndex int       `json:"top_class_index"`
	TopClassScore float64   `json:"top_class_score"`
	RawScores     []float64 `json:"raw_scores"`
}

// ChangeReport compares the class distributions of two images of the same
// area.
type ChangeReport struct {
	// ChangeScore is the total variation distance between the two
	// distributions, in [0, 1].
	ChangeScore       float64   `json:"change_score"`
	ClassScoresBefore []float64 `json:"class_scores_before"`
	ClassScoresAfter  []float64 `json:"class_scores_after"`
	// PerClassChange is after - before, per class.
	PerClassChange []float64 `json:"per_class_change"`
	// DominantChangeClassIndex is the class with the largest absolute change,
	// or nil when nothing changed.
	DominantChangeClassIndex *int   `json:"dominant_change_class_index"`
	Summary                  string `json:"summary"`
}

// greedy turns logits into a prediction with the most probable class.
func greedy(logits []float64) (Prediction, error) {
	if len(logits) == 0 {
		return Prediction{}, fmt.Errorf("no logits to score")
	}
	probs := mat.NewVecDense[float64](logits).Softmax()
	best := probs.ArgMax()
	scores := mat.Data[float64](probs)
	return Prediction{
		TopClassIndex: best,
		TopClassScore: scores[best],
		RawScores:     append([]float64(nil), scores...),
	}, nil
}

func compare(before, after Prediction) (ChangeReport, error) {
	if len(before.RawScores) != len(after.RawScores) {
		return ChangeReport{}, fmt.Errorf("expected %d class scores, actual %d", len(before.RawScores), len(after.RawScores))
	}
	r := ChangeReport{
		ClassScoresBefore: before.RawScores,
		ClassScoresAfter:  after.RawScores,
		PerClassChange:    make([]float64, len(before.RawScores)),
	}
	dominant, largest := -1, 0.0
	for i := range r.PerClassChange {
		d := after.RawScores[i] - before.RawScores[i]
		r.PerClassChange[i] = d
		r.ChangeScore += math.Abs(d)
		if math.Abs(d) > largest {
			dominant, largest = i, math.Abs(d)
		}
	}
	r.ChangeScore = math.Min(r.ChangeScore/2, 1)

	if dominant < 0 {
		r.Summary = "No change detected between the two images."
		return r, nil
	}
	r.DominantChangeClassIndex = &dominant
	r.Summary = fmt.Sprintf("Change score %.3f: class %d shifted most (%+.3f), top class %d -> %d.",
		r.ChangeScore, dominant, r.PerClassChange[dominant], before.TopClassIndex, after.TopClassIndex)
	return r, nil
}
