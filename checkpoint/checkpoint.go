// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package checkpoint reads SatViT parameters from PyTorch or native gob files
// and builds models out of them.
package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/satvit"
	"github.com/rs/zerolog/log"
)

// Names of the optional classification head parameters.
const (
	HeadWeight = "head.weight"
	HeadBias   = "head.bias"
)

// IsPyTorch reports whether filename looks like a torch.save file.
func IsPyTorch(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pt", ".pth", ".ckpt":
		return true
	default:
		return false
	}
}

// Load reads a checkpoint, choosing the format by file extension:
// ".pt", ".pth" and ".ckpt" are PyTorch files, anything else is gob.
func Load(filename string) (Params, error) {
	if IsPyTorch(filename) {
		return LoadPyTorch(filename)
	}
	return LoadGob(filename)
}

// Build returns a model for configuration c with the parameters from p.
//
// Every parameter of the model must be present with the expected shape.
// Stored position tables are checked against the recomputed ones (see
// checkPositionTables). An optional head is attached when both head
// parameters are present.
func Build(p Params, c satvit.Config) (*satvit.Model, error) {
	rec := newRecorder(p)
	m, err := satvit.Build(c, rec)
	if err != nil {
		return nil, err
	}

	if err := checkPositionTables(rec, m); err != nil {
		return nil, err
	}

	head, err := buildHead(rec, c)
	if err != nil {
		return nil, err
	}
	m.Head = head
	if head == nil {
		log.Warn().Msg("checkpoint has no classification head: predictions are a softmax over the pooled latent")
	}

	if unused := rec.unused(); len(unused) > 0 {
		log.Debug().Strs("names", unused).Msgf("ignored %d checkpoint parameters", len(unused))
	}
	log.Debug().
		Str("values", humanize.Comma(int64(p.NumValues()))).
		Str("size", humanize.IBytes(uint64(p.NumValues())*4)).
		Msgf("built model from %d parameters", len(p))
	return m, nil
}

func buildHead(rec *recorder, c satvit.Config) (*satvit.Linear, error) {
	w, hasW := rec.Params[HeadWeight]
	_, hasB := rec.Params[HeadBias]
	if !hasW && !hasB {
		return nil, nil
	}
	if !hasW || len(w.Shape) != 2 {
		return nil, fmt.Errorf("%w: %q must be a [classes, %d] matrix", ErrCheckpoint, HeadWeight, c.EncoderDim)
	}
	classes := w.Shape[0]
	weight, err := rec.Fetch(HeadWeight, classes, c.EncoderDim)
	if err != nil {
		return nil, err
	}
	var bias mat.Matrix
	if hasB {
		if bias, err = rec.Fetch(HeadBias, classes); err != nil {
			return nil, err
		}
	}
	head, err := satvit.NewLinear(weight, bias)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", ErrCheckpoint, err)
	}
	return head, nil
}
