// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/terravit/satvit"
	"github.com/rs/zerolog/log"
)

// DefaultOutputExt is the extension of converted checkpoints.
const DefaultOutputExt = ".bin"

type ConverterConfig struct {
	// The path to the input PyTorch checkpoint.
	PyModelFilename string
	// The path to the output file (default: the input path with DefaultOutputExt).
	GoModelFilename string
	// The variant the checkpoint is verified against before writing.
	Variant satvit.Variant
	// If true, overwrite the output file if it already exists (default "false")
	OverwriteIfExist bool
}

// Convert reads a PyTorch checkpoint, verifies that it builds a model of the
// configured variant and writes its parameters in the gob format.
// It returns the path of the output file.
func Convert(config ConverterConfig) (string, error) {
	if config.GoModelFilename == "" {
		base := strings.TrimSuffix(config.PyModelFilename, filepath.Ext(config.PyModelFilename))
		config.GoModelFilename = base + DefaultOutputExt
	}
	out := config.GoModelFilename

	if !config.OverwriteIfExist && fileExists(out) {
		log.Debug().Str("model", out).Msg("Model file already exists, skipping conversion")
		return out, nil
	}

	modelConfig, err := config.Variant.Config()
	if err != nil {
		return "", err
	}
	params, err := LoadPyTorch(config.PyModelFilename)
	if err != nil {
		return "", err
	}
	if _, err := Build(params, modelConfig); err != nil {
		return "", fmt.Errorf("checkpoint does not match variant %s: %w", config.Variant, err)
	}
	if err := Dump(params, out); err != nil {
		return "", fmt.Errorf("model conversion failed: %w", err)
	}
	log.Info().Str("model", out).Msg("Model converted")
	return out, nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}
