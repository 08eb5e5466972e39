// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package service

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/nlpodyssey/terravit"
	"github.com/nlpodyssey/terravit/satvit"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration, usually read from a YAML file.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// GRPCAddress serves the gRPC health protocol when set.
	GRPCAddress string         `yaml:"grpc_listen"`
	WeightsPath string         `yaml:"weights"`
	Variant     satvit.Variant `yaml:"variant"`
	// CORSOrigins lists the allowed origins; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
	// MaskRatio is used by /reconstruct/image when the request has none.
	MaskRatio float64 `yaml:"mask_ratio"`
	// Seed initializes the masking entropy. Zero means time-based.
	Seed int64 `yaml:"seed"`
	// HistoryDB is the SQLite file recording served inferences. Empty
	// disables the history.
	HistoryDB string `yaml:"history_db"`
	// MaxUploadBytes bounds the size of multipart requests.
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the configuration used for unset values.
func DefaultConfig() Config {
	return Config{
		ListenAddress:  ":8000",
		WeightsPath:    "SatViT_V2.pt",
		Variant:        satvit.V2,
		CORSOrigins:    []string{"*"},
		MaskRatio:      terravit.DefaultMaskRatio,
		MaxUploadBytes: 32 << 20,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("error reading configuration file: %w", err)
	}
	config := DefaultConfig()
	if err = yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling configuration file: %w", err)
	}
	if err = config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks values that cannot be fixed with defaults.
func (c Config) Validate() error {
	if math.IsNaN(c.MaskRatio) || c.MaskRatio < 0 || c.MaskRatio >= 1 {
		return fmt.Errorf("mask_ratio must be in [0, 1), actual %g", c.MaskRatio)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, actual %d", c.MaxUploadBytes)
	}
	return nil
}

// EngineOptions returns the options of the engine served with c.
func (c Config) EngineOptions() terravit.Options {
	return terravit.Options{
		WeightsPath: c.WeightsPath,
		Variant:     c.Variant,
		Seed:        c.Seed,
	}
}
