// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"fmt"
	"math"
	"strings"
)

// DefaultFFNMult is the expansion ratio of the feed-forward blocks.
const DefaultFFNMult = 4

// Variant identifies one of the published SatViT hyper-parameter sets.
type Variant int

const (
	UnknownVariant Variant = iota
	// V1 uses 16x16 patches on a 16x16 grid.
	V1
	// V2 uses 8x8 patches on a 32x32 grid.
	V2
)

var variantNames = map[Variant]string{
	V1: "v1",
	V2: "v2",
}

// String returns the lower-case variant name.
func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return "unknown"
}

// VariantFromString parses a variant name such as "v2" (case-insensitive).
func VariantFromString(s string) (Variant, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for v, n := range variantNames {
		if n == name {
			return v, nil
		}
	}
	return UnknownVariant, fmt.Errorf("%w: unknown variant %q", ErrConfiguration, s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := VariantFromString(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Config returns the hyper-parameters of the variant.
func (v Variant) Config() (Config, error) {
	var c Config
	switch v {
	case V1:
		c = Config{
			PatchHW:         16,
			NumPatches:      256,
			EncoderDim:      768,
			EncoderDepth:    12,
			EncoderNumHeads: 12,
			DecoderDim:      384,
			DecoderDepth:    2,
			DecoderNumHeads: 6,
		}
	case V2:
		c = Config{
			PatchHW:         8,
			NumPatches:      1024,
			EncoderDim:      768,
			EncoderDepth:    12,
			EncoderNumHeads: 12,
			DecoderDim:      512,
			DecoderDepth:    1,
			DecoderNumHeads: 8,
		}
	default:
		return Config{}, fmt.Errorf("%w: no configuration for variant %d", ErrConfiguration, int(v))
	}
	c.NumChannels = 15
	c.IODim = c.PatchHW * c.PatchHW * c.NumChannels
	c.FFNMult = DefaultFFNMult
	return c, nil
}

// Config is the configuration of a SatViT model.
// It is fixed at construction time.
type Config struct {
	// IODim is the size of a flattened patch (PatchHW² * NumChannels).
	IODim int `json:"io_dim" yaml:"io_dim"`
	// NumPatches is the sequence length; it must be a perfect square.
	NumPatches      int `json:"num_patches" yaml:"num_patches"`
	EncoderDim      int `json:"encoder_dim" yaml:"encoder_dim"`
	EncoderDepth    int `json:"encoder_depth" yaml:"encoder_depth"`
	EncoderNumHeads int `json:"encoder_num_heads" yaml:"encoder_num_heads"`
	DecoderDim      int `json:"decoder_dim" yaml:"decoder_dim"`
	DecoderDepth    int `json:"decoder_depth" yaml:"decoder_depth"`
	DecoderNumHeads int `json:"decoder_num_heads" yaml:"decoder_num_heads"`
	PatchHW         int `json:"patch_hw" yaml:"patch_hw"`
	NumChannels     int `json:"num_channels" yaml:"num_channels"`
	// FFNMult is the feed-forward expansion ratio. Zero means DefaultFFNMult.
	FFNMult int `json:"ffn_mult" yaml:"ffn_mult"`
}

// GridSize returns the side of the square patch grid.
func (c Config) GridSize() int {
	side, _ := squareSide(c.NumPatches)
	return side
}

func (c Config) ffnMult() int {
	if c.FFNMult <= 0 {
		return DefaultFFNMult
	}
	return c.FFNMult
}

// Validate checks the relationships between the dimensions.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"io_dim", c.IODim},
		{"num_patches", c.NumPatches},
		{"encoder_dim", c.EncoderDim},
		{"encoder_num_heads", c.EncoderNumHeads},
		{"decoder_dim", c.DecoderDim},
		{"decoder_num_heads", c.DecoderNumHeads},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, actual %d", ErrConfiguration, p.name, p.value)
		}
	}
	if c.EncoderDepth < 0 || c.DecoderDepth < 0 {
		return fmt.Errorf("%w: depth must not be negative", ErrConfiguration)
	}
	if _, ok := squareSide(c.NumPatches); !ok {
		return fmt.Errorf("%w: num_patches %d is not a perfect square", ErrConfiguration, c.NumPatches)
	}
	if c.PatchHW > 0 && c.NumChannels > 0 && c.IODim != c.PatchHW*c.PatchHW*c.NumChannels {
		return fmt.Errorf("%w: expected io_dim %d (patch_hw² * num_channels), actual %d",
			ErrConfiguration, c.PatchHW*c.PatchHW*c.NumChannels, c.IODim)
	}
	if err := checkHeads(c.EncoderDim, c.EncoderNumHeads); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if err := checkHeads(c.DecoderDim, c.DecoderNumHeads); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	if err := checkEmbedDim(c.EncoderDim); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if err := checkEmbedDim(c.DecoderDim); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	return nil
}

func checkHeads(dim, numHeads int) error {
	if numHeads <= 0 || dim%numHeads != 0 {
		return fmt.Errorf("%w: dim %d must be evenly divisible by num_heads %d", ErrConfiguration, dim, numHeads)
	}
	return nil
}

func squareSide(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	side := int(math.Round(math.Sqrt(float64(n))))
	return side, side*side == n
}
