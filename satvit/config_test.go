// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestVariantConfig(t *testing.T) {
	v1, err := V1.Config()
	require.NoError(t, err)
	assert.Equal(t, 16*16*15, v1.IODim)
	assert.Equal(t, 16, v1.GridSize())
	assert.Equal(t, 384, v1.DecoderDim)
	assert.Equal(t, 2, v1.DecoderDepth)
	assert.Equal(t, 6, v1.DecoderNumHeads)
	assert.NoError(t, v1.Validate())

	v2, err := V2.Config()
	require.NoError(t, err)
	assert.Equal(t, 960, v2.IODim)
	assert.Equal(t, 32, v2.GridSize())
	assert.Equal(t, 512, v2.DecoderDim)
	assert.Equal(t, 1, v2.DecoderDepth)
	assert.Equal(t, 8, v2.DecoderNumHeads)
	assert.NoError(t, v2.Validate())

	_, err = UnknownVariant.Config()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestVariantFromString(t *testing.T) {
	v, err := VariantFromString(" V2 ")
	require.NoError(t, err)
	assert.Equal(t, V2, v)

	_, err = VariantFromString("SatViT-V2.pt")
	assert.ErrorIs(t, err, ErrConfiguration)

	var out struct {
		Variant Variant `yaml:"variant"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("variant: v1\n"), &out))
	assert.Equal(t, V1, out.Variant)
}

func TestConfigValidate(t *testing.T) {
	base := tinyConfig()
	require.NoError(t, base.Validate())

	for name, mutate := range map[string]func(c *Config){
		"not square":          func(c *Config) { c.NumPatches = 6 },
		"io dim":              func(c *Config) { c.IODim = 13 },
		"encoder heads":       func(c *Config) { c.EncoderNumHeads = 3 },
		"decoder heads":       func(c *Config) { c.DecoderNumHeads = 0 },
		"odd encoder dim":     func(c *Config) { c.EncoderDim, c.EncoderNumHeads = 7, 1 },
		"decoder dim not x4":  func(c *Config) { c.DecoderDim = 6 },
		"negative depth":      func(c *Config) { c.DecoderDepth = -1 },
		"zero encoder dim":    func(c *Config) { c.EncoderDim = 0 },
		"zero patch sequence": func(c *Config) { c.NumPatches = 0 },
	} {
		c := base
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), ErrConfiguration, name)
	}
}
