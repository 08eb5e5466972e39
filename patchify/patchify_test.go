// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchify

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/satvit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// indexedTensor returns a raster whose value encodes its position:
// c*100 + y*width + x.
func indexedTensor(height, width, channels int) Tensor {
	t := Tensor{Height: height, Width: width, Channels: channels, Data: make([]float32, height*width*channels)}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				t.Data[(y*width+x)*channels+c] = float32(c*100 + y*width + x)
			}
		}
	}
	return t
}

func TestNew(t *testing.T) {
	_, err := New(Options{PatchHW: 8, NumPatches: 1000, NumChannels: 15})
	assert.ErrorIs(t, err, satvit.ErrConfiguration)
	_, err = New(Options{PatchHW: 0, NumPatches: 4, NumChannels: 15})
	assert.ErrorIs(t, err, satvit.ErrConfiguration)
	_, err = New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 3, Mean: []float64{0}, Std: []float64{}})
	assert.ErrorIs(t, err, satvit.ErrConfiguration)
	_, err = New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 3, Mean: []float64{0}, Std: []float64{0}})
	assert.ErrorIs(t, err, satvit.ErrConfiguration)

	p, err := New(Options{PatchHW: 8, NumPatches: 1024, NumChannels: 15})
	require.NoError(t, err)
	assert.Equal(t, 256, p.Side())
	assert.Equal(t, 960, p.PatchDim())
}

func TestFromTensorTilesChannels(t *testing.T) {
	p, err := New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 15})
	require.NoError(t, err)

	patches, err := p.FromTensor(indexedTensor(4, 4, 3))
	require.NoError(t, err)
	require.Equal(t, 4, patches.Rows())
	require.Equal(t, 2*2*15, patches.Columns())

	data := mat.Data[float32](patches)
	for patch := 0; patch < 4; patch++ {
		gy, gx := patch/2, patch%2
		for c := 0; c < 15; c++ {
			for y := 0; y < 2; y++ {
				for x := 0; x < 2; x++ {
					expected := float32((c%3)*100 + (gy*2+y)*4 + gx*2 + x)
					actual := data[patch*60+c*4+y*2+x]
					assert.Equal(t, expected, actual, "patch %d channel %d (%d, %d)", patch, c, y, x)
				}
			}
		}
	}
}

func TestFromTensorTruncatesChannels(t *testing.T) {
	p, err := New(Options{PatchHW: 1, NumPatches: 1, NumChannels: 15})
	require.NoError(t, err)

	patches, err := p.FromTensor(indexedTensor(1, 1, 20))
	require.NoError(t, err)
	expected := make([]float32, 15)
	for c := range expected {
		expected[c] = float32(c * 100)
	}
	assert.Equal(t, expected, mat.Data[float32](patches))
}

func TestFromTensorInvalid(t *testing.T) {
	p, err := New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 3})
	require.NoError(t, err)

	_, err = p.FromTensor(Tensor{})
	assert.ErrorIs(t, err, satvit.ErrInputShape)
	_, err = p.FromTensor(Tensor{Height: 2, Width: 2, Channels: 3, Data: make([]float32, 5)})
	assert.ErrorIs(t, err, satvit.ErrInputShape)
}

func TestResize(t *testing.T) {
	t.Run("downsample", func(t *testing.T) {
		src := Tensor{Height: 1, Width: 4, Channels: 1, Data: []float32{0, 1, 2, 3}}
		out := src.Resize(1, 2)
		assert.InDeltaSlice(t, []float64{0.5, 2.5}, toFloat64(out.Data), 1e-6)
	})

	t.Run("upsample constant", func(t *testing.T) {
		src := Tensor{Height: 1, Width: 1, Channels: 2, Data: []float32{3, 7}}
		out := src.Resize(3, 3)
		for i := 0; i < 9; i++ {
			assert.Equal(t, float32(3), out.Data[i*2])
			assert.Equal(t, float32(7), out.Data[i*2+1])
		}
	})

	t.Run("same size", func(t *testing.T) {
		src := indexedTensor(3, 3, 2)
		assert.Equal(t, src.Data, src.Resize(3, 3).Data)
	})
}

func TestFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	t.Run("raw", func(t *testing.T) {
		p, err := New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 6})
		require.NoError(t, err)
		patches, err := p.FromImage(img)
		require.NoError(t, err)
		require.Equal(t, 4, patches.Rows())
		require.Equal(t, 24, patches.Columns())

		data := mat.Data[float32](patches)
		for patch := 0; patch < 4; patch++ {
			for c := 0; c < 6; c++ {
				expected := []float64{1, 0, 0.2}[c%3]
				for i := 0; i < 4; i++ {
					assert.InDelta(t, expected, data[patch*24+c*4+i], 0.01)
				}
			}
		}
	})

	t.Run("normalized", func(t *testing.T) {
		p, err := New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 3, Mean: ImageNetMean, Std: ImageNetStd})
		require.NoError(t, err)
		patches, err := p.FromImage(img)
		require.NoError(t, err)
		data := mat.Data[float32](patches)
		assert.InDelta(t, (1-0.485)/0.229, data[0], 0.05)
		assert.InDelta(t, (0-0.456)/0.224, data[4], 0.05)
	})

	t.Run("empty", func(t *testing.T) {
		p, err := New(Options{PatchHW: 2, NumPatches: 4, NumChannels: 3})
		require.NoError(t, err)
		_, err = p.FromImage(image.NewRGBA(image.Rect(0, 0, 0, 0)))
		assert.ErrorIs(t, err, satvit.ErrInputShape)
	})
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 3, 2))))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	_, err = Decode(strings.NewReader("not an image"))
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, satvit.ErrInputShape)
}

func TestOptionsFor(t *testing.T) {
	c, err := satvit.V2.Config()
	require.NoError(t, err)
	o := OptionsFor(c)
	assert.Equal(t, 8, o.PatchHW)
	assert.Equal(t, 1024, o.NumPatches)
	assert.Equal(t, 15, o.NumChannels)
	assert.Equal(t, ImageNetMean, o.Mean)
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}
	return out
}
