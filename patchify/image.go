// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchify

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/satvit"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode reports input bytes that are not a supported image.
var ErrDecode = fmt.Errorf("%w: cannot decode image", satvit.ErrInputShape)

// Decode reads a PNG, JPEG, GIF, TIFF, BMP or WebP image.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	log.Trace().Str("format", format).Int("width", b.Dx()).Int("height", b.Dy()).Msg("decoded image")
	return img, nil
}

// FromImage scales img to Side() x Side() with bilinear interpolation,
// normalizes its RGB channels and patchifies it. Alpha is ignored.
func (p *Patchifier) FromImage(img image.Image) (mat.Matrix, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", satvit.ErrInputShape)
	}
	return p.FromTensor(p.ImageTensor(img))
}

// ImageTensor returns the normalized RGB raster of img resized to
// Side() x Side().
func (p *Patchifier) ImageTensor(img image.Image) Tensor {
	side := p.Side()
	resized := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := Tensor{Height: side, Width: side, Channels: 3, Data: make([]float32, side*side*3)}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			px := resized.Pix[resized.PixOffset(x, y):][:3]
			dst := t.Data[(y*side+x)*3:][:3]
			for c, v := range px {
				dst[c] = p.normalize(c, float64(v)/255)
			}
		}
	}
	return t
}

func (p *Patchifier) normalize(c int, v float64) float32 {
	if c >= len(p.opts.Mean) {
		return float32(v)
	}
	return float32((v - p.opts.Mean[c]) / p.opts.Std[c])
}
