// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package satvit implements the SatViT masked-autoencoder vision transformer
// for multi-band satellite imagery.
package satvit

import (
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/rs/zerolog/log"
)

var _ nn.Model = &Model{}

// Model is a SatViT encoder-decoder.
//
// MaskToken is a learned [decoder_dim] vector standing in for every removed
// patch. All parameters are read-only once built, so a Model can serve concurrent
// calls as long as every caller owns its random Source.
type Model struct {
	nn.Module
	Embedding    *PatchEmbedding
	Encoder      *Transformer
	EncToDec     *Linear
	MaskToken    nn.Param
	DecoderPos   mat.Matrix
	Decoder      *Transformer
	LinearOutput *Linear
	// Head is an optional classifier over the pooled latent. Nil when absent.
	Head   *Linear
	Config Config
}

// ForwardResult is the outcome of a masked-autoencoder pass.
type ForwardResult struct {
	// Loss is the reconstruction loss over the removed patches.
	Loss float64
	// Prediction is the reconstruction of every patch, [L, io_dim].
	Prediction mat.Matrix
	// Mask has one entry per patch: 1 when removed, 0 when kept.
	Mask []float32
}

// New returns a model with freshly initialized parameters: layer-norm
// weights set to one, everything else zero.
func New(c Config) (*Model, error) {
	return Build(c, InitSource{})
}

// Build returns a model whose parameters are fetched from src by their
// checkpoint names.
func Build(c Config, src ParamSource) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	grid := c.GridSize()
	b := newParamBuilder(src)

	embedding, err := newPatchEmbedding(b.sub("linear_input"), c.IODim, c.EncoderDim, grid)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	encoder, err := buildTransformer(b.sub("encoder"), c.EncoderDim, c.EncoderDepth, c.EncoderNumHeads, c.ffnMult())
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	decoderPos, err := PositionEncoding(c.DecoderDim, grid)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	decoder, err := buildTransformer(b.sub("decoder"), c.DecoderDim, c.DecoderDepth, c.DecoderNumHeads, c.ffnMult())
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	m := &Model{
		Embedding:    embedding,
		Encoder:      encoder,
		EncToDec:     newLinear(b.sub("enc_to_dec"), c.EncoderDim, c.DecoderDim, true),
		MaskToken:    b.vector("mask_token", 1, 1, c.DecoderDim),
		DecoderPos:   decoderPos,
		Decoder:      decoder,
		LinearOutput: newLinear(b.sub("linear_output"), c.DecoderDim, c.IODim, true),
		Config:       c,
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	log.Trace().Msgf("built SatViT model: %d patches, encoder %dx%d, decoder %dx%d",
		c.NumPatches, c.EncoderDepth, c.EncoderDim, c.DecoderDepth, c.DecoderDim)
	return m, nil
}

// Encode runs the full, unmasked patch sequence x [L, io_dim] through the
// encoder and returns the latent sequence [L, encoder_dim].
func (m *Model) Encode(x mat.Matrix) (mat.Matrix, error) {
	if err := m.checkPatches(x); err != nil {
		return nil, err
	}
	return stackValues(m.Encoder.Forward(m.Embedding.Forward(rowVectors(x)...)...)), nil
}

// Forward performs a masked-autoencoder pass: it hides a random maskRatio
// share of the patches from the encoder, reconstructs every patch with the
// decoder and scores the reconstruction of the hidden ones.
func (m *Model) Forward(x mat.Matrix, maskRatio float64, rng Source) (ForwardResult, error) {
	if err := m.checkPatches(x); err != nil {
		return ForwardResult{}, err
	}
	ms, err := RandomMasking(m.Config.NumPatches, maskRatio, rng)
	if err != nil {
		return ForwardResult{}, err
	}

	visible := ApplyMask(m.Embedding.Forward(rowVectors(x)...), ms)
	latent := m.Encoder.Forward(visible...)
	pred := stackValues(m.decode(latent, ms))

	loss, err := ReconstructionLoss(x, pred, ms.Mask)
	if err != nil {
		return ForwardResult{}, err
	}
	return ForwardResult{
		Loss:       loss,
		Prediction: pred,
		Mask:       ms.Mask,
	}, nil
}

// Decode reconstructs all patches [L, io_dim] from the encoded visible
// tokens [len_keep, encoder_dim] selected by ms.
func (m *Model) Decode(latent mat.Matrix, ms MaskState) (mat.Matrix, error) {
	c := m.Config
	if err := ms.Validate(c.NumPatches); err != nil {
		return nil, err
	}
	if latent == nil || latent.Rows() != ms.LenKeep() || latent.Columns() != c.EncoderDim {
		rows, cols := 0, 0
		if latent != nil {
			rows, cols = latent.Rows(), latent.Columns()
		}
		return nil, fmt.Errorf("%w: expected latent shape [%d, %d], actual [%d, %d]",
			ErrInputShape, ms.LenKeep(), c.EncoderDim, rows, cols)
	}
	return stackValues(m.decode(rowVectors(latent), ms)), nil
}

func (m *Model) decode(latent []ag.Node, ms MaskState) []ag.Node {
	xs := m.EncToDec.Forward(latent...)
	xs = unmask(xs, m.MaskToken, ms)
	xs = addRows(xs, m.DecoderPos)
	xs = m.Decoder.Forward(xs...)
	return m.LinearOutput.Forward(xs...)
}

// Logits mean-pools the latent sequence and applies the classification head.
// Without a head the pooled latent itself is returned.
func (m *Model) Logits(latent mat.Matrix) []float64 {
	pooled := MeanRows(latent)
	if m.Head == nil {
		return pooled
	}
	data := make([]float32, len(pooled))
	for i, v := range pooled {
		data[i] = float32(v)
	}
	y := m.Head.Forward(ag.Var(mat.NewVecDense(data)))[0]
	out := values(y.Value())
	logits := make([]float64, len(out))
	for i, v := range out {
		logits[i] = float64(v)
	}
	return logits
}

func (m *Model) checkPatches(x mat.Matrix) error {
	c := m.Config
	if x == nil {
		return fmt.Errorf("%w: missing patch sequence", ErrInputShape)
	}
	if x.Rows() != c.NumPatches || x.Columns() != c.IODim {
		return fmt.Errorf("%w: expected patches shape [%d, %d], actual [%d, %d]",
			ErrInputShape, c.NumPatches, c.IODim, x.Rows(), x.Columns())
	}
	return nil
}
