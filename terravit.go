// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package terravit serves a SatViT model: it loads the weights once and
// exposes encoding, classification, change detection and reconstruction
// scoring of satellite images.
package terravit

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/checkpoint"
	"github.com/nlpodyssey/terravit/patchify"
	"github.com/nlpodyssey/terravit/satvit"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// loadCheckpoint reads the parameters of a weights file.
var loadCheckpoint = checkpoint.Load

// ErrNotLoaded is returned by every entry point of an Engine whose model has
// not been loaded.
var ErrNotLoaded = errors.New("model not loaded")

// DefaultMaskRatio is the share of patches hidden by Reconstruct when the
// caller does not choose one.
const DefaultMaskRatio = 0.75

// Options configures an Engine.
type Options struct {
	// WeightsPath is a PyTorch (.pt, .pth) or converted gob checkpoint.
	WeightsPath string
	// Variant selects the model hyper-parameters.
	Variant satvit.Variant
	// Config holds custom hyper-parameters. It is only used when Variant is
	// satvit.UnknownVariant.
	Config satvit.Config
	// Seed initializes the masking entropy. Zero means time-based.
	Seed int64
}

// Engine is the core struct of the library. All its methods are safe for
// concurrent use.
type Engine struct {
	opts Options

	loadMu sync.Mutex
	state  atomic.Pointer[loaded]

	rngMu sync.Mutex
	rng   *rand.Rand
}

type loaded struct {
	model      *satvit.Model
	patchifier *patchify.Patchifier
}

// New returns an unloaded Engine.
func New(opts Options) *Engine {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		opts: opts,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Load reads the checkpoint and builds the model. Calling Load on a loaded
// Engine does nothing; a failed Load leaves the Engine unloaded and may be
// retried.
func (e *Engine) Load(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if e.state.Load() != nil {
		log.Trace().Msg("model already loaded")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	config, err := e.modelConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(e.opts.WeightsPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: model weights not found at %q: %w", checkpoint.ErrCheckpoint, e.opts.WeightsPath, err)
		}
		return fmt.Errorf("%w: %w", checkpoint.ErrCheckpoint, err)
	}

	start := time.Now()
	log.Debug().Str("weights", e.opts.WeightsPath).Stringer("variant", e.opts.Variant).Msg("loading model")
	params, err := loadCheckpoint(e.opts.WeightsPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	model, err := checkpoint.Build(params, config)
	if err != nil {
		return fmt.Errorf("failed to build %s model from %q: %w", e.opts.Variant, e.opts.WeightsPath, err)
	}
	if err := e.install(model); err != nil {
		return err
	}
	log.Info().Stringer("variant", e.opts.Variant).Dur("elapsed", time.Since(start)).Msg("model loaded")
	return nil
}

func (e *Engine) modelConfig() (satvit.Config, error) {
	if e.opts.Variant == satvit.UnknownVariant {
		return e.opts.Config, e.opts.Config.Validate()
	}
	return e.opts.Variant.Config()
}

// LoadModel installs an already built model, unless one is loaded.
func (e *Engine) LoadModel(m *satvit.Model) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.state.Load() != nil {
		return nil
	}
	return e.install(m)
}

func (e *Engine) install(m *satvit.Model) error {
	p, err := patchify.New(patchify.OptionsFor(m.Config))
	if err != nil {
		return err
	}
	e.state.Store(&loaded{model: m, patchifier: p})
	return nil
}

// IsLoaded reports whether a model is ready.
func (e *Engine) IsLoaded() bool {
	return e.state.Load() != nil
}

// Variant returns the configured model variant.
func (e *Engine) Variant() satvit.Variant {
	return e.opts.Variant
}

// Model returns the loaded model, or ErrNotLoaded.
func (e *Engine) Model() (*satvit.Model, error) {
	s, err := e.loaded()
	if err != nil {
		return nil, err
	}
	return s.model, nil
}

func (e *Engine) loaded() (*loaded, error) {
	s := e.state.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}
	return s, nil
}

// newSource returns a private masking source for one call.
func (e *Engine) newSource() satvit.Source {
	e.rngMu.Lock()
	seed := e.rng.Int63()
	e.rngMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// Patchify converts an image to the patch sequence of the loaded model.
func (e *Engine) Patchify(img image.Image) (mat.Matrix, error) {
	s, err := e.loaded()
	if err != nil {
		return nil, err
	}
	return s.patchifier.FromImage(img)
}

// Encode returns the latent sequence [L, encoder_dim] of a patch sequence.
func (e *Engine) Encode(ctx context.Context, patches mat.Matrix) (mat.Matrix, error) {
	s, err := e.loaded()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.model.Encode(patches)
}

// Forward runs a masked-autoencoder pass hiding maskRatio of the patches.
func (e *Engine) Forward(ctx context.Context, patches mat.Matrix, maskRatio float64) (satvit.ForwardResult, error) {
	s, err := e.loaded()
	if err != nil {
		return satvit.ForwardResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return satvit.ForwardResult{}, err
	}
	return s.model.Forward(patches, maskRatio, e.newSource())
}

// Predict classifies an image from its mean-pooled latent.
func (e *Engine) Predict(ctx context.Context, img image.Image) (Prediction, error) {
	s, err := e.loaded()
	if err != nil {
		return Prediction{}, err
	}
	patches, err := s.patchifier.FromImage(img)
	if err != nil {
		return Prediction{}, err
	}
	latent, err := e.Encode(ctx, patches)
	if err != nil {
		return Prediction{}, err
	}
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	return greedy(s.model.Logits(latent))
}

// DetectChange compares the predictions of two images of the same area.
// The two images are classified concurrently.
func (e *Engine) DetectChange(ctx context.Context, before, after image.Image) (ChangeReport, error) {
	if _, err := e.loaded(); err != nil {
		return ChangeReport{}, err
	}
	var pb, pa Prediction
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if pb, err = e.Predict(gctx, before); err != nil {
			return fmt.Errorf("before: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if pa, err = e.Predict(gctx, after); err != nil {
			return fmt.Errorf("after: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return ChangeReport{}, err
	}
	return compare(pb, pa)
}

// Reconstruction summarizes a masked-autoencoder pass over an image.
type Reconstruction struct {
	Loss          float64 `json:"loss"`
	NumPatches    int     `json:"num_patches"`
	MaskedPatches int     `json:"masked_patches"`
}

// Reconstruct hides maskRatio of the image patches and scores how well the
// model reconstructs them.
func (e *Engine) Reconstruct(ctx context.Context, img image.Image, maskRatio float64) (Reconstruction, error) {
	s, err := e.loaded()
	if err != nil {
		return Reconstruction{}, err
	}
	patches, err := s.patchifier.FromImage(img)
	if err != nil {
		return Reconstruction{}, err
	}
	res, err := e.Forward(ctx, patches, maskRatio)
	if err != nil {
		return Reconstruction{}, err
	}
	masked := 0
	for _, m := range res.Mask {
		if m != 0 {
			masked++
		}
	}
	return Reconstruction{
		Loss:          res.Loss,
		NumPatches:    len(res.Mask),
		MaskedPatches: masked,
	}, nil
}
