// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satvit

import "errors"

var (
	// ErrConfiguration reports invalid relationships between model dimensions.
	// It is only returned by constructors.
	ErrConfiguration = errors.New("invalid model configuration")
	// ErrInputShape reports a per-call input whose shape does not match the
	// model configuration. The model is left untouched.
	ErrInputShape = errors.New("invalid input shape")
	// ErrMaskRatio reports a masking ratio outside [0, 1), or one that would
	// leave the encoder without visible tokens.
	ErrMaskRatio = errors.New("invalid mask ratio")
)
