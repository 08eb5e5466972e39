// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/terravit/satvit"
)

// ErrCheckpoint reports a checkpoint that cannot provide the parameters a
// model needs: unreadable files, missing names or mismatching shapes.
var ErrCheckpoint = errors.New("invalid checkpoint")

// Tensor is a dense, row-major parameter value.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor returns a tensor after checking that data fits the shape.
func NewTensor(data []float32, shape ...int) (*Tensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, fmt.Errorf("%w: expected %d values for shape %v, actual %d", ErrCheckpoint, n, shape, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Size returns the number of values.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Params is a flat mapping from dotted parameter name to value.
type Params map[string]*Tensor

var _ satvit.ParamSource = Params(nil)

// Fetch implements satvit.ParamSource. The stored shape must match shape
// exactly.
func (p Params) Fetch(name string, shape ...int) (mat.Matrix, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%w: parameter %q not found", ErrCheckpoint, name)
	}
	if !equalShapes(t.Shape, shape) {
		return nil, fmt.Errorf("%w: parameter %q: expected shape %v, actual %v", ErrCheckpoint, name, shape, t.Shape)
	}
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	if len(shape) == 1 {
		return mat.NewVecDense[float32](data), nil
	}
	rows, cols := 1, 1
	if len(shape) > 0 {
		cols = shape[len(shape)-1]
		rows = numElements(shape[:len(shape)-1])
	}
	return mat.NewDense[float32](rows, cols, data), nil
}

// Names returns the parameter names in lexical order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumValues returns the total number of scalar values.
func (p Params) NumValues() int {
	n := 0
	for _, t := range p {
		n += t.Size()
	}
	return n
}

// Prefixed returns the parameters whose name starts with prefix, with the
// prefix removed.
func (p Params) Prefixed(prefix string) Params {
	out := make(Params)
	for k, v := range p {
		if after, ok := strings.CutPrefix(k, prefix); ok {
			out[after] = v
		}
	}
	return out
}

// recorder remembers which names have been fetched.
type recorder struct {
	Params
	seen map[string]bool
}

func newRecorder(p Params) *recorder {
	return &recorder{Params: p, seen: make(map[string]bool, len(p))}
}

func (r *recorder) Fetch(name string, shape ...int) (mat.Matrix, error) {
	r.seen[name] = true
	return r.Params.Fetch(name, shape...)
}

func (r *recorder) unused() []string {
	var out []string
	for _, name := range r.Names() {
		if !r.seen[name] {
			out = append(out, name)
		}
	}
	return out
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
