// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/rs/zerolog/log"
)

// wrapperKeys are the entries under which training scripts commonly nest a
// state dict.
var wrapperKeys = []string{"state_dict", "model"}

// LoadPyTorch reads the state dict of a PyTorch checkpoint (torch.save).
//
// Float32, float16, bfloat16 and float64 tensors are supported; values are
// converted to float32 and gathered in row-major order whatever the strides.
func LoadPyTorch(filename string) (Params, error) {
	obj, err := pytorch.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load torch model %q: %v", ErrCheckpoint, filename, err)
	}
	od, err := stateDict(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCheckpoint, filename, err)
	}
	params, err := makeParams(od)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCheckpoint, filename, err)
	}
	log.Debug().Str("checkpoint", filename).Int("params", len(params)).Msg("read torch state dict")
	return params, nil
}

type getter interface {
	Get(key any) (any, bool)
}

func stateDict(obj any) (*types.OrderedDict, error) {
	if g, ok := obj.(getter); ok {
		for _, key := range wrapperKeys {
			if v, ok := g.Get(key); ok {
				if od, ok := v.(*types.OrderedDict); ok {
					return od, nil
				}
			}
		}
	}
	return cast[*types.OrderedDict](obj)
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

func makeParams(od *types.OrderedDict) (Params, error) {
	params := make(Params, od.Len())
	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		t, err := convertTensor(tensor)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", name, err)
		}
		params[name] = t
	}
	return params, nil
}

func convertTensor(t *pytorch.Tensor) (*Tensor, error) {
	at, err := storageAccessor(t.Source)
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), t.Size...)
	data := make([]float32, numElements(shape))
	strides := t.Stride
	if len(strides) != len(shape) {
		strides = contiguousStrides(shape)
	}

	idx := make([]int, len(shape))
	for i := range data {
		offset := t.StorageOffset
		for d, v := range idx {
			offset += v * strides[d]
		}
		v, ok := at(offset)
		if !ok {
			return nil, fmt.Errorf("storage offset %d out of range", offset)
		}
		data[i] = v
		// advance the row-major multi-index
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

func storageAccessor(src any) (func(int) (float32, bool), error) {
	switch st := src.(type) {
	case *pytorch.FloatStorage:
		return sliceAccessor(st.Data), nil
	case *pytorch.HalfStorage:
		return sliceAccessor(st.Data), nil
	case *pytorch.BFloat16Storage:
		return sliceAccessor(st.Data), nil
	case *pytorch.DoubleStorage:
		return func(i int) (float32, bool) {
			if i < 0 || i >= len(st.Data) {
				return 0, false
			}
			return float32(st.Data[i]), true
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", src)
	}
}

func sliceAccessor(data []float32) func(int) (float32, bool) {
	return func(i int) (float32, bool) {
		if i < 0 || i >= len(data) {
			return 0, false
		}
		return data[i], true
	}
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = s
		s *= shape[d]
	}
	return strides
}
