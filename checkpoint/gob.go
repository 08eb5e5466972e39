// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// gobHeader precedes the tensors of a gob checkpoint.
type gobHeader struct {
	Names []string
}

// Dump saves the parameters to a file in the native gob format.
func Dump(p Params, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close checkpoint file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(p, f); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

// LoadGob reads parameters written by Dump.
func LoadGob(filename string) (_ Params, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	p, err := gobDecode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %q: %v", ErrCheckpoint, filename, err)
	}
	return p, nil
}

// gobEncode writes the header, then one tensor per chunk, so that large
// checkpoints are never held twice in the encoder buffer.
func gobEncode(p Params, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	header := gobHeader{Names: p.Names()}
	if err := encoder.Encode(header); err != nil {
		return err
	}
	for _, name := range header.Names {
		if err := encoder.Encode(p[name]); err != nil {
			return fmt.Errorf("param %q: %w", name, err)
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func gobDecode(r io.Reader) (Params, error) {
	decoder := gob.NewDecoder(bufio.NewReader(r))

	var header gobHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, err
	}
	p := make(Params, len(header.Names))
	for _, name := range header.Names {
		t := new(Tensor)
		if err := decoder.Decode(t); err != nil {
			return nil, fmt.Errorf("param %q: %w", name, err)
		}
		if numElements(t.Shape) != len(t.Data) {
			return nil, fmt.Errorf("param %q: expected %d values for shape %v, actual %d",
				name, numElements(t.Shape), t.Shape, len(t.Data))
		}
		p[name] = t
	}
	return p, nil
}
