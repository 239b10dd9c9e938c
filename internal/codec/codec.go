// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package codec implements the per-tile compression framework: the codec
// registry, the differencing/linear/triangle predictors, a canonical
// Huffman codec over predictor residuals, and whole-block snappy and zstd
// codecs for data the predictors do not fit.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCompressor is returned when a packing names a codec index
	// that is not registered, or a registered identifier has no
	// implementation in this build.
	ErrUnknownCompressor = errors.New("codec: unknown compressor")

	// ErrMalformedPacking is returned when a compressed payload cannot be
	// decoded.
	ErrMalformedPacking = errors.New("codec: malformed compressed payload")
)

// A Codec compresses one element's block of a tile.  Implementations
// additionally provide IntCodec, FloatCodec, or both; a codec that is
// handed a block of a kind it does not implement is simply skipped on the
// encode path and rejected on the decode path.
type Codec interface {
	// ID returns the short, case-sensitive identifier stored in the file
	// header.
	ID() string
}

// IntCodec compresses blocks of int32 cell values (used for the integer,
// integer-coded-float and short element kinds).
type IntCodec interface {
	Codec

	// EncodeInts returns a packing for values, or nil when this codec
	// cannot represent the block or cannot beat the raw encoding.
	EncodeInts(nRows, nCols int, values []int32) []byte

	// DecodeInts reverses EncodeInts.  packing excludes the leading
	// compressor-index byte.
	DecodeInts(nRows, nCols int, packing []byte) ([]int32, error)
}

// FloatCodec compresses blocks of float32 cell values.
type FloatCodec interface {
	Codec

	EncodeFloats(nRows, nCols int, values []float32) []byte
	DecodeFloats(nRows, nCols int, packing []byte) ([]float32, error)
}

// unimplemented is registered for identifiers found in a file header that
// this build has no implementation for.  Tiles that never dispatch to it
// remain readable; decoding a block that does is an error.
type unimplemented struct{ id string }

func (u unimplemented) ID() string { return u.id }

func (u unimplemented) EncodeInts(nRows, nCols int, values []int32) []byte { return nil }

func (u unimplemented) DecodeInts(nRows, nCols int, packing []byte) ([]int32, error) {
	return nil, fmt.Errorf("%q: %w", u.id, ErrUnknownCompressor)
}

func (u unimplemented) EncodeFloats(nRows, nCols int, values []float32) []byte { return nil }

func (u unimplemented) DecodeFloats(nRows, nCols int, packing []byte) ([]float32, error) {
	return nil, fmt.Errorf("%q: %w", u.id, ErrUnknownCompressor)
}

// Registry holds the ordered list of codecs for one open store.  A block's
// packing names its codec by index into this order, so the order is part
// of the file format and is persisted in the store header.
type Registry struct {
	codecs []Codec
	byID   map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// DefaultRegistry returns a registry with the built-in codecs in their
// canonical order: huffman, lsop12, snappy, zstd.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(huffmanCodec{})
	r.Register(newLsopCodec())
	r.Register(snappyCodec{})
	r.Register(zstdCodec{})
	return r
}

// RegistryForIDs returns a registry with one codec per identifier, in
// order.  Identifiers without a built-in implementation get a placeholder
// that fails on decode with ErrUnknownCompressor.
func RegistryForIDs(ids []string) *Registry {
	builtin := DefaultRegistry()
	r := NewRegistry()
	for _, id := range ids {
		if c, _, ok := builtin.ByID(id); ok {
			r.Register(c)
		} else {
			r.Register(unimplemented{id: id})
		}
	}
	return r
}

// Register adds c to the registry.  Re-registering an identifier replaces
// the prior instance in place, keeping its index.
func (r *Registry) Register(c Codec) {
	if i, ok := r.byID[c.ID()]; ok {
		r.codecs[i] = c
		return
	}
	r.byID[c.ID()] = len(r.codecs)
	r.codecs = append(r.codecs, c)
}

// ByIndex returns the codec at index i.
func (r *Registry) ByIndex(i int) (Codec, error) {
	if i < 0 || i >= len(r.codecs) {
		return nil, fmt.Errorf("index %d of %d: %w", i, len(r.codecs), ErrUnknownCompressor)
	}
	return r.codecs[i], nil
}

// ByID returns the codec registered under id and its index.
func (r *Registry) ByID(id string) (Codec, int, bool) {
	i, ok := r.byID[id]
	if !ok {
		return nil, 0, false
	}
	return r.codecs[i], i, true
}

// IDs returns the registered identifiers in index order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		ids[i] = c.ID()
	}
	return ids
}

// Len returns the number of registered codecs.
func (r *Registry) Len() int { return len(r.codecs) }

// CompressInts races every registered int codec over the block and returns
// the smallest packing, prefixed with the winning codec's index.  It
// returns nil when no codec beats the raw representation.
func (r *Registry) CompressInts(nRows, nCols int, values []int32) []byte {
	var best []byte
	bestIdx := -1
	for i, c := range r.codecs {
		ic, ok := c.(IntCodec)
		if !ok {
			continue
		}
		p := ic.EncodeInts(nRows, nCols, values)
		if p != nil && (best == nil || len(p) < len(best)) {
			best = p
			bestIdx = i
		}
	}
	if best == nil {
		return nil
	}
	packed := make([]byte, 0, 1+len(best))
	packed = append(packed, byte(bestIdx))
	return append(packed, best...)
}

// DecompressInts dispatches packing (leading byte = codec index) to the
// named codec.
func (r *Registry) DecompressInts(nRows, nCols int, packing []byte) ([]int32, error) {
	if len(packing) < 1 {
		return nil, fmt.Errorf("empty packing: %w", ErrMalformedPacking)
	}
	c, err := r.ByIndex(int(packing[0]))
	if err != nil {
		return nil, err
	}
	ic, ok := c.(IntCodec)
	if !ok {
		return nil, fmt.Errorf("%q cannot decode integer blocks: %w", c.ID(), ErrUnknownCompressor)
	}
	return ic.DecodeInts(nRows, nCols, packing[1:])
}

// CompressFloats is the float analogue of CompressInts.
func (r *Registry) CompressFloats(nRows, nCols int, values []float32) []byte {
	var best []byte
	bestIdx := -1
	for i, c := range r.codecs {
		fc, ok := c.(FloatCodec)
		if !ok {
			continue
		}
		p := fc.EncodeFloats(nRows, nCols, values)
		if p != nil && (best == nil || len(p) < len(best)) {
			best = p
			bestIdx = i
		}
	}
	if best == nil {
		return nil
	}
	packed := make([]byte, 0, 1+len(best))
	packed = append(packed, byte(bestIdx))
	return append(packed, best...)
}

// DecompressFloats dispatches packing to the codec named by its leading
// index byte.
func (r *Registry) DecompressFloats(nRows, nCols int, packing []byte) ([]float32, error) {
	if len(packing) < 1 {
		return nil, fmt.Errorf("empty packing: %w", ErrMalformedPacking)
	}
	c, err := r.ByIndex(int(packing[0]))
	if err != nil {
		return nil, err
	}
	fc, ok := c.(FloatCodec)
	if !ok {
		return nil, fmt.Errorf("%q cannot decode float blocks: %w", c.ID(), ErrUnknownCompressor)
	}
	return fc.DecodeFloats(nRows, nCols, packing[1:])
}
