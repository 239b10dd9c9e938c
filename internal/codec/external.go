// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// The snappy and zstd codecs compress an element block as one opaque
// little-endian byte run, with no prediction stage.  They are the only
// built-in codecs that handle float blocks, and they act as a safety net
// for integer data the predictors fit poorly (noise-like fields).

// Identifiers of the built-in whole-block codecs.
const (
	SnappyID = "snappy"
	ZstdID   = "zstd"
)

func intsToBytes(values []int32) []byte {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], uint32(v))
	}
	return raw
}

func bytesToInts(raw []byte, n int) ([]int32, error) {
	if len(raw) != 4*n {
		return nil, fmt.Errorf("decompressed %d bytes, want %d: %w", len(raw), 4*n, ErrMalformedPacking)
	}
	values := make([]int32, n)
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return values, nil
}

func floatsToBytes(values []float32) []byte {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return raw
}

func bytesToFloats(raw []byte, n int) ([]float32, error) {
	if len(raw) != 4*n {
		return nil, fmt.Errorf("decompressed %d bytes, want %d: %w", len(raw), 4*n, ErrMalformedPacking)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return values, nil
}

type snappyCodec struct{}

func (snappyCodec) ID() string { return SnappyID }

func (snappyCodec) EncodeInts(nRows, nCols int, values []int32) []byte {
	if len(values) != nRows*nCols {
		return nil
	}
	raw := intsToBytes(values)
	enc := snappy.Encode(nil, raw)
	if len(enc) >= len(raw) {
		return nil
	}
	return enc
}

func (snappyCodec) DecodeInts(nRows, nCols int, packing []byte) ([]int32, error) {
	raw, err := snappy.Decode(nil, packing)
	if err != nil {
		return nil, fmt.Errorf("snappy: %v: %w", err, ErrMalformedPacking)
	}
	return bytesToInts(raw, nRows*nCols)
}

func (snappyCodec) EncodeFloats(nRows, nCols int, values []float32) []byte {
	if len(values) != nRows*nCols {
		return nil
	}
	raw := floatsToBytes(values)
	enc := snappy.Encode(nil, raw)
	if len(enc) >= len(raw) {
		return nil
	}
	return enc
}

func (snappyCodec) DecodeFloats(nRows, nCols int, packing []byte) ([]float32, error) {
	raw, err := snappy.Decode(nil, packing)
	if err != nil {
		return nil, fmt.Errorf("snappy: %v: %w", err, ErrMalformedPacking)
	}
	return bytesToFloats(raw, nRows*nCols)
}

// Package-level zstd coder pair, shared by the zstd and lsop12 codecs.
// EncodeAll/DecodeAll on a nil-source coder are stateless and safe for
// repeated use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd.NewWriter: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("codec: zstd.NewReader: %v", err))
	}
}

type zstdCodec struct{}

func (zstdCodec) ID() string { return ZstdID }

func (zstdCodec) EncodeInts(nRows, nCols int, values []int32) []byte {
	if len(values) != nRows*nCols {
		return nil
	}
	raw := intsToBytes(values)
	enc := zstdEncoder.EncodeAll(raw, nil)
	if len(enc) >= len(raw) {
		return nil
	}
	return enc
}

func (zstdCodec) DecodeInts(nRows, nCols int, packing []byte) ([]int32, error) {
	raw, err := zstdDecoder.DecodeAll(packing, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %v: %w", err, ErrMalformedPacking)
	}
	return bytesToInts(raw, nRows*nCols)
}

func (zstdCodec) EncodeFloats(nRows, nCols int, values []float32) []byte {
	if len(values) != nRows*nCols {
		return nil
	}
	raw := floatsToBytes(values)
	enc := zstdEncoder.EncodeAll(raw, nil)
	if len(enc) >= len(raw) {
		return nil
	}
	return enc
}

func (zstdCodec) DecodeFloats(nRows, nCols int, packing []byte) ([]float32, error) {
	raw, err := zstdDecoder.DecodeAll(packing, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %v: %w", err, ErrMalformedPacking)
	}
	return bytesToFloats(raw, nRows*nCols)
}
