// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHuffBitsRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))

	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	skewed := make([]byte, 4096)
	for i := range skewed {
		// heavily skewed distribution forces a deep tree
		skewed[i] = byte(rnd.ExpFloat64() * 3)
	}
	uniformRandom := make([]byte, 4096)
	rnd.Read(uniformRandom)

	for name, data := range map[string][]byte{
		"allByteValues": all,
		"skewed":        skewed,
		"random":        uniformRandom,
		"twoSymbols":    {7, 7, 7, 7, 9, 7},
		"single":        {42},
	} {
		bits := huffEncode(data)
		got, err := huffDecode(bits, len(data))
		require.NoError(t, err, name)
		require.Equal(t, data, got, name)
	}
}

func TestHuffDegenerateSingleSymbol(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = 0xAB
	}
	bits := huffEncode(data)

	// 1-bit flag + 8-bit symbol, no tree, no per-symbol bits
	require.Len(t, bits, 2)
	require.Equal(t, byte(1)|0xAB<<1&0xFF, bits[0])

	got, err := huffDecode(bits, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestHuffDecodeTruncated(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 1, 1, 1, 2, 2, 3}
	bits := huffEncode(data)
	for cut := 0; cut < len(bits); cut++ {
		_, err := huffDecode(bits[:cut], len(data))
		require.Error(t, err, "cut %d", cut)
	}
}

func TestHuffmanCodecRoundTrip(t *testing.T) {
	var h huffmanCodec
	for name, g := range testGrids(t) {
		if g.nRows*g.nCols < 2 {
			continue
		}
		packing := h.EncodeInts(g.nRows, g.nCols, g.values)
		require.NotNil(t, packing, name)

		got, err := h.DecodeInts(g.nRows, g.nCols, packing)
		require.NoError(t, err, name)
		require.Equal(t, g.values, got, name)
	}
}

func TestHuffmanCodecCompressesSmoothData(t *testing.T) {
	g := testGrids(t)["ramp"]
	var h huffmanCodec
	packing := h.EncodeInts(g.nRows, g.nCols, g.values)
	require.NotNil(t, packing)
	require.Less(t, len(packing), len(g.values), "ramp should compress far below raw")
}

func TestHuffmanCodecMalformed(t *testing.T) {
	var h huffmanCodec

	_, err := h.DecodeInts(4, 4, nil)
	require.ErrorIs(t, err, ErrMalformedPacking)

	// absurd symbol count
	bad := make([]byte, huffHeaderSize)
	bad[0] = predictorDifferencing
	bad[5] = 0xFF
	bad[6] = 0xFF
	bad[7] = 0xFF
	bad[8] = 0x7F
	_, err = h.DecodeInts(4, 4, bad)
	require.ErrorIs(t, err, ErrMalformedPacking)
}
