// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitio

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	bits := make([]int, 1000)
	for i := range bits {
		bits[i] = rnd.Intn(2)
	}

	w := NewWriter(0)
	for _, b := range bits {
		w.AppendBit(b)
	}
	r := NewReader(w.Bytes())
	for i, want := range bits {
		got, err := r.Bit()
		require.NoError(t, err)
		require.Equal(t, want, got, "bit %d", i)
	}
}

func TestUnalignedByteSpansTwoBytes(t *testing.T) {
	w := NewWriter(0)
	w.AppendBit(1)
	w.AppendBit(0)
	w.AppendBit(1)
	w.AppendByte(0xA5)
	w.AppendByte(0x3C)

	r := NewReader(w.Bytes())
	for _, want := range []int{1, 0, 1} {
		got, err := r.Bit()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	b, err := r.Byte()
	require.NoError(t, err)
	require.Equal(t, byte(0xA5), b)
	b, err = r.Byte()
	require.NoError(t, err)
	require.Equal(t, byte(0x3C), b)
}

func TestMixedBitsAndBytes(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	type op struct {
		isByte bool
		v      int
	}
	ops := make([]op, 500)
	for i := range ops {
		if rnd.Intn(3) == 0 {
			ops[i] = op{isByte: true, v: rnd.Intn(256)}
		} else {
			ops[i] = op{v: rnd.Intn(2)}
		}
	}

	w := NewWriter(0)
	for _, o := range ops {
		if o.isByte {
			w.AppendByte(byte(o.v))
		} else {
			w.AppendBit(o.v)
		}
	}

	r := NewReader(w.Bytes())
	for i, o := range ops {
		if o.isByte {
			got, err := r.Byte()
			require.NoError(t, err)
			require.Equal(t, byte(o.v), got, "op %d", i)
		} else {
			got, err := r.Bit()
			require.NoError(t, err)
			require.Equal(t, o.v, got, "op %d", i)
		}
	}
}

func TestReserveAlignsAndFills(t *testing.T) {
	w := NewWriter(0)
	w.AppendBit(1)
	off := w.Reserve(4)
	require.Equal(t, 1, off)
	w.AppendByte(0x42)

	w.SetBytes(off, []byte{1, 2, 3, 4})

	buf := w.Bytes()
	require.Equal(t, []byte{1, 2, 3, 4}, buf[1:5])
	require.Equal(t, byte(0x42), buf[5])
	// the partial byte before the reservation was zero-padded
	require.Equal(t, byte(1), buf[0])
}

func TestReadPastEnd(t *testing.T) {
	r := NewReader([]byte{0xFF})
	for i := 0; i < 8; i++ {
		_, err := r.Bit()
		require.NoError(t, err)
	}
	_, err := r.Bit()
	require.True(t, errors.Is(err, ErrShortBuffer))

	r = NewReader([]byte{0xFF})
	_, err = r.Bit()
	require.NoError(t, err)
	_, err = r.Byte()
	require.True(t, errors.Is(err, ErrShortBuffer))
}
