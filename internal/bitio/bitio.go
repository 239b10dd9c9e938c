// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bitio implements bit-granularity reading and writing over byte
// buffers, plus the M32 variable-length signed integer alphabet used
// between the tile predictors and entropy coding.
package bitio

import (
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the
	// underlying buffer.
	ErrShortBuffer = errors.New("bitio: read past end of buffer")
)

// Writer accumulates single bits and whole bytes into a growable byte
// buffer.  Bits are packed low-order first within each byte.
type Writer struct {
	buf     []byte
	pending byte // partial byte not yet appended to buf
	nBits   int  // number of valid low-order bits in pending, 0..7
}

// NewWriter returns a Writer with capacity for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	if sizeHint < 16 {
		sizeHint = 16
	}
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// AppendBit appends the low bit of b.
func (w *Writer) AppendBit(b int) {
	w.pending |= byte(b&1) << w.nBits
	w.nBits++
	if w.nBits == 8 {
		w.buf = append(w.buf, w.pending)
		w.pending = 0
		w.nBits = 0
	}
}

// AppendByte appends all 8 bits of b.  If the write position is not
// byte-aligned the value spans two underlying bytes.
func (w *Writer) AppendByte(b byte) {
	if w.nBits == 0 {
		w.buf = append(w.buf, b)
		return
	}
	w.buf = append(w.buf, w.pending|(b<<w.nBits))
	w.pending = b >> (8 - w.nBits)
}

// AppendBytes appends each byte of p in order.
func (w *Writer) AppendBytes(p []byte) {
	for _, b := range p {
		w.AppendByte(b)
	}
}

// Reserve flushes any pending partial byte (padding it with zero bits) and
// appends n zero bytes, returning the byte offset of the first.  The
// caller may fill the reserved region later through SetBytes, for header
// fields whose values are not known until encoding completes.
func (w *Writer) Reserve(n int) int {
	w.flushPartial()
	off := len(w.buf)
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
	return off
}

// SetBytes overwrites previously reserved bytes at off.
func (w *Writer) SetBytes(off int, p []byte) {
	copy(w.buf[off:off+len(p)], p)
}

// Len returns the number of whole bytes the writer would produce now.
func (w *Writer) Len() int {
	n := len(w.buf)
	if w.nBits > 0 {
		n++
	}
	return n
}

// Bytes flushes any pending partial byte and returns the accumulated
// buffer.  The writer remains usable; subsequent appends start on a byte
// boundary.
func (w *Writer) Bytes() []byte {
	w.flushPartial()
	return w.buf
}

func (w *Writer) flushPartial() {
	if w.nBits > 0 {
		w.buf = append(w.buf, w.pending)
		w.pending = 0
		w.nBits = 0
	}
}

// Reader consumes bits from a byte buffer in the order Writer produced
// them.
type Reader struct {
	buf    []byte
	bitPos int
}

// NewReader returns a Reader over buf.  The Reader does not copy buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Bit returns the next bit (0 or 1).
func (r *Reader) Bit() (int, error) {
	i := r.bitPos >> 3
	if i >= len(r.buf) {
		return 0, fmt.Errorf("bit %d: %w", r.bitPos, ErrShortBuffer)
	}
	b := int(r.buf[i]>>(r.bitPos&7)) & 1
	r.bitPos++
	return b, nil
}

// Byte returns the next 8 bits as a byte.  When the read position is not
// byte-aligned the result combines bits from two underlying bytes.
func (r *Reader) Byte() (byte, error) {
	i := r.bitPos >> 3
	shift := r.bitPos & 7
	if shift == 0 {
		if i >= len(r.buf) {
			return 0, fmt.Errorf("byte at bit %d: %w", r.bitPos, ErrShortBuffer)
		}
		r.bitPos += 8
		return r.buf[i], nil
	}
	if i+1 >= len(r.buf) {
		return 0, fmt.Errorf("byte at bit %d: %w", r.bitPos, ErrShortBuffer)
	}
	b := (r.buf[i] >> shift) | (r.buf[i+1] << (8 - shift))
	r.bitPos += 8
	return b, nil
}

// BitPos returns the number of bits consumed so far.
func (r *Reader) BitPos() int { return r.bitPos }
