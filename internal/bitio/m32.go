// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitio

import (
	"errors"
	"fmt"
)

// The M32 alphabet encodes signed 32-bit integers into one to six bytes.
// Values in [-126, 126] occupy a single byte (their sign-extended int8
// representation).  Three lead bytes are reserved:
//
//	0x7F  escape, positive value follows
//	0x81  escape, negative value follows
//	0x80  null symbol
//
// An escaped value is written as 1 to 5 continuation segments of 7 bits
// each, most significant segment first; the high bit of a segment means
// another segment follows.  The decoded segment bits are added to a base
// magnitude fixed by the segment count, so that the shortest possible
// encoding of any magnitude is unique.  Post-prediction residuals are
// overwhelmingly small, which gives the common case single-byte cost while
// still covering the full int32 range (including math.MinInt32).
const (
	m32EscapePos = 0x7F
	m32Null      = 0x80
	m32EscapeNeg = 0x81

	m32MaxDirect = 126
)

// base magnitude by segment count; bases[k] is the smallest magnitude
// encoded with k+1 segments.
var m32Bases = [5]int64{127, 255, 16639, 2113791, 270549247}

// ErrNullSymbol is returned by M32Decoder.Next when the next symbol is the
// null marker rather than an integer.
var ErrNullSymbol = errors.New("bitio: M32 null symbol")

// AppendM32 appends the M32 encoding of v to dst.
func AppendM32(dst []byte, v int32) []byte {
	if v >= -m32MaxDirect && v <= m32MaxDirect {
		return append(dst, byte(int8(v)))
	}
	var m int64
	if v < 0 {
		dst = append(dst, m32EscapeNeg)
		m = -int64(v)
	} else {
		dst = append(dst, m32EscapePos)
		m = int64(v)
	}
	k := 1
	for k < 5 && m >= m32Bases[k] {
		k++
	}
	r := m - m32Bases[k-1]
	for i := k - 1; i >= 1; i-- {
		dst = append(dst, 0x80|byte((r>>(7*uint(i)))&0x7F))
	}
	return append(dst, byte(r&0x7F))
}

// AppendM32Null appends the null symbol to dst.
func AppendM32Null(dst []byte) []byte {
	return append(dst, m32Null)
}

// M32Decoder walks a buffer of M32-encoded symbols.
type M32Decoder struct {
	buf []byte
	off int
}

// NewM32Decoder returns a decoder over buf.
func NewM32Decoder(buf []byte) *M32Decoder {
	return &M32Decoder{buf: buf}
}

// More reports whether undecoded bytes remain.
func (d *M32Decoder) More() bool { return d.off < len(d.buf) }

// Offset returns the number of bytes consumed so far.
func (d *M32Decoder) Offset() int { return d.off }

// Next decodes the next symbol.  It returns ErrNullSymbol for the null
// marker and ErrShortBuffer when the buffer ends mid-symbol.
func (d *M32Decoder) Next() (int32, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("M32 at %d: %w", d.off, ErrShortBuffer)
	}
	lead := d.buf[d.off]
	d.off++
	switch lead {
	case m32Null:
		return 0, ErrNullSymbol
	case m32EscapePos, m32EscapeNeg:
		var r int64
		k := 0
		for {
			if d.off >= len(d.buf) {
				return 0, fmt.Errorf("M32 continuation at %d: %w", d.off, ErrShortBuffer)
			}
			b := d.buf[d.off]
			d.off++
			r = r<<7 | int64(b&0x7F)
			k++
			if b&0x80 == 0 {
				break
			}
			if k == 5 {
				return 0, fmt.Errorf("M32 at %d: more than 5 continuation segments", d.off)
			}
		}
		m := m32Bases[k-1] + r
		if lead == m32EscapeNeg {
			m = -m
		}
		if m < -(1<<31) || m > (1<<31)-1 {
			return 0, fmt.Errorf("M32 at %d: value %d outside int32 range", d.off, m)
		}
		return int32(m), nil
	default:
		return int32(int8(lead)), nil
	}
}
