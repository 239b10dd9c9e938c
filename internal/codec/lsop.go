// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bpowers/gridfile/internal/bitio"
)

// lsopCodec predicts each interior cell from a 12-term linear stencil over
// its two previous rows and the two cells to its west, with per-block
// coefficients fitted by least squares.  Cells in the outermost two rows
// and columns, where the stencil does not reach, fall back to the triangle
// predictor.  Residuals are M32-coded and then zstd-compressed.
//
// Packing layout (after the compressor-index byte):
//
//	[flags u8][seed i32 LE][symbol count i32 LE][12 x coefficient f32 LE][zstd payload]
//
// The coefficients used for prediction are the float32-rounded values
// stored in the packing, on both the encode and decode paths, so the
// transform is exactly reversible.
type lsopCodec struct{}

// LsopID identifies the 12-term stencil codec.
const LsopID = "lsop12"

func newLsopCodec() lsopCodec { return lsopCodec{} }

func (lsopCodec) ID() string { return LsopID }

const (
	lsopTerms      = 12
	lsopHeaderSize = 1 + 4 + 4 + 4*lsopTerms
)

// stencil neighbor offsets (dr, dc), all already decoded in row-major
// order when the cell itself is reached.
var lsopStencil = [lsopTerms][2]int{
	{0, -1}, {0, -2},
	{-1, -2}, {-1, -1}, {-1, 0}, {-1, 1}, {-1, 2},
	{-2, -2}, {-2, -1}, {-2, 0}, {-2, 1}, {-2, 2},
}

func lsopInterior(r, c, nRows, nCols int) bool {
	return r >= 2 && r < nRows-2 && c >= 2 && c < nCols-2
}

func lsopPredict(values []int32, r, c, nCols int, coef *[lsopTerms]float32) int32 {
	var sum float64
	for i, d := range lsopStencil {
		sum += float64(coef[i]) * float64(values[(r+d[0])*nCols+c+d[1]])
	}
	if math.IsNaN(sum) || sum > math.MaxInt32 || sum < math.MinInt32 {
		return 0
	}
	return int32(math.Floor(sum + 0.5))
}

// trianglePredict covers the fallback border cells; the first row and
// column degrade further to simple differencing.
func trianglePredict(values []int32, r, c, nCols int) int32 {
	switch {
	case r == 0:
		return values[c-1]
	case c == 0:
		return values[(r-1)*nCols]
	default:
		return values[(r-1)*nCols+c] + values[r*nCols+c-1] - values[(r-1)*nCols+c-1]
	}
}

func (lsopCodec) EncodeInts(nRows, nCols int, values []int32) []byte {
	if len(values) != nRows*nCols || nRows < 6 || nCols < 6 {
		return nil
	}
	coef, ok := lsopFit(nRows, nCols, values)
	if !ok {
		return nil
	}

	residuals := make([]byte, 0, nRows*nCols)
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			var p int32
			if lsopInterior(r, c, nRows, nCols) {
				p = lsopPredict(values, r, c, nCols, &coef)
			} else {
				p = trianglePredict(values, r, c, nCols)
			}
			residuals = bitio.AppendM32(residuals, values[r*nCols+c]-p)
		}
	}

	payload := zstdEncoder.EncodeAll(residuals, nil)

	packing := make([]byte, lsopHeaderSize, lsopHeaderSize+len(payload))
	packing[0] = 0 // flags, reserved
	binary.LittleEndian.PutUint32(packing[1:5], uint32(values[0]))
	binary.LittleEndian.PutUint32(packing[5:9], uint32(len(residuals)))
	for i, u := range coef {
		binary.LittleEndian.PutUint32(packing[9+4*i:], math.Float32bits(u))
	}
	return append(packing, payload...)
}

func (lsopCodec) DecodeInts(nRows, nCols int, packing []byte) ([]int32, error) {
	if len(packing) < lsopHeaderSize {
		return nil, fmt.Errorf("lsop12 packing %d bytes: %w", len(packing), ErrMalformedPacking)
	}
	if nRows < 6 || nCols < 6 {
		return nil, fmt.Errorf("lsop12 on %dx%d block: %w", nRows, nCols, ErrMalformedPacking)
	}
	seed := int32(binary.LittleEndian.Uint32(packing[1:5]))
	nSymbols := int(int32(binary.LittleEndian.Uint32(packing[5:9])))
	if nSymbols < 0 || nSymbols > nRows*nCols*6 {
		return nil, fmt.Errorf("lsop12 symbol count %d: %w", nSymbols, ErrMalformedPacking)
	}
	var coef [lsopTerms]float32
	for i := range coef {
		coef[i] = math.Float32frombits(binary.LittleEndian.Uint32(packing[9+4*i:]))
	}

	residuals, err := zstdDecoder.DecodeAll(packing[lsopHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("lsop12 zstd: %v: %w", err, ErrMalformedPacking)
	}
	if len(residuals) != nSymbols {
		return nil, fmt.Errorf("lsop12 payload %d bytes, header says %d: %w", len(residuals), nSymbols, ErrMalformedPacking)
	}

	values := make([]int32, nRows*nCols)
	values[0] = seed
	d := bitio.NewM32Decoder(residuals)
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			delta, err := d.Next()
			if err != nil {
				return nil, fmt.Errorf("lsop12 residual (%d,%d): %w", r, c, err)
			}
			var p int32
			if lsopInterior(r, c, nRows, nCols) {
				p = lsopPredict(values, r, c, nCols, &coef)
			} else {
				p = trianglePredict(values, r, c, nCols)
			}
			values[r*nCols+c] = p + delta
		}
	}
	return values, nil
}

// lsopFit computes least-squares stencil coefficients over the interior
// cells via the normal equations.  Returns ok == false when the interior
// is too small or the system is singular (constant blocks and other
// degenerate inputs, which other codecs handle far better anyway).
func lsopFit(nRows, nCols int, values []int32) ([lsopTerms]float32, bool) {
	var coef [lsopTerms]float32
	var a [lsopTerms][lsopTerms]float64
	var b [lsopTerms]float64
	var z [lsopTerms]float64

	samples := 0
	for r := 2; r < nRows-2; r++ {
		for c := 2; c < nCols-2; c++ {
			for i, d := range lsopStencil {
				z[i] = float64(values[(r+d[0])*nCols+c+d[1]])
			}
			v := float64(values[r*nCols+c])
			for i := 0; i < lsopTerms; i++ {
				for j := i; j < lsopTerms; j++ {
					a[i][j] += z[i] * z[j]
				}
				b[i] += z[i] * v
			}
			samples++
		}
	}
	if samples < 4*lsopTerms {
		return coef, false
	}
	for i := 1; i < lsopTerms; i++ {
		for j := 0; j < i; j++ {
			a[i][j] = a[j][i]
		}
	}

	u, ok := solveSymmetric(&a, &b)
	if !ok {
		return coef, false
	}
	for i, v := range u {
		f := float32(v)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return coef, false
		}
		coef[i] = f
	}
	return coef, true
}

// solveSymmetric runs Gaussian elimination with partial pivoting on the
// 12x12 normal equations.
func solveSymmetric(a *[lsopTerms][lsopTerms]float64, b *[lsopTerms]float64) ([lsopTerms]float64, bool) {
	var x [lsopTerms]float64
	m := *a
	v := *b

	for col := 0; col < lsopTerms; col++ {
		pivot := col
		for r := col + 1; r < lsopTerms; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-9 {
			return x, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		v[col], v[pivot] = v[pivot], v[col]

		inv := 1.0 / m[col][col]
		for r := col + 1; r < lsopTerms; r++ {
			f := m[r][col] * inv
			if f == 0 {
				continue
			}
			for k := col; k < lsopTerms; k++ {
				m[r][k] -= f * m[col][k]
			}
			v[r] -= f * v[col]
		}
	}

	for r := lsopTerms - 1; r >= 0; r-- {
		sum := v[r]
		for k := r + 1; k < lsopTerms; k++ {
			sum -= m[r][k] * x[k]
		}
		x[r] = sum / m[r][r]
	}
	return x, true
}
