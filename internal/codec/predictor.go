// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"fmt"

	"github.com/bpowers/gridfile/internal/bitio"
)

// Predictor identifiers as stored in packed blocks.
const (
	predictorDifferencing = 1
	predictorLinear       = 2
	predictorTriangle     = 3
)

// A predictor turns a 2-D block of absolute values into a seed plus a
// row-major stream of residuals, and back.  All three predictors are
// lossless over wrapping int32 arithmetic: encode and reconstruct apply
// the same prediction, so residual addition cancels exactly even when
// intermediate sums overflow.

// encodeResiduals produces the residual stream for the given predictor as
// M32 bytes.  The seed is always values[0].  It returns nil when the
// predictor is not applicable to this block shape.
func encodeResiduals(predictor, nRows, nCols int, values []int32) []byte {
	switch predictor {
	case predictorDifferencing:
		return encodeDifferencing(nRows, nCols, values)
	case predictorLinear:
		if nCols < 2 {
			return nil
		}
		return encodeLinear(nRows, nCols, values)
	case predictorTriangle:
		if nRows < 2 || nCols < 2 {
			return nil
		}
		return encodeTriangle(nRows, nCols, values)
	default:
		return nil
	}
}

// decodeResiduals reconstructs the block from seed plus the M32 residual
// stream produced by encodeResiduals.
func decodeResiduals(predictor, nRows, nCols int, seed int32, residuals []byte) ([]int32, error) {
	n := nRows * nCols
	values := make([]int32, n)
	values[0] = seed
	d := bitio.NewM32Decoder(residuals)

	var err error
	switch predictor {
	case predictorDifferencing:
		err = decodeDifferencing(nRows, nCols, values, d)
	case predictorLinear:
		if nCols < 2 {
			return nil, fmt.Errorf("linear predictor on %dx%d block: %w", nRows, nCols, ErrMalformedPacking)
		}
		err = decodeLinear(nRows, nCols, values, d)
	case predictorTriangle:
		if nRows < 2 || nCols < 2 {
			return nil, fmt.Errorf("triangle predictor on %dx%d block: %w", nRows, nCols, ErrMalformedPacking)
		}
		err = decodeTriangle(nRows, nCols, values, d)
	default:
		return nil, fmt.Errorf("predictor %d: %w", predictor, ErrMalformedPacking)
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Differencing: row by row running sums, each row seeded from the cell
// above its first column.
func encodeDifferencing(nRows, nCols int, values []int32) []byte {
	out := make([]byte, 0, nRows*nCols)
	prior := values[0]
	for r := 0; r < nRows; r++ {
		row := values[r*nCols:]
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			if c == 0 {
				prior = values[(r-1)*nCols]
			}
			out = bitio.AppendM32(out, row[c]-prior)
			prior = row[c]
		}
	}
	return out
}

func decodeDifferencing(nRows, nCols int, values []int32, d *bitio.M32Decoder) error {
	prior := values[0]
	for r := 0; r < nRows; r++ {
		row := values[r*nCols:]
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			if c == 0 {
				prior = values[(r-1)*nCols]
			}
			delta, err := d.Next()
			if err != nil {
				return fmt.Errorf("differencing residual (%d,%d): %w", r, c, err)
			}
			row[c] = prior + delta
			prior = row[c]
		}
	}
	return nil
}

// Linear: the first two columns carry first differences (down the left
// edge, then across to column one); every further cell extrapolates
// linearly from its two westward neighbors and stores the second
// difference.
func encodeLinear(nRows, nCols int, values []int32) []byte {
	out := make([]byte, 0, nRows*nCols)
	for r := 0; r < nRows; r++ {
		row := values[r*nCols:]
		if r > 0 {
			out = bitio.AppendM32(out, row[0]-values[(r-1)*nCols])
		}
		out = bitio.AppendM32(out, row[1]-row[0])
		for c := 2; c < nCols; c++ {
			predicted := 2*row[c-1] - row[c-2]
			out = bitio.AppendM32(out, row[c]-predicted)
		}
	}
	return out
}

func decodeLinear(nRows, nCols int, values []int32, d *bitio.M32Decoder) error {
	for r := 0; r < nRows; r++ {
		row := values[r*nCols:]
		if r > 0 {
			delta, err := d.Next()
			if err != nil {
				return fmt.Errorf("linear residual (%d,0): %w", r, err)
			}
			row[0] = values[(r-1)*nCols] + delta
		}
		delta, err := d.Next()
		if err != nil {
			return fmt.Errorf("linear residual (%d,1): %w", r, err)
		}
		row[1] = row[0] + delta
		for c := 2; c < nCols; c++ {
			delta, err := d.Next()
			if err != nil {
				return fmt.Errorf("linear residual (%d,%d): %w", r, c, err)
			}
			row[c] = 2*row[c-1] - row[c-2] + delta
		}
	}
	return nil
}

// Triangle: first row and first column carry first differences; every
// interior cell is predicted as north + west - northwest.
func encodeTriangle(nRows, nCols int, values []int32) []byte {
	out := make([]byte, 0, nRows*nCols)
	for c := 1; c < nCols; c++ {
		out = bitio.AppendM32(out, values[c]-values[c-1])
	}
	for r := 1; r < nRows; r++ {
		row := values[r*nCols:]
		above := values[(r-1)*nCols:]
		out = bitio.AppendM32(out, row[0]-above[0])
		for c := 1; c < nCols; c++ {
			predicted := above[c] + row[c-1] - above[c-1]
			out = bitio.AppendM32(out, row[c]-predicted)
		}
	}
	return out
}

func decodeTriangle(nRows, nCols int, values []int32, d *bitio.M32Decoder) error {
	for c := 1; c < nCols; c++ {
		delta, err := d.Next()
		if err != nil {
			return fmt.Errorf("triangle residual (0,%d): %w", c, err)
		}
		values[c] = values[c-1] + delta
	}
	for r := 1; r < nRows; r++ {
		row := values[r*nCols:]
		above := values[(r-1)*nCols:]
		delta, err := d.Next()
		if err != nil {
			return fmt.Errorf("triangle residual (%d,0): %w", r, err)
		}
		row[0] = above[0] + delta
		for c := 1; c < nCols; c++ {
			delta, err := d.Next()
			if err != nil {
				return fmt.Errorf("triangle residual (%d,%d): %w", r, c, err)
			}
			row[c] = above[c] + row[c-1] - above[c-1] + delta
		}
	}
	return nil
}
