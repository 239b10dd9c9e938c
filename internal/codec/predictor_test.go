// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testGrids(t *testing.T) map[string]struct {
	nRows, nCols int
	values       []int32
} {
	t.Helper()
	rnd := rand.New(rand.NewSource(11))

	ramp := make([]int32, 64*64)
	for i := range ramp {
		ramp[i] = int32(i)
	}
	noise := make([]int32, 16*16)
	for i := range noise {
		noise[i] = int32(rnd.Uint32())
	}
	smooth := make([]int32, 32*48)
	for r := 0; r < 32; r++ {
		for c := 0; c < 48; c++ {
			smooth[r*48+c] = int32(100*math.Sin(float64(r)/7) + 80*math.Cos(float64(c)/9))
		}
	}
	constant := make([]int32, 8*8)
	for i := range constant {
		constant[i] = -42
	}

	return map[string]struct {
		nRows, nCols int
		values       []int32
	}{
		"tiny":      {2, 2, []int32{1, 2, 3, 4}},
		"ramp":      {64, 64, ramp},
		"noise":     {16, 16, noise},
		"smooth":    {32, 48, smooth},
		"constant":  {8, 8, constant},
		"extremes":  {2, 3, []int32{math.MinInt32, math.MaxInt32, 0, -1, 1, math.MinInt32 + 1}},
		"singleCol": {5, 1, []int32{9, 8, 7, -6, 5}},
	}
}

func TestPredictorsLossless(t *testing.T) {
	for name, g := range testGrids(t) {
		for _, p := range []int{predictorDifferencing, predictorLinear, predictorTriangle} {
			residuals := encodeResiduals(p, g.nRows, g.nCols, g.values)
			if residuals == nil {
				// predictors 2 and 3 need wider/taller blocks
				require.True(t, g.nCols < 2 || (p == predictorTriangle && g.nRows < 2),
					"%s: predictor %d unexpectedly inapplicable", name, p)
				continue
			}
			got, err := decodeResiduals(p, g.nRows, g.nCols, g.values[0], residuals)
			require.NoError(t, err, "%s: predictor %d", name, p)
			require.Equal(t, g.values, got, "%s: predictor %d", name, p)
		}
	}
}

func TestPredictorResidualCount(t *testing.T) {
	g := testGrids(t)["ramp"]
	for _, p := range []int{predictorDifferencing, predictorLinear, predictorTriangle} {
		residuals := encodeResiduals(p, g.nRows, g.nCols, g.values)
		require.NotNil(t, residuals)

		// a linear ramp should produce overwhelmingly single-byte residuals
		require.LessOrEqual(t, len(residuals), 2*g.nRows*g.nCols, "predictor %d", p)
	}
}

func TestDecodeTruncatedResiduals(t *testing.T) {
	g := testGrids(t)["smooth"]
	residuals := encodeResiduals(predictorTriangle, g.nRows, g.nCols, g.values)
	require.NotNil(t, residuals)

	_, err := decodeResiduals(predictorTriangle, g.nRows, g.nCols, g.values[0], residuals[:len(residuals)/2])
	require.Error(t, err)
}

func TestDecodeUnknownPredictor(t *testing.T) {
	_, err := decodeResiduals(9, 2, 2, 0, []byte{0, 0, 0})
	require.ErrorIs(t, err, ErrMalformedPacking)
}
