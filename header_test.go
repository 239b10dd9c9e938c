// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package gridfile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testHeader(t *testing.T) *header {
	t.Helper()

	icf := NewIntCodedFloatElement("depth", 0, 11000, -1, 100, 0)
	icf.SetDescriptor("Depth", "bathymetric depth", "m")
	icf.SetContinuous(true)

	return &header{
		flags:    flagChecksums | flagCompression,
		uuid:     newUUID(),
		modified: time.Now().UnixMicro(),

		nRows: 5000, nCols: 7000,
		nRowsInTile: 100, nColsInTile: 125,

		x0: -180, y0: -90, x1: 180, y1: 90,
		cellSizeX: 360.0 / 6999, cellSizeY: 180.0 / 4999,
		mapToModel: [6]float64{1, 0, -180, 0, 1, -90},
		modelToMap: [6]float64{1, 0, 180, 0, 1, 90},

		codecIDs: []string{"huffman", "lsop12", "snappy", "zstd"},
		elements: []Element{
			NewIntElement("class", 0, 255, -1),
			NewShortElement("count", 0, 30000, 0),
			NewFloatElement("height", -100, 100, -9999),
			icf,
		},
		productLabel: "test bathymetry",
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := testHeader(t)
	buf := h.marshal()
	require.Zero(t, len(buf)%8)
	require.Equal(t, h.size, len(buf))

	got, err := parseHeader(buf)
	require.NoError(t, err)

	require.Equal(t, h.flags, got.flags)
	require.Equal(t, h.uuid, got.uuid)
	require.Equal(t, h.modified, got.modified)
	require.Equal(t, h.nRows, got.nRows)
	require.Equal(t, h.nColsInTile, got.nColsInTile)
	require.Equal(t, h.x0, got.x0)
	require.Equal(t, h.cellSizeY, got.cellSizeY)
	require.Equal(t, h.mapToModel, got.mapToModel)
	require.Equal(t, h.codecIDs, got.codecIDs)
	require.Equal(t, h.productLabel, got.productLabel)

	require.Len(t, got.elements, 4)
	require.Equal(t, "class", got.elements[0].Name())
	require.Equal(t, ElementShort, got.elements[1].Type())
	f := got.elements[2].(*FloatElement)
	require.Equal(t, float32(-9999), f.FillValue)
	icf := got.elements[3].(*IntCodedFloatElement)
	require.Equal(t, 100.0, icf.Scale)
	require.Equal(t, "m", icf.Unit())
	require.True(t, icf.Continuous())
	require.Equal(t, "bathymetric depth", icf.Description())
}

func TestHeaderRejectsCorruption(t *testing.T) {
	h := testHeader(t)
	buf := h.marshal()

	bad := append([]byte(nil), buf...)
	copy(bad, "notagrid")
	_, err := parseHeader(bad)
	require.ErrorIs(t, err, ErrInvalidFile)

	bad = append([]byte(nil), buf...)
	bad[8] = versionMajor + 1
	_, err = parseHeader(bad)
	require.ErrorIs(t, err, ErrVersionNotSupported)

	// checksums are on, so a flipped byte fails the header checksum
	bad = append([]byte(nil), buf...)
	bad[100] ^= 0x10
	_, err = parseHeader(bad)
	require.ErrorIs(t, err, ErrInvalidFile)

	_, err = parseHeader(buf[:60])
	require.ErrorIs(t, err, ErrInvalidFile)
}

func TestHeaderSkipsStaleChecksum(t *testing.T) {
	h := testHeader(t)
	h.opened = time.Now().UnixMicro()
	buf := h.marshal()

	// zero the checksum the way an in-place stamp would leave it stale
	buf[len(buf)-1] ^= 0xFF

	got, err := parseHeader(buf)
	require.NoError(t, err)
	require.NotZero(t, got.opened)
}

func TestUUIDString(t *testing.T) {
	u := newUUID()
	s := UUIDString(u)
	require.Len(t, s, 36)
	// version and variant nibbles per RFC 4122
	require.Equal(t, byte('4'), s[14])
	require.Contains(t, "89ab", string(s[19]))

	require.NotEqual(t, s, UUIDString(newUUID()))
}
