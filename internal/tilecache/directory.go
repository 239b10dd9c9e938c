// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package tilecache

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadDirectory is returned when a tile directory record cannot be
// parsed or an offset violates the format.
var ErrBadDirectory = errors.New("tilecache: invalid tile directory")

// Offsets below this fit the compact 4-byte representation (scaled by 8).
const maxCompactOffset = int64(0xFFFFFFFF) * 8

const directoryFormatVersion = 1

// Directory maps tile index to the file position of the tile's record
// content.  Position 0 means the tile has never been written.  To keep
// sparse stores small it covers only the bounding box of tiles actually
// written, growing as writes land outside the current window.
//
// Offsets serialize as 4-byte values scaled by 8 while every offset fits
// 32 GiB, and upgrade (one way) to raw 8-byte values the first time one
// does not.
type Directory struct {
	rowsOfTiles int
	colsOfTiles int

	// bounding box of written tiles, in tile coordinates
	row0, col0   int
	nRows, nCols int

	offsets  []int64 // nRows*nCols, row-major within the window
	extended bool
}

// NewDirectory returns an empty directory for a grid of
// rowsOfTiles x colsOfTiles tiles.
func NewDirectory(rowsOfTiles, colsOfTiles int) *Directory {
	return &Directory{rowsOfTiles: rowsOfTiles, colsOfTiles: colsOfTiles}
}

// Offset returns the record content position of the given tile, or 0 when
// the tile has never been written.
func (d *Directory) Offset(tileIndex int) int64 {
	tr := tileIndex / d.colsOfTiles
	tc := tileIndex % d.colsOfTiles
	if tr < d.row0 || tr >= d.row0+d.nRows || tc < d.col0 || tc >= d.col0+d.nCols {
		return 0
	}
	return d.offsets[(tr-d.row0)*d.nCols+(tc-d.col0)]
}

// SetOffset records the file position of a tile's record, growing the
// bounding box as needed.
func (d *Directory) SetOffset(tileIndex int, pos int64) error {
	tr := tileIndex / d.colsOfTiles
	tc := tileIndex % d.colsOfTiles
	if tr < 0 || tr >= d.rowsOfTiles || tc < 0 || tc >= d.colsOfTiles {
		return fmt.Errorf("tile %d outside %dx%d grid: %w", tileIndex, d.rowsOfTiles, d.colsOfTiles, ErrBadDirectory)
	}
	if pos < 0 || pos%8 != 0 {
		return fmt.Errorf("tile %d position %d: %w", tileIndex, pos, ErrBadDirectory)
	}
	if pos > maxCompactOffset {
		d.extended = true
	}

	d.grow(tr, tc)
	d.offsets[(tr-d.row0)*d.nCols+(tc-d.col0)] = pos
	return nil
}

func (d *Directory) grow(tr, tc int) {
	if d.nRows == 0 {
		d.row0, d.col0 = tr, tc
		d.nRows, d.nCols = 1, 1
		d.offsets = make([]int64, 1)
		return
	}
	if tr >= d.row0 && tr < d.row0+d.nRows && tc >= d.col0 && tc < d.col0+d.nCols {
		return
	}

	row0, col0 := d.row0, d.col0
	row1, col1 := d.row0+d.nRows, d.col0+d.nCols
	if tr < row0 {
		row0 = tr
	}
	if tr >= row1 {
		row1 = tr + 1
	}
	if tc < col0 {
		col0 = tc
	}
	if tc >= col1 {
		col1 = tc + 1
	}

	nRows, nCols := row1-row0, col1-col0
	offsets := make([]int64, nRows*nCols)
	for r := 0; r < d.nRows; r++ {
		src := d.offsets[r*d.nCols : (r+1)*d.nCols]
		dstRow := (d.row0 - row0 + r) * nCols
		copy(offsets[dstRow+(d.col0-col0):], src)
	}

	d.row0, d.col0 = row0, col0
	d.nRows, d.nCols = nRows, nCols
	d.offsets = offsets
}

// CountPopulated returns the number of tiles with a recorded position.
func (d *Directory) CountPopulated() int {
	n := 0
	for _, off := range d.offsets {
		if off != 0 {
			n++
		}
	}
	return n
}

// Extended reports whether the directory has upgraded to 8-byte offsets.
func (d *Directory) Extended() bool { return d.extended }

// Encode serializes the directory as the content of its file record.
func (d *Directory) Encode() []byte {
	elemSize := 4
	if d.extended {
		elemSize = 8
	}
	out := make([]byte, 2+16+len(d.offsets)*elemSize)
	out[0] = directoryFormatVersion
	if d.extended {
		out[1] = 1
	}
	binary.LittleEndian.PutUint32(out[2:], uint32(d.row0))
	binary.LittleEndian.PutUint32(out[6:], uint32(d.col0))
	binary.LittleEndian.PutUint32(out[10:], uint32(d.nRows))
	binary.LittleEndian.PutUint32(out[14:], uint32(d.nCols))
	body := out[18:]
	for i, off := range d.offsets {
		if d.extended {
			binary.LittleEndian.PutUint64(body[8*i:], uint64(off))
		} else {
			binary.LittleEndian.PutUint32(body[4*i:], uint32(off/8))
		}
	}
	return out
}

// ParseDirectory reverses Encode.  The tile grid shape comes from the
// store header, not the record.
func ParseDirectory(data []byte, rowsOfTiles, colsOfTiles int) (*Directory, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("directory record %d bytes: %w", len(data), ErrBadDirectory)
	}
	if data[0] != directoryFormatVersion {
		return nil, fmt.Errorf("directory format %d: %w", data[0], ErrBadDirectory)
	}
	d := &Directory{
		rowsOfTiles: rowsOfTiles,
		colsOfTiles: colsOfTiles,
		extended:    data[1]&1 != 0,
		row0:        int(int32(binary.LittleEndian.Uint32(data[2:]))),
		col0:        int(int32(binary.LittleEndian.Uint32(data[6:]))),
		nRows:       int(int32(binary.LittleEndian.Uint32(data[10:]))),
		nCols:       int(int32(binary.LittleEndian.Uint32(data[14:]))),
	}
	if d.nRows < 0 || d.nCols < 0 ||
		d.row0 < 0 || d.col0 < 0 ||
		d.row0+d.nRows > rowsOfTiles || d.col0+d.nCols > colsOfTiles {
		return nil, fmt.Errorf("directory window (%d,%d %dx%d) outside %dx%d grid: %w",
			d.row0, d.col0, d.nRows, d.nCols, rowsOfTiles, colsOfTiles, ErrBadDirectory)
	}

	n := d.nRows * d.nCols
	elemSize := 4
	if d.extended {
		elemSize = 8
	}
	if len(data) < 18+n*elemSize {
		return nil, fmt.Errorf("directory record %d bytes for %d offsets: %w", len(data), n, ErrBadDirectory)
	}
	body := data[18:]
	d.offsets = make([]int64, n)
	for i := range d.offsets {
		if d.extended {
			d.offsets[i] = int64(binary.LittleEndian.Uint64(body[8*i:]))
		} else {
			d.offsets[i] = int64(binary.LittleEndian.Uint32(body[4*i:])) * 8
		}
	}
	return d, nil
}
