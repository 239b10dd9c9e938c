// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package gridfile

import (
	"errors"

	"github.com/bpowers/gridfile/internal/codec"
	"github.com/bpowers/gridfile/internal/fspace"
)

var (
	// ErrInvalidFile is returned when a file is not a gridfile store or
	// its header is corrupted.
	ErrInvalidFile = errors.New("gridfile: not a gridfile store or corrupted")

	// ErrVersionNotSupported is returned for files written by a newer
	// format revision than this library reads.
	ErrVersionNotSupported = errors.New("gridfile: file format version not supported")

	// ErrConflictingWriter is returned when opening a store for writing
	// that another writer has open (or that was not closed cleanly).
	ErrConflictingWriter = errors.New("gridfile: store is open for writing elsewhere")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("gridfile: store is closed")

	// ErrReadOnly is returned by mutating operations on a store opened
	// for reading.
	ErrReadOnly = errors.New("gridfile: store is read-only")

	// ErrOutOfBounds is returned for cell coordinates outside the grid.
	ErrOutOfBounds = errors.New("gridfile: coordinates outside raster bounds")

	// ErrElementNotFound is returned when an element name or index does
	// not exist in the store.
	ErrElementNotFound = errors.New("gridfile: no such element")

	// ErrInvalidSpec is returned for invalid raster geometry or element
	// specifications.
	ErrInvalidSpec = errors.New("gridfile: invalid specification")

	// ErrDuplicateName is returned when adding an element whose name is
	// already taken.
	ErrDuplicateName = errors.New("gridfile: duplicate name")

	// ErrNoMetadata is returned when a metadata record is not found.
	ErrNoMetadata = errors.New("gridfile: no such metadata")

	// ErrCompressorUnknown is returned when a tile names a codec this
	// build cannot decode.
	ErrCompressorUnknown = codec.ErrUnknownCompressor

	// ErrChecksumMismatch is returned when a record fails its checksum
	// on a store created with checksums enabled.
	ErrChecksumMismatch = fspace.ErrChecksum
)
