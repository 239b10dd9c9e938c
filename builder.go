// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package gridfile

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bpowers/gridfile/internal/codec"
	"github.com/bpowers/gridfile/internal/fspace"
	"github.com/bpowers/gridfile/internal/tilecache"
)

// StoreSpec describes a store to be created: raster geometry, the
// element tuple, and format toggles.  Geometry and elements are fixed
// for the life of the file.
type StoreSpec struct {
	nRows, nCols             int
	nRowsInTile, nColsInTile int

	elements []Element
	names    stringSet

	x0, y0, x1, y1 float64
	hasBounds      bool

	checksums    bool
	compression  bool
	productLabel string
}

// NewStoreSpec starts a spec for an nRows x nCols raster stored in
// tiles of nRowsInTile x nColsInTile cells.  Compression is on by
// default; checksums are off.
func NewStoreSpec(nRows, nCols, nRowsInTile, nColsInTile int) (*StoreSpec, error) {
	if nRows <= 0 || nCols <= 0 {
		return nil, fmt.Errorf("raster %dx%d: %w", nRows, nCols, ErrInvalidSpec)
	}
	if nRowsInTile <= 0 || nColsInTile <= 0 ||
		nRowsInTile > nRows || nColsInTile > nCols {
		return nil, fmt.Errorf("tile %dx%d for %dx%d raster: %w",
			nRowsInTile, nColsInTile, nRows, nCols, ErrInvalidSpec)
	}
	// a tile must stay addressable as one in-memory buffer
	if nRowsInTile*nColsInTile > 1<<24 {
		return nil, fmt.Errorf("tile %dx%d too large: %w", nRowsInTile, nColsInTile, ErrInvalidSpec)
	}
	return &StoreSpec{
		nRows:       nRows,
		nCols:       nCols,
		nRowsInTile: nRowsInTile,
		nColsInTile: nColsInTile,
		names:       make(stringSet),
		compression: true,
	}, nil
}

// AddElement appends an element to the store's tuple.  Element order is
// the order of AddElement calls.
func (spec *StoreSpec) AddElement(e Element) error {
	if !validElementName(e.Name()) {
		return fmt.Errorf("element name %q: %w", e.Name(), ErrInvalidSpec)
	}
	if spec.names.Contains(e.Name()) {
		return fmt.Errorf("element %q: %w", e.Name(), ErrDuplicateName)
	}
	if icf, ok := e.(*IntCodedFloatElement); ok && icf.Scale == 0 {
		return fmt.Errorf("element %q has zero scale: %w", e.Name(), ErrInvalidSpec)
	}
	spec.names.Add(e.Name())
	spec.elements = append(spec.elements, e)
	return nil
}

// SetChecksums enables record and header checksums.
func (spec *StoreSpec) SetChecksums(enabled bool) { spec.checksums = enabled }

// SetCompression toggles tile compression.  Disabled, tiles are stored
// as raw little-endian blocks.
func (spec *StoreSpec) SetCompression(enabled bool) { spec.compression = enabled }

// SetProductLabel attaches a free-form label recorded in the header.
func (spec *StoreSpec) SetProductLabel(label string) { spec.productLabel = label }

// SetModelBounds places the raster in a model coordinate system: cell
// (0,0) is at (x0,y0) and cell (nRows-1,nCols-1) at (x1,y1).  The two
// affine transforms in the header are derived from these bounds.
func (spec *StoreSpec) SetModelBounds(x0, y0, x1, y1 float64) error {
	if x1 <= x0 || y1 <= y0 {
		return fmt.Errorf("model bounds (%g,%g)-(%g,%g): %w", x0, y0, x1, y1, ErrInvalidSpec)
	}
	spec.x0, spec.y0, spec.x1, spec.y1 = x0, y0, x1, y1
	spec.hasBounds = true
	return nil
}

func (spec *StoreSpec) buildHeader() *header {
	h := &header{
		uuid:         newUUID(),
		modified:     time.Now().UnixMicro(),
		nRows:        spec.nRows,
		nCols:        spec.nCols,
		nRowsInTile:  spec.nRowsInTile,
		nColsInTile:  spec.nColsInTile,
		elements:     spec.elements,
		productLabel: spec.productLabel,
	}
	if spec.checksums {
		h.flags |= flagChecksums
	}
	if spec.compression {
		h.flags |= flagCompression
		h.codecIDs = codec.DefaultRegistry().IDs()
	}

	cellSizeX, cellSizeY := 1.0, 1.0
	x0, y0, x1, y1 := 0.0, 0.0, float64(spec.nCols-1), float64(spec.nRows-1)
	if spec.hasBounds {
		x0, y0, x1, y1 = spec.x0, spec.y0, spec.x1, spec.y1
		if spec.nCols > 1 {
			cellSizeX = (x1 - x0) / float64(spec.nCols-1)
		}
		if spec.nRows > 1 {
			cellSizeY = (y1 - y0) / float64(spec.nRows-1)
		}
	}
	h.x0, h.y0, h.x1, h.y1 = x0, y0, x1, y1
	h.cellSizeX, h.cellSizeY = cellSizeX, cellSizeY
	h.mapToModel = [6]float64{cellSizeX, 0, x0, 0, cellSizeY, y0}
	h.modelToMap = [6]float64{1 / cellSizeX, 0, -x0 / cellSizeX, 0, 1 / cellSizeY, -y0 / cellSizeY}
	return h
}

// Create writes a fresh store file at path and returns it open for
// writing.  The path must not already exist.
func (spec *StoreSpec) Create(path string, opts ...StoreOption) (*Store, error) {
	if len(spec.elements) == 0 {
		return nil, fmt.Errorf("store needs at least one element: %w", ErrInvalidSpec)
	}

	options := defaultStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", path, err)
	}
	s, err := createStore(f, path, spec, options)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return s, nil
}

func createStore(f *os.File, path string, spec *StoreSpec, options storeOptions) (*Store, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, fmt.Errorf("flock %q: %w", path, ErrConflictingWriter)
	}

	h := spec.buildHeader()
	h.opened = time.Now().UnixMicro()
	buf := h.marshal()
	if _, err := f.WriteAt(buf, 0); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	s := &Store{
		f:        f,
		path:     path,
		writable: true,
		logger:   options.logger,
		h:        h,
		registry: codec.RegistryForIDs(h.codecIDs),
		compress: spec.compression,
		metadata: make(map[metadataKey]metadataEntry),
	}
	s.initGeometry()
	s.fsm = fspace.NewManager(f, int64(h.size), h.checksums())
	s.dir = tilecache.NewDirectory(s.rowsOfTiles, s.colsOfTiles)

	capacity := options.cacheSize.preset().Capacity(s.rowsOfTiles, s.colsOfTiles)
	s.cache = tilecache.New(s, capacity, s.tileSize)

	s.logger.Info("created store", "path", path,
		"grid", fmt.Sprintf("%dx%d", h.nRows, h.nCols),
		"tile", fmt.Sprintf("%dx%d", h.nRowsInTile, h.nColsInTile),
		"elements", len(h.elements), "compression", spec.compression,
		"checksums", spec.checksums)
	return s, nil
}
