// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package gridfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bpowers/gridfile/internal/codec"
	"github.com/bpowers/gridfile/internal/fspace"
	"github.com/bpowers/gridfile/internal/tilecache"
)

// CacheSize selects how many decoded tiles a store keeps in memory.
type CacheSize int

const (
	// CacheSmall holds 4 tiles; enough for clustered point queries.
	CacheSmall CacheSize = iota
	// CacheMedium holds 9 tiles; a 3x3 neighborhood for interpolators.
	CacheMedium
	// CacheLarge holds a full row or column of tiles, whichever is
	// longer, so row-major and column-major scans stay cheap.
	CacheLarge
	// CacheExtraLarge holds two full rows or columns of tiles.
	CacheExtraLarge
)

func (cs CacheSize) preset() tilecache.Size {
	switch cs {
	case CacheMedium:
		return tilecache.SizeMedium
	case CacheLarge:
		return tilecache.SizeLarge
	case CacheExtraLarge:
		return tilecache.SizeExtraLarge
	default:
		return tilecache.SizeSmall
	}
}

// StoreOption configures an opened store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	logger    *slog.Logger
	cacheSize CacheSize
}

// WithLogger sets an optional logger the store uses for progress updates.
// By default log messages are discarded.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(opts *storeOptions) {
		opts.logger = logger
	}
}

// WithCacheSize overrides the default (CacheMedium) tile cache preset.
func WithCacheSize(size CacheSize) StoreOption {
	return func(opts *storeOptions) {
		opts.cacheSize = size
	}
}

type metadataKey struct {
	name string
	id   int32
}

type metadataEntry struct {
	typ     byte
	payload []byte
}

// metadata payload type tags
const (
	metadataBytes  = 0
	metadataString = 1
)

// Store is an open gridfile raster store.  It is not safe for concurrent
// use; callers serialize access.
type Store struct {
	f        *os.File
	path     string
	writable bool
	closed   bool
	logger   *slog.Logger

	h        *header
	registry *codec.Registry
	compress bool

	fsm   *fspace.Manager // nil on read-only stores
	cache *tilecache.Cache
	dir   *tilecache.Directory

	metadata map[metadataKey]metadataEntry

	rowsOfTiles  int
	colsOfTiles  int
	cellsPerTile int
	tileSize     int
	blockOffsets []int
	blockSizes   []int
}

// Open opens a store for reading.  Reads are safe against a concurrent
// writer only in the sense that they fail cleanly; the format does not
// arbitrate between them.
func Open(path string, opts ...StoreOption) (*Store, error) {
	return open(path, false, opts)
}

// OpenWriter opens a store for reading and writing.  At most one writer
// may have a store open; a store that was never closed cleanly is also
// refused.
func OpenWriter(path string, opts ...StoreOption) (*Store, error) {
	return open(path, true, opts)
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		cacheSize: CacheMedium,
	}
}

func open(path string, writable bool, opts []StoreOption) (*Store, error) {
	options := defaultStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	s, err := newStore(f, path, writable, options)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func newStore(f *os.File, path string, writable bool, options storeOptions) (*Store, error) {
	h, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	s := &Store{
		f:        f,
		path:     path,
		writable: writable,
		logger:   options.logger,
		h:        h,
		registry: codec.RegistryForIDs(h.codecIDs),
		metadata: make(map[metadataKey]metadataEntry),
	}
	s.initGeometry()

	if writable {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			return nil, fmt.Errorf("flock %q: %w", path, ErrConflictingWriter)
		}
		if h.opened != 0 {
			return nil, fmt.Errorf("writer stamp %s: %w",
				time.UnixMicro(h.opened).UTC().Format(time.RFC3339), ErrConflictingWriter)
		}
		s.compress = h.flags&flagCompression != 0

		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", path, err)
		}
		s.fsm = fspace.NewManager(f, st.Size(), h.checksums())
		if h.freeListPos != 0 {
			content, err := s.fsm.ReadRecord(h.freeListPos, fspace.RecordFreeList)
			if err != nil {
				return nil, fmt.Errorf("free-list record: %w", err)
			}
			blocks, err := fspace.ParseFreeList(content)
			if err != nil {
				return nil, err
			}
			if err := s.fsm.Restore(blocks); err != nil {
				return nil, err
			}
		}
	}

	if err := s.loadTileDirectory(); err != nil {
		return nil, err
	}
	if err := s.loadMetadata(); err != nil {
		return nil, err
	}

	if writable {
		// the directory, metadata and free-list records are rewritten at
		// close; release their space for tile records now
		for _, pos := range []int64{h.tileDirPos, h.metadataDirPos, h.freeListPos} {
			if pos != 0 {
				if err := s.fsm.Dealloc(pos); err != nil {
					return nil, err
				}
			}
		}
		h.tileDirPos, h.metadataDirPos, h.freeListPos = 0, 0, 0

		h.opened = time.Now().UnixMicro()
		if err := s.stampTimestamp(offTimeOpened, h.opened); err != nil {
			return nil, err
		}
	}

	capacity := options.cacheSize.preset().Capacity(s.rowsOfTiles, s.colsOfTiles)
	s.cache = tilecache.New(s, capacity, s.tileSize)

	s.logger.Info("opened store", "path", path, "writable", writable,
		"grid", fmt.Sprintf("%dx%d", h.nRows, h.nCols),
		"tile", fmt.Sprintf("%dx%d", h.nRowsInTile, h.nColsInTile),
		"elements", len(h.elements))
	return s, nil
}

func readHeader(f *os.File) (*header, error) {
	var pre [16]byte
	if _, err := f.ReadAt(pre[:], 0); err != nil {
		return nil, fmt.Errorf("read header: %w", ErrInvalidFile)
	}
	if string(pre[:8]) != headerMagic {
		return nil, ErrInvalidFile
	}
	size := int(binary.LittleEndian.Uint32(pre[12:]))
	if size < headerFixedSize+4 || size > 1<<20 {
		return nil, fmt.Errorf("header size %d: %w", size, ErrInvalidFile)
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read %d byte header: %w", size, ErrInvalidFile)
	}
	return parseHeader(buf)
}

func (s *Store) initGeometry() {
	h := s.h
	s.rowsOfTiles = (h.nRows + h.nRowsInTile - 1) / h.nRowsInTile
	s.colsOfTiles = (h.nCols + h.nColsInTile - 1) / h.nColsInTile
	s.cellsPerTile = h.nRowsInTile * h.nColsInTile

	s.blockOffsets = make([]int, len(h.elements))
	s.blockSizes = make([]int, len(h.elements))
	off := 0
	for i, e := range h.elements {
		s.blockOffsets[i] = off
		s.blockSizes[i] = blockSize(e, s.cellsPerTile)
		off += s.blockSizes[i]
	}
	s.tileSize = off
}

func (s *Store) loadTileDirectory() error {
	if s.h.tileDirPos == 0 {
		s.dir = tilecache.NewDirectory(s.rowsOfTiles, s.colsOfTiles)
		return nil
	}
	content, err := s.readRecord(s.h.tileDirPos, fspace.RecordTileDirectory)
	if err != nil {
		return fmt.Errorf("tile directory record: %w", err)
	}
	s.dir, err = tilecache.ParseDirectory(content, s.rowsOfTiles, s.colsOfTiles)
	return err
}

func (s *Store) loadMetadata() error {
	if s.h.metadataDirPos == 0 {
		return nil
	}
	content, err := s.readRecord(s.h.metadataDirPos, fspace.RecordMetadata)
	if err != nil {
		return fmt.Errorf("metadata record: %w", err)
	}
	r := &headerReader{buf: content}
	n := int(r.u16("metadata count"))
	for i := 0; i < n; i++ {
		name := r.str8("metadata name")
		id := int32(r.u32("metadata id"))
		typ := r.u8("metadata type")
		payload := r.bytes(int(r.u32("metadata size")), "metadata payload")
		if r.err != nil {
			return r.err
		}
		s.metadata[metadataKey{name, id}] = metadataEntry{
			typ:     typ,
			payload: append([]byte(nil), payload...),
		}
	}
	return r.err
}

// readRecord works on both read-only and writable stores.
func (s *Store) readRecord(pos int64, t fspace.RecordType) ([]byte, error) {
	if s.fsm != nil {
		return s.fsm.ReadRecord(pos, t)
	}
	return fspace.ReadRecordAt(s.f, pos, t, s.h.checksums())
}

func (s *Store) stampTimestamp(off int, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	if _, err := s.f.WriteAt(buf[:], int64(off)); err != nil {
		return fmt.Errorf("stamp header at %d: %w", off, err)
	}
	return nil
}

// Rows returns the number of rows of cells in the raster.
func (s *Store) Rows() int { return s.h.nRows }

// Cols returns the number of columns of cells in the raster.
func (s *Store) Cols() int { return s.h.nCols }

// UUID returns the store's 16-byte identity, assigned at creation.
func (s *Store) UUID() [16]byte { return s.h.uuid }

// ProductLabel returns the optional label set at creation.
func (s *Store) ProductLabel() string { return s.h.productLabel }

// Elements returns the store's element tuple in declaration order.
func (s *Store) Elements() []Element {
	return append([]Element(nil), s.h.elements...)
}

// ElementIndex resolves an element name to its index.
func (s *Store) ElementIndex(name string) (int, error) {
	for i, e := range s.h.elements {
		if e.Name() == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("element %q: %w", name, ErrElementNotFound)
}

// ModelPoint maps a grid coordinate to the model coordinate system using
// the stored map-to-model transform.
func (s *Store) ModelPoint(row, col float64) (x, y float64) {
	t := &s.h.mapToModel
	return t[0]*col + t[1]*row + t[2], t[3]*col + t[4]*row + t[5]
}

// GridPoint maps a model coordinate to (row, col) grid space.
func (s *Store) GridPoint(x, y float64) (row, col float64) {
	t := &s.h.modelToMap
	return t[3]*x + t[4]*y + t[5], t[0]*x + t[1]*y + t[2]
}

func (s *Store) checkCell(elementIndex, row, col int) error {
	if s.closed {
		return ErrClosed
	}
	if elementIndex < 0 || elementIndex >= len(s.h.elements) {
		return fmt.Errorf("element %d of %d: %w", elementIndex, len(s.h.elements), ErrElementNotFound)
	}
	if row < 0 || row >= s.h.nRows || col < 0 || col >= s.h.nCols {
		return fmt.Errorf("cell (%d,%d) in %dx%d raster: %w", row, col, s.h.nRows, s.h.nCols, ErrOutOfBounds)
	}
	return nil
}

func (s *Store) tileOf(row, col int) (tileIndex, cell int) {
	tr, tc := row/s.h.nRowsInTile, col/s.h.nColsInTile
	tileIndex = tr*s.colsOfTiles + tc
	cell = (row%s.h.nRowsInTile)*s.h.nColsInTile + (col % s.h.nColsInTile)
	return tileIndex, cell
}

// ReadInt returns the integer value of one cell.  Cells in tiles that
// were never written read as the element's fill value, with no error.
func (s *Store) ReadInt(elementIndex, row, col int) (int32, error) {
	if err := s.checkCell(elementIndex, row, col); err != nil {
		return 0, err
	}
	e := s.h.elements[elementIndex]

	tileIndex, cell := s.tileOf(row, col)
	buf, found, err := s.cache.Fetch(tileIndex)
	if err != nil {
		return 0, err
	}
	if !found {
		return e.fillInt(), nil
	}
	return e.readInt(buf[s.blockOffsets[elementIndex]:], cell), nil
}

// ReadFloat is ReadInt through the element's float conversion.
func (s *Store) ReadFloat(elementIndex, row, col int) (float32, error) {
	if err := s.checkCell(elementIndex, row, col); err != nil {
		return 0, err
	}
	e := s.h.elements[elementIndex]

	tileIndex, cell := s.tileOf(row, col)
	buf, found, err := s.cache.Fetch(tileIndex)
	if err != nil {
		return 0, err
	}
	if !found {
		return e.fillFloat(), nil
	}
	return e.readFloat(buf[s.blockOffsets[elementIndex]:], cell), nil
}

// WriteInt sets the integer value of one cell, materializing the
// enclosing tile (with fill values everywhere else) on first touch.
func (s *Store) WriteInt(elementIndex, row, col int, v int32) error {
	if err := s.checkWrite(elementIndex, row, col); err != nil {
		return err
	}
	tileIndex, cell := s.tileOf(row, col)
	buf, err := s.cache.FetchForWrite(tileIndex, s.initTile)
	if err != nil {
		return err
	}
	s.h.elements[elementIndex].writeInt(buf[s.blockOffsets[elementIndex]:], cell, v)
	return nil
}

// WriteFloat is WriteInt through the element's float conversion.
func (s *Store) WriteFloat(elementIndex, row, col int, v float32) error {
	if err := s.checkWrite(elementIndex, row, col); err != nil {
		return err
	}
	tileIndex, cell := s.tileOf(row, col)
	buf, err := s.cache.FetchForWrite(tileIndex, s.initTile)
	if err != nil {
		return err
	}
	s.h.elements[elementIndex].writeFloat(buf[s.blockOffsets[elementIndex]:], cell, v)
	return nil
}

func (s *Store) checkWrite(elementIndex, row, col int) error {
	if err := s.checkCell(elementIndex, row, col); err != nil {
		return err
	}
	if !s.writable {
		return ErrReadOnly
	}
	return nil
}

// initTile fills a fresh tile buffer with each element's fill value.
func (s *Store) initTile(buf []byte) {
	for i, e := range s.h.elements {
		block := buf[s.blockOffsets[i] : s.blockOffsets[i]+s.blockSizes[i]]
		if e.integral() {
			fill := e.fillInt()
			for cell := 0; cell < s.cellsPerTile; cell++ {
				e.writeInt(block, cell, fill)
			}
		} else {
			fill := e.fillFloat()
			for cell := 0; cell < s.cellsPerTile; cell++ {
				e.writeFloat(block, cell, fill)
			}
		}
		// alignment padding at the block tail stays deterministic even
		// though the buffer is recycled across tiles
		for j := s.cellsPerTile * e.bytesPerCell(); j < len(block); j++ {
			block[j] = 0
		}
	}
}

// LoadTile decodes the record of one tile into buf, sub-block by
// sub-block.  It implements tilecache.TileIO.
func (s *Store) LoadTile(tileIndex int, buf []byte) (bool, error) {
	pos := s.dir.Offset(tileIndex)
	if pos == 0 {
		return false, nil
	}
	content, err := s.readRecord(pos, fspace.RecordTile)
	if err != nil {
		return false, fmt.Errorf("tile %d: %w", tileIndex, err)
	}

	off := 0
	for i, e := range s.h.elements {
		if off+4 > len(content) {
			return false, fmt.Errorf("tile %d record truncated at element %d: %w", tileIndex, i, ErrInvalidFile)
		}
		n := int(binary.LittleEndian.Uint32(content[off:]))
		off += 4
		if n < 0 || off+n > len(content) || n > s.blockSizes[i] {
			return false, fmt.Errorf("tile %d element %d sub-block %d bytes: %w", tileIndex, i, n, ErrInvalidFile)
		}
		sub := content[off : off+n]
		off += n

		block := buf[s.blockOffsets[i] : s.blockOffsets[i]+s.blockSizes[i]]
		if n == s.blockSizes[i] {
			copy(block, sub)
			continue
		}
		if err := s.decodeBlock(e, block, sub); err != nil {
			return false, fmt.Errorf("tile %d element %q: %w", tileIndex, e.Name(), err)
		}
	}
	return true, nil
}

func (s *Store) decodeBlock(e Element, block, packing []byte) error {
	nR, nC := s.h.nRowsInTile, s.h.nColsInTile
	if e.integral() {
		values, err := s.registry.DecompressInts(nR, nC, packing)
		if err != nil {
			return err
		}
		if len(values) != s.cellsPerTile {
			return fmt.Errorf("%d values for %d cells: %w", len(values), s.cellsPerTile, ErrInvalidFile)
		}
		for cell, v := range values {
			e.writeInt(block, cell, v)
		}
		return nil
	}

	values, err := s.registry.DecompressFloats(nR, nC, packing)
	if err != nil {
		return err
	}
	if len(values) != s.cellsPerTile {
		return fmt.Errorf("%d values for %d cells: %w", len(values), s.cellsPerTile, ErrInvalidFile)
	}
	for cell, v := range values {
		e.writeFloat(block, cell, v)
	}
	return nil
}

// FlushTile encodes buf as a tile record, writes it, and releases the
// tile's previous record.  It implements tilecache.TileIO.
func (s *Store) FlushTile(tileIndex int, buf []byte) error {
	content := make([]byte, 0, s.tileSize+4*len(s.h.elements))
	for i, e := range s.h.elements {
		block := buf[s.blockOffsets[i] : s.blockOffsets[i]+s.blockSizes[i]]
		packed := s.encodeBlock(e, block)
		if packed != nil && len(packed) < s.blockSizes[i] {
			content = binary.LittleEndian.AppendUint32(content, uint32(len(packed)))
			content = append(content, packed...)
		} else {
			content = binary.LittleEndian.AppendUint32(content, uint32(len(block)))
			content = append(content, block...)
		}
	}

	// allocate the replacement before releasing the old record so a
	// failure cannot orphan the tile
	oldPos := s.dir.Offset(tileIndex)
	pos, err := s.fsm.WriteRecord(fspace.RecordTile, content)
	if err != nil {
		return fmt.Errorf("tile %d: %w", tileIndex, err)
	}
	if err := s.dir.SetOffset(tileIndex, pos); err != nil {
		return err
	}
	if oldPos != 0 {
		if err := s.fsm.Dealloc(oldPos); err != nil {
			return fmt.Errorf("release tile %d at %d: %w", tileIndex, oldPos, err)
		}
	}
	return nil
}

func (s *Store) encodeBlock(e Element, block []byte) []byte {
	if !s.compress {
		return nil
	}
	nR, nC := s.h.nRowsInTile, s.h.nColsInTile
	if e.integral() {
		values := make([]int32, s.cellsPerTile)
		for cell := range values {
			values[cell] = e.readInt(block, cell)
		}
		return s.registry.CompressInts(nR, nC, values)
	}

	values := make([]float32, s.cellsPerTile)
	for cell := range values {
		values[cell] = e.readFloat(block, cell)
	}
	return s.registry.CompressFloats(nR, nC, values)
}

// PutMetadata stores an arbitrary payload under (name, id), replacing any
// previous value.  Metadata is persisted when the store closes.
func (s *Store) PutMetadata(name string, id int32, payload []byte) error {
	return s.putMetadata(name, id, metadataBytes, payload)
}

// PutMetadataString stores a string under (name, id).
func (s *Store) PutMetadataString(name string, id int32, value string) error {
	return s.putMetadata(name, id, metadataString, []byte(value))
}

func (s *Store) putMetadata(name string, id int32, typ byte, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	if !s.writable {
		return ErrReadOnly
	}
	if len(name) == 0 || len(name) > 255 {
		return fmt.Errorf("metadata name %q: %w", name, ErrInvalidSpec)
	}
	s.metadata[metadataKey{name, id}] = metadataEntry{
		typ:     typ,
		payload: append([]byte(nil), payload...),
	}
	return nil
}

// Metadata returns the payload stored under (name, id).
func (s *Store) Metadata(name string, id int32) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	entry, ok := s.metadata[metadataKey{name, id}]
	if !ok {
		return nil, fmt.Errorf("metadata %q/%d: %w", name, id, ErrNoMetadata)
	}
	return append([]byte(nil), entry.payload...), nil
}

// MetadataString returns the string stored under (name, id).
func (s *Store) MetadataString(name string, id int32) (string, error) {
	payload, err := s.Metadata(name, id)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (s *Store) encodeMetadata() []byte {
	// deterministic order keeps byte-identical files for identical input
	keys := make([]metadataKey, 0, len(s.metadata))
	for k := range s.metadata {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].id < keys[j].id
	})

	out := binary.LittleEndian.AppendUint16(nil, uint16(len(keys)))
	for _, k := range keys {
		entry := s.metadata[k]
		out = append(out, byte(len(k.name)))
		out = append(out, k.name...)
		out = binary.LittleEndian.AppendUint32(out, uint32(k.id))
		out = append(out, entry.typ)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(entry.payload)))
		out = append(out, entry.payload...)
	}
	return out
}

// Summary reports store shape and cache/allocator activity for
// diagnostics.
type Summary struct {
	UUID           string
	Rows, Cols     int
	TileRows       int
	TileCols       int
	PopulatedTiles int
	FileSize       int64
	FreeBytes      int64

	CacheFetches int64
	CacheHits    int64
	Evictions    int64
	TileReads    int64
	TileWrites   int64
}

// Summarize returns a point-in-time Summary.  FreeBytes is zero on
// read-only stores, which do not track free space.
func (s *Store) Summarize() Summary {
	counters := s.cache.Counters()
	sum := Summary{
		UUID:           UUIDString(s.h.uuid),
		Rows:           s.h.nRows,
		Cols:           s.h.nCols,
		TileRows:       s.h.nRowsInTile,
		TileCols:       s.h.nColsInTile,
		PopulatedTiles: s.dir.CountPopulated(),

		CacheFetches: counters.Fetches,
		CacheHits:    counters.Hits,
		Evictions:    counters.Evictions,
		TileReads:    counters.TileReads,
		TileWrites:   counters.TileWrites,
	}
	if s.fsm != nil {
		sum.FileSize = s.fsm.FileSize()
		sum.FreeBytes = s.fsm.FreeBytes()
	} else if st, err := s.f.Stat(); err == nil {
		sum.FileSize = st.Size()
	}
	return sum
}

// Flush writes all dirty tiles to the file without closing the store.
// The tile directory and header are only brought up to date by Close.
func (s *Store) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if !s.writable {
		return nil
	}
	return s.cache.Flush()
}

// Close flushes dirty state, rewrites the directory and free-list
// records and the header, and releases the file.  A store must be closed
// cleanly for a later OpenWriter to succeed.
func (s *Store) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if !s.writable {
		return s.f.Close()
	}

	err := s.closeWriter()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) closeWriter() error {
	if err := s.cache.Flush(); err != nil {
		return err
	}

	h := s.h
	if s.dir.CountPopulated() > 0 {
		pos, err := s.fsm.WriteRecord(fspace.RecordTileDirectory, s.dir.Encode())
		if err != nil {
			return fmt.Errorf("tile directory: %w", err)
		}
		h.tileDirPos = pos
	}

	if len(s.metadata) > 0 {
		pos, err := s.fsm.WriteRecord(fspace.RecordMetadata, s.encodeMetadata())
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		h.metadataDirPos = pos
	}

	if err := s.writeFreeList(); err != nil {
		return err
	}

	h.opened = 0
	h.modified = time.Now().UnixMicro()
	buf := h.marshal()
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("rewrite header: %w", err)
	}

	if err := unix.Flock(int(s.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock %q: %w", s.path, err)
	}

	summary := s.Summarize()
	s.logger.Info("closed store", "path", s.path,
		"tiles", summary.PopulatedTiles, "fileSize", summary.FileSize,
		"freeBytes", summary.FreeBytes)
	return nil
}

// writeFreeList persists the allocator's free list.  Allocating the
// record itself can only shrink the list (consume or split a block), so
// sizing the record for the pre-allocation encoding always leaves room
// for the final one.
func (s *Store) writeFreeList() error {
	if len(s.fsm.FreeBlocks()) == 0 {
		s.h.freeListPos = 0
		return nil
	}

	pre := s.fsm.EncodeFreeList()
	pos, err := s.fsm.Alloc(fspace.RecordFreeList, len(pre))
	if err != nil {
		return fmt.Errorf("free list: %w", err)
	}
	content := s.fsm.EncodeFreeList()
	if len(content) < len(pre) {
		content = append(content, make([]byte, len(pre)-len(content))...)
	}
	if _, err := s.f.WriteAt(content, pos); err != nil {
		return fmt.Errorf("write free list at %d: %w", pos, err)
	}
	if err := s.fsm.Finish(pos); err != nil {
		return err
	}
	s.h.freeListPos = pos
	return nil
}
