// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package fspace manages allocation of byte ranges inside a store's
// backing file.  Every stored object after the file header lives in a
// record with a fixed envelope:
//
//	[total length u32 LE][record type u8][3 reserved bytes]
//	[content][zero padding][checksum u32 LE]
//
// The total length covers the whole envelope and is always a multiple of
// 8.  Freed records are threaded onto an in-file free list (ordered by
// position, adjacent blocks merged) so that space is reused instead of
// growing the file on every rewrite.
package fspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dgryski/go-farm"
)

// RecordType tags the payload kind of a record.
type RecordType uint8

// Record types as stored in the envelope's type byte.
const (
	RecordFree RecordType = iota
	RecordTile
	RecordTileDirectory
	RecordMetadata
	RecordFreeList
)

func (t RecordType) String() string {
	switch t {
	case RecordFree:
		return "free"
	case RecordTile:
		return "tile"
	case RecordTileDirectory:
		return "tile directory"
	case RecordMetadata:
		return "metadata"
	case RecordFreeList:
		return "free list"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	recordHeaderSize  = 8 // u32 length + u8 type + 3 reserved
	recordTrailerSize = 4 // u32 checksum
	recordOverhead    = recordHeaderSize + recordTrailerSize

	// a free block must keep at least this much beyond an allocation to
	// be worth splitting; smaller remainders stay with the allocation
	minSplitRemainder = 32
)

var (
	// ErrBadRecord is returned when an envelope fails validation.
	ErrBadRecord = errors.New("fspace: invalid record")

	// ErrChecksum is returned when a record's stored checksum does not
	// match its content.
	ErrChecksum = errors.New("fspace: record checksum mismatch")

	// ErrUnfinishedAlloc is returned by Finish/Dealloc for a position
	// that does not correspond to an open or allocated record.
	ErrUnfinishedAlloc = errors.New("fspace: not an open allocation")
)

// FreeBlock is one entry of the allocator's free list, exported for
// persistence and diagnostics.
type FreeBlock struct {
	Pos  int64 // file position of the record header
	Size int64 // block size in bytes, multiple of 8
}

type freeNode struct {
	pos  int64
	size int64
	next *freeNode
}

type openAlloc struct {
	blockSize   int64
	contentSize int64
}

// File is the subset of *os.File the allocator needs.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// Manager owns the free list and end-of-file position of one writable
// store.  It is not safe for concurrent use; the store serializes access.
type Manager struct {
	f         File
	fileSize  int64
	checksums bool
	free      *freeNode // ascending by pos
	open      map[int64]openAlloc
}

// NewManager returns a Manager for a file whose logical extent is
// fileSize (the store header size for a fresh file).
func NewManager(f File, fileSize int64, checksums bool) *Manager {
	return &Manager{
		f:         f,
		fileSize:  fileSize,
		checksums: checksums,
		open:      make(map[int64]openAlloc),
	}
}

// FileSize returns the logical extent of the file.
func (m *Manager) FileSize() int64 { return m.fileSize }

// roundUp8 rounds n up to the next multiple of 8.
func roundUp8(n int64) int64 { return (n + 7) &^ 7 }

// Alloc reserves a record large enough for contentSize bytes of content
// and writes its header.  It returns the file position of the first
// content byte; the caller writes content there and must call Finish
// before the record may be read back.  A failed allocation leaves the
// free list untouched.
func (m *Manager) Alloc(t RecordType, contentSize int) (int64, error) {
	if contentSize < 0 {
		return 0, fmt.Errorf("alloc %d bytes: %w", contentSize, ErrBadRecord)
	}
	blockSize := roundUp8(int64(contentSize) + recordOverhead)

	// first fit: exact match, or big enough to leave a viable remainder
	var prev *freeNode
	for n := m.free; n != nil; prev, n = n, n.next {
		if n.size == blockSize {
			if prev == nil {
				m.free = n.next
			} else {
				prev.next = n.next
			}
			return m.placeRecord(n.pos, blockSize, contentSize, t)
		}
		if n.size >= blockSize+minSplitRemainder {
			pos := n.pos
			n.pos += blockSize
			n.size -= blockSize
			if err := m.writeFreeHeader(n.pos, n.size); err != nil {
				// restore the node before surfacing the error
				n.pos = pos
				n.size += blockSize
				return 0, err
			}
			return m.placeRecord(pos, blockSize, contentSize, t)
		}
	}

	// no fit: extend the file, absorbing a trailing free block when one
	// abuts end-of-file
	pos := m.fileSize
	var tailPrev *freeNode
	tail := m.free
	for tail != nil && tail.next != nil {
		tailPrev, tail = tail, tail.next
	}
	if tail != nil && tail.pos+tail.size == m.fileSize && tail.size < blockSize {
		pos = tail.pos
		if tailPrev == nil {
			m.free = nil
		} else {
			tailPrev.next = nil
		}
	}
	m.fileSize = pos + blockSize
	return m.placeRecord(pos, blockSize, contentSize, t)
}

func (m *Manager) placeRecord(pos, blockSize int64, contentSize int, t RecordType) (int64, error) {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(blockSize))
	header[4] = byte(t)
	if _, err := m.f.WriteAt(header[:], pos); err != nil {
		return 0, fmt.Errorf("write record header at %d: %w", pos, err)
	}
	m.open[pos+recordHeaderSize] = openAlloc{blockSize: blockSize, contentSize: int64(contentSize)}
	return pos + recordHeaderSize, nil
}

func (m *Manager) writeFreeHeader(pos, size int64) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(size))
	header[4] = byte(RecordFree)
	if _, err := m.f.WriteAt(header[:], pos); err != nil {
		return fmt.Errorf("write free header at %d: %w", pos, err)
	}
	return nil
}

// Finish zero-pads the unwritten tail of an allocated record and writes
// its checksum trailer (zero when checksums are disabled).
func (m *Manager) Finish(contentPos int64) error {
	a, ok := m.open[contentPos]
	if !ok {
		return fmt.Errorf("finish at %d: %w", contentPos, ErrUnfinishedAlloc)
	}
	delete(m.open, contentPos)

	recordPos := contentPos - recordHeaderSize
	padStart := contentPos + a.contentSize
	padEnd := recordPos + a.blockSize - recordTrailerSize
	if padEnd > padStart {
		pad := make([]byte, padEnd-padStart)
		if _, err := m.f.WriteAt(pad, padStart); err != nil {
			return fmt.Errorf("pad record at %d: %w", padStart, err)
		}
	}

	var trailer [recordTrailerSize]byte
	if m.checksums {
		body := make([]byte, a.blockSize-recordTrailerSize)
		if _, err := m.f.ReadAt(body, recordPos); err != nil {
			return fmt.Errorf("read back record at %d: %w", recordPos, err)
		}
		binary.LittleEndian.PutUint32(trailer[:], uint32(farm.Hash64(body)))
	}
	if _, err := m.f.WriteAt(trailer[:], padEnd); err != nil {
		return fmt.Errorf("write record trailer at %d: %w", padEnd, err)
	}
	return nil
}

// Dealloc releases the record whose content starts at contentPos, merging
// it with adjacent free blocks.  Deallocating an already-free record is a
// detected no-op.
func (m *Manager) Dealloc(contentPos int64) error {
	recordPos := contentPos - recordHeaderSize
	if recordPos < 0 || recordPos+recordHeaderSize > m.fileSize {
		return fmt.Errorf("dealloc at %d beyond file extent %d: %w", contentPos, m.fileSize, ErrBadRecord)
	}

	var header [recordHeaderSize]byte
	if _, err := m.f.ReadAt(header[:], recordPos); err != nil {
		return fmt.Errorf("read record header at %d: %w", recordPos, err)
	}
	size := int64(binary.LittleEndian.Uint32(header[:4]))
	if size < recordOverhead || size%8 != 0 || recordPos+size > m.fileSize {
		return fmt.Errorf("dealloc at %d: block size %d: %w", contentPos, size, ErrBadRecord)
	}
	if RecordType(header[4]) == RecordFree {
		return nil
	}

	// find insert position, keeping the list ordered by pos
	var prev *freeNode
	next := m.free
	for next != nil && next.pos < recordPos {
		prev, next = next, next.next
	}

	// a record swallowed by an earlier merge keeps its stale on-disk
	// header, so the type byte alone cannot detect a second dealloc:
	// a range already inside a free block is the same no-op
	if prev != nil && recordPos < prev.pos+prev.size {
		return nil
	}
	if next != nil && next.pos == recordPos {
		return nil
	}
	delete(m.open, contentPos)

	mergedPos, mergedSize := recordPos, size
	if prev != nil && prev.pos+prev.size == recordPos {
		// left merge
		prev.size += size
		mergedPos, mergedSize = prev.pos, prev.size
		if next != nil && prev.pos+prev.size == next.pos {
			// and right merge
			prev.size += next.size
			prev.next = next.next
			mergedSize = prev.size
		}
	} else if next != nil && recordPos+size == next.pos {
		// right merge
		next.pos = recordPos
		next.size += size
		mergedSize = next.size
	} else {
		n := &freeNode{pos: recordPos, size: size, next: next}
		if prev == nil {
			m.free = n
		} else {
			prev.next = n
		}
	}
	return m.writeFreeHeader(mergedPos, mergedSize)
}

// FreeBlocks returns a copy of the free list in position order.
func (m *Manager) FreeBlocks() []FreeBlock {
	var blocks []FreeBlock
	for n := m.free; n != nil; n = n.next {
		blocks = append(blocks, FreeBlock{Pos: n.pos, Size: n.size})
	}
	return blocks
}

// FreeBytes returns the total size of all free blocks.
func (m *Manager) FreeBytes() int64 {
	var total int64
	for n := m.free; n != nil; n = n.next {
		total += n.size
	}
	return total
}

// Restore replaces the free list, used when reopening a store for
// writing.  Blocks must be ordered by ascending position.
func (m *Manager) Restore(blocks []FreeBlock) error {
	var head, tail *freeNode
	var lastEnd int64
	for _, b := range blocks {
		if b.Pos < lastEnd || b.Size <= 0 || b.Size%8 != 0 || b.Pos+b.Size > m.fileSize {
			return fmt.Errorf("free block (%d,%d): %w", b.Pos, b.Size, ErrBadRecord)
		}
		lastEnd = b.Pos + b.Size
		n := &freeNode{pos: b.Pos, size: b.Size}
		if tail == nil {
			head = n
		} else {
			tail.next = n
		}
		tail = n
	}
	m.free = head
	return nil
}

// EncodeFreeList serializes the free list for its directory record.
func (m *Manager) EncodeFreeList() []byte {
	blocks := m.FreeBlocks()
	out := make([]byte, 4+16*len(blocks))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(blocks)))
	for i, b := range blocks {
		binary.LittleEndian.PutUint64(out[4+16*i:], uint64(b.Pos))
		binary.LittleEndian.PutUint64(out[12+16*i:], uint64(b.Size))
	}
	return out
}

// ParseFreeList reverses EncodeFreeList.
func ParseFreeList(data []byte) ([]FreeBlock, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("free list record %d bytes: %w", len(data), ErrBadRecord)
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n < 0 || len(data) < 4+16*n {
		return nil, fmt.Errorf("free list record: %d blocks in %d bytes: %w", n, len(data), ErrBadRecord)
	}
	blocks := make([]FreeBlock, n)
	for i := range blocks {
		blocks[i].Pos = int64(binary.LittleEndian.Uint64(data[4+16*i:]))
		blocks[i].Size = int64(binary.LittleEndian.Uint64(data[12+16*i:]))
	}
	return blocks, nil
}

// WriteRecord allocates, writes and finishes a record in one step.
func (m *Manager) WriteRecord(t RecordType, content []byte) (int64, error) {
	pos, err := m.Alloc(t, len(content))
	if err != nil {
		return 0, err
	}
	if _, err := m.f.WriteAt(content, pos); err != nil {
		return 0, fmt.Errorf("write %s record at %d: %w", t, pos, err)
	}
	if err := m.Finish(pos); err != nil {
		return 0, err
	}
	return pos, nil
}

// ReadRecord reads the record whose content starts at contentPos from a
// writable store; see ReadRecordAt for the general form.
func (m *Manager) ReadRecord(contentPos int64, want RecordType) ([]byte, error) {
	return ReadRecordAt(m.f, contentPos, want, m.checksums)
}

// ReadRecordAt reads and validates a record envelope, returning its
// content area (including any zero padding; callers know their own
// content length).  When verify is set the checksum trailer must match.
func ReadRecordAt(r io.ReaderAt, contentPos int64, want RecordType, verify bool) ([]byte, error) {
	recordPos := contentPos - recordHeaderSize
	if recordPos < 0 {
		return nil, fmt.Errorf("record at %d: %w", contentPos, ErrBadRecord)
	}
	var header [recordHeaderSize]byte
	if _, err := r.ReadAt(header[:], recordPos); err != nil {
		return nil, fmt.Errorf("read record header at %d: %w", recordPos, err)
	}
	size := int64(binary.LittleEndian.Uint32(header[:4]))
	if size < recordOverhead || size%8 != 0 {
		return nil, fmt.Errorf("record at %d: block size %d: %w", contentPos, size, ErrBadRecord)
	}
	got := RecordType(header[4])
	if got != want {
		return nil, fmt.Errorf("record at %d: type %s, want %s: %w", contentPos, got, want, ErrBadRecord)
	}

	body := make([]byte, size-recordHeaderSize)
	if _, err := r.ReadAt(body, contentPos); err != nil {
		return nil, fmt.Errorf("read record at %d: %w", contentPos, err)
	}
	content := body[:len(body)-recordTrailerSize]

	if verify {
		stored := binary.LittleEndian.Uint32(body[len(body)-recordTrailerSize:])
		if stored != 0 {
			full := make([]byte, 0, size-recordTrailerSize)
			full = append(full, header[:]...)
			full = append(full, content...)
			if computed := uint32(farm.Hash64(full)); computed != stored {
				return nil, fmt.Errorf("record at %d: stored %08x, computed %08x: %w", contentPos, stored, computed, ErrChecksum)
			}
		}
	}
	return content, nil
}
