// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package tilecache implements the bounded in-memory pool of decoded tile
// buffers and the on-file tile directory that maps tile coordinates to
// record positions.
package tilecache

import (
	"fmt"
)

// Size selects the capacity of a store's tile cache.
type Size int

// Cache size presets.  Large is sized to hold one full row (or column) of
// tiles, which makes row-major scans hit on every access after the first
// in each tile column.
const (
	SizeSmall Size = iota
	SizeMedium
	SizeLarge
	SizeExtraLarge
)

// Capacity returns the tile count for a preset over the given tile grid.
func (s Size) Capacity(rowsOfTiles, colsOfTiles int) int {
	n := 4
	switch s {
	case SizeMedium:
		n = 9
	case SizeLarge:
		n = rowsOfTiles
		if colsOfTiles > n {
			n = colsOfTiles
		}
	case SizeExtraLarge:
		n = rowsOfTiles
		if colsOfTiles > n {
			n = colsOfTiles
		}
		n *= 2
	}
	if n < 4 {
		n = 4
	}
	return n
}

// TileIO is the store-side half of the cache: it materializes a tile
// buffer from the backing file (consulting the tile directory and codec
// framework) and writes a dirty buffer back out.
type TileIO interface {
	// LoadTile decodes tile tileIndex into buf.  found is false, with no
	// error, when the tile has never been written.
	LoadTile(tileIndex int, buf []byte) (found bool, err error)

	// FlushTile encodes buf and writes it as tile tileIndex's record.
	FlushTile(tileIndex int, buf []byte) error
}

// tile index value for a slot on the free list
const unassigned = -1

// handles of the two sentinel slots bracketing the recency list
const (
	head = 0
	tail = 1
)

const noSlot = int32(-1)

// slot is one entry of the cache's arena.  A slot is either on the
// recency list with a valid tileIndex (and then present in the hash
// index), or on the free list with tileIndex == unassigned.
type slot struct {
	tileIndex  int
	prev, next int32 // circular doubly linked recency list
	nextFree   int32 // singly linked free list
	dirty      bool
	buf        []byte
}

type bucketEntry struct {
	tileIndex int
	slot      int32
}

// Counters reports cache activity for diagnostics.
type Counters struct {
	Fetches    int64
	Hits       int64
	Evictions  int64
	TileReads  int64
	TileWrites int64
}

// Cache is a fixed-capacity LRU pool of decoded tile buffers.  All tile
// buffers are allocated once, when the cache is created, and reused for
// the life of the open store.
type Cache struct {
	io       TileIO
	slots    []slot // [0] and [1] are the list sentinels
	freeHead int32
	buckets  [][]bucketEntry
	mask     uint32
	counters Counters
}

// New creates a cache of capacity tile buffers of tileSize bytes each.
func New(io TileIO, capacity, tileSize int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	nBuckets := 1
	for nBuckets < 2*capacity {
		nBuckets <<= 1
	}

	c := &Cache{
		io:      io,
		slots:   make([]slot, capacity+2),
		buckets: make([][]bucketEntry, nBuckets),
		mask:    uint32(nBuckets - 1),
	}
	c.slots[head] = slot{tileIndex: unassigned, prev: noSlot, next: tail}
	c.slots[tail] = slot{tileIndex: unassigned, prev: head, next: noSlot}

	c.freeHead = noSlot
	for i := len(c.slots) - 1; i >= 2; i-- {
		c.slots[i] = slot{
			tileIndex: unassigned,
			prev:      noSlot,
			next:      noSlot,
			nextFree:  c.freeHead,
			buf:       make([]byte, tileSize),
		}
		c.freeHead = int32(i)
	}
	return c
}

// Capacity returns the number of working slots.
func (c *Cache) Capacity() int { return len(c.slots) - 2 }

// Resident returns the number of tiles currently cached.
func (c *Cache) Resident() int {
	n := 0
	for i := 2; i < len(c.slots); i++ {
		if c.slots[i].tileIndex != unassigned {
			n++
		}
	}
	return n
}

// Counters returns a snapshot of the cache's activity counters.
func (c *Cache) Counters() Counters { return c.counters }

func (c *Cache) bucketFor(tileIndex int) uint32 {
	// Fibonacci multiplicative hash; tile indexes are small dense ints
	return uint32((uint64(uint32(tileIndex))*0x9E3779B97F4A7C15)>>33) & c.mask
}

func (c *Cache) lookup(tileIndex int) int32 {
	for _, e := range c.buckets[c.bucketFor(tileIndex)] {
		if e.tileIndex == tileIndex {
			return e.slot
		}
	}
	return noSlot
}

func (c *Cache) indexInsert(tileIndex int, s int32) {
	b := c.bucketFor(tileIndex)
	c.buckets[b] = append(c.buckets[b], bucketEntry{tileIndex: tileIndex, slot: s})
}

func (c *Cache) indexRemove(tileIndex int) {
	b := c.bucketFor(tileIndex)
	entries := c.buckets[b]
	for i, e := range entries {
		if e.tileIndex == tileIndex {
			// swap-last keeps removal O(1) within the bucket
			entries[i] = entries[len(entries)-1]
			c.buckets[b] = entries[:len(entries)-1]
			return
		}
	}
}

func (c *Cache) unlink(s int32) {
	sl := &c.slots[s]
	c.slots[sl.prev].next = sl.next
	c.slots[sl.next].prev = sl.prev
}

func (c *Cache) linkFront(s int32) {
	first := c.slots[head].next
	c.slots[s].prev = head
	c.slots[s].next = first
	c.slots[first].prev = s
	c.slots[head].next = s
}

func (c *Cache) toFreeList(s int32) {
	sl := &c.slots[s]
	sl.tileIndex = unassigned
	sl.dirty = false
	sl.nextFree = c.freeHead
	c.freeHead = s
}

// takeSlot returns a detached slot: off the free list when one remains,
// otherwise the least recently used resident slot, flushed first if
// dirty.
func (c *Cache) takeSlot() (int32, error) {
	if c.freeHead != noSlot {
		s := c.freeHead
		c.freeHead = c.slots[s].nextFree
		c.slots[s].nextFree = noSlot
		return s, nil
	}

	s := c.slots[tail].prev
	if s == head {
		return noSlot, fmt.Errorf("tilecache: no evictable slot")
	}
	sl := &c.slots[s]
	if sl.dirty {
		if err := c.io.FlushTile(sl.tileIndex, sl.buf); err != nil {
			return noSlot, fmt.Errorf("flush evicted tile %d: %w", sl.tileIndex, err)
		}
		c.counters.TileWrites++
		sl.dirty = false
	}
	c.counters.Evictions++
	c.indexRemove(sl.tileIndex)
	c.unlink(s)
	sl.tileIndex = unassigned
	return s, nil
}

// Fetch returns the buffer of the given tile, reading and decoding it if
// necessary.  found is false, with no error, when the tile has never been
// written; the caller substitutes fill values.
func (c *Cache) Fetch(tileIndex int) (buf []byte, found bool, err error) {
	c.counters.Fetches++

	if s := c.lookup(tileIndex); s != noSlot {
		c.counters.Hits++
		c.unlink(s)
		c.linkFront(s)
		return c.slots[s].buf, true, nil
	}

	s, err := c.takeSlot()
	if err != nil {
		return nil, false, err
	}
	sl := &c.slots[s]

	loaded, err := c.io.LoadTile(tileIndex, sl.buf)
	if err != nil || !loaded {
		// never leave a partially decoded tile resident
		c.toFreeList(s)
		return nil, false, err
	}
	c.counters.TileReads++

	sl.tileIndex = tileIndex
	c.indexInsert(tileIndex, s)
	c.linkFront(s)
	return sl.buf, true, nil
}

// FetchForWrite is Fetch for mutation: a tile that has never been written
// is materialized by init (which fills the buffer with element fill
// values) and the returned slot is marked dirty either way.
func (c *Cache) FetchForWrite(tileIndex int, init func(buf []byte)) ([]byte, error) {
	c.counters.Fetches++

	if s := c.lookup(tileIndex); s != noSlot {
		c.counters.Hits++
		c.unlink(s)
		c.linkFront(s)
		c.slots[s].dirty = true
		return c.slots[s].buf, nil
	}

	s, err := c.takeSlot()
	if err != nil {
		return nil, err
	}
	sl := &c.slots[s]

	loaded, err := c.io.LoadTile(tileIndex, sl.buf)
	if err != nil {
		c.toFreeList(s)
		return nil, err
	}
	if !loaded {
		init(sl.buf)
	} else {
		c.counters.TileReads++
	}

	sl.tileIndex = tileIndex
	sl.dirty = true
	c.indexInsert(tileIndex, s)
	c.linkFront(s)
	return sl.buf, nil
}

// Flush writes out every dirty resident tile.  Buffers stay resident.
func (c *Cache) Flush() error {
	for s := c.slots[head].next; s != tail; s = c.slots[s].next {
		sl := &c.slots[s]
		if !sl.dirty {
			continue
		}
		if err := c.io.FlushTile(sl.tileIndex, sl.buf); err != nil {
			return fmt.Errorf("flush tile %d: %w", sl.tileIndex, err)
		}
		c.counters.TileWrites++
		sl.dirty = false
	}
	return nil
}
