// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package tilecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeIO backs the cache with an in-memory tile map and records every
// load so tests can assert on file traffic.
type fakeIO struct {
	tiles   map[int][]byte
	loads   []int
	flushes []int
	failOn  int // tile index whose load fails; -1 for none
}

func newFakeIO() *fakeIO {
	return &fakeIO{tiles: make(map[int][]byte), failOn: -1}
}

func (f *fakeIO) LoadTile(tileIndex int, buf []byte) (bool, error) {
	if tileIndex == f.failOn {
		return false, errors.New("injected decode failure")
	}
	f.loads = append(f.loads, tileIndex)
	data, ok := f.tiles[tileIndex]
	if !ok {
		return false, nil
	}
	copy(buf, data)
	return true, nil
}

func (f *fakeIO) FlushTile(tileIndex int, buf []byte) error {
	f.flushes = append(f.flushes, tileIndex)
	f.tiles[tileIndex] = append([]byte(nil), buf...)
	return nil
}

func (f *fakeIO) seed(tileIndex, size int) {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(tileIndex))
	f.tiles[tileIndex] = buf
}

const testTileSize = 16

func TestCapacityPresets(t *testing.T) {
	require.Equal(t, 4, SizeSmall.Capacity(100, 100))
	require.Equal(t, 9, SizeMedium.Capacity(100, 100))
	require.Equal(t, 100, SizeLarge.Capacity(40, 100))
	require.Equal(t, 200, SizeExtraLarge.Capacity(40, 100))

	// floor of 4 for degenerate grids
	require.Equal(t, 4, SizeLarge.Capacity(1, 1))
	require.Equal(t, 4, SizeExtraLarge.Capacity(1, 1))
}

func TestFetchHitAvoidsFileRead(t *testing.T) {
	io := newFakeIO()
	io.seed(7, testTileSize)
	c := New(io, 4, testTileSize)

	buf, found, err := c.Fetch(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf))
	require.Equal(t, []int{7}, io.loads)

	_, found, err = c.Fetch(7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []int{7}, io.loads, "re-fetch must not touch the file")

	counters := c.Counters()
	require.Equal(t, int64(2), counters.Fetches)
	require.Equal(t, int64(1), counters.Hits)
}

func TestAbsentTileIsNotAnError(t *testing.T) {
	io := newFakeIO()
	c := New(io, 4, testTileSize)

	buf, found, err := c.Fetch(3)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, buf)

	// the probed slot went back to the free list, not the recency list
	require.Zero(t, c.Resident())
}

func TestEvictionIsLRU(t *testing.T) {
	io := newFakeIO()
	for i := 0; i < 8; i++ {
		io.seed(i, testTileSize)
	}
	c := New(io, 4, testTileSize)

	// fill: LRU order (oldest first) is now 0,1,2,3
	for i := 0; i < 4; i++ {
		_, _, err := c.Fetch(i)
		require.NoError(t, err)
	}
	require.Equal(t, 4, c.Resident())

	// touch 0 so 1 becomes least recently used
	_, _, err := c.Fetch(0)
	require.NoError(t, err)

	_, _, err = c.Fetch(4)
	require.NoError(t, err)
	require.Equal(t, 4, c.Resident(), "capacity must never be exceeded")

	// 1 was evicted: fetching it again reads the file; 0 did not
	io.loads = nil
	_, _, err = c.Fetch(0)
	require.NoError(t, err)
	require.Empty(t, io.loads)
	_, _, err = c.Fetch(1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, io.loads)
}

func TestSyntheticAccessTrace(t *testing.T) {
	io := newFakeIO()
	nTiles := 12
	for i := 0; i < nTiles; i++ {
		io.seed(i, testTileSize)
	}
	capacity := 4
	c := New(io, capacity, testTileSize)

	// reference LRU model
	var model []int // most recent last
	touch := func(idx int) (hit bool) {
		for i, v := range model {
			if v == idx {
				model = append(append(model[:i:i], model[i+1:]...), idx)
				return true
			}
		}
		if len(model) == capacity {
			model = model[1:]
		}
		model = append(model, idx)
		return false
	}

	trace := []int{0, 1, 2, 3, 0, 4, 5, 1, 1, 6, 0, 7, 8, 2, 3, 9, 10, 11, 0, 5, 5, 4}
	for step, idx := range trace {
		wantHit := touch(idx)
		before := len(io.loads)
		_, found, err := c.Fetch(idx)
		require.NoError(t, err, "step %d", step)
		require.True(t, found)
		if wantHit {
			require.Equal(t, before, len(io.loads), "step %d: expected hit for tile %d", step, idx)
		} else {
			require.Equal(t, before+1, len(io.loads), "step %d: expected miss for tile %d", step, idx)
		}
		require.LessOrEqual(t, c.Resident(), capacity, "step %d", step)
	}
}

func TestFailedDecodeReleasesSlot(t *testing.T) {
	io := newFakeIO()
	io.seed(1, testTileSize)
	io.failOn = 2
	c := New(io, 2, testTileSize)

	_, _, err := c.Fetch(2)
	require.Error(t, err)
	require.Zero(t, c.Resident())

	// the slot is reusable afterwards
	_, found, err := c.Fetch(1)
	require.NoError(t, err)
	require.True(t, found)
}

func TestFetchForWriteMaterializesAndFlushes(t *testing.T) {
	io := newFakeIO()
	c := New(io, 2, testTileSize)

	buf, err := c.FetchForWrite(5, func(b []byte) {
		for i := range b {
			b[i] = 0xEE
		}
	})
	require.NoError(t, err)
	require.Equal(t, byte(0xEE), buf[0])
	binary.LittleEndian.PutUint32(buf, 555)

	require.NoError(t, c.Flush())
	require.Equal(t, []int{5}, io.flushes)
	require.Equal(t, uint32(555), binary.LittleEndian.Uint32(io.tiles[5]))

	// clean after flush: a second flush writes nothing
	require.NoError(t, c.Flush())
	require.Equal(t, []int{5}, io.flushes)
}

func TestDirtyTileFlushedOnEviction(t *testing.T) {
	io := newFakeIO()
	for i := 0; i < 3; i++ {
		io.seed(i, testTileSize)
	}
	c := New(io, 2, testTileSize)

	buf, err := c.FetchForWrite(0, func(b []byte) {})
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf, 42)

	_, _, err = c.Fetch(1)
	require.NoError(t, err)
	_, _, err = c.Fetch(2) // evicts dirty tile 0
	require.NoError(t, err)

	require.Equal(t, []int{0}, io.flushes)
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(io.tiles[0]))
}

func TestManyTilesStressHashIndex(t *testing.T) {
	io := newFakeIO()
	capacity := 64
	c := New(io, capacity, testTileSize)

	for round := 0; round < 3; round++ {
		for i := 0; i < 1000; i++ {
			buf, err := c.FetchForWrite(i, func(b []byte) {
				binary.LittleEndian.PutUint32(b, uint32(i))
			})
			require.NoError(t, err)
			require.Equal(t, uint32(i), binary.LittleEndian.Uint32(buf), fmt.Sprintf("round %d tile %d", round, i))
			require.LessOrEqual(t, c.Resident(), capacity)
		}
	}
}
