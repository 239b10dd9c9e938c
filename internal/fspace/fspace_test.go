// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package fspace

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHeaderSize = 64

func newTestManager(t *testing.T, checksums bool) (*Manager, *os.File) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "fspace.data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	// reserve a fake store header region
	_, err = f.WriteAt(make([]byte, testHeaderSize), 0)
	require.NoError(t, err)

	return NewManager(f, testHeaderSize, checksums), f
}

// checkInvariants verifies that free blocks plus live records tile the
// file extent exactly, and that no two free blocks abut.
func checkInvariants(t *testing.T, m *Manager, f *os.File) {
	t.Helper()

	pos := int64(testHeaderSize)
	free := m.FreeBlocks()
	fi := 0
	var lastWasFree bool
	for pos < m.FileSize() {
		var header [8]byte
		_, err := f.ReadAt(header[:], pos)
		require.NoError(t, err)
		size := int64(binary.LittleEndian.Uint32(header[:4]))
		require.Greater(t, size, int64(0), "zero-size record at %d", pos)
		require.Zero(t, size%8, "unaligned record at %d", pos)

		if RecordType(header[4]) == RecordFree {
			require.Less(t, fi, len(free), "free block at %d missing from list", pos)
			require.Equal(t, free[fi].Pos, pos)
			require.Equal(t, free[fi].Size, size)
			require.False(t, lastWasFree, "adjacent free blocks at %d", pos)
			lastWasFree = true
			fi++
		} else {
			lastWasFree = false
		}
		pos += size
	}
	require.Equal(t, m.FileSize(), pos, "records do not tile the file")
	require.Equal(t, len(free), fi, "free list has phantom entries")
}

func TestAllocFinishReadBack(t *testing.T) {
	for _, checksums := range []bool{false, true} {
		m, f := newTestManager(t, checksums)

		content := []byte("hello, tiled world")
		pos, err := m.Alloc(RecordTile, len(content))
		require.NoError(t, err)
		require.Zero(t, pos%8, "content positions are 8-aligned")

		_, err = f.WriteAt(content, pos)
		require.NoError(t, err)
		require.NoError(t, m.Finish(pos))

		got, err := m.ReadRecord(pos, RecordTile)
		require.NoError(t, err)
		require.Equal(t, content, got[:len(content)])

		// padding beyond the content is zeroed
		for _, b := range got[len(content):] {
			require.Zero(t, b)
		}

		_, err = m.ReadRecord(pos, RecordMetadata)
		require.ErrorIs(t, err, ErrBadRecord)

		checkInvariants(t, m, f)
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	m, f := newTestManager(t, true)

	content := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	pos, err := m.WriteRecord(RecordMetadata, content)
	require.NoError(t, err)

	// flip a content byte behind the allocator's back
	_, err = f.WriteAt([]byte{0xFF}, pos+2)
	require.NoError(t, err)

	_, err = m.ReadRecord(pos, RecordMetadata)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestDeallocMerges(t *testing.T) {
	m, f := newTestManager(t, false)

	var positions []int64
	for i := 0; i < 5; i++ {
		pos, err := m.WriteRecord(RecordTile, make([]byte, 100))
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	// free middle, then left neighbor (right-merge), then right neighbor
	// (left-merge), then both outer neighbors
	require.NoError(t, m.Dealloc(positions[2]))
	require.Len(t, m.FreeBlocks(), 1)
	checkInvariants(t, m, f)

	require.NoError(t, m.Dealloc(positions[1]))
	require.Len(t, m.FreeBlocks(), 1, "expected right merge")
	checkInvariants(t, m, f)

	require.NoError(t, m.Dealloc(positions[3]))
	require.Len(t, m.FreeBlocks(), 1, "expected left merge")
	checkInvariants(t, m, f)

	require.NoError(t, m.Dealloc(positions[0]))
	require.NoError(t, m.Dealloc(positions[4]))
	require.Len(t, m.FreeBlocks(), 1, "expected full merge")
	checkInvariants(t, m, f)
}

func TestDoubleDeallocIsNoop(t *testing.T) {
	m, f := newTestManager(t, false)

	p0, err := m.WriteRecord(RecordTile, make([]byte, 64))
	require.NoError(t, err)
	_, err = m.WriteRecord(RecordTile, make([]byte, 64))
	require.NoError(t, err)

	require.NoError(t, m.Dealloc(p0))
	before := m.FreeBlocks()
	require.NoError(t, m.Dealloc(p0))
	require.Equal(t, before, m.FreeBlocks())
	checkInvariants(t, m, f)
}

func TestDoubleDeallocAfterMergeIsNoop(t *testing.T) {
	m, f := newTestManager(t, false)

	var positions []int64
	for i := 0; i < 4; i++ {
		pos, err := m.WriteRecord(RecordTile, make([]byte, 64))
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	// the second dealloc left-merges, leaving the swallowed record's
	// stale header on disk; deallocating it again must still be a no-op
	require.NoError(t, m.Dealloc(positions[0]))
	require.NoError(t, m.Dealloc(positions[1]))
	require.Len(t, m.FreeBlocks(), 1, "expected left merge")

	before := m.FreeBlocks()
	require.NoError(t, m.Dealloc(positions[1]))
	require.Equal(t, before, m.FreeBlocks())
	checkInvariants(t, m, f)

	// same for a record swallowed by a right merge
	require.NoError(t, m.Dealloc(positions[3]))
	require.NoError(t, m.Dealloc(positions[2]))
	require.Len(t, m.FreeBlocks(), 2, "expected right merge")

	before = m.FreeBlocks()
	require.NoError(t, m.Dealloc(positions[2]))
	require.NoError(t, m.Dealloc(positions[3]))
	require.Equal(t, before, m.FreeBlocks())
	checkInvariants(t, m, f)
}

func TestExactSizeReuse(t *testing.T) {
	m, f := newTestManager(t, false)

	p0, err := m.WriteRecord(RecordTile, make([]byte, 200))
	require.NoError(t, err)
	_, err = m.WriteRecord(RecordTile, make([]byte, 64))
	require.NoError(t, err)

	require.NoError(t, m.Dealloc(p0))
	size := m.FileSize()

	p2, err := m.Alloc(RecordTile, 200)
	require.NoError(t, err)
	require.Equal(t, p0, p2, "dealloc then same-size alloc must reuse the block")
	require.Equal(t, size, m.FileSize(), "no growth on exact reuse")
	require.NoError(t, m.Finish(p2))
	checkInvariants(t, m, f)
}

func TestOversizedBlockSplits(t *testing.T) {
	m, f := newTestManager(t, false)

	p0, err := m.WriteRecord(RecordTile, make([]byte, 1000))
	require.NoError(t, err)
	_, err = m.WriteRecord(RecordTile, make([]byte, 64))
	require.NoError(t, err)

	require.NoError(t, m.Dealloc(p0))
	p2, err := m.Alloc(RecordTile, 100)
	require.NoError(t, err)
	require.Equal(t, p0, p2, "allocation takes the front of the free block")
	require.NoError(t, m.Finish(p2))

	require.Len(t, m.FreeBlocks(), 1, "remainder stays free")
	checkInvariants(t, m, f)
}

func TestTrailingFreeBlockAbsorbed(t *testing.T) {
	m, f := newTestManager(t, false)

	p0, err := m.WriteRecord(RecordTile, make([]byte, 40))
	require.NoError(t, err)
	require.NoError(t, m.Dealloc(p0))

	sizeBefore := m.FileSize()
	p1, err := m.Alloc(RecordTile, 4000)
	require.NoError(t, err)
	require.Equal(t, p0, p1, "trailing free block absorbed into extension")
	require.Greater(t, m.FileSize(), sizeBefore)
	require.Empty(t, m.FreeBlocks())
	require.NoError(t, m.Finish(p1))
	checkInvariants(t, m, f)
}

func TestRandomizedAllocDealloc(t *testing.T) {
	m, f := newTestManager(t, true)
	rnd := rand.New(rand.NewSource(17))

	live := make(map[int64]int)
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rnd.Intn(3) > 0 {
			n := 8 + rnd.Intn(2000)
			pos, err := m.Alloc(RecordTile, n)
			require.NoError(t, err)
			buf := make([]byte, n)
			rnd.Read(buf)
			_, err = f.WriteAt(buf, pos)
			require.NoError(t, err)
			require.NoError(t, m.Finish(pos))
			live[pos] = n
		} else {
			var victim int64
			for pos := range live {
				victim = pos
				break
			}
			require.NoError(t, m.Dealloc(victim))
			delete(live, victim)
		}

		if i%37 == 0 {
			checkInvariants(t, m, f)
		}
	}
	checkInvariants(t, m, f)

	// every surviving record still reads back clean
	for pos, n := range live {
		content, err := m.ReadRecord(pos, RecordTile)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(content), n)
	}
}

func TestFreeListPersistenceRoundTrip(t *testing.T) {
	m, f := newTestManager(t, false)

	var positions []int64
	for i := 0; i < 6; i++ {
		pos, err := m.WriteRecord(RecordTile, make([]byte, 100+i*50))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, m.Dealloc(positions[1]))
	require.NoError(t, m.Dealloc(positions[4]))

	want := m.FreeBlocks()
	encoded := m.EncodeFreeList()

	blocks, err := ParseFreeList(encoded)
	require.NoError(t, err)
	require.Equal(t, want, blocks)

	m2 := NewManager(f, m.FileSize(), false)
	require.NoError(t, m2.Restore(blocks))
	require.Equal(t, want, m2.FreeBlocks())
	checkInvariants(t, m2, f)
}

func TestRestoreRejectsBadBlocks(t *testing.T) {
	m, _ := newTestManager(t, false)
	require.ErrorIs(t, m.Restore([]FreeBlock{{Pos: 8, Size: 7}}), ErrBadRecord)
	require.ErrorIs(t, m.Restore([]FreeBlock{{Pos: 1 << 40, Size: 64}}), ErrBadRecord)
}

func TestFinishUnknownPos(t *testing.T) {
	m, _ := newTestManager(t, false)
	require.ErrorIs(t, m.Finish(12345), ErrUnfinishedAlloc)
}
