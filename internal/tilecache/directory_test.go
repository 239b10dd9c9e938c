// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package tilecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryGrowth(t *testing.T) {
	d := NewDirectory(10, 10)
	require.Zero(t, d.Offset(55))
	require.Zero(t, d.CountPopulated())

	// first write establishes a 1x1 window
	require.NoError(t, d.SetOffset(55, 800))
	require.Equal(t, int64(800), d.Offset(55))
	require.Equal(t, 1, d.CountPopulated())

	// grow in every direction
	require.NoError(t, d.SetOffset(0, 808))    // up-left
	require.NoError(t, d.SetOffset(99, 816))   // down-right
	require.NoError(t, d.SetOffset(9, 824))    // top-right corner
	require.NoError(t, d.SetOffset(90, 832))   // bottom-left corner

	require.Equal(t, int64(800), d.Offset(55))
	require.Equal(t, int64(808), d.Offset(0))
	require.Equal(t, int64(816), d.Offset(99))
	require.Equal(t, int64(824), d.Offset(9))
	require.Equal(t, int64(832), d.Offset(90))
	require.Equal(t, 5, d.CountPopulated())

	// untouched tiles inside the window stay unpopulated
	require.Zero(t, d.Offset(44))
}

func TestDirectoryBounds(t *testing.T) {
	d := NewDirectory(4, 4)
	require.ErrorIs(t, d.SetOffset(16, 800), ErrBadDirectory)
	require.ErrorIs(t, d.SetOffset(-1, 800), ErrBadDirectory)
	require.ErrorIs(t, d.SetOffset(3, 801), ErrBadDirectory, "unaligned offset")
}

func TestDirectoryEncodeParseCompact(t *testing.T) {
	d := NewDirectory(8, 8)
	require.NoError(t, d.SetOffset(9, 1024))
	require.NoError(t, d.SetOffset(18, 2048))
	require.False(t, d.Extended())

	got, err := ParseDirectory(d.Encode(), 8, 8)
	require.NoError(t, err)
	require.False(t, got.Extended())
	require.Equal(t, int64(1024), got.Offset(9))
	require.Equal(t, int64(2048), got.Offset(18))
	require.Equal(t, 2, got.CountPopulated())
	require.Zero(t, got.Offset(10))
}

func TestDirectoryExtendedUpgrade(t *testing.T) {
	d := NewDirectory(8, 8)
	require.NoError(t, d.SetOffset(1, 1024))

	// an offset beyond 32 GiB forces the 8-byte representation
	big := maxCompactOffset + 8
	require.NoError(t, d.SetOffset(2, big))
	require.True(t, d.Extended())

	got, err := ParseDirectory(d.Encode(), 8, 8)
	require.NoError(t, err)
	require.True(t, got.Extended())
	require.Equal(t, int64(1024), got.Offset(1))
	require.Equal(t, big, got.Offset(2))

	// the upgrade is one way
	require.NoError(t, d.SetOffset(3, 800))
	require.True(t, d.Extended())
}

func TestDirectoryParseRejectsGarbage(t *testing.T) {
	_, err := ParseDirectory([]byte{1, 0, 0}, 4, 4)
	require.ErrorIs(t, err, ErrBadDirectory)

	d := NewDirectory(8, 8)
	require.NoError(t, d.SetOffset(63, 800))
	data := d.Encode()

	// wrong format version
	data[0] = 99
	_, err = ParseDirectory(data, 8, 8)
	require.ErrorIs(t, err, ErrBadDirectory)
	data[0] = directoryFormatVersion

	// window outside the grid claimed by the header
	_, err = ParseDirectory(data, 4, 4)
	require.ErrorIs(t, err, ErrBadDirectory)

	// truncated offset table
	_, err = ParseDirectory(data[:len(data)-2], 8, 8)
	require.ErrorIs(t, err, ErrBadDirectory)
}

func TestDirectoryEmptyRoundTrip(t *testing.T) {
	d := NewDirectory(5, 5)
	got, err := ParseDirectory(d.Encode(), 5, 5)
	require.NoError(t, err)
	require.Zero(t, got.CountPopulated())
	require.Zero(t, got.Offset(12))
}
