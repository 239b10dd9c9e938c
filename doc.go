// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package gridfile implements a file-backed store for very large tiled
// 2-D raster datasets.
//
// A store holds one or more named, typed elements (int32, int16,
// float32, or float quantized to an int32 code) sampled on a regular
// grid.  The grid is partitioned into fixed-size tiles; individual cells
// are read and written at random through a bounded in-memory tile cache,
// so a raster far larger than memory stays usable.  Tiles compress
// transparently through a small codec framework (predictive Huffman
// coding for integral data, snappy and zstd for everything else), and
// the space freed when a tile is rewritten is recycled by an in-file
// allocator.
//
// Create a store with a StoreSpec, then reopen it later with Open (for
// reading) or OpenWriter:
//
//	spec, _ := gridfile.NewStoreSpec(500, 500, 64, 64)
//	_ = spec.AddElement(gridfile.NewIntElement("elevation", -500, 9000, -1))
//	s, err := spec.Create("elevation.gridfile")
//	...
//	err = s.WriteInt(0, row, col, v)
//	...
//	err = s.Close()
//
// A Store is not safe for concurrent use.
package gridfile
