// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gridfile-info prints the header and shape of a gridfile store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpowers/gridfile"
)

func main() {
	showElements := pflag.BoolP("elements", "e", false, "describe each element in detail")
	sample := pflag.Int("sample", 0, "read the first N cells of element 0 and print min/max")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] STORE\n\nflags:\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	if err := run(pflag.Arg(0), *showElements, *sample); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run(path string, showElements bool, sample int) error {
	s, err := gridfile.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	sum := s.Summarize()
	fmt.Printf("store:     %s\n", path)
	fmt.Printf("uuid:      %s\n", sum.UUID)
	if label := s.ProductLabel(); label != "" {
		fmt.Printf("label:     %s\n", label)
	}
	fmt.Printf("grid:      %d rows x %d cols\n", sum.Rows, sum.Cols)
	fmt.Printf("tile:      %d x %d cells\n", sum.TileRows, sum.TileCols)
	rowsOfTiles := (sum.Rows + sum.TileRows - 1) / sum.TileRows
	colsOfTiles := (sum.Cols + sum.TileCols - 1) / sum.TileCols
	fmt.Printf("tiles:     %d populated of %d\n", sum.PopulatedTiles, rowsOfTiles*colsOfTiles)
	fmt.Printf("file size: %d bytes\n", sum.FileSize)

	elements := s.Elements()
	if !showElements {
		fmt.Printf("elements:  %d\n", len(elements))
	} else {
		for i, e := range elements {
			fmt.Printf("element %d: %s (%s)\n", i, e.Name(), e.Type())
			if e.Label() != "" {
				fmt.Printf("  label:       %s\n", e.Label())
			}
			if e.Description() != "" {
				fmt.Printf("  description: %s\n", e.Description())
			}
			if e.Unit() != "" {
				fmt.Printf("  unit:        %s\n", e.Unit())
			}
			fmt.Printf("  continuous:  %v\n", e.Continuous())
		}
	}

	if sample > 0 {
		if err := printSample(s, sample); err != nil {
			return err
		}
	}
	return nil
}

func printSample(s *gridfile.Store, n int) error {
	minV, maxV := float32(0), float32(0)
	read := 0
	for row := 0; row < s.Rows() && read < n; row++ {
		for col := 0; col < s.Cols() && read < n; col++ {
			v, err := s.ReadFloat(0, row, col)
			if err != nil {
				return fmt.Errorf("cell (%d,%d): %w", row, col, err)
			}
			if read == 0 || v < minV {
				minV = v
			}
			if read == 0 || v > maxV {
				maxV = v
			}
			read++
		}
	}
	fmt.Printf("sample:    %d cells, min %g, max %g\n", read, minV, maxV)
	return nil
}
