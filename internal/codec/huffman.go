// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bpowers/gridfile/internal/bitio"
)

// huffmanCodec entropy-codes predictor residual bytes with a per-block
// Huffman code.  Packing layout (after the compressor-index byte):
//
//	[predictor u8][seed i32 LE][symbol count i32 LE][bit stream]
//
// where the bit stream is a 1-bit degenerate flag, then either a single
// 8-bit symbol (degenerate, one distinct byte value) or the pre-order
// serialized tree followed by the coded symbols.
type huffmanCodec struct{}

// ID of the built-in Huffman codec.
const HuffmanID = "huffman"

func (huffmanCodec) ID() string { return HuffmanID }

const huffHeaderSize = 1 + 4 + 4

// Tree traversal uses explicit stacks sized for the format bound of 256
// distinct symbols (max code depth 255).  The bound is a property of the
// format, not a convenience: skewed frequency distributions legally
// produce maximally deep trees.
const huffMaxStack = 256

func (huffmanCodec) EncodeInts(nRows, nCols int, values []int32) []byte {
	if len(values) != nRows*nCols || len(values) < 2 {
		return nil
	}
	var best []byte
	for _, p := range []int{predictorDifferencing, predictorLinear, predictorTriangle} {
		residuals := encodeResiduals(p, nRows, nCols, values)
		if residuals == nil {
			continue
		}
		bits := huffEncode(residuals)

		packing := make([]byte, huffHeaderSize, huffHeaderSize+len(bits))
		packing[0] = byte(p)
		binary.LittleEndian.PutUint32(packing[1:5], uint32(values[0]))
		binary.LittleEndian.PutUint32(packing[5:9], uint32(len(residuals)))
		packing = append(packing, bits...)

		if best == nil || len(packing) < len(best) {
			best = packing
		}
	}
	return best
}

func (huffmanCodec) DecodeInts(nRows, nCols int, packing []byte) ([]int32, error) {
	if len(packing) < huffHeaderSize {
		return nil, fmt.Errorf("huffman packing %d bytes: %w", len(packing), ErrMalformedPacking)
	}
	predictor := int(packing[0])
	seed := int32(binary.LittleEndian.Uint32(packing[1:5]))
	nSymbols := int(int32(binary.LittleEndian.Uint32(packing[5:9])))
	// residuals are M32, at most 6 bytes per cell
	if nSymbols < 0 || nSymbols > nRows*nCols*6 {
		return nil, fmt.Errorf("huffman symbol count %d for %dx%d block: %w", nSymbols, nRows, nCols, ErrMalformedPacking)
	}
	residuals, err := huffDecode(packing[huffHeaderSize:], nSymbols)
	if err != nil {
		return nil, err
	}
	return decodeResiduals(predictor, nRows, nCols, seed, residuals)
}

// huffNode is a tree node in the build arena; leaves have left == -1.
type huffNode struct {
	symbol int16
	count  int
	left   int32
	right  int32
}

// huffEncode entropy-codes data into a self-describing bit stream.
func huffEncode(data []byte) []byte {
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	w := bitio.NewWriter(len(data)/2 + 16)

	leaves := make([]int32, 0, 256)
	nodes := make([]huffNode, 0, 511)
	for sym, n := range counts {
		if n > 0 {
			nodes = append(nodes, huffNode{symbol: int16(sym), count: n, left: -1, right: -1})
			leaves = append(leaves, int32(len(nodes)-1))
		}
	}

	if len(leaves) == 1 {
		// one distinct symbol: no tree, no per-symbol bits
		w.AppendBit(1)
		w.AppendByte(byte(nodes[leaves[0]].symbol))
		return w.Bytes()
	}
	w.AppendBit(0)

	nodes, root := huffBuildTree(nodes, leaves)

	// code table via iterative pre-order walk
	var codeLen [256]int
	var codeBits [256][]byte
	type walkFrame struct {
		node  int32
		depth int
		bit   byte
	}
	var path [huffMaxStack]byte
	stack := make([]walkFrame, 0, huffMaxStack)
	stack = append(stack, walkFrame{node: root})
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth > 0 {
			path[f.depth-1] = f.bit
		}
		n := &nodes[f.node]
		if n.left < 0 {
			codeLen[n.symbol] = f.depth
			codeBits[n.symbol] = append([]byte(nil), path[:f.depth]...)
			continue
		}
		stack = append(stack, walkFrame{node: n.right, depth: f.depth + 1, bit: 1})
		stack = append(stack, walkFrame{node: n.left, depth: f.depth + 1, bit: 0})
	}

	huffSerializeTree(w, nodes, root)

	for _, b := range data {
		for _, bit := range codeBits[b][:codeLen[b]] {
			w.AppendBit(int(bit))
		}
	}
	return w.Bytes()
}

// huffBuildTree merges leaves into a binary tree using two sorted arrays
// rather than a heap: leaves sorted ascending by frequency, and a FIFO of
// merged nodes whose counts are nondecreasing by construction.  The two
// smallest available nodes are always at one of the two heads.
func huffBuildTree(nodes []huffNode, leaves []int32) ([]huffNode, int32) {
	sort.Slice(leaves, func(i, j int) bool {
		a, b := nodes[leaves[i]], nodes[leaves[j]]
		if a.count != b.count {
			return a.count < b.count
		}
		return a.symbol < b.symbol
	})

	merged := make([]int32, 0, len(leaves)-1)
	li, mi := 0, 0

	pop := func() int32 {
		if li < len(leaves) && (mi >= len(merged) || nodes[leaves[li]].count <= nodes[merged[mi]].count) {
			li++
			return leaves[li-1]
		}
		mi++
		return merged[mi-1]
	}

	remaining := len(leaves)
	for remaining > 1 {
		a := pop()
		b := pop()
		nodes = append(nodes, huffNode{symbol: -1, count: nodes[a].count + nodes[b].count, left: a, right: b})
		merged = append(merged, int32(len(nodes)-1))
		remaining--
	}
	return nodes, pop()
}

// huffSerializeTree writes the tree pre-order: 0 = branch (left subtree
// then right follows), 1 = leaf followed by its 8-bit symbol.
func huffSerializeTree(w *bitio.Writer, nodes []huffNode, root int32) {
	stack := make([]int32, 0, huffMaxStack)
	stack = append(stack, root)
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &nodes[idx]
		if n.left < 0 {
			w.AppendBit(1)
			w.AppendByte(byte(n.symbol))
			continue
		}
		w.AppendBit(0)
		stack = append(stack, n.right)
		stack = append(stack, n.left)
	}
}

// The decode trie is a flat array of triples: [symbol-or-minus-one,
// left-child, right-child], indexed by triple number.
const trieBranch = -1

// huffDecode reverses huffEncode, producing exactly nSymbols bytes.
func huffDecode(bits []byte, nSymbols int) ([]byte, error) {
	r := bitio.NewReader(bits)
	flag, err := r.Bit()
	if err != nil {
		return nil, fmt.Errorf("huffman flag: %w", err)
	}

	out := make([]byte, nSymbols)

	if flag == 1 {
		sym, err := r.Byte()
		if err != nil {
			return nil, fmt.Errorf("huffman degenerate symbol: %w", err)
		}
		for i := range out {
			out[i] = sym
		}
		return out, nil
	}

	trie, err := huffParseTree(r)
	if err != nil {
		return nil, err
	}

	for i := 0; i < nSymbols; i++ {
		node := int32(0)
		for trie[3*node] == trieBranch {
			bit, err := r.Bit()
			if err != nil {
				return nil, fmt.Errorf("huffman symbol %d: %w", i, err)
			}
			if bit == 0 {
				node = trie[3*node+1]
			} else {
				node = trie[3*node+2]
			}
		}
		out[i] = byte(trie[3*node])
	}
	return out, nil
}

// huffParseTree rebuilds the pre-order serialized tree as a flat trie,
// again with an explicit stack instead of recursion.
func huffParseTree(r *bitio.Reader) ([]int32, error) {
	trie := make([]int32, 0, 3*511)

	parseOne := func() (int32, error) {
		bit, err := r.Bit()
		if err != nil {
			return 0, fmt.Errorf("huffman tree: %w", err)
		}
		idx := int32(len(trie) / 3)
		if idx >= 511 {
			return 0, fmt.Errorf("huffman tree exceeds 511 nodes: %w", ErrMalformedPacking)
		}
		if bit == 1 {
			sym, err := r.Byte()
			if err != nil {
				return 0, fmt.Errorf("huffman leaf: %w", err)
			}
			trie = append(trie, int32(sym), -1, -1)
		} else {
			trie = append(trie, trieBranch, 0, 0)
		}
		return idx, nil
	}

	type pending struct {
		parent int32
		right  bool
	}

	root, err := parseOne()
	if err != nil {
		return nil, err
	}
	if trie[3*root] != trieBranch {
		return nil, fmt.Errorf("huffman tree root is a leaf: %w", ErrMalformedPacking)
	}

	stack := make([]pending, 0, huffMaxStack)
	stack = append(stack, pending{parent: root, right: true}, pending{parent: root, right: false})
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx, err := parseOne()
		if err != nil {
			return nil, err
		}
		if p.right {
			trie[3*p.parent+2] = idx
		} else {
			trie[3*p.parent+1] = idx
		}
		if trie[3*idx] == trieBranch {
			stack = append(stack, pending{parent: idx, right: true}, pending{parent: idx, right: false})
		}
	}
	return trie, nil
}
