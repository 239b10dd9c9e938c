// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package gridfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElementType identifies one of the four per-cell value kinds a store
// can hold.
type ElementType uint8

const (
	ElementInt ElementType = iota
	ElementIntCodedFloat
	ElementFloat
	ElementShort
)

func (t ElementType) String() string {
	switch t {
	case ElementInt:
		return "int"
	case ElementIntCodedFloat:
		return "int-coded-float"
	case ElementFloat:
		return "float"
	case ElementShort:
		return "short"
	default:
		return fmt.Sprintf("ElementType(%d)", uint8(t))
	}
}

// Element is a named, typed per-cell channel of a store.  The four
// implementations are IntElement, IntCodedFloatElement, FloatElement and
// ShortElement; outside packages cannot add more.
type Element interface {
	Name() string
	Type() ElementType
	Label() string
	Description() string
	Unit() string
	Continuous() bool

	// bytesPerCell is the width of one cell in the decoded tile buffer.
	bytesPerCell() int
	// integral reports whether the tile block compresses through the
	// integer codec path (predictors + Huffman) rather than the float path.
	integral() bool

	fillInt() int32
	fillFloat() float32

	readInt(block []byte, cell int) int32
	writeInt(block []byte, cell int, v int32)
	readFloat(block []byte, cell int) float32
	writeFloat(block []byte, cell int, v float32)

	sealed()
}

// elementInfo carries the descriptive fields shared by all element kinds.
type elementInfo struct {
	name        string
	label       string
	description string
	unit        string
	continuous  bool
}

func (e *elementInfo) Name() string        { return e.name }
func (e *elementInfo) Label() string       { return e.label }
func (e *elementInfo) Description() string { return e.description }
func (e *elementInfo) Unit() string        { return e.unit }
func (e *elementInfo) Continuous() bool    { return e.continuous }

// SetDescriptor attaches the optional human-readable fields.
func (e *elementInfo) SetDescriptor(label, description, unit string) {
	e.label = label
	e.description = description
	e.unit = unit
}

// SetContinuous marks the element as a sampled continuous surface rather
// than categorical data.  Interpolating readers use this as a hint.
func (e *elementInfo) SetContinuous(continuous bool) {
	e.continuous = continuous
}

func (e *elementInfo) sealed() {}

// IntElement stores one 32-bit signed integer per cell.
type IntElement struct {
	elementInfo
	MinValue  int32
	MaxValue  int32
	FillValue int32
}

// NewIntElement returns an int32 element.  The name is validated when the
// element is added to a StoreSpec.
func NewIntElement(name string, minValue, maxValue, fillValue int32) *IntElement {
	return &IntElement{
		elementInfo: elementInfo{name: name},
		MinValue:    minValue,
		MaxValue:    maxValue,
		FillValue:   fillValue,
	}
}

func (e *IntElement) Type() ElementType { return ElementInt }
func (e *IntElement) bytesPerCell() int { return 4 }
func (e *IntElement) integral() bool    { return true }
func (e *IntElement) fillInt() int32    { return e.FillValue }
func (e *IntElement) fillFloat() float32 {
	return float32(e.FillValue)
}

func (e *IntElement) readInt(block []byte, cell int) int32 {
	return int32(binary.LittleEndian.Uint32(block[4*cell:]))
}

func (e *IntElement) writeInt(block []byte, cell int, v int32) {
	binary.LittleEndian.PutUint32(block[4*cell:], uint32(v))
}

func (e *IntElement) readFloat(block []byte, cell int) float32 {
	return float32(e.readInt(block, cell))
}

func (e *IntElement) writeFloat(block []byte, cell int, v float32) {
	e.writeInt(block, cell, roundToInt32(float64(v)))
}

// ShortElement stores one 16-bit signed integer per cell.  It reads and
// writes through the int32 interface; stored values saturate at the
// int16 range.
type ShortElement struct {
	elementInfo
	MinValue  int16
	MaxValue  int16
	FillValue int16
}

func NewShortElement(name string, minValue, maxValue, fillValue int16) *ShortElement {
	return &ShortElement{
		elementInfo: elementInfo{name: name},
		MinValue:    minValue,
		MaxValue:    maxValue,
		FillValue:   fillValue,
	}
}

func (e *ShortElement) Type() ElementType { return ElementShort }
func (e *ShortElement) bytesPerCell() int { return 2 }
func (e *ShortElement) integral() bool    { return true }
func (e *ShortElement) fillInt() int32    { return int32(e.FillValue) }
func (e *ShortElement) fillFloat() float32 {
	return float32(e.FillValue)
}

func (e *ShortElement) readInt(block []byte, cell int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(block[2*cell:])))
}

func (e *ShortElement) writeInt(block []byte, cell int, v int32) {
	if v > math.MaxInt16 {
		v = math.MaxInt16
	} else if v < math.MinInt16 {
		v = math.MinInt16
	}
	binary.LittleEndian.PutUint16(block[2*cell:], uint16(int16(v)))
}

func (e *ShortElement) readFloat(block []byte, cell int) float32 {
	return float32(e.readInt(block, cell))
}

func (e *ShortElement) writeFloat(block []byte, cell int, v float32) {
	e.writeInt(block, cell, roundToInt32(float64(v)))
}

// FloatElement stores one IEEE 754 single per cell.
type FloatElement struct {
	elementInfo
	MinValue  float32
	MaxValue  float32
	FillValue float32
}

func NewFloatElement(name string, minValue, maxValue, fillValue float32) *FloatElement {
	return &FloatElement{
		elementInfo: elementInfo{name: name},
		MinValue:    minValue,
		MaxValue:    maxValue,
		FillValue:   fillValue,
	}
}

func (e *FloatElement) Type() ElementType { return ElementFloat }
func (e *FloatElement) bytesPerCell() int { return 4 }
func (e *FloatElement) integral() bool    { return false }
func (e *FloatElement) fillInt() int32 {
	return roundToInt32(float64(e.FillValue))
}
func (e *FloatElement) fillFloat() float32 { return e.FillValue }

func (e *FloatElement) readInt(block []byte, cell int) int32 {
	return roundToInt32(float64(e.readFloat(block, cell)))
}

func (e *FloatElement) writeInt(block []byte, cell int, v int32) {
	e.writeFloat(block, cell, float32(v))
}

func (e *FloatElement) readFloat(block []byte, cell int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(block[4*cell:]))
}

func (e *FloatElement) writeFloat(block []byte, cell int, v float32) {
	binary.LittleEndian.PutUint32(block[4*cell:], math.Float32bits(v))
}

// IntCodedFloatElement stores a float value quantized to an int32 code:
//
//	code  = round((value - Offset) * Scale)
//	value = code/Scale + Offset
//
// The int32 code is what lands in the tile buffer, so the block
// compresses through the integer codec path.
type IntCodedFloatElement struct {
	elementInfo
	MinValue  float32
	MaxValue  float32
	FillValue float32
	Scale     float64
	Offset    float64
}

func NewIntCodedFloatElement(name string, minValue, maxValue, fillValue float32, scale, offset float64) *IntCodedFloatElement {
	return &IntCodedFloatElement{
		elementInfo: elementInfo{name: name},
		MinValue:    minValue,
		MaxValue:    maxValue,
		FillValue:   fillValue,
		Scale:       scale,
		Offset:      offset,
	}
}

func (e *IntCodedFloatElement) Type() ElementType { return ElementIntCodedFloat }
func (e *IntCodedFloatElement) bytesPerCell() int { return 4 }
func (e *IntCodedFloatElement) integral() bool    { return true }

func (e *IntCodedFloatElement) encode(v float32) int32 {
	if math.IsNaN(float64(v)) {
		return math.MinInt32
	}
	return roundToInt32((float64(v) - e.Offset) * e.Scale)
}

func (e *IntCodedFloatElement) decode(code int32) float32 {
	if code == math.MinInt32 {
		return float32(math.NaN())
	}
	return float32(float64(code)/e.Scale + e.Offset)
}

func (e *IntCodedFloatElement) fillInt() int32     { return e.encode(e.FillValue) }
func (e *IntCodedFloatElement) fillFloat() float32 { return e.FillValue }

// readInt and writeInt expose the raw integer code, matching what the
// codecs see.
func (e *IntCodedFloatElement) readInt(block []byte, cell int) int32 {
	return int32(binary.LittleEndian.Uint32(block[4*cell:]))
}

func (e *IntCodedFloatElement) writeInt(block []byte, cell int, v int32) {
	binary.LittleEndian.PutUint32(block[4*cell:], uint32(v))
}

func (e *IntCodedFloatElement) readFloat(block []byte, cell int) float32 {
	return e.decode(e.readInt(block, cell))
}

func (e *IntCodedFloatElement) writeFloat(block []byte, cell int, v float32) {
	e.writeInt(block, cell, e.encode(v))
}

// blockSize returns the byte size of one element's data within a decoded
// tile buffer, rounded up to a multiple of 4 so every element block
// starts 4-byte aligned.
func blockSize(e Element, cellsPerTile int) int {
	n := cellsPerTile * e.bytesPerCell()
	return (n + 3) &^ 3
}

func roundToInt32(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Floor(v + 0.5)
	if r > math.MaxInt32 {
		return math.MaxInt32
	}
	if r < math.MinInt32 {
		return math.MinInt32
	}
	return int32(r)
}

// validElementName enforces the identifier form element names take in the
// header: a letter followed by letters, digits or underscores, at most 32
// bytes.
func validElementName(name string) bool {
	if len(name) == 0 || len(name) > 32 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == '_' || (c >= '0' && c <= '9'):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
