// Copyright 2025 The gridfile Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package gridfile

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dgryski/go-farm"
)

// file header layout (little endian):
//
//	 0  magic "gridfile"
//	 8  version major, minor (u8 each)
//	10  flags (u16)
//	12  header size (u32)
//	16  store UUID (16 bytes)
//	32  time last modified, unix microseconds (i64)
//	40  time opened for writing, unix microseconds (i64, 0 = closed cleanly)
//	48  free-list record position (i64, 0 = none)
//	56  metadata directory record position (i64, 0 = none)
//	64  tile directory record position (i64, 0 = none)
//	72  nRows, nCols, nRowsInTile, nColsInTile (u32 each)
//	88  model domain: x0, y0, x1, y1, cellSizeX, cellSizeY (f64 each)
//	136 map-to-model affine transform, row major 2x3 (f64 each)
//	184 model-to-map affine transform, row major 2x3 (f64 each)
//	232 codec IDs, element specs, product label (variable)
//	... zero pad to a multiple of 8, last 4 bytes checksum
const (
	headerMagic = "gridfile"

	versionMajor = 1
	versionMinor = 0

	flagChecksums   = 1 << 0
	flagCompression = 1 << 1

	offTimeModified = 32
	offTimeOpened   = 40
	offFreeList     = 48
	offMetadataDir  = 56
	offTileDir      = 64

	headerFixedSize = 232
)

type header struct {
	flags    uint16
	size     int
	uuid     [16]byte
	modified int64 // unix microseconds
	opened   int64 // nonzero while a writer has the store open

	freeListPos    int64
	metadataDirPos int64
	tileDirPos     int64

	nRows, nCols             int
	nRowsInTile, nColsInTile int

	x0, y0, x1, y1         float64
	cellSizeX, cellSizeY   float64
	mapToModel, modelToMap [6]float64

	codecIDs     []string
	elements     []Element
	productLabel string
}

func (h *header) checksums() bool { return h.flags&flagChecksums != 0 }

func newUUID() (u [16]byte) {
	if _, err := rand.Read(u[:]); err != nil {
		panic(fmt.Sprintf("gridfile: reading random bytes: %v", err))
	}
	// RFC 4122 version 4, variant 1
	u[6] = (u[6] & 0x0F) | 0x40
	u[8] = (u[8] & 0x3F) | 0x80
	return u
}

// UUIDString formats a 16-byte UUID in the canonical 8-4-4-4-12 form.
func UUIDString(u [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerFixedSize, headerFixedSize+256)
	copy(buf, headerMagic)
	buf[8] = versionMajor
	buf[9] = versionMinor
	binary.LittleEndian.PutUint16(buf[10:], h.flags)
	// header size filled in below
	copy(buf[16:], h.uuid[:])
	binary.LittleEndian.PutUint64(buf[offTimeModified:], uint64(h.modified))
	binary.LittleEndian.PutUint64(buf[offTimeOpened:], uint64(h.opened))
	binary.LittleEndian.PutUint64(buf[offFreeList:], uint64(h.freeListPos))
	binary.LittleEndian.PutUint64(buf[offMetadataDir:], uint64(h.metadataDirPos))
	binary.LittleEndian.PutUint64(buf[offTileDir:], uint64(h.tileDirPos))
	binary.LittleEndian.PutUint32(buf[72:], uint32(h.nRows))
	binary.LittleEndian.PutUint32(buf[76:], uint32(h.nCols))
	binary.LittleEndian.PutUint32(buf[80:], uint32(h.nRowsInTile))
	binary.LittleEndian.PutUint32(buf[84:], uint32(h.nColsInTile))
	for i, v := range []float64{h.x0, h.y0, h.x1, h.y1, h.cellSizeX, h.cellSizeY} {
		binary.LittleEndian.PutUint64(buf[88+8*i:], math.Float64bits(v))
	}
	for i, v := range h.mapToModel {
		binary.LittleEndian.PutUint64(buf[136+8*i:], math.Float64bits(v))
	}
	for i, v := range h.modelToMap {
		binary.LittleEndian.PutUint64(buf[184+8*i:], math.Float64bits(v))
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.codecIDs)))
	for _, id := range h.codecIDs {
		buf = append(buf, byte(len(id)))
		buf = append(buf, id...)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.elements)))
	for _, e := range h.elements {
		buf = appendElementSpec(buf, e)
	}

	buf = appendString16(buf, h.productLabel)

	// zero pad so the trailing checksum ends on an 8-byte boundary
	total := (len(buf) + 4 + 7) &^ 7
	for len(buf) < total-4 {
		buf = append(buf, 0)
	}
	h.size = total
	binary.LittleEndian.PutUint32(buf[12:], uint32(total))

	var sum uint32
	if h.checksums() {
		sum = uint32(farm.Hash64(buf))
	}
	return binary.LittleEndian.AppendUint32(buf, sum)
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendElementSpec(buf []byte, e Element) []byte {
	buf = append(buf, byte(e.Type()))
	var flags byte
	if e.Continuous() {
		flags |= 1
	}
	buf = append(buf, flags)
	buf = append(buf, byte(len(e.Name())))
	buf = append(buf, e.Name()...)

	switch el := e.(type) {
	case *IntElement:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(el.MinValue))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(el.MaxValue))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(el.FillValue))
	case *ShortElement:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(el.MinValue))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(el.MaxValue))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(el.FillValue))
	case *FloatElement:
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(el.MinValue))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(el.MaxValue))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(el.FillValue))
	case *IntCodedFloatElement:
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(el.MinValue))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(el.MaxValue))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(el.FillValue))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(el.Scale))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(el.Offset))
	}

	buf = appendString16(buf, e.Label())
	buf = appendString16(buf, e.Description())
	buf = appendString16(buf, e.Unit())
	return buf
}

// headerReader is a bounds-checked cursor over a serialized header.
type headerReader struct {
	buf []byte
	off int
	err error
}

func (r *headerReader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated header at %s: %w", what, ErrInvalidFile)
	}
}

func (r *headerReader) bytes(n int, what string) []byte {
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail(what)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *headerReader) u8(what string) byte {
	if b := r.bytes(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (r *headerReader) u16(what string) uint16 {
	if b := r.bytes(2, what); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *headerReader) u32(what string) uint32 {
	if b := r.bytes(4, what); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *headerReader) u64(what string) uint64 {
	if b := r.bytes(8, what); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *headerReader) f64(what string) float64 {
	return math.Float64frombits(r.u64(what))
}

func (r *headerReader) f32(what string) float32 {
	return math.Float32frombits(r.u32(what))
}

func (r *headerReader) str8(what string) string {
	n := int(r.u8(what))
	return string(r.bytes(n, what))
}

func (r *headerReader) str16(what string) string {
	n := int(r.u16(what))
	return string(r.bytes(n, what))
}

func parseHeader(buf []byte) (*header, error) {
	if len(buf) < headerFixedSize+4 || string(buf[:8]) != headerMagic {
		return nil, ErrInvalidFile
	}
	if buf[8] != versionMajor {
		return nil, fmt.Errorf("file version %d.%d: %w", buf[8], buf[9], ErrVersionNotSupported)
	}

	h := &header{
		flags:    binary.LittleEndian.Uint16(buf[10:]),
		size:     int(binary.LittleEndian.Uint32(buf[12:])),
		modified: int64(binary.LittleEndian.Uint64(buf[offTimeModified:])),
		opened:   int64(binary.LittleEndian.Uint64(buf[offTimeOpened:])),

		freeListPos:    int64(binary.LittleEndian.Uint64(buf[offFreeList:])),
		metadataDirPos: int64(binary.LittleEndian.Uint64(buf[offMetadataDir:])),
		tileDirPos:     int64(binary.LittleEndian.Uint64(buf[offTileDir:])),

		nRows:       int(binary.LittleEndian.Uint32(buf[72:])),
		nCols:       int(binary.LittleEndian.Uint32(buf[76:])),
		nRowsInTile: int(binary.LittleEndian.Uint32(buf[80:])),
		nColsInTile: int(binary.LittleEndian.Uint32(buf[84:])),
	}
	copy(h.uuid[:], buf[16:32])
	if h.size < headerFixedSize+4 || h.size%8 != 0 || h.size > len(buf) {
		return nil, fmt.Errorf("header size %d: %w", h.size, ErrInvalidFile)
	}

	// a nonzero opened-for-writing stamp means the last writer never
	// rewrote the header, so the stored checksum is stale
	if h.checksums() && h.opened == 0 {
		want := binary.LittleEndian.Uint32(buf[h.size-4:])
		if got := uint32(farm.Hash64(buf[:h.size-4])); got != want {
			return nil, fmt.Errorf("header checksum %08x != %08x: %w", got, want, ErrInvalidFile)
		}
	}

	doms := [6]*float64{&h.x0, &h.y0, &h.x1, &h.y1, &h.cellSizeX, &h.cellSizeY}
	for i, p := range doms {
		*p = math.Float64frombits(binary.LittleEndian.Uint64(buf[88+8*i:]))
	}
	for i := range h.mapToModel {
		h.mapToModel[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[136+8*i:]))
	}
	for i := range h.modelToMap {
		h.modelToMap[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[184+8*i:]))
	}

	if h.nRows <= 0 || h.nCols <= 0 || h.nRowsInTile <= 0 || h.nColsInTile <= 0 {
		return nil, fmt.Errorf("raster geometry %dx%d tiles %dx%d: %w",
			h.nRows, h.nCols, h.nRowsInTile, h.nColsInTile, ErrInvalidFile)
	}

	r := &headerReader{buf: buf[:h.size-4], off: headerFixedSize}

	nCodecs := int(r.u16("codec count"))
	for i := 0; i < nCodecs; i++ {
		h.codecIDs = append(h.codecIDs, r.str8("codec id"))
	}

	nElements := int(r.u16("element count"))
	for i := 0; i < nElements; i++ {
		e, err := parseElementSpec(r)
		if err != nil {
			return nil, err
		}
		h.elements = append(h.elements, e)
	}

	h.productLabel = r.str16("product label")
	if r.err != nil {
		return nil, r.err
	}
	if len(h.elements) == 0 {
		return nil, fmt.Errorf("store has no elements: %w", ErrInvalidFile)
	}
	return h, nil
}

func parseElementSpec(r *headerReader) (Element, error) {
	typ := ElementType(r.u8("element type"))
	flags := r.u8("element flags")
	name := r.str8("element name")

	var e Element
	switch typ {
	case ElementInt:
		e = NewIntElement(name,
			int32(r.u32("int min")), int32(r.u32("int max")), int32(r.u32("int fill")))
	case ElementShort:
		e = NewShortElement(name,
			int16(r.u16("short min")), int16(r.u16("short max")), int16(r.u16("short fill")))
	case ElementFloat:
		e = NewFloatElement(name,
			r.f32("float min"), r.f32("float max"), r.f32("float fill"))
	case ElementIntCodedFloat:
		minV, maxV, fill := r.f32("icf min"), r.f32("icf max"), r.f32("icf fill")
		scale, offset := r.f64("icf scale"), r.f64("icf offset")
		e = NewIntCodedFloatElement(name, minV, maxV, fill, scale, offset)
	default:
		return nil, fmt.Errorf("element type %d: %w", typ, ErrInvalidFile)
	}

	label := r.str16("element label")
	desc := r.str16("element description")
	unit := r.str16("element unit")
	if r.err != nil {
		return nil, r.err
	}
	info := e.(interface {
		SetDescriptor(label, description, unit string)
		SetContinuous(bool)
	})
	info.SetDescriptor(label, desc, unit)
	info.SetContinuous(flags&1 != 0)
	return e, nil
}
