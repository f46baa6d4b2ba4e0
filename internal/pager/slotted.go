package pager

import (
	"encoding/binary"
	"math"

	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/types"
)

// Slotted pages grow tuple bytes forward from PageHeaderSize and the slot
// directory backward from the end of the page; free space is the gap
// between them. Each slot entry is 4 bytes: offset(u16) + length(u16).
// A zero-length slot with offset 0 marks a deleted (tombstoned) entry.
const slotEntrySize = 4

// SlottedPage is a thin view over a page buffer implementing the
// slot-directory layout.
type SlottedPage struct {
	buf []byte
}

func WrapSlottedPage(buf []byte) *SlottedPage { return &SlottedPage{buf: buf} }

func (p *SlottedPage) header() PageHeader   { return readHeader(p.buf) }
func (p *SlottedPage) setHeader(h PageHeader) { writeHeader(p.buf, h) }

func (p *SlottedPage) slotOffset(i int) int { return len(p.buf) - (i+1)*slotEntrySize }

func (p *SlottedPage) SlotCount() int { return int(p.header().SlotCount) }

func (p *SlottedPage) FreeSpace() int {
	h := p.header()
	dirEnd := len(p.buf) - int(h.SlotCount)*slotEntrySize
	return dirEnd - int(h.FreeSpaceStart)
}

// GetSlot returns the tuple bytes for slot i, or (nil, false) if tombstoned.
func (p *SlottedPage) GetSlot(i int) ([]byte, bool) {
	if i < 0 || i >= p.SlotCount() {
		return nil, false
	}
	off := p.slotOffset(i)
	offset := binary.LittleEndian.Uint16(p.buf[off : off+2])
	length := binary.LittleEndian.Uint16(p.buf[off+2 : off+4])
	if length == 0 && offset == 0 {
		return nil, false
	}
	return p.buf[offset : offset+length], true
}

// PutSlot appends a new tuple, returning its slot index. Returns false if
// there is not enough contiguous free space (caller must split or
// overflow).
func (p *SlottedPage) PutSlot(tuple []byte) (int, bool) {
	h := p.header()
	needed := len(tuple) + slotEntrySize
	if p.FreeSpace() < needed {
		return 0, false
	}
	offset := h.FreeSpaceStart
	copy(p.buf[offset:], tuple)
	idx := int(h.SlotCount)
	off := p.slotOffset(idx)
	binary.LittleEndian.PutUint16(p.buf[off:off+2], offset)
	binary.LittleEndian.PutUint16(p.buf[off+2:off+4], uint16(len(tuple)))
	h.FreeSpaceStart = offset + uint16(len(tuple))
	h.SlotCount++
	p.setHeader(h)
	return idx, true
}

// TombstoneSlot marks a slot deleted without reclaiming its bytes; bytes
// are reclaimed on compaction (DB.Compact in kestrel.go).
func (p *SlottedPage) TombstoneSlot(i int) {
	off := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.buf[off:off+2], 0)
	binary.LittleEndian.PutUint16(p.buf[off+2:off+4], 0)
}

// ReplaceSlot overwrites a slot's tuple in place if the new tuple is no
// larger than the old one (keeping the row's (PageId, SlotId) address
// stable, per the data model's row addressing invariant); otherwise it
// returns false and the caller must tombstone + re-insert elsewhere.
func (p *SlottedPage) ReplaceSlot(i int, tuple []byte) bool {
	off := p.slotOffset(i)
	offset := binary.LittleEndian.Uint16(p.buf[off : off+2])
	oldLen := binary.LittleEndian.Uint16(p.buf[off+2 : off+4])
	if len(tuple) > int(oldLen) {
		return false
	}
	copy(p.buf[offset:offset+uint16(len(tuple))], tuple)
	binary.LittleEndian.PutUint16(p.buf[off+2:off+4], uint16(len(tuple)))
	return true
}

// ───────────────────────────────────────────────────────────────────────
// Tuple codec: a null-bitmap followed by column values in declared order.
// Variable-length columns (Text, Blob, Vector) store a length prefix.
// ───────────────────────────────────────────────────────────────────────

func bitmapBytes(n int) int { return (n + 7) / 8 }

// EncodeTuple packs a row of Values, one per column in declared order, into
// the on-disk tuple format.
func EncodeTuple(vals []types.Value) []byte {
	nb := bitmapBytes(len(vals))
	buf := make([]byte, nb)
	for i, v := range vals {
		if v.IsNull() {
			buf[i/8] |= 1 << uint(i%8)
		}
	}
	for _, v := range vals {
		if v.IsNull() {
			continue
		}
		buf = append(buf, byte(v.Kind()))
		switch v.Kind() {
		case types.KindInteger:
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, uint64(v.Int()))
			buf = append(buf, b...)
		case types.KindFloat:
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, math.Float64bits(v.Float64()))
			buf = append(buf, b...)
		case types.KindBoolean:
			if v.Bool() {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case types.KindText:
			buf = appendLenPrefixed(buf, []byte(v.Text()))
		case types.KindBlob:
			buf = appendLenPrefixed(buf, v.BlobBytes())
		case types.KindVector:
			vec := v.VectorData()
			lb := make([]byte, 4)
			binary.LittleEndian.PutUint32(lb, uint32(len(vec)))
			buf = append(buf, lb...)
			for _, f := range vec {
				fb := make([]byte, 4)
				binary.LittleEndian.PutUint32(fb, math.Float32bits(f))
				buf = append(buf, fb...)
			}
		}
	}
	return buf
}

// DecodeTuple unpacks colCount values from an encoded tuple.
func DecodeTuple(data []byte, colCount int) ([]types.Value, error) {
	nb := bitmapBytes(colCount)
	if len(data) < nb {
		return nil, dberr.New(dberr.Corruption, "tuple shorter than null bitmap")
	}
	bitmap := data[:nb]
	rest := data[nb:]
	out := make([]types.Value, colCount)
	for i := 0; i < colCount; i++ {
		isNull := bitmap[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			out[i] = types.Null()
			continue
		}
		if len(rest) < 1 {
			return nil, dberr.New(dberr.Corruption, "tuple truncated at column %d", i)
		}
		kind := types.Kind(rest[0])
		rest = rest[1:]
		switch kind {
		case types.KindInteger:
			if len(rest) < 8 {
				return nil, dberr.New(dberr.Corruption, "tuple truncated integer")
			}
			out[i] = types.Integer(int64(binary.LittleEndian.Uint64(rest[:8])))
			rest = rest[8:]
		case types.KindFloat:
			if len(rest) < 8 {
				return nil, dberr.New(dberr.Corruption, "tuple truncated float")
			}
			out[i] = types.Float(math.Float64frombits(binary.LittleEndian.Uint64(rest[:8])))
			rest = rest[8:]
		case types.KindBoolean:
			if len(rest) < 1 {
				return nil, dberr.New(dberr.Corruption, "tuple truncated bool")
			}
			out[i] = types.Boolean(rest[0] != 0)
			rest = rest[1:]
		case types.KindText:
			var s []byte
			s, rest = takeLenPrefixed(rest)
			out[i] = types.Text(string(s))
		case types.KindBlob:
			var b []byte
			b, rest = takeLenPrefixed(rest)
			out[i] = types.Blob(append([]byte(nil), b...))
		case types.KindVector:
			if len(rest) < 4 {
				return nil, dberr.New(dberr.Corruption, "tuple truncated vector length")
			}
			n := binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]
			vec := make([]float32, n)
			for j := range vec {
				if len(rest) < 4 {
					return nil, dberr.New(dberr.Corruption, "tuple truncated vector element")
				}
				vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(rest[:4]))
				rest = rest[4:]
			}
			out[i] = types.Vector(vec)
		default:
			return nil, dberr.New(dberr.Corruption, "unknown tuple column kind %d", kind)
		}
	}
	return out, nil
}
