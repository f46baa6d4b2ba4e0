// Package pager implements the fixed-size-page file format, buffer pool,
// WAL and recovery, and the primary-key B-tree that the rest of the engine
// is built on.
package pager

import "encoding/binary"

// PageID identifies a page within the database file. 0 is reserved for the
// file header.
type PageID uint64

// InvalidPageID marks "no page" (e.g. an empty free list, a leaf with no
// right sibling).
const InvalidPageID PageID = 0

// SlotID indexes into a page's slot directory.
type SlotID uint16

// LSN is a monotonic log sequence number; 0 means "no LSN".
type LSN uint64

// TxID is a monotonically assigned transaction identifier.
type TxID uint64

// PageType tags what a data page holds.
type PageType uint8

const (
	PageTypeFree PageType = iota
	PageTypeLeaf
	PageTypeInternal
	PageTypeOverflow
	PageTypeCatalog // catalog root page, PageID 1, reuses the leaf layout
)

// PageHeaderSize is fixed at 16 bytes per the file-format design:
// type(1) + flags(1) + slot count(2) + free-space offset(2) + page LSN(8) +
// reserved(2).
const PageHeaderSize = 16

// Page flag bits.
const (
	PageFlagDirty    uint8 = 1 << 0
	PageFlagOverflow uint8 = 1 << 1
)

// PageHeader is the first 16 bytes of every data page (page 0, the file
// header, uses its own distinct layout defined in superblock.go).
type PageHeader struct {
	Type           PageType
	Flags          uint8
	SlotCount      uint16
	FreeSpaceStart uint16 // offset where the next tuple may be appended
	PageLSN        LSN
}

// MarshalPageHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalPageHeader(h *PageHeader, buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.SlotCount)
	binary.LittleEndian.PutUint16(buf[4:6], h.FreeSpaceStart)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(h.PageLSN))
	buf[14] = 0
	buf[15] = 0
}

// UnmarshalPageHeader reads a PageHeader from the first PageHeaderSize
// bytes of buf.
func UnmarshalPageHeader(buf []byte) PageHeader {
	return PageHeader{
		Type:           PageType(buf[0]),
		Flags:          buf[1],
		SlotCount:      binary.LittleEndian.Uint16(buf[2:4]),
		FreeSpaceStart: binary.LittleEndian.Uint16(buf[4:6]),
		PageLSN:        LSN(binary.LittleEndian.Uint64(buf[6:14])),
	}
}

// NewPageBuf allocates a zeroed page-sized buffer with an initialized
// header of the given type.
func NewPageBuf(pageSize int, pt PageType) []byte {
	buf := make([]byte, pageSize)
	MarshalPageHeader(&PageHeader{Type: pt, FreeSpaceStart: PageHeaderSize}, buf)
	return buf
}

func readHeader(buf []byte) PageHeader  { return UnmarshalPageHeader(buf) }
func writeHeader(buf []byte, h PageHeader) { MarshalPageHeader(&h, buf) }
