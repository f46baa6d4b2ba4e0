package pager

import (
	"encoding/binary"

	"github.com/golang/snappy"
)

// OverflowThreshold is the tuple size past which a value moves to an
// overflow chain instead of living inline in a leaf slot.
const OverflowThreshold = 1024

// Overflow page layout after the 16-byte page header:
//
//	[16:24] NextOverflow (PageID, 0 = end of chain)
//	[24:28] DataLen (bytes of payload in this page)
//	[28:..] payload
const (
	ovfNextOff = PageHeaderSize
	ovfLenOff  = ovfNextOff + 8
	ovfDataOff = ovfLenOff + 4
)

func OverflowCapacity(pageSize int) int { return pageSize - ovfDataOff }

type OverflowPage struct{ buf []byte }

func WrapOverflowPage(buf []byte) *OverflowPage { return &OverflowPage{buf: buf} }

func InitOverflowPage(buf []byte) *OverflowPage {
	MarshalPageHeader(&PageHeader{Type: PageTypeOverflow, FreeSpaceStart: PageHeaderSize}, buf)
	binary.LittleEndian.PutUint64(buf[ovfNextOff:], uint64(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[ovfLenOff:], 0)
	return &OverflowPage{buf: buf}
}

func (o *OverflowPage) Next() PageID {
	return PageID(binary.LittleEndian.Uint64(o.buf[ovfNextOff:]))
}
func (o *OverflowPage) SetNext(id PageID) {
	binary.LittleEndian.PutUint64(o.buf[ovfNextOff:], uint64(id))
}
func (o *OverflowPage) DataLen() int {
	return int(binary.LittleEndian.Uint32(o.buf[ovfLenOff:]))
}
func (o *OverflowPage) SetData(data []byte) {
	binary.LittleEndian.PutUint32(o.buf[ovfLenOff:], uint32(len(data)))
	copy(o.buf[ovfDataOff:], data)
}
func (o *OverflowPage) Data() []byte {
	return o.buf[ovfDataOff : ovfDataOff+o.DataLen()]
}

// CompressOverflow and DecompressOverflow are applied whole-value, before
// chunking across pages, when PagerConfig.Compress is set. The setting is
// not recorded in the superblock (FeatureOverflowCompression is never set
// or read); reads decompress according to the current setting.
func CompressOverflow(data []byte) []byte   { return snappy.Encode(nil, data) }
func DecompressOverflow(data []byte) ([]byte, error) { return snappy.Decode(nil, data) }
