package pager

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kestrel-db/kestrel/internal/dberr"
)

// Magic identifies a kestrel database file. Per the on-disk format design,
// multi-byte integers are little-endian and CRC32 uses the IEEE-802.3
// polynomial (0xEDB88320), not Castagnoli.
const Magic uint32 = 0x1DB0_0001

const (
	FormatVersion = 1

	// superblockPayloadSize is the number of header bytes covered by the
	// trailing CRC32 (everything up to, but not including, the CRC field
	// itself).
	superblockPayloadSize = 60
	// SuperblockSize is the total on-disk size of the fixed file header
	// (page 0 contains this header followed by zero padding out to the
	// page size).
	SuperblockSize = superblockPayloadSize + 4
)

// FeatureFlags is a bitmask of optional on-disk features.
type FeatureFlags uint32

const (
	FeatureOverflowCompression FeatureFlags = 1 << 0
)

// CatalogRootPageID is fixed: PageId 0 is the file header, PageId 1 is
// always the catalog root, per the data model.
const CatalogRootPageID PageID = 1

// Superblock is the file header stored at PageID 0.
type Superblock struct {
	Version       uint16
	PageSize      uint16
	FreeListHead  PageID
	CatalogRoot   PageID
	CheckpointLSN LSN
	NextTxID      TxID
	NextPageID    PageID
	PageCount     uint32
	Flags         FeatureFlags
}

// NewSuperblock builds the header for a brand new database file.
func NewSuperblock(pageSize int) *Superblock {
	return &Superblock{
		Version:      FormatVersion,
		PageSize:     uint16(pageSize),
		FreeListHead: InvalidPageID,
		CatalogRoot:  CatalogRootPageID,
		NextTxID:     1,
		NextPageID:   2, // page 0 = header, page 1 = catalog root
		PageCount:    2,
	}
}

// MarshalSuperblock encodes sb into a page-sized buffer, including the
// trailing CRC32.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], sb.Version)
	binary.LittleEndian.PutUint16(buf[6:8], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(sb.FreeListHead))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(sb.CatalogRoot))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(sb.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(sb.NextTxID))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(sb.NextPageID))
	binary.LittleEndian.PutUint32(buf[44:48], sb.PageCount)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(sb.Flags))
	// [52:60] reserved, left zero.
	crc := crc32.ChecksumIEEE(buf[:superblockPayloadSize])
	binary.LittleEndian.PutUint32(buf[superblockPayloadSize:superblockPayloadSize+4], crc)
	return buf
}

// UnmarshalSuperblock decodes and validates a file header.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockSize {
		return nil, dberr.New(dberr.Corruption, "file header truncated: %d bytes", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return nil, dberr.New(dberr.Corruption, "bad magic %#x", magic)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[superblockPayloadSize : superblockPayloadSize+4])
	gotCRC := crc32.ChecksumIEEE(buf[:superblockPayloadSize])
	if wantCRC != gotCRC {
		return nil, dberr.New(dberr.Corruption, "file header checksum mismatch")
	}
	sb := &Superblock{
		Version:       binary.LittleEndian.Uint16(buf[4:6]),
		PageSize:      binary.LittleEndian.Uint16(buf[6:8]),
		FreeListHead:  PageID(binary.LittleEndian.Uint64(buf[8:16])),
		CatalogRoot:   PageID(binary.LittleEndian.Uint64(buf[16:24])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[24:32])),
		NextTxID:      TxID(binary.LittleEndian.Uint64(buf[32:40])),
		NextPageID:    PageID(binary.LittleEndian.Uint32(buf[40:44])),
		PageCount:     binary.LittleEndian.Uint32(buf[44:48]),
		Flags:         FeatureFlags(binary.LittleEndian.Uint32(buf[48:52])),
	}
	if sb.PageSize < 4096 || sb.PageSize > 65536 || sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, dberr.New(dberr.Corruption, "invalid page size %d in header", sb.PageSize)
	}
	return sb, nil
}
