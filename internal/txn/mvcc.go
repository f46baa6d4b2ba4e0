// Package txn implements the transaction manager: transaction lifecycle,
// repeatable-read MVCC visibility, and first-writer-wins conflict
// detection, grounded on the same row-versioning shape as a conventional
// xmin/xmax MVCC table but simplified to the engine's single-writer model.
package txn

import (
	"encoding/binary"

	"github.com/kestrel-db/kestrel/internal/pager"
)

// VersionHeaderSize is the fixed MVCC prefix stored ahead of every row's
// encoded tuple bytes: createdBy(8) + deletedBy(8).
const VersionHeaderSize = 16

// VersionHeader is the (created_by_tid, deleted_by_tid) pair carried by
// every row version. deletedBy is 0 while the row is live.
type VersionHeader struct {
	CreatedBy pager.TxID
	DeletedBy pager.TxID
}

func EncodeVersionHeader(h VersionHeader) []byte {
	buf := make([]byte, VersionHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.CreatedBy))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.DeletedBy))
	return buf
}

func DecodeVersionHeader(buf []byte) VersionHeader {
	return VersionHeader{
		CreatedBy: pager.TxID(binary.LittleEndian.Uint64(buf[0:8])),
		DeletedBy: pager.TxID(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

// WrapRow prefixes tuple bytes with a version header, producing the bytes
// actually stored in a table's row B-tree.
func WrapRow(h VersionHeader, tuple []byte) []byte {
	return append(EncodeVersionHeader(h), tuple...)
}

// UnwrapRow splits stored row bytes back into header and tuple.
func UnwrapRow(stored []byte) (VersionHeader, []byte) {
	return DecodeVersionHeader(stored[:VersionHeaderSize]), stored[VersionHeaderSize:]
}

// IsVisible applies repeatable-read snapshot semantics: a version is
// visible to tx if its creator had committed (with a commit sequence
// number at or before tx's snapshot) by the time tx started, and it was
// either never deleted or deleted by a transaction that had not yet
// committed by that same snapshot. A tx always sees its own writes.
func (m *Manager) IsVisible(tx *Tx, h VersionHeader) bool {
	if h.CreatedBy == tx.ID {
		// Own insert, visible unless this same tx later deleted it.
		return h.DeletedBy == 0 || h.DeletedBy != tx.ID
	}

	creatorSeq, creatorCommitted := m.committedSeq(h.CreatedBy)
	if !creatorCommitted || creatorSeq > tx.StartSeq {
		return false
	}

	if h.DeletedBy == 0 {
		return true
	}
	if h.DeletedBy == tx.ID {
		return false
	}

	deleterSeq, deleterCommitted := m.committedSeq(h.DeletedBy)
	if !deleterCommitted || deleterSeq > tx.StartSeq {
		return true
	}
	return false
}

// committedSeq reports the commit sequence number assigned to id and
// whether id ever committed. An id from before this manager's recovery
// boundary is reported committed at sequence zero, so it is visible to
// every snapshot in the current process regardless of its actual historical
// commit order.
func (m *Manager) committedSeq(id pager.TxID) (uint64, bool) {
	if id != 0 && id < m.boundary {
		return 0, true
	}
	m.mu.Lock()
	seq, ok := m.commitSeq[id]
	m.mu.Unlock()
	return seq, ok
}
