package pager

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/obslog"
)

// RecordType tags a WAL record's payload shape.
type RecordType uint8

const (
	RecBegin RecordType = iota + 1
	RecUpdate
	RecInsert
	RecDelete
	RecCommit
	RecAbort
	RecCheckpoint
	RecCLR
)

// Record is one ARIES-style log record. Not every field is populated for
// every RecordType; see the RecordType constants.
type Record struct {
	LSN      LSN
	Type     RecordType
	TxID     TxID
	PrevLSN  LSN // previous record written by the same transaction, 0 if none
	Page     PageID
	Slot     SlotID
	Before   []byte
	After    []byte
	ActiveTx []TxID           // Checkpoint only
	Dirty    map[PageID]LSN   // Checkpoint only: page -> earliest recovery LSN
	UndoneLSN     LSN         // CLR only: the update LSN this CLR compensates for
	NextUndoLSN   LSN         // CLR only: continue undo from here (0 = done)
}

// walFileHeaderSize: magic(4) + version(4) + pageSize(4) + reserved(8) + crc(4).
const walFileHeaderSize = 24
const walMagic uint32 = 0x57_414C_31 // "WAL1"

// WAL is the append-only log file. Records are framed as
// [u32 length][u32 crc][payload], payload beginning with
// [u8 type][u64 tid][u64 prev_lsn].
type WAL struct {
	mu       sync.Mutex
	f        *os.File // nil for an in-memory WAL (open_in_memory())
	path     string
	pageSize int
	nextLSN  LSN
	flushed  LSN
	group    singleflight.Group

	// records mirrors every appended record in memory regardless of
	// backing store, so the undo pass can walk a transaction's prev_lsn
	// chain without re-reading the file. For an on-disk WAL this holds only
	// records appended in this session; recovery reads a prior session's
	// records from the file with ReadAll, and they stay in the file until
	// the next checkpoint truncates it.
	records []*Record
}

func OpenWAL(path string, pageSize int) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.Io, err, "open WAL %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.Wrap(dberr.Io, err, "stat WAL %q", path)
	}
	w := &WAL{f: f, path: path, pageSize: pageSize, nextLSN: 1}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := w.validateHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// OpenMemoryWAL creates a WAL with no disk backing at all: records live
// only in the process's memory and vanish on Close, matching
// open_in_memory()'s durability contract.
func OpenMemoryWAL(pageSize int) *WAL {
	return &WAL{pageSize: pageSize, nextLSN: 1}
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, walFileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(w.pageSize))
	crc := crc32.ChecksumIEEE(buf[:20])
	binary.LittleEndian.PutUint32(buf[20:24], crc)
	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.Io, err, "write WAL header")
	}
	return nil
}

func (w *WAL) validateHeader() error {
	buf := make([]byte, walFileHeaderSize)
	if _, err := w.f.ReadAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.Io, err, "read WAL header")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != walMagic {
		return dberr.New(dberr.Corruption, "bad WAL magic")
	}
	crc := crc32.ChecksumIEEE(buf[:20])
	if binary.LittleEndian.Uint32(buf[20:24]) != crc {
		return dberr.New(dberr.Corruption, "WAL header checksum mismatch")
	}
	return nil
}

// SetNextLSN is used by recovery to continue numbering after the highest
// LSN found on disk.
func (w *WAL) SetNextLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextLSN = lsn
}

// Append assigns rec.LSN and appends it to the log. It does not fsync;
// callers that need durability call FlushTo. For an in-memory WAL there is
// nothing to fsync and the record only ever lives in w.records.
func (w *WAL) Append(rec *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec.LSN = w.nextLSN
	w.nextLSN++
	w.records = append(w.records, rec)

	if w.f == nil {
		return rec.LSN, nil
	}

	payload := marshalPayload(rec)
	frame := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[8:], payload)

	if _, err := w.f.Seek(0, os.SEEK_END); err != nil {
		return 0, dberr.Wrap(dberr.Io, err, "seek WAL tail")
	}
	if _, err := w.f.Write(frame); err != nil {
		return 0, dberr.Wrap(dberr.Io, err, "append WAL record")
	}
	return rec.LSN, nil
}

// FlushTo fsyncs the WAL so that every record with LSN <= target is
// durable. Concurrent callers targeting the same frontier share a single
// fsync via singleflight (group commit). An in-memory WAL has no file to
// sync, so the frontier simply advances.
func (w *WAL) FlushTo(target LSN) error {
	w.mu.Lock()
	if target <= w.flushed {
		w.mu.Unlock()
		return nil
	}
	if w.f == nil {
		w.flushed = target
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	_, err, _ := w.group.Do("flush", func() (any, error) {
		if err := w.f.Sync(); err != nil {
			return nil, dberr.Wrap(dberr.Io, err, "fsync WAL")
		}
		w.mu.Lock()
		if target > w.flushed {
			w.flushed = target
		}
		w.mu.Unlock()
		obslog.For("wal").Debug().Uint64("lsn", uint64(target)).Msg("group commit flush")
		return nil, nil
	})
	return err
}

// FlushedLSN reports the durable frontier.
func (w *WAL) FlushedLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

// Truncate resets the WAL to an empty log (post-checkpoint).
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = nil
	w.flushed = 0
	w.nextLSN = 1
	if w.f == nil {
		return nil
	}
	if err := w.f.Truncate(walFileHeaderSize); err != nil {
		return dberr.Wrap(dberr.Io, err, "truncate WAL")
	}
	return w.writeHeader()
}

// RecordByLSN looks up a previously appended record from this session's
// in-memory mirror, used by the undo pass to walk a transaction's
// prev_lsn chain.
func (w *WAL) RecordByLSN(lsn LSN) (*Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.records {
		if r.LSN == lsn {
			return r, true
		}
	}
	return nil, false
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// ReadAll reads every well-formed record from the log file in order,
// stopping silently at the first truncated/corrupt frame (an incomplete
// tail write from a crash mid-append).
func ReadAll(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberr.Wrap(dberr.Io, err, "open WAL for read %q", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, dberr.Wrap(dberr.Io, err, "stat WAL %q", path)
	}
	if info.Size() < walFileHeaderSize {
		return nil, nil
	}

	var records []*Record
	pos := int64(walFileHeaderSize)
	for {
		lenCRC := make([]byte, 8)
		n, err := f.ReadAt(lenCRC, pos)
		if err != nil || n < 8 {
			break
		}
		length := binary.LittleEndian.Uint32(lenCRC[0:4])
		wantCRC := binary.LittleEndian.Uint32(lenCRC[4:8])
		if int64(length) > info.Size()-pos-8 {
			break // truncated tail
		}
		payload := make([]byte, length)
		if _, err := f.ReadAt(payload, pos+8); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break // corrupt tail
		}
		rec, err := unmarshalPayload(payload)
		if err != nil {
			break
		}
		rec.LSN = LSN(0) // filled below from record position tracking
		records = append(records, rec)
		pos += 8 + int64(length)
	}
	// Assign sequential LSNs matching what Append would have handed out:
	// the payload does not carry its own LSN (the frame position does),
	// so we number records 1..N in file order.
	for i, r := range records {
		r.LSN = LSN(i + 1)
	}
	return records, nil
}

func marshalPayload(rec *Record) []byte {
	head := make([]byte, 17)
	head[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(head[1:9], uint64(rec.TxID))
	binary.LittleEndian.PutUint64(head[9:17], uint64(rec.PrevLSN))

	var body []byte
	switch rec.Type {
	case RecBegin, RecCommit, RecAbort:
		// no extra fields
	case RecInsert:
		body = encodePageSlotBlob(rec.Page, rec.Slot, nil, rec.After)
	case RecDelete:
		body = encodePageSlotBlob(rec.Page, rec.Slot, rec.Before, nil)
	case RecUpdate:
		body = encodePageSlotBlob(rec.Page, rec.Slot, rec.Before, rec.After)
	case RecCLR:
		body = make([]byte, 16)
		binary.LittleEndian.PutUint64(body[0:8], uint64(rec.UndoneLSN))
		binary.LittleEndian.PutUint64(body[8:16], uint64(rec.NextUndoLSN))
	case RecCheckpoint:
		body = encodeCheckpoint(rec.ActiveTx, rec.Dirty)
	}
	return append(head, body...)
}

func encodePageSlotBlob(page PageID, slot SlotID, before, after []byte) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(page))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(slot))
	buf = appendLenPrefixed(buf, before)
	buf = appendLenPrefixed(buf, after)
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	buf = append(buf, lenBuf...)
	buf = append(buf, data...)
	return buf
}

func encodeCheckpoint(active []TxID, dirty map[PageID]LSN) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(active)))
	for _, tid := range active {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(tid))
		buf = append(buf, b...)
	}
	cnt := make([]byte, 4)
	binary.LittleEndian.PutUint32(cnt, uint32(len(dirty)))
	buf = append(buf, cnt...)
	for pid, lsn := range dirty {
		b := make([]byte, 16)
		binary.LittleEndian.PutUint64(b[0:8], uint64(pid))
		binary.LittleEndian.PutUint64(b[8:16], uint64(lsn))
		buf = append(buf, b...)
	}
	return buf
}

func unmarshalPayload(payload []byte) (*Record, error) {
	if len(payload) < 17 {
		return nil, dberr.New(dberr.Corruption, "WAL payload too short")
	}
	rec := &Record{
		Type:    RecordType(payload[0]),
		TxID:    TxID(binary.LittleEndian.Uint64(payload[1:9])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(payload[9:17])),
	}
	body := payload[17:]
	switch rec.Type {
	case RecBegin, RecCommit, RecAbort:
	case RecInsert, RecDelete, RecUpdate:
		if len(body) < 10 {
			return nil, dberr.New(dberr.Corruption, "WAL page/slot body too short")
		}
		rec.Page = PageID(binary.LittleEndian.Uint64(body[0:8]))
		rec.Slot = SlotID(binary.LittleEndian.Uint16(body[8:10]))
		rest := body[10:]
		var before, after []byte
		before, rest = takeLenPrefixed(rest)
		after, _ = takeLenPrefixed(rest)
		rec.Before, rec.After = before, after
	case RecCLR:
		if len(body) < 16 {
			return nil, dberr.New(dberr.Corruption, "WAL CLR body too short")
		}
		rec.UndoneLSN = LSN(binary.LittleEndian.Uint64(body[0:8]))
		rec.NextUndoLSN = LSN(binary.LittleEndian.Uint64(body[8:16]))
	case RecCheckpoint:
		active, dirty, err := decodeCheckpoint(body)
		if err != nil {
			return nil, err
		}
		rec.ActiveTx, rec.Dirty = active, dirty
	default:
		return nil, dberr.New(dberr.Corruption, "unknown WAL record type %d", rec.Type)
	}
	return rec, nil
}

func takeLenPrefixed(buf []byte) ([]byte, []byte) {
	if len(buf) < 4 {
		return nil, buf
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil
	}
	return buf[:n], buf[n:]
}

func decodeCheckpoint(body []byte) ([]TxID, map[PageID]LSN, error) {
	if len(body) < 4 {
		return nil, nil, dberr.New(dberr.Corruption, "checkpoint body too short")
	}
	n := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]
	active := make([]TxID, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(body) < 8 {
			return nil, nil, dberr.New(dberr.Corruption, "checkpoint active list truncated")
		}
		active = append(active, TxID(binary.LittleEndian.Uint64(body[0:8])))
		body = body[8:]
	}
	if len(body) < 4 {
		return nil, nil, dberr.New(dberr.Corruption, "checkpoint dirty count missing")
	}
	m := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]
	dirty := make(map[PageID]LSN, m)
	for i := uint32(0); i < m; i++ {
		if len(body) < 16 {
			return nil, nil, dberr.New(dberr.Corruption, "checkpoint dirty list truncated")
		}
		pid := PageID(binary.LittleEndian.Uint64(body[0:8]))
		lsn := LSN(binary.LittleEndian.Uint64(body[8:16]))
		dirty[pid] = lsn
		body = body[16:]
	}
	return active, dirty, nil
}
