package pager

import (
	"os"
	"sync"

	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/obslog"
)

// PagerConfig configures a newly opened Pager.
type PagerConfig struct {
	Path             string // empty => in-memory
	PageSize         int
	BufferPoolFrames int
	Compress         bool
}

// Pager is the page device plus buffer pool: the only component that
// touches the database file directly. Every mutation is logged to the WAL
// before the corresponding page write lands in the buffer pool, per the
// WAL-before-data rule — the page is only ever flushed to the file once its
// page LSN is covered by a WAL fsync (see BufferPool's flush callback and
// FlushTo).
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	memPages map[PageID][]byte // backing store when running in-memory
	inMemory bool

	wal      *WAL
	pool     *BufferPool
	sb       *Superblock
	free     *FreeManager
	pageSize int
	compress bool
	path     string

	txLastLSN map[TxID]LSN // per-transaction prev_lsn chain tracking
	closed    bool
}

// Open creates or opens a pager at cfg.Path (or a pure in-memory pager if
// cfg.Path is empty), running crash recovery if a populated WAL is found.
func Open(cfg PagerConfig) (*Pager, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	if cfg.BufferPoolFrames == 0 {
		cfg.BufferPoolFrames = 128
	}

	p := &Pager{
		pageSize:  cfg.PageSize,
		compress:  cfg.Compress,
		path:      cfg.Path,
		inMemory:  cfg.Path == "",
		txLastLSN: make(map[TxID]LSN),
		free:      NewFreeManager(),
	}
	p.pool = NewBufferPool(cfg.BufferPoolFrames, p.flushFrame)

	if p.inMemory {
		p.memPages = make(map[PageID][]byte)
		p.wal = OpenMemoryWAL(cfg.PageSize)
		sb := NewSuperblock(cfg.PageSize)
		p.sb = sb
		p.memPages[0] = MarshalSuperblock(sb, cfg.PageSize)
		catBuf := NewPageBuf(cfg.PageSize, PageTypeCatalog)
		initBTreePage(catBuf, true)
		p.memPages[1] = catBuf
		return p, nil
	}

	isNew := false
	if _, err := os.Stat(cfg.Path); err != nil {
		isNew = true
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.Io, err, "open database file %q", cfg.Path)
	}
	p.file = f

	walPath := cfg.Path + ".wal"
	wal, err := OpenWAL(walPath, cfg.PageSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.wal = wal

	if isNew {
		sb := NewSuperblock(cfg.PageSize)
		p.sb = sb
		if err := p.writePageRaw(0, MarshalSuperblock(sb, cfg.PageSize)); err != nil {
			return nil, err
		}
		catBuf := NewPageBuf(cfg.PageSize, PageTypeCatalog)
		initBTreePage(catBuf, true)
		if err := p.writePageRaw(1, catBuf); err != nil {
			return nil, err
		}
	} else {
		buf, err := p.readPageRaw(0)
		if err != nil {
			return nil, err
		}
		sb, err := UnmarshalSuperblock(buf)
		if err != nil {
			return nil, err
		}
		p.sb = sb
		if err := p.free.LoadFromDisk(sb.FreeListHead, p.readPageRaw); err != nil {
			return nil, err
		}
		if err := p.Recover(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pager) PageSize() int        { return p.pageSize }
func (p *Pager) Superblock() *Superblock { return p.sb }

func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	if p.inMemory {
		buf, ok := p.memPages[id]
		if !ok {
			return nil, dberr.New(dberr.NotFound, "page %d not found", id)
		}
		return append([]byte(nil), buf...), nil
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*int64(p.pageSize)); err != nil {
		return nil, dberr.Wrap(dberr.Io, err, "read page %d", id)
	}
	return buf, nil
}

func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	if p.inMemory {
		p.memPages[id] = append([]byte(nil), buf...)
		return nil
	}
	if _, err := p.file.WriteAt(buf, int64(id)*int64(p.pageSize)); err != nil {
		return dberr.Wrap(dberr.Io, err, "write page %d", id)
	}
	return nil
}

// flushFrame is the buffer pool's eviction-time flush callback: write the
// page to the underlying file, honoring WAL-before-data by blocking on
// FlushTo(frame.PageLSN) first.
func (p *Pager) flushFrame(f *PageFrame) error {
	if p.wal != nil {
		if err := p.wal.FlushTo(f.PageLSN); err != nil {
			return err
		}
	}
	return p.writePageRaw(f.ID, f.Buf)
}

// ReadPage returns a pinned, cached view of a page, loading it from disk on
// a cache miss. Callers must UnpinPage when done.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	if f, ok := p.pool.Get(id); ok {
		return f.Buf, nil
	}
	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	p.pool.Put(&PageFrame{ID: id, Buf: buf})
	return buf, nil
}

func (p *Pager) UnpinPage(id PageID) { p.pool.Unpin(id) }

// WritePage logs a full-page before/after image as an ARIES Update record
// (page-physical granularity — see the wal.go entry and grounding note in
// DESIGN.md) and installs the new bytes into the buffer
// pool, marking the frame dirty with the record's LSN. It does not fsync;
// durability is established when the owning transaction commits.
func (p *Pager) WritePage(tx TxID, id PageID, newBuf []byte) error {
	before, err := p.currentImage(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.txLastLSN[tx]
	p.mu.Unlock()

	rec := &Record{Type: RecUpdate, TxID: tx, PrevLSN: prev, Page: id, Before: before, After: append([]byte(nil), newBuf...)}
	lsn, err := p.wal.Append(rec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.txLastLSN[tx] = lsn
	p.mu.Unlock()

	if f, ok := p.pool.Get(id); ok {
		copy(f.Buf, newBuf)
		p.pool.Unpin(id)
	} else {
		p.pool.Put(&PageFrame{ID: id, Buf: append([]byte(nil), newBuf...)})
	}
	p.pool.MarkDirty(id, lsn)
	return nil
}

func (p *Pager) currentImage(id PageID) ([]byte, error) {
	if f, ok := p.pool.Get(id); ok {
		img := append([]byte(nil), f.Buf...)
		p.pool.Unpin(id)
		return img, nil
	}
	buf, err := p.readPageRaw(id)
	if err != nil {
		// Brand new page with nothing on disk yet: treat as all-zero before-image.
		return make([]byte, p.pageSize), nil
	}
	return buf, nil
}

// LogRowChange appends a logical (page, slot)-addressed record for the row
// mutation layer (Insert/Update/Delete at the catalog/table level), giving
// the transaction manager's rollback path a tuple-granularity undo record
// distinct from the page-physical one WritePage already appended for the
// same statement.
func (p *Pager) LogRowChange(tx TxID, typ RecordType, page PageID, slot SlotID, before, after []byte) (LSN, error) {
	p.mu.Lock()
	prev := p.txLastLSN[tx]
	p.mu.Unlock()
	rec := &Record{Type: typ, TxID: tx, PrevLSN: prev, Page: page, Slot: slot, Before: before, After: after}
	lsn, err := p.wal.Append(rec)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.txLastLSN[tx] = lsn
	p.mu.Unlock()
	return lsn, nil
}

// AllocPage reserves a fresh PageID (reusing one from the free list when
// available) and returns a zeroed buffer for the caller to initialize and
// write via WritePage.
func (p *Pager) AllocPage() (PageID, []byte, error) {
	p.mu.Lock()
	id, ok := p.free.Alloc()
	if !ok {
		id = p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
	}
	p.mu.Unlock()
	return id, make([]byte, p.pageSize), nil
}

// FreePage returns a page to the free list and evicts it from the cache.
func (p *Pager) FreePage(id PageID) {
	p.mu.Lock()
	p.free.Free(id)
	p.mu.Unlock()
	p.pool.Remove(id)
}

// BeginTx starts a transaction's WAL chain with a Begin record and advances
// the superblock's NextTxID watermark so a future reopen's transaction
// manager resumes numbering past every TxID this session ever allocated.
func (p *Pager) BeginTx(tx TxID) error {
	p.mu.Lock()
	if tx >= p.sb.NextTxID {
		p.sb.NextTxID = tx + 1
	}
	p.mu.Unlock()
	_, err := p.wal.Append(&Record{Type: RecBegin, TxID: tx})
	return err
}

// CommitTx appends the Commit record and blocks until it is durable
// (fsynced), per "commit waits on flush_to(commit_record_lsn)".
func (p *Pager) CommitTx(tx TxID) error {
	lsn, err := p.wal.Append(&Record{Type: RecCommit, TxID: tx})
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.txLastLSN, tx)
	p.mu.Unlock()
	return p.wal.FlushTo(lsn)
}

// AbortTx undoes every page-physical change tx made in this session (by
// walking its prev_lsn chain and restoring before-images, same as crash
// recovery's undo pass but against live state instead of a reopened file),
// emitting a CLR per restored page, then appends the terminal Abort
// record. If the process crashes mid-abort, the CLRs already written make
// the remaining undo visible to the next Recover() as an un-ended
// transaction, so it finishes the rollback.
func (p *Pager) AbortTx(tx TxID) error {
	if err := p.undoChain(tx); err != nil {
		return err
	}
	_, err := p.wal.Append(&Record{Type: RecAbort, TxID: tx})
	p.mu.Lock()
	delete(p.txLastLSN, tx)
	p.mu.Unlock()
	return err
}

func (p *Pager) undoChain(tx TxID) error {
	p.mu.Lock()
	lsn := p.txLastLSN[tx]
	p.mu.Unlock()

	var prevUndo LSN
	for lsn != 0 {
		rec, ok := p.wal.RecordByLSN(lsn)
		if !ok {
			break
		}
		next := rec.PrevLSN
		if rec.Type == RecUpdate && len(rec.Before) == p.pageSize {
			if err := p.ApplyPageImage(rec.Page, rec.Before); err != nil {
				return err
			}
			clr := &Record{Type: RecCLR, TxID: tx, PrevLSN: prevUndo, UndoneLSN: rec.LSN, NextUndoLSN: next}
			clrLSN, err := p.wal.Append(clr)
			if err != nil {
				return err
			}
			prevUndo = clrLSN
		}
		lsn = next
	}
	return nil
}

// LastLSN returns the most recent WAL record LSN written by tx, the
// prev_lsn an undo walk should start from.
func (p *Pager) LastLSN(tx TxID) LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txLastLSN[tx]
}

// BeginSavepoint marks tx's current position in its own WAL chain. Passing
// the returned LSN to RollbackToSavepoint later undoes only what tx wrote
// after this call, leaving everything before it (including a previous
// savepoint's surviving writes) in place.
func (p *Pager) BeginSavepoint(tx TxID) LSN {
	return p.LastLSN(tx)
}

// RollbackToSavepoint undoes every page-physical change tx made after sp,
// restoring before-images and emitting a CLR per restored page exactly like
// a full AbortTx's undoChain, but stopping at sp instead of walking all the
// way to tx's Begin record. tx keeps its write slot: its chain position is
// left at sp, so it can keep writing, take another savepoint, or still be
// fully aborted afterward. sp of 0 undoes tx's entire chain, same as
// AbortTx minus the terminal Abort record.
func (p *Pager) RollbackToSavepoint(tx TxID, sp LSN) error {
	p.mu.Lock()
	lsn := p.txLastLSN[tx]
	p.mu.Unlock()

	var prevUndo LSN
	for lsn != 0 && lsn != sp {
		rec, ok := p.wal.RecordByLSN(lsn)
		if !ok {
			break
		}
		next := rec.PrevLSN
		if rec.Type == RecUpdate && len(rec.Before) == p.pageSize {
			if err := p.ApplyPageImage(rec.Page, rec.Before); err != nil {
				return err
			}
			clr := &Record{Type: RecCLR, TxID: tx, PrevLSN: prevUndo, UndoneLSN: rec.LSN, NextUndoLSN: next}
			clrLSN, err := p.wal.Append(clr)
			if err != nil {
				return err
			}
			prevUndo = clrLSN
		}
		lsn = next
	}
	p.mu.Lock()
	p.txLastLSN[tx] = sp
	p.mu.Unlock()
	return nil
}

// ApplyPageImage installs a raw full-page image directly into the cache
// and on-disk file, bypassing WAL logging. Used only by recovery's Redo
// and Undo passes, which are themselves driving WAL replay.
func (p *Pager) ApplyPageImage(id PageID, buf []byte) error {
	p.pool.Remove(id)
	return p.writePageRaw(id, buf)
}

// Checkpoint performs a sharp checkpoint: flush every dirty page, fsync
// the data file, persist the free list and superblock, fsync again, then
// truncate the WAL. Because every record preceding the truncation is by
// construction already reflected on disk, WAL LSN numbering restarts at 1
// after truncation, matching how ReadAll in wal.go numbers records in file
// order.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.pool.DirtyFrames() {
		if err := p.wal.FlushTo(f.PageLSN); err != nil {
			return err
		}
		if err := p.writePageRaw(f.ID, f.Buf); err != nil {
			return err
		}
		f.Dirty = false
	}
	if !p.inMemory {
		if err := p.file.Sync(); err != nil {
			return dberr.Wrap(dberr.Io, err, "fsync data file")
		}
	}

	chunks := p.flushFreeList()
	for _, c := range chunks {
		if err := p.writePageRaw(c.id, c.buf); err != nil {
			return err
		}
	}

	p.sb.CheckpointLSN = 0
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return err
	}
	if !p.inMemory {
		if err := p.file.Sync(); err != nil {
			return dberr.Wrap(dberr.Io, err, "fsync data file after checkpoint")
		}
	}
	obslog.For("pager").Info().Msg("checkpoint complete")
	return p.wal.Truncate()
}

type flPageChunk struct {
	id  PageID
	buf []byte
}

func (p *Pager) flushFreeList() []flPageChunk {
	ids := p.free.AllFree()
	if len(ids) == 0 {
		p.sb.FreeListHead = InvalidPageID
		return nil
	}
	// Always allocates fresh chunk pages from NextPageID; the previous
	// chain's pages are not reused and are not added back to the free set.
	var chunks []flPageChunk
	var head PageID = InvalidPageID
	buf := NewPageBuf(p.pageSize, PageTypeFree)
	flp := InitFreeListPage(buf, 0)
	for _, id := range ids {
		if !flp.AddEntry(id) {
			id2 := p.sb.NextPageID
			p.sb.NextPageID++
			flp.SetNextFreeList(head)
			chunks = append(chunks, flPageChunk{id: id2, buf: buf})
			head = id2
			buf = NewPageBuf(p.pageSize, PageTypeFree)
			flp = InitFreeListPage(buf, 0)
			flp.AddEntry(id)
		}
	}
	id2 := p.sb.NextPageID
	p.sb.NextPageID++
	flp.SetNextFreeList(head)
	chunks = append(chunks, flPageChunk{id: id2, buf: buf})
	p.sb.FreeListHead = id2
	return chunks
}

// Close performs a final checkpoint and releases the underlying file
// handles.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		return err
	}
	if p.wal != nil {
		if err := p.wal.Close(); err != nil {
			return err
		}
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
