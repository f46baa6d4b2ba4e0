package txn

import (
	"sync"

	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/pager"
)

// Tx is one in-flight transaction's bookkeeping. The row data it touches
// lives in the pager/catalog layers; Tx only tracks the identifiers and
// snapshot needed for visibility and conflict checks.
type Tx struct {
	ID       pager.TxID
	StartSeq uint64
	writable bool

	// touched records (table, stored-row address) this tx has deleted or
	// updated, so a second write to the same row within the same
	// transaction is not mistaken for a conflict with itself.
	mu      sync.Mutex
	touched map[string]bool

	// poisoned is set once a transaction-fatal error (WriteConflict) hits
	// this tx. A poisoned tx rejects every further statement with
	// NoActiveTransaction until the caller calls Rollback.
	poisoned bool
}

func (tx *Tx) markTouched(key string) { tx.mu.Lock(); tx.touched[key] = true; tx.mu.Unlock() }
func (tx *Tx) hasTouched(key string) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.touched[key]
}

// Poison marks tx as fatally errored: see Executor.Run's WriteConflict case.
func (tx *Tx) Poison() { tx.mu.Lock(); tx.poisoned = true; tx.mu.Unlock() }

// Poisoned reports whether tx has already hit a transaction-fatal error.
func (tx *Tx) Poisoned() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.poisoned
}

// Manager owns transaction identity allocation, the commit sequence clock,
// and the set of in-flight transactions. The engine is single-writer: only
// one writable transaction may be active at a time, enforced here rather
// than at the pager so that read-only transactions can still run
// concurrently against a stable repeatable-read snapshot.
type Manager struct {
	mu            sync.Mutex
	nextTxID      pager.TxID
	nextCommitSeq uint64
	active        map[pager.TxID]*Tx
	commitSeq     map[pager.TxID]uint64 // committed tx -> its commit sequence number
	writerActive  bool

	// boundary is the first TxID allocated in this process's lifetime. Any
	// CreatedBy/DeletedBy below it was assigned by a prior session; ARIES
	// recovery's undo pass guarantees only committed transactions' effects
	// remain on a reconstructed page, so such an id is always treated as
	// committed rather than looked up in commitSeq, which starts empty on
	// every reopen.
	boundary pager.TxID
}

// NewManager starts a transaction manager with no history: every TxID it
// hands out is considered to belong to this process.
func NewManager() *Manager {
	return NewManagerFrom(1)
}

// NewManagerFrom starts a transaction manager whose first new TxID is
// boundary, with everything below it treated as already committed. Callers
// reopening a persisted database pass the superblock's NextTxID here so
// rows committed in a previous session stay visible.
func NewManagerFrom(boundary pager.TxID) *Manager {
	if boundary < 1 {
		boundary = 1
	}
	return &Manager{
		nextTxID:  boundary,
		boundary:  boundary,
		active:    make(map[pager.TxID]*Tx),
		commitSeq: make(map[pager.TxID]uint64),
	}
}

// Begin starts a transaction. A writable Begin while another writable
// transaction is already active returns NestedTransaction, matching the
// single connection's "one statement-scoped transaction at a time" rule;
// read-only transactions never conflict with the active writer.
func (m *Manager) Begin(writable bool) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if writable && m.writerActive {
		return nil, dberr.New(dberr.NestedTransaction, "a write transaction is already active")
	}
	tx := &Tx{ID: m.nextTxID, StartSeq: m.nextCommitSeq, writable: writable, touched: make(map[string]bool)}
	m.nextTxID++
	m.active[tx.ID] = tx
	if writable {
		m.writerActive = true
	}
	return tx, nil
}

// Commit finalizes tx, assigning it the next commit sequence number so
// later-starting transactions see its writes.
func (m *Manager) Commit(tx *Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[tx.ID]; !ok {
		return dberr.New(dberr.NoActiveTransaction, "transaction %d is not active", tx.ID)
	}
	m.nextCommitSeq++
	m.commitSeq[tx.ID] = m.nextCommitSeq
	delete(m.active, tx.ID)
	if tx.writable {
		m.writerActive = false
	}
	return nil
}

// Abort discards tx without assigning it a commit sequence, so none of its
// writes ever become visible to any snapshot.
func (m *Manager) Abort(tx *Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[tx.ID]; !ok {
		return dberr.New(dberr.NoActiveTransaction, "transaction %d is not active", tx.ID)
	}
	delete(m.active, tx.ID)
	if tx.writable {
		m.writerActive = false
	}
	return nil
}

// CheckWriteConflict implements first-writer-wins: a tx may delete/update
// a row version only if no other transaction has already deleted it, or if
// that other transaction is itself the one making this check (the row was
// already touched earlier in the same transaction).
func (m *Manager) CheckWriteConflict(tx *Tx, rowKey string, h VersionHeader) error {
	if h.DeletedBy == 0 || h.DeletedBy == tx.ID {
		return nil
	}
	if tx.hasTouched(rowKey) {
		return nil
	}
	return dberr.New(dberr.WriteConflict, "row already modified by another transaction")
}

// MarkTouched records that tx has written rowKey, for later conflict
// checks within the same transaction.
func (m *Manager) MarkTouched(tx *Tx, rowKey string) { tx.markTouched(rowKey) }
