// Package kestrel is an embeddable relational database engine: page-based
// storage, write-ahead logging with ARIES crash recovery, a single-writer
// MVCC transaction manager, and a small SQL front end over it. Open a
// database file (or an in-memory one) and run SQL against it directly —
// there is no client/server split, matching the single-process embedded
// scope of the engine this package wraps.
package kestrel

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kestrel-db/kestrel/internal/binder"
	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/config"
	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/exec"
	"github.com/kestrel-db/kestrel/internal/obslog"
	"github.com/kestrel-db/kestrel/internal/pager"
	"github.com/kestrel-db/kestrel/internal/sqllang"
	"github.com/kestrel-db/kestrel/internal/txn"
)

// Result is the uniform outcome of executing one statement: a row set for
// SELECT, a row count for INSERT/UPDATE/DELETE, or plan text for EXPLAIN.
type Result = exec.Result

// Config controls how Open creates or opens a database.
type Config struct {
	PageSize         int // defaults to 4096
	BufferPoolFrames int // defaults to 128
	Compress         bool

	// AutoCheckpoint, when non-zero, runs a background checkpoint on this
	// interval so the WAL does not grow unboundedly between explicit
	// Persist calls. Zero disables the background scheduler.
	AutoCheckpoint time.Duration
}

// DB is one open database. A DB is safe for concurrent use by multiple
// goroutines; the transaction manager underneath enforces the engine's
// single-writer rule itself.
type DB struct {
	id  uuid.UUID
	p   *pager.Pager
	cat *catalog.Catalog
	txm *txn.Manager
	ex  *exec.Executor

	mu        sync.Mutex
	scheduler *cron.Cron
}

// Open opens (or creates) a database file at path, replaying the WAL to
// recover from any unclean shutdown.
func Open(path string, cfg Config) (*DB, error) {
	return open(pager.PagerConfig{
		Path:             path,
		PageSize:         cfg.PageSize,
		BufferPoolFrames: cfg.BufferPoolFrames,
		Compress:         cfg.Compress,
	}, cfg)
}

// OpenInMemory opens a pure in-memory database: no file, no on-disk WAL.
// Persist copies dirty frames into the in-memory page store and clears the
// in-memory WAL; Compact rewrites the table B-trees as it does on disk.
func OpenInMemory(cfg Config) (*DB, error) {
	return open(pager.PagerConfig{
		PageSize:         cfg.PageSize,
		BufferPoolFrames: cfg.BufferPoolFrames,
	}, cfg)
}

// OpenWithConfigFile opens (or creates) a database file at path, taking its
// tuning knobs from a YAML config file instead of a literal Config value —
// for callers that keep engine tuning alongside their deployment config
// rather than compiled into the binary.
func OpenWithConfigFile(path, configPath string) (*DB, error) {
	opts, err := config.LoadYAML(configPath)
	if err != nil {
		return nil, err
	}
	return Open(path, Config{
		PageSize:         opts.PageSize,
		BufferPoolFrames: opts.BufferPoolFrames,
		Compress:         opts.EnableOverflowCompression,
		AutoCheckpoint:   opts.CheckpointInterval,
	})
}

func open(pcfg pager.PagerConfig, cfg Config) (*DB, error) {
	p, err := pager.Open(pcfg)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(p)
	if err != nil {
		return nil, err
	}
	// Seed the transaction manager's TxID numbering past the superblock's
	// watermark rather than always starting fresh at 1, so rows committed
	// in a previous session (whose commit sequence numbers do not survive
	// a restart) remain visible after reopening a persisted database; see
	// txn.NewManagerFrom.
	txm := txn.NewManagerFrom(p.Superblock().NextTxID)
	db := &DB{
		id:  uuid.New(),
		p:   p,
		cat: cat,
		txm: txm,
		ex:  exec.New(p, cat, txm),
	}
	if cfg.AutoCheckpoint > 0 {
		db.scheduler = cron.New()
		spec := fmt.Sprintf("@every %s", cfg.AutoCheckpoint)
		if _, err := db.scheduler.AddFunc(spec, func() {
			if err := db.Persist(); err != nil {
				obslog.For("kestrel").Warn().Err(err).Msg("scheduled checkpoint failed")
			}
		}); err != nil {
			return nil, dberr.Wrap(dberr.Internal, err, "schedule auto-checkpoint")
		}
		db.scheduler.Start()
	}
	obslog.For("kestrel").Info().Str("db_id", db.id.String()).Msg("database opened")
	return db, nil
}

// ID is a stable identifier for this open instance, useful for correlating
// log lines across a process that opens more than one database.
func (db *DB) ID() string { return db.id.String() }

// Tx is an open transaction handle returned by BeginTransaction.
type Tx struct {
	db *DB
	t  *txn.Tx
}

// BeginTransaction starts a new transaction. writable=false lets multiple
// read-only transactions run concurrently against independent repeatable-
// read snapshots; writable=true claims the engine's single write slot and
// fails with a NestedTransaction error if another write transaction is
// already open.
func (db *DB) BeginTransaction(writable bool) (*Tx, error) {
	t, err := db.txm.Begin(writable)
	if err != nil {
		return nil, err
	}
	if err := db.p.BeginTx(t.ID); err != nil {
		return nil, err
	}
	return &Tx{db: db, t: t}, nil
}

// Commit durably commits tx: the commit WAL record is fsynced before this
// call returns.
func (tx *Tx) Commit() error {
	if err := tx.db.p.CommitTx(tx.t.ID); err != nil {
		return err
	}
	return tx.db.txm.Commit(tx.t)
}

// Rollback undoes every change tx made and releases its write slot, if it
// held one.
func (tx *Tx) Rollback() error {
	if err := tx.db.p.AbortTx(tx.t.ID); err != nil {
		return err
	}
	return tx.db.txm.Abort(tx.t)
}

// Execute parses, binds, plans and runs one SQL statement against tx.
// BEGIN/COMMIT/ROLLBACK text inside a statement string is rejected — use
// BeginTransaction/Commit/Rollback to control transaction boundaries
// explicitly instead, matching a single-connection embedded engine rather
// than a driver multiplexing many client sessions.
func (tx *Tx) Execute(sql string) (*Result, error) {
	stmt, err := sqllang.Parse(sql)
	if err != nil {
		return nil, err
	}
	switch stmt.(type) {
	case *sqllang.BeginStmt, *sqllang.CommitStmt, *sqllang.RollbackStmt:
		return nil, dberr.New(dberr.SqlParse, "transaction control statements are not valid inside Execute; use BeginTransaction/Commit/Rollback")
	}
	bound, err := binder.Bind(tx.db.cat, stmt)
	if err != nil {
		return nil, err
	}
	return tx.db.ex.Run(tx.t, bound)
}

// Execute runs sql in its own implicitly-committed transaction: a
// convenience for single-statement callers that don't need explicit
// transaction control. Writable statements (everything but SELECT and
// EXPLAIN) open a writable transaction; the rest open a read-only one.
func (db *DB) Execute(sql string) (*Result, error) {
	stmt, err := sqllang.Parse(sql)
	if err != nil {
		return nil, err
	}
	writable := true
	switch stmt.(type) {
	case *sqllang.SelectStmt, *sqllang.ExplainStmt:
		writable = false
	}
	tx, err := db.BeginTransaction(writable)
	if err != nil {
		return nil, err
	}
	bound, err := binder.Bind(db.cat, stmt)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	res, err := db.ex.Run(tx.t, bound)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// Tables lists every table currently defined, sorted by name.
func (db *DB) Tables() []string { return db.cat.TableNames() }

// Persist performs a sharp checkpoint: every dirty page is flushed and
// fsynced, the free list and superblock are persisted, and the WAL is
// truncated. Against an in-memory database the pages go to the in-memory
// page store, no fsync happens, and the in-memory WAL is cleared.
func (db *DB) Persist() error {
	return db.p.Checkpoint()
}

// Compact rewrites each table's B-tree to reclaim space left by deleted
// and superseded row versions (Expansion C's VACUUM), then checkpoints.
// Rows with no deleting transaction are copied into a fresh tree; only the
// old tree's root page is returned to the free list.
// Compact requires exclusive access to the database: callers must ensure
// no other transaction is active.
func (db *DB) Compact() error {
	tx, err := db.BeginTransaction(true)
	if err != nil {
		return err
	}
	for _, name := range db.cat.TableNames() {
		def, err := db.cat.Lookup(name)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := compactTable(db.p, db.cat, tx.t.ID, def); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return db.Persist()
}

func compactTable(p *pager.Pager, cat *catalog.Catalog, txID pager.TxID, def *catalog.TableDef) error {
	bt := pager.NewBTree(p, def.RootPage)
	type kv struct{ key, value []byte }
	var live []kv
	err := bt.ScanRange(nil, nil, func(key, stored []byte) bool {
		h, _ := txn.UnwrapRow(stored)
		if h.DeletedBy == 0 {
			live = append(live, kv{append([]byte(nil), key...), append([]byte(nil), stored...)})
		}
		return true
	})
	if err != nil {
		return err
	}
	newRoot, _, err := p.AllocPage()
	if err != nil {
		return err
	}
	if err := p.WritePage(txID, newRoot, pager.NewLeafRootPage(p.PageSize())); err != nil {
		return err
	}
	newBT := pager.NewBTree(p, newRoot)
	for _, e := range live {
		if err := newBT.Insert(txID, e.key, e.value); err != nil {
			return err
		}
	}
	old := def.RootPage
	if err := cat.UpdateRootPage(txID, def.Name, newRoot); err != nil {
		return err
	}
	p.FreePage(old)
	return nil
}

// Stats reports a human-readable summary of the database's on-disk
// footprint, for diagnostic logging rather than programmatic use.
func (db *DB) Stats() string {
	sb := db.p.Superblock()
	size := uint64(sb.PageCount) * uint64(db.p.PageSize())
	return fmt.Sprintf("%s across %d pages, %d tables", humanize.Bytes(size), sb.PageCount, len(db.cat.TableNames()))
}

// Close stops any background scheduler and closes the underlying pager.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.scheduler != nil {
		db.scheduler.Stop()
		db.scheduler = nil
	}
	db.mu.Unlock()
	return db.p.Close()
}
