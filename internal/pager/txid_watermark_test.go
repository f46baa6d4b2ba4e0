package pager

import (
	"path/filepath"
	"testing"
)

func TestBeginTxAdvancesSuperblockNextTxID(t *testing.T) {
	p, err := Open(PagerConfig{PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	if err := p.BeginTx(5); err != nil {
		t.Fatalf("begin tx 5: %v", err)
	}
	if got := p.Superblock().NextTxID; got != 6 {
		t.Fatalf("NextTxID = %d, want 6", got)
	}
	// A lower TxID (e.g. a concurrently-started read-only snapshot with an
	// earlier-allocated id) must never move the watermark backward.
	if err := p.BeginTx(2); err != nil {
		t.Fatalf("begin tx 2: %v", err)
	}
	if got := p.Superblock().NextTxID; got != 6 {
		t.Fatalf("NextTxID after a lower TxID = %d, want unchanged 6", got)
	}
}

func TestNextTxIDWatermarkSurvivesCleanCheckpointAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watermark.db")

	p, err := Open(PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.BeginTx(9); err != nil {
		t.Fatalf("begin tx 9: %v", err)
	}
	if err := p.CommitTx(9); err != nil {
		t.Fatalf("commit tx 9: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := Open(PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	if got := p2.Superblock().NextTxID; got != 10 {
		t.Fatalf("NextTxID after reopen = %d, want 10", got)
	}
}

func TestNextTxIDWatermarkRecoveredAfterCrashBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watermark-crash.db")

	p, err := Open(PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.BeginTx(9); err != nil {
		t.Fatalf("begin tx 9: %v", err)
	}
	if err := p.CommitTx(9); err != nil {
		t.Fatalf("commit tx 9: %v", err)
	}
	// No Close()/Checkpoint() here: the in-memory superblock bump in
	// BeginTx never reaches page 0. Recovery must recompute the watermark
	// from the replayed WAL instead of trusting the stale on-disk header.
	p.file.Close()
	p.wal.Close()

	p2, err := Open(PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen (recovery): %v", err)
	}
	defer p2.Close()
	if got := p2.Superblock().NextTxID; got != 10 {
		t.Fatalf("NextTxID after crash recovery = %d, want 10", got)
	}
}
