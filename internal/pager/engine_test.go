package pager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestInMemoryPager_BTreeRoundTrip(t *testing.T) {
	p, err := Open(PagerConfig{PageSize: 4096})
	if err != nil {
		t.Fatalf("open in-memory pager: %v", err)
	}
	defer p.Close()

	id, _, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	if err := p.WritePage(1, id, NewLeafRootPage(p.PageSize())); err != nil {
		t.Fatalf("write root page: %v", err)
	}
	bt := NewBTree(p, id)
	if err := bt.Insert(1, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok, err := bt.Get([]byte("k1"))
	if err != nil || !ok {
		t.Fatalf("get: %v, ok=%v", err, ok)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestPager_AbortUndoesPageWrites(t *testing.T) {
	p, err := Open(PagerConfig{PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	id, _, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := p.WritePage(1, id, NewLeafRootPage(p.PageSize())); err != nil {
		t.Fatalf("write root: %v", err)
	}
	bt := NewBTree(p, id)

	if err := p.BeginTx(2); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := bt.Insert(2, []byte("a"), []byte("before-abort")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := p.AbortTx(2); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if _, ok, err := bt.Get([]byte("a")); err != nil {
		t.Fatalf("get after abort: %v", err)
	} else if ok {
		t.Fatal("expected key to be gone after abort undid the page write")
	}
}

func TestPager_RecoverReplaysCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	p, err := Open(PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, _, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := p.WritePage(1, id, NewLeafRootPage(p.PageSize())); err != nil {
		t.Fatalf("write root: %v", err)
	}
	bt := NewBTree(p, id)
	if err := p.BeginTx(1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := bt.Insert(1, []byte("surviving-key"), []byte("surviving-value")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := p.CommitTx(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Simulate a crash: the WAL has the committed insert fsynced, but no
	// checkpoint ran, so the data file itself may not reflect it yet.
	p.file.Close()
	p.wal.Close()

	p2, err := Open(PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen (recovery): %v", err)
	}
	defer p2.Close()

	bt2 := NewBTree(p2, id)
	got, ok, err := bt2.Get([]byte("surviving-key"))
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if !ok {
		t.Fatal("committed insert did not survive recovery")
	}
	if !bytes.Equal(got, []byte("surviving-value")) {
		t.Fatalf("got %q, want surviving-value", got)
	}
}
