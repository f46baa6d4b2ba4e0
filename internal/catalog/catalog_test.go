package catalog

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/pager"
	"github.com/kestrel-db/kestrel/internal/types"
)

func openPagerAndCatalog(t *testing.T) (*pager.Pager, *Catalog) {
	t.Helper()
	p, err := pager.Open(pager.PagerConfig{PageSize: 4096})
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	cat, err := Open(p)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	return p, cat
}

func newTableRoot(t *testing.T, p *pager.Pager) pager.PageID {
	t.Helper()
	id, _, err := p.AllocPage()
	if err != nil {
		t.Fatalf("alloc page: %v", err)
	}
	if err := p.WritePage(1, id, pager.NewLeafRootPage(p.PageSize())); err != nil {
		t.Fatalf("write root: %v", err)
	}
	return id
}

func TestCreateAndLookupTable(t *testing.T) {
	p, cat := openPagerAndCatalog(t)
	def := &TableDef{
		Name:     "widgets",
		Columns:  []ColumnDef{{Name: "id", Kind: types.KindInteger, PrimaryKey: true}},
		RootPage: newTableRoot(t, p),
	}
	if err := cat.CreateTable(1, def); err != nil {
		t.Fatalf("create table: %v", err)
	}
	got, err := cat.Lookup("widgets")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "widgets" || len(got.Columns) != 1 {
		t.Fatalf("looked up def = %+v", got)
	}
}

func TestCreateDuplicateTableFails(t *testing.T) {
	p, cat := openPagerAndCatalog(t)
	def := &TableDef{Name: "widgets", RootPage: newTableRoot(t, p)}
	if err := cat.CreateTable(1, def); err != nil {
		t.Fatalf("create table: %v", err)
	}
	err := cat.CreateTable(1, &TableDef{Name: "widgets", RootPage: newTableRoot(t, p)})
	if dberr.KindOf(err) != dberr.ConstraintViolation {
		t.Fatalf("kind = %v, want ConstraintViolation", dberr.KindOf(err))
	}
}

func TestLookupMissingTable(t *testing.T) {
	_, cat := openPagerAndCatalog(t)
	_, err := cat.Lookup("nope")
	if dberr.KindOf(err) != dberr.NotFound {
		t.Fatalf("kind = %v, want NotFound", dberr.KindOf(err))
	}
}

func TestTableNamesSorted(t *testing.T) {
	p, cat := openPagerAndCatalog(t)
	for _, name := range []string{"zebra", "apple", "mango"} {
		if err := cat.CreateTable(1, &TableDef{Name: name, RootPage: newTableRoot(t, p)}); err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
	}
	got := cat.TableNames()
	want := []string{"apple", "mango", "zebra"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAddIndex(t *testing.T) {
	p, cat := openPagerAndCatalog(t)
	def := &TableDef{
		Name:    "widgets",
		Columns: []ColumnDef{{Name: "id", Kind: types.KindInteger, PrimaryKey: true}, {Name: "sku", Kind: types.KindText}},
		RootPage: newTableRoot(t, p),
	}
	if err := cat.CreateTable(1, def); err != nil {
		t.Fatalf("create table: %v", err)
	}
	idxRoot := newTableRoot(t, p)
	if err := cat.AddIndex(1, "widgets", IndexDef{Name: "idx_sku", Column: "sku", RootPage: idxRoot}); err != nil {
		t.Fatalf("add index: %v", err)
	}
	got, err := cat.Lookup("widgets")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got.Indexes) != 1 || got.Indexes[0].Name != "idx_sku" {
		t.Fatalf("indexes = %+v", got.Indexes)
	}
	// A second index under the same name is rejected.
	err = cat.AddIndex(1, "widgets", IndexDef{Name: "idx_sku", Column: "sku", RootPage: idxRoot})
	if dberr.KindOf(err) != dberr.ConstraintViolation {
		t.Fatalf("kind = %v, want ConstraintViolation", dberr.KindOf(err))
	}
}

func TestBumpRowIDIncrements(t *testing.T) {
	p, cat := openPagerAndCatalog(t)
	def := &TableDef{Name: "log", RootPage: newTableRoot(t, p)}
	if err := cat.CreateTable(1, def); err != nil {
		t.Fatalf("create table: %v", err)
	}
	first, err := cat.BumpRowID(1, "log")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	second, err := cat.BumpRowID(1, "log")
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if first != 0 || second != 1 {
		t.Fatalf("got %d, %d, want 0, 1", first, second)
	}
}

func TestUpdateRootPagePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/root-swap.db"

	p1, err := pager.Open(pager.PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cat1, err := Open(p1)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	def := &TableDef{
		Name:     "widgets",
		Columns:  []ColumnDef{{Name: "id", Kind: types.KindInteger, PrimaryKey: true}},
		RootPage: newTableRoot(t, p1),
	}
	if err := cat1.CreateTable(1, def); err != nil {
		t.Fatalf("create table: %v", err)
	}
	newRoot := newTableRoot(t, p1)
	if err := cat1.UpdateRootPage(1, "widgets", newRoot); err != nil {
		t.Fatalf("update root page: %v", err)
	}
	got, err := cat1.Lookup("widgets")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.RootPage != newRoot {
		t.Fatalf("in-process RootPage = %d, want %d", got.RootPage, newRoot)
	}
	if err := p1.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	p1.Close()

	p2, err := pager.Open(pager.PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	cat2, err := Open(p2)
	if err != nil {
		t.Fatalf("reopen catalog: %v", err)
	}
	got2, err := cat2.Lookup("widgets")
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	if got2.RootPage != newRoot {
		t.Fatalf("RootPage after reopen = %d, want %d", got2.RootPage, newRoot)
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/catalog.db"

	p1, err := pager.Open(pager.PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cat1, err := Open(p1)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	def := &TableDef{
		Name:    "people",
		Columns: []ColumnDef{{Name: "id", Kind: types.KindInteger, PrimaryKey: true}, {Name: "name", Kind: types.KindText, Nullable: true}},
		RootPage: newTableRoot(t, p1),
	}
	if err := cat1.CreateTable(1, def); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := p1.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	p1.Close()

	p2, err := pager.Open(pager.PagerConfig{Path: path, PageSize: 4096})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	cat2, err := Open(p2)
	if err != nil {
		t.Fatalf("reopen catalog: %v", err)
	}
	got, err := cat2.Lookup("people")
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	if len(got.Columns) != 2 || got.Columns[1].Name != "name" || !got.Columns[1].Nullable {
		t.Fatalf("columns after reopen = %+v", got.Columns)
	}
}
