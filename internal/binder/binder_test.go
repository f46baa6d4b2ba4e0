package binder

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/pager"
	"github.com/kestrel-db/kestrel/internal/sqllang"
	"github.com/kestrel-db/kestrel/internal/types"
)

func newCatalogWithTable(t *testing.T, def *catalog.TableDef) *catalog.Catalog {
	t.Helper()
	return newCatalogWithTables(t, def)
}

func newCatalogWithTables(t *testing.T, defs ...*catalog.TableDef) *catalog.Catalog {
	t.Helper()
	p, err := pager.Open(pager.PagerConfig{PageSize: 4096})
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	cat, err := catalog.Open(p)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	for _, def := range defs {
		id, _, err := p.AllocPage()
		if err != nil {
			t.Fatalf("alloc page: %v", err)
		}
		if err := p.WritePage(1, id, pager.NewLeafRootPage(p.PageSize())); err != nil {
			t.Fatalf("write root: %v", err)
		}
		def.RootPage = id
		if err := cat.CreateTable(1, def); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return cat
}

func peopleTable() *catalog.TableDef {
	return &catalog.TableDef{
		Name: "people",
		Columns: []catalog.ColumnDef{
			{Name: "id", Kind: types.KindInteger, PrimaryKey: true},
			{Name: "name", Kind: types.KindText, Nullable: true},
		},
	}
}

func TestBindSelectResolvesTable(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	stmt, err := sqllang.Parse("SELECT name FROM people WHERE id = 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bound, err := Bind(cat, stmt)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.Table == nil || bound.Table.Name != "people" {
		t.Fatalf("bound table = %+v, want people", bound.Table)
	}
}

func TestBindUnknownTable(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	stmt, err := sqllang.Parse("SELECT * FROM ghosts")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Bind(cat, stmt)
	if dberr.KindOf(err) != dberr.NotFound {
		t.Fatalf("kind = %v, want NotFound", dberr.KindOf(err))
	}
}

func TestBindUnknownColumn(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	stmt, err := sqllang.Parse("SELECT nope FROM people")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Bind(cat, stmt)
	if dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}
}

func TestBindInsertColumnValueArityMismatch(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	stmt, err := sqllang.Parse("INSERT INTO people (id, name) VALUES (1)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Bind(cat, stmt)
	if dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}
}

func TestBindInsertUnknownColumn(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	stmt, err := sqllang.Parse("INSERT INTO people (id, nope) VALUES (1, 'x')")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Bind(cat, stmt)
	if dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}
}

func TestBindUpdateAndDeleteWhereColumns(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())

	upd, err := sqllang.Parse("UPDATE people SET name = 'z' WHERE nope = 1")
	if err != nil {
		t.Fatalf("parse update: %v", err)
	}
	if _, err := Bind(cat, upd); dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("update where kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}

	del, err := sqllang.Parse("DELETE FROM people WHERE nope = 1")
	if err != nil {
		t.Fatalf("parse delete: %v", err)
	}
	if _, err := Bind(cat, del); dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("delete where kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}
}

func TestBindExplainDelegatesToInner(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	stmt, err := sqllang.Parse("EXPLAIN SELECT * FROM people")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bound, err := Bind(cat, stmt)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.Table == nil || bound.Table.Name != "people" {
		t.Fatalf("explain's bound table = %+v, want people", bound.Table)
	}
}

func ordersTable() *catalog.TableDef {
	return &catalog.TableDef{
		Name: "orders",
		Columns: []catalog.ColumnDef{
			{Name: "id", Kind: types.KindInteger, PrimaryKey: true},
			{Name: "name", Kind: types.KindText, Nullable: true},
		},
	}
}

func TestBindJoinResolvesQualifiedColumns(t *testing.T) {
	cat := newCatalogWithTables(t, peopleTable(), ordersTable())
	stmt, err := sqllang.Parse("SELECT people.name, orders.name FROM people JOIN orders ON people.id = orders.id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bound, err := Bind(cat, stmt)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(bound.Joins) != 1 || bound.Joins[0].Name != "orders" {
		t.Fatalf("bound joins = %+v, want [orders]", bound.Joins)
	}
}

func TestBindJoinAmbiguousUnqualifiedColumnFails(t *testing.T) {
	cat := newCatalogWithTables(t, peopleTable(), ordersTable())
	stmt, err := sqllang.Parse("SELECT name FROM people JOIN orders ON people.id = orders.id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Bind(cat, stmt)
	if dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}
}

func TestBindJoinUnknownQualifierFails(t *testing.T) {
	cat := newCatalogWithTables(t, peopleTable(), ordersTable())
	stmt, err := sqllang.Parse("SELECT ghost.name FROM people JOIN orders ON people.id = orders.id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, err = Bind(cat, stmt)
	if dberr.KindOf(err) != dberr.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", dberr.KindOf(err))
	}
}

func TestBindTransactionControlHasNoTable(t *testing.T) {
	cat := newCatalogWithTable(t, peopleTable())
	for _, sql := range []string{"BEGIN", "COMMIT", "ROLLBACK"} {
		stmt, err := sqllang.Parse(sql)
		if err != nil {
			t.Fatalf("parse %q: %v", sql, err)
		}
		bound, err := Bind(cat, stmt)
		if err != nil {
			t.Fatalf("bind %q: %v", sql, err)
		}
		if bound.Table != nil {
			t.Fatalf("bind %q: table = %+v, want nil", sql, bound.Table)
		}
	}
}
