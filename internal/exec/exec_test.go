package exec

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/binder"
	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/pager"
	"github.com/kestrel-db/kestrel/internal/sqllang"
	"github.com/kestrel-db/kestrel/internal/txn"
)

type fixture struct {
	p   *pager.Pager
	cat *catalog.Catalog
	txm *txn.Manager
	ex  *Executor
}

func newFixture(t *testing.T) *fixture {
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
	txm := txn.NewManager()
	return &fixture{p: p, cat: cat, txm: txm, ex: New(p, cat, txm)}
}

// run executes sql inside its own implicit writable (or read-only, for
// SELECT/EXPLAIN) transaction and commits it, mirroring kestrel.DB.Execute
// at the package-internal level this test lives at.
func (f *fixture) run(t *testing.T, sql string) *Result {
	t.Helper()
	stmt, err := sqllang.Parse(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	writable := true
	switch stmt.(type) {
	case *sqllang.SelectStmt, *sqllang.ExplainStmt:
		writable = false
	}
	tx, err := f.txm.Begin(writable)
	if err != nil {
		t.Fatalf("begin for %q: %v", sql, err)
	}
	if err := f.p.BeginTx(tx.ID); err != nil {
		t.Fatalf("pager begin tx: %v", err)
	}
	bound, err := binder.Bind(f.cat, stmt)
	if err != nil {
		_ = f.p.AbortTx(tx.ID)
		_ = f.txm.Abort(tx)
		t.Fatalf("bind %q: %v", sql, err)
	}
	res, err := f.ex.Run(tx, bound)
	if err != nil {
		_ = f.p.AbortTx(tx.ID)
		_ = f.txm.Abort(tx)
		t.Fatalf("run %q: %v", sql, err)
	}
	if err := f.p.CommitTx(tx.ID); err != nil {
		t.Fatalf("pager commit: %v", err)
	}
	if err := f.txm.Commit(tx); err != nil {
		t.Fatalf("commit %q: %v", sql, err)
	}
	return res
}

// runErr is like run but expects Run itself (not parse/bind) to fail, and
// rolls the transaction back, returning the error's Kind.
func (f *fixture) runErr(t *testing.T, sql string) dberr.Kind {
	t.Helper()
	stmt, err := sqllang.Parse(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	tx, err := f.txm.Begin(true)
	if err != nil {
		t.Fatalf("begin for %q: %v", sql, err)
	}
	if err := f.p.BeginTx(tx.ID); err != nil {
		t.Fatalf("pager begin tx: %v", err)
	}
	bound, err := binder.Bind(f.cat, stmt)
	if err != nil {
		_ = f.p.AbortTx(tx.ID)
		_ = f.txm.Abort(tx)
		return dberr.KindOf(err)
	}
	_, runErr := f.ex.Run(tx, bound)
	_ = f.p.AbortTx(tx.ID)
	_ = f.txm.Abort(tx)
	if runErr == nil {
		t.Fatalf("expected %q to fail", sql)
	}
	return dberr.KindOf(runErr)
}

func TestCreateInsertSelectRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT)")
	f.run(t, "INSERT INTO t VALUES (2, 'b'), (1, 'a')")

	res := f.run(t, "SELECT * FROM t")
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	// The primary-key B-tree orders by key, so row (1,'a') sorts first
	// regardless of insertion order.
	if res.Rows[0][0].Int() != 1 || res.Rows[1][0].Int() != 2 {
		t.Fatalf("rows not key-ordered: %v", res.Rows)
	}
}

func TestInsertRejectsNonNullableMissingColumn(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT NOT NULL)")
	kind := f.runErr(t, "INSERT INTO t (id) VALUES (1)")
	if kind != dberr.ConstraintViolation {
		t.Fatalf("kind = %v, want ConstraintViolation", kind)
	}
}

func TestInsertRejectsNullPrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT NOT NULL)")
	kind := f.runErr(t, "INSERT INTO t (id, n) VALUES (NULL, 'x')")
	if kind != dberr.ConstraintViolation {
		t.Fatalf("kind = %v, want ConstraintViolation", kind)
	}
}

func TestSelectUsesIndexForEqualityPredicate(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, sku TEXT)")
	f.run(t, "INSERT INTO t VALUES (1, 'aaa'), (2, 'bbb'), (3, 'aaa')")
	f.run(t, "CREATE INDEX idx_sku ON t (sku)")

	res := f.run(t, "SELECT id FROM t WHERE sku = 'aaa'")
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	seen := map[int64]bool{}
	for _, row := range res.Rows {
		seen[row[0].Int()] = true
	}
	if !seen[1] || !seen[3] {
		t.Fatalf("expected ids 1 and 3, got %v", res.Rows)
	}
}

func TestUpdateChangingPrimaryKeyMovesRow(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT)")
	f.run(t, "INSERT INTO t VALUES (1, 'a')")
	f.run(t, "UPDATE t SET id = 2 WHERE id = 1")

	res := f.run(t, "SELECT id FROM t")
	if len(res.Rows) != 1 || res.Rows[0][0].Int() != 2 {
		t.Fatalf("rows = %v, want a single row with id=2", res.Rows)
	}
}

func TestDeleteTombstonesRowInvisibleToLaterReaders(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	f.run(t, "INSERT INTO t VALUES (1), (2)")
	f.run(t, "DELETE FROM t WHERE id = 1")

	res := f.run(t, "SELECT id FROM t")
	if len(res.Rows) != 1 || res.Rows[0][0].Int() != 2 {
		t.Fatalf("rows = %v, want only id=2", res.Rows)
	}
}

func TestOrderByDescendingWithLimit(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	f.run(t, "INSERT INTO t VALUES (1), (2), (3), (4)")

	res := f.run(t, "SELECT id FROM t ORDER BY id DESC LIMIT 2")
	if len(res.Rows) != 2 || res.Rows[0][0].Int() != 4 || res.Rows[1][0].Int() != 3 {
		t.Fatalf("rows = %v, want [4 3]", res.Rows)
	}
}

func TestAggregatesSkipNullValues(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n INTEGER)")
	f.run(t, "INSERT INTO t (id, n) VALUES (1, 10)")
	f.run(t, "INSERT INTO t (id) VALUES (2)")
	f.run(t, "INSERT INTO t (id, n) VALUES (3, 20)")

	res := f.run(t, "SELECT SUM(n), COUNT(n), AVG(n) FROM t")
	row := res.Rows[0]
	if row[0].Int() != 30 {
		t.Fatalf("SUM = %v, want 30", row[0])
	}
	if row[1].Int() != 2 {
		t.Fatalf("COUNT = %v, want 2 (NULL excluded)", row[1])
	}
	if row[2].Float64() != 15 {
		t.Fatalf("AVG = %v, want 15", row[2])
	}
}

func TestDivisionByZeroIsArithmeticError(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n INTEGER)")
	f.run(t, "INSERT INTO t VALUES (1, 0)")
	kind := f.runErr(t, "SELECT id / n FROM t")
	if kind != dberr.ArithmeticError {
		t.Fatalf("kind = %v, want ArithmeticError", kind)
	}
}

func TestExplainNonSelectReportsNothingToPlan(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	res := f.run(t, "EXPLAIN INSERT INTO t VALUES (1)")
	if res.Plan == "" {
		t.Fatal("expected a non-empty message for a non-query EXPLAIN target")
	}
}

func TestWhereWithUnknownComparisonExcludesRow(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT)")
	f.run(t, "INSERT INTO t (id) VALUES (1)")
	f.run(t, "INSERT INTO t (id, n) VALUES (2, 'x')")

	// NULL = 'x' is Unknown, not True, so the NULL row is excluded.
	res := f.run(t, "SELECT id FROM t WHERE n = 'x'")
	if len(res.Rows) != 1 || res.Rows[0][0].Int() != 2 {
		t.Fatalf("rows = %v, want only id=2", res.Rows)
	}
}

func TestNestedLoopJoinMatchesOnEquality(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)")
	f.run(t, "CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, item TEXT)")
	f.run(t, "INSERT INTO customers VALUES (1, 'alice'), (2, 'bob')")
	f.run(t, "INSERT INTO orders VALUES (10, 1, 'widget'), (11, 2, 'gadget'), (12, 1, 'gizmo')")

	res := f.run(t, "SELECT customers.name, orders.item FROM customers JOIN orders ON customers.id = orders.customer_id ORDER BY orders.id")
	if len(res.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(res.Rows))
	}
	want := []string{"alice", "bob", "alice"}
	for i, row := range res.Rows {
		if row[0].Text() != want[i] {
			t.Fatalf("row %d name = %v, want %v", i, row[0], want[i])
		}
	}
}

func TestNestedLoopJoinUnmatchedOuterRowDropped(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)")
	f.run(t, "CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER)")
	f.run(t, "INSERT INTO customers VALUES (1, 'alice'), (2, 'bob')")
	f.run(t, "INSERT INTO orders VALUES (10, 1)")

	// customer 2 has no matching order, so an INNER JOIN drops it.
	res := f.run(t, "SELECT customers.name FROM customers JOIN orders ON customers.id = orders.customer_id")
	if len(res.Rows) != 1 || res.Rows[0][0].Text() != "alice" {
		t.Fatalf("rows = %v, want only alice", res.Rows)
	}
}

func TestAmbiguousUnqualifiedColumnAcrossJoinFails(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE a (id INTEGER PRIMARY KEY)")
	f.run(t, "CREATE TABLE b (id INTEGER PRIMARY KEY)")
	kind := f.runErr(t, "SELECT id FROM a JOIN b ON a.id = b.id")
	if kind != dberr.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", kind)
	}
}

// A multi-row INSERT that fails partway through (here, a duplicate key
// against itself) must leave none of its own rows behind: Run's savepoint
// undoes the whole statement, not just the failing row, while the rest of
// the still-open transaction (the earlier successful INSERT) survives.
func TestFailedStatementRollsBackOnlyItsOwnWrites(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT)")

	tx, err := f.txm.Begin(true)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.p.BeginTx(tx.ID); err != nil {
		t.Fatalf("pager begin tx: %v", err)
	}

	insertBound, err := binder.Bind(f.cat, mustParse(t, "INSERT INTO t VALUES (1, 'a')"))
	if err != nil {
		t.Fatalf("bind first insert: %v", err)
	}
	if _, err := f.ex.Run(tx, insertBound); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	badBound, err := binder.Bind(f.cat, mustParse(t, "INSERT INTO t VALUES (2, 'b'), (2, 'c')"))
	if err != nil {
		t.Fatalf("bind second insert: %v", err)
	}
	if _, err := f.ex.Run(tx, badBound); dberr.KindOf(err) != dberr.ConstraintViolation {
		t.Fatalf("second insert kind = %v, want ConstraintViolation", dberr.KindOf(err))
	}

	selBound, err := binder.Bind(f.cat, mustParse(t, "SELECT id FROM t"))
	if err != nil {
		t.Fatalf("bind select: %v", err)
	}
	res, err := f.ex.Run(tx, selBound)
	if err != nil {
		t.Fatalf("select mid-transaction: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0].Int() != 1 {
		t.Fatalf("rows mid-transaction = %v, want only id=1", res.Rows)
	}

	if err := f.p.CommitTx(tx.ID); err != nil {
		t.Fatalf("commit pager: %v", err)
	}
	if err := f.txm.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	final := f.run(t, "SELECT id FROM t")
	if len(final.Rows) != 1 || final.Rows[0][0].Int() != 1 {
		t.Fatalf("rows after commit = %v, want only id=1", final.Rows)
	}
}

func mustParse(t *testing.T, sql string) sqllang.Stmt {
	t.Helper()
	stmt, err := sqllang.Parse(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	return stmt
}
