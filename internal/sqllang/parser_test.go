package sqllang

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/dberr"
)

func TestParseCreateTable(t *testing.T) {
	stmt, err := Parse("CREATE TABLE t (id INTEGER PRIMARY KEY, n TEXT NOT NULL)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ct, ok := stmt.(*CreateTableStmt)
	if !ok {
		t.Fatalf("expected *CreateTableStmt, got %T", stmt)
	}
	if ct.Table != "t" {
		t.Fatalf("table name = %q, want t", ct.Table)
	}
	if len(ct.Columns) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(ct.Columns))
	}
	if !ct.Columns[0].PrimaryKey || ct.Columns[0].TypeName != "INTEGER" {
		t.Fatalf("id column = %+v, want primary key INTEGER", ct.Columns[0])
	}
	if ct.Columns[1].Nullable {
		t.Fatalf("n column should be NOT NULL, got Nullable=true")
	}
}

func TestParseInsertMultiRow(t *testing.T) {
	stmt, err := Parse("INSERT INTO t VALUES (1, 'a'), (2, 'b')")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ins, ok := stmt.(*InsertStmt)
	if !ok {
		t.Fatalf("expected *InsertStmt, got %T", stmt)
	}
	if ins.Table != "t" {
		t.Fatalf("table = %q, want t", ins.Table)
	}
	if len(ins.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(ins.Rows))
	}
	lit, ok := ins.Rows[1][1].(*LiteralExpr)
	if !ok || lit.Kind != LitString || lit.Str != "b" {
		t.Fatalf("second row's second value = %+v, want string literal 'b'", ins.Rows[1][1])
	}
}

func TestParseInsertEscapedQuote(t *testing.T) {
	stmt, err := Parse("INSERT INTO t (n) VALUES ('it''s')")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ins := stmt.(*InsertStmt)
	lit := ins.Rows[0][0].(*LiteralExpr)
	if lit.Str != "it's" {
		t.Fatalf("escaped literal = %q, want \"it's\"", lit.Str)
	}
}

func TestParseSelectStar(t *testing.T) {
	stmt, err := Parse("SELECT * FROM t")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	if !sel.Star || sel.Table != "t" {
		t.Fatalf("select = %+v, want Star=true Table=t", sel)
	}
}

func TestParseSelectWhereOrderLimit(t *testing.T) {
	stmt, err := Parse("SELECT id, n FROM t WHERE id > 1 AND n != 'x' ORDER BY id DESC LIMIT 5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	if len(sel.Projection) != 2 {
		t.Fatalf("expected 2 projection items, got %d", len(sel.Projection))
	}
	if sel.Where == nil {
		t.Fatal("expected a WHERE clause")
	}
	bin, ok := sel.Where.(*BinaryExpr)
	if !ok || bin.Op != "AND" {
		t.Fatalf("expected top-level AND, got %+v", sel.Where)
	}
	if len(sel.OrderBy) != 1 || sel.OrderBy[0].Column != "id" || !sel.OrderBy[0].Desc {
		t.Fatalf("order by = %+v, want [id DESC]", sel.OrderBy)
	}
	if !sel.HasLimit || sel.Limit != 5 {
		t.Fatalf("limit = %v/%v, want 5", sel.HasLimit, sel.Limit)
	}
}

func TestParseJoinClause(t *testing.T) {
	stmt, err := Parse("SELECT a.x, b.y FROM a JOIN b ON a.id = b.a_id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	if sel.Table != "a" {
		t.Fatalf("table = %q, want a", sel.Table)
	}
	if len(sel.Joins) != 1 || sel.Joins[0].Table != "b" {
		t.Fatalf("joins = %+v, want one join on b", sel.Joins)
	}
	on, ok := sel.Joins[0].On.(*BinaryExpr)
	if !ok || on.Op != "=" {
		t.Fatalf("join on = %+v, want equality", sel.Joins[0].On)
	}
	left, ok := on.Left.(*ColumnRefExpr)
	if !ok || left.Table != "a" || left.Name != "id" {
		t.Fatalf("join on left = %+v, want a.id", on.Left)
	}
	col0, ok := sel.Projection[0].Expr.(*ColumnRefExpr)
	if !ok || col0.Table != "a" || col0.Name != "x" {
		t.Fatalf("projection[0] = %+v, want a.x", sel.Projection[0].Expr)
	}
}

func TestParseMultiJoinChain(t *testing.T) {
	stmt, err := Parse("SELECT * FROM a JOIN b ON a.id = b.a_id INNER JOIN c ON b.id = c.b_id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	if len(sel.Joins) != 2 || sel.Joins[0].Table != "b" || sel.Joins[1].Table != "c" {
		t.Fatalf("joins = %+v, want [b c]", sel.Joins)
	}
}

func TestParseSelectAggregate(t *testing.T) {
	stmt, err := Parse("SELECT COUNT(*), SUM(id) FROM t")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sel := stmt.(*SelectStmt)
	if len(sel.Projection) != 2 {
		t.Fatalf("expected 2 projection items, got %d", len(sel.Projection))
	}
	count, ok := sel.Projection[0].Expr.(*CallExpr)
	if !ok || count.Name != "COUNT" || !count.Star {
		t.Fatalf("first item = %+v, want COUNT(*)", sel.Projection[0].Expr)
	}
	sum, ok := sel.Projection[1].Expr.(*CallExpr)
	if !ok || sum.Name != "SUM" || len(sum.Args) != 1 {
		t.Fatalf("second item = %+v, want SUM(id)", sel.Projection[1].Expr)
	}
}

func TestParseUpdate(t *testing.T) {
	stmt, err := Parse("UPDATE t SET n = 'z' WHERE id = 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	upd := stmt.(*UpdateStmt)
	if upd.Table != "t" || len(upd.Assignments) != 1 || upd.Assignments[0].Column != "n" {
		t.Fatalf("update = %+v", upd)
	}
	if upd.Where == nil {
		t.Fatal("expected a WHERE clause")
	}
}

func TestParseDelete(t *testing.T) {
	stmt, err := Parse("DELETE FROM t WHERE id = 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	del := stmt.(*DeleteStmt)
	if del.Table != "t" || del.Where == nil {
		t.Fatalf("delete = %+v", del)
	}
}

func TestParseTransactionControl(t *testing.T) {
	cases := []struct {
		sql  string
		want Stmt
	}{
		{"BEGIN", &BeginStmt{}},
		{"COMMIT", &CommitStmt{}},
		{"ROLLBACK", &RollbackStmt{}},
	}
	for _, c := range cases {
		stmt, err := Parse(c.sql)
		if err != nil {
			t.Fatalf("parse %q: %v", c.sql, err)
		}
		if stmt == nil {
			t.Fatalf("parse %q: nil statement", c.sql)
		}
	}
}

func TestParseExplain(t *testing.T) {
	stmt, err := Parse("EXPLAIN SELECT * FROM t")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ex, ok := stmt.(*ExplainStmt)
	if !ok {
		t.Fatalf("expected *ExplainStmt, got %T", stmt)
	}
	if _, ok := ex.Inner.(*SelectStmt); !ok {
		t.Fatalf("expected inner SELECT, got %T", ex.Inner)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"SELEKT * FROM t",
		"CREATE TABLE (id INTEGER)",
		"SELECT * FROM",
		"INSERT INTO t VALUES (1",
	}
	for _, sql := range cases {
		_, err := Parse(sql)
		if err == nil {
			t.Fatalf("parse %q: expected an error", sql)
		}
		if dberr.KindOf(err) != dberr.SqlParse {
			t.Fatalf("parse %q: kind = %v, want SqlParse", sql, dberr.KindOf(err))
		}
	}
}

func TestParseNullAndBooleanLiterals(t *testing.T) {
	stmt, err := Parse("INSERT INTO t VALUES (NULL, TRUE, FALSE)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	row := stmt.(*InsertStmt).Rows[0]
	if lit := row[0].(*LiteralExpr); lit.Kind != LitNull {
		t.Fatalf("first value kind = %v, want LitNull", lit.Kind)
	}
	if lit := row[1].(*LiteralExpr); lit.Kind != LitBool || !lit.Bool {
		t.Fatalf("second value = %+v, want TRUE", lit)
	}
	if lit := row[2].(*LiteralExpr); lit.Kind != LitBool || lit.Bool {
		t.Fatalf("third value = %+v, want FALSE", lit)
	}
}
