// Package binder resolves a parsed statement against the catalog: table
// and column existence and INSERT column-count/value-count agreement.
// Integer->Float widening and type checks happen during evaluation in
// internal/exec, not here.
package binder

import (
	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/sqllang"
	"github.com/kestrel-db/kestrel/internal/types"
)

// Bound wraps a parsed statement together with the table definition(s) it
// was resolved against, so the planner never needs to consult the catalog
// again mid-plan.
type Bound struct {
	Stmt  sqllang.Stmt
	Table *catalog.TableDef // nil for BEGIN/COMMIT/ROLLBACK

	// Joins holds one resolved TableDef per sqllang.SelectStmt.Joins entry,
	// in the same order, for a SELECT with one or more JOIN clauses. Empty
	// for every other statement kind and for joinless SELECTs.
	Joins []*catalog.TableDef
}

func Bind(cat *catalog.Catalog, stmt sqllang.Stmt) (*Bound, error) {
	switch s := stmt.(type) {
	case *sqllang.CreateTableStmt:
		return &Bound{Stmt: s}, nil
	case *sqllang.CreateIndexStmt:
		def, err := cat.Lookup(s.Table)
		if err != nil {
			return nil, err
		}
		if def.ColumnIndex(s.Column) < 0 {
			return nil, dberr.New(dberr.SchemaMismatch, "no such column %q on table %q", s.Column, s.Table)
		}
		return &Bound{Stmt: s, Table: def}, nil
	case *sqllang.InsertStmt:
		def, err := cat.Lookup(s.Table)
		if err != nil {
			return nil, err
		}
		if err := bindInsert(def, s); err != nil {
			return nil, err
		}
		return &Bound{Stmt: s, Table: def}, nil
	case *sqllang.SelectStmt:
		def, err := cat.Lookup(s.Table)
		if err != nil {
			return nil, err
		}
		joinDefs := make([]*catalog.TableDef, len(s.Joins))
		tables := []*catalog.TableDef{def}
		for i, jc := range s.Joins {
			jdef, err := cat.Lookup(jc.Table)
			if err != nil {
				return nil, err
			}
			joinDefs[i] = jdef
			tables = append(tables, jdef)
		}
		if err := bindSelect(tables, s); err != nil {
			return nil, err
		}
		return &Bound{Stmt: s, Table: def, Joins: joinDefs}, nil
	case *sqllang.UpdateStmt:
		def, err := cat.Lookup(s.Table)
		if err != nil {
			return nil, err
		}
		for _, a := range s.Assignments {
			if def.ColumnIndex(a.Column) < 0 {
				return nil, dberr.New(dberr.SchemaMismatch, "no such column %q on table %q", a.Column, s.Table)
			}
			if err := checkExpr([]*catalog.TableDef{def}, a.Value); err != nil {
				return nil, err
			}
		}
		if s.Where != nil {
			if err := checkExpr([]*catalog.TableDef{def}, s.Where); err != nil {
				return nil, err
			}
		}
		return &Bound{Stmt: s, Table: def}, nil
	case *sqllang.DeleteStmt:
		def, err := cat.Lookup(s.Table)
		if err != nil {
			return nil, err
		}
		if s.Where != nil {
			if err := checkExpr([]*catalog.TableDef{def}, s.Where); err != nil {
				return nil, err
			}
		}
		return &Bound{Stmt: s, Table: def}, nil
	case *sqllang.ExplainStmt:
		inner, err := Bind(cat, s.Inner)
		if err != nil {
			return nil, err
		}
		return &Bound{Stmt: s, Table: inner.Table, Joins: inner.Joins}, nil
	case *sqllang.BeginStmt, *sqllang.CommitStmt, *sqllang.RollbackStmt:
		return &Bound{Stmt: s}, nil
	default:
		return nil, dberr.New(dberr.Internal, "unhandled statement type in binder")
	}
}

func bindInsert(def *catalog.TableDef, s *sqllang.InsertStmt) error {
	cols := s.Columns
	if len(cols) == 0 {
		cols = make([]string, len(def.Columns))
		for i, c := range def.Columns {
			cols[i] = c.Name
		}
	} else {
		for _, c := range cols {
			if def.ColumnIndex(c) < 0 {
				return dberr.New(dberr.SchemaMismatch, "no such column %q on table %q", c, def.Name)
			}
		}
	}
	for _, row := range s.Rows {
		if len(row) != len(cols) {
			return dberr.New(dberr.SchemaMismatch, "expected %d values, got %d", len(cols), len(row))
		}
	}
	return nil
}

func bindSelect(tables []*catalog.TableDef, s *sqllang.SelectStmt) error {
	for _, jc := range s.Joins {
		if jc.On != nil {
			if err := checkExpr(tables, jc.On); err != nil {
				return err
			}
		}
	}
	if !s.Star {
		for _, item := range s.Projection {
			if err := checkExpr(tables, item.Expr); err != nil {
				return err
			}
		}
	}
	if s.Where != nil {
		if err := checkExpr(tables, s.Where); err != nil {
			return err
		}
	}
	for _, term := range s.OrderBy {
		if _, _, err := resolveColumn(tables, "", term.Column); err != nil {
			return err
		}
	}
	return nil
}

// resolveColumn resolves a (possibly qualified) column reference against the
// tables in scope. A qualifier must name one of the tables exactly; without
// one, the name must be unambiguous across every table in scope.
func resolveColumn(tables []*catalog.TableDef, qualifier, name string) (tableIdx, colIdx int, err error) {
	if qualifier != "" {
		for ti, t := range tables {
			if t.Name == qualifier {
				ci := t.ColumnIndex(name)
				if ci < 0 {
					return 0, 0, dberr.New(dberr.SchemaMismatch, "no such column %q on table %q", name, qualifier)
				}
				return ti, ci, nil
			}
		}
		return 0, 0, dberr.New(dberr.SchemaMismatch, "no such table %q in FROM/JOIN", qualifier)
	}
	found, foundCol := -1, -1
	for ti, t := range tables {
		ci := t.ColumnIndex(name)
		if ci >= 0 {
			if found >= 0 {
				return 0, 0, dberr.New(dberr.SchemaMismatch, "ambiguous column reference %q", name)
			}
			found, foundCol = ti, ci
		}
	}
	if found < 0 {
		return 0, 0, dberr.New(dberr.SchemaMismatch, "no such column %q", name)
	}
	return found, foundCol, nil
}

// checkExpr validates column references exist; it does not attempt full
// static type checking of arithmetic, since Integer/Float widening and
// three-valued NULL comparisons are resolved dynamically during
// evaluation (see internal/exec).
func checkExpr(tables []*catalog.TableDef, e sqllang.Expr) error {
	switch ex := e.(type) {
	case *sqllang.ColumnRefExpr:
		_, _, err := resolveColumn(tables, ex.Table, ex.Name)
		return err
	case *sqllang.UnaryExpr:
		return checkExpr(tables, ex.Operand)
	case *sqllang.BinaryExpr:
		if err := checkExpr(tables, ex.Left); err != nil {
			return err
		}
		return checkExpr(tables, ex.Right)
	case *sqllang.CallExpr:
		for _, a := range ex.Args {
			if err := checkExpr(tables, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// ColumnKind resolves the declared storage kind for a column, used by the
// executor to validate/convert literal values on INSERT/UPDATE.
func ColumnKind(def *catalog.TableDef, name string) (types.Kind, bool) {
	i := def.ColumnIndex(name)
	if i < 0 {
		return 0, false
	}
	return def.Columns[i].Kind, true
}
