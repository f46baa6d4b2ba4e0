// Package planner turns a bound statement into a small operator tree the
// executor walks directly; there is no separate logical/physical split
// since the engine has exactly one access path per table (primary-key
// B-tree scan, optionally narrowed by a secondary index) and no join
// reordering to do.
package planner

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/kestrel-db/kestrel/internal/binder"
	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/sqllang"
)

// Op is the sum type of executable plan nodes.
type Op interface {
	String() string
	op()
}

type ScanOp struct {
	Table *catalog.TableDef
	// IndexHint, if non-nil, names a secondary index the planner chose
	// because the predicate supplies an equality match on its column.
	IndexHint *catalog.IndexDef
	IndexKey  sqllang.Expr
}

type FilterOp struct {
	Input Op
	Pred  sqllang.Expr
}

type ProjectOp struct {
	Input Op
	Items []sqllang.SelectItem
	Star  bool
}

type SortOp struct {
	Input Op
	Terms []sqllang.OrderTerm
}

type LimitOp struct {
	Input Op
	N     int64
}

type AggregateOp struct {
	Input Op
	Aggs  []sqllang.SelectItem
}

// JoinOp is a NestedLoopJoin step: for each row the Outer operator produces,
// Inner is rescanned from scratch and every row satisfying On is emitted
// paired with the outer row. A multi-way JOIN compiles to a left-deep chain
// of these, outermost table innermost in the tree.
type JoinOp struct {
	Outer Op
	Inner *catalog.TableDef
	On    sqllang.Expr
}

func (s *ScanOp) op()      {}
func (f *FilterOp) op()    {}
func (p *ProjectOp) op()   {}
func (s *SortOp) op()      {}
func (l *LimitOp) op()     {}
func (a *AggregateOp) op() {}
func (j *JoinOp) op()      {}

func (s *ScanOp) String() string {
	if s.IndexHint != nil {
		return fmt.Sprintf("IndexScan(%s via %s)", s.Table.Name, s.IndexHint.Name)
	}
	return fmt.Sprintf("TableScan(%s)", s.Table.Name)
}
func (f *FilterOp) String() string  { return fmt.Sprintf("Filter(%s)", f.Input) }
func (p *ProjectOp) String() string {
	if p.Star {
		return fmt.Sprintf("Project(*)(%s)", p.Input)
	}
	return fmt.Sprintf("Project(%d cols)(%s)", len(p.Items), p.Input)
}
func (s *SortOp) String() string { return fmt.Sprintf("Sort(%d terms)(%s)", len(s.Terms), s.Input) }
func (l *LimitOp) String() string { return fmt.Sprintf("Limit(%d)(%s)", l.N, l.Input) }
func (a *AggregateOp) String() string {
	return fmt.Sprintf("Aggregate(%d)(%s)", len(a.Aggs), a.Input)
}
func (j *JoinOp) String() string {
	return fmt.Sprintf("NestedLoopJoin(%s, %s)", j.Outer, j.Inner.Name)
}

// Plan is the result of planning one bound statement. DML/DDL statements
// compile to a nil Root; the executor dispatches on the statement type
// directly for those.
type Plan struct {
	Root Op
}

func (p *Plan) Explain() string {
	if p.Root == nil {
		return "(no scan)"
	}
	return p.Root.String()
}

func Build(bound *binder.Bound) (*Plan, error) {
	sel, ok := bound.Stmt.(*sqllang.SelectStmt)
	if !ok {
		return &Plan{}, nil
	}
	var root Op = &ScanOp{Table: bound.Table}
	if len(sel.Joins) == 0 {
		if idx, key := chooseIndex(bound.Table, sel.Where); idx != nil {
			root.(*ScanOp).IndexHint = idx
			root.(*ScanOp).IndexKey = key
		}
	}
	for i, jc := range sel.Joins {
		root = &JoinOp{Outer: root, Inner: bound.Joins[i], On: jc.On}
	}
	if sel.Where != nil {
		root = &FilterOp{Input: root, Pred: sel.Where}
	}
	if hasAggregate(sel) {
		root = &AggregateOp{Input: root, Aggs: sel.Projection}
	} else if !sel.Star {
		root = &ProjectOp{Input: root, Items: sel.Projection}
	} else {
		root = &ProjectOp{Input: root, Star: true}
	}
	if len(sel.OrderBy) > 0 {
		root = &SortOp{Input: root, Terms: sel.OrderBy}
	}
	if sel.HasLimit {
		root = &LimitOp{Input: root, N: sel.Limit}
	}
	return &Plan{Root: root}, nil
}

func hasAggregate(sel *sqllang.SelectStmt) bool {
	return lo.SomeBy(sel.Projection, func(item sqllang.SelectItem) bool {
		_, ok := item.Expr.(*sqllang.CallExpr)
		return ok
	})
}

// chooseIndex looks for a top-level "col = literal" (or a conjunct of one
// inside an AND chain) over a column carrying a secondary index, the only
// shape this planner knows how to turn into an index lookup.
func chooseIndex(def *catalog.TableDef, where sqllang.Expr) (*catalog.IndexDef, sqllang.Expr) {
	if where == nil || len(def.Indexes) == 0 {
		return nil, nil
	}
	conjuncts := flattenAnd(where)
	for _, c := range conjuncts {
		bin, ok := c.(*sqllang.BinaryExpr)
		if !ok || bin.Op != "=" {
			continue
		}
		col, lit := matchColumnLiteral(bin)
		if col == "" {
			continue
		}
		for i := range def.Indexes {
			if def.Indexes[i].Column == col {
				return &def.Indexes[i], lit
			}
		}
	}
	return nil, nil
}

func flattenAnd(e sqllang.Expr) []sqllang.Expr {
	bin, ok := e.(*sqllang.BinaryExpr)
	if !ok || bin.Op != "AND" {
		return []sqllang.Expr{e}
	}
	return append(flattenAnd(bin.Left), flattenAnd(bin.Right)...)
}

func matchColumnLiteral(bin *sqllang.BinaryExpr) (string, sqllang.Expr) {
	if col, ok := bin.Left.(*sqllang.ColumnRefExpr); ok {
		if _, ok := bin.Right.(*sqllang.LiteralExpr); ok {
			return col.Name, bin.Right
		}
	}
	if col, ok := bin.Right.(*sqllang.ColumnRefExpr); ok {
		if _, ok := bin.Left.(*sqllang.LiteralExpr); ok {
			return col.Name, bin.Left
		}
	}
	return "", nil
}

// Describe renders a plan tree with indentation, used by EXPLAIN.
func Describe(op Op) string {
	var b strings.Builder
	describe(op, 0, &b)
	return b.String()
}

func describe(op Op, depth int, b *strings.Builder) {
	if op == nil {
		return
	}
	b.WriteString(strings.Repeat("  ", depth))
	switch o := op.(type) {
	case *ScanOp:
		b.WriteString(o.String())
		b.WriteByte('\n')
		return
	case *FilterOp:
		b.WriteString("Filter\n")
		describe(o.Input, depth+1, b)
	case *ProjectOp:
		b.WriteString(o.String())
		b.WriteByte('\n')
		describe(o.Input, depth+1, b)
	case *SortOp:
		b.WriteString("Sort\n")
		describe(o.Input, depth+1, b)
	case *LimitOp:
		fmt.Fprintf(b, "Limit(%d)\n", o.N)
		describe(o.Input, depth+1, b)
	case *AggregateOp:
		b.WriteString("Aggregate\n")
		describe(o.Input, depth+1, b)
	case *JoinOp:
		fmt.Fprintf(b, "NestedLoopJoin(%s)\n", o.Inner.Name)
		describe(o.Outer, depth+1, b)
	}
}
