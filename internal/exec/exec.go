// Package exec walks a planner.Plan (or, for DDL/DML, dispatches directly
// on the bound statement) against the pager and catalog layers, the same
// materialize-a-[]Row-slice-per-stage shape the SQL front end uses end to
// end — there is no streaming iterator protocol, since every operator here
// already holds its whole input in memory once the table scan has run.
package exec

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/kestrel-db/kestrel/internal/binder"
	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/obslog"
	"github.com/kestrel-db/kestrel/internal/pager"
	"github.com/kestrel-db/kestrel/internal/planner"
	"github.com/kestrel-db/kestrel/internal/sqllang"
	"github.com/kestrel-db/kestrel/internal/txn"
	"github.com/kestrel-db/kestrel/internal/types"
)

// Result is the uniform shape every statement produces.
type Result struct {
	Columns []string
	// ColumnTables names the owning table for each entry in Columns, in the
	// same order; empty once a ProjectOp has renamed/computed columns, since
	// qualified references no longer make sense past that point.
	ColumnTables []string
	Rows         [][]types.Value
	RowsAffected int64
	Plan         string // set only for EXPLAIN
}

func (r *Result) schema() *rowSchema {
	if len(r.ColumnTables) == len(r.Columns) {
		return &rowSchema{tableOf: r.ColumnTables, colOf: r.Columns}
	}
	return &rowSchema{tableOf: make([]string, len(r.Columns)), colOf: r.Columns}
}

// Executor ties the pager, catalog and transaction manager together to run
// bound statements. It holds no per-statement state itself.
type Executor struct {
	p   *pager.Pager
	cat *catalog.Catalog
	txm *txn.Manager
}

func New(p *pager.Pager, cat *catalog.Catalog, txm *txn.Manager) *Executor {
	return &Executor{p: p, cat: cat, txm: txm}
}

// Run executes one bound statement as an atomic unit within tx: a savepoint
// taken before dispatch is rolled back if the statement returns an error
// partway through, so a failure mid-INSERT or mid-UPDATE undoes only that
// statement's own writes and leaves every earlier statement in tx (and tx
// itself) intact for the caller to retry, continue, or roll back in full.
func (ex *Executor) Run(tx *txn.Tx, bound *binder.Bound) (*Result, error) {
	if tx.Poisoned() {
		return nil, dberr.New(dberr.NoActiveTransaction, "transaction aborted by a previous error; call Rollback")
	}
	sp := ex.p.BeginSavepoint(tx.ID)
	res, err := ex.dispatch(tx, bound)
	if err != nil {
		if rerr := ex.p.RollbackToSavepoint(tx.ID, sp); rerr != nil {
			return nil, rerr
		}
		// WriteConflict is transaction-fatal, not statement-fatal: the
		// savepoint above already undid this statement's partial writes,
		// but the transaction itself can no longer make progress and must
		// be rolled back by the caller instead of continuing.
		if dberr.KindOf(err) == dberr.WriteConflict {
			tx.Poison()
		}
		return nil, err
	}
	return res, nil
}

func (ex *Executor) dispatch(tx *txn.Tx, bound *binder.Bound) (*Result, error) {
	switch s := bound.Stmt.(type) {
	case *sqllang.CreateTableStmt:
		return ex.runCreateTable(tx, s)
	case *sqllang.CreateIndexStmt:
		return ex.runCreateIndex(tx, bound.Table, s)
	case *sqllang.InsertStmt:
		return ex.runInsert(tx, bound.Table, s)
	case *sqllang.SelectStmt:
		return ex.runSelect(tx, bound, s)
	case *sqllang.UpdateStmt:
		return ex.runUpdate(tx, bound.Table, s)
	case *sqllang.DeleteStmt:
		return ex.runDelete(tx, bound.Table, s)
	case *sqllang.ExplainStmt:
		return ex.runExplain(tx, bound, s)
	default:
		return nil, dberr.New(dberr.Internal, "statement type not executable directly")
	}
}

// ─── DDL ───

func (ex *Executor) runCreateTable(tx *txn.Tx, s *sqllang.CreateTableStmt) (*Result, error) {
	cols := make([]catalog.ColumnDef, len(s.Columns))
	pkSeen := false
	for i, c := range s.Columns {
		kind, ok := catalog.KindFromTypeName(c.TypeName)
		if !ok {
			return nil, dberr.New(dberr.SqlParse, "unknown column type %q", c.TypeName)
		}
		if c.PrimaryKey {
			if pkSeen {
				return nil, dberr.New(dberr.SchemaMismatch, "table %q declares more than one primary key", s.Table)
			}
			pkSeen = true
		}
		cols[i] = catalog.ColumnDef{Name: c.Name, Kind: kind, Nullable: c.Nullable, PrimaryKey: c.PrimaryKey}
	}
	id, _, err := ex.p.AllocPage()
	if err != nil {
		return nil, err
	}
	if err := ex.p.WritePage(tx.ID, id, pager.NewLeafRootPage(ex.p.PageSize())); err != nil {
		return nil, err
	}
	def := &catalog.TableDef{Name: s.Table, Columns: cols, RootPage: id}
	if err := ex.cat.CreateTable(tx.ID, def); err != nil {
		return nil, err
	}
	obslog.For("exec").Info().Str("table", s.Table).Msg("table created")
	return &Result{}, nil
}

func (ex *Executor) runCreateIndex(tx *txn.Tx, def *catalog.TableDef, s *sqllang.CreateIndexStmt) (*Result, error) {
	id, _, err := ex.p.AllocPage()
	if err != nil {
		return nil, err
	}
	if err := ex.p.WritePage(tx.ID, id, pager.NewLeafRootPage(ex.p.PageSize())); err != nil {
		return nil, err
	}
	idxBT := pager.NewBTree(ex.p, id)
	tableBT := pager.NewBTree(ex.p, def.RootPage)
	colIdx := def.ColumnIndex(s.Column)

	var scanErr error
	err = tableBT.ScanRange(nil, nil, func(key, stored []byte) bool {
		h, tuple := txn.UnwrapRow(stored)
		if h.DeletedBy != 0 {
			return true
		}
		vals, derr := pager.DecodeTuple(tuple, len(def.Columns))
		if derr != nil {
			scanErr = derr
			return false
		}
		indexKey := append(types.OrderPreservingKey(vals[colIdx]), key...)
		if ierr := idxBT.Insert(tx.ID, indexKey, key); ierr != nil {
			scanErr = ierr
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if err := ex.cat.AddIndex(tx.ID, def.Name, catalog.IndexDef{Name: s.Index, Column: s.Column, RootPage: id}); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// ─── DML ───

func (ex *Executor) runInsert(tx *txn.Tx, def *catalog.TableDef, s *sqllang.InsertStmt) (*Result, error) {
	cols := s.Columns
	if len(cols) == 0 {
		cols = make([]string, len(def.Columns))
		for i, c := range def.Columns {
			cols[i] = c.Name
		}
	}
	bt := pager.NewBTree(ex.p, def.RootPage)
	pkCol := def.PrimaryKeyColumn()
	var n int64
	for _, rowExprs := range s.Rows {
		vals := make([]types.Value, len(def.Columns))
		for i := range vals {
			vals[i] = types.Null()
		}
		for i, colName := range cols {
			v, err := evalExpr(nil, rowExprs[i])
			if err != nil {
				return nil, err
			}
			ci := def.ColumnIndex(colName)
			widened, ok := types.WidenForColumn(v, def.Columns[ci].Kind)
			if !ok {
				return nil, dberr.New(dberr.SchemaMismatch, "column %q expects %s, got %s", colName, def.Columns[ci].Kind, v.Kind())
			}
			if widened.IsNull() && !def.Columns[ci].Nullable {
				return nil, dberr.New(dberr.ConstraintViolation, "column %q is not nullable", colName)
			}
			vals[ci] = widened
		}
		for ci, c := range def.Columns {
			if ci != pkCol && vals[ci].IsNull() && !c.Nullable {
				return nil, dberr.New(dberr.ConstraintViolation, "column %q is not nullable", c.Name)
			}
		}
		var key []byte
		if pkCol >= 0 {
			if vals[pkCol].IsNull() {
				return nil, dberr.New(dberr.ConstraintViolation, "primary key column %q cannot be NULL", def.Columns[pkCol].Name)
			}
			key = types.OrderPreservingKey(vals[pkCol])
		} else {
			rowID, err := ex.cat.BumpRowID(tx.ID, def.Name)
			if err != nil {
				return nil, err
			}
			key = types.OrderPreservingKey(types.Integer(rowID))
		}
		stored := txn.WrapRow(txn.VersionHeader{CreatedBy: tx.ID}, pager.EncodeTuple(vals))
		if err := bt.InsertUnique(tx.ID, key, stored); err != nil {
			return nil, err
		}
		ex.txm.MarkTouched(tx, string(key))
		n++
	}
	return &Result{RowsAffected: n}, nil
}

func (ex *Executor) runUpdate(tx *txn.Tx, def *catalog.TableDef, s *sqllang.UpdateStmt) (*Result, error) {
	bt := pager.NewBTree(ex.p, def.RootPage)
	pkCol := def.PrimaryKeyColumn()
	schema := singleTableSchema(def)
	var toUpdate []struct {
		key  []byte
		vals []types.Value
	}
	var scanErr error
	err := bt.ScanRange(nil, nil, func(key, stored []byte) bool {
		h, tuple := txn.UnwrapRow(stored)
		if !ex.txm.IsVisible(tx, h) {
			return true
		}
		vals, derr := pager.DecodeTuple(tuple, len(def.Columns))
		if derr != nil {
			scanErr = derr
			return false
		}
		ctx := &rowCtx{schema: schema, row: vals}
		if s.Where != nil {
			v, err := evalExpr(ctx, s.Where)
			if err != nil {
				scanErr = err
				return false
			}
			if !valueToTri(v).AsBool() {
				return true
			}
		}
		if err := ex.txm.CheckWriteConflict(tx, string(key), h); err != nil {
			scanErr = err
			return false
		}
		updated := append([]types.Value(nil), vals...)
		for _, a := range s.Assignments {
			v, err := evalExpr(ctx, a.Value)
			if err != nil {
				scanErr = err
				return false
			}
			ci := def.ColumnIndex(a.Column)
			widened, ok := types.WidenForColumn(v, def.Columns[ci].Kind)
			if !ok {
				scanErr = dberr.New(dberr.SchemaMismatch, "column %q expects %s, got %s", a.Column, def.Columns[ci].Kind, v.Kind())
				return false
			}
			updated[ci] = widened
		}
		toUpdate = append(toUpdate, struct {
			key  []byte
			vals []types.Value
		}{key, updated})
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	var n int64
	for _, u := range toUpdate {
		newKey := u.key
		if pkCol >= 0 {
			newKey = types.OrderPreservingKey(u.vals[pkCol])
		}
		stored := txn.WrapRow(txn.VersionHeader{CreatedBy: tx.ID}, pager.EncodeTuple(u.vals))
		if string(newKey) != string(u.key) {
			if _, derr := bt.Delete(tx.ID, u.key); derr != nil {
				return nil, derr
			}
			if derr := bt.InsertUnique(tx.ID, newKey, stored); derr != nil {
				return nil, derr
			}
		} else if err := bt.Insert(tx.ID, u.key, stored); err != nil {
			return nil, err
		}
		ex.txm.MarkTouched(tx, string(u.key))
		n++
	}
	return &Result{RowsAffected: n}, nil
}

func (ex *Executor) runDelete(tx *txn.Tx, def *catalog.TableDef, s *sqllang.DeleteStmt) (*Result, error) {
	bt := pager.NewBTree(ex.p, def.RootPage)
	schema := singleTableSchema(def)
	var toDelete [][]byte
	var toTombstone []struct {
		key    []byte
		header txn.VersionHeader
		tuple  []byte
	}
	var scanErr error
	err := bt.ScanRange(nil, nil, func(key, stored []byte) bool {
		h, tuple := txn.UnwrapRow(stored)
		if !ex.txm.IsVisible(tx, h) {
			return true
		}
		if s.Where != nil {
			vals, derr := pager.DecodeTuple(tuple, len(def.Columns))
			if derr != nil {
				scanErr = derr
				return false
			}
			v, err := evalExpr(&rowCtx{schema: schema, row: vals}, s.Where)
			if err != nil {
				scanErr = err
				return false
			}
			if !valueToTri(v).AsBool() {
				return true
			}
		}
		if err := ex.txm.CheckWriteConflict(tx, string(key), h); err != nil {
			scanErr = err
			return false
		}
		toDelete = append(toDelete, key)
		toTombstone = append(toTombstone, struct {
			key    []byte
			header txn.VersionHeader
			tuple  []byte
		}{key, h, tuple})
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	var n int64
	for _, d := range toTombstone {
		d.header.DeletedBy = tx.ID
		stored := txn.WrapRow(d.header, d.tuple)
		if err := bt.Insert(tx.ID, d.key, stored); err != nil {
			return nil, err
		}
		ex.txm.MarkTouched(tx, string(d.key))
		n++
	}
	return &Result{RowsAffected: n}, nil
}

// ─── SELECT ───

func (ex *Executor) runSelect(tx *txn.Tx, bound *binder.Bound, s *sqllang.SelectStmt) (*Result, error) {
	plan, err := planner.Build(bound)
	if err != nil {
		return nil, err
	}
	return ex.evalPlan(tx, plan.Root)
}

type materialRow struct {
	key  []byte
	vals []types.Value
}

func (ex *Executor) scanVisible(tx *txn.Tx, scan *planner.ScanOp) ([]materialRow, error) {
	def := scan.Table
	var out []materialRow
	var scanErr error
	collect := func(key, stored []byte) bool {
		h, tuple := txn.UnwrapRow(stored)
		if !ex.txm.IsVisible(tx, h) {
			return true
		}
		vals, err := pager.DecodeTuple(tuple, len(def.Columns))
		if err != nil {
			scanErr = err
			return false
		}
		out = append(out, materialRow{key: key, vals: vals})
		return true
	}
	if scan.IndexHint != nil && scan.IndexKey != nil {
		litVal, err := evalExpr(nil, scan.IndexKey)
		if err != nil {
			return nil, err
		}
		idxBT := pager.NewBTree(ex.p, scan.IndexHint.RootPage)
		prefix := types.OrderPreservingKey(litVal)
		tableBT := pager.NewBTree(ex.p, def.RootPage)
		err = idxBT.ScanRange(prefix, append(append([]byte{}, prefix...), 0xff), func(ikey, pk []byte) bool {
			if len(ikey) < len(prefix) || string(ikey[:len(prefix)]) != string(prefix) {
				return true
			}
			stored, ok, gerr := tableBT.Get(pk)
			if gerr != nil {
				scanErr = gerr
				return false
			}
			if !ok {
				return true
			}
			return collect(pk, stored)
		})
		if err != nil {
			return nil, err
		}
	} else {
		bt := pager.NewBTree(ex.p, def.RootPage)
		if err := bt.ScanRange(nil, nil, collect); err != nil {
			return nil, err
		}
	}
	return out, scanErr
}

func (ex *Executor) evalPlan(tx *txn.Tx, op planner.Op) (*Result, error) {
	switch o := op.(type) {
	case *planner.ScanOp:
		rows, err := ex.scanVisible(tx, o)
		if err != nil {
			return nil, err
		}
		cols := make([]string, len(o.Table.Columns))
		tables := make([]string, len(o.Table.Columns))
		for i, c := range o.Table.Columns {
			cols[i] = c.Name
			tables[i] = o.Table.Name
		}
		out := make([][]types.Value, len(rows))
		for i, r := range rows {
			out[i] = r.vals
		}
		return &Result{Columns: cols, ColumnTables: tables, Rows: out}, nil

	case *planner.JoinOp:
		outer, err := ex.evalPlan(tx, o.Outer)
		if err != nil {
			return nil, err
		}
		cols := append(append([]string{}, outer.Columns...), columnNames(o.Inner)...)
		tableNames := make([]string, len(o.Inner.Columns))
		for i := range o.Inner.Columns {
			tableNames[i] = o.Inner.Name
		}
		tables := append(append([]string{}, outer.ColumnTables...), tableNames...)
		schema := &rowSchema{tableOf: tables, colOf: cols}
		var out [][]types.Value
		for _, orow := range outer.Rows {
			inner, err := ex.scanVisible(tx, &planner.ScanOp{Table: o.Inner})
			if err != nil {
				return nil, err
			}
			for _, irow := range inner {
				joined := append(append([]types.Value{}, orow...), irow.vals...)
				if o.On != nil {
					v, err := evalExpr(&rowCtx{schema: schema, row: joined}, o.On)
					if err != nil {
						return nil, err
					}
					if !valueToTri(v).AsBool() {
						continue
					}
				}
				out = append(out, joined)
			}
		}
		return &Result{Columns: cols, ColumnTables: tables, Rows: out}, nil

	case *planner.FilterOp:
		in, err := ex.evalPlan(tx, o.Input)
		if err != nil {
			return nil, err
		}
		schema := in.schema()
		var kept [][]types.Value
		for _, row := range in.Rows {
			v, err := evalExpr(&rowCtx{schema: schema, row: row}, o.Pred)
			if err != nil {
				return nil, err
			}
			if valueToTri(v).AsBool() {
				kept = append(kept, row)
			}
		}
		return &Result{Columns: in.Columns, ColumnTables: in.ColumnTables, Rows: kept}, nil

	case *planner.ProjectOp:
		in, err := ex.evalPlan(tx, o.Input)
		if err != nil {
			return nil, err
		}
		if o.Star {
			return &Result{Columns: in.Columns, ColumnTables: in.ColumnTables, Rows: in.Rows}, nil
		}
		schema := in.schema()
		cols := make([]string, len(o.Items))
		for i, item := range o.Items {
			cols[i] = projectionLabel(item, i)
		}
		out := make([][]types.Value, len(in.Rows))
		for ri, row := range in.Rows {
			vals := make([]types.Value, len(o.Items))
			for ci, item := range o.Items {
				v, err := evalExpr(&rowCtx{schema: schema, row: row}, item.Expr)
				if err != nil {
					return nil, err
				}
				vals[ci] = v
			}
			out[ri] = vals
		}
		return &Result{Columns: cols, Rows: out}, nil

	case *planner.SortOp:
		in, err := ex.evalPlan(tx, o.Input)
		if err != nil {
			return nil, err
		}
		colIdx := make([]int, len(o.Terms))
		for i, t := range o.Terms {
			colIdx[i] = indexOf(in.Columns, t.Column)
		}
		sort.SliceStable(in.Rows, func(i, j int) bool {
			for k, ci := range colIdx {
				if ci < 0 {
					continue
				}
				cmp := types.CompareTri(in.Rows[i][ci], in.Rows[j][ci], "<")
				if cmp.AsBool() {
					return !o.Terms[k].Desc
				}
				eq := types.CompareTri(in.Rows[i][ci], in.Rows[j][ci], "=").AsBool()
				if !eq {
					return o.Terms[k].Desc
				}
			}
			return false
		})
		return in, nil

	case *planner.LimitOp:
		in, err := ex.evalPlan(tx, o.Input)
		if err != nil {
			return nil, err
		}
		if int64(len(in.Rows)) > o.N {
			in.Rows = in.Rows[:o.N]
		}
		return in, nil

	case *planner.AggregateOp:
		in, err := ex.evalPlan(tx, o.Input)
		if err != nil {
			return nil, err
		}
		return runAggregate(in, o.Aggs)

	default:
		return nil, dberr.New(dberr.Internal, "unhandled plan node")
	}
}

func columnNames(def *catalog.TableDef) []string {
	cols := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		cols[i] = c.Name
	}
	return cols
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func projectionLabel(item sqllang.SelectItem, i int) string {
	if item.Alias != "" {
		return item.Alias
	}
	if col, ok := item.Expr.(*sqllang.ColumnRefExpr); ok {
		return col.Name
	}
	return "col" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

// ─── aggregation ───

type aggAcc struct {
	count int64
	sum   float64
	sumIsFloat bool
	min   *types.Value
	max   *types.Value
}

func runAggregate(in *Result, aggs []sqllang.SelectItem) (*Result, error) {
	// The engine has no GROUP BY, so every row belongs to the single group
	// keyed on an xxhash of the empty grouping tuple — a placeholder
	// key today, reusable verbatim once GROUP BY groups are threaded in.
	groupKey := xxhash.Sum64String("")
	accs := make(map[uint64][]*aggAcc, 1)
	row := make([]*aggAcc, len(aggs))
	for i := range row {
		row[i] = &aggAcc{}
	}
	accs[groupKey] = row
	schema := in.schema()

	cols := make([]string, len(aggs))
	for i, item := range aggs {
		call, ok := item.Expr.(*sqllang.CallExpr)
		if !ok {
			return nil, dberr.New(dberr.SchemaMismatch, "cannot mix plain columns with aggregates without GROUP BY")
		}
		cols[i] = projectionLabel(item, i)
		acc := row[i]
		for _, r := range in.Rows {
			ctx := &rowCtx{schema: schema, row: r}
			if call.Star {
				acc.count++
				continue
			}
			if len(call.Args) != 1 {
				return nil, dberr.New(dberr.SqlParse, "%s takes exactly one argument", call.Name)
			}
			v, err := evalExpr(ctx, call.Args[0])
			if err != nil {
				return nil, err
			}
			if v.IsNull() {
				continue
			}
			acc.count++
			f, isNum := asFloat(v)
			if isNum {
				acc.sum += f
				if v.Kind() == types.KindFloat {
					acc.sumIsFloat = true
				}
			}
			if acc.min == nil || types.CompareTri(v, *acc.min, "<").AsBool() {
				mv := v
				acc.min = &mv
			}
			if acc.max == nil || types.CompareTri(v, *acc.max, ">").AsBool() {
				mv := v
				acc.max = &mv
			}
		}
	}

	vals := make([]types.Value, len(aggs))
	for i, item := range aggs {
		call := item.Expr.(*sqllang.CallExpr)
		acc := row[i]
		switch call.Name {
		case "COUNT":
			vals[i] = types.Integer(acc.count)
		case "SUM":
			if acc.count == 0 {
				vals[i] = types.Null()
			} else if acc.sumIsFloat {
				vals[i] = types.Float(acc.sum)
			} else {
				vals[i] = types.Integer(int64(acc.sum))
			}
		case "AVG":
			if acc.count == 0 {
				vals[i] = types.Null()
			} else {
				vals[i] = types.Float(acc.sum / float64(acc.count))
			}
		case "MIN":
			if acc.min == nil {
				vals[i] = types.Null()
			} else {
				vals[i] = *acc.min
			}
		case "MAX":
			if acc.max == nil {
				vals[i] = types.Null()
			} else {
				vals[i] = *acc.max
			}
		default:
			return nil, dberr.New(dberr.SqlParse, "unknown aggregate function %q", call.Name)
		}
	}
	return &Result{Columns: cols, Rows: [][]types.Value{vals}}, nil
}

// ─── EXPLAIN ───

func (ex *Executor) runExplain(tx *txn.Tx, bound *binder.Bound, s *sqllang.ExplainStmt) (*Result, error) {
	innerBound := &binder.Bound{Stmt: s.Inner, Table: bound.Table, Joins: bound.Joins}
	plan, err := planner.Build(innerBound)
	if err != nil {
		return nil, err
	}
	if plan.Root == nil {
		return &Result{Plan: "(non-query statement, nothing to plan)"}, nil
	}
	return &Result{Plan: planner.Describe(plan.Root)}, nil
}
