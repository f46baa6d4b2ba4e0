package exec

import (
	"github.com/kestrel-db/kestrel/internal/catalog"
	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/sqllang"
	"github.com/kestrel-db/kestrel/internal/types"
)

// rowSchema maps a materialized row's column positions back to the table
// that produced each one, so a ColumnRefExpr can resolve by qualified
// ("t.col") or unqualified name regardless of whether the row came from a
// single-table scan or a chain of NestedLoopJoins.
type rowSchema struct {
	tableOf []string
	colOf   []string
}

func singleTableSchema(def *catalog.TableDef) *rowSchema {
	s := &rowSchema{tableOf: make([]string, len(def.Columns)), colOf: make([]string, len(def.Columns))}
	for i, c := range def.Columns {
		s.tableOf[i] = def.Name
		s.colOf[i] = c.Name
	}
	return s
}

func joinSchema(outer *rowSchema, inner *catalog.TableDef) *rowSchema {
	s := &rowSchema{
		tableOf: append(append([]string{}, outer.tableOf...), make([]string, len(inner.Columns))...),
		colOf:   append(append([]string{}, outer.colOf...), make([]string, len(inner.Columns))...),
	}
	for i, c := range inner.Columns {
		s.tableOf[len(outer.tableOf)+i] = inner.Name
		s.colOf[len(outer.colOf)+i] = c.Name
	}
	return s
}

// indexOf resolves a column reference to a position in the row. A qualifier
// must match the owning table exactly; without one, the name must be
// unambiguous across every table the row carries columns from.
func (s *rowSchema) indexOf(qualifier, name string) (int, bool) {
	if qualifier != "" {
		for i, t := range s.tableOf {
			if t == qualifier && s.colOf[i] == name {
				return i, true
			}
		}
		return 0, false
	}
	found := -1
	for i, c := range s.colOf {
		if c == name {
			if found >= 0 {
				return 0, false
			}
			found = i
		}
	}
	if found < 0 {
		return 0, false
	}
	return found, true
}

// rowCtx binds a single decoded row to its column layout so expression
// evaluation can resolve ColumnRefExpr by name.
type rowCtx struct {
	schema *rowSchema
	row    []types.Value
}

func evalExpr(ctx *rowCtx, e sqllang.Expr) (types.Value, error) {
	switch ex := e.(type) {
	case *sqllang.LiteralExpr:
		return evalLiteral(ex)
	case *sqllang.ColumnRefExpr:
		if ctx == nil {
			return types.Null(), dberr.New(dberr.Internal, "column reference %q outside row context", ex.Name)
		}
		i, ok := ctx.schema.indexOf(ex.Table, ex.Name)
		if !ok {
			return types.Null(), dberr.New(dberr.SchemaMismatch, "no such column %q", ex.Name)
		}
		return ctx.row[i], nil
	case *sqllang.UnaryExpr:
		return evalUnary(ctx, ex)
	case *sqllang.BinaryExpr:
		return evalBinary(ctx, ex)
	case *sqllang.CallExpr:
		return types.Null(), dberr.New(dberr.Internal, "scalar function %q not supported outside aggregation", ex.Name)
	default:
		return types.Null(), dberr.New(dberr.Internal, "unhandled expression type")
	}
}

func evalLiteral(e *sqllang.LiteralExpr) (types.Value, error) {
	switch e.Kind {
	case sqllang.LitNull:
		return types.Null(), nil
	case sqllang.LitBool:
		return types.Boolean(e.Bool), nil
	case sqllang.LitString:
		return types.Text(e.Str), nil
	case sqllang.LitInteger:
		n, err := parseInt(e.Num)
		if err != nil {
			return types.Null(), dberr.New(dberr.SqlParse, "invalid integer literal %q", e.Num)
		}
		return types.Integer(n), nil
	case sqllang.LitFloat:
		f, err := parseFloat(e.Num)
		if err != nil {
			return types.Null(), dberr.New(dberr.SqlParse, "invalid float literal %q", e.Num)
		}
		return types.Float(f), nil
	default:
		return types.Null(), dberr.New(dberr.Internal, "unhandled literal kind")
	}
}

func evalUnary(ctx *rowCtx, e *sqllang.UnaryExpr) (types.Value, error) {
	v, err := evalExpr(ctx, e.Operand)
	if err != nil {
		return types.Null(), err
	}
	switch e.Op {
	case "-":
		switch v.Kind() {
		case types.KindInteger:
			return types.Integer(-v.Int()), nil
		case types.KindFloat:
			return types.Float(-v.Float64()), nil
		case types.KindNull:
			return types.Null(), nil
		default:
			return types.Null(), dberr.New(dberr.ArithmeticError, "cannot negate a %s value", v.Kind())
		}
	case "NOT":
		return triToValue(triNot(valueToTri(v))), nil
	default:
		return types.Null(), dberr.New(dberr.Internal, "unhandled unary operator %q", e.Op)
	}
}

func evalBinary(ctx *rowCtx, e *sqllang.BinaryExpr) (types.Value, error) {
	switch e.Op {
	case "AND":
		l, err := evalExpr(ctx, e.Left)
		if err != nil {
			return types.Null(), err
		}
		r, err := evalExpr(ctx, e.Right)
		if err != nil {
			return types.Null(), err
		}
		return triToValue(triAnd(valueToTri(l), valueToTri(r))), nil
	case "OR":
		l, err := evalExpr(ctx, e.Left)
		if err != nil {
			return types.Null(), err
		}
		r, err := evalExpr(ctx, e.Right)
		if err != nil {
			return types.Null(), err
		}
		return triToValue(triOr(valueToTri(l), valueToTri(r))), nil
	case "=", "!=", "<", "<=", ">", ">=":
		l, err := evalExpr(ctx, e.Left)
		if err != nil {
			return types.Null(), err
		}
		r, err := evalExpr(ctx, e.Right)
		if err != nil {
			return types.Null(), err
		}
		return triToValue(types.CompareTri(l, r, e.Op)), nil
	case "+", "-", "*", "/":
		return evalArith(ctx, e)
	default:
		return types.Null(), dberr.New(dberr.Internal, "unhandled binary operator %q", e.Op)
	}
}

func evalArith(ctx *rowCtx, e *sqllang.BinaryExpr) (types.Value, error) {
	l, err := evalExpr(ctx, e.Left)
	if err != nil {
		return types.Null(), err
	}
	r, err := evalExpr(ctx, e.Right)
	if err != nil {
		return types.Null(), err
	}
	if l.IsNull() || r.IsNull() {
		return types.Null(), nil
	}
	bothInt := l.Kind() == types.KindInteger && r.Kind() == types.KindInteger
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return types.Null(), dberr.New(dberr.ArithmeticError, "non-numeric operand to %q", e.Op)
	}
	if bothInt {
		a, b := l.Int(), r.Int()
		switch e.Op {
		case "+":
			return types.Integer(a + b), nil
		case "-":
			return types.Integer(a - b), nil
		case "*":
			return types.Integer(a * b), nil
		case "/":
			if b == 0 {
				return types.Null(), dberr.New(dberr.ArithmeticError, "division by zero")
			}
			return types.Integer(a / b), nil
		}
	}
	switch e.Op {
	case "+":
		return types.Float(lf + rf), nil
	case "-":
		return types.Float(lf - rf), nil
	case "*":
		return types.Float(lf * rf), nil
	case "/":
		if rf == 0 {
			return types.Null(), dberr.New(dberr.ArithmeticError, "division by zero")
		}
		return types.Float(lf / rf), nil
	}
	return types.Null(), dberr.New(dberr.Internal, "unhandled arithmetic operator %q", e.Op)
}

func asFloat(v types.Value) (float64, bool) {
	switch v.Kind() {
	case types.KindInteger:
		return float64(v.Int()), true
	case types.KindFloat:
		return v.Float64(), true
	default:
		return 0, false
	}
}

// valueToTri/triToValue bridge the row-valued Boolean/Null representation
// used in projections to the Tri three-valued logic CompareTri already
// returns, so AND/OR/NOT compose under the same Kleene-logic rules as
// comparisons.
func valueToTri(v types.Value) types.Tri {
	switch v.Kind() {
	case types.KindNull:
		return types.TriUnknown
	case types.KindBoolean:
		if v.Bool() {
			return types.TriTrue
		}
		return types.TriFalse
	default:
		return types.TriUnknown
	}
}

func triToValue(t types.Tri) types.Value {
	switch t {
	case types.TriTrue:
		return types.Boolean(true)
	case types.TriFalse:
		return types.Boolean(false)
	default:
		return types.Null()
	}
}

func triNot(t types.Tri) types.Tri {
	switch t {
	case types.TriTrue:
		return types.TriFalse
	case types.TriFalse:
		return types.TriTrue
	default:
		return types.TriUnknown
	}
}

func triAnd(a, b types.Tri) types.Tri {
	if a == types.TriFalse || b == types.TriFalse {
		return types.TriFalse
	}
	if a == types.TriUnknown || b == types.TriUnknown {
		return types.TriUnknown
	}
	return types.TriTrue
}

func triOr(a, b types.Tri) types.Tri {
	if a == types.TriTrue || b == types.TriTrue {
		return types.TriTrue
	}
	if a == types.TriUnknown || b == types.TriUnknown {
		return types.TriUnknown
	}
	return types.TriFalse
}

func parseInt(s string) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, dberr.New(dberr.SqlParse, "invalid integer %q", s)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

func parseFloat(s string) (float64, error) {
	var intPart, fracPart int64
	var fracDiv float64 = 1
	seenDot := false
	for _, c := range s {
		switch {
		case c == '.':
			seenDot = true
		case c >= '0' && c <= '9':
			if !seenDot {
				intPart = intPart*10 + int64(c-'0')
			} else {
				fracPart = fracPart*10 + int64(c-'0')
				fracDiv *= 10
			}
		default:
			return 0, dberr.New(dberr.SqlParse, "invalid float %q", s)
		}
	}
	return float64(intPart) + float64(fracPart)/fracDiv, nil
}
