package sqllang

import (
	"strings"

	"github.com/kestrel-db/kestrel/internal/dberr"
)

// Parser consumes a fully-tokenized statement and produces one Stmt.
// Errors are always dberr.SqlParse, carrying either an unexpected-token or
// unexpected-EOF message with the offending input position.
type Parser struct {
	toks []token
	pos  int
}

func Parse(sql string) (Stmt, error) {
	lx := newLexer(sql)
	var toks []token
	for {
		t := lx.next()
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}
	p := &Parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	// allow a single trailing ';'
	if p.cur().kind == tokSymbol && p.cur().val == ";" {
		p.pos++
	}
	if p.cur().kind != tokEOF {
		return nil, p.errUnexpected()
	}
	return stmt, nil
}

func (p *Parser) cur() token  { return p.toks[p.pos] }
func (p *Parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) errUnexpected() error {
	t := p.cur()
	if t.kind == tokEOF {
		return dberr.New(dberr.SqlParse, "unexpected end of statement at position %d", t.pos)
	}
	return dberr.New(dberr.SqlParse, "unexpected token %q at position %d", t.val, t.pos)
}

func (p *Parser) expectKeyword(kw string) error {
	t := p.cur()
	if t.kind != tokKeyword || t.val != kw {
		return p.errUnexpected()
	}
	p.advance()
	return nil
}

func (p *Parser) expectSymbol(sym string) error {
	t := p.cur()
	if t.kind != tokSymbol || t.val != sym {
		return p.errUnexpected()
	}
	p.advance()
	return nil
}

func (p *Parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokKeyword && t.val == kw
}

func (p *Parser) isSymbol(sym string) bool {
	t := p.cur()
	return t.kind == tokSymbol && t.val == sym
}

func (p *Parser) expectIdent() (string, error) {
	t := p.cur()
	if t.kind != tokIdent {
		return "", p.errUnexpected()
	}
	p.advance()
	return t.val, nil
}

func (p *Parser) parseStatement() (Stmt, error) {
	switch {
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("DELETE"):
		return p.parseDelete()
	case p.isKeyword("CREATE"):
		return p.parseCreate()
	case p.isKeyword("BEGIN"):
		p.advance()
		return &BeginStmt{}, nil
	case p.isKeyword("COMMIT"):
		p.advance()
		return &CommitStmt{}, nil
	case p.isKeyword("ROLLBACK"):
		p.advance()
		return &RollbackStmt{}, nil
	case p.isKeyword("EXPLAIN"):
		p.advance()
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return &ExplainStmt{Inner: inner}, nil
	default:
		return nil, p.errUnexpected()
	}
}

// ─── CREATE TABLE / CREATE INDEX ───

func (p *Parser) parseCreate() (Stmt, error) {
	if err := p.expectKeyword("CREATE"); err != nil {
		return nil, err
	}
	switch {
	case p.isKeyword("TABLE"):
		return p.parseCreateTable()
	case p.isKeyword("INDEX"):
		return p.parseCreateIndex()
	default:
		return nil, p.errUnexpected()
	}
}

func (p *Parser) parseCreateTable() (Stmt, error) {
	p.advance() // TABLE
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var cols []ColumnSpec
	for {
		colName, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		typeName, err := p.parseTypeName()
		if err != nil {
			return nil, err
		}
		spec := ColumnSpec{Name: colName, TypeName: typeName, Nullable: true}
		for p.isKeyword("PRIMARY") || p.isKeyword("NOT") {
			if p.isKeyword("PRIMARY") {
				p.advance()
				if err := p.expectKeyword("KEY"); err != nil {
					return nil, err
				}
				spec.PrimaryKey = true
				spec.Nullable = false
			} else {
				p.advance() // NOT
				if err := p.expectKeyword("NULL"); err != nil {
					return nil, err
				}
				spec.Nullable = false
			}
		}
		cols = append(cols, spec)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &CreateTableStmt{Table: name, Columns: cols}, nil
}

func (p *Parser) parseTypeName() (string, error) {
	t := p.cur()
	if t.kind != tokKeyword && t.kind != tokIdent {
		return "", p.errUnexpected()
	}
	p.advance()
	return strings.ToUpper(t.val), nil
}

func (p *Parser) parseCreateIndex() (Stmt, error) {
	p.advance() // INDEX
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &CreateIndexStmt{Index: name, Table: table, Column: col}, nil
}

// ─── INSERT ───

func (p *Parser) parseInsert() (Stmt, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var cols []string
	if p.isSymbol("(") {
		p.advance()
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	var rows [][]Expr
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return &InsertStmt{Table: table, Columns: cols, Rows: rows}, nil
}

// ─── SELECT ───

func (p *Parser) parseSelect() (Stmt, error) {
	p.advance() // SELECT
	stmt := &SelectStmt{}
	if p.isSymbol("*") {
		p.advance()
		stmt.Star = true
	} else {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.isKeyword("AS") {
				p.advance()
				alias, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			}
			stmt.Projection = append(stmt.Projection, item)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt.Table = table

	for p.isKeyword("JOIN") || p.isKeyword("INNER") {
		if p.isKeyword("INNER") {
			p.advance()
		}
		if err := p.expectKeyword("JOIN"); err != nil {
			return nil, err
		}
		jtable, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("ON"); err != nil {
			return nil, err
		}
		on, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Joins = append(stmt.Joins, JoinClause{Table: jtable, On: on})
	}

	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	if p.isKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Column: col}
			if p.isKeyword("DESC") {
				p.advance()
				term.Desc = true
			} else if p.isKeyword("ASC") {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, term)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if p.isKeyword("LIMIT") {
		p.advance()
		t := p.cur()
		if t.kind != tokNumber {
			return nil, p.errUnexpected()
		}
		p.advance()
		n, err := parseIntLiteral(t.val)
		if err != nil {
			return nil, dberr.New(dberr.SqlParse, "invalid LIMIT value %q", t.val)
		}
		stmt.Limit = n
		stmt.HasLimit = true
	}
	return stmt, nil
}

// ─── UPDATE / DELETE ───

func (p *Parser) parseUpdate() (Stmt, error) {
	p.advance() // UPDATE
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	var assigns []Assignment
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, Assignment{Column: col, Value: val})
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	stmt := &UpdateStmt{Table: table, Assignments: assigns}
	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

func (p *Parser) parseDelete() (Stmt, error) {
	p.advance() // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &DeleteStmt{Table: table}
	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

// ─── expressions: OR > AND > NOT > comparison > additive > multiplicative > unary > primary ───

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Operand: operand}, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{"=": true, "!=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokSymbol && compareOps[p.cur().val] {
		op := p.cur().val
		if op == "<>" {
			op = "!="
		}
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isSymbol("+") || p.isSymbol("-") {
		op := p.cur().val
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isSymbol("*") || p.isSymbol("/") {
		op := p.cur().val
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.isSymbol("-") {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePrimary()
}

var aggregateNames = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true}

func (p *Parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch {
	case t.kind == tokNumber:
		p.advance()
		kind := LitInteger
		if strings.Contains(t.val, ".") {
			kind = LitFloat
		}
		return &LiteralExpr{Kind: kind, Num: t.val}, nil
	case t.kind == tokString:
		p.advance()
		return &LiteralExpr{Kind: LitString, Str: t.val}, nil
	case t.kind == tokKeyword && t.val == "NULL":
		p.advance()
		return &LiteralExpr{Kind: LitNull}, nil
	case t.kind == tokKeyword && t.val == "TRUE":
		p.advance()
		return &LiteralExpr{Kind: LitBool, Bool: true}, nil
	case t.kind == tokKeyword && t.val == "FALSE":
		p.advance()
		return &LiteralExpr{Kind: LitBool, Bool: false}, nil
	case t.kind == tokKeyword && aggregateNames[t.val]:
		return p.parseCall(t.val)
	case t.kind == tokIdent:
		p.advance()
		if p.isSymbol(".") {
			p.advance()
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			return &ColumnRefExpr{Table: t.val, Name: name}, nil
		}
		return &ColumnRefExpr{Name: t.val}, nil
	case t.kind == tokSymbol && t.val == "(":
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, p.errUnexpected()
	}
}

func (p *Parser) parseCall(name string) (Expr, error) {
	p.advance() // function name
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	call := &CallExpr{Name: name}
	if p.isSymbol("*") {
		p.advance()
		call.Star = true
	} else {
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, e)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return call, nil
}

func parseIntLiteral(s string) (int64, error) {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, dberr.New(dberr.SqlParse, "invalid integer literal %q", s)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}
