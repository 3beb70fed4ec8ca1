package sqlast

import (
	"fmt"
	"strings"
)

// Parser holds the lexer and current/peek tokens for recursive-descent
// parsing, mirroring the teacher's own Parser shape (cur/peek token pair,
// errf reporting message plus source position, never guessing on failure).
type Parser struct {
	lx   *lexer
	cur  token
	peek token
}

// NewParser creates a parser over sql.
func NewParser(sql string) *Parser {
	p := &Parser{lx: newLexer(sql)}
	p.advance()
	p.advance()
	return p
}

func (p *Parser) advance() { p.cur, p.peek = p.peek, p.lx.nextToken() }

func (p *Parser) errf(format string, a ...any) error {
	return fmt.Errorf("sqlast: parse error at offset %d near %q: %s", p.cur.Pos, p.cur.Val, fmt.Sprintf(format, a...))
}

func (p *Parser) atKeyword(kw string) bool { return p.cur.Typ == tKeyword && p.cur.Val == kw }
func (p *Parser) atSymbol(sym string) bool { return p.cur.Typ == tSymbol && p.cur.Val == sym }

func (p *Parser) expectKeyword(kw string) error {
	if !p.atKeyword(kw) {
		return p.errf("expected %q", kw)
	}
	p.advance()
	return nil
}

func (p *Parser) expectSymbol(sym string) error {
	if !p.atSymbol(sym) {
		return p.errf("expected %q", sym)
	}
	p.advance()
	return nil
}

// identLike accepts either a plain identifier or a keyword used in
// identifier position (e.g. a column named "key"), matching the teacher's
// practical, keyword-as-identifier leniency.
func (p *Parser) identLike() (string, error) {
	if p.cur.Typ == tIdent || p.cur.Typ == tKeyword {
		v := p.cur.Val
		p.advance()
		return v, nil
	}
	return "", p.errf("expected identifier")
}

// Parse dispatches on the leading keyword to the restricted grammar's three
// statement forms: WITH/SELECT, CREATE TABLE, CREATE INDEX.
func Parse(sql string) (Statement, error) {
	p := NewParser(sql)
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.cur.Typ == tSymbol && p.cur.Val == ";" {
		p.advance()
	}
	if p.cur.Typ != tEOF {
		return nil, p.errf("unexpected trailing input")
	}
	return stmt, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch {
	case p.atKeyword("WITH") || p.atKeyword("SELECT"):
		return p.parseSelect()
	case p.atKeyword("CREATE"):
		return p.parseCreate()
	default:
		return nil, p.errf("expected SELECT, WITH, or CREATE")
	}
}

// ------------------------------ SELECT ------------------------------

func (p *Parser) parseSelect() (*SelectStmt, error) {
	stmt := &SelectStmt{}

	if p.atKeyword("WITH") {
		p.advance()
		for {
			name, err := p.identLike()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AS"); err != nil {
				return nil, err
			}
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			q, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			stmt.With = append(stmt.With, CTE{Name: name, Query: q})
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	if p.atKeyword("DISTINCT") {
		stmt.Distinct = true
		p.advance()
	}

	items, err := p.parseSelectItems()
	if err != nil {
		return nil, err
	}
	stmt.Columns = items

	if p.atKeyword("FROM") {
		p.advance()
		tbl, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		stmt.From = &tbl

		for p.joinKeywordAhead() {
			j, err := p.parseJoin()
			if err != nil {
				return nil, err
			}
			stmt.Joins = append(stmt.Joins, j)
		}
	}

	if p.atKeyword("WHERE") {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = e
	}

	if p.atKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, e)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.atKeyword("HAVING") {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Having = e
	}

	if p.atKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.atKeyword("ASC") {
				p.advance()
			} else if p.atKeyword("DESC") {
				desc = true
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, OrderItem{Expr: e, Desc: desc})
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.atKeyword("LIMIT") {
		p.advance()
		n, err := p.parseIntLit()
		if err != nil {
			return nil, err
		}
		stmt.Limit = &n
	}
	if p.atKeyword("OFFSET") {
		p.advance()
		n, err := p.parseIntLit()
		if err != nil {
			return nil, err
		}
		stmt.Offset = &n
	}

	return stmt, nil
}

func (p *Parser) parseIntLit() (int64, error) {
	if p.cur.Typ != tNumber {
		return 0, p.errf("expected integer")
	}
	var n int64
	for _, r := range p.cur.Val {
		if r < '0' || r > '9' {
			return 0, p.errf("expected integer")
		}
		n = n*10 + int64(r-'0')
	}
	p.advance()
	return n, nil
}

func (p *Parser) parseSelectItems() ([]SelectItem, error) {
	var items []SelectItem
	for {
		if p.atSymbol("*") {
			p.advance()
			items = append(items, SelectItem{Expr: Star{}})
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.atKeyword("AS") {
				p.advance()
				alias, err := p.identLike()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			} else if p.cur.Typ == tIdent {
				alias, _ := p.identLike()
				item.Alias = alias
			}
			items = append(items, item)
		}
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return items, nil
}

func (p *Parser) parseTableRef() (TableRef, error) {
	if p.atSymbol("(") {
		p.advance()
		q, err := p.parseSelect()
		if err != nil {
			return TableRef{}, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return TableRef{}, err
		}
		ref := TableRef{Subquery: q}
		if p.atKeyword("AS") {
			p.advance()
		}
		if p.cur.Typ == tIdent {
			alias, _ := p.identLike()
			ref.Alias = alias
		}
		return ref, nil
	}
	name, err := p.identLike()
	if err != nil {
		return TableRef{}, err
	}
	ref := TableRef{Name: name}
	if p.atKeyword("AS") {
		p.advance()
		alias, err := p.identLike()
		if err != nil {
			return TableRef{}, err
		}
		ref.Alias = alias
	} else if p.cur.Typ == tIdent {
		alias, _ := p.identLike()
		ref.Alias = alias
	}
	return ref, nil
}

func (p *Parser) joinKeywordAhead() bool {
	switch {
	case p.atKeyword("JOIN"), p.atKeyword("INNER"), p.atKeyword("LEFT"),
		p.atKeyword("RIGHT"), p.atKeyword("FULL"), p.atKeyword("CROSS"):
		return true
	default:
		return false
	}
}

func (p *Parser) parseJoin() (Join, error) {
	kind := "INNER"
	switch {
	case p.atKeyword("INNER"):
		p.advance()
	case p.atKeyword("LEFT"):
		kind = "LEFT"
		p.advance()
		if p.atKeyword("OUTER") {
			p.advance()
		}
	case p.atKeyword("RIGHT"):
		kind = "RIGHT"
		p.advance()
		if p.atKeyword("OUTER") {
			p.advance()
		}
	case p.atKeyword("FULL"):
		kind = "FULL"
		p.advance()
		if p.atKeyword("OUTER") {
			p.advance()
		}
	case p.atKeyword("CROSS"):
		kind = "CROSS"
		p.advance()
	}
	if err := p.expectKeyword("JOIN"); err != nil {
		return Join{}, err
	}
	tbl, err := p.parseTableRef()
	if err != nil {
		return Join{}, err
	}
	j := Join{Kind: kind, Table: tbl}
	if kind != "CROSS" {
		if err := p.expectKeyword("ON"); err != nil {
			return Join{}, err
		}
		on, err := p.parseExpr()
		if err != nil {
			return Join{}, err
		}
		j.On = on
	}
	return j, nil
}

// ------------------------- expression grammar -------------------------
//
// OR < AND < NOT < comparison (=,!=,<,>,<=,>=,LIKE,IN,BETWEEN,IS) <
// additive (+,-) < multiplicative (*,/,%) < unary (-,+) < primary.

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("OR") {
		p.advance()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = BinaryExpr{Op: "OR", L: l, R: r}
	}
	return l, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("AND") {
		p.advance()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = BinaryExpr{Op: "AND", L: l, R: r}
	}
	return l, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.atKeyword("NOT") {
		p.advance()
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return NotExpr{E: e}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	negate := false
	if p.atKeyword("NOT") {
		negate = true
		p.advance()
	}
	switch {
	case p.cur.Typ == tSymbol && isCompareOp(p.cur.Val):
		op := p.cur.Val
		p.advance()
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		e := Expr(BinaryExpr{Op: op, L: l, R: r})
		if negate {
			return NotExpr{E: e}, nil
		}
		return e, nil
	case p.atKeyword("LIKE"):
		p.advance()
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return LikeExpr{E: l, Pattern: r, Negate: negate}, nil
	case p.atKeyword("BETWEEN"):
		p.advance()
		lo, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return BetweenExpr{E: l, Lo: lo, Hi: hi, Negate: negate}, nil
	case p.atKeyword("IN"):
		p.advance()
		in, err := p.parseInTail(l, negate)
		if err != nil {
			return nil, err
		}
		return in, nil
	case p.atKeyword("IS"):
		p.advance()
		n2 := false
		if p.atKeyword("NOT") {
			n2 = true
			p.advance()
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return IsNullExpr{E: l, Negate: n2}, nil
	default:
		if negate {
			return nil, p.errf("expected LIKE, IN, or BETWEEN after NOT")
		}
		return l, nil
	}
}

func isCompareOp(s string) bool {
	switch s {
	case "=", "<>", "!=", "<", ">", "<=", ">=":
		return true
	default:
		return false
	}
}

func (p *Parser) parseInTail(l Expr, negate bool) (Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	if p.atKeyword("SELECT") || p.atKeyword("WITH") {
		sub, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return InExpr{E: l, Subquery: sub, Negate: negate}, nil
	}
	var vals []Expr
	for {
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return InExpr{E: l, Values: vals, Negate: negate}, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.atSymbol("+") || p.atSymbol("-") {
		op := p.cur.Val
		p.advance()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = BinaryExpr{Op: op, L: l, R: r}
	}
	return l, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.atSymbol("*") || p.atSymbol("/") || p.atSymbol("%") {
		op := p.cur.Val
		p.advance()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = BinaryExpr{Op: op, L: l, R: r}
	}
	return l, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.atSymbol("-") || p.atSymbol("+") {
		op := p.cur.Val
		p.advance()
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: op, E: e}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch {
	case p.cur.Typ == tNumber:
		v := p.cur.Val
		p.advance()
		return NumberLit{Val: v}, nil
	case p.cur.Typ == tString:
		v := p.cur.Val
		p.advance()
		return StringLit{Val: v}, nil
	case p.atKeyword("TRUE"):
		p.advance()
		return BoolLit{Val: true}, nil
	case p.atKeyword("FALSE"):
		p.advance()
		return BoolLit{Val: false}, nil
	case p.atKeyword("NULL"):
		p.advance()
		return NullLit{}, nil
	case p.atSymbol("*"):
		p.advance()
		return Star{}, nil
	case p.atKeyword("CASE"):
		return p.parseCase()
	case p.atSymbol("("):
		p.advance()
		if p.atKeyword("SELECT") || p.atKeyword("WITH") {
			sub, err := p.parseSelect()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			return SubqueryExpr{Query: sub}, nil
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return Paren{E: e}, nil
	case p.cur.Typ == tIdent:
		name, err := p.identLike()
		if err != nil {
			return nil, err
		}
		for p.atSymbol(".") {
			p.advance()
			part, err := p.identLike()
			if err != nil {
				return nil, err
			}
			name = name + "." + part
		}
		if p.atSymbol("(") {
			return p.parseCallTail(name)
		}
		return Ident{Name: name}, nil
	default:
		return nil, p.errf("unexpected token")
	}
}

func (p *Parser) parseCallTail(name string) (Expr, error) {
	p.advance() // consume "("
	call := CallExpr{Fn: strings.ToUpper(name)}
	if p.atSymbol(")") {
		p.advance()
		return call, nil
	}
	if p.atSymbol("*") {
		p.advance()
		call.Args = append(call.Args, Star{})
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
	for {
		a, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, a)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *Parser) parseCase() (Expr, error) {
	p.advance() // consume CASE
	ce := &CaseExpr{}
	if !p.atKeyword("WHEN") {
		operand, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Operand = operand
	}
	for p.atKeyword("WHEN") {
		p.advance()
		when, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Whens = append(ce.Whens, WhenClause{When: when, Then: then})
	}
	if p.atKeyword("ELSE") {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		ce.Else = e
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return *ce, nil
}

// ------------------------------ CREATE ------------------------------

func (p *Parser) parseCreate() (Statement, error) {
	p.advance() // consume CREATE
	unique := false
	if p.atKeyword("UNIQUE") {
		unique = true
		p.advance()
	}
	switch {
	case p.atKeyword("TABLE"):
		if unique {
			return nil, p.errf("UNIQUE is not valid before TABLE")
		}
		return p.parseCreateTable()
	case p.atKeyword("INDEX"):
		return p.parseCreateIndex(unique)
	default:
		return nil, p.errf("expected TABLE or INDEX after CREATE")
	}
}

func (p *Parser) parseIfNotExists() (bool, error) {
	if !p.atKeyword("IF") {
		return false, nil
	}
	p.advance()
	if err := p.expectKeyword("NOT"); err != nil {
		return false, err
	}
	if err := p.expectKeyword("EXISTS"); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Parser) parseCreateTable() (*CreateTableStmt, error) {
	p.advance() // consume TABLE
	stmt := &CreateTableStmt{}
	ifne, err := p.parseIfNotExists()
	if err != nil {
		return nil, err
	}
	stmt.IfNotExists = ifne

	name, err := p.identLike()
	if err != nil {
		return nil, err
	}
	stmt.Name = name

	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	for {
		if p.atKeyword("PRIMARY") {
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			for {
				col, err := p.identLike()
				if err != nil {
					return nil, err
				}
				stmt.PrimaryKey = append(stmt.PrimaryKey, col)
				if p.atSymbol(",") {
					p.advance()
					continue
				}
				break
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
		} else {
			col, err := p.parseColumnDef()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
		}
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) parseColumnDef() (ColumnDef, error) {
	name, err := p.identLike()
	if err != nil {
		return ColumnDef{}, err
	}
	typeName, err := p.identLike()
	if err != nil {
		return ColumnDef{}, err
	}
	col := ColumnDef{Name: name, Type: strings.ToUpper(typeName), Nullable: true}

	for {
		switch {
		case p.atKeyword("NOT"):
			p.advance()
			if err := p.expectKeyword("NULL"); err != nil {
				return ColumnDef{}, err
			}
			col.Nullable = false
		case p.atKeyword("PRIMARY"):
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return ColumnDef{}, err
			}
			col.PrimaryKey = true
			col.Nullable = false
		case p.atKeyword("UNIQUE"):
			p.advance()
			col.Unique = true
		case p.atKeyword("DEFAULT"):
			p.advance()
			d, err := p.parseExpr()
			if err != nil {
				return ColumnDef{}, err
			}
			col.Default = d
		default:
			return col, nil
		}
	}
}

func (p *Parser) parseCreateIndex(unique bool) (*CreateIndexStmt, error) {
	p.advance() // consume INDEX
	stmt := &CreateIndexStmt{Unique: unique}
	ifne, err := p.parseIfNotExists()
	if err != nil {
		return nil, err
	}
	stmt.IfNotExists = ifne

	name, err := p.identLike()
	if err != nil {
		return nil, err
	}
	stmt.Name = name

	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.identLike()
	if err != nil {
		return nil, err
	}
	stmt.Table = table

	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	for {
		col, err := p.identLike()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}
