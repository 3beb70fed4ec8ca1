package predicate

import (
	"fmt"
	"strings"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/valuekind"
)

// Compiled is the output of compiling an Expr against a Schema: a SQL
// fragment plus its named parameters, ready to append to a WHERE clause.
type Compiled struct {
	SQL    string
	Params map[string]any
}

type compiler struct {
	schema *schema.Schema
	params map[string]any
	next   int
}

// Compile walks expr and produces "(sql, parameters)" per §4.X. A nil expr
// compiles to an always-true fragment so callers can compose
// Query(nil, ...) uniformly.
func Compile(s *schema.Schema, expr Expr) (Compiled, error) {
	return CompileFrom(s, expr, 0)
}

// CompileFrom behaves like Compile but numbers its parameters starting at
// start, so a caller that has already bound @p0..@p(start-1) of its own
// (command.Build's key/expiry conditions) can splice the result into the
// same params map without name collisions.
func CompileFrom(s *schema.Schema, expr Expr, start int) (Compiled, error) {
	if expr == nil {
		return Compiled{SQL: "1=1", Params: map[string]any{}}, nil
	}
	c := &compiler{schema: s, params: map[string]any{}, next: start}
	sql, err := c.walk(expr)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{SQL: sql, Params: c.params}, nil
}

func (c *compiler) freshParam(v any) string {
	name := fmt.Sprintf("@p%d", c.next)
	c.next++
	c.params[strings.TrimPrefix(name, "@")] = v
	return name
}

func (c *compiler) walk(e Expr) (string, error) {
	switch n := e.(type) {
	case Column:
		return c.column(n.Name)
	case Literal:
		return c.literal(n.Value), nil
	case Binary:
		return c.binary(n)
	case Unary:
		return c.unary(n)
	case Call:
		return c.call(n)
	case In:
		return c.in(n)
	case Between:
		return c.between(n)
	default:
		return "", fmt.Errorf("predicate: unsupported node %T", e)
	}
}

// column resolves a property reference to its SQL fragment, wrapping
// timestamp columns in datetime(...) per the date-normalization rule.
func (c *compiler) column(name string) (string, error) {
	col, ok := c.schema.Column(name)
	if !ok {
		return "", fmt.Errorf("predicate: unknown column %q", name)
	}
	if col.Logical == schema.LogicalDateTime {
		return "datetime(" + col.Name + ")", nil
	}
	return col.Name, nil
}

// literal parameterizes a captured constant, wrapping a timestamp
// parameter in datetime(@pN) and normalizing it to UTC ISO-8601.
func (c *compiler) literal(v any) string {
	if t, ok := v.(time.Time); ok {
		p := c.freshParam(valuekind.Timestamp(t).Driver())
		return "datetime(" + p + ")"
	}
	if v == nil {
		return "NULL"
	}
	return c.freshParam(valuekind.FromAny(v).Driver())
}

func (c *compiler) binary(n Binary) (string, error) {
	// x == null / x != null rewrite to IS [NOT] NULL regardless of side.
	if lit, ok := n.R.(Literal); ok && lit.Value == nil && (n.Op == OpEq || n.Op == OpNe) {
		l, err := c.walk(n.L)
		if err != nil {
			return "", err
		}
		if n.Op == OpEq {
			return "(" + l + " IS NULL)", nil
		}
		return "(" + l + " IS NOT NULL)", nil
	}
	if lit, ok := n.L.(Literal); ok && lit.Value == nil && (n.Op == OpEq || n.Op == OpNe) {
		r, err := c.walk(n.R)
		if err != nil {
			return "", err
		}
		if n.Op == OpEq {
			return "(" + r + " IS NULL)", nil
		}
		return "(" + r + " IS NOT NULL)", nil
	}

	l, err := c.walk(n.L)
	if err != nil {
		return "", err
	}
	r, err := c.walk(n.R)
	if err != nil {
		return "", err
	}
	op, ok := binSQL[n.Op]
	if !ok {
		return "", fmt.Errorf("predicate: unsupported binary operator %d", n.Op)
	}
	return "(" + l + " " + op + " " + r + ")", nil
}

func (c *compiler) unary(n Unary) (string, error) {
	e, err := c.walk(n.E)
	if err != nil {
		return "", err
	}
	switch n.Op {
	case OpNot:
		return "(NOT " + e + ")", nil
	case OpIsNull:
		return "(" + e + " IS NULL)", nil
	case OpIsNotNull:
		return "(" + e + " IS NOT NULL)", nil
	default:
		return "", fmt.Errorf("predicate: unsupported unary operator %d", n.Op)
	}
}

// call translates StartsWith/EndsWith/Contains into LIKE with the
// wildcard folded into the parameter side, per §4.X.
func (c *compiler) call(n Call) (string, error) {
	if len(n.Args) != 2 {
		return "", fmt.Errorf("predicate: %s expects 2 arguments", n.Fn)
	}
	col, err := c.walk(n.Args[0])
	if err != nil {
		return "", err
	}
	lit, ok := n.Args[1].(Literal)
	if !ok {
		return "", fmt.Errorf("predicate: %s argument must be a literal", n.Fn)
	}
	s, _ := lit.Value.(string)
	var pattern string
	switch n.Fn {
	case "StartsWith":
		pattern = s + "%"
	case "EndsWith":
		pattern = "%" + s
	case "Contains":
		pattern = "%" + s + "%"
	default:
		return "", fmt.Errorf("predicate: unsupported method call %q", n.Fn)
	}
	p := c.freshParam(pattern)
	return "(" + col + " LIKE " + p + ")", nil
}

func (c *compiler) in(n In) (string, error) {
	col, err := c.walk(n.Col)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(n.Values))
	for i, v := range n.Values {
		s, err := c.walk(v)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + col + " IN (" + strings.Join(parts, ", ") + "))", nil
}

func (c *compiler) between(n Between) (string, error) {
	col, err := c.walk(n.Col)
	if err != nil {
		return "", err
	}
	lo, err := c.walk(n.Lo)
	if err != nil {
		return "", err
	}
	hi, err := c.walk(n.Hi)
	if err != nil {
		return "", err
	}
	return "(" + col + " BETWEEN " + lo + " AND " + hi + ")", nil
}

// CompileOrder renders "ORDER BY col [ASC|DESC], ..." from a projection's
// ordering keys, in their declared order. Returns "" when items is empty
// (§4.X: no default ordering is emitted).
func CompileOrder(s *schema.Schema, items []OrderItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		col, ok := s.Column(it.Column)
		if !ok {
			return "", fmt.Errorf("predicate: unknown order-by column %q", it.Column)
		}
		dir := "ASC"
		if it.Desc {
			dir = "DESC"
		}
		parts = append(parts, col.Name+" "+dir)
	}
	return "ORDER BY " + strings.Join(parts, ", "), nil
}
