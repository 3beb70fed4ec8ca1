package predicate

// ExprBuilder is a fluent wrapper over Expr, mirroring the teacher's
// builder.go ExprBuilder interface so callers assemble predicates the same
// way the teacher assembles SELECT expressions (Col/Val/Eq/And/Or/...).
type ExprBuilder interface {
	Build() Expr
}

type wrapped struct{ e Expr }

func (w wrapped) Build() Expr { return w.e }

func wrap(e Expr) ExprBuilder { return wrapped{e} }

// Col references a mapped property by name.
func Col(name string) ExprBuilder { return wrap(Column{Name: name}) }

// Val captures a constant.
func Val(v any) ExprBuilder { return wrap(Literal{Value: v}) }

// Null is the NULL literal, used on the right side of Eq/Ne for IS [NOT]
// NULL rewriting.
func Null() ExprBuilder { return wrap(Literal{Value: nil}) }

func bin(op BinOp, l, r ExprBuilder) ExprBuilder { return wrap(Binary{Op: op, L: l.Build(), R: r.Build()}) }

func Eq(l, r ExprBuilder) ExprBuilder { return bin(OpEq, l, r) }
func Ne(l, r ExprBuilder) ExprBuilder { return bin(OpNe, l, r) }
func Lt(l, r ExprBuilder) ExprBuilder { return bin(OpLt, l, r) }
func Le(l, r ExprBuilder) ExprBuilder { return bin(OpLe, l, r) }
func Gt(l, r ExprBuilder) ExprBuilder { return bin(OpGt, l, r) }
func Ge(l, r ExprBuilder) ExprBuilder { return bin(OpGe, l, r) }

// And folds 2+ expressions with AND.
func And(exprs ...ExprBuilder) ExprBuilder {
	if len(exprs) == 0 {
		return nil
	}
	acc := exprs[0].Build()
	for _, e := range exprs[1:] {
		acc = Binary{Op: OpAnd, L: acc, R: e.Build()}
	}
	return wrap(acc)
}

// Or folds 2+ expressions with OR.
func Or(exprs ...ExprBuilder) ExprBuilder {
	if len(exprs) == 0 {
		return nil
	}
	acc := exprs[0].Build()
	for _, e := range exprs[1:] {
		acc = Binary{Op: OpOr, L: acc, R: e.Build()}
	}
	return wrap(acc)
}

func Not(e ExprBuilder) ExprBuilder        { return wrap(Unary{Op: OpNot, E: e.Build()}) }
func IsNull(e ExprBuilder) ExprBuilder     { return wrap(Unary{Op: OpIsNull, E: e.Build()}) }
func IsNotNull(e ExprBuilder) ExprBuilder  { return wrap(Unary{Op: OpIsNotNull, E: e.Build()}) }

func StartsWith(col, val ExprBuilder) ExprBuilder {
	return wrap(Call{Fn: "StartsWith", Args: []Expr{col.Build(), val.Build()}})
}
func EndsWith(col, val ExprBuilder) ExprBuilder {
	return wrap(Call{Fn: "EndsWith", Args: []Expr{col.Build(), val.Build()}})
}
func Contains(col, val ExprBuilder) ExprBuilder {
	return wrap(Call{Fn: "Contains", Args: []Expr{col.Build(), val.Build()}})
}

// In builds a membership predicate against an explicit value list.
func In(col ExprBuilder, values ...ExprBuilder) ExprBuilder {
	vals := make([]Expr, len(values))
	for i, v := range values {
		vals[i] = v.Build()
	}
	return wrap(In{Col: col.Build(), Values: vals})
}

// BetweenExpr builds an inclusive range predicate.
func BetweenExpr(col, lo, hi ExprBuilder) ExprBuilder {
	return wrap(Between{Col: col.Build(), Lo: lo.Build(), Hi: hi.Build()})
}

// Asc/Desc build an OrderItem for a mapped column.
func Asc(column string) OrderItem  { return OrderItem{Column: column, Desc: false} }
func Desc(column string) OrderItem { return OrderItem{Column: column, Desc: true} }
