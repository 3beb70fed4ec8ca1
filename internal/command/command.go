// Package command implements the Command Factory (§4.C): given a schema
// and an operation description, it renders one parameterized SQL command
// ready to hand to a connection. It never opens a connection or a
// transaction itself — internal/txscope owns that lifecycle.
package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/predicate"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/valuekind"
)

// Operation enumerates the command shapes the factory can produce.
type Operation int

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
	OpSelect
	OpBatchInsert
	OpUpsert
	OpMerge
)

// SelectOptions shapes the SELECT command's filters and paging.
type SelectOptions struct {
	IncludeAllVersions bool
	IncludeDeleted     bool
	IncludeExpired     bool
	Filter             predicate.Expr
	OrderBy            []predicate.OrderItem
	Limit              *int64
	Offset             *int64
}

// Context describes one operation to render. Entity/OldEntity are pointers
// to a schema.Entity-satisfying struct; Key is the logical primary key for
// Select-by-key and Delete.
type Context struct {
	Operation     Operation
	Entity        any
	OldVersion    *int64
	Key           string
	SelectOptions *SelectOptions
	NowISO        string
}

// Command is one rendered, parameterized statement.
type Command struct {
	SQL    string
	Params map[string]any
}

// Build renders a Command for cc against s.
func Build(s *schema.Schema, cc Context) (*Command, error) {
	switch cc.Operation {
	case OpInsert, OpBatchInsert:
		return buildInsert(s, cc)
	case OpUpdate:
		return buildUpdate(s, cc)
	case OpDelete:
		return buildDelete(s, cc)
	case OpSelect:
		return buildSelectByKey(s, cc)
	default:
		return nil, fmt.Errorf("command: unsupported operation %d", cc.Operation)
	}
}

func bindParam(params map[string]any, n *int, v any) string {
	name := fmt.Sprintf("p%d", *n)
	*n++
	params[name] = v
	return "@" + name
}

// buildInsert renders "INSERT INTO table (cols) VALUES (@p0, ...)" over
// GetInsertColumns, binding each value from entity.
func buildInsert(s *schema.Schema, cc Context) (*Command, error) {
	cols := s.GetInsertColumns()
	params := map[string]any{}
	n := 0
	placeholders := make([]string, len(cols))
	for i, name := range cols {
		col, _ := s.Column(name)
		v := schema.FieldValue(cc.Entity, col)
		placeholders[i] = bindParam(params, &n, valuekind.FromAny(v).Driver())
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.QualifiedName(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return &Command{SQL: sql, Params: params}, nil
}

// buildUpdate renders "UPDATE table SET col=@pN, ... WHERE pk AND
// Version=@old_version" — optimistic concurrency applies whenever
// cc.OldVersion is set.
func buildUpdate(s *schema.Schema, cc Context) (*Command, error) {
	cols := s.GetUpdateColumns()
	params := map[string]any{}
	n := 0
	sets := make([]string, len(cols))
	for i, name := range cols {
		col, _ := s.Column(name)
		v := schema.FieldValue(cc.Entity, col)
		sets[i] = name + " = " + bindParam(params, &n, valuekind.FromAny(v).Driver())
	}

	var where []string
	for _, pkName := range s.PrimaryKey {
		col, _ := s.Column(pkName)
		v := schema.FieldValue(cc.Entity, col)
		where = append(where, pkName+" = "+bindParam(params, &n, valuekind.FromAny(v).Driver()))
	}
	if cc.OldVersion != nil {
		where = append(where, "Version = "+bindParam(params, &n, *cc.OldVersion))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		s.QualifiedName(), strings.Join(sets, ", "), strings.Join(where, " AND "))
	return &Command{SQL: sql, Params: params}, nil
}

// buildDelete renders "DELETE FROM table WHERE pk" — the hard-delete path;
// soft-delete tables never call this, they INSERT a tombstone version row
// with IsDeleted set instead.
func buildDelete(s *schema.Schema, cc Context) (*Command, error) {
	params := map[string]any{}
	n := 0
	var where []string
	for _, pkName := range s.PrimaryKey {
		col, _ := s.Column(pkName)
		v := schema.FieldValue(cc.Entity, col)
		where = append(where, pkName+" = "+bindParam(params, &n, valuekind.FromAny(v).Driver()))
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", s.QualifiedName(), strings.Join(where, " AND "))
	return &Command{SQL: sql, Params: params}, nil
}

// logicalKeyColumns is the primary key minus Version: the column(s) a
// version chain shares across its rows. Non-soft-delete schemas have no
// Version in their PK, so this equals PrimaryKey unchanged.
func logicalKeyColumns(s *schema.Schema) []string {
	out := make([]string, 0, len(s.PrimaryKey))
	for _, c := range s.PrimaryKey {
		if c == "Version" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// filteredSource composes an optional "WITH LatestVersions AS (...)"
// preamble (when soft-delete applies) plus the FROM source and WHERE
// conditions shared by every read shape: a specific key (cc.Key != ""),
// soft-delete/expiry filtering, and an arbitrary translator predicate.
// buildSelectByKey, BuildCount, and BuildExists all render SQL around this
// one shared condition set so the three never drift apart.
func filteredSource(s *schema.Schema, cc Context, opts *SelectOptions) (preamble, source, colList string, conds []string, params map[string]any, n int) {
	params = map[string]any{}
	cols := s.GetSelectColumns()
	colList = strings.Join(cols, ", ")
	source = s.QualifiedName()

	if s.Flags.SoftDelete && !opts.IncludeAllVersions {
		part := strings.Join(logicalKeyColumns(s), ", ")
		preamble = fmt.Sprintf("WITH LatestVersions AS (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY Version DESC) AS rn FROM %s) ",
			colList, part, s.QualifiedName())
		source = "LatestVersions"
		conds = append(conds, "rn = 1")
	}
	if cc.Key != "" {
		for _, pkName := range logicalKeyColumns(s) {
			conds = append(conds, pkName+" = "+bindParam(params, &n, cc.Key))
		}
	}
	if s.Flags.SoftDelete && !opts.IncludeDeleted {
		conds = append(conds, "IsDeleted = 0")
	}
	if s.Flags.Expiry && !opts.IncludeExpired {
		now := cc.NowISO
		if now == "" {
			now = valuekind.Timestamp(timeNow()).Driver().(string)
		}
		conds = append(conds, fmt.Sprintf("(AbsoluteExpiration IS NULL OR datetime(AbsoluteExpiration) > datetime(%s))",
			bindParam(params, &n, now)))
	}
	return preamble, source, colList, conds, params, n
}

func appendFilter(s *schema.Schema, filter predicate.Expr, conds []string, params map[string]any, n int) ([]string, int, error) {
	if filter == nil {
		return conds, n, nil
	}
	compiled, err := predicate.CompileFrom(s, filter, n)
	if err != nil {
		return nil, 0, err
	}
	n += len(compiled.Params)
	conds = append(conds, compiled.SQL)
	for k, v := range compiled.Params {
		params[k] = v
	}
	return conds, n, nil
}

// buildSelectByKey renders a SELECT over s: a single-key lookup when
// cc.Key is set (Get/GetByKey/the write pipeline's head checks), or — when
// cc.Key is empty — a general predicate query (the Query Engine's Query/
// QueryPaged item projection), both wrapped in the "latest versions" CTE
// and filtered for soft-delete/expiry per §4.C.
func buildSelectByKey(s *schema.Schema, cc Context) (*Command, error) {
	opts := cc.SelectOptions
	if opts == nil {
		opts = &SelectOptions{}
	}
	preamble, source, colList, conds, params, n := filteredSource(s, cc, opts)
	conds, n, err := appendFilter(s, opts.Filter, conds, params, n)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(preamble)
	fmt.Fprintf(&b, "SELECT %s FROM %s", colList, source)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if order, err := predicate.CompileOrder(s, opts.OrderBy); err != nil {
		return nil, err
	} else if order != "" {
		b.WriteString(" ")
		b.WriteString(order)
	}
	if opts.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *opts.Limit)
	}
	if opts.Offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *opts.Offset)
	}
	_ = n

	return &Command{SQL: b.String(), Params: params}, nil
}

// BuildCount renders "SELECT COUNT(*) FROM (...)" over the same filtered
// source buildSelectByKey would project rows from — the latest-version CTE
// collapses each logical key to one row before counting when soft-delete
// is on, so Count never double-counts a version chain (§4.Q Count).
func BuildCount(s *schema.Schema, filter predicate.Expr) (*Command, error) {
	opts := &SelectOptions{}
	preamble, source, _, conds, params, n := filteredSource(s, Context{}, opts)
	conds, _, err := appendFilter(s, filter, conds, params, n)
	if err != nil {
		return nil, err
	}
	sql := preamble + fmt.Sprintf("SELECT COUNT(*) FROM %s", source)
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	return &Command{SQL: sql, Params: params}, nil
}

// BuildExists renders "SELECT EXISTS(SELECT 1 FROM ... LIMIT 1)" over the
// same filtered source (§4.Q Exists).
func BuildExists(s *schema.Schema, filter predicate.Expr) (*Command, error) {
	preamble, source, _, conds, params, n := filteredSource(s, Context{}, &SelectOptions{})
	conds, _, err := appendFilter(s, filter, conds, params, n)
	if err != nil {
		return nil, err
	}
	inner := fmt.Sprintf("SELECT 1 FROM %s", source)
	if len(conds) > 0 {
		inner += " WHERE " + strings.Join(conds, " AND ")
	}
	inner += " LIMIT 1"
	return &Command{SQL: preamble + "SELECT EXISTS(" + inner + ")", Params: params}, nil
}

// timeNow is a seam so tests can observe NowISO defaulting without the
// package reaching for wall-clock time directly in the hot path.
var timeNow = func() time.Time { return time.Now().UTC() }
