// Package query implements the Query Engine (§4.Q): Query, QueryPaged,
// Count, and Exists, generalizing the teacher's internal/engine/exec.go
// SELECT execution (ORDER BY/LIMIT/OFFSET, window-function emulation) from
// a hand-rolled in-memory cursor to a predicate+paging+latest-version
// projection against modernc.org/sqlite via the Command Factory.
//
// Query/QueryPaged never emit audit records — reads are not write-pipeline
// operations — but both run through an Observer so a slow query still
// shows up somewhere a caller can see it.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/predicate"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
)

// Page is QueryPaged's result envelope (§4.Q QueryPaged).
type Page[T schema.Entity] struct {
	Items      []T
	PageNumber int
	PageSize   int
	TotalCount int64
}

// Engine runs read-only operations for one entity type's schema over a
// shared *sql.DB. One Engine is built per registered schema, the same way
// writepipeline.Pipeline is.
type Engine[T schema.Entity] struct {
	db       *sql.DB
	schema   *schema.Schema
	observer *Observer
}

// New builds a query Engine over db for the given compiled schema.
// observer may be nil, in which case slow-query logging is skipped.
func New[T schema.Entity](db *sql.DB, s *schema.Schema, observer *Observer) *Engine[T] {
	return &Engine[T]{db: db, schema: s, observer: observer}
}

func newEntity[T schema.Entity]() T {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil || rt.Kind() != reflect.Pointer {
		return zero
	}
	return reflect.New(rt.Elem()).Interface().(T)
}

func (e *Engine[T]) observe(ctx context.Context, op string, start time.Time) {
	if e.observer == nil {
		return
	}
	e.observer.Observe(ctx, e.schema.TableName, op, time.Since(start))
}

// Query runs predicate filter with ordering and optional skip/take (§4.Q
// Query). A nil filter matches every live row. Results are additionally
// de-duplicated in memory, keeping the highest Version per logical key —
// defensive de-duplication on top of the "latest versions" CTE the
// generated SQL already applies, per the explicit invariant.
func (e *Engine[T]) Query(ctx context.Context, filter predicate.Expr, orderBy []predicate.OrderItem, skip, take *int64) ([]T, error) {
	defer e.observe(ctx, "Query", time.Now())

	cmd, err := command.Build(e.schema, command.Context{
		Operation: command.OpSelect,
		SelectOptions: &command.SelectOptions{
			Filter:  filter,
			OrderBy: orderBy,
			Limit:   take,
			Offset:  skip,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query: build select: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
	if err != nil {
		return nil, storeerr.Wrap("query", err)
	}
	defer rows.Close()

	items, err := e.scanAll(rows)
	if err != nil {
		return nil, err
	}
	return dedupeLatest(items), nil
}

// QueryPaged runs a paged projection (§4.Q QueryPaged): pageSize and
// pageNumber must both be positive. TotalCount reflects the filtered,
// latest-version-deduplicated row count, independent of the requested
// page. Ties in orderBy are broken by Version DESC so paging stays stable
// across soft-delete version chains.
func (e *Engine[T]) QueryPaged(ctx context.Context, filter predicate.Expr, pageSize, pageNumber int, orderBy []predicate.OrderItem) (Page[T], error) {
	defer e.observe(ctx, "QueryPaged", time.Now())

	if pageSize <= 0 {
		return Page[T]{}, fmt.Errorf("query: page size must be positive: %w", storeerr.ErrValidationFailed)
	}
	if pageNumber <= 0 {
		return Page[T]{}, fmt.Errorf("query: page number must be positive: %w", storeerr.ErrValidationFailed)
	}

	total, err := e.count(ctx, filter)
	if err != nil {
		return Page[T]{}, err
	}

	order := append(append([]predicate.OrderItem(nil), orderBy...), predicate.Desc("Version"))
	limit := int64(pageSize)
	offset := int64(pageNumber-1) * int64(pageSize)
	cmd, err := command.Build(e.schema, command.Context{
		Operation: command.OpSelect,
		SelectOptions: &command.SelectOptions{
			Filter:  filter,
			OrderBy: order,
			Limit:   &limit,
			Offset:  &offset,
		},
	})
	if err != nil {
		return Page[T]{}, fmt.Errorf("query: build paged select: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
	if err != nil {
		return Page[T]{}, storeerr.Wrap("query paged", err)
	}
	defer rows.Close()

	items, err := e.scanAll(rows)
	if err != nil {
		return Page[T]{}, err
	}

	return Page[T]{
		Items:      dedupeLatest(items),
		PageNumber: pageNumber,
		PageSize:   pageSize,
		TotalCount: total,
	}, nil
}

// Count returns the number of distinct live entities matching filter: one
// row per logical key (latest version) when soft-delete is on, a plain
// COUNT(*) otherwise. Never emits audit (§4.Q Count).
func (e *Engine[T]) Count(ctx context.Context, filter predicate.Expr) (int64, error) {
	defer e.observe(ctx, "Count", time.Now())
	return e.count(ctx, filter)
}

func (e *Engine[T]) count(ctx context.Context, filter predicate.Expr) (int64, error) {
	cmd, err := command.BuildCount(e.schema, filter)
	if err != nil {
		return 0, fmt.Errorf("query: build count: %w", err)
	}
	var n int64
	if err := e.db.QueryRowContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...).Scan(&n); err != nil {
		return 0, storeerr.Wrap("count", err)
	}
	return n, nil
}

// Exists reports whether any live row matches filter (§4.Q Exists).
func (e *Engine[T]) Exists(ctx context.Context, filter predicate.Expr) (bool, error) {
	defer e.observe(ctx, "Exists", time.Now())

	cmd, err := command.BuildExists(e.schema, filter)
	if err != nil {
		return false, fmt.Errorf("query: build exists: %w", err)
	}
	var exists bool
	if err := e.db.QueryRowContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...).Scan(&exists); err != nil {
		return false, storeerr.Wrap("exists", err)
	}
	return exists, nil
}

func (e *Engine[T]) scanAll(rows *sql.Rows) ([]T, error) {
	var out []T
	for rows.Next() {
		item := newEntity[T]()
		if err := schema.ScanRow(rows, e.schema, item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// dedupeLatest keeps, for each logical key (GetID), only the row with the
// highest Version — defensive de-duplication per §4.Q Query, in case a
// caller composes a filter/order that would otherwise let more than one
// version of the same key slip through the "rn = 1" CTE filter (e.g.
// IncludeAllVersions-style filters are never set here, but the guard is
// cheap and the invariant is explicit).
func dedupeLatest[T schema.Entity](items []T) []T {
	if len(items) < 2 {
		return items
	}
	best := make(map[string]T, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		key := item.GetID()
		cur, seen := best[key]
		if !seen {
			order = append(order, key)
			best[key] = item
			continue
		}
		if schema.GetVersion(item) > schema.GetVersion(cur) {
			best[key] = item
		}
	}
	out := make([]T, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
