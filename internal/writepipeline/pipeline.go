// Package writepipeline implements the Write Pipeline (§4.W): Create, Get,
// Update, Delete, their batch variants, and list-association operations,
// each wrapping its own transaction, concurrency check, and audit emission
// around the Command Factory, Version Allocator, and Transaction Scope.
//
// Grounded on the teacher's own connection-per-operation style (the
// tinySQL engine never shares a live transaction across unrelated callers)
// generalized from DML execution against an in-memory catalog to DML
// execution against modernc.org/sqlite via database/sql.
package writepipeline

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/audit"
	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/predicate"
	"github.com/SimonWaldherr/entitystore/internal/retry"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
	"github.com/SimonWaldherr/entitystore/internal/versionledger"
)

// queryExecer is satisfied by both *sql.DB and *sql.Tx, letting fetchHead
// run unmodified whether called outside or inside a transaction.
type queryExecer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetOptions shapes GetByKey's chain projection.
type GetOptions struct {
	IncludeAllVersions bool
	IncludeDeleted     bool
	IncludeExpired     bool
}

// Pipeline is the write pipeline for one entity type T (a pointer type
// satisfying schema.Entity, e.g. *Order). One Pipeline is built per
// registered schema at provider-open time.
type Pipeline[T schema.Entity] struct {
	db     *sql.DB
	schema *schema.Schema
	audit  *audit.Writer
	retry  retry.Policy
	clock  func() time.Time
}

// New builds a Pipeline over db for the given compiled schema. auditWriter
// may be nil, in which case audit emission is skipped entirely (used for
// schemas built with Audit() unset).
func New[T schema.Entity](db *sql.DB, s *schema.Schema, auditWriter *audit.Writer) *Pipeline[T] {
	return &Pipeline[T]{
		db:     db,
		schema: s,
		audit:  auditWriter,
		retry:  retry.DefaultPolicy(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// newEntity allocates a fresh T (a pointer to its underlying struct) via
// reflection, without requiring callers to pass a constructor — T's static
// type is enough to recover the element type even though its zero value is
// a nil pointer.
func newEntity[T schema.Entity]() T {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil || rt.Kind() != reflect.Pointer {
		return zero
	}
	return reflect.New(rt.Elem()).Interface().(T)
}

func (p *Pipeline[T]) timestamp() time.Time { return p.clock() }

func (p *Pipeline[T]) audibleAppend(ctx context.Context, entityKey, op string, oldVersion *int64, newVersion int64, info caller.Info) {
	if p.audit == nil {
		return
	}
	p.audit.Append(ctx, audit.Record{
		EntityType: p.schema.TableName,
		EntityKey:  entityKey,
		Operation:  op,
		OldVersion: oldVersion,
		NewVersion: newVersion,
		Caller:     info,
	})
}

// fetchHead reads the current head row (ordered Version DESC, LIMIT 1 under
// soft-delete) for key. includeDeleted/includeExpired control whether a
// soft-deleted or expired head is still returned (internal callers doing a
// concurrency check want the head regardless; Get's public live-check does
// not). Returns (zero, false, nil) when no row matches.
func (p *Pipeline[T]) fetchHead(ctx context.Context, ex queryExecer, key string, includeDeleted, includeExpired bool) (T, bool, error) {
	var zero T
	limit := int64(1)
	cc := command.Context{
		Operation: command.OpSelect,
		Key:       key,
		SelectOptions: &command.SelectOptions{
			IncludeDeleted: includeDeleted,
			IncludeExpired: includeExpired,
			OrderBy:        []predicate.OrderItem{predicate.Desc("Version")},
			Limit:          &limit,
		},
	}
	cmd, err := command.Build(p.schema, cc)
	if err != nil {
		return zero, false, fmt.Errorf("writepipeline: build select: %w", err)
	}
	rows, err := ex.QueryContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
	if err != nil {
		return zero, false, storeerr.Wrap("fetch head", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, false, rows.Err()
	}
	e := newEntity[T]()
	if err := schema.ScanRow(rows, p.schema, e); err != nil {
		return zero, false, err
	}
	return e, true, rows.Err()
}

// fetchChain reads every row of key's version chain (or just the head, for
// non-soft-delete schemas) per opts, ordered by Version ascending.
func (p *Pipeline[T]) fetchChain(ctx context.Context, key string, opts GetOptions) ([]T, error) {
	cc := command.Context{
		Operation: command.OpSelect,
		Key:       key,
		SelectOptions: &command.SelectOptions{
			IncludeAllVersions: opts.IncludeAllVersions,
			IncludeDeleted:     opts.IncludeDeleted,
			IncludeExpired:     opts.IncludeExpired,
			OrderBy:            []predicate.OrderItem{predicate.Asc("Version")},
		},
	}
	cmd, err := command.Build(p.schema, cc)
	if err != nil {
		return nil, fmt.Errorf("writepipeline: build select: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
	if err != nil {
		return nil, storeerr.Wrap("fetch chain", err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		e := newEntity[T]()
		if err := schema.ScanRow(rows, p.schema, e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Create inserts e as a brand-new logical entity (§4.W Create(e)).
func (p *Pipeline[T]) Create(ctx context.Context, e T, info caller.Info) error {
	return retry.Do(ctx, p.retry, func() error {
		return p.create(ctx, e, info)
	})
}

func (p *Pipeline[T]) create(ctx context.Context, e T, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("create", err)
	}
	defer tx.Rollback()

	var nv int64 = 1
	if p.schema.Flags.SoftDelete {
		nv, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("create", err)
		}
	}

	if err := p.createOne(ctx, tx, e, nv, p.timestamp()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("create", err)
	}
	p.audibleAppend(ctx, e.GetID(), "CREATE", nil, nv, info)
	return nil
}

// createOne runs the existence check and INSERT a single Create performs,
// against an already-open transaction and an already-allocated version —
// shared by Create, CreateBatch, and CreateList so the "reject if a live
// head already exists, else insert at nv" rule lives in exactly one place.
func (p *Pipeline[T]) createOne(ctx context.Context, tx *sql.Tx, e T, nv int64, now time.Time) error {
	head, found, err := p.fetchHead(ctx, tx, e.GetID(), true, true)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.GetID(), err)
	}
	if found && (!p.schema.Flags.SoftDelete || !schema.IsDeleted(head)) {
		return fmt.Errorf("create %s: %w", e.GetID(), storeerr.ErrAlreadyExists)
	}

	schema.SetVersion(e, nv)
	schema.SetTimestamps(e, now, now)
	if p.schema.Flags.Expiry {
		applyDefaultExpiry(p.schema, e, now)
	}

	cmd, err := command.Build(p.schema, command.Context{Operation: command.OpInsert, Entity: e})
	if err != nil {
		return fmt.Errorf("create %s: %w", e.GetID(), err)
	}
	if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
		return fmt.Errorf("create %s: %w", e.GetID(), storeerr.Wrap("insert", err))
	}
	return nil
}

// applyDefaultExpiry sets AbsoluteExpiration to created+span when the
// schema declares an expiry span and the caller left it unset.
func applyDefaultExpiry(s *schema.Schema, e any, created time.Time) {
	col, ok := s.Column("AbsoluteExpiration")
	if !ok || s.Flags.ExpirySpan == nil {
		return
	}
	if v := schema.FieldValue(e, col); v != nil {
		return
	}
	exp := created.Add(time.Duration(*s.Flags.ExpirySpan))
	schema.SetFieldValue(e, col, exp)
}

// Get returns key's head only if it is live (not soft-deleted, not
// expired). Missing or dead heads both raise ErrNotFound.
func (p *Pipeline[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	head, found, err := p.fetchHead(ctx, p.db, key, false, false)
	if err != nil {
		return zero, storeerr.Wrap("get", err)
	}
	if !found {
		return zero, fmt.Errorf("get %s: %w", key, storeerr.ErrNotFound)
	}
	return head, nil
}

// GetByKey returns every row of key's version chain that matches opts,
// ordered by Version ascending.
func (p *Pipeline[T]) GetByKey(ctx context.Context, key string, opts GetOptions) ([]T, error) {
	rows, err := p.fetchChain(ctx, key, opts)
	if err != nil {
		return nil, storeerr.Wrap("get by key", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get by key %s: %w", key, storeerr.ErrNotFound)
	}
	return rows, nil
}

// Update applies e's non-key fields against the head it was read from. The
// caller's e.Version must equal the head's current version.
func (p *Pipeline[T]) Update(ctx context.Context, e T, info caller.Info) error {
	return retry.Do(ctx, p.retry, func() error {
		return p.update(ctx, e, info)
	})
}

func (p *Pipeline[T]) update(ctx context.Context, e T, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("update", err)
	}
	defer tx.Rollback()

	head, found, err := p.fetchHead(ctx, tx, e.GetID(), true, true)
	if err != nil {
		return storeerr.Wrap("update", err)
	}
	if !found {
		return fmt.Errorf("update %s: %w", e.GetID(), storeerr.ErrNotFound)
	}
	oldVersion := schema.GetVersion(head)
	if oldVersion != schema.GetVersion(e) {
		return fmt.Errorf("update %s: %w", e.GetID(), storeerr.ErrConcurrencyConflict)
	}

	now := p.timestamp()
	created, _ := schema.GetTimestamps(head)
	schema.SetTimestamps(e, created, now)

	var nv int64
	if p.schema.Flags.SoftDelete {
		nv, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("update", err)
		}
		schema.SetVersion(e, nv)
		cmd, err := command.Build(p.schema, command.Context{Operation: command.OpInsert, Entity: e})
		if err != nil {
			return storeerr.Wrap("update", err)
		}
		if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
			return fmt.Errorf("update %s: %w", e.GetID(), storeerr.Wrap("insert new version", err))
		}
	} else {
		nv = oldVersion + 1
		schema.SetVersion(e, nv)
		old := oldVersion
		cmd, err := command.Build(p.schema, command.Context{Operation: command.OpUpdate, Entity: e, OldVersion: &old})
		if err != nil {
			return storeerr.Wrap("update", err)
		}
		res, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
		if err != nil {
			return fmt.Errorf("update %s: %w", e.GetID(), storeerr.Wrap("update in place", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storeerr.Wrap("update", err)
		}
		if n == 0 {
			return fmt.Errorf("update %s: %w", e.GetID(), storeerr.ErrConcurrencyConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("update", err)
	}
	p.audibleAppend(ctx, e.GetID(), "UPDATE", &oldVersion, nv, info)
	return nil
}

// Delete removes key. Under soft-delete this appends a tombstone version
// (idempotent: deleting an already-dead head is a no-op success). Otherwise
// it hard-deletes by primary key (always reports success).
func (p *Pipeline[T]) Delete(ctx context.Context, key string, info caller.Info) (bool, error) {
	var ok bool
	err := retry.Do(ctx, p.retry, func() error {
		var err error
		ok, err = p.delete(ctx, key, info)
		return err
	})
	return ok, err
}

func (p *Pipeline[T]) delete(ctx context.Context, key string, info caller.Info) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeerr.Wrap("delete", err)
	}
	defer tx.Rollback()

	head, found, err := p.fetchHead(ctx, tx, key, true, true)
	if err != nil {
		return false, storeerr.Wrap("delete", err)
	}

	if p.schema.Flags.SoftDelete {
		if !found || schema.IsDeleted(head) {
			if err := tx.Commit(); err != nil {
				return false, storeerr.Wrap("delete", err)
			}
			return true, nil
		}
		oldVersion := schema.GetVersion(head)
		nv, err := versionledger.Next(ctx, tx)
		if err != nil {
			return false, storeerr.Wrap("delete", err)
		}
		tomb := schema.Clone(head)
		schema.SetVersion(tomb, nv)
		schema.SetDeleted(tomb, true)
		now := p.timestamp()
		created, _ := schema.GetTimestamps(tomb)
		schema.SetTimestamps(tomb, created, now)

		cmd, err := command.Build(p.schema, command.Context{Operation: command.OpInsert, Entity: tomb})
		if err != nil {
			return false, storeerr.Wrap("delete", err)
		}
		if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
			return false, fmt.Errorf("delete %s: %w", key, storeerr.Wrap("insert tombstone", err))
		}
		if err := tx.Commit(); err != nil {
			return false, storeerr.Wrap("delete", err)
		}
		p.audibleAppend(ctx, key, "DELETE", &oldVersion, nv, info)
		return true, nil
	}

	cmd, err := command.Build(p.schema, command.Context{Operation: command.OpDelete, Entity: keyOnlyEntity(p.schema, key)})
	if err != nil {
		return false, storeerr.Wrap("delete", err)
	}
	if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
		return false, fmt.Errorf("delete %s: %w", key, storeerr.Wrap("hard delete", err))
	}
	if err := tx.Commit(); err != nil {
		return false, storeerr.Wrap("delete", err)
	}
	var oldVersion *int64
	if found {
		v := schema.GetVersion(head)
		oldVersion = &v
	}
	p.audibleAppend(ctx, key, "DELETE", oldVersion, 0, info)
	return true, nil
}

// keyOnlyEntity builds a throwaway entity carrying only the primary key
// field, enough for buildDelete's WHERE-clause field reads (hard-delete
// path only; FieldIndex for Base-derived columns is always {0, i}
// regardless of T's concrete type, since every mapped entity embeds Base
// as its first field).
func keyOnlyEntity(s *schema.Schema, key string) any {
	e := &struct{ schema.Base }{}
	schema.SetID(e, key)
	return e
}
