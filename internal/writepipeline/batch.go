package writepipeline

import (
	"context"
	"fmt"

	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
	"github.com/SimonWaldherr/entitystore/internal/versionledger"
)

// DefaultBatchSize is the sub-batch size CreateBatch/UpdateBatch/DeleteBatch
// fall back to when the caller passes batchSize<=0 (§4.W: effective_batch_size).
const DefaultBatchSize = 1000

func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// CreateBatch groups items into sub-batches of batchSize, each run under
// its own transaction sharing one allocated version (under soft-delete).
// A failing item rolls back only its own batch; later batches still run.
// Every per-item failure across every batch is collected into one
// aggregate storeerr.BatchError.
func (p *Pipeline[T]) CreateBatch(ctx context.Context, items []T, batchSize int, info caller.Info) error {
	var causes []storeerr.ItemError
	for _, batch := range chunks(items, batchSize) {
		if err := p.createBatch(ctx, batch, info); err != nil {
			causes = append(causes, batchCauses(batch, itemGetID[T], err)...)
		}
	}
	return aggregate(causes)
}

func (p *Pipeline[T]) createBatch(ctx context.Context, batch []T, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("create batch", err)
	}
	defer tx.Rollback()

	var nv int64 = 1
	if p.schema.Flags.SoftDelete {
		nv, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("create batch", err)
		}
	}

	now := p.timestamp()
	for _, e := range batch {
		if err := p.createOne(ctx, tx, e, nv, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("create batch", err)
	}
	for _, e := range batch {
		p.audibleAppend(ctx, e.GetID(), "CREATE", nil, nv, info)
	}
	return nil
}

// UpdateBatch behaves like Update but amortizes one version allocation
// across every item in a sub-batch (soft-delete schemas only).
func (p *Pipeline[T]) UpdateBatch(ctx context.Context, items []T, batchSize int, info caller.Info) error {
	var causes []storeerr.ItemError
	for _, batch := range chunks(items, batchSize) {
		if err := p.updateBatch(ctx, batch, info); err != nil {
			causes = append(causes, batchCauses(batch, itemGetID[T], err)...)
		}
	}
	return aggregate(causes)
}

func (p *Pipeline[T]) updateBatch(ctx context.Context, batch []T, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("update batch", err)
	}
	defer tx.Rollback()

	var sharedNV int64
	if p.schema.Flags.SoftDelete {
		sharedNV, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("update batch", err)
		}
	}
	now := p.timestamp()

	type audited struct {
		key        string
		oldVersion int64
		newVersion int64
	}
	var toAudit []audited

	for _, e := range batch {
		head, found, err := p.fetchHead(ctx, tx, e.GetID(), true, true)
		if err != nil {
			return fmt.Errorf("update %s: %w", e.GetID(), err)
		}
		if !found {
			return fmt.Errorf("update %s: %w", e.GetID(), storeerr.ErrNotFound)
		}
		oldVersion := schema.GetVersion(head)
		if oldVersion != schema.GetVersion(e) {
			return fmt.Errorf("update %s: %w", e.GetID(), storeerr.ErrConcurrencyConflict)
		}
		created, _ := schema.GetTimestamps(head)
		schema.SetTimestamps(e, created, now)

		var nv int64
		if p.schema.Flags.SoftDelete {
			nv = sharedNV
			schema.SetVersion(e, nv)
			cmd, err := command.Build(p.schema, command.Context{Operation: command.OpInsert, Entity: e})
			if err != nil {
				return fmt.Errorf("update %s: %w", e.GetID(), err)
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
				return fmt.Errorf("update %s: %w", e.GetID(), err)
			}
			res, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
			if err != nil {
				return fmt.Errorf("update %s: %w", e.GetID(), storeerr.Wrap("update in place", err))
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("update %s: %w", e.GetID(), storeerr.ErrConcurrencyConflict)
			}
		}
		toAudit = append(toAudit, audited{key: e.GetID(), oldVersion: oldVersion, newVersion: nv})
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("update batch", err)
	}
	for _, a := range toAudit {
		old := a.oldVersion
		p.audibleAppend(ctx, a.key, "UPDATE", &old, a.newVersion, info)
	}
	return nil
}

// DeleteBatch deletes every key in keys, sharing one version allocation per
// sub-batch (soft-delete schemas only). Already-dead keys are idempotent
// successes, matching Delete.
func (p *Pipeline[T]) DeleteBatch(ctx context.Context, keys []string, batchSize int, info caller.Info) error {
	var causes []storeerr.ItemError
	for _, batch := range chunks(keys, batchSize) {
		if err := p.deleteBatch(ctx, batch, info); err != nil {
			causes = append(causes, batchCauses(batch, func(k string) string { return k }, err)...)
		}
	}
	return aggregate(causes)
}

func (p *Pipeline[T]) deleteBatch(ctx context.Context, keys []string, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("delete batch", err)
	}
	defer tx.Rollback()

	var sharedNV int64
	if p.schema.Flags.SoftDelete && len(keys) > 0 {
		sharedNV, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("delete batch", err)
		}
	}

	type audited struct {
		key        string
		oldVersion *int64
		newVersion int64
	}
	var toAudit []audited

	now := p.timestamp()
	for _, k := range keys {
		head, found, err := p.fetchHead(ctx, tx, k, true, true)
		if err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		if p.schema.Flags.SoftDelete {
			if !found || schema.IsDeleted(head) {
				toAudit = append(toAudit, audited{key: k, newVersion: 0})
				continue
			}
			oldVersion := schema.GetVersion(head)
			tomb := schema.Clone(head)
			schema.SetVersion(tomb, sharedNV)
			schema.SetDeleted(tomb, true)
			created, _ := schema.GetTimestamps(tomb)
			schema.SetTimestamps(tomb, created, now)
			cmd, err := command.Build(p.schema, command.Context{Operation: command.OpInsert, Entity: tomb})
			if err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
			if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
				return fmt.Errorf("delete %s: %w", k, storeerr.Wrap("insert tombstone", err))
			}
			toAudit = append(toAudit, audited{key: k, oldVersion: &oldVersion, newVersion: sharedNV})
			continue
		}
		cmd, err := command.Build(p.schema, command.Context{Operation: command.OpDelete, Entity: keyOnlyEntity(p.schema, k)})
		if err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
			return fmt.Errorf("delete %s: %w", k, storeerr.Wrap("hard delete", err))
		}
		var ov *int64
		if found {
			v := schema.GetVersion(head)
			ov = &v
		}
		toAudit = append(toAudit, audited{key: k, oldVersion: ov})
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("delete batch", err)
	}
	for _, a := range toAudit {
		p.audibleAppend(ctx, a.key, "DELETE", a.oldVersion, a.newVersion, info)
	}
	return nil
}

func itemGetID[T schema.Entity](e T) string { return e.GetID() }

// batchCauses attributes a whole-batch failure to every item in it (the
// batch rolled back as a unit, so none of its items actually committed).
func batchCauses[I any](batch []I, key func(I) string, err error) []storeerr.ItemError {
	out := make([]storeerr.ItemError, len(batch))
	for i, item := range batch {
		out[i] = storeerr.ItemError{Key: key(item), Err: err}
	}
	return out
}

func aggregate(causes []storeerr.ItemError) error {
	if len(causes) == 0 {
		return nil
	}
	return &storeerr.BatchError{Causes: causes}
}
