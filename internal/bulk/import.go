package bulk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
	"github.com/SimonWaldherr/entitystore/internal/versionledger"
)

// Import reconciles entities against the current table contents per
// opts.Strategy, allocating exactly one version for the whole call under
// soft-delete (unlike writepipeline's batch operations, which allocate one
// version per sub-batch) — §4.B Import.
func (e *Engine[T]) Import(ctx context.Context, entities []T, opts ImportOptions, info caller.Info) (*BulkImportResult, error) {
	start := time.Now()
	result := &BulkImportResult{Metadata: map[string]any{}}
	result.Statistics.TotalRows = len(entities)

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.PreserveVersionChains {
		if err := e.importPreservingChains(ctx, entities, result); err != nil {
			return result, err
		}
		result.Statistics.Elapsed = time.Since(start)
		return result, nil
	}

	if opts.Strategy == StrategyReplace {
		if err := e.truncate(ctx); err != nil {
			return result, err
		}
	}

	var nv int64 = 1
	if e.schema.Flags.SoftDelete {
		var err error
		nv, err = e.allocateVersion(ctx)
		if err != nil {
			return result, fmt.Errorf("import: %w", err)
		}
	}

	now := e.timestamp()
	processed := 0
	for _, batch := range chunk(entities, opts.BatchSize) {
		e.importBatch(ctx, batch, opts, nv, now, info, result)
		processed += len(batch)
		e.reportProgress(processed, len(entities), start)
	}

	result.Statistics.Elapsed = time.Since(start)
	result.Statistics.Created = result.Success - result.Statistics.Updated
	result.Statistics.Skipped = result.Skipped
	result.Statistics.Failed = result.Failure
	return result, nil
}

func (e *Engine[T]) allocateVersion(ctx context.Context) (int64, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeerr.Wrap("allocate version", err)
	}
	defer tx.Rollback()
	nv, err := versionledger.Next(ctx, tx)
	if err != nil {
		return 0, storeerr.Wrap("allocate version", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeerr.Wrap("allocate version", err)
	}
	return nv, nil
}

func (e *Engine[T]) truncate(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, "DELETE FROM "+e.schema.QualifiedName())
	if err != nil {
		return storeerr.Wrap("import: truncate", err)
	}
	return nil
}

// importBatch runs one sub-batch's reconciliation under its own
// transaction, sharing nv (allocated once for the whole Import call) across
// every row it inserts.
func (e *Engine[T]) importBatch(ctx context.Context, batch []T, opts ImportOptions, nv int64, now time.Time, info caller.Info, result *BulkImportResult) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		result.Errors = append(result.Errors, storeerr.Wrap("import batch", err).Error())
		result.Failure += len(batch)
		return
	}
	defer tx.Rollback()

	type audited struct {
		key        string
		op         string
		oldVersion *int64
		newVersion int64
	}
	var toAudit []audited

	for _, src := range batch {
		key := src.GetID()
		head, found, herr := e.fetchHead(ctx, tx, key)
		if herr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("import %s: %v", key, herr))
			result.Failure++
			continue
		}

		switch opts.Strategy {
		case StrategyReplace:
			if err := e.insertRow(ctx, tx, src, nv, now, true); err != nil {
				result.Errors = append(result.Errors, err.Error())
				result.Failure++
				continue
			}
			result.Success++
			toAudit = append(toAudit, audited{key: key, op: "CREATE", newVersion: nv})

		case StrategyMerge:
			if found && !schema.IsDeleted(head) {
				result.Skipped++
				continue
			}
			if err := e.insertRow(ctx, tx, src, nv, now, true); err != nil {
				result.Errors = append(result.Errors, err.Error())
				result.Failure++
				continue
			}
			result.Success++
			toAudit = append(toAudit, audited{key: key, op: "CREATE", newVersion: nv})

		case StrategyUpsert:
			if !found || schema.IsDeleted(head) {
				if err := e.insertRow(ctx, tx, src, nv, now, true); err != nil {
					result.Errors = append(result.Errors, err.Error())
					result.Failure++
					continue
				}
				result.Success++
				toAudit = append(toAudit, audited{key: key, op: "CREATE", newVersion: nv})
				continue
			}

			conflict, err := e.detectConflict(head, src)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				result.Failure++
				continue
			}
			oldVersion := schema.GetVersion(head)
			if conflict == ConflictNone {
				if err := e.updateRow(ctx, tx, src, head, nv, now); err != nil {
					result.Errors = append(result.Errors, err.Error())
					result.Failure++
					continue
				}
				result.Success++
				result.Statistics.Updated++
				toAudit = append(toAudit, audited{key: key, op: "UPDATE", oldVersion: &oldVersion, newVersion: nv})
				continue
			}

			result.Conflicts = append(result.Conflicts, Conflict{EntityKey: key, Type: conflict, Resolution: opts.ConflictResolution})
			switch opts.ConflictResolution {
			case ResolveUseTarget:
				result.Skipped++
			case ResolveManual:
				result.Skipped++
			case ResolveUseSource:
				if err := e.updateRow(ctx, tx, src, head, nv, now); err != nil {
					result.Errors = append(result.Errors, err.Error())
					result.Failure++
					continue
				}
				result.Success++
				result.Statistics.Updated++
				toAudit = append(toAudit, audited{key: key, op: "UPDATE", oldVersion: &oldVersion, newVersion: nv})
			case ResolveMerge:
				_, lastWrite := schema.GetTimestamps(head)
				_, srcLastWrite := schema.GetTimestamps(src)
				sourceWins := srcLastWrite.After(lastWrite)
				merged := mergeEntities(e.schema, head, src, opts.FieldMergePriorities, sourceWins)
				if err := e.updateRow(ctx, tx, merged, head, nv, now); err != nil {
					result.Errors = append(result.Errors, err.Error())
					result.Failure++
					continue
				}
				result.Success++
				result.Statistics.Updated++
				toAudit = append(toAudit, audited{key: key, op: "UPDATE", oldVersion: &oldVersion, newVersion: nv})
			}
		}
	}

	if err := tx.Commit(); err != nil {
		result.Errors = append(result.Errors, storeerr.Wrap("import batch commit", err).Error())
		return
	}
	for _, a := range toAudit {
		e.audibleAppend(ctx, a.key, a.op, a.oldVersion, a.newVersion, info)
	}
}

// insertRow stamps src as a brand-new version row at nv and inserts it.
// src's own CreatedTime is preserved when keepCreated is true; otherwise
// src.CreatedTime is replaced with now. Every caller in this file passes
// true, including the recreate of a previously fully-deleted key.
func (e *Engine[T]) insertRow(ctx context.Context, ex queryExecer, src T, nv int64, now time.Time, keepCreated bool) error {
	row := schema.Clone(src)
	schema.SetVersion(row, nv)
	schema.SetDeleted(row, false)
	created := now
	if keepCreated {
		created, _ = schema.GetTimestamps(src)
		if created.IsZero() {
			created = now
		}
	}
	schema.SetTimestamps(row, created, now)
	cmd, err := command.Build(e.schema, command.Context{Operation: command.OpInsert, Entity: row})
	if err != nil {
		return fmt.Errorf("import %s: %w", src.GetID(), err)
	}
	if _, err := ex.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
		return fmt.Errorf("import %s: %w", src.GetID(), storeerr.Wrap("insert", err))
	}
	return nil
}

// updateRow applies src's fields onto head's logical key at nv, following
// the same soft-delete-appends-a-version / hard-update-in-place split
// writepipeline.Pipeline.update uses.
func (e *Engine[T]) updateRow(ctx context.Context, ex queryExecer, src, head T, nv int64, now time.Time) error {
	row := schema.Clone(src)
	created, _ := schema.GetTimestamps(head)
	schema.SetTimestamps(row, created, now)
	schema.SetDeleted(row, false)

	if e.schema.Flags.SoftDelete {
		schema.SetVersion(row, nv)
		cmd, err := command.Build(e.schema, command.Context{Operation: command.OpInsert, Entity: row})
		if err != nil {
			return fmt.Errorf("import %s: %w", src.GetID(), err)
		}
		if _, err := ex.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
			return fmt.Errorf("import %s: %w", src.GetID(), storeerr.Wrap("insert new version", err))
		}
		return nil
	}

	old := schema.GetVersion(head)
	schema.SetVersion(row, old+1)
	cmd, err := command.Build(e.schema, command.Context{Operation: command.OpUpdate, Entity: row, OldVersion: &old})
	if err != nil {
		return fmt.Errorf("import %s: %w", src.GetID(), err)
	}
	if _, err := ex.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
		return fmt.Errorf("import %s: %w", src.GetID(), storeerr.Wrap("update in place", err))
	}
	return nil
}

// detectConflict checks Version mismatch first, then (if versions agree)
// falls back to fingerprint inequality — §4.B Import's Upsert conflict
// detection order.
func (e *Engine[T]) detectConflict(head, src T) (ConflictType, error) {
	if schema.GetVersion(head) != schema.GetVersion(src) {
		return ConflictVersion, nil
	}
	headFP, err := e.fingerprint(head)
	if err != nil {
		return ConflictNone, err
	}
	srcFP, err := e.fingerprint(src)
	if err != nil {
		return ConflictNone, err
	}
	if headFP != srcFP {
		return ConflictData, nil
	}
	return ConflictNone, nil
}

// importPreservingChains performs a raw multi-version restore: every row is
// inserted exactly as given (its own Version and IsDeleted preserved,
// nothing reallocated), grouped by key and ordered ascending so a chain
// reinserts in the order it was originally written. This is the path
// Export/Import round-tripping and manifested-archive restores use, and it
// deliberately bypasses Created/Updated/Skipped reconciliation entirely.
func (e *Engine[T]) importPreservingChains(ctx context.Context, entities []T, result *BulkImportResult) error {
	byKey := make(map[string][]T)
	order := make([]string, 0)
	for _, ent := range entities {
		k := ent.GetID()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], ent)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("import preserving chains", err)
	}
	defer tx.Rollback()

	for _, key := range order {
		rows := byKey[key]
		sort.Slice(rows, func(i, j int) bool { return schema.GetVersion(rows[i]) < schema.GetVersion(rows[j]) })
		for _, row := range rows {
			cmd, err := command.Build(e.schema, command.Context{Operation: command.OpInsert, Entity: row})
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("import %s: %v", key, err))
				result.Failure++
				continue
			}
			if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("import %s: %v", key, storeerr.Wrap("insert", err)))
				result.Failure++
				continue
			}
			result.Success++
		}
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("import preserving chains", err)
	}
	return nil
}
