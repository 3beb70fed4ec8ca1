// List operations (§4.W, gated on schema.Flags.SyncWithList): CreateList,
// GetList, UpdateList, DeleteList against a shared entry-list mapping table.
// Grounded on the same per-operation-transaction shape as Create/Update/
// Delete above; the mapping table itself follows the teacher pack's pattern
// of a small shared bookkeeping table alongside the entity tables (compare
// internal/versionledger's entitystore_version_ledger and internal/audit's
// entitystore_audit_log).
package writepipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/retry"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
	"github.com/SimonWaldherr/entitystore/internal/versionledger"
)

const listMappingTableSQL = `CREATE TABLE IF NOT EXISTS entitystore_list_mapping (
	list_key TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	version INTEGER NOT NULL,
	created_time TEXT NOT NULL,
	last_write_time TEXT NOT NULL,
	caller_file TEXT,
	caller_member TEXT,
	caller_line INTEGER,
	caller_user TEXT,
	PRIMARY KEY (list_key, entity_type, entry_key)
)`

// EnsureListMappingTable creates the shared ML table (§3 "List Mapping ML")
// if it is not already present. Every entity type's Pipeline shares one
// table, scoped by entity_type, so two schemas can reuse the same listKey
// string without their mappings colliding.
func EnsureListMappingTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, listMappingTableSQL); err != nil {
		return fmt.Errorf("writepipeline: create list mapping table: %w", err)
	}
	return nil
}

type listMapping struct {
	EntryKey string
	Version  int64
}

func (p *Pipeline[T]) listMappings(ctx context.Context, ex queryExecer, listKey string) ([]listMapping, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT entry_key, version FROM entitystore_list_mapping WHERE list_key = ? AND entity_type = ? ORDER BY entry_key`,
		listKey, p.schema.TableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []listMapping
	for rows.Next() {
		var m listMapping
		if err := rows.Scan(&m.EntryKey, &m.Version); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Pipeline[T]) insertMapping(ctx context.Context, ex queryExecer, listKey, entryKey string, version int64, now time.Time, info caller.Info) error {
	iso := now.Format(time.RFC3339Nano)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO entitystore_list_mapping
			(list_key, entity_type, entry_key, version, created_time, last_write_time,
			 caller_file, caller_member, caller_line, caller_user)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		listKey, p.schema.TableName, entryKey, version, iso, iso,
		info.File, info.Member, info.Line, info.UserID)
	return err
}

func (p *Pipeline[T]) updateMappingVersion(ctx context.Context, ex queryExecer, listKey, entryKey string, version int64, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE entitystore_list_mapping SET version = ?, last_write_time = ?
		WHERE list_key = ? AND entity_type = ? AND entry_key = ?`,
		version, now.Format(time.RFC3339Nano), listKey, p.schema.TableName, entryKey)
	return err
}

func (p *Pipeline[T]) deleteMappings(ctx context.Context, ex queryExecer, listKey string) (int64, error) {
	res, err := ex.ExecContext(ctx,
		`DELETE FROM entitystore_list_mapping WHERE list_key = ? AND entity_type = ?`,
		listKey, p.schema.TableName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// logicalFingerprint renders the user-visible column values of e (every
// mapped column except the bookkeeping ones that change on every write) as
// a stable JSON string, so UpdateList can tell "nothing actually changed"
// from "the caller supplied a genuinely different entity" (§4.W UpdateList:
// "diff (serialized equality)").
func logicalFingerprint(s *schema.Schema, e any) (string, error) {
	m := make(map[string]any, len(s.Columns))
	for i := range s.Columns {
		col := &s.Columns[i]
		switch col.Name {
		case "Version", "CreatedTime", "LastWriteTime":
			continue
		}
		m[col.Name] = schema.FieldValue(e, col)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("writepipeline: fingerprint: %w", err)
	}
	return string(b), nil
}

// CreateList atomically creates every entity in entities and binds them to
// listKey. It fails ErrAlreadyExists if listKey already has any mapping.
func (p *Pipeline[T]) CreateList(ctx context.Context, listKey string, entities []T, info caller.Info) error {
	if !p.schema.Flags.SyncWithList {
		return fmt.Errorf("create list %s: %w", listKey, storeerr.ErrNotSupported)
	}
	return retry.Do(ctx, p.retry, func() error {
		return p.createList(ctx, listKey, entities, info)
	})
}

func (p *Pipeline[T]) createList(ctx context.Context, listKey string, entities []T, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("create list", err)
	}
	defer tx.Rollback()

	existing, err := p.listMappings(ctx, tx, listKey)
	if err != nil {
		return storeerr.Wrap("create list", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("create list %s: %w", listKey, storeerr.ErrAlreadyExists)
	}

	var nv int64 = 1
	if p.schema.Flags.SoftDelete {
		nv, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("create list", err)
		}
	}

	now := p.timestamp()
	for _, e := range entities {
		if err := p.createOne(ctx, tx, e, nv, now); err != nil {
			return fmt.Errorf("create list %s: %w", listKey, err)
		}
		if err := p.insertMapping(ctx, tx, listKey, e.GetID(), nv, now, info); err != nil {
			return fmt.Errorf("create list %s: %w", listKey, storeerr.Wrap("insert mapping", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("create list", err)
	}
	for _, e := range entities {
		p.audibleAppend(ctx, e.GetID(), "CREATE", nil, nv, info)
	}
	return nil
}

// GetList reads the mappings for listKey in EntryKey order and returns the
// current head of each. A mapping whose head has moved ahead is lazily
// repaired in its own transaction; a mapping ahead of its head (the chain
// went backwards, which should never happen) is a ConcurrencyConflict.
func (p *Pipeline[T]) GetList(ctx context.Context, listKey string) ([]T, error) {
	if !p.schema.Flags.SyncWithList {
		return nil, fmt.Errorf("get list %s: %w", listKey, storeerr.ErrNotSupported)
	}
	mappings, err := p.listMappings(ctx, p.db, listKey)
	if err != nil {
		return nil, storeerr.Wrap("get list", err)
	}

	out := make([]T, 0, len(mappings))
	for _, m := range mappings {
		head, found, err := p.fetchHead(ctx, p.db, m.EntryKey, true, true)
		if err != nil {
			return nil, storeerr.Wrap("get list", err)
		}
		if !found || (p.schema.Flags.SoftDelete && schema.IsDeleted(head)) {
			return nil, fmt.Errorf("get list %s: entry %s: %w", listKey, m.EntryKey, storeerr.ErrNotFound)
		}
		headVersion := schema.GetVersion(head)
		switch {
		case headVersion > m.Version:
			if err := p.repairMapping(ctx, listKey, m.EntryKey, headVersion); err != nil {
				return nil, storeerr.Wrap("get list: repair mapping", err)
			}
		case headVersion < m.Version:
			return nil, fmt.Errorf("get list %s: entry %s: %w", listKey, m.EntryKey, storeerr.ErrConcurrencyConflict)
		}
		out = append(out, head)
	}
	return out, nil
}

func (p *Pipeline[T]) repairMapping(ctx context.Context, listKey, entryKey string, version int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.updateMappingVersion(ctx, tx, listKey, entryKey, version, p.timestamp()); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateList replaces listKey's mapping set in one transaction: entities
// missing a live head are created; entities whose fingerprint is unchanged
// from the current head keep that head's version; entities that differ are
// updated through the same append-new-version/update-in-place rule Update
// uses. One version allocation is shared by every create/update in the call
// (soft-delete schemas only).
func (p *Pipeline[T]) UpdateList(ctx context.Context, listKey string, entities []T, info caller.Info) error {
	if !p.schema.Flags.SyncWithList {
		return fmt.Errorf("update list %s: %w", listKey, storeerr.ErrNotSupported)
	}
	return retry.Do(ctx, p.retry, func() error {
		return p.updateList(ctx, listKey, entities, info)
	})
}

type listAuditEntry struct {
	key        string
	op         string
	oldVersion *int64
	newVersion int64
}

func (p *Pipeline[T]) updateList(ctx context.Context, listKey string, entities []T, info caller.Info) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeerr.Wrap("update list", err)
	}
	defer tx.Rollback()

	var nv int64 = 1
	if p.schema.Flags.SoftDelete {
		nv, err = versionledger.Next(ctx, tx)
		if err != nil {
			return storeerr.Wrap("update list", err)
		}
	}

	if _, err := p.deleteMappings(ctx, tx, listKey); err != nil {
		return storeerr.Wrap("update list", err)
	}

	now := p.timestamp()
	var toAudit []listAuditEntry

	for _, e := range entities {
		head, found, err := p.fetchHead(ctx, tx, e.GetID(), true, true)
		if err != nil {
			return fmt.Errorf("update list %s: %w", listKey, err)
		}

		if !found || (p.schema.Flags.SoftDelete && schema.IsDeleted(head)) {
			if err := p.createOne(ctx, tx, e, nv, now); err != nil {
				return fmt.Errorf("update list %s: %w", listKey, err)
			}
			toAudit = append(toAudit, listAuditEntry{key: e.GetID(), op: "CREATE", newVersion: nv})
			if err := p.insertMapping(ctx, tx, listKey, e.GetID(), nv, now, info); err != nil {
				return fmt.Errorf("update list %s: %w", listKey, storeerr.Wrap("insert mapping", err))
			}
			continue
		}

		oldFingerprint, err := logicalFingerprint(p.schema, head)
		if err != nil {
			return fmt.Errorf("update list %s: %w", listKey, err)
		}
		newFingerprint, err := logicalFingerprint(p.schema, e)
		if err != nil {
			return fmt.Errorf("update list %s: %w", listKey, err)
		}

		headVersion := schema.GetVersion(head)
		if oldFingerprint == newFingerprint {
			if err := p.insertMapping(ctx, tx, listKey, e.GetID(), headVersion, now, info); err != nil {
				return fmt.Errorf("update list %s: %w", listKey, storeerr.Wrap("insert mapping", err))
			}
			continue
		}

		created, _ := schema.GetTimestamps(head)
		schema.SetTimestamps(e, created, now)

		var newVersion int64
		if p.schema.Flags.SoftDelete {
			newVersion = nv
			schema.SetVersion(e, newVersion)
			cmd, err := command.Build(p.schema, command.Context{Operation: command.OpInsert, Entity: e})
			if err != nil {
				return fmt.Errorf("update list %s: %w", listKey, err)
			}
			if _, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...); err != nil {
				return fmt.Errorf("update list %s: %w", listKey, storeerr.Wrap("insert new version", err))
			}
		} else {
			newVersion = headVersion + 1
			schema.SetVersion(e, newVersion)
			old := headVersion
			cmd, err := command.Build(p.schema, command.Context{Operation: command.OpUpdate, Entity: e, OldVersion: &old})
			if err != nil {
				return fmt.Errorf("update list %s: %w", listKey, err)
			}
			res, err := tx.ExecContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
			if err != nil {
				return fmt.Errorf("update list %s: %w", listKey, storeerr.Wrap("update in place", err))
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("update list %s: %w", listKey, storeerr.ErrConcurrencyConflict)
			}
		}

		toAudit = append(toAudit, listAuditEntry{key: e.GetID(), op: "UPDATE", oldVersion: &headVersion, newVersion: newVersion})
		if err := p.insertMapping(ctx, tx, listKey, e.GetID(), newVersion, now, info); err != nil {
			return fmt.Errorf("update list %s: %w", listKey, storeerr.Wrap("insert mapping", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeerr.Wrap("update list", err)
	}
	for _, a := range toAudit {
		p.audibleAppend(ctx, a.key, a.op, a.oldVersion, a.newVersion, info)
	}
	return nil
}

// DeleteList removes every ML mapping for listKey and returns the count
// removed. It never touches the underlying entity rows.
func (p *Pipeline[T]) DeleteList(ctx context.Context, listKey string) (int64, error) {
	if !p.schema.Flags.SyncWithList {
		return 0, fmt.Errorf("delete list %s: %w", listKey, storeerr.ErrNotSupported)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeerr.Wrap("delete list", err)
	}
	defer tx.Rollback()

	n, err := p.deleteMappings(ctx, tx, listKey)
	if err != nil {
		return 0, storeerr.Wrap("delete list", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeerr.Wrap("delete list", err)
	}
	return n, nil
}
