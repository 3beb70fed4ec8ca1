// Package audit appends one record per primary write operation on a
// connection separate from the caller's own transaction (§4.A). A failed
// audit write is logged at debug and otherwise swallowed: it must never
// roll back, or even surface to, the operation it is describing. Audit
// rows are plain append-only log entries — they carry no soft-delete,
// version-chain, or expiry metadata of their own.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SimonWaldherr/entitystore/internal/caller"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS entitystore_audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	operation TEXT NOT NULL,
	old_version INTEGER,
	new_version INTEGER,
	caller_file TEXT,
	caller_member TEXT,
	caller_line INTEGER,
	caller_user TEXT,
	recorded_at TEXT NOT NULL
)`

// Record is one audit entry.
type Record struct {
	EntityType string
	EntityKey  string
	Operation  string // "CREATE" | "UPDATE" | "DELETE"
	OldVersion *int64
	NewVersion int64
	Caller     caller.Info
}

// Writer appends Records on its own *sql.DB handle, independent of any
// caller-owned transaction.
type Writer struct {
	db     *sql.DB
	logger *zap.Logger
}

// New wraps db (expected to be a separate connection/handle from the
// primary operation store) as an audit writer.
func New(db *sql.DB, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{db: db, logger: logger}
}

// EnsureTable creates the audit table if it is not already present.
func (w *Writer) EnsureTable(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

// Append writes rec. Failures are logged at debug and never returned: an
// audit outage must not block or roll back the operation it describes.
func (w *Writer) Append(ctx context.Context, rec Record) {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO entitystore_audit_log
			(entity_type, entity_key, operation, old_version, new_version,
			 caller_file, caller_member, caller_line, caller_user, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EntityType, rec.EntityKey, rec.Operation, rec.OldVersion, rec.NewVersion,
		rec.Caller.File, rec.Caller.Member, rec.Caller.Line, rec.Caller.UserID,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		w.logger.Debug("audit: append failed",
			zap.String("entity_type", rec.EntityType),
			zap.String("entity_key", rec.EntityKey),
			zap.String("operation", rec.Operation),
			zap.Error(err))
	}
}
