// Package versionledger allocates the strictly increasing version numbers
// the write pipeline stamps onto every row it inserts (§4.V). Allocation is
// a single INSERT against an autoincrement column, so the backend itself
// serializes concurrent callers; there is no in-process counter to keep in
// sync across connections.
package versionledger

import (
	"context"
	"database/sql"
	"fmt"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS entitystore_version_ledger (
	version INTEGER PRIMARY KEY AUTOINCREMENT,
	allocated_at TEXT NOT NULL DEFAULT (datetime('now'))
)`

// EnsureTable creates the shared ledger table if it is not already present.
// Every provider shares one ledger regardless of how many entity schemas it
// registers, so versions stay strictly increasing across entity types too.
func EnsureTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("versionledger: create table: %w", err)
	}
	return nil
}

// Next allocates the next version under tx, the caller's own transaction,
// and returns the backend-assigned identity. There is no way to peek at the
// next value without allocating it.
func Next(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, "INSERT INTO entitystore_version_ledger DEFAULT VALUES")
	if err != nil {
		return 0, fmt.Errorf("versionledger: allocate: %w", err)
	}
	v, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("versionledger: read back allocated version: %w", err)
	}
	return v, nil
}

// Current returns MAX(version) across all allocations, for diagnostics
// only. It must never be used to predict the value the next Next() call
// will return.
func Current(ctx context.Context, db *sql.DB) (int64, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM entitystore_version_ledger").Scan(&v); err != nil {
		return 0, fmt.Errorf("versionledger: current: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Int64, nil
}
