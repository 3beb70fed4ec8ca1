package audit

import (
	"context"
	"database/sql"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/SimonWaldherr/entitystore/internal/caller"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendWritesRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := New(db, zaptest.NewLogger(t))
	if err := w.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	old := int64(1)
	w.Append(ctx, Record{
		EntityType: "widgets",
		EntityKey:  "w1",
		Operation:  "UPDATE",
		OldVersion: &old,
		NewVersion: 2,
		Caller:     caller.Capture(0, "tester"),
	})

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entitystore_audit_log WHERE entity_key = 'w1'").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit row, got %d", count)
	}
}

func TestAppendNeverPanicsOnMissingTable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	w := New(db, zaptest.NewLogger(t))
	// Deliberately skip EnsureTable: Append must swallow the failure.
	w.Append(ctx, Record{EntityType: "widgets", EntityKey: "w1", Operation: "CREATE", NewVersion: 1})
}
