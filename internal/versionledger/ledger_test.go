package versionledger

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureTable(context.Background(), db); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return db
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var versions []int64
	for i := 0; i < 5; i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		v, err := Next(ctx, tx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		versions = append(versions, v)
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("expected strictly increasing versions, got %v", versions)
		}
	}
}

func TestCurrentReflectsLastAllocation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if v, err := Current(ctx, db); err != nil || v != 0 {
		t.Fatalf("expected 0 with no allocations, got %d, %v", v, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	allocated, err := Next(ctx, tx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	current, err := Current(ctx, db)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != allocated {
		t.Fatalf("expected current %d to match allocated %d", current, allocated)
	}
}
