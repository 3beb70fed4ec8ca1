package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/schema"
)

func TestPurgeExpiredRemovesOnlyExpiredRows(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	if _, err := db.Exec(`ALTER TABLE widgets ADD COLUMN AbsoluteExpiration TEXT`); err != nil {
		t.Fatalf("alter table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO widgets (Id, Version, CreatedTime, LastWriteTime, IsDeleted, Name, Price, AbsoluteExpiration) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"expired", 1, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), false, "Old", 0, past.Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("insert expired row: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO widgets (Id, Version, CreatedTime, LastWriteTime, IsDeleted, Name, Price, AbsoluteExpiration) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"live", 1, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), false, "New", 0, future.Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("insert live row: %v", err)
	}

	opts := PurgeOptions{Strategy: PurgeExpired}
	result, err := e.Purge(ctx, opts, testInfo())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.EntitiesPurged != 1 || result.VersionsPurged != 1 {
		t.Fatalf("expected exactly the expired row purged, got %+v", result)
	}
	if countRows(t, db, "widgets") != 1 {
		t.Fatalf("expected 1 row left, got %d", countRows(t, db, "widgets"))
	}
}

func TestPurgeDeletedOnlyRemovesSoftDeletedRows(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "gone", Version: 1, CreatedTime: now, LastWriteTime: now, IsDeleted: true}, Name: "Gone"})
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "alive", Version: 1, CreatedTime: now, LastWriteTime: now}, Name: "Alive"})

	result, err := e.Purge(ctx, PurgeOptions{Strategy: PurgeDeletedOnly}, testInfo())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.VersionsPurged != 1 {
		t.Fatalf("expected 1 deleted row purged, got %+v", result)
	}
	if countRows(t, db, "widgets") != 1 {
		t.Fatalf("expected the live row to survive, got %d rows", countRows(t, db, "widgets"))
	}
}

func TestPurgePreserveActiveVersionsKeepsOnlyLatest(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 1, CreatedTime: now, LastWriteTime: now}, Name: "v1"})
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 2, CreatedTime: now, LastWriteTime: now}, Name: "v2"})
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 3, CreatedTime: now, LastWriteTime: now}, Name: "v3"})

	result, err := e.Purge(ctx, PurgeOptions{Strategy: PurgePreserveActiveVersions}, testInfo())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.VersionsPurged != 2 {
		t.Fatalf("expected the two older versions purged, got %+v", result)
	}
	var remaining int64
	if err := db.QueryRow("SELECT Version FROM widgets WHERE Id = ?", "w1").Scan(&remaining); err != nil {
		t.Fatalf("read remaining: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected version 3 to survive, got %d", remaining)
	}
}

func TestPurgeSafeModeNeverDeletes(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "gone", Version: 1, CreatedTime: now, LastWriteTime: now, IsDeleted: true}, Name: "Gone"})

	before := countRows(t, db, "widgets")
	result, err := e.Purge(ctx, PurgeOptions{Strategy: PurgeDeletedOnly, SafeMode: true}, testInfo())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.Preview == nil {
		t.Fatalf("expected a preview in safe mode")
	}
	if result.Preview.AffectedVersionCount != 1 {
		t.Fatalf("expected the preview to report 1 affected version, got %+v", result.Preview)
	}
	after := countRows(t, db, "widgets")
	if before != after {
		t.Fatalf("expected safe mode to never change the row count: before=%d after=%d", before, after)
	}
}

func TestPurgeBackupFailureAbortsPurge(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "gone", Version: 1, CreatedTime: now, LastWriteTime: now, IsDeleted: true}, Name: "Gone"})

	opts := PurgeOptions{
		Strategy:          PurgeDeletedOnly,
		BackupBeforePurge: true,
		// A file path used as a directory forces MkdirAll to fail, simulating
		// an unwritable backup destination.
		BackupFolder: "/dev/null/not-a-directory",
	}
	before := countRows(t, db, "widgets")
	result, err := e.Purge(ctx, opts, testInfo())
	if err == nil {
		t.Fatalf("expected the purge to report an error when its backup fails")
	}
	if result == nil || !result.Aborted {
		t.Fatalf("expected Aborted=true, got %+v", result)
	}
	after := countRows(t, db, "widgets")
	if before != after {
		t.Fatalf("expected a failed backup to abort before any delete: before=%d after=%d", before, after)
	}
}

func TestPurgeUseTransactionDeletesAtomically(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "gone", Version: 1, CreatedTime: now, LastWriteTime: now, IsDeleted: true}, Name: "Gone"})

	result, err := e.Purge(ctx, PurgeOptions{Strategy: PurgeDeletedOnly, UseTransaction: true}, testInfo())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.VersionsPurged != 1 {
		t.Fatalf("expected 1 row purged under a transaction, got %+v", result)
	}
}
