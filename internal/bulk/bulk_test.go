package bulk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/versionledger"

	_ "modernc.org/sqlite"
)

type widget struct {
	schema.Base
	Name  string `db:"Name"`
	Price int64  `db:"Price"`
}

func (w *widget) GetID() string { return w.Base.Id }

func openWidgetDB(t *testing.T, opts ...func(*schema.Builder)) (*sql.DB, *schema.Schema) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := schema.NewBuilder("widgets")
	for _, o := range opts {
		o(b)
	}
	s, err := schema.Build[*widget](b)
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	if _, err := db.Exec(s.GenerateCreateTableSql()); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := versionledger.EnsureTable(context.Background(), db); err != nil {
		t.Fatalf("ensure ledger table: %v", err)
	}
	return db, s
}

func newEngine(t *testing.T, db *sql.DB, s *schema.Schema) *Engine[*widget] {
	t.Helper()
	return New[*widget](db, s, nil, nil)
}

func insertWidgetRow(t *testing.T, db *sql.DB, w *widget) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO widgets (Id, Version, CreatedTime, LastWriteTime, IsDeleted, Name, Price) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.Id, w.Version, w.CreatedTime.Format(time.RFC3339Nano), w.LastWriteTime.Format(time.RFC3339Nano), w.IsDeleted, w.Name, w.Price)
	if err != nil {
		t.Fatalf("insert row: %v", err)
	}
}

func testInfo() caller.Info { return caller.Info{File: "bulk_test.go", Member: "test", UserID: "tester"} }

func countRows(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestImportReplaceTruncatesThenInserts(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "stale", Version: 1, CreatedTime: time.Now(), LastWriteTime: time.Now()}, Name: "old"})

	opts := DefaultImportOptions()
	opts.Strategy = StrategyReplace
	entities := []*widget{
		{Base: schema.Base{Id: "w1", CreatedTime: time.Now(), LastWriteTime: time.Now()}, Name: "A", Price: 10},
		{Base: schema.Base{Id: "w2", CreatedTime: time.Now(), LastWriteTime: time.Now()}, Name: "B", Price: 20},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Success != 2 {
		t.Fatalf("expected 2 successful inserts, got %d", result.Success)
	}
	if countRows(t, db, "widgets") != 2 {
		t.Fatalf("expected the stale row truncated away, got %d rows", countRows(t, db, "widgets"))
	}
}

func TestImportMergeSkipsExistingLiveHead(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 1, CreatedTime: now, LastWriteTime: now}, Name: "Existing"})

	opts := DefaultImportOptions()
	opts.Strategy = StrategyMerge
	entities := []*widget{
		{Base: schema.Base{Id: "w1", CreatedTime: now, LastWriteTime: now}, Name: "Incoming"},
		{Base: schema.Base{Id: "w2", CreatedTime: now, LastWriteTime: now}, Name: "New"},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Skipped != 1 || result.Success != 1 {
		t.Fatalf("expected 1 skip and 1 success, got skipped=%d success=%d", result.Skipped, result.Success)
	}
}

func TestImportUpsertCreatesMissingKey(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	opts := DefaultImportOptions()
	opts.Strategy = StrategyUpsert
	entities := []*widget{
		{Base: schema.Base{Id: "w1", CreatedTime: time.Now(), LastWriteTime: time.Now()}, Name: "New"},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Success != 1 || len(result.Conflicts) != 0 {
		t.Fatalf("expected a clean create, got %+v", result)
	}
}

func TestImportUpsertNoConflictCountsAsUpdate(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 5, CreatedTime: now, LastWriteTime: now}, Name: "Orig", Price: 5})

	opts := DefaultImportOptions()
	opts.Strategy = StrategyUpsert
	entities := []*widget{
		{Base: schema.Base{Id: "w1", Version: 5, CreatedTime: now, LastWriteTime: now}, Name: "Orig", Price: 5},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no conflict for an identical row, got %+v", result.Conflicts)
	}
	if result.Success != 1 || result.Statistics.Updated != 1 {
		t.Fatalf("expected one clean update, got %+v", result)
	}
}

func TestImportUpsertVersionConflictDetected(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 2, CreatedTime: now, LastWriteTime: now}, Name: "Server", Price: 5})

	opts := DefaultImportOptions()
	opts.Strategy = StrategyUpsert
	opts.ConflictResolution = ResolveUseTarget
	entities := []*widget{
		{Base: schema.Base{Id: "w1", Version: 1, CreatedTime: now, LastWriteTime: now}, Name: "Stale client copy", Price: 1},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Type != ConflictVersion {
		t.Fatalf("expected one version conflict, got %+v", result.Conflicts)
	}
	if result.Skipped != 1 {
		t.Fatalf("expected ResolveUseTarget to skip the write, got skipped=%d", result.Skipped)
	}
}

func TestImportUpsertDataConflictUseSourceOverwrites(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 5, CreatedTime: now, LastWriteTime: now}, Name: "Server value", Price: 5})

	opts := DefaultImportOptions()
	opts.Strategy = StrategyUpsert
	opts.ConflictResolution = ResolveUseSource
	entities := []*widget{
		{Base: schema.Base{Id: "w1", Version: 5, CreatedTime: now, LastWriteTime: now}, Name: "Client value", Price: 99},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Type != ConflictData {
		t.Fatalf("expected one data conflict, got %+v", result.Conflicts)
	}
	if result.Statistics.Updated != 1 {
		t.Fatalf("expected ResolveUseSource to update, got %+v", result.Statistics)
	}

	var name string
	if err := db.QueryRow("SELECT Name FROM widgets WHERE Id = ? ORDER BY Version DESC LIMIT 1", "w1").Scan(&name); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if name != "Client value" {
		t.Fatalf("expected source's value to win, got %q", name)
	}
}

func TestImportUpsertDataConflictMergePicksLatestLastWriteTime(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()
	insertWidgetRow(t, db, &widget{Base: schema.Base{Id: "w1", Version: 5, CreatedTime: old, LastWriteTime: old}, Name: "Server value", Price: 5})

	opts := DefaultImportOptions()
	opts.Strategy = StrategyUpsert
	opts.ConflictResolution = ResolveMerge
	entities := []*widget{
		{Base: schema.Base{Id: "w1", Version: 5, CreatedTime: old, LastWriteTime: newer}, Name: "Client value", Price: 99},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Statistics.Updated != 1 {
		t.Fatalf("expected a merged update, got %+v", result.Statistics)
	}

	var name string
	if err := db.QueryRow("SELECT Name FROM widgets WHERE Id = ? ORDER BY Version DESC LIMIT 1", "w1").Scan(&name); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if name != "Client value" {
		t.Fatalf("expected the side with the later LastWriteTime to win the merge, got %q", name)
	}
}

func TestImportPreservesVersionChains(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Now().UTC()
	opts := DefaultImportOptions()
	opts.PreserveVersionChains = true
	entities := []*widget{
		{Base: schema.Base{Id: "w1", Version: 2, CreatedTime: now, LastWriteTime: now}, Name: "v2"},
		{Base: schema.Base{Id: "w1", Version: 1, CreatedTime: now, LastWriteTime: now}, Name: "v1"},
	}

	result, err := e.Import(ctx, entities, opts, testInfo())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Success != 2 {
		t.Fatalf("expected both chain rows inserted, got %+v", result)
	}
	if countRows(t, db, "widgets") != 2 {
		t.Fatalf("expected exactly the 2 given versions preserved, got %d", countRows(t, db, "widgets"))
	}
}
