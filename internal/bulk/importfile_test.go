package bulk

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/schema"
)

func TestImportFromFileSingleJSONFile(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entities := []*widget{
		{Base: schema.Base{Id: "w1", CreatedTime: now, LastWriteTime: now}, Name: "A", Price: 1},
	}
	payload, err := json.Marshal(entities)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "widgets.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result, err := e.ImportFromFile(ctx, path, DefaultImportOptions(), testInfo())
	if err != nil {
		t.Fatalf("import from file: %v", err)
	}
	if result.Success != 1 {
		t.Fatalf("expected 1 successful row, got %+v", result)
	}
}

func TestImportFromFileGzippedJSONFile(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entities := []*widget{
		{Base: schema.Base{Id: "w1", CreatedTime: now, LastWriteTime: now}, Name: "A", Price: 1},
	}
	payload, err := json.Marshal(entities)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "widgets.json.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(payload); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	result, err := e.ImportFromFile(ctx, path, DefaultImportOptions(), testInfo())
	if err != nil {
		t.Fatalf("import from gzipped file: %v", err)
	}
	if result.Success != 1 {
		t.Fatalf("expected 1 successful row from the gzipped file, got %+v", result)
	}
}

func TestImportFromFileUnrecognizedExtensionFails(t *testing.T) {
	db, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })
	e := newEngine(t, db, s)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "widgets.txt")
	if err := os.WriteFile(path, []byte("not a recognized format"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := e.ImportFromFile(ctx, path, DefaultImportOptions(), testInfo()); err == nil {
		t.Fatalf("expected an error for an unrecognized file extension")
	}
}
