package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/bulk"
)

func TestDefaultPassesValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}

func TestNewAppliesOptions(t *testing.T) {
	cfg, err := New(
		WithJournalMode(JournalMemory),
		WithCacheSizeKB(8192),
		WithCommandTimeout(5*time.Second),
		WithForeignKeys(false),
		WithBusyTimeout(time.Second),
		WithBulkBatchSize(250),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.JournalMode != JournalMemory || cfg.CacheSizeKB != 8192 || cfg.CommandTimeout != 5*time.Second {
		t.Fatalf("unexpected config after options: %+v", cfg)
	}
	if cfg.EnableForeignKeys {
		t.Fatalf("expected foreign keys disabled")
	}
	if cfg.Bulk.BatchSize != 250 {
		t.Fatalf("expected bulk batch size overridden, got %d", cfg.Bulk.BatchSize)
	}
}

func TestValidateRejectsBadJournalMode(t *testing.T) {
	cfg := Default()
	cfg.JournalMode = "NOT-A-MODE"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an unsupported journal mode")
	}
}

func TestValidateRejectsZeroRetryAttempts(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for zero retry attempts")
	}
}

func TestLoadDecodesTOMLOverridingOnlyMentionedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	contents := `
journalMode = "MEMORY"
cacheSizeKB = 2048

[retry]
maxAttempts = 3
baseDelay = "10ms"
maxDelay = "500ms"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JournalMode != JournalMemory || cfg.CacheSizeKB != 2048 {
		t.Fatalf("unexpected overridden fields: %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 10*time.Millisecond {
		t.Fatalf("unexpected retry section: %+v", cfg.Retry)
	}
	// Fields the file never mentions keep Default()'s values.
	if !cfg.EnableForeignKeys {
		t.Fatalf("expected foreign keys to keep its default of true")
	}
	if cfg.Bulk.BatchSize != bulk.DefaultImportOptions().BatchSize {
		t.Fatalf("expected bulk batch size to keep its default")
	}
}

func TestBulkSectionImportStrategyDefaultsToUpsert(t *testing.T) {
	b := BulkSection{Strategy: "nonsense"}
	if b.ImportStrategy() != bulk.StrategyUpsert {
		t.Fatalf("expected an unrecognized strategy string to default to upsert")
	}
	if (BulkSection{Strategy: "Replace"}).ImportStrategy() != bulk.StrategyReplace {
		t.Fatalf("expected Replace to parse correctly")
	}
}

func TestDSNRendersPragmas(t *testing.T) {
	cfg := Default()
	dsn := DSN("/tmp/test.db", cfg)
	if dsn == "" {
		t.Fatalf("expected a non-empty DSN")
	}
	if want := "_pragma=journal_mode(WAL)"; !strings.Contains(dsn, want) {
		t.Fatalf("expected DSN to contain %q, got %q", want, dsn)
	}
	if want := "_pragma=foreign_keys(1)"; !strings.Contains(dsn, want) {
		t.Fatalf("expected DSN to contain %q, got %q", want, dsn)
	}
}
