// Package config loads and validates the engine-wide settings that govern
// how a Provider opens its backing SQLite database and runs its background
// concerns (retry, bulk defaults, command timeouts).
//
// Settings can come from a TOML file (github.com/BurntSushi/toml) or be
// built up in code via the functional Option helpers. Both paths converge
// on the same Config value.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/SimonWaldherr/entitystore/internal/bulk"
	"github.com/SimonWaldherr/entitystore/internal/retry"
)

// JournalMode is the SQLite journal_mode pragma value applied at open time.
type JournalMode string

const (
	JournalDelete   JournalMode = "DELETE"
	JournalWAL      JournalMode = "WAL"
	JournalMemory   JournalMode = "MEMORY"
	JournalOff      JournalMode = "OFF"
	JournalTruncate JournalMode = "TRUNCATE"
)

// Config is the decoded shape of an engine TOML file, e.g.:
//
//	journalMode = "WAL"
//	cacheSizeKB = 4096
//	commandTimeout = "30s"
//	enableForeignKeys = true
//
//	[retry]
//	maxAttempts = 5
//	baseDelay = "50ms"
//	maxDelay = "2s"
//
//	[bulk]
//	batchSize = 1000
//	strategy = "upsert"
type Config struct {
	JournalMode       JournalMode   `toml:"journalMode"`
	CacheSizeKB       int           `toml:"cacheSizeKB"`
	CommandTimeout    time.Duration `toml:"commandTimeout"`
	EnableForeignKeys bool          `toml:"enableForeignKeys"`
	BusyTimeout       time.Duration `toml:"busyTimeout"`

	Retry RetrySection `toml:"retry"`
	Bulk  BulkSection  `toml:"bulk"`
}

// RetrySection mirrors retry.Policy for TOML decoding; ToPolicy converts it.
type RetrySection struct {
	MaxAttempts int           `toml:"maxAttempts"`
	BaseDelay   time.Duration `toml:"baseDelay"`
	MaxDelay    time.Duration `toml:"maxDelay"`
}

func (r RetrySection) ToPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

// BulkSection carries the defaults a Provider hands to every bulk.Engine it
// wires; individual calls may still override them per-operation.
type BulkSection struct {
	BatchSize int    `toml:"batchSize"`
	Strategy  string `toml:"strategy"`
}

// ImportStrategy parses the Bulk section's Strategy string into a
// bulk.ImportStrategy, defaulting to StrategyUpsert for an unrecognized or
// empty value.
func (b BulkSection) ImportStrategy() bulk.ImportStrategy {
	switch b.Strategy {
	case "Replace", "replace":
		return bulk.StrategyReplace
	case "Merge", "merge":
		return bulk.StrategyMerge
	default:
		return bulk.StrategyUpsert
	}
}

// Default returns the baseline Config a Provider uses when no file or
// Option overrides a field: WAL journaling, a generous page cache, a
// bounded command timeout, foreign keys on, and the retry/bulk defaults
// used elsewhere in the engine.
func Default() Config {
	return Config{
		JournalMode:       JournalWAL,
		CacheSizeKB:       4096,
		CommandTimeout:    30 * time.Second,
		EnableForeignKeys: true,
		BusyTimeout:       5 * time.Second,
		Retry: RetrySection{
			MaxAttempts: retry.DefaultPolicy().MaxAttempts,
			BaseDelay:   retry.DefaultPolicy().BaseDelay,
			MaxDelay:    retry.DefaultPolicy().MaxDelay,
		},
		Bulk: BulkSection{
			BatchSize: bulk.DefaultImportOptions().BatchSize,
			Strategy:  bulk.StrategyUpsert.String(),
		},
	}
}

// Load decodes a TOML file at path into a Config, starting from Default()
// so an incomplete file only overrides the fields it mentions.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would otherwise surface as a confusing
// driver-level error much later, at Provider-open time.
func (c Config) Validate() error {
	switch c.JournalMode {
	case JournalDelete, JournalWAL, JournalMemory, JournalOff, JournalTruncate:
	default:
		return fmt.Errorf("config: unsupported journal mode %q", c.JournalMode)
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("config: commandTimeout must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.maxAttempts must be at least 1")
	}
	if c.Bulk.BatchSize < 1 {
		return fmt.Errorf("config: bulk.batchSize must be at least 1")
	}
	return nil
}

// Option mutates a Config under construction, in the teacher's functional
// constructor-option idiom.
type Option func(*Config)

// WithJournalMode overrides the SQLite journal_mode pragma.
func WithJournalMode(mode JournalMode) Option {
	return func(c *Config) { c.JournalMode = mode }
}

// WithCacheSizeKB overrides the SQLite page cache size, in kilobytes.
func WithCacheSizeKB(kb int) Option {
	return func(c *Config) { c.CacheSizeKB = kb }
}

// WithCommandTimeout bounds how long a single command may run before its
// context is cancelled.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommandTimeout = d }
}

// WithForeignKeys toggles the SQLite foreign_keys pragma.
func WithForeignKeys(enabled bool) Option {
	return func(c *Config) { c.EnableForeignKeys = enabled }
}

// WithBusyTimeout overrides the SQLite busy_timeout pragma, applied
// alongside retry's own backoff so a brief lock contention resolves
// without ever reaching retry.IsTransient.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) { c.BusyTimeout = d }
}

// WithRetryPolicy overrides the retry policy every Provider operation runs
// under.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Config) {
		c.Retry = RetrySection{MaxAttempts: p.MaxAttempts, BaseDelay: p.BaseDelay, MaxDelay: p.MaxDelay}
	}
}

// WithBulkBatchSize overrides the default batch size handed to bulk.Engine
// operations that don't specify their own.
func WithBulkBatchSize(n int) Option {
	return func(c *Config) { c.Bulk.BatchSize = n }
}

// New builds a Config from Default() plus the given Options, validating the
// result.
func New(opts ...Option) (Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DSN renders a modernc.org/sqlite connection string for path that applies
// this Config's pragmas at connection time.
func DSN(path string, c Config) string {
	fk := 0
	if c.EnableForeignKeys {
		fk = 1
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(%s)&_pragma=cache_size(-%d)&_pragma=foreign_keys(%d)&_pragma=busy_timeout(%d)",
		path, c.JournalMode, c.CacheSizeKB, fk, c.BusyTimeout.Milliseconds(),
	)
}
