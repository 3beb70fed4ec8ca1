// Package entitystore is a typed entity persistence engine layered over
// SQLite: CRUD with optimistic concurrency, monotonic version chains,
// soft-delete, expiry, audit logging, list association, LINQ-style
// querying, multi-statement transactions, and bulk import/export/purge.
//
// A Provider owns the backing database. Each entity type is registered
// once, at startup, against a schema.Builder describing its table; the
// returned Store exposes every operation for that type.
//
// Example:
//
//	type Order struct {
//	    schema.Base
//	    CustomerID string `db:"CustomerID"`
//	    Total      int64  `db:"Total"`
//	}
//
//	p, err := entitystore.Open("orders.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	orders, err := entitystore.Register[*Order](p, schema.NewBuilder("Orders").SoftDelete().Audit())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = orders.Create(ctx, &Order{CustomerID: "c1", Total: 4200}, caller.Capture(0, "svc"))
package entitystore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/SimonWaldherr/entitystore/config"
	"github.com/SimonWaldherr/entitystore/internal/audit"
	"github.com/SimonWaldherr/entitystore/internal/bulk"
	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/predicate"
	"github.com/SimonWaldherr/entitystore/internal/query"
	"github.com/SimonWaldherr/entitystore/internal/retry"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
	"github.com/SimonWaldherr/entitystore/internal/versionledger"
	"github.com/SimonWaldherr/entitystore/internal/writepipeline"
)

// Re-exported so callers never need to import an internal package directly.
type (
	Entity        = schema.Entity
	Base          = schema.Base
	Builder       = schema.Builder
	Schema        = schema.Schema
	CallerInfo    = caller.Info
	Filter        = predicate.Expr
	OrderItem     = predicate.OrderItem
	GetOptions    = writepipeline.GetOptions
	Page[T Entity] = query.Page[T]
	Scope         = txscope.Scope
	ImportOptions = bulk.ImportOptions
	ExportOptions = bulk.ExportOptions
	PurgeOptions  = bulk.PurgeOptions
	BulkImportResult = bulk.BulkImportResult
	ExportResult  = bulk.ExportResult
	PurgeResult   = bulk.PurgeResult
)

// NewBuilder starts a schema.Builder for a table named table.
func NewBuilder(table string) *Builder { return schema.NewBuilder(table) }

// Capture records the immediate caller's file/line for audit attribution,
// the same way the teacher's own request-scoped helpers do.
func Capture(skip int, userID string) CallerInfo { return caller.Capture(skip+1, userID) }

// Provider owns one SQLite database: the primary handle every Store reads
// and writes through, a second handle reserved for audit writes (Open
// Question: audit always runs on its own connection so a failed audit
// write can never roll back the operation it describes), the version
// ledger, and the engine-wide Config.
type Provider struct {
	db      *sql.DB
	auditDB *sql.DB
	cfg     config.Config
	logger  *zap.Logger
	audit   *audit.Writer

	mu sync.Mutex
}

// Open opens (or creates) a SQLite database at path and prepares it for
// Register calls: applies cfg's pragmas to both the primary and audit
// connections, ensures the version ledger and audit tables exist.
func Open(path string, opts ...config.Option) (*Provider, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(path, cfg)
}

// OpenWithConfig is Open for a Config already loaded from a TOML file via
// config.Load.
func OpenWithConfig(path string, cfg config.Config) (*Provider, error) {
	dsn := config.DSN(path, cfg)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("entitystore: open primary connection: %w", err)
	}
	auditDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("entitystore: open audit connection: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}

	p := &Provider{
		db:      db,
		auditDB: auditDB,
		cfg:     cfg,
		logger:  logger,
		audit:   audit.New(auditDB, logger.With(zap.String("component", "audit"))),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()
	if err := versionledger.EnsureTable(ctx, db); err != nil {
		p.Close()
		return nil, fmt.Errorf("entitystore: ensure version ledger: %w", err)
	}
	if err := p.audit.EnsureTable(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("entitystore: ensure audit table: %w", err)
	}
	if err := writepipeline.EnsureListMappingTable(ctx, db); err != nil {
		p.Close()
		return nil, fmt.Errorf("entitystore: ensure list mapping table: %w", err)
	}
	return p, nil
}

// Close releases both of the Provider's underlying connections.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			firstErr = err
		}
	}
	if p.auditDB != nil {
		if err := p.auditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DB exposes the primary *sql.DB, for callers that need raw access
// (diagnostics, a custom migration, driver-specific pragmas).
func (p *Provider) DB() *sql.DB { return p.db }

// Logger returns the Provider's root structured logger. It carries no
// "component" field; per-feature child loggers are derived from it with
// With(zap.String("component", ...)).
func (p *Provider) Logger() *zap.Logger { return p.logger }

// Config returns the Provider's resolved Config.
func (p *Provider) Config() config.Config { return p.cfg }

// NewScope opens a multi-statement Transaction Scope (§4.T): commands
// queued onto it via AddOperation all run under one backend transaction
// when the returned Scope is closed.
func (p *Provider) NewScope() *Scope { return txscope.New(p.db) }

// Store is the full set of operations for one registered entity type T:
// the Write Pipeline (Create/Get/Update/Delete and their batch and list
// variants), the Query Engine (Query/QueryPaged/Count/Exists), and the
// Bulk Engine (Import/Export/Purge), all sharing the Provider's connection,
// schema, and audit writer.
type Store[T Entity] struct {
	provider *Provider
	schema   *Schema
	pipeline *writepipeline.Pipeline[T]
	queryEng *query.Engine[T]
	bulkEng  *bulk.Engine[T]
	retry    retry.Policy
}

// Register compiles b into a Schema for T, creates its table and indexes
// if they don't already exist, and wires a Store over it. Call Register
// once per entity type at startup, the same way the teacher's own
// CREATE TABLE bootstrapping runs once before serving traffic.
func Register[T Entity](p *Provider, b *Builder) (*Store[T], error) {
	s, err := schema.Build[T](b)
	if err != nil {
		return nil, fmt.Errorf("entitystore: build schema: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, s.GenerateCreateTableSql()); err != nil {
		return nil, fmt.Errorf("entitystore: create table %s: %w", s.QualifiedName(), err)
	}
	for _, stmt := range s.GenerateCreateIndexSql() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("entitystore: create index on %s: %w", s.QualifiedName(), err)
		}
	}

	var auditWriter *audit.Writer
	if s.Flags.Audit {
		auditWriter = p.audit
	}

	qe := query.New[T](p.db, s, query.NewObserver(p.logger.With(zap.String("component", "query")), 0))
	pipeline := writepipeline.New[T](p.db, s, auditWriter)
	bulkEng := bulk.New[T](p.db, s, auditWriter, qe)

	return &Store[T]{
		provider: p,
		schema:   s,
		pipeline: pipeline,
		queryEng: qe,
		bulkEng:  bulkEng,
		retry:    p.cfg.Retry.ToPolicy(),
	}, nil
}

// Schema exposes the compiled Schema backing this Store, for callers that
// need its column list or generated DDL.
func (s *Store[T]) Schema() *Schema { return s.schema }

func (s *Store[T]) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(ctx, s.retry, op)
}

// Create inserts a new entity (§4.W Create).
func (s *Store[T]) Create(ctx context.Context, e T, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.Create(ctx, e, info) })
}

// Get returns the live head row for key, or storeerr.ErrNotFound.
func (s *Store[T]) Get(ctx context.Context, key string) (T, error) {
	return s.pipeline.Get(ctx, key)
}

// GetByKey returns key's version chain shaped by opts.
func (s *Store[T]) GetByKey(ctx context.Context, key string, opts GetOptions) ([]T, error) {
	return s.pipeline.GetByKey(ctx, key, opts)
}

// Update replaces the live head with e, enforcing optimistic concurrency
// against e's Version (§4.W Update).
func (s *Store[T]) Update(ctx context.Context, e T, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.Update(ctx, e, info) })
}

// Delete soft- or hard-deletes key depending on the schema's SoftDelete
// flag. The returned bool is true on success whether or not a row for key
// existed; deleting a missing or already-deleted key is not an error.
func (s *Store[T]) Delete(ctx context.Context, key string, info CallerInfo) (bool, error) {
	var found bool
	err := s.withRetry(ctx, func() error {
		var innerErr error
		found, innerErr = s.pipeline.Delete(ctx, key, info)
		return innerErr
	})
	return found, err
}

// CreateBatch inserts items in sub-batches of batchSize.
func (s *Store[T]) CreateBatch(ctx context.Context, items []T, batchSize int, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.CreateBatch(ctx, items, batchSize, info) })
}

// UpdateBatch updates items in sub-batches of batchSize.
func (s *Store[T]) UpdateBatch(ctx context.Context, items []T, batchSize int, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.UpdateBatch(ctx, items, batchSize, info) })
}

// DeleteBatch deletes keys in sub-batches of batchSize.
func (s *Store[T]) DeleteBatch(ctx context.Context, keys []string, batchSize int, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.DeleteBatch(ctx, keys, batchSize, info) })
}

// CreateList associates entities under listKey (§4.W list association).
func (s *Store[T]) CreateList(ctx context.Context, listKey string, entities []T, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.CreateList(ctx, listKey, entities, info) })
}

// GetList returns the head entity of every mapping under listKey, in
// EntryKey order. It fails with ErrNotFound if any mapped entity's head is
// missing or soft-deleted.
func (s *Store[T]) GetList(ctx context.Context, listKey string) ([]T, error) {
	return s.pipeline.GetList(ctx, listKey)
}

// UpdateList reconciles listKey's mapping to exactly entities, adding,
// updating, and unmapping as needed.
func (s *Store[T]) UpdateList(ctx context.Context, listKey string, entities []T, info CallerInfo) error {
	return s.withRetry(ctx, func() error { return s.pipeline.UpdateList(ctx, listKey, entities, info) })
}

// DeleteList removes every mapping under listKey, returning the count
// removed. The mapped entities themselves are untouched.
func (s *Store[T]) DeleteList(ctx context.Context, listKey string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		var innerErr error
		n, innerErr = s.pipeline.DeleteList(ctx, listKey)
		return innerErr
	})
	return n, err
}

// Query runs a LINQ-style filtered, ordered, paginated read over live
// heads (§4.Q Query).
func (s *Store[T]) Query(ctx context.Context, filter Filter, orderBy []OrderItem, skip, take *int64) ([]T, error) {
	return s.queryEng.Query(ctx, filter, orderBy, skip, take)
}

// QueryPaged is Query shaped as a page of pageSize starting at pageNumber
// (1-indexed), alongside the filter's TotalCount.
func (s *Store[T]) QueryPaged(ctx context.Context, filter Filter, pageSize, pageNumber int, orderBy []OrderItem) (Page[T], error) {
	return s.queryEng.QueryPaged(ctx, filter, pageSize, pageNumber, orderBy)
}

// Count returns how many live heads satisfy filter.
func (s *Store[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.queryEng.Count(ctx, filter)
}

// Exists reports whether any live head satisfies filter.
func (s *Store[T]) Exists(ctx context.Context, filter Filter) (bool, error) {
	return s.queryEng.Exists(ctx, filter)
}

// Import bulk-loads entities under opts' strategy and conflict resolution
// (§4.B Import).
func (s *Store[T]) Import(ctx context.Context, entities []T, opts ImportOptions, info CallerInfo) (*BulkImportResult, error) {
	return s.bulkEng.Import(ctx, entities, opts, info)
}

// ImportFromFile is Import sourced from a JSON/CSV file or export folder on
// disk (§4.B ImportFromFile), including its own manifest checksum
// verification when path is an export folder.
func (s *Store[T]) ImportFromFile(ctx context.Context, path string, opts ImportOptions, info CallerInfo) (*BulkImportResult, error) {
	return s.bulkEng.ImportFromFile(ctx, path, opts, info)
}

// Export writes entities matching filter to opts.ExportFolder, chunked,
// checksummed, and manifested (§4.B Export). Export is read-only and
// never emits audit records.
func (s *Store[T]) Export(ctx context.Context, filter Filter, opts ExportOptions) (*ExportResult, error) {
	return s.bulkEng.Export(ctx, filter, opts)
}

// Purge permanently removes rows matched by opts.Strategy (§4.B Purge),
// previewing the effect first when opts.SafeMode is set.
func (s *Store[T]) Purge(ctx context.Context, opts PurgeOptions, info CallerInfo) (*PurgeResult, error) {
	return s.bulkEng.Purge(ctx, opts, info)
}
