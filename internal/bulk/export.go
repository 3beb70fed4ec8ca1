package bulk

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/predicate"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
)

// andExpr combines two optional predicates with AND, passing either one
// through unchanged when the other is nil.
func andExpr(a, b predicate.Expr) predicate.Expr {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return predicate.Binary{Op: predicate.OpAnd, L: a, R: b}
}

// Export streams rows matching filter to JSON or CSV, optionally split into
// manifested/checksummed/gzip-compressed chunk files on disk (§4.B Export).
// When opts.ExportFolder is empty, the returned ExportResult carries only
// EntitiesExported and a nil Manifest.
func (e *Engine[T]) Export(ctx context.Context, filter predicate.Expr, opts ExportOptions) (*ExportResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	start := time.Now()

	modeFilter, err := e.modeFilter(opts)
	if err != nil {
		return nil, err
	}
	fullFilter := andExpr(filter, modeFilter)

	rows, err := e.selectForExport(ctx, fullFilter, opts)
	if err != nil {
		return nil, err
	}

	result := &ExportResult{EntitiesExported: int64(len(rows))}

	if opts.ExportFolder == "" {
		if opts.MarkAsExported {
			if err := e.markExported(ctx, rows); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
		return result, nil
	}

	if err := os.MkdirAll(opts.ExportFolder, 0o755); err != nil {
		return nil, fmt.Errorf("bulk: export: create folder: %w", err)
	}

	var dataFiles []DataFileEntry
	chunks := chunk(rows, opts.BatchSize)
	for i, batch := range chunks {
		batchAny := make([]any, len(batch))
		for j, r := range batch {
			batchAny[j] = r
		}
		entry, err := e.writeChunkFile(opts, i, batchAny)
		if err != nil {
			return nil, err
		}
		dataFiles = append(dataFiles, entry)
		processed := (i + 1) * opts.BatchSize
		if processed > len(rows) {
			processed = len(rows)
		}
		e.reportProgress(processed, len(rows), start)
	}

	if opts.MarkAsExported {
		if err := e.markExported(ctx, rows); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	manifest := e.buildManifest(rows, dataFiles, opts)
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bulk: export: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.ExportFolder, "manifest.json"), manifestBytes, 0o644); err != nil {
		return nil, fmt.Errorf("bulk: export: write manifest: %w", err)
	}

	result.Manifest = manifest
	return result, nil
}

// modeFilter composes the predicate addition implied by opts.Mode: a
// LastWriteTime lower bound for Incremental, an upper bound for Archive,
// and no addition for Full.
func (e *Engine[T]) modeFilter(opts ExportOptions) (predicate.Expr, error) {
	switch opts.Mode {
	case ExportIncremental:
		if opts.FromDate.IsZero() {
			return nil, nil
		}
		return predicate.Ge(predicate.Col("LastWriteTime"), predicate.Val(opts.FromDate.UTC().Format(time.RFC3339Nano))).Build(), nil
	case ExportArchive:
		if opts.OlderThan <= 0 {
			return nil, nil
		}
		cutoff := time.Now().UTC().Add(-opts.OlderThan)
		return predicate.Lt(predicate.Col("LastWriteTime"), predicate.Val(cutoff.Format(time.RFC3339Nano))).Build(), nil
	default:
		return nil, nil
	}
}

// selectForExport runs a general predicate SELECT with full control over
// IncludeDeleted/IncludeExpired/IncludeAllVersions — grounded on
// writepipeline.Pipeline.fetchChain and query.Engine.Query, neither of which
// exposes all three flags together the way Export needs.
func (e *Engine[T]) selectForExport(ctx context.Context, filter predicate.Expr, opts ExportOptions) ([]T, error) {
	cmd, err := command.Build(e.schema, command.Context{
		Operation: command.OpSelect,
		SelectOptions: &command.SelectOptions{
			IncludeAllVersions: opts.IncludeAllVersions,
			IncludeDeleted:     opts.IncludeDeleted,
			IncludeExpired:     opts.IncludeExpired,
			Filter:             filter,
			OrderBy:            []predicate.OrderItem{predicate.Asc("Id"), predicate.Asc("Version")},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bulk: export: build select: %w", err)
	}
	dbRows, err := e.db.QueryContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
	if err != nil {
		return nil, storeerr.Wrap("export select", err)
	}
	defer dbRows.Close()

	var out []T
	for dbRows.Next() {
		item := newEntity[T]()
		if err := schema.ScanRow(dbRows, e.schema, item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, dbRows.Err()
}

// writeChunkFile encodes one batch in opts.Format, optionally gzips it,
// writes it to opts.ExportFolder, and returns its manifest entry (name,
// size, count, SHA-256 checksum over the exact on-disk bytes).
func (e *Engine[T]) writeChunkFile(opts ExportOptions, index int, batch []any) (DataFileEntry, error) {
	var payload []byte
	var err error
	ext := "json"
	switch opts.Format {
	case "csv":
		payload, err = encodeCSV(e.schema, batch, opts.CSV)
		ext = "csv"
	default:
		if opts.PrettyJSON {
			payload, err = json.MarshalIndent(batch, "", "  ")
		} else {
			payload, err = json.Marshal(batch)
		}
	}
	if err != nil {
		return DataFileEntry{}, fmt.Errorf("bulk: export: encode chunk %d: %w", index, err)
	}

	compressed := opts.Compress
	if compressed {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return DataFileEntry{}, fmt.Errorf("bulk: export: gzip chunk %d: %w", index, err)
		}
		if err := gw.Close(); err != nil {
			return DataFileEntry{}, fmt.Errorf("bulk: export: gzip close chunk %d: %w", index, err)
		}
		payload = buf.Bytes()
		ext += ".gz"
	}

	prefix := opts.FilePrefix
	if prefix == "" {
		prefix = e.schema.TableName
	}
	name := fmt.Sprintf("%s_%04d.%s", prefix, index, ext)
	fullPath := filepath.Join(opts.ExportFolder, name)
	if err := os.WriteFile(fullPath, payload, 0o644); err != nil {
		return DataFileEntry{}, fmt.Errorf("bulk: export: write chunk %d: %w", index, err)
	}

	sum := sha256.Sum256(payload)
	return DataFileEntry{
		FileName:      name,
		FileSizeBytes: int64(len(payload)),
		EntityCount:   len(batch),
		Checksum:      strings.ToUpper(hex.EncodeToString(sum[:])),
		IsCompressed:  compressed,
	}, nil
}

func (e *Engine[T]) buildManifest(rows []T, dataFiles []DataFileEntry, opts ExportOptions) *Manifest {
	var totalBytes int64
	var deleted int64
	for _, f := range dataFiles {
		totalBytes += f.FileSizeBytes
	}
	for _, r := range rows {
		if schema.IsDeleted(r) {
			deleted++
		}
	}
	return &Manifest{
		Metadata: ExportMetadata{
			SchemaVersion:     "1",
			ExportTimestamp:   time.Now().UTC().Format("2006-01-02T15:04:05.0000000Z07:00"),
			EntityType:        e.schema.TableName,
			EntityCount:       int64(len(rows)),
			SoftDeleteEnabled: e.schema.Flags.SoftDelete,
			ExportMode:        opts.Mode.String(),
		},
		Statistics: ExportStatistics{
			TotalEntitiesProcessed: int64(len(rows)),
			TotalVersionsExported:  int64(len(rows)),
			DeletedEntitiesIncluded: deleted,
			TotalFileSizeBytes:     totalBytes,
		},
		DataFiles: dataFiles,
	}
}

// markExported additively adds the ExportedDate column (§4.M's "added
// additively by the bulk engine only when needed") the first time it is
// needed, then stamps every exported row's ExportedDate with now.
func (e *Engine[T]) markExported(ctx context.Context, rows []T) error {
	alterSQL := e.schema.AddColumnSql("ExportedDate", schema.StorageText)
	if _, err := e.db.ExecContext(ctx, alterSQL); err != nil && !isDuplicateColumn(err) {
		return fmt.Errorf("bulk: export: add ExportedDate column: %w", err)
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05.0000000Z07:00")
	for _, r := range rows {
		key := r.GetID()
		v := schema.GetVersion(r)
		if _, err := e.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET ExportedDate = ? WHERE Id = ? AND Version = ?", e.schema.QualifiedName()),
			now, key, v); err != nil {
			return fmt.Errorf("bulk: export: mark exported %s: %w", key, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
