package bulk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/audit"
	"github.com/SimonWaldherr/entitystore/internal/caller"
	"github.com/SimonWaldherr/entitystore/internal/command"
	"github.com/SimonWaldherr/entitystore/internal/predicate"
	"github.com/SimonWaldherr/entitystore/internal/query"
	"github.com/SimonWaldherr/entitystore/internal/schema"
	"github.com/SimonWaldherr/entitystore/internal/storeerr"
	"github.com/SimonWaldherr/entitystore/internal/txscope"
)

// DefaultBatchSize mirrors writepipeline's own sub-batch size; Import and
// Export both chunk their rows at this size unless the caller's options say
// otherwise.
const DefaultBatchSize = 1000

// queryExecer is satisfied by both *sql.DB and *sql.Tx (grounded on
// writepipeline.queryExecer — duplicated here since the original is
// unexported in a different package).
type queryExecer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Engine runs Import, ImportFromFile, Export, and Purge for one entity
// type's schema over a shared *sql.DB (§4.B). One Engine is built per
// registered schema, the same way writepipeline.Pipeline and query.Engine
// are.
type Engine[T schema.Entity] struct {
	db       *sql.DB
	schema   *schema.Schema
	audit    *audit.Writer
	queryEng *query.Engine[T]
	clock    func() time.Time
	progress ProgressFunc
}

// New builds a bulk Engine over db for the given compiled schema. queryEng
// backs Export's predicate-driven row selection; auditWriter may be nil, in
// which case audit emission is skipped (matching writepipeline.New).
func New[T schema.Entity](db *sql.DB, s *schema.Schema, auditWriter *audit.Writer, queryEng *query.Engine[T]) *Engine[T] {
	return &Engine[T]{
		db:       db,
		schema:   s,
		audit:    auditWriter,
		queryEng: queryEng,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithProgress attaches a progress callback, returning the Engine for
// chaining. Import and Export report once per sub-batch or chunk, and only
// when the running count is a multiple of 100 or equals the total; rows
// inside a sub-batch or chunk are not reported individually.
func (e *Engine[T]) WithProgress(fn ProgressFunc) *Engine[T] {
	e.progress = fn
	return e
}

func (e *Engine[T]) timestamp() time.Time { return e.clock() }

func (e *Engine[T]) reportProgress(processed, total int, start time.Time) {
	if e.progress == nil {
		return
	}
	if processed%100 != 0 && processed != total {
		return
	}
	e.progress(ProgressInfo{Processed: processed, Total: total, Elapsed: time.Since(start)})
}

func (e *Engine[T]) audibleAppend(ctx context.Context, entityKey, op string, oldVersion *int64, newVersion int64, info caller.Info) {
	if e.audit == nil {
		return
	}
	e.audit.Append(ctx, audit.Record{
		EntityType: e.schema.TableName,
		EntityKey:  entityKey,
		Operation:  op,
		OldVersion: oldVersion,
		NewVersion: newVersion,
		Caller:     info,
	})
}

// newEntity allocates a fresh T via reflection (grounded on
// writepipeline.newEntity/query.newEntity — the same pattern, duplicated
// since it is unexported in both of those packages).
func newEntity[T schema.Entity]() T {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil || rt.Kind() != reflect.Pointer {
		return zero
	}
	return reflect.New(rt.Elem()).Interface().(T)
}

// fetchHead reads key's current head row (ordered Version DESC, LIMIT 1
// under soft-delete), regardless of deleted/expired state. Grounded on
// writepipeline.Pipeline.fetchHead, duplicated locally since it is
// unexported in a different package.
func (e *Engine[T]) fetchHead(ctx context.Context, ex queryExecer, key string) (T, bool, error) {
	var zero T
	limit := int64(1)
	cmd, err := command.Build(e.schema, command.Context{
		Operation: command.OpSelect,
		Key:       key,
		SelectOptions: &command.SelectOptions{
			IncludeDeleted: true,
			IncludeExpired: true,
			OrderBy:        []predicate.OrderItem{predicate.Desc("Version")},
			Limit:          &limit,
		},
	})
	if err != nil {
		return zero, false, fmt.Errorf("bulk: build select: %w", err)
	}
	rows, err := ex.QueryContext(ctx, cmd.SQL, txscope.NamedArgs(cmd.Params)...)
	if err != nil {
		return zero, false, storeerr.Wrap("fetch head", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, false, rows.Err()
	}
	item := newEntity[T]()
	if err := schema.ScanRow(rows, e.schema, item); err != nil {
		return zero, false, err
	}
	return item, true, rows.Err()
}

// fingerprint renders every mapped column of entity except the bookkeeping
// ones (Version/CreatedTime/LastWriteTime) as a stable JSON string, the same
// "did this actually change" idiom writepipeline/list.go's
// logicalFingerprint uses for UpdateList's diff check — reimplemented here
// since the original is unexported in a different package. Import's Data
// conflict detection compares two fingerprints for inequality.
func (e *Engine[T]) fingerprint(entity any) (string, error) {
	m := make(map[string]any, len(e.schema.Columns))
	for i := range e.schema.Columns {
		col := &e.schema.Columns[i]
		switch col.Name {
		case "Version", "CreatedTime", "LastWriteTime":
			continue
		}
		m[col.Name] = schema.FieldValue(entity, col)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("bulk: fingerprint: %w", err)
	}
	return string(b), nil
}

// chunk splits items into sub-slices of size (grounded on
// writepipeline/batch.go's chunks helper).
func chunk[I any](items []I, size int) [][]I {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]I
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// mergeEntities builds a new entity by taking every field from target and
// overlaying source's field for each column named in priorities as
// MergeSideSource, or — when priorities is nil/doesn't mention a column —
// overlaying from whichever side the Open Question decision fixed as the
// tie-break winner (the side passed as sourceWins). Both target and source
// must be the same concrete *struct type.
func mergeEntities[T schema.Entity](s *schema.Schema, target, source T, priorities map[string]MergeSide, sourceWins bool) T {
	out := schema.Clone(target)
	for i := range s.Columns {
		col := &s.Columns[i]
		switch col.Name {
		case "Id", "Version", "CreatedTime", "LastWriteTime", "IsDeleted":
			continue
		}
		side, explicit := priorities[col.Name]
		useSource := sourceWins
		if explicit {
			useSource = side == MergeSideSource
		}
		if useSource {
			schema.SetFieldValue(out, col, schema.FieldValue(source, col))
		}
	}
	return out
}
