package schema

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Schema is the compiled, immutable metadata for one entity type (S<T> in
// §3). It is built once at provider-open time via Build and never mutated
// afterwards, matching §5's "schema objects are constructed at
// provider-open time, validated once, and immutable thereafter".
type Schema struct {
	TableName    string
	SchemaPrefix string
	Columns      []ColumnDef
	PrimaryKey   []string
	Indexes      []IndexDef
	Flags        Flags

	byName map[string]*ColumnDef
}

// QualifiedName returns "prefix.table" when a schema prefix is set, else
// just "table".
func (s *Schema) QualifiedName() string {
	if s.SchemaPrefix == "" {
		return s.TableName
	}
	return s.SchemaPrefix + "." + s.TableName
}

// Column looks up a column definition by name.
func (s *Schema) Column(name string) (*ColumnDef, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// GetSelectColumns returns column names in canonical (declaration) order.
func (s *Schema) GetSelectColumns() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// GetInsertColumns returns the columns an INSERT should populate: every
// column except computed ones, and except Version when it is an
// auto-increment ledger id (non-soft-delete tables: Version is a plain
// column starting at 1 and is inserted explicitly).
func (s *Schema) GetInsertColumns() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.IsComputed {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// GetUpdateColumns returns the columns an UPDATE sets: every non-key,
// non-computed column.
func (s *Schema) GetUpdateColumns() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.IsComputed || c.IsPK {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// Builder compiles a declarative entity description into a Schema. It is
// the "registration step" the design notes call for in place of per-call
// reflection: reflection over the zero value of T runs exactly once,
// during Build, and the result is cached by the caller.
//
// Grounded on the teacher's own Column/Table modeling
// (internal/storage/db.go, internal/storage/catalog.go) and on the fluent
// method-chaining idiom of the teacher's builder.go SelectBuilder.
type Builder struct {
	table   string
	prefix  string
	flags   Flags
	indexes []IndexDef
	enums   map[string][]string
	types   map[string]LogicalType
}

// NewBuilder starts a schema builder for the given table name.
func NewBuilder(table string) *Builder {
	return &Builder{table: table, enums: map[string][]string{}, types: map[string]LogicalType{}}
}

func (b *Builder) SchemaPrefix(prefix string) *Builder { b.prefix = prefix; return b }

func (b *Builder) SoftDelete() *Builder { b.flags.SoftDelete = true; return b }

func (b *Builder) Expiry(span time.Duration) *Builder {
	b.flags.Expiry = true
	ns := span.Nanoseconds()
	b.flags.ExpirySpan = &ns
	return b
}

func (b *Builder) Archive() *Builder { b.flags.Archive = true; return b }

func (b *Builder) Audit() *Builder { b.flags.Audit = true; return b }

func (b *Builder) SyncWithList() *Builder { b.flags.SyncWithList = true; return b }

// Index registers a secondary index over the named columns.
func (b *Builder) Index(name string, unique bool, columns ...string) *Builder {
	b.indexes = append(b.indexes, IndexDef{Name: name, Columns: columns, Unique: unique})
	return b
}

// Enum declares that the named column is CHECK-constrained to the given
// variant values (rendered as CHECK(col IN (...)) per §4.M).
func (b *Builder) Enum(column string, values ...string) *Builder {
	b.enums[column] = values
	b.types[column] = LogicalEnum
	return b
}

// LogicalTypeOf overrides the inferred logical type for a field (e.g. a
// string field that is actually Money or a GUID).
func (b *Builder) LogicalTypeOf(column string, t LogicalType) *Builder {
	b.types[column] = t
	return b
}

// Build reflects over the zero value of T exactly once, walking Base plus
// any exported, `db`-tagged fields, and produces an immutable Schema.
func Build[T Entity](b *Builder) (*Schema, error) {
	var zero T
	rt := reflect.TypeOf(zero)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %T must be a struct", zero)
	}

	s := &Schema{
		TableName:    b.table,
		SchemaPrefix: b.prefix,
		Flags:        b.flags,
		Indexes:      append([]IndexDef(nil), b.indexes...),
		byName:       map[string]*ColumnDef{},
	}
	sort.Slice(s.Indexes, func(i, j int) bool { return s.Indexes[i].Name < s.Indexes[j].Name })

	pkOrder := 0
	walk := func(name string, fieldType reflect.Type, idx []int, forcedPK bool, forcedLogical *LogicalType) error {
		switch name {
		case "IsDeleted":
			if !b.flags.SoftDelete {
				return nil
			}
		case "IsArchived":
			if !b.flags.Archive {
				return nil
			}
		case "AbsoluteExpiration":
			if !b.flags.Expiry {
				return nil
			}
		case "ExportedDate":
			return nil // added additively by the bulk engine only when needed
		}

		logical := inferLogical(fieldType)
		if forcedLogical != nil {
			logical = *forcedLogical
		}
		if lt, ok := b.types[name]; ok {
			logical = lt
		}
		col := ColumnDef{
			Name:       name,
			Logical:    logical,
			Storage:    StorageTypeFor(logical),
			Nullable:   isNullableType(fieldType),
			FieldIndex: idx,
		}
		if vals, ok := b.enums[name]; ok {
			col.EnumValues = vals
		}
		if name == "Id" || forcedPK {
			col.IsPK = true
			col.PKOrder = pkOrder
			pkOrder++
			col.Nullable = false
		}
		if name == "Version" && b.flags.SoftDelete {
			col.IsPK = true
			col.PKOrder = pkOrder
			pkOrder++
			col.Nullable = false
		}
		s.Columns = append(s.Columns, col)
		return nil
	}

	baseType := reflect.TypeOf(Base{})
	for i := 0; i < baseType.NumField(); i++ {
		f := baseType.Field(i)
		if err := walk(f.Name, f.Type, []int{0, i}, false, nil); err != nil {
			return nil, err
		}
	}

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.Type == baseType && f.Anonymous {
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		if err := walk(tag, f.Type, []int{i}, false, nil); err != nil {
			return nil, err
		}
	}

	for _, c := range s.Columns {
		cc := c
		s.byName[c.Name] = &cc
		if c.IsPK {
			s.PrimaryKey = append(s.PrimaryKey, c.Name)
		}
	}
	sort.Slice(s.PrimaryKey, func(i, j int) bool {
		return s.byName[s.PrimaryKey[i]].PKOrder < s.byName[s.PrimaryKey[j]].PKOrder
	})

	if len(s.PrimaryKey) == 0 {
		return nil, fmt.Errorf("schema %s: no primary key columns resolved", b.table)
	}
	return s, nil
}

func inferLogical(t reflect.Type) LogicalType {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return LogicalBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return LogicalInteger
	case reflect.Float32, reflect.Float64:
		return LogicalFloat
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return LogicalBinary
		}
		return LogicalString
	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return LogicalDateTime
		}
		return LogicalString
	default:
		return LogicalString
	}
}

func isNullableType(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer
}

// ValidateEnumValue reports whether v is one of the CHECK-constrained
// variants for col, mirroring the backend's own CHECK(col IN (...))
// enforcement so the write pipeline can fail fast with ValidationFailed
// instead of round-tripping to the backend first.
func ValidateEnumValue(col *ColumnDef, v string) bool {
	if len(col.EnumValues) == 0 {
		return true
	}
	for _, ev := range col.EnumValues {
		if ev == v {
			return true
		}
	}
	return false
}
