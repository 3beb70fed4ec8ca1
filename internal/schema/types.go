// Package schema compiles a declarative entity description into a table
// schema: column lists, primary key, indexes, and per-table feature flags.
// It is the registration step that replaces ad-hoc reflection at call time
// (grounded on the column/table modeling in the teacher's
// internal/storage/catalog.go and internal/storage/db.go, adapted from a
// fixed enum of engine-internal types to the logical/storage split this
// spec requires).
package schema

// LogicalType is the type a caller reasons about (Go field type); it maps
// to exactly one StorageType for DDL and parameter binding.
type LogicalType uint8

const (
	LogicalInteger LogicalType = iota
	LogicalFloat
	LogicalDecimal
	LogicalMoney
	LogicalBool
	LogicalString
	LogicalChar
	LogicalXML
	LogicalGUID
	LogicalDateTime
	LogicalTimeOfDay
	LogicalBinary
	LogicalImage
	LogicalRowVersion
	LogicalEnum
)

func (t LogicalType) String() string {
	switch t {
	case LogicalInteger:
		return "Integer"
	case LogicalFloat:
		return "Float"
	case LogicalDecimal:
		return "Decimal"
	case LogicalMoney:
		return "Money"
	case LogicalBool:
		return "Bool"
	case LogicalString:
		return "String"
	case LogicalChar:
		return "Char"
	case LogicalXML:
		return "XML"
	case LogicalGUID:
		return "GUID"
	case LogicalDateTime:
		return "DateTime"
	case LogicalTimeOfDay:
		return "TimeOfDay"
	case LogicalBinary:
		return "Binary"
	case LogicalImage:
		return "Image"
	case LogicalRowVersion:
		return "RowVersion"
	case LogicalEnum:
		return "Enum"
	default:
		return "Unknown"
	}
}

// StorageType is the SQLite-affinity family the column is rendered as.
type StorageType uint8

const (
	StorageInteger StorageType = iota
	StorageReal
	StorageText
	StorageBlob
)

func (t StorageType) String() string {
	switch t {
	case StorageInteger:
		return "INTEGER"
	case StorageReal:
		return "REAL"
	case StorageText:
		return "TEXT"
	case StorageBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// StorageTypeFor applies the explicit logical->storage mapping from §4.M:
// integer->INTEGER; floating/decimal/money->REAL; string/char/xml/guid/
// datetime->TEXT (time-of-day is the one TEXT-group member actually stored
// as INTEGER ticks); binary/image/rowversion->BLOB; bool->INTEGER (0/1,
// SQLite has no native boolean affinity).
func StorageTypeFor(t LogicalType) StorageType {
	switch t {
	case LogicalInteger, LogicalBool, LogicalTimeOfDay:
		return StorageInteger
	case LogicalFloat, LogicalDecimal, LogicalMoney:
		return StorageReal
	case LogicalString, LogicalChar, LogicalXML, LogicalGUID, LogicalDateTime, LogicalEnum:
		return StorageText
	case LogicalBinary, LogicalImage, LogicalRowVersion:
		return StorageBlob
	default:
		return StorageText
	}
}

// ColumnDef describes one mapped column.
type ColumnDef struct {
	Name        string
	Logical     LogicalType
	Storage     StorageType
	Nullable    bool
	IsPK        bool
	PKOrder     int
	IsComputed  bool
	EnumValues  []string // non-nil => emit CHECK(col IN (...))
	Default     *string
	FieldIndex  []int // reflect field path into the entity struct
}

// IndexDef describes one secondary index.
type IndexDef struct {
	Name    string
	Columns []string
	Unique  bool
}

// Flags are the per-table feature switches named in §3.
type Flags struct {
	SoftDelete   bool
	Expiry       bool
	ExpirySpan   *int64 // nanoseconds; nil => caller must set AbsoluteExpiration explicitly
	Archive      bool
	Audit        bool
	SyncWithList bool
}
