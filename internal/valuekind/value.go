// Package valuekind provides the tagged value union that parameters and
// column reads travel in at the boundary between Go entity fields and the
// SQL backend. It replaces the nullable/boxed-value handling a reflective
// ORM would otherwise need scattered across every call site.
package valuekind

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Kind tags the variant carried by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindF64
	KindString
	KindBytes
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindBool:
		return "BOOL"
	case KindI64:
		return "I64"
	case KindF64:
		return "F64"
	case KindString:
		return "STRING"
	case KindBytes:
		return "BYTES"
	case KindTimestamp:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// Value is the tagged union parameters and column reads are boxed in.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	t    time.Time
}

func Null() Value                    { return Value{kind: KindNull} }
func Bool(v bool) Value              { return Value{kind: KindBool, b: v} }
func I64(v int64) Value              { return Value{kind: KindI64, i: v} }
func F64(v float64) Value            { return Value{kind: KindF64, f: v} }
func String(v string) Value          { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value           { return Value{kind: KindBytes, by: v} }
func Timestamp(v time.Time) Value    { return Value{kind: KindTimestamp, t: v.UTC()} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) Bool() bool    { return v.b }
func (v Value) I64() int64    { return v.i }
func (v Value) F64() float64  { return v.f }
func (v Value) String() string {
	if v.kind == KindTimestamp {
		return v.t.Format(time.RFC3339Nano)
	}
	return v.s
}
func (v Value) Bytes() []byte       { return v.by }
func (v Value) Timestamp() time.Time { return v.t }

// Driver returns the value in the shape database/sql wants bound as a
// parameter: nil, bool, int64, float64, string, []byte.
func (v Value) Driver() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindI64:
		return v.i
	case KindF64:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.by
	case KindTimestamp:
		return v.t.UTC().Format("2006-01-02T15:04:05.0000000Z07:00")
	default:
		return nil
	}
}

// FromDriver boxes a raw value as read back from database/sql (int64,
// float64, string, []byte, bool, or nil) into the Value the logical column
// type says it should be — the inverse of Driver, used when scanning rows
// back into entity fields. Logical bool/datetime columns are stored under
// INTEGER/TEXT affinity respectively, so the raw driver value alone can't
// tell a bool from a plain integer or a timestamp from a plain string;
// the caller supplies the logical type from the schema to disambiguate.
func FromDriver(logical LogicalKind, raw any) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	switch logical {
	case LogicalKindBool:
		switch v := raw.(type) {
		case int64:
			return Bool(v != 0), nil
		case bool:
			return Bool(v), nil
		default:
			return Value{}, fmt.Errorf("valuekind: cannot read %T as bool", raw)
		}
	case LogicalKindTimestamp:
		switch v := raw.(type) {
		case string:
			t, err := parseTimestamp(v)
			if err != nil {
				return Value{}, err
			}
			return Timestamp(t), nil
		case time.Time:
			return Timestamp(v), nil
		default:
			return Value{}, fmt.Errorf("valuekind: cannot read %T as timestamp", raw)
		}
	default:
		return FromAny(raw), nil
	}
}

// LogicalKind is the minimal discrimination FromDriver needs to disambiguate
// a raw driver value: everything other than bool/timestamp round-trips
// through FromAny unambiguously from its Go runtime type alone.
type LogicalKind uint8

const (
	LogicalKindOther LogicalKind = iota
	LogicalKindBool
	LogicalKindTimestamp
)

// parseTimestamp accepts both the "2006-01-02T15:04:05.0000000Z07:00" shape
// Driver() writes and plain RFC3339(Nano), so values written before a format
// change (or inserted by hand) still read back.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.0000000Z07:00", time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("valuekind: cannot parse %q as timestamp", s)
}

// FromAny boxes a Go value (as found in an entity field via reflection or a
// captured predicate constant) into a Value. Unknown types are rendered via
// fmt.Sprint as a last resort, matching the teacher's normalizeForJSON /
// DecimalFromAny fallback idiom (internal/storage/json_helpers.go,
// internal/storage/decimal.go in the teacher).
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case int:
		return I64(int64(t))
	case int8:
		return I64(int64(t))
	case int16:
		return I64(int64(t))
	case int32:
		return I64(int64(t))
	case int64:
		return I64(t)
	case uint:
		return I64(int64(t))
	case uint32:
		return I64(int64(t))
	case uint64:
		return I64(int64(t))
	case float32:
		return F64(float64(t))
	case float64:
		return F64(t)
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case time.Time:
		return Timestamp(t)
	case *time.Time:
		if t == nil {
			return Null()
		}
		return Timestamp(*t)
	case uuid.UUID:
		return String(t.String())
	case *big.Rat:
		if t == nil {
			return Null()
		}
		return String(t.RatString())
	case fmt.Stringer:
		return String(t.String())
	default:
		return String(fmt.Sprint(t))
	}
}
