package schema

import (
	"database/sql"
	"fmt"

	"github.com/SimonWaldherr/entitystore/internal/valuekind"
)

// kindOf narrows a column's logical type down to the minimal discrimination
// valuekind.FromDriver needs to read a raw database/sql value back safely.
func kindOf(l LogicalType) valuekind.LogicalKind {
	switch l {
	case LogicalBool:
		return valuekind.LogicalKindBool
	case LogicalDateTime:
		return valuekind.LogicalKindTimestamp
	default:
		return valuekind.LogicalKindOther
	}
}

// ScanRow scans the current row of rows — whose result columns are expected
// to be exactly s.GetSelectColumns() in that order — into entityPtr, a
// pointer to a struct satisfying Entity. It is the read-path counterpart to
// FieldValue/SetFieldValue: one reflective walk per row, driven by the
// column metadata computed once at Build time.
func ScanRow(rows *sql.Rows, s *Schema, entityPtr any) error {
	cols := s.Columns
	raw := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("schema: scan row: %w", err)
	}
	for i := range cols {
		col := &cols[i]
		v, err := valuekind.FromDriver(kindOf(col.Logical), raw[i])
		if err != nil {
			return fmt.Errorf("schema: column %s: %w", col.Name, err)
		}
		if v.IsNull() {
			SetFieldValue(entityPtr, col, nil)
			continue
		}
		SetFieldValue(entityPtr, col, driverNative(v))
	}
	return nil
}

// driverNative unboxes a Value back to the plain Go type SetFieldValue's
// reflect.Convert step expects (bool, int64, float64, string, []byte,
// time.Time) — the mirror image of valuekind.FromAny's boxing step.
func driverNative(v valuekind.Value) any {
	switch v.Kind() {
	case valuekind.KindBool:
		return v.Bool()
	case valuekind.KindI64:
		return v.I64()
	case valuekind.KindF64:
		return v.F64()
	case valuekind.KindString:
		return v.String()
	case valuekind.KindBytes:
		return v.Bytes()
	case valuekind.KindTimestamp:
		return v.Timestamp()
	default:
		return nil
	}
}
