package bulk

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/entitystore/internal/schema"
)

// csvDateFormats are the layouts decodeCSVValue tries in order, with opts'
// own DateFormat given priority (grounded on importer/types.go's
// parseDateTime trying multiple layouts in turn).
var csvDateFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.0000000Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// encodeCSV renders entities as delimited text: a header row of
// s.GetSelectColumns() followed by one row per entity, each field
// stringified per its LogicalType (grounded on internal/exporter's
// valueToString, generalized from engine.ResultSet rows to schema-described
// entity columns).
func encodeCSV(s *schema.Schema, entities []any, opts CSVOptions) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = opts.Delimiter

	cols := s.GetSelectColumns()
	if opts.HasHeaders {
		if err := w.Write(cols); err != nil {
			return nil, fmt.Errorf("bulk: csv encode header: %w", err)
		}
	}
	for _, e := range entities {
		rec := make([]string, len(cols))
		for i, name := range cols {
			col, _ := s.Column(name)
			v := schema.FieldValue(e, col)
			rec[i] = csvStringify(v, opts)
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("bulk: csv encode row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("bulk: csv encode: %w", err)
	}
	return buf.Bytes(), nil
}

func csvStringify(v any, opts CSVOptions) string {
	if v == nil {
		return ""
	}
	switch tv := v.(type) {
	case time.Time:
		return tv.Format(opts.DateFormat)
	case bool:
		if tv {
			return "true"
		}
		return "false"
	case []byte:
		return string(tv)
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// decodeCSV parses delimited text back into entities of type T, converting
// each field per the schema column's LogicalType (grounded on
// importer/types.go's convertValue/parseBool/parseDateTime, retargeted from
// storage.ColType to schema.LogicalType).
func decodeCSV[T schema.Entity](s *schema.Schema, data []byte, opts CSVOptions) ([]T, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = opts.Delimiter
	r.FieldsPerRecord = -1

	var header []string
	cols := s.GetSelectColumns()
	if opts.HasHeaders {
		rec, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("bulk: csv decode header: %w", err)
		}
		header = rec
	} else {
		header = cols
	}

	var out []T
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bulk: csv decode row: %w", err)
		}
		if opts.SkipEmptyRows && isEmptyRecord(rec) {
			continue
		}
		item := newEntity[T]()
		for i, name := range header {
			if i >= len(rec) {
				continue
			}
			col, ok := s.Column(name)
			if !ok {
				continue
			}
			raw := rec[i]
			if opts.TrimFields {
				raw = strings.TrimSpace(raw)
			}
			if raw == "" {
				continue
			}
			val, err := decodeCSVValue(raw, col.Logical, opts)
			if err != nil {
				return nil, fmt.Errorf("bulk: csv decode %s: %w", name, err)
			}
			schema.SetFieldValue(item, col, val)
		}
		out = append(out, item)
	}
	return out, nil
}

func isEmptyRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func decodeCSVValue(val string, logical schema.LogicalType, opts CSVOptions) (any, error) {
	switch logical {
	case schema.LogicalBool:
		return parseCSVBool(val)
	case schema.LogicalInteger, schema.LogicalRowVersion:
		return strconv.ParseInt(val, 10, 64)
	case schema.LogicalFloat:
		return strconv.ParseFloat(val, 64)
	case schema.LogicalDecimal, schema.LogicalMoney:
		return strconv.ParseFloat(val, 64)
	case schema.LogicalGUID:
		u, err := uuid.Parse(val)
		if err != nil {
			return nil, err
		}
		return u.String(), nil
	case schema.LogicalDateTime, schema.LogicalTimeOfDay:
		return parseCSVDateTime(val, opts)
	case schema.LogicalBinary, schema.LogicalImage:
		return []byte(val), nil
	default:
		return val, nil
	}
}

func parseCSVBool(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	default:
		return strconv.ParseBool(val)
	}
}

func parseCSVDateTime(val string, opts CSVOptions) (time.Time, error) {
	layouts := append([]string{opts.DateFormat}, csvDateFormats...)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, val); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", val)
}
