package bulk

import (
	"testing"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/schema"
)

func TestEncodeDecodeCSVRoundTrip(t *testing.T) {
	_, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })

	now := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	entities := []any{
		&widget{Base: schema.Base{Id: "w1", Version: 1, CreatedTime: now, LastWriteTime: now}, Name: "Widget One", Price: 150},
		&widget{Base: schema.Base{Id: "w2", Version: 2, CreatedTime: now, LastWriteTime: now}, Name: "Widget Two", Price: -25},
	}

	opts := DefaultCSVOptions()
	payload, err := encodeCSV(s, entities, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeCSV[*widget](s, payload, opts)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 rows decoded, got %d", len(decoded))
	}
	if decoded[0].GetID() != "w1" || decoded[0].Name != "Widget One" || decoded[0].Price != 150 {
		t.Fatalf("unexpected first row: %+v", decoded[0])
	}
	if decoded[1].GetID() != "w2" || decoded[1].Price != -25 {
		t.Fatalf("unexpected second row: %+v", decoded[1])
	}
}

func TestDecodeCSVSkipsEmptyRows(t *testing.T) {
	_, s := openWidgetDB(t, func(b *schema.Builder) { b.SoftDelete() })

	opts := DefaultCSVOptions()
	data := "Id,Version,CreatedTime,LastWriteTime,IsDeleted,Name,Price\nw1,1,2026-01-15 10:30:00,2026-01-15 10:30:00,false,A,1\n,,,,,,\n"

	decoded, err := decodeCSV[*widget](s, []byte(data), opts)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected the blank row skipped, got %d rows", len(decoded))
	}
}

func TestParseCSVBoolVariants(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "yes": true, "false": false, "0": false, "no": false}
	for in, want := range cases {
		got, err := parseCSVBool(in)
		if err != nil {
			t.Fatalf("parseCSVBool(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseCSVBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseCSVDateTimeFallsBackThroughLayouts(t *testing.T) {
	opts := DefaultCSVOptions()
	got, err := parseCSVDateTime("2026-01-15", opts)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Year() != 2026 || got.Month() != time.January || got.Day() != 15 {
		t.Fatalf("unexpected parsed date: %v", got)
	}
}
