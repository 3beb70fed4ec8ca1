package schema

import (
	"strings"
	"testing"
	"time"
)

type product struct {
	Base
	Name   string  `db:"Name"`
	Price  int64   `db:"Price"`
	Status string  `db:"Status"`
	Note   *string `db:"Note"`
}

func (p *product) GetID() string { return p.Base.Id }

func TestBuildPlainSchemaExcludesFlagGatedColumns(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cols := s.GetSelectColumns()
	for _, unexpected := range []string{"IsDeleted", "IsArchived", "AbsoluteExpiration", "ExportedDate"} {
		for _, c := range cols {
			if c == unexpected {
				t.Fatalf("expected %s to be excluded from a plain schema, got columns %v", unexpected, cols)
			}
		}
	}
	if _, ok := s.Column("Id"); !ok {
		t.Fatalf("expected an Id column")
	}
}

func TestBuildSoftDeleteAddsIsDeletedAndCompositeKey(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products").SoftDelete())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := s.Column("IsDeleted"); !ok {
		t.Fatalf("expected IsDeleted column under SoftDelete")
	}
	if len(s.PrimaryKey) != 2 || s.PrimaryKey[0] != "Id" || s.PrimaryKey[1] != "Version" {
		t.Fatalf("expected a composite (Id, Version) primary key under SoftDelete, got %v", s.PrimaryKey)
	}
}

func TestBuildArchiveAndExpiryAddTheirColumns(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products").Archive().Expiry(24 * time.Hour))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := s.Column("IsArchived"); !ok {
		t.Fatalf("expected IsArchived column under Archive")
	}
	if _, ok := s.Column("AbsoluteExpiration"); !ok {
		t.Fatalf("expected AbsoluteExpiration column under Expiry")
	}
	if s.Flags.ExpirySpan == nil || *s.Flags.ExpirySpan != (24*time.Hour).Nanoseconds() {
		t.Fatalf("expected the expiry span to be recorded in nanoseconds")
	}
}

func TestBuildEnumAddsCheckConstraintValues(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products").Enum("Status", "Active", "Retired"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	col, ok := s.Column("Status")
	if !ok {
		t.Fatalf("expected a Status column")
	}
	if !ValidateEnumValue(col, "Active") {
		t.Fatalf("expected Active to validate against the declared enum")
	}
	if ValidateEnumValue(col, "Bogus") {
		t.Fatalf("expected an undeclared value to fail enum validation")
	}
}

func TestGenerateCreateTableSqlRendersCompositeKeyAndCheck(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products").SoftDelete().Enum("Status", "Active", "Retired"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ddl := s.GenerateCreateTableSql()
	if !strings.Contains(ddl, "PRIMARY KEY (Id, Version)") {
		t.Fatalf("expected a composite primary key clause, got: %s", ddl)
	}
	if !strings.Contains(ddl, "CHECK(Status IN ('Active', 'Retired'))") {
		t.Fatalf("expected a CHECK constraint for the enum column, got: %s", ddl)
	}
	if !strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS Products") {
		t.Fatalf("expected the qualified table name, got: %s", ddl)
	}
}

func TestGenerateCreateIndexSqlOrdersByName(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products").
		Index("idx_b", false, "Status").
		Index("idx_a", false, "Name"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	stmts := s.GenerateCreateIndexSql()
	if len(stmts) != 2 {
		t.Fatalf("expected 2 index statements, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0], "idx_a") || !strings.Contains(stmts[1], "idx_b") {
		t.Fatalf("expected index statements ordered by name, got %v", stmts)
	}
}

func TestFieldValueAndSetFieldValueRoundTripThroughPointerColumn(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	col, ok := s.Column("Note")
	if !ok {
		t.Fatalf("expected a Note column")
	}

	p := &product{}
	if v := FieldValue(p, col); v != nil {
		t.Fatalf("expected a nil Note initially, got %v", v)
	}

	SetFieldValue(p, col, "hello")
	if p.Note == nil || *p.Note != "hello" {
		t.Fatalf("expected SetFieldValue to populate the pointer field, got %v", p.Note)
	}
	if v := FieldValue(p, col); v != "hello" {
		t.Fatalf("expected FieldValue to dereference back to \"hello\", got %v", v)
	}
}

func TestSetAndGetVersionAndDeletedFlag(t *testing.T) {
	p := &product{}
	SetID(p, "p1")
	SetVersion(p, 7)
	SetDeleted(p, true)

	if p.GetID() != "p1" {
		t.Fatalf("expected SetID to set Base.Id, got %q", p.GetID())
	}
	if GetVersion(p) != 7 {
		t.Fatalf("expected GetVersion to read back 7, got %d", GetVersion(p))
	}
	if !IsDeleted(p) {
		t.Fatalf("expected IsDeleted to read back true")
	}
}

func TestCloneProducesAnIndependentCopy(t *testing.T) {
	p := &product{Base: Base{Id: "p1"}, Name: "Widget"}
	clone := Clone(p)
	clone.Name = "Changed"
	if p.Name == "Changed" {
		t.Fatalf("expected Clone to copy the struct, not alias it")
	}
}

func TestAddColumnSqlRendersAdditiveAlter(t *testing.T) {
	s, err := Build[*product](NewBuilder("Products"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	stmt := s.AddColumnSql("ExportedDate", StorageText)
	if !strings.Contains(stmt, "ALTER TABLE Products ADD COLUMN ExportedDate") {
		t.Fatalf("unexpected ALTER TABLE statement: %s", stmt)
	}
}

func TestBuildOnAnonymousBaseOnlyStructStillResolvesAPrimaryKey(t *testing.T) {
	type bare struct{ Base }
	s, err := Build[*bare](NewBuilder("Bare"))
	if err != nil {
		t.Fatalf("expected a Base-only struct to build cleanly: %v", err)
	}
	if len(s.PrimaryKey) == 0 {
		t.Fatalf("expected at least an Id primary key column")
	}
}
