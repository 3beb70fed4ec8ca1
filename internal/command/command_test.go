package command

import (
	"strings"
	"testing"
	"time"

	"github.com/SimonWaldherr/entitystore/internal/schema"
)

type widget struct {
	schema.Base
	Name  string `db:"Name"`
	Price int64  `db:"Price"`
}

func (w *widget) GetID() string { return w.Base.Id }

func buildWidgetSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Build[*widget](schema.NewBuilder("widgets").SoftDelete())
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return s
}

func TestBuildInsert(t *testing.T) {
	s := buildWidgetSchema(t)
	w := &widget{Base: schema.Base{Id: "w1", Version: 1, CreatedTime: time.Now(), LastWriteTime: time.Now()}, Name: "Gadget", Price: 999}

	cmd, err := Build(s, Context{Operation: OpInsert, Entity: w})
	if err != nil {
		t.Fatalf("build insert: %v", err)
	}
	if !strings.HasPrefix(cmd.SQL, "INSERT INTO widgets (") {
		t.Fatalf("unexpected sql: %s", cmd.SQL)
	}
	if len(cmd.Params) == 0 {
		t.Fatalf("expected bound parameters")
	}
}

func TestBuildUpdateWithOptimisticConcurrency(t *testing.T) {
	s := buildWidgetSchema(t)
	w := &widget{Base: schema.Base{Id: "w1", Version: 2}, Name: "Gadget Pro", Price: 1299}
	old := int64(1)

	cmd, err := Build(s, Context{Operation: OpUpdate, Entity: w, OldVersion: &old})
	if err != nil {
		t.Fatalf("build update: %v", err)
	}
	if !strings.Contains(cmd.SQL, "WHERE") || !strings.Contains(cmd.SQL, "Version = @p") {
		t.Fatalf("expected optimistic concurrency clause, got: %s", cmd.SQL)
	}
}

func TestBuildSelectByKeyWrapsLatestVersionsCTE(t *testing.T) {
	s := buildWidgetSchema(t)
	cmd, err := Build(s, Context{
		Operation:     OpSelect,
		Key:           "w1",
		SelectOptions: &SelectOptions{},
		NowISO:        "2026-07-29T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("build select: %v", err)
	}
	if !strings.HasPrefix(cmd.SQL, "WITH LatestVersions AS (") {
		t.Fatalf("expected latest-versions CTE, got: %s", cmd.SQL)
	}
	if !strings.Contains(cmd.SQL, "rn = 1") {
		t.Fatalf("expected rn = 1 filter, got: %s", cmd.SQL)
	}
	if !strings.Contains(cmd.SQL, "IsDeleted = 0") {
		t.Fatalf("expected soft-delete filter by default, got: %s", cmd.SQL)
	}
}

func TestBuildSelectByKeyIncludeAllVersionsSkipsCTE(t *testing.T) {
	s := buildWidgetSchema(t)
	cmd, err := Build(s, Context{
		Operation:     OpSelect,
		Key:           "w1",
		SelectOptions: &SelectOptions{IncludeAllVersions: true, IncludeDeleted: true},
	})
	if err != nil {
		t.Fatalf("build select: %v", err)
	}
	if strings.Contains(cmd.SQL, "LatestVersions") {
		t.Fatalf("expected no CTE when IncludeAllVersions is set, got: %s", cmd.SQL)
	}
	if strings.Contains(cmd.SQL, "IsDeleted") {
		t.Fatalf("expected no IsDeleted filter when IncludeDeleted is set, got: %s", cmd.SQL)
	}
}
