package txscope

import (
	"context"
	"database/sql"
	"testing"

	"github.com/SimonWaldherr/entitystore/internal/command"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestCommitRunsQueueFIFO(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := New(db)

	if err := s.AddOperation(&command.Command{
		SQL:    "INSERT INTO widgets (id, name) VALUES (@p0, @p1)",
		Params: map[string]any{"p0": "w1", "p1": "first"},
	}, ExecNonQuery, nil); err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if err := s.AddOperation(&command.Command{
		SQL:    "UPDATE widgets SET name = @p0 WHERE id = @p1",
		Params: map[string]any{"p0": "renamed", "p1": "w1"},
	}, ExecNonQuery, nil); err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := s.State(); got != StateCommitted {
		t.Fatalf("expected Committed, got %s", got)
	}

	var name string
	if err := db.QueryRow("SELECT name FROM widgets WHERE id = 'w1'").Scan(&name); err != nil {
		t.Fatalf("query: %v", err)
	}
	if name != "renamed" {
		t.Fatalf("expected FIFO order to leave name=renamed, got %q", name)
	}
}

func TestRollbackRunsNothing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := New(db)

	if err := s.AddOperation(&command.Command{
		SQL:    "INSERT INTO widgets (id, name) VALUES (@p0, @p1)",
		Params: map[string]any{"p0": "w2", "p1": "never"},
	}, ExecNonQuery, nil); err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if err := s.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM widgets WHERE id = 'w2'").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no row inserted after rollback, got %d", count)
	}
}

func TestAddOperationAfterActiveIsUsageError(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.AddOperation(&command.Command{SQL: "SELECT 1"}, ExecNonQuery, nil); err == nil {
		t.Fatalf("expected usage error adding an operation after leaving Active")
	}
}

func TestFailedExecSetsFailedState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := New(db)
	if err := s.AddOperation(&command.Command{SQL: "INSERT INTO nonexistent_table VALUES (1)"}, ExecNonQuery, nil); err != nil {
		t.Fatalf("add operation: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(ctx); err == nil {
		t.Fatalf("expected close to fail for invalid sql")
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("expected Failed state, got %s", got)
	}
}
