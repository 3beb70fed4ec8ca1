package entitystore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/entitystore"
	"github.com/SimonWaldherr/entitystore/internal/predicate"
)

type order struct {
	entitystore.Base
	CustomerID string `db:"CustomerID"`
	Total      int64  `db:"Total"`
}

func openProvider(t *testing.T) *entitystore.Provider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")
	p, err := entitystore.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRegisterCreateGetUpdateDelete(t *testing.T) {
	p := openProvider(t)
	orders, err := entitystore.Register[*order](p, entitystore.NewBuilder("Orders").SoftDelete().Audit())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	info := entitystore.Capture(0, "tester")

	o := &order{Base: entitystore.Base{Id: "o1"}, CustomerID: "c1", Total: 100}
	if err := orders.Create(ctx, o, info); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := orders.Get(ctx, o.GetID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Total != 100 {
		t.Fatalf("expected Total 100, got %d", got.Total)
	}

	got.Total = 250
	if err := orders.Update(ctx, got, info); err != nil {
		t.Fatalf("update: %v", err)
	}

	updated, err := orders.Get(ctx, o.GetID())
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if updated.Total != 250 {
		t.Fatalf("expected Total 250 after update, got %d", updated.Total)
	}

	found, err := orders.Delete(ctx, o.GetID(), info)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatalf("expected delete to report a found row")
	}
	if _, err := orders.Get(ctx, o.GetID()); err == nil {
		t.Fatalf("expected the soft-deleted row to no longer be a live head")
	}
}

func TestQueryFiltersLiveHeads(t *testing.T) {
	p := openProvider(t)
	orders, err := entitystore.Register[*order](p, entitystore.NewBuilder("Orders").SoftDelete())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	info := entitystore.Capture(0, "tester")

	for i, total := range []int64{10, 20, 30} {
		o := &order{Base: entitystore.Base{Id: fmt.Sprintf("o%d", i)}, CustomerID: "c1", Total: total}
		if err := orders.Create(ctx, o, info); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	filter := predicate.Ge(predicate.Col("Total"), predicate.Val(int64(20))).Build()

	results, err := orders.Query(ctx, filter, nil, nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 rows with Total >= 20, got %d", len(results))
	}
}

func TestNewScopeClosesCleanlyWithNoQueuedOperations(t *testing.T) {
	p := openProvider(t)
	if _, err := entitystore.Register[*order](p, entitystore.NewBuilder("Orders").SoftDelete()); err != nil {
		t.Fatalf("register: %v", err)
	}

	scope := p.NewScope()
	if err := scope.Close(context.Background()); err != nil {
		t.Fatalf("close empty scope: %v", err)
	}
}
