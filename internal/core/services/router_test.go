package services

import (
	"context"
	"strings"
	"testing"

	"github.com/custodia-labs/docbase-core/internal/adapters/driven/memory"
	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// recordingAdapter wraps an adapter and records the size of every Tx batch
// it receives, exposing the router's run boundaries.
type recordingAdapter struct {
	driven.DomainAdapter
	batches []int
}

func (r *recordingAdapter) Tx(ctx context.Context, txes ...*domain.Tx) ([]domain.TxResult, error) {
	r.batches = append(r.batches, len(txes))
	return r.DomainAdapter.Tx(ctx, txes...)
}

func TestRouterBatchesContiguousSameDomainRuns(t *testing.T) {
	h := testHierarchy()
	rec := &recordingAdapter{DomainAdapter: memory.New(h)}
	router := NewTxRouter(h, NewAdapters(nil, rec), nil, nil)

	// project, project, task, project: three runs of sizes 2, 1, 1.
	batch := []*domain.Tx{
		domain.NewCreateTx("p1", classProject, testSpace, map[string]any{"name": "A"}, "alice", 1),
		domain.NewCreateTx("p2", classProject, testSpace, map[string]any{"name": "B"}, "alice", 2),
		domain.NewCreateTx("t1", classTask, testSpace, map[string]any{"title": "x"}, "alice", 3),
		domain.NewCreateTx("p3", classProject, testSpace, map[string]any{"name": "C"}, "alice", 4),
	}
	res, err := router.Route(context.Background(), batch)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	for i, r := range res.Results {
		if !r.Success {
			t.Errorf("tx %d failed: %s", i, r.Error)
		}
	}
	want := []int{2, 1, 1}
	if len(rec.batches) != len(want) {
		t.Fatalf("expected %d runs, got %v", len(want), rec.batches)
	}
	for i, n := range want {
		if rec.batches[i] != n {
			t.Errorf("run %d: expected size %d, got %d", i, n, rec.batches[i])
		}
	}
}

func TestRouterCapturesRemovedBodies(t *testing.T) {
	h := testHierarchy()
	adapter := memory.New(h)
	router := NewTxRouter(h, NewAdapters(nil, adapter), nil, nil)
	ctx := context.Background()

	if _, err := router.Route(ctx, []*domain.Tx{
		domain.NewCreateTx("p1", classProject, testSpace, map[string]any{"name": "A"}, "alice", 1),
	}); err != nil {
		t.Fatalf("seed Route failed: %v", err)
	}

	res, err := router.Route(ctx, []*domain.Tx{
		domain.NewRemoveTx("p1", classProject, testSpace, "alice", 2),
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	body, ok := res.Removed["p1"]
	if !ok {
		t.Fatal("expected the pre-removal body captured")
	}
	if name, _ := body.Attr("name"); name != "A" {
		t.Errorf("expected the body as it was before removal, got %v", name)
	}
}

func TestRouterSkipsUnsupportedTransactionClass(t *testing.T) {
	h := testHierarchy()
	adapter := memory.New(h)
	router := NewTxRouter(h, NewAdapters(nil, adapter), nil, nil)

	bogus := domain.NewCreateTx("p1", classProject, testSpace, map[string]any{"name": "A"}, "alice", 1)
	bogus.Class = domain.ClassTxApplyIf // not a CUD class

	ok := domain.NewCreateTx("p2", classProject, testSpace, map[string]any{"name": "B"}, "alice", 2)

	res, err := router.Route(context.Background(), []*domain.Tx{bogus, ok})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Results[0].Success {
		t.Error("expected the unsupported transaction to fail its slot")
	}
	if !strings.Contains(res.Results[0].Error, domain.ErrUnsupportedTx.Error()) {
		t.Errorf("expected unsupported-tx error, got %q", res.Results[0].Error)
	}
	if !res.Results[1].Success {
		t.Errorf("expected the valid transaction to proceed: %s", res.Results[1].Error)
	}
}

func TestRouterUnresolvableClassFailsSlotOnly(t *testing.T) {
	h := testHierarchy()
	adapter := memory.New(h)
	router := NewTxRouter(h, NewAdapters(nil, adapter), nil, nil)

	unknown := domain.NewCreateTx("x1", "test:class:Unknown", testSpace, nil, "alice", 1)
	ok := domain.NewCreateTx("p1", classProject, testSpace, map[string]any{"name": "A"}, "alice", 2)

	res, err := router.Route(context.Background(), []*domain.Tx{unknown, ok})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Results[0].Success {
		t.Error("expected the unresolvable class to fail its slot")
	}
	if !res.Results[1].Success {
		t.Errorf("expected the valid transaction to proceed: %s", res.Results[1].Error)
	}
}

func TestRouterUnboundDomainAbortsBatch(t *testing.T) {
	h := testHierarchy()
	adapters := NewAdapters(map[domain.Domain]driven.DomainAdapter{
		domTask: memory.New(h),
	}, nil)
	router := NewTxRouter(h, adapters, nil, nil)

	_, err := router.Route(context.Background(), []*domain.Tx{
		domain.NewCreateTx("p1", classProject, testSpace, map[string]any{"name": "A"}, "alice", 1),
	})
	if err == nil {
		t.Fatal("expected a missing domain binding to abort the batch")
	}
}

func TestRouterPublishesToBroadcaster(t *testing.T) {
	h := testHierarchy()
	adapter := memory.New(h)
	b := NewBroadcaster()
	var seen []domain.ID
	unsubscribe := b.Subscribe(func(tx *domain.Tx) {
		seen = append(seen, tx.EffectiveCUD().ObjectID)
	})
	defer unsubscribe()

	router := NewTxRouter(h, NewAdapters(nil, adapter), b, nil)
	_, err := router.Route(context.Background(), []*domain.Tx{
		domain.NewCreateTx("p1", classProject, testSpace, map[string]any{"name": "A"}, "alice", 1),
		domain.NewCreateTx("p2", classProject, testSpace, map[string]any{"name": "B"}, "alice", 2),
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != "p1" || seen[1] != "p2" {
		t.Errorf("expected publishes in apply order, got %v", seen)
	}
}
