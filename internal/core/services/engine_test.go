package services

import (
	"context"
	"testing"
	"time"

	"github.com/custodia-labs/docbase-core/internal/adapters/driven/memory"
	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

const (
	classProject = domain.ClassID("test:class:Project")
	classTask    = domain.ClassID("test:class:Task")
	mixinStats   = domain.ClassID("test:mixin:Stats")

	domProject = domain.Domain("project")
	domTask    = domain.Domain("task")

	testSpace = domain.ID("space-1")
)

func testHierarchy() *hierarchy.Hierarchy {
	classes := append(hierarchy.Bootstrap(),
		&hierarchy.Class{
			ID: classProject, Extends: domain.ClassDoc, Domain: domProject, Indexed: true,
			Attributes: map[string]hierarchy.Attribute{
				"name":  {Name: "name", Type: hierarchy.AttrValue, FullText: true},
				"tasks": {Name: "tasks", Type: hierarchy.AttrCollection, Of: classTask},
			},
		},
		&hierarchy.Class{
			ID: classTask, Extends: domain.ClassAttachedDoc, Domain: domTask, Indexed: true,
			Attributes: map[string]hierarchy.Attribute{
				"title": {Name: "title", Type: hierarchy.AttrValue, FullText: true},
			},
		},
		&hierarchy.Class{
			ID: mixinStats, Extends: domain.ClassDoc, Kind: hierarchy.KindMixin,
			Attributes: map[string]hierarchy.Attribute{
				"notes": {Name: "notes", Type: hierarchy.AttrCollection, Of: classTask},
			},
		},
	)
	return hierarchy.New(classes...)
}

type world struct {
	h       *hierarchy.Hierarchy
	adapter *memory.Adapter
	queue   *mocks.MockTaskQueue
	engine  *Engine
}

func newWorld(t *testing.T) *world {
	t.Helper()
	h := testHierarchy()
	adapter := memory.New(h)
	queue := mocks.NewMockTaskQueue()
	engine := NewEngine(EngineConfig{
		Workspace:       "ws-test",
		Hierarchy:       h,
		Adapters:        NewAdapters(nil, adapter),
		Queue:           queue,
		MaxDerivePasses: 20,
	})
	return &world{h: h, adapter: adapter, queue: queue, engine: engine}
}

func (w *world) mustTx(t *testing.T, txes ...*domain.Tx) []*domain.Tx {
	t.Helper()
	results, derived, err := w.engine.Tx(context.Background(), txes)
	if err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	for i, r := range results {
		if !r.Success {
			t.Fatalf("tx %d failed: %s", i, r.Error)
		}
	}
	return derived
}

func (w *world) loadOne(t *testing.T, class domain.ClassID, id domain.ID) *domain.Doc {
	t.Helper()
	res, err := w.engine.FindAll(context.Background(), class,
		map[string]any{"_id": string(id)}, driven.FindOptions{Limit: 1})
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(res.Docs) == 0 {
		return nil
	}
	return res.Docs[0]
}

func attachTask(projectID domain.ID, taskID domain.ID, title string, ts int64) *domain.Tx {
	inner := domain.NewCreateTx(taskID, classTask, testSpace,
		map[string]any{"title": title}, "alice", ts)
	return domain.NewCollectionTx(projectID, classProject, testSpace, "tasks", inner)
}

func TestEngineCreateUpdateRemove(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))

	doc := w.loadOne(t, classProject, "p1")
	if doc == nil {
		t.Fatal("expected project after create")
	}
	if name, _ := doc.Attr("name"); name != "Alpha" {
		t.Errorf("expected name Alpha, got %v", name)
	}

	w.mustTx(t, domain.NewUpdateTx("p1", classProject, testSpace,
		map[string]any{"name": "Beta"}, "alice", 1001))
	doc = w.loadOne(t, classProject, "p1")
	if name, _ := doc.Attr("name"); name != "Beta" {
		t.Errorf("expected name Beta after update, got %v", name)
	}

	w.mustTx(t, domain.NewRemoveTx("p1", classProject, testSpace, "alice", 1002))
	if w.loadOne(t, classProject, "p1") != nil {
		t.Error("expected project gone after remove")
	}
}

func TestEngineCascadingRemoval(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))
	w.mustTx(t,
		attachTask("p1", "t1", "first", 1001),
		attachTask("p1", "t2", "second", 1002),
	)

	derived := w.mustTx(t, domain.NewRemoveTx("p1", classProject, testSpace, "alice", 1003))

	removes := 0
	for _, tx := range derived {
		if tx.EffectiveCUD().Kind == domain.TxKindRemoveDoc {
			removes++
		}
	}
	if removes != 2 {
		t.Errorf("expected 2 derived removals, got %d", removes)
	}
	for _, id := range []domain.ID{"t1", "t2"} {
		if w.loadOne(t, classTask, id) != nil {
			t.Errorf("expected task %s removed by cascade", id)
		}
	}
}

func TestEngineCollectionCounter(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))
	w.mustTx(t,
		attachTask("p1", "t1", "first", 1001),
		attachTask("p1", "t2", "second", 1002),
	)

	doc := w.loadOne(t, classProject, "p1")
	if got := doc.IntAttr("tasks"); got != 2 {
		t.Fatalf("expected counter 2 after two attaches, got %d", got)
	}

	detach := domain.NewCollectionTx("p1", classProject, testSpace, "tasks",
		domain.NewRemoveTx("t1", classTask, testSpace, "alice", 1003))
	w.mustTx(t, detach)

	doc = w.loadOne(t, classProject, "p1")
	if got := doc.IntAttr("tasks"); got != 1 {
		t.Errorf("expected counter 1 after detach, got %d", got)
	}
}

func TestEngineCounterSkipsRemovedParent(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))
	w.mustTx(t, attachTask("p1", "t1", "first", 1001))

	// Removing the parent cascades to the task; the cascade's detach must
	// not resurrect the parent through a counter update.
	w.mustTx(t, domain.NewRemoveTx("p1", classProject, testSpace, "alice", 1002))

	if w.loadOne(t, classProject, "p1") != nil {
		t.Error("expected parent to stay removed")
	}
}

func TestEngineMixinCounter(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))
	w.mustTx(t, domain.NewMixinTx("p1", classProject, testSpace, mixinStats,
		map[string]any{}, "alice", 1001))

	inner := domain.NewCreateTx("n1", classTask, testSpace,
		map[string]any{"title": "note"}, "alice", 1002)
	w.mustTx(t, domain.NewCollectionTx("p1", classProject, testSpace, "notes", inner))

	doc := w.loadOne(t, classProject, "p1")
	stats := doc.As(mixinStats)
	if stats == nil {
		t.Fatal("expected stats mixin on parent")
	}
	if got := doc.IntAttr("notes"); got != 1 {
		t.Errorf("expected mixin counter 1, got %d", got)
	}
}

func TestEngineSpaceMovePropagates(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))
	w.mustTx(t,
		attachTask("p1", "t1", "first", 1001),
		attachTask("p1", "t2", "second", 1002),
	)

	w.mustTx(t, domain.NewUpdateTx("p1", classProject, testSpace,
		map[string]any{"space": "space-2"}, "alice", 1003))

	for _, id := range []domain.ID{"t1", "t2"} {
		doc := w.loadOne(t, classTask, id)
		if doc == nil {
			t.Fatalf("expected task %s to survive the move", id)
		}
		if doc.Space != "space-2" {
			t.Errorf("expected task %s in space-2, got %s", id, doc.Space)
		}
	}
}

func TestEngineApplyIf(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))

	// Predicate matches: embedded transaction applies.
	pass := domain.NewApplyIfTx("projects", testSpace,
		[]domain.Predicate{{Class: classProject, Query: map[string]any{"name": "Alpha"}}},
		nil,
		[]*domain.Tx{domain.NewCreateTx("p2", classProject, testSpace,
			map[string]any{"name": "Beta"}, "alice", 1001)},
		"alice", 1001)
	results, _, err := w.engine.Tx(context.Background(), []*domain.Tx{pass})
	if err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("expected conditional batch to pass: %s", results[0].Error)
	}
	if w.loadOne(t, classProject, "p2") == nil {
		t.Error("expected embedded create applied")
	}

	// notMatch predicate fails: embedded transaction is not applied and
	// the failure is a result, not an error.
	fail := domain.NewApplyIfTx("projects", testSpace,
		nil,
		[]domain.Predicate{{Class: classProject, Query: map[string]any{"name": "Beta"}}},
		[]*domain.Tx{domain.NewCreateTx("p3", classProject, testSpace,
			map[string]any{"name": "Gamma"}, "alice", 1002)},
		"alice", 1002)
	results, _, err = w.engine.Tx(context.Background(), []*domain.Tx{fail})
	if err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if results[0].Success {
		t.Error("expected conditional batch to be rejected")
	}
	if w.loadOne(t, classProject, "p3") != nil {
		t.Error("expected embedded create not applied on rejection")
	}
}

func TestEngineModelTxExtendsHierarchy(t *testing.T) {
	w := newWorld(t)
	before := w.engine.LoadModel(0, "").Hash

	classNote := domain.ClassID("test:class:Note")
	w.mustTx(t, domain.NewCreateTx(domain.ID(classNote), domain.ClassClass, testSpace,
		map[string]any{
			"extends": string(domain.ClassDoc),
			"domain":  "note",
			"indexed": true,
		}, "alice", 1000))

	if !w.h.Has(classNote) {
		t.Fatal("expected hierarchy extended with the declared class")
	}
	dom, err := w.h.DomainOf(classNote)
	if err != nil || dom != "note" {
		t.Errorf("expected declared domain note, got %s (%v)", dom, err)
	}

	// The ledger advanced by exactly one entry; a client at the old head
	// gets the suffix.
	resp := w.engine.LoadModel(0, before)
	if resp.Full {
		t.Error("expected incremental model response for a known hash")
	}
	if len(resp.Transactions) != 1 {
		t.Errorf("expected 1 suffix transaction, got %d", len(resp.Transactions))
	}
}

func TestEngineNotifiesQueue(t *testing.T) {
	w := newWorld(t)

	w.mustTx(t,
		domain.NewCreateTx("p1", classProject, testSpace,
			map[string]any{"name": "Alpha"}, "alice", 1000),
		attachTask("p1", "t1", "first", 1001),
	)

	n, err := w.queue.DequeueWithTimeout(context.Background(), 100*time.Millisecond)
	if err != nil || n == nil {
		t.Fatalf("expected an index notification, got %v (%v)", n, err)
	}
	if n.Workspace != "ws-test" {
		t.Errorf("expected workspace ws-test, got %s", n.Workspace)
	}
	ids := map[domain.ID]bool{}
	for _, obj := range n.Objects {
		ids[obj.ID] = true
	}
	if !ids["p1"] || !ids["t1"] {
		t.Errorf("expected p1 and t1 in the notification, got %v", n.Objects)
	}
}

func TestEngineTxLogPersisted(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))

	res, err := w.adapter.FindAll(ctx, domain.ClassTxCUD, nil, driven.FindOptions{})
	if err != nil {
		t.Fatalf("FindAll on tx log failed: %v", err)
	}
	if len(res.Docs) == 0 {
		t.Fatal("expected the applied transaction in the log")
	}
	if w.engine.LastTxID() == "" {
		t.Error("expected LastTxID set after a logged batch")
	}
}

func TestEngineSearchQuery(t *testing.T) {
	h := testHierarchy()
	adapter := memory.New(h)
	fulltext := mocks.NewMockFullTextAdapter()
	engine := NewEngine(EngineConfig{
		Workspace: "ws-test",
		Hierarchy: h,
		Adapters:  NewAdapters(nil, adapter),
		FullText:  fulltext,
	})
	ctx := context.Background()

	if _, _, err := engine.Tx(ctx, []*domain.Tx{
		domain.NewCreateTx("p1", classProject, testSpace,
			map[string]any{"name": "Alpha"}, "alice", 1000),
		domain.NewCreateTx("p2", classProject, testSpace,
			map[string]any{"name": "Beta"}, "alice", 1001),
	}); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if err := fulltext.Index(ctx, []*driven.IndexedDoc{
		{ID: "p1", Class: classProject, Fields: map[string]any{"name": "Alpha"}},
		{ID: "p2", Class: classProject, Fields: map[string]any{"name": "Beta"}},
	}); err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	res, err := engine.FindAll(ctx, classProject,
		map[string]any{"$search": "alpha"}, driven.FindOptions{Limit: 10})
	if err != nil {
		t.Fatalf("search FindAll failed: %v", err)
	}
	if len(res.Docs) != 1 || res.Docs[0].ID != "p1" {
		t.Errorf("expected only p1 from the search path, got %v", res.Docs)
	}
}

// cyclicTrigger derives a fresh update for every update it sees, which can
// never converge. The pass bound must turn that into an error.
type cyclicTrigger struct{}

func (c *cyclicTrigger) Matches(tx *domain.Tx) bool {
	return tx.EffectiveCUD().Kind == domain.TxKindUpdateDoc
}

func (c *cyclicTrigger) Apply(ctx context.Context, txes []*domain.Tx, tc *driven.TriggerControl) ([]*domain.Tx, error) {
	var out []*domain.Tx
	for _, tx := range txes {
		eff := tx.EffectiveCUD()
		out = append(out, domain.NewUpdateTx(eff.ObjectID, eff.ObjectClass, eff.Space,
			map[string]any{domain.OpInc: map[string]any{"touched": int64(1)}},
			eff.ModifiedBy, eff.ModifiedOn))
	}
	return out, nil
}

func TestEngineDerivationPassBound(t *testing.T) {
	w := newWorld(t)
	w.engine.Triggers().Register(&cyclicTrigger{})

	w.mustTx(t, domain.NewCreateTx("p1", classProject, testSpace,
		map[string]any{"name": "Alpha"}, "alice", 1000))

	_, _, err := w.engine.Tx(context.Background(), []*domain.Tx{
		domain.NewUpdateTx("p1", classProject, testSpace,
			map[string]any{"name": "Beta"}, "alice", 1001),
	})
	if err == nil {
		t.Fatal("expected the pass bound to fail a cyclic derivation")
	}
}
