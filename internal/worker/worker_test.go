package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/custodia-labs/docbase-core/internal/adapters/driven/memory"
	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
	"github.com/custodia-labs/docbase-core/internal/pipeline"
)

const classTask = domain.ClassID("test:class:Task")

func testPipeline(t *testing.T) (*pipeline.Pipeline, *memory.Adapter, *mocks.MockFullTextAdapter) {
	t.Helper()
	classes := append(hierarchy.Bootstrap(), &hierarchy.Class{
		ID:      classTask,
		Extends: domain.ClassDoc,
		Domain:  domain.Domain("task"),
		Indexed: true,
		Attributes: map[string]hierarchy.Attribute{
			"title": {Name: "title", FullText: true},
		},
	})
	h := hierarchy.New(classes...)
	store := memory.New(h)
	fulltext := mocks.NewMockFullTextAdapter()
	summary := pipeline.NewSummaryStage(nil)
	p, err := pipeline.New(pipeline.Config{
		Workspace: "ws-1",
		Hierarchy: h,
		States:    store,
		Find:      store.FindAll,
		Stages: []pipeline.Stage{
			pipeline.NewFieldsStage(),
			pipeline.NewContentStage(nil),
			pipeline.NewCollaboratorsStage(),
			summary,
			pipeline.NewFullTextStage(fulltext),
			pipeline.NewEmbeddingsStage(nil, nil, summary),
		},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, store, fulltext
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerProcessesNotification(t *testing.T) {
	p, store, fulltext := testPipeline(t)
	queue := mocks.NewMockTaskQueue()

	w := New(Config{
		Queue: queue,
		Resolve: func(workspace string) (*pipeline.Pipeline, error) {
			return p, nil
		},
		DequeueTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	doc := &domain.Doc{ID: "task-1", Class: classTask, Attributes: map[string]any{"title": "hello"}}
	if err := store.Upload(ctx, "task", []*domain.Doc{doc}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	err := queue.Enqueue(ctx, &driven.IndexNotification{
		ID:        "n-1",
		Workspace: "ws-1",
		Objects:   []driven.IndexObject{{ID: "task-1", Class: classTask}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return len(queue.Acked()) == 1 })
	if fulltext.Indexed("task-1") == nil {
		t.Error("document not indexed after notification")
	}
}

func TestWorkerNacksOnResolveFailure(t *testing.T) {
	queue := mocks.NewMockTaskQueue()
	w := New(Config{
		Queue: queue,
		Resolve: func(workspace string) (*pipeline.Pipeline, error) {
			return nil, errors.New("unknown workspace")
		},
		DequeueTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	err := queue.Enqueue(ctx, &driven.IndexNotification{ID: "n-1", Workspace: "nope"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(queue.Nacked()) == 1 })
	if len(queue.Acked()) != 0 {
		t.Error("failed notification was acked")
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	queue := mocks.NewMockTaskQueue()
	w := New(Config{
		Queue:          queue,
		Resolve:        func(string) (*pipeline.Pipeline, error) { return nil, nil },
		DequeueTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop()

	if h := w.Health(ctx); h.Running {
		t.Error("worker reports running after stop")
	}
}
