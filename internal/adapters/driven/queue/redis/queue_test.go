package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

func setupQueue(t *testing.T) (*Queue, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewQueue(client, "worker-test")
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, func() {
		client.Close()
		mr.Close()
	}
}

func notification(id string) *driven.IndexNotification {
	return &driven.IndexNotification{
		ID:        id,
		Workspace: "ws-1",
		Objects:   []driven.IndexObject{{ID: "doc-1", Class: "core:class:Doc"}},
		CreatedOn: time.Now().UnixMilli(),
	}
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, notification("n-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.DequeueWithTimeout(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != "n-1" {
		t.Fatalf("dequeued %+v, want n-1", got)
	}
	if len(got.Objects) != 1 || got.Objects[0].ID != "doc-1" {
		t.Errorf("objects not preserved: %+v", got.Objects)
	}
}

func TestQueue_AckRemoves(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, notification("n-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.DequeueWithTimeout(ctx, time.Second)
	if err != nil || got == nil {
		t.Fatalf("dequeue: %v %v", got, err)
	}
	if err := q.Ack(ctx, got.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	again, err := q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue after ack: %v", err)
	}
	if again != nil {
		t.Errorf("acked notification redelivered: %+v", again)
	}
}

func TestQueue_NackRedelivers(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, notification("n-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.DequeueWithTimeout(ctx, time.Second)
	if err != nil || got == nil {
		t.Fatalf("dequeue: %v %v", got, err)
	}
	if err := q.Nack(ctx, got.ID, "adapter unavailable"); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again, err := q.DequeueWithTimeout(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue after nack: %v", err)
	}
	if again == nil || again.ID != "n-1" {
		t.Fatalf("redelivery = %+v, want n-1", again)
	}
	if again.Retries != 1 {
		t.Errorf("retries = %d, want 1", again.Retries)
	}
}

func TestQueue_NackDropsAfterRetryBound(t *testing.T) {
	q, cleanup := setupQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, notification("n-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i <= maxRetries; i++ {
		got, err := q.DequeueWithTimeout(ctx, time.Second)
		if err != nil || got == nil {
			t.Fatalf("dequeue %d: %v %v", i, got, err)
		}
		if err := q.Nack(ctx, got.ID, "still failing"); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}

	got, err := q.DequeueWithTimeout(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("final dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("poison notification still circulating: %+v", got)
	}
}
