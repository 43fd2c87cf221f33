package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// IndexObject references one document touched by a transaction batch.
type IndexObject struct {
	ID    domain.ID      `json:"id"`
	Class domain.ClassID `json:"class"`
}

// IndexNotification tells the indexing workers that a batch of transactions
// (applied plus derived) touched the listed objects in a workspace.
type IndexNotification struct {
	ID        string        `json:"id"`
	Workspace string        `json:"workspace"`
	Objects   []IndexObject `json:"objects"`
	CreatedOn int64         `json:"createdOn"`
	Retries   int           `json:"retries"`
}

// TaskQueue carries index notifications from the transaction engine to the
// background workers. Implementations can use Redis Streams (preferred) or
// an in-process channel for tests.
type TaskQueue interface {
	// Enqueue publishes a notification for worker pickup.
	Enqueue(ctx context.Context, n *IndexNotification) error

	// DequeueWithTimeout retrieves the next notification, waiting up to
	// timeout. Returns nil, nil when the timeout elapses with nothing
	// available.
	DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*IndexNotification, error)

	// Ack acknowledges successful processing.
	Ack(ctx context.Context, id string) error

	// Nack returns a notification to the queue for redelivery.
	Nack(ctx context.Context, id string, reason string) error

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	Close() error
}

// DistributedLock provides named locks for coordinating work across
// instances, used to fence backup runs and scheduler-style singletons.
type DistributedLock interface {
	// Acquire attempts to take a named lock with the given TTL. Returns
	// false when another instance holds it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Extend refreshes the TTL of a lock this instance holds. Returns
	// false when the lock expired or was taken over in the meantime.
	Extend(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release releases a named lock. Safe to call when not held.
	Release(ctx context.Context, name string) error

	// Ping checks if the lock backend is healthy.
	Ping(ctx context.Context) error
}
