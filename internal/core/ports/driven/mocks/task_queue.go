package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// MockTaskQueue is a channel-backed TaskQueue for tests.
type MockTaskQueue struct {
	mu      sync.Mutex
	ch      chan *driven.IndexNotification
	acked   []string
	nacked  []string
	closed  bool
}

// NewMockTaskQueue creates a new MockTaskQueue.
func NewMockTaskQueue() *MockTaskQueue {
	return &MockTaskQueue{ch: make(chan *driven.IndexNotification, 128)}
}

func (m *MockTaskQueue) Enqueue(ctx context.Context, n *driven.IndexNotification) error {
	m.ch <- n
	return nil
}

func (m *MockTaskQueue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*driven.IndexNotification, error) {
	select {
	case n := <-m.ch:
		return n, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockTaskQueue) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, id)
	return nil
}

func (m *MockTaskQueue) Nack(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, id)
	return nil
}

func (m *MockTaskQueue) Ping(ctx context.Context) error { return nil }

func (m *MockTaskQueue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

// Acked returns ids acknowledged so far.
func (m *MockTaskQueue) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Nacked returns ids negatively acknowledged so far.
func (m *MockTaskQueue) Nacked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.nacked...)
}

// Pending returns the number of queued notifications.
func (m *MockTaskQueue) Pending() int {
	return len(m.ch)
}

// MockLock is an in-memory DistributedLock for tests.
type MockLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
}

// NewMockLock creates a new MockLock.
func NewMockLock() *MockLock {
	return &MockLock{held: make(map[string]time.Time)}
}

func (m *MockLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.held[name]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.held[name] = time.Now().Add(ttl)
	return true, nil
}

func (m *MockLock) Extend(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.held[name]; !ok || time.Now().After(exp) {
		return false, nil
	}
	m.held[name] = time.Now().Add(ttl)
	return true, nil
}

func (m *MockLock) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}

func (m *MockLock) Ping(ctx context.Context) error { return nil }
