package services

import (
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// Broadcaster fans applied transactions out to in-process subscribers in
// apply order. It is the in-core stand-in for the client live-query cache:
// the router feeds it every transaction of a run right after the run lands.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]func(tx *domain.Tx)
	seq  []int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(tx *domain.Tx))}
}

// Subscribe registers a handler and returns an unsubscribe func. Handlers
// run synchronously on the publishing goroutine; ordering across publishes
// is the apply order.
func (b *Broadcaster) Subscribe(fn func(tx *domain.Tx)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.seq = append(b.seq, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, s := range b.seq {
			if s == id {
				b.seq = append(b.seq[:i], b.seq[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers a transaction to every subscriber in registration order.
func (b *Broadcaster) Publish(tx *domain.Tx) {
	b.mu.Lock()
	handlers := make([]func(tx *domain.Tx), 0, len(b.seq))
	for _, id := range b.seq {
		if fn, ok := b.subs[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(tx)
	}
}
