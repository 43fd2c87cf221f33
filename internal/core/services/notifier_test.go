package services

import (
	"testing"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

func TestBroadcasterDeliversInRegistrationOrder(t *testing.T) {
	b := NewBroadcaster()
	var order []string
	b.Subscribe(func(tx *domain.Tx) { order = append(order, "first") })
	b.Subscribe(func(tx *domain.Tx) { order = append(order, "second") })

	b.Publish(domain.NewCreateTx("p1", classProject, testSpace, nil, "alice", 1))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected delivery in registration order, got %v", order)
	}
}

func TestBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	calls := 0
	unsubscribe := b.Subscribe(func(tx *domain.Tx) { calls++ })

	tx := domain.NewCreateTx("p1", classProject, testSpace, nil, "alice", 1)
	b.Publish(tx)
	unsubscribe()
	b.Publish(tx)

	if calls != 1 {
		t.Errorf("expected exactly one delivery, got %d", calls)
	}
}
