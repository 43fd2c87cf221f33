package driven

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// TriggerControl is the read context handed to triggers. Triggers read
// current state through FindAll, inspect pre-removal bodies via Removed and
// may schedule non-transactional side effects to run after the synchronous
// derivation pass completes successfully.
type TriggerControl struct {
	Hierarchy *hierarchy.Hierarchy
	Removed   map[domain.ID]*domain.Doc

	FindAll func(ctx context.Context, class domain.ClassID, query map[string]any, opts FindOptions) (*FindResult, error)

	// Async schedules a side effect (e.g. a push to external storage) for
	// execution after the derivation loop finishes.
	Async func(fn func(ctx context.Context))
}

// Trigger is an externally registered derivation rule. Apply receives the
// full transaction batch and returns further transactions to union into the
// derived set.
type Trigger interface {
	// Matches filters the transactions the trigger wants to see.
	Matches(tx *domain.Tx) bool

	// Apply computes derived transactions for the matching subset.
	Apply(ctx context.Context, txes []*domain.Tx, tc *TriggerControl) ([]*domain.Tx, error)
}
