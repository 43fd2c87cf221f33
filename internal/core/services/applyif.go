package services

import (
	"context"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// FindFunc is the query capability handed to predicate evaluation and the
// derivation engine.
type FindFunc func(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error)

// ScopeGuard serializes conditional transactions per caller-chosen scope
// name. At most one TxApplyIf per scope is mid-evaluation at a time; the
// scope stays held until the caller signals onEnd, so operations within one
// scope are serialized end-to-end, not just at the check. The registry is
// owned by the engine instance, with the same lifecycle.
type ScopeGuard struct {
	mu     sync.Mutex
	scopes map[string]chan struct{}
}

// NewScopeGuard creates an empty scope registry.
func NewScopeGuard() *ScopeGuard {
	return &ScopeGuard{scopes: make(map[string]chan struct{})}
}

// Verify evaluates the conditional transaction's predicates under the scope
// lock. On pass it returns (true, onEnd) and the caller must invoke onEnd
// once the embedded transactions have been queued for application. On a
// failed predicate the scope is released immediately and (false, nil) is
// returned; predicate failure is never an error.
func (g *ScopeGuard) Verify(ctx context.Context, tx *domain.Tx, find FindFunc) (bool, func(), error) {
	for {
		g.mu.Lock()
		held, ok := g.scopes[tx.Scope]
		if !ok {
			done := make(chan struct{})
			g.scopes[tx.Scope] = done
			g.mu.Unlock()

			release := func() {
				g.mu.Lock()
				if g.scopes[tx.Scope] == done {
					delete(g.scopes, tx.Scope)
				}
				g.mu.Unlock()
				close(done)
			}

			passed, err := g.evaluate(ctx, tx, find)
			if err != nil {
				release()
				return false, nil, err
			}
			if !passed {
				applyIfRejected.Inc()
				release()
				return false, nil, nil
			}
			return true, release, nil
		}
		g.mu.Unlock()

		// A newcomer suspends until the scope's current holder signals
		// completion; unrelated scopes are never blocked.
		select {
		case <-held:
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
	}
}

// evaluate checks the match (all must return at least one document) and
// notMatch (all must return none) predicate lists, short-circuiting on the
// first failure.
func (g *ScopeGuard) evaluate(ctx context.Context, tx *domain.Tx, find FindFunc) (bool, error) {
	for _, p := range tx.Match {
		res, err := find(ctx, p.Class, p.Query, driven.FindOptions{Limit: 1})
		if err != nil {
			return false, err
		}
		if len(res.Docs) == 0 {
			return false, nil
		}
	}
	for _, p := range tx.NotMatch {
		res, err := find(ctx, p.Class, p.Query, driven.FindOptions{Limit: 1})
		if err != nil {
			return false, err
		}
		if len(res.Docs) != 0 {
			return false, nil
		}
	}
	return true, nil
}
