package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

func findAlwaysMatch(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	return &driven.FindResult{Docs: []*domain.Doc{{ID: "d1", Class: class}}, Total: 1}, nil
}

func findNeverMatch(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	return &driven.FindResult{}, nil
}

func applyIfOn(scope string) *domain.Tx {
	return domain.NewApplyIfTx(scope, testSpace,
		[]domain.Predicate{{Class: classProject, Query: map[string]any{"name": "Alpha"}}},
		nil, nil, "alice", 1000)
}

func TestScopeGuardPassAndRelease(t *testing.T) {
	g := NewScopeGuard()
	ctx := context.Background()

	passed, onEnd, err := g.Verify(ctx, applyIfOn("s1"), findAlwaysMatch)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !passed {
		t.Fatal("expected predicates to pass")
	}
	onEnd()

	// The scope is free again after onEnd.
	passed, onEnd, err = g.Verify(ctx, applyIfOn("s1"), findAlwaysMatch)
	if err != nil || !passed {
		t.Fatalf("expected a second verify on the released scope to pass, got %t (%v)", passed, err)
	}
	onEnd()
}

func TestScopeGuardRejectsOnFailedPredicate(t *testing.T) {
	g := NewScopeGuard()

	passed, onEnd, err := g.Verify(context.Background(), applyIfOn("s1"), findNeverMatch)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if passed || onEnd != nil {
		t.Fatal("expected rejection with no hold")
	}

	// Rejection releases the scope immediately.
	passed, onEnd, err = g.Verify(context.Background(), applyIfOn("s1"), findAlwaysMatch)
	if err != nil || !passed {
		t.Fatalf("expected the scope to be free after rejection, got %t (%v)", passed, err)
	}
	onEnd()
}

func TestScopeGuardNotMatchPredicate(t *testing.T) {
	g := NewScopeGuard()
	tx := domain.NewApplyIfTx("s1", testSpace, nil,
		[]domain.Predicate{{Class: classProject, Query: map[string]any{"name": "Alpha"}}},
		nil, "alice", 1000)

	passed, _, err := g.Verify(context.Background(), tx, findAlwaysMatch)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if passed {
		t.Error("expected a matching notMatch predicate to reject")
	}
}

func TestScopeGuardSerializesSameScope(t *testing.T) {
	g := NewScopeGuard()
	ctx := context.Background()

	_, onEnd, err := g.Verify(ctx, applyIfOn("s1"), findAlwaysMatch)
	if err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}

	var mu sync.Mutex
	secondDone := false
	go func() {
		_, end, err := g.Verify(ctx, applyIfOn("s1"), findAlwaysMatch)
		if err == nil && end != nil {
			end()
		}
		mu.Lock()
		secondDone = true
		mu.Unlock()
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if secondDone {
		mu.Unlock()
		t.Fatal("expected the second verify to block while the scope is held")
	}
	mu.Unlock()

	onEnd()
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := secondDone
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second verify never proceeded after release")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScopeGuardUnrelatedScopesDoNotBlock(t *testing.T) {
	g := NewScopeGuard()
	ctx := context.Background()

	_, onEnd, err := g.Verify(ctx, applyIfOn("s1"), findAlwaysMatch)
	if err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	defer onEnd()

	passed, end2, err := g.Verify(ctx, applyIfOn("s2"), findAlwaysMatch)
	if err != nil || !passed {
		t.Fatalf("expected an unrelated scope to proceed, got %t (%v)", passed, err)
	}
	end2()
}

func TestScopeGuardHonorsContextWhileWaiting(t *testing.T) {
	g := NewScopeGuard()

	_, onEnd, err := g.Verify(context.Background(), applyIfOn("s1"), findAlwaysMatch)
	if err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	defer onEnd()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = g.Verify(ctx, applyIfOn("s1"), findAlwaysMatch)
	if err == nil {
		t.Fatal("expected a context error while waiting on a held scope")
	}
}
