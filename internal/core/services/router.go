package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// Adapters binds domains to adapter instances, with an optional default used
// for every domain not explicitly bound.
type Adapters struct {
	byDomain map[domain.Domain]driven.DomainAdapter
	fallback driven.DomainAdapter
}

// NewAdapters creates a binding table.
func NewAdapters(byDomain map[domain.Domain]driven.DomainAdapter, fallback driven.DomainAdapter) *Adapters {
	if byDomain == nil {
		byDomain = map[domain.Domain]driven.DomainAdapter{}
	}
	return &Adapters{byDomain: byDomain, fallback: fallback}
}

// For resolves the adapter bound to a domain. A missing binding with no
// default adapter is a fatal configuration error.
func (a *Adapters) For(dom domain.Domain) (driven.DomainAdapter, error) {
	if adapter, ok := a.byDomain[dom]; ok {
		return adapter, nil
	}
	if a.fallback != nil {
		return a.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrDomainNotBound, dom)
}

// All returns every distinct bound adapter.
func (a *Adapters) All() []driven.DomainAdapter {
	seen := map[driven.DomainAdapter]bool{}
	var out []driven.DomainAdapter
	for _, adapter := range a.byDomain {
		if !seen[adapter] {
			seen[adapter] = true
			out = append(out, adapter)
		}
	}
	if a.fallback != nil && !seen[a.fallback] {
		out = append(out, a.fallback)
	}
	return out
}

// RouteResult is the outcome of routing one ordered batch.
type RouteResult struct {
	// Results align one-to-one with the input batch.
	Results []domain.TxResult
	// Removed maps object id to the pre-removal document body for every
	// document a removeDoc in the batch deleted. Derivation needs the body
	// after it is no longer fetchable.
	Removed map[domain.ID]*domain.Doc
}

// TxRouter groups an ordered transaction batch into contiguous same-domain
// runs, batches each run into one adapter call and merges the per-domain
// results back in order.
type TxRouter struct {
	h           *hierarchy.Hierarchy
	adapters    *Adapters
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewTxRouter creates a router. The broadcaster may be nil when no
// in-process subscribers exist.
func NewTxRouter(h *hierarchy.Hierarchy, adapters *Adapters, broadcaster *Broadcaster, logger *slog.Logger) *TxRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TxRouter{h: h, adapters: adapters, broadcaster: broadcaster, logger: logger}
}

// Route applies a sorted batch. Non-CUD transaction classes are skipped with
// an error slot, never a batch failure; adapter transport errors and missing
// domain bindings abort the whole batch.
func (r *TxRouter) Route(ctx context.Context, txes []*domain.Tx) (*RouteResult, error) {
	res := &RouteResult{
		Results: make([]domain.TxResult, len(txes)),
		Removed: map[domain.ID]*domain.Doc{},
	}

	type slotTx struct {
		idx int
		tx  *domain.Tx
	}
	var run []slotTx
	var runDomain domain.Domain

	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		adapter, err := r.adapters.For(runDomain)
		if err != nil {
			return err
		}
		// Bulk-load pre-removal bodies; cascading removal and counter
		// derivation need them once the documents are gone.
		var removeIDs []domain.ID
		for _, s := range run {
			if eff := s.tx.EffectiveCUD(); eff.Kind == domain.TxKindRemoveDoc {
				removeIDs = append(removeIDs, eff.ObjectID)
			}
		}
		if len(removeIDs) > 0 {
			docs, err := adapter.Load(ctx, runDomain, removeIDs)
			if err != nil {
				return fmt.Errorf("load removed docs from %s: %w", runDomain, err)
			}
			for _, doc := range docs {
				res.Removed[doc.ID] = doc
			}
		}
		batch := make([]*domain.Tx, len(run))
		for i, s := range run {
			batch[i] = s.tx
		}
		results, err := adapter.Tx(ctx, batch...)
		if err != nil {
			return fmt.Errorf("apply run on %s: %w", runDomain, err)
		}
		for i, s := range run {
			if i < len(results) {
				res.Results[s.idx] = results[i]
			}
		}
		txRoutedTotal.WithLabelValues(string(runDomain)).Add(float64(len(run)))
		if r.broadcaster != nil {
			for _, s := range run {
				r.broadcaster.Publish(s.tx)
			}
		}
		run = run[:0]
		return nil
	}

	for i, tx := range txes {
		if !tx.Kind.IsCUD() || !r.h.IsDerived(tx.Class, domain.ClassTxCUD) {
			r.logger.Error("skipping unsupported transaction class",
				"tx_id", tx.ID, "class", tx.Class, "kind", tx.Kind)
			txSkippedTotal.Inc()
			res.Results[i] = domain.TxResult{Success: false, Error: domain.ErrUnsupportedTx.Error()}
			continue
		}
		dom, err := r.h.DomainOf(tx.EffectiveCUD().ObjectClass)
		if err != nil {
			r.logger.Error("skipping transaction with unresolvable domain",
				"tx_id", tx.ID, "object_class", tx.EffectiveCUD().ObjectClass, "error", err)
			txSkippedTotal.Inc()
			res.Results[i] = domain.TxResult{Success: false, Error: err.Error()}
			continue
		}
		// A run boundary is forced whenever the next transaction's domain
		// differs, preserving overall order while batching adjacent work.
		if dom != runDomain {
			if err := flush(); err != nil {
				return nil, err
			}
			runDomain = dom
		}
		run = append(run, slotTx{idx: i, tx: tx})
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return res, nil
}
