package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// RelatedRef names a document a class-declared related-participant provider
// wants removed together with its owner.
type RelatedRef struct {
	ID    domain.ID
	Class domain.ClassID
	Space domain.ID
}

// RelatedProvider computes the related participants of a document scheduled
// for removal. Providers are registered per class and apply to descendants.
type RelatedProvider func(doc *domain.Doc) []RelatedRef

// Deriver computes derived transactions from an applied batch: cascading
// removals, collection-counter adjustments, space-move propagation and
// trigger outputs. Derived transactions are materialized through the router
// and fed back in until a pass yields nothing.
//
// Termination is by rule design, not by a depth cap:
//   - removal is monotonic; an object is cascaded at most once, guarded by
//     the scheduled-removal set
//   - counter updates never produce further derived work
//   - space moves only touch children still outside the target space, so the
//     reachable attachment graph is consumed monotonically
//
// MaxPasses exists for tests to catch an accidentally cyclic rule; zero
// leaves production chains unbounded.
type Deriver struct {
	h        *hierarchy.Hierarchy
	router   *TxRouter
	triggers *TriggerRegistry
	find     FindFunc
	related  map[domain.ClassID]RelatedProvider
	logger   *slog.Logger

	MaxPasses int
}

// NewDeriver creates a derivation engine.
func NewDeriver(h *hierarchy.Hierarchy, router *TxRouter, triggers *TriggerRegistry, find FindFunc, logger *slog.Logger) *Deriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{
		h:        h,
		router:   router,
		triggers: triggers,
		find:     find,
		related:  map[domain.ClassID]RelatedProvider{},
		logger:   logger,
	}
}

// RegisterRelated registers a related-participant provider for a class; it
// fires for documents of the class and its descendants.
func (d *Deriver) RegisterRelated(class domain.ClassID, provider RelatedProvider) {
	d.related[class] = provider
}

// DeriveAndApply computes, applies and returns the full transitive set of
// derived transactions generated by txes. The removed map must hold the
// pre-removal bodies captured while routing txes; it is extended as derived
// removals land.
func (d *Deriver) DeriveAndApply(ctx context.Context, txes []*domain.Tx, removed map[domain.ID]*domain.Doc) ([]*domain.Tx, error) {
	// scheduled tracks every object a removal has been issued for, across
	// passes. It is the monotonicity guard that keeps cascades finite.
	scheduled := map[domain.ID]bool{}
	for id := range removed {
		scheduled[id] = true
	}
	noteRemovals(txes, scheduled)

	var all []*domain.Tx
	var asyncs []func(ctx context.Context)
	pending := txes

	passes := 0
	for len(pending) > 0 {
		passes++
		if d.MaxPasses > 0 && passes > d.MaxPasses {
			return all, fmt.Errorf("derivation did not converge after %d passes", d.MaxPasses)
		}
		derived, err := d.derivePass(ctx, pending, removed, scheduled, &asyncs)
		if err != nil {
			return all, err
		}
		if len(derived) == 0 {
			break
		}
		domain.SortTxes(derived)
		noteRemovals(derived, scheduled)
		routed, err := d.router.Route(ctx, derived)
		if err != nil {
			return all, err
		}
		for id, doc := range routed.Removed {
			removed[id] = doc
		}
		txDerivedTotal.Add(float64(len(derived)))
		all = append(all, derived...)
		pending = derived
	}
	derivePasses.Observe(float64(passes))

	// Side effects scheduled by triggers run only after the synchronous
	// derivation loop has completed successfully.
	for _, fn := range asyncs {
		go fn(ctx)
	}
	return all, nil
}

func noteRemovals(txes []*domain.Tx, scheduled map[domain.ID]bool) {
	for _, tx := range txes {
		if eff := tx.EffectiveCUD(); eff.Kind == domain.TxKindRemoveDoc {
			scheduled[eff.ObjectID] = true
		}
	}
}

// derivePass runs every derivation rule over one batch and unions the
// results. Rules are independent; their outputs are re-applied together.
func (d *Deriver) derivePass(ctx context.Context, txes []*domain.Tx, removed map[domain.ID]*domain.Doc, scheduled map[domain.ID]bool, asyncs *[]func(ctx context.Context)) ([]*domain.Tx, error) {
	var derived []*domain.Tx

	for _, tx := range txes {
		out, err := d.cascadeRemovals(ctx, tx, removed, scheduled)
		if err != nil {
			return nil, err
		}
		derived = append(derived, out...)

		out, err = d.collectionCounters(ctx, tx, scheduled)
		if err != nil {
			return nil, err
		}
		derived = append(derived, out...)

		out, err = d.spaceMoves(ctx, tx)
		if err != nil {
			return nil, err
		}
		derived = append(derived, out...)
	}

	tc := &driven.TriggerControl{
		Hierarchy: d.h,
		Removed:   removed,
		FindAll:   d.find,
		Async: func(fn func(ctx context.Context)) {
			*asyncs = append(*asyncs, fn)
		},
	}
	derived = append(derived, d.triggers.Apply(ctx, txes, tc)...)
	return derived, nil
}

// cascadeRemovals synthesizes removals for every document attached to a
// removed object through a collection attribute (mixin-declared included)
// and for every class-declared related participant.
func (d *Deriver) cascadeRemovals(ctx context.Context, tx *domain.Tx, removed map[domain.ID]*domain.Doc, scheduled map[domain.ID]bool) ([]*domain.Tx, error) {
	eff := tx.EffectiveCUD()
	if eff.Kind != domain.TxKindRemoveDoc {
		return nil, nil
	}
	obj := removed[eff.ObjectID]
	if obj == nil {
		return nil, nil
	}

	var out []*domain.Tx
	attrs := d.h.CollectionsOf(obj.Class)
	attrs = append(attrs, d.h.MixinCollections(obj)...)
	for _, attr := range attrs {
		itemClass := attr.Of
		if itemClass == "" {
			itemClass = domain.ClassAttachedDoc
		}
		res, err := d.find(ctx, itemClass, map[string]any{
			"attachedTo": string(obj.ID),
			"collection": attr.Name,
		}, driven.FindOptions{})
		if err != nil {
			return nil, fmt.Errorf("find attached %s.%s: %w", obj.ID, attr.Name, err)
		}
		for _, child := range res.Docs {
			if scheduled[child.ID] {
				continue
			}
			scheduled[child.ID] = true
			out = append(out, removeTxFor(child, tx))
		}
	}

	for class, provider := range d.related {
		if !d.h.IsDerived(obj.Class, class) {
			continue
		}
		for _, ref := range provider(obj) {
			if scheduled[ref.ID] {
				continue
			}
			scheduled[ref.ID] = true
			out = append(out, domain.NewRemoveTx(ref.ID, ref.Class, ref.Space, tx.ModifiedBy, tx.ModifiedOn))
		}
	}
	return out, nil
}

// removeTxFor builds the removal for a cascaded document, wrapping it in a
// collection transaction when the document is itself attached.
func removeTxFor(doc *domain.Doc, cause *domain.Tx) *domain.Tx {
	inner := domain.NewRemoveTx(doc.ID, doc.Class, doc.Space, cause.ModifiedBy, cause.ModifiedOn)
	if doc.IsAttached() {
		return domain.NewCollectionTx(doc.AttachedTo, doc.AttachedToClass, doc.Space, doc.Collection, inner)
	}
	return inner
}

// collectionCounters keeps the parent's cached collection count in step with
// attach/detach/reparent operations. Counts are not tracked for objects in
// the model domain, and a parent already scheduled for removal gets no
// adjustment: its counter dies with it.
func (d *Deriver) collectionCounters(ctx context.Context, tx *domain.Tx, scheduled map[domain.ID]bool) ([]*domain.Tx, error) {
	if tx.Kind != domain.TxKindCollection || tx.Inner == nil {
		return nil, nil
	}
	if dom, err := d.h.DomainOf(tx.ObjectClass); err != nil || dom == domain.DomainModel {
		return nil, nil
	}

	var out []*domain.Tx
	emit := func(parentID domain.ID, parentClass domain.ClassID, delta int64) error {
		if scheduled[parentID] {
			return nil
		}
		res, err := d.find(ctx, parentClass, map[string]any{"_id": string(parentID)}, driven.FindOptions{Limit: 1})
		if err != nil {
			return fmt.Errorf("load counter parent %s: %w", parentID, err)
		}
		if len(res.Docs) == 0 {
			// Old parent already gone: skip rather than risk a negative
			// count on a re-created id.
			return nil
		}
		parent := res.Docs[0]
		out = append(out, counterTx(d.h, parent, tx.Collection, delta, tx))
		return nil
	}

	switch tx.Inner.Kind {
	case domain.TxKindCreateDoc:
		if err := emit(tx.ObjectID, tx.ObjectClass, 1); err != nil {
			return nil, err
		}
	case domain.TxKindRemoveDoc:
		if err := emit(tx.ObjectID, tx.ObjectClass, -1); err != nil {
			return nil, err
		}
	case domain.TxKindUpdateDoc:
		newParentRaw, moved := tx.Inner.Operations["attachedTo"]
		if !moved {
			return nil, nil
		}
		newParent := domain.ID(fmt.Sprintf("%v", newParentRaw))
		if newParent == tx.ObjectID {
			return nil, nil
		}
		newParentClass := tx.ObjectClass
		if c, ok := tx.Inner.Operations["attachedToClass"].(string); ok && c != "" {
			newParentClass = domain.ClassID(c)
		}
		if err := emit(tx.ObjectID, tx.ObjectClass, -1); err != nil {
			return nil, err
		}
		if err := emit(newParent, newParentClass, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// counterTx builds the increment for a parent's collection attribute. When
// the attribute is declared by a mixin the adjustment must be a mixin
// transaction carrying the recomputed value, since $inc only addresses base
// attributes.
func counterTx(h *hierarchy.Hierarchy, parent *domain.Doc, collection string, delta int64, cause *domain.Tx) *domain.Tx {
	mixins := make([]domain.ClassID, 0, len(parent.Mixins))
	for m := range parent.Mixins {
		mixins = append(mixins, m)
	}
	if owner, ok := h.AttributeOwner(parent.Class, collection, mixins); ok && h.IsMixin(owner) {
		current := int64(0)
		if attrs := parent.As(owner); attrs != nil {
			if n, ok := attrs[collection]; ok {
				current = domainInt(n)
			}
		}
		return domain.NewMixinTx(parent.ID, parent.Class, parent.Space, owner,
			map[string]any{collection: current + delta}, cause.ModifiedBy, cause.ModifiedOn)
	}
	return domain.NewUpdateTx(parent.ID, parent.Class, parent.Space,
		map[string]any{domain.OpInc: map[string]any{collection: delta}},
		cause.ModifiedBy, cause.ModifiedOn)
}

// spaceMoves propagates a space change to every document still attached to
// the moved object in its old space, preserving the intra-collection
// relationship without a remove/recreate of the children.
func (d *Deriver) spaceMoves(ctx context.Context, tx *domain.Tx) ([]*domain.Tx, error) {
	eff := tx.EffectiveCUD()
	if eff.Kind != domain.TxKindUpdateDoc {
		return nil, nil
	}
	raw, ok := eff.Operations["space"]
	if !ok {
		return nil, nil
	}
	newSpace := domain.ID(fmt.Sprintf("%v", raw))

	var out []*domain.Tx
	for _, attr := range d.h.CollectionsOf(eff.ObjectClass) {
		itemClass := attr.Of
		if itemClass == "" {
			itemClass = domain.ClassAttachedDoc
		}
		res, err := d.find(ctx, itemClass, map[string]any{
			"attachedTo": string(eff.ObjectID),
			"collection": attr.Name,
			"space":      map[string]any{"$ne": string(newSpace)},
		}, driven.FindOptions{})
		if err != nil {
			return nil, fmt.Errorf("find space-move children of %s: %w", eff.ObjectID, err)
		}
		for _, child := range res.Docs {
			move := domain.NewUpdateTx(child.ID, child.Class, newSpace,
				map[string]any{"space": string(newSpace)}, tx.ModifiedBy, tx.ModifiedOn)
			move.ObjectSpace = child.Space
			out = append(out, move)
		}
	}
	return out, nil
}

func domainInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
