package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// EngineConfig holds dependencies for the storage engine.
type EngineConfig struct {
	Workspace string
	Hierarchy *hierarchy.Hierarchy
	Adapters  *Adapters
	// FullText serves $search-bearing queries; optional.
	FullText driven.FullTextAdapter
	// Queue receives index notifications after each applied batch; optional.
	Queue  driven.TaskQueue
	Ledger *ModelLedger
	Logger *slog.Logger
	// MaxDerivePasses bounds the derivation loop in tests; zero means
	// unbounded.
	MaxDerivePasses int
}

// Engine is the transaction processing engine: the single entry point for
// mutation batches. It owns the router, the derivation engine, the apply-if
// scope registry and the model ledger, and notifies the indexing pipeline of
// every applied and derived transaction.
type Engine struct {
	workspace   string
	h           *hierarchy.Hierarchy
	adapters    *Adapters
	fulltext    driven.FullTextAdapter
	queue       driven.TaskQueue
	ledger      *ModelLedger
	router      *TxRouter
	deriver     *Deriver
	scopes      *ScopeGuard
	triggers    *TriggerRegistry
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu       sync.Mutex
	lastTxID domain.ID
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewModelLedger(nil)
	}
	e := &Engine{
		workspace:   cfg.Workspace,
		h:           cfg.Hierarchy,
		adapters:    cfg.Adapters,
		fulltext:    cfg.FullText,
		queue:       cfg.Queue,
		ledger:      ledger,
		scopes:      NewScopeGuard(),
		triggers:    NewTriggerRegistry(logger),
		broadcaster: NewBroadcaster(),
		logger:      logger,
	}
	e.router = NewTxRouter(cfg.Hierarchy, cfg.Adapters, e.broadcaster, logger)
	e.deriver = NewDeriver(cfg.Hierarchy, e.router, e.triggers, e.FindAll, logger)
	e.deriver.MaxPasses = cfg.MaxDerivePasses
	return e
}

// Broadcaster exposes the live-query notifier for in-process subscribers.
func (e *Engine) Broadcaster() *Broadcaster { return e.broadcaster }

// Triggers exposes the trigger registry.
func (e *Engine) Triggers() *TriggerRegistry { return e.triggers }

// Deriver exposes the derivation engine for related-provider registration.
func (e *Engine) Deriver() *Deriver { return e.deriver }

// Hierarchy returns the class registry the engine routes against.
func (e *Engine) Hierarchy() *hierarchy.Hierarchy { return e.h }

// FindAll queries the document store. Queries carrying $search go through
// the dedicated full-text path instead of the plain adapter path.
func (e *Engine) FindAll(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	if search, ok := query["$search"].(string); ok {
		return e.searchFindAll(ctx, class, search, query, opts)
	}
	dom, err := e.h.DomainOf(class)
	if err != nil {
		return nil, err
	}
	adapter, err := e.adapters.For(dom)
	if err != nil {
		return nil, err
	}
	return adapter.FindAll(ctx, class, query, opts)
}

func (e *Engine) searchFindAll(ctx context.Context, class domain.ClassID, search string, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	if e.fulltext == nil {
		return nil, fmt.Errorf("full-text query without a full-text adapter: %w", domain.ErrDomainNotBound)
	}
	ids, err := e.fulltext.Search(ctx, e.h.Descendants(class), search, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &driven.FindResult{}, nil
	}
	rest := make(map[string]any, len(query))
	for k, v := range query {
		if k != "$search" {
			rest[k] = v
		}
	}
	idList := make([]any, len(ids))
	for i, id := range ids {
		idList[i] = string(id)
	}
	rest["_id"] = map[string]any{"$in": idList}
	dom, err := e.h.DomainOf(class)
	if err != nil {
		return nil, err
	}
	adapter, err := e.adapters.For(dom)
	if err != nil {
		return nil, err
	}
	return adapter.FindAll(ctx, class, rest, opts)
}

// Tx applies a mutation batch: apply-if resolution, model bookkeeping,
// routing, derivation and index notification. Results align one-to-one with
// the batch; the second return value is the full derived set.
func (e *Engine) Tx(ctx context.Context, batch []*domain.Tx) ([]domain.TxResult, []*domain.Tx, error) {
	domain.SortTxes(batch)

	results := make([]domain.TxResult, len(batch))
	var apply []*domain.Tx
	var slots []int
	var ends []func()
	defer func() {
		for _, end := range ends {
			end()
		}
	}()

	for i, tx := range batch {
		if tx.Kind != domain.TxKindApplyIf {
			apply = append(apply, tx)
			slots = append(slots, i)
			continue
		}
		passed, onEnd, err := e.scopes.Verify(ctx, tx, e.FindAll)
		if err != nil {
			return nil, nil, err
		}
		if !passed {
			results[i] = domain.TxResult{Success: false, Derived: []*domain.Tx{}}
			continue
		}
		ends = append(ends, onEnd)
		results[i] = domain.TxResult{Success: true}
		for _, inner := range tx.Txes {
			apply = append(apply, inner)
			slots = append(slots, i)
		}
	}

	// Model bookkeeping before routing so freshly declared classes resolve.
	for _, tx := range apply {
		if dom, err := e.h.DomainOf(tx.EffectiveCUD().ObjectClass); err == nil && dom == domain.DomainModel {
			e.h.Extend(tx)
			e.ledger.Append(tx)
		}
	}

	routed, err := e.router.Route(ctx, apply)
	if err != nil {
		return nil, nil, err
	}
	for j, r := range routed.Results {
		i := slots[j]
		if results[i].Error == "" && !r.Success {
			results[i] = r
		} else if results[i].Error == "" {
			results[i].Success = true
		}
	}

	// The scopes stay held until the embedded transactions are applied;
	// release before derivation so unrelated conditional work can proceed.
	for _, end := range ends {
		end()
	}
	ends = nil

	derived, err := e.deriver.DeriveAndApply(ctx, apply, routed.Removed)
	if err != nil {
		return nil, nil, err
	}

	all := append(append([]*domain.Tx(nil), apply...), derived...)
	if err := e.persistTxLog(ctx, all); err != nil {
		e.logger.Error("failed to persist transaction log", "error", err)
	}
	e.notify(ctx, all)
	return results, derived, nil
}

// persistTxLog appends the applied and derived transactions to the tx
// domain. Transactions addressing transient-domain documents are not logged.
func (e *Engine) persistTxLog(ctx context.Context, txes []*domain.Tx) error {
	adapter, err := e.adapters.For(domain.DomainTx)
	if err != nil {
		return err
	}
	var docs []*domain.Doc
	var last domain.ID
	for _, tx := range txes {
		if dom, err := e.h.DomainOf(tx.EffectiveCUD().ObjectClass); err == nil && dom == domain.DomainTransient {
			continue
		}
		docs = append(docs, txDoc(tx))
		last = tx.ID
	}
	if len(docs) == 0 {
		return nil
	}
	if err := adapter.Upload(ctx, domain.DomainTx, docs); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastTxID = last
	e.mu.Unlock()
	return nil
}

// LastTxID returns the id of the newest logged transaction.
func (e *Engine) LastTxID() domain.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTxID
}

func (e *Engine) notify(ctx context.Context, txes []*domain.Tx) {
	if e.queue == nil {
		return
	}
	seen := map[domain.ID]bool{}
	var objects []driven.IndexObject
	var latest int64
	for _, tx := range txes {
		eff := tx.EffectiveCUD()
		if !eff.Kind.IsCUD() || eff.ObjectID == "" || seen[eff.ObjectID] {
			continue
		}
		seen[eff.ObjectID] = true
		objects = append(objects, driven.IndexObject{ID: eff.ObjectID, Class: eff.ObjectClass})
		if tx.ModifiedOn > latest {
			latest = tx.ModifiedOn
		}
	}
	if len(objects) == 0 {
		return
	}
	n := &driven.IndexNotification{
		ID:        uuid.NewString(),
		Workspace: e.workspace,
		Objects:   objects,
		CreatedOn: latest,
	}
	if err := e.queue.Enqueue(ctx, n); err != nil {
		e.logger.Warn("failed to enqueue index notification", "error", err)
	}
}

// LoadModel answers a model sync request against the ledger.
func (e *Engine) LoadModel(lastKnownTs int64, hash string) *ModelResponse {
	return e.ledger.LoadModel(lastKnownTs, hash)
}

func txDoc(tx *domain.Tx) *domain.Doc {
	data, _ := json.Marshal(tx)
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	return &domain.Doc{
		ID:         tx.ID,
		Class:      tx.Class,
		Space:      tx.Space,
		CreatedOn:  tx.ModifiedOn,
		ModifiedOn: tx.ModifiedOn,
		ModifiedBy: tx.ModifiedBy,
		Attributes: payload,
	}
}
