// Package pipeline implements the staged full-text indexing state machine.
// Each document is represented by a DocIndexState ledger entry; stages
// advance per-document watermarks independently, so there is no single
// global progress enum. A stage whose configuration fingerprint changes
// reprocesses every document for that stage.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// FindFunc is the query capability stages use to load source documents.
type FindFunc func(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error)

// Stage is the uniform contract every pipeline stage implements.
type Stage interface {
	// ID is the stage key watermarks are stored under.
	ID() string

	// Require lists stage ids a document must be caught up on before this
	// stage processes it.
	Require() []string

	// Fingerprint is a stable content fingerprint of the stage's
	// configuration. A change forces a full reindex for this stage.
	Fingerprint() string

	// Initialize lets the stage read hierarchy declarations and fold them
	// into its fingerprint before the first pass.
	Initialize(ctx context.Context, p *Pipeline) error

	// Collect does the stage's work for a batch of documents, calling
	// p.Update per document to advance its watermark. A failure confined
	// to one document is logged and that document skipped for the pass;
	// a returned error aborts the whole pass.
	Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error

	// Remove cleans up stage-owned artifacts for deleted source documents.
	Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error
}

// Config holds dependencies for the pipeline.
type Config struct {
	Workspace string
	Hierarchy *hierarchy.Hierarchy
	// States is the adapter bound to the doc-index-state domain.
	States driven.DomainAdapter
	// Find queries source documents (the engine's FindAll).
	Find   FindFunc
	Stages []Stage
	// Limit caps documents processed per stage per pass; zero defaults.
	Limit  int
	Logger *slog.Logger
}

const defaultPassLimit = 500

// Pipeline owns the per-document indexing ledger and drives the stages.
// A single pipeline owns a given document at a time; watermark updates are
// not cross-worker safe by design.
type Pipeline struct {
	workspace  string
	h          *hierarchy.Hierarchy
	states     driven.DomainAdapter
	find       FindFunc
	stages     []Stage
	limit      int
	logger     *slog.Logger
	cancelling atomic.Bool

	initOnce sync.Once
	initErr  error
}

// New creates a pipeline. Stage order is processing order; Require lists
// must reference earlier stages only.
func New(cfg Config) (*Pipeline, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultPassLimit
	}
	seen := map[string]bool{}
	for _, st := range cfg.Stages {
		for _, req := range st.Require() {
			if !seen[req] {
				return nil, fmt.Errorf("stage %s requires %s which is not an earlier stage", st.ID(), req)
			}
		}
		seen[st.ID()] = true
	}
	return &Pipeline{
		workspace: cfg.Workspace,
		h:         cfg.Hierarchy,
		states:    cfg.States,
		find:      cfg.Find,
		stages:    cfg.Stages,
		limit:     limit,
		logger:    logger,
	}, nil
}

// Cancel requests cooperative termination. In-flight single-document work
// finishes; partially processed state stays resumable.
func (p *Pipeline) Cancel() { p.cancelling.Store(true) }

// Cancelling reports whether a cancel was requested. Stages check this at
// loop granularity.
func (p *Pipeline) Cancelling() bool { return p.cancelling.Load() }

// Find exposes the source-document query capability to stages.
func (p *Pipeline) Find(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	return p.find(ctx, class, query, opts)
}

// Hierarchy exposes the class registry to stages.
func (p *Pipeline) Hierarchy() *hierarchy.Hierarchy { return p.h }

// Queue registers touched objects with the ledger: creating state entries
// for newly eligible documents, resetting the first stage's watermark for
// changed ones and flagging removals.
func (p *Pipeline) Queue(ctx context.Context, objects []driven.IndexObject) error {
	if len(p.stages) == 0 {
		return nil
	}
	first := p.stages[0].ID()
	for _, obj := range objects {
		state, err := p.State(ctx, obj.ID)
		if err != nil {
			return err
		}
		cls, err := p.h.Class(obj.Class)
		indexable := err == nil && cls.Indexed
		if !indexable && state == nil {
			continue
		}
		res, err := p.find(ctx, obj.Class, map[string]any{"_id": string(obj.ID)}, driven.FindOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(res.Docs) == 0 || !indexable {
			// Source gone, or the class stopped being indexable; either way
			// the entry drains through the removal path.
			if state != nil {
				state.Removed = true
				if err := p.putState(ctx, state); err != nil {
					return err
				}
			}
			continue
		}
		doc := res.Docs[0]
		if state == nil {
			state = &domain.DocIndexState{
				ID:          doc.ID,
				ObjectClass: doc.Class,
				Space:       doc.Space,
				Stages:      map[string]string{},
				Attributes:  map[string]any{},
			}
		}
		state.AttachedTo = doc.AttachedTo
		state.AttachedToClass = doc.AttachedToClass
		state.Space = doc.Space
		state.ModifiedOn = doc.ModifiedOn
		// Any change restarts the document at the first stage.
		state.Stages[first] = ""
		if err := p.putState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// initialize runs every stage's Initialize exactly once, before the first
// pass or queue operation reads a fingerprint.
func (p *Pipeline) initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		for _, st := range p.stages {
			if err := st.Initialize(ctx, p); err != nil {
				p.initErr = fmt.Errorf("initialize stage %s: %w", st.ID(), err)
				return
			}
		}
	})
	return p.initErr
}

// RunPass advances every stage once. With a fixed document set and no
// further mutations at most one full pass per stage is needed to reach a
// fixed point. Returns the number of documents processed.
func (p *Pipeline) RunPass(ctx context.Context) (int, error) {
	if err := p.initialize(ctx); err != nil {
		return 0, err
	}
	processed := 0
	for _, st := range p.stages {
		if p.Cancelling() {
			return processed, domain.ErrPipelineCancelled
		}
		fp := st.Fingerprint()
		stored, err := p.storedFingerprint(ctx, st.ID())
		if err != nil {
			return processed, err
		}
		if stored != fp {
			// Configuration changed: every document reprocesses this stage.
			if err := p.resetStage(ctx, st.ID()); err != nil {
				return processed, err
			}
			if err := p.storeFingerprint(ctx, st.ID(), fp); err != nil {
				return processed, err
			}
		}

		pendingStates, err := p.pending(ctx, st, fp)
		if err != nil {
			return processed, err
		}
		if len(pendingStates) > 0 {
			if err := st.Collect(ctx, pendingStates, p); err != nil {
				return processed, err
			}
			advanced, err := p.countAdvanced(ctx, st.ID(), fp, pendingStates)
			if err != nil {
				return processed, err
			}
			processed += advanced
			stageDocsProcessed.WithLabelValues(st.ID()).Add(float64(advanced))
		}
	}
	if err := p.dropRemoved(ctx); err != nil {
		return processed, err
	}
	pipelinePasses.Inc()
	return processed, nil
}

// skipDoc records a per-document stage failure. The document keeps its
// stale watermark and is retried on a later pass while the rest of the
// batch proceeds.
func (p *Pipeline) skipDoc(stageID string, id domain.ID, err error) {
	p.logger.Warn("stage failed for document, skipping this pass",
		"stage", stageID, "id", id, "error", err)
	stageDocFailures.WithLabelValues(stageID).Inc()
}

// countAdvanced reloads a collected batch and reports how many documents
// actually reached the stage's fingerprint. Skipped documents keep their
// stale watermark and do not count as progress, so a pass left with only
// failing documents reads as idle instead of spinning.
func (p *Pipeline) countAdvanced(ctx context.Context, stageID, fp string, batch []*domain.DocIndexState) (int, error) {
	n := 0
	for _, prev := range batch {
		cur, err := p.State(ctx, prev.ID)
		if err != nil {
			return n, err
		}
		if cur == nil || cur.Removed || cur.StageDone(stageID, fp) {
			n++
		}
	}
	return n, nil
}

// pending selects documents not yet caught up to the stage's fingerprint
// whose required stages are complete.
func (p *Pipeline) pending(ctx context.Context, st Stage, fp string) ([]*domain.DocIndexState, error) {
	all, err := p.allStates(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.DocIndexState
	for _, state := range all {
		if state.Removed || state.StageDone(st.ID(), fp) {
			continue
		}
		ready := true
		for _, req := range st.Require() {
			reqStage := p.stageByID(req)
			if reqStage == nil || !state.StageDone(req, reqStage.Fingerprint()) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		out = append(out, state)
		if len(out) >= p.limit {
			break
		}
	}
	return out, nil
}

// dropRemoved runs every stage's removal path over states whose source is
// gone, then deletes the ledger entries.
func (p *Pipeline) dropRemoved(ctx context.Context) error {
	all, err := p.allStates(ctx)
	if err != nil {
		return err
	}
	var gone []*domain.DocIndexState
	for _, state := range all {
		if state.Removed {
			gone = append(gone, state)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	for _, st := range p.stages {
		if err := st.Remove(ctx, gone, p); err != nil {
			p.logger.Error("stage removal failed", "stage", st.ID(), "error", err)
		}
	}
	ids := make([]domain.ID, len(gone))
	for i, state := range gone {
		ids[i] = state.ID
	}
	return p.states.Clean(ctx, domain.DomainDocIndexState, ids)
}

// stageStale flags a watermark whose stage already ran but whose inputs
// changed since. It never equals a fingerprint, so the stage reprocesses,
// while staying distinct from the empty never-ran watermark.
const stageStale = "*"

// Update advances one document's watermark for a stage and merges the
// stage's field patch, persisting the state. Stages downstream of the
// advanced one are flagged stale so they recompute from the new inputs.
func (p *Pipeline) Update(ctx context.Context, id domain.ID, stageID, stageValue string, patch map[string]any) error {
	state, err := p.State(ctx, id)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("index state %s: %w", id, domain.ErrNotFound)
	}
	if state.Stages == nil {
		state.Stages = map[string]string{}
	}
	state.Stages[stageID] = stageValue
	p.markDownstreamStale(state, stageID)
	if len(patch) > 0 {
		if state.Attributes == nil {
			state.Attributes = map[string]any{}
		}
		for k, v := range patch {
			state.Attributes[k] = v
		}
	}
	return p.putState(ctx, state)
}

// markDownstreamStale resets every stage after stageID in pass order.
// Stages that never ran keep their empty watermark; the push stage uses
// the distinction to tell a first push from a refresh.
func (p *Pipeline) markDownstreamStale(state *domain.DocIndexState, stageID string) {
	after := false
	for _, st := range p.stages {
		if st.ID() == stageID {
			after = true
			continue
		}
		if after && state.Stages[st.ID()] != "" {
			state.Stages[st.ID()] = stageStale
		}
	}
}

// Invalidate resets one document's watermark for a stage, forcing a
// reprocess on the next pass. Used by propagation rules.
func (p *Pipeline) Invalidate(ctx context.Context, id domain.ID, stageID string) error {
	state, err := p.State(ctx, id)
	if err != nil || state == nil {
		return err
	}
	if state.Stages == nil {
		state.Stages = map[string]string{}
	}
	state.Stages[stageID] = ""
	return p.putState(ctx, state)
}

// MarkRemoved flags a state whose source document no longer exists.
func (p *Pipeline) MarkRemoved(ctx context.Context, id domain.ID) error {
	state, err := p.State(ctx, id)
	if err != nil || state == nil {
		return err
	}
	state.Removed = true
	return p.putState(ctx, state)
}

// State loads one ledger entry, or nil when absent.
func (p *Pipeline) State(ctx context.Context, id domain.ID) (*domain.DocIndexState, error) {
	docs, err := p.states.Load(ctx, domain.DomainDocIndexState, []domain.ID{id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docToState(docs[0])
}

func (p *Pipeline) allStates(ctx context.Context) ([]*domain.DocIndexState, error) {
	it := p.states.Find(ctx, domain.DomainDocIndexState)
	defer it.Close()
	var out []*domain.DocIndexState
	for {
		doc, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return out, nil
		}
		if doc.Class != domain.ClassDocIndexState {
			continue
		}
		state, err := docToState(doc)
		if err != nil {
			p.logger.Warn("skipping unreadable index state", "id", doc.ID, "error", err)
			continue
		}
		out = append(out, state)
	}
}

func (p *Pipeline) putState(ctx context.Context, state *domain.DocIndexState) error {
	return p.states.Upload(ctx, domain.DomainDocIndexState, []*domain.Doc{stateToDoc(state)})
}

func (p *Pipeline) stageByID(id string) Stage {
	for _, st := range p.stages {
		if st.ID() == id {
			return st
		}
	}
	return nil
}

// Stage fingerprints persist as control documents in the state domain so a
// restart can tell whether a stage's configuration changed while down.

func fingerprintDocID(stageID string) domain.ID {
	return domain.ID("stage:" + stageID)
}

func (p *Pipeline) storedFingerprint(ctx context.Context, stageID string) (string, error) {
	docs, err := p.states.Load(ctx, domain.DomainDocIndexState, []domain.ID{fingerprintDocID(stageID)})
	if err != nil || len(docs) == 0 {
		return "", err
	}
	fp, _ := docs[0].Attributes["fingerprint"].(string)
	return fp, nil
}

func (p *Pipeline) storeFingerprint(ctx context.Context, stageID, fp string) error {
	doc := &domain.Doc{
		ID:         fingerprintDocID(stageID),
		Class:      domain.ClassDoc,
		Attributes: map[string]any{"fingerprint": fp},
	}
	return p.states.Upload(ctx, domain.DomainDocIndexState, []*domain.Doc{doc})
}

func (p *Pipeline) resetStage(ctx context.Context, stageID string) error {
	all, err := p.allStates(ctx)
	if err != nil {
		return err
	}
	for _, state := range all {
		if state.Stages[stageID] == "" {
			continue
		}
		state.Stages[stageID] = ""
		if err := p.putState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func stateToDoc(state *domain.DocIndexState) *domain.Doc {
	data, _ := json.Marshal(state)
	var attrs map[string]any
	_ = json.Unmarshal(data, &attrs)
	return &domain.Doc{
		ID:              state.ID,
		Class:           domain.ClassDocIndexState,
		Space:           state.Space,
		ModifiedOn:      state.ModifiedOn,
		AttachedTo:      state.AttachedTo,
		AttachedToClass: state.AttachedToClass,
		Attributes:      attrs,
	}
}

func docToState(doc *domain.Doc) (*domain.DocIndexState, error) {
	data, err := json.Marshal(doc.Attributes)
	if err != nil {
		return nil, err
	}
	var state domain.DocIndexState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	state.ID = doc.ID
	return &state, nil
}
