package pipeline

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

const StageFullText = "fulltext"

// FullTextStage pushes the accumulated state attributes into the search
// engine. It is the only stage with an external side effect that must be
// undone on removal.
type FullTextStage struct {
	fulltext driven.FullTextAdapter
}

func NewFullTextStage(fulltext driven.FullTextAdapter) *FullTextStage {
	return &FullTextStage{fulltext: fulltext}
}

var _ Stage = (*FullTextStage)(nil)

func (s *FullTextStage) ID() string          { return StageFullText }
func (s *FullTextStage) Require() []string   { return []string{StageSummary} }
func (s *FullTextStage) Fingerprint() string { return "fulltext/v1" }

func (s *FullTextStage) Initialize(ctx context.Context, p *Pipeline) error { return nil }

func (s *FullTextStage) Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	for _, state := range states {
		if p.Cancelling() {
			return domain.ErrPipelineCancelled
		}
		if err := s.collectOne(ctx, state, p); err != nil {
			p.skipDoc(StageFullText, state.ID, err)
		}
	}
	return nil
}

func (s *FullTextStage) collectOne(ctx context.Context, state *domain.DocIndexState, p *Pipeline) error {
	fields := make(map[string]any, len(state.Attributes))
	for k, v := range state.Attributes {
		fields[k] = v
	}
	// A document this stage already pushed is patched in place; a
	// fingerprint change clears the watermark and forces a full push.
	var err error
	if state.Stages[StageFullText] != "" {
		err = s.fulltext.Update(ctx, state.ID, fields)
	} else {
		err = s.fulltext.Index(ctx, []*driven.IndexedDoc{{
			ID:         state.ID,
			Class:      state.ObjectClass,
			Space:      state.Space,
			AttachedTo: state.AttachedTo,
			Fields:     fields,
		}})
	}
	if err != nil {
		return err
	}
	return p.Update(ctx, state.ID, StageFullText, s.Fingerprint(), nil)
}

func (s *FullTextStage) Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	ids := make([]domain.ID, len(states))
	for i, state := range states {
		ids[i] = state.ID
	}
	return s.fulltext.Remove(ctx, ids)
}
