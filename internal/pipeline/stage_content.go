package pipeline

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

const StageContent = "content"

// ContentRetriever fetches the textual body of a blob-backed document.
// The returned string is ready for indexing; binary formats have been
// converted upstream.
type ContentRetriever interface {
	Retrieve(ctx context.Context, id domain.ID, class domain.ClassID) (string, bool, error)
}

// ContentStage attaches extracted blob content to the index state. A nil
// retriever makes the stage a pass-through so deployments without blob
// extraction still converge.
type ContentStage struct {
	retriever ContentRetriever
}

func NewContentStage(retriever ContentRetriever) *ContentStage {
	return &ContentStage{retriever: retriever}
}

var _ Stage = (*ContentStage)(nil)

func (s *ContentStage) ID() string          { return StageContent }
func (s *ContentStage) Require() []string   { return []string{StageFields} }
func (s *ContentStage) Fingerprint() string { return "content/v1" }

func (s *ContentStage) Initialize(ctx context.Context, p *Pipeline) error { return nil }

func (s *ContentStage) Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	for _, state := range states {
		if p.Cancelling() {
			return domain.ErrPipelineCancelled
		}
		if err := s.collectOne(ctx, state, p); err != nil {
			p.skipDoc(StageContent, state.ID, err)
		}
	}
	return nil
}

func (s *ContentStage) collectOne(ctx context.Context, state *domain.DocIndexState, p *Pipeline) error {
	var patch map[string]any
	if s.retriever != nil {
		text, ok, err := s.retriever.Retrieve(ctx, state.ID, state.ObjectClass)
		if err != nil {
			// A broken blob must not wedge the document forever; index
			// what we have and move on.
			p.logger.Warn("content retrieval failed", "id", state.ID, "error", err)
		} else if ok {
			patch = map[string]any{"content": text}
		}
	}
	return p.Update(ctx, state.ID, StageContent, s.Fingerprint(), patch)
}

func (s *ContentStage) Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	return nil
}
