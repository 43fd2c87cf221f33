package pipeline

import (
	"context"
	"fmt"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

const StageEmbeddings = "embeddings"

// Embedder turns text into a dense vector. Implementations call an
// inference service; nil disables the stage's work without removing it
// from the pass order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingVectorStore receives finished vectors, usually the full-text
// engine's vector field.
type EmbeddingVectorStore interface {
	PutVector(ctx context.Context, id domain.ID, vector []float32) error
	DeleteVector(ctx context.Context, ids []domain.ID) error
}

// EmbeddingsStage vectorizes the summary produced upstream. It consumes
// the summary stage's output directly to avoid re-reading state text.
type EmbeddingsStage struct {
	embedder Embedder
	store    EmbeddingVectorStore
	summary  *SummaryStage
	after    []string
}

// NewEmbeddingsStage builds the vectorization stage. Extra stage ids in
// after gate it behind stages beyond the summary, typically the search
// push when one is configured.
func NewEmbeddingsStage(embedder Embedder, store EmbeddingVectorStore, summary *SummaryStage, after ...string) *EmbeddingsStage {
	return &EmbeddingsStage{embedder: embedder, store: store, summary: summary, after: after}
}

var _ Stage = (*EmbeddingsStage)(nil)

func (s *EmbeddingsStage) ID() string        { return StageEmbeddings }
func (s *EmbeddingsStage) Require() []string { return append([]string{StageSummary}, s.after...) }

func (s *EmbeddingsStage) Fingerprint() string {
	if s.embedder == nil || s.store == nil {
		return "embeddings/disabled"
	}
	return "embeddings/v1"
}

func (s *EmbeddingsStage) Initialize(ctx context.Context, p *Pipeline) error { return nil }

func (s *EmbeddingsStage) Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	for _, state := range states {
		if p.Cancelling() {
			return domain.ErrPipelineCancelled
		}
		if err := s.collectOne(ctx, state, p); err != nil {
			p.skipDoc(StageEmbeddings, state.ID, err)
		}
	}
	return nil
}

func (s *EmbeddingsStage) collectOne(ctx context.Context, state *domain.DocIndexState, p *Pipeline) error {
	if s.embedder != nil && s.store != nil {
		text := s.summary.Summary(state)
		if text != "" {
			vector, err := s.embedder.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", state.ID, err)
			}
			if err := s.store.PutVector(ctx, state.ID, vector); err != nil {
				return err
			}
		}
	}
	return p.Update(ctx, state.ID, StageEmbeddings, s.Fingerprint(), nil)
}

func (s *EmbeddingsStage) Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	if s.store == nil {
		return nil
	}
	ids := make([]domain.ID, len(states))
	for i, state := range states {
		ids[i] = state.ID
	}
	return s.store.DeleteVector(ctx, ids)
}
