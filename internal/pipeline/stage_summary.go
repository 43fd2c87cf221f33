package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

const StageSummary = "summary"

// Summarizer condenses accumulated document text into a shorter form
// suitable for embedding or preview. Implementations may call external
// services; errors abort the batch and the pass retries later.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// SummaryStage builds one combined text per document from the field and
// content attributes, optionally condensed by a Summarizer. The result is
// kept in memory for same-pass consumers and in the state for restarts.
type SummaryStage struct {
	summarizer Summarizer

	mu   sync.Mutex
	last map[domain.ID]string
}

func NewSummaryStage(summarizer Summarizer) *SummaryStage {
	return &SummaryStage{summarizer: summarizer, last: map[domain.ID]string{}}
}

var _ Stage = (*SummaryStage)(nil)

func (s *SummaryStage) ID() string        { return StageSummary }
func (s *SummaryStage) Require() []string { return []string{StageContent, StageCollaborators} }

func (s *SummaryStage) Fingerprint() string {
	if s.summarizer == nil {
		return "summary/plain"
	}
	return "summary/v1"
}

func (s *SummaryStage) Initialize(ctx context.Context, p *Pipeline) error { return nil }

func (s *SummaryStage) Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	for _, state := range states {
		if p.Cancelling() {
			return domain.ErrPipelineCancelled
		}
		if err := s.collectOne(ctx, state, p); err != nil {
			p.skipDoc(StageSummary, state.ID, err)
		}
	}
	return nil
}

func (s *SummaryStage) collectOne(ctx context.Context, state *domain.DocIndexState, p *Pipeline) error {
	text := combinedText(state)
	if s.summarizer != nil && text != "" {
		condensed, err := s.summarizer.Summarize(ctx, text)
		if err != nil {
			return fmt.Errorf("summarize %s: %w", state.ID, err)
		}
		text = condensed
	}
	s.mu.Lock()
	s.last[state.ID] = text
	s.mu.Unlock()
	var patch map[string]any
	if text != "" {
		patch = map[string]any{"summary": text}
	}
	return p.Update(ctx, state.ID, StageSummary, s.Fingerprint(), patch)
}

// Summary returns the most recent summary produced for a document, falling
// back to the persisted state when this process has not summarized it.
func (s *SummaryStage) Summary(state *domain.DocIndexState) string {
	s.mu.Lock()
	text, ok := s.last[state.ID]
	s.mu.Unlock()
	if ok {
		return text
	}
	if v, ok := state.Attributes["summary"].(string); ok {
		return v
	}
	return ""
}

func (s *SummaryStage) Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	s.mu.Lock()
	for _, state := range states {
		delete(s.last, state.ID)
	}
	s.mu.Unlock()
	return nil
}

// combinedText concatenates the string-valued attributes accumulated by
// earlier stages in a stable key order.
func combinedText(state *domain.DocIndexState) string {
	keys := make([]string, 0, len(state.Attributes))
	for k := range state.Attributes {
		if k == "summary" || k == "collaborators" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if v, ok := state.Attributes[k].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}
