package runtime

import (
	"context"
	"testing"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// mockEmbedder is a mock implementation for testing
type mockEmbedder struct {
	closed bool
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (m *mockEmbedder) Close() error {
	m.closed = true
	return nil
}

// mockVectorStore is a mock implementation for testing
type mockVectorStore struct{}

func (m *mockVectorStore) PutVector(ctx context.Context, id domain.ID, vector []float32) error {
	return nil
}

func (m *mockVectorStore) DeleteVector(ctx context.Context, ids []domain.ID) error {
	return nil
}

// mockSummarizer is a mock implementation for testing
type mockSummarizer struct{}

func (m *mockSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return text, nil
}

func TestServices_EmbedderLifecycle(t *testing.T) {
	s := NewServices()

	if s.EmbeddingAvailable() {
		t.Error("expected embedding unavailable on a fresh registry")
	}

	first := &mockEmbedder{}
	s.SetEmbedder(first, &mockVectorStore{})

	if !s.EmbeddingAvailable() {
		t.Error("expected embedding available after SetEmbedder")
	}
	if s.Embedder() != first {
		t.Error("expected Embedder to return the registered service")
	}

	// Replacing closes the old service
	second := &mockEmbedder{}
	s.SetEmbedder(second, &mockVectorStore{})

	if !first.closed {
		t.Error("expected old embedder to be closed on replacement")
	}
	if s.Embedder() != second {
		t.Error("expected Embedder to return the replacement")
	}
}

func TestServices_SummarizerSwap(t *testing.T) {
	s := NewServices()

	if s.Summarizer() != nil {
		t.Error("expected no summarizer on a fresh registry")
	}

	sum := &mockSummarizer{}
	s.SetSummarizer(sum)

	if s.Summarizer() != sum {
		t.Error("expected Summarizer to return the registered service")
	}

	s.SetSummarizer(nil)
	if s.Summarizer() != nil {
		t.Error("expected Summarizer to be nil after clearing")
	}
}

func TestServices_Close(t *testing.T) {
	s := NewServices()
	emb := &mockEmbedder{}
	s.SetEmbedder(emb, &mockVectorStore{})
	s.SetSummarizer(&mockSummarizer{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !emb.closed {
		t.Error("expected embedder closed on registry Close")
	}
	if s.Embedder() != nil || s.Summarizer() != nil || s.VectorStore() != nil {
		t.Error("expected all services cleared after Close")
	}
	if s.EmbeddingAvailable() {
		t.Error("expected embedding unavailable after Close")
	}
}
