package runtime

import (
	"io"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/pipeline"
)

// Services holds references to dynamically configurable services.
// Enrichment services (content retrieval, summarization, embeddings) are
// optional and can be swapped while the process runs; pipelines built after
// a swap pick up the new set. Thread-safe for concurrent access.
type Services struct {
	mu sync.RWMutex

	retriever  pipeline.ContentRetriever
	summarizer pipeline.Summarizer
	embedder   pipeline.Embedder
	vectors    pipeline.EmbeddingVectorStore
}

// NewServices creates a new Services registry.
func NewServices() *Services {
	return &Services{}
}

// ContentRetriever returns the current content retriever (may be nil).
func (s *Services) ContentRetriever() pipeline.ContentRetriever {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retriever
}

// Summarizer returns the current summarizer (may be nil).
func (s *Services) Summarizer() pipeline.Summarizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summarizer
}

// Embedder returns the current embedder (may be nil).
func (s *Services) Embedder() pipeline.Embedder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder
}

// VectorStore returns the current embedding vector store (may be nil).
func (s *Services) VectorStore() pipeline.EmbeddingVectorStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectors
}

// SetContentRetriever updates the content retriever.
// Closes the old service if it holds resources.
func (s *Services) SetContentRetriever(r pipeline.ContentRetriever) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeIfCloser(s.retriever)
	s.retriever = r
}

// SetSummarizer updates the summarizer.
func (s *Services) SetSummarizer(sum pipeline.Summarizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeIfCloser(s.summarizer)
	s.summarizer = sum
}

// SetEmbedder updates the embedder and its vector store together; an
// embedder without a store (or the reverse) is not a usable pair.
func (s *Services) SetEmbedder(e pipeline.Embedder, v pipeline.EmbeddingVectorStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeIfCloser(s.embedder)
	closeIfCloser(s.vectors)
	s.embedder = e
	s.vectors = v
}

// EmbeddingAvailable reports whether an embedder pair is configured.
func (s *Services) EmbeddingAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder != nil && s.vectors != nil
}

// Close shuts down all services.
func (s *Services) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeIfCloser(s.retriever)
	closeIfCloser(s.summarizer)
	closeIfCloser(s.embedder)
	closeIfCloser(s.vectors)
	s.retriever = nil
	s.summarizer = nil
	s.embedder = nil
	s.vectors = nil
	return nil
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok && c != nil {
		_ = c.Close()
	}
}
