package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// chunkSize is the number of id/hash entries served per cursor page.
const chunkSize = 200

// ChunkedService serves the replication cursor protocol over the bound
// domain adapters. Backup and clone walk workspaces through this instead of
// holding adapter iterators across the wire.
type ChunkedService struct {
	adapters *Adapters

	mu      sync.Mutex
	nextIdx int
	cursors map[int]driven.DocIterator
}

// Verify interface compliance
var _ driven.ChunkedServer = (*ChunkedService)(nil)

// NewChunkedService creates a cursor server.
func NewChunkedService(adapters *Adapters) *ChunkedService {
	return &ChunkedService{adapters: adapters, nextIdx: 1, cursors: map[int]driven.DocIterator{}}
}

// LoadChunk serves one page. Passing idx 0 opens a new cursor over the
// domain; the returned idx addresses subsequent pages until Finished.
func (s *ChunkedService) LoadChunk(ctx context.Context, dom domain.Domain, idx int) (*driven.Chunk, error) {
	s.mu.Lock()
	it, ok := s.cursors[idx]
	if !ok {
		if idx != 0 {
			s.mu.Unlock()
			return nil, domain.ErrChunkNotFound
		}
		adapter, err := s.adapters.For(dom)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		it = adapter.Find(ctx, dom)
		idx = s.nextIdx
		s.nextIdx++
		s.cursors[idx] = it
	}
	s.mu.Unlock()

	chunk := &driven.Chunk{Idx: idx}
	for len(chunk.Docs) < chunkSize {
		doc, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			chunk.Finished = true
			break
		}
		data, _ := json.Marshal(doc)
		chunk.Docs = append(chunk.Docs, driven.DocInfo{
			ID:   doc.ID,
			Hash: doc.ContentHash(),
			Size: int64(len(data)),
		})
	}
	return chunk, nil
}

// CloseChunk releases a cursor.
func (s *ChunkedService) CloseChunk(ctx context.Context, idx int) error {
	s.mu.Lock()
	it, ok := s.cursors[idx]
	delete(s.cursors, idx)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return it.Close()
}

// LoadDocs bulk-loads document bodies by id.
func (s *ChunkedService) LoadDocs(ctx context.Context, dom domain.Domain, ids []domain.ID) ([]*domain.Doc, error) {
	adapter, err := s.adapters.For(dom)
	if err != nil {
		return nil, err
	}
	return adapter.Load(ctx, dom, ids)
}

// Upload replaces documents wholesale (restore path).
func (s *ChunkedService) Upload(ctx context.Context, dom domain.Domain, docs []*domain.Doc) error {
	adapter, err := s.adapters.For(dom)
	if err != nil {
		return err
	}
	return adapter.Upload(ctx, dom, docs)
}

// Clean deletes documents by id without emitting transactions.
func (s *ChunkedService) Clean(ctx context.Context, dom domain.Domain, ids []domain.ID) error {
	adapter, err := s.adapters.For(dom)
	if err != nil {
		return err
	}
	return adapter.Clean(ctx, dom, ids)
}
