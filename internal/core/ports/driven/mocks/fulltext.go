package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// MockFullTextAdapter is an in-memory full-text index for tests. Search is a
// case-insensitive substring match over the stringified field values.
type MockFullTextAdapter struct {
	mu      sync.RWMutex
	docs    map[domain.ID]*driven.IndexedDoc
	updates int
}

// NewMockFullTextAdapter creates a new MockFullTextAdapter.
func NewMockFullTextAdapter() *MockFullTextAdapter {
	return &MockFullTextAdapter{docs: make(map[domain.ID]*driven.IndexedDoc)}
}

func (m *MockFullTextAdapter) Index(ctx context.Context, docs []*driven.IndexedDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		m.docs[doc.ID] = doc
	}
	return nil
}

func (m *MockFullTextAdapter) Update(ctx context.Context, id domain.ID, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		doc = &driven.IndexedDoc{ID: id, Fields: map[string]any{}}
		m.docs[id] = doc
	}
	for k, v := range fields {
		doc.Fields[k] = v
	}
	m.updates++
	return nil
}

func (m *MockFullTextAdapter) Remove(ctx context.Context, ids []domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

func (m *MockFullTextAdapter) Search(ctx context.Context, classes []domain.ClassID, search string, limit int) ([]domain.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(search)
	var out []domain.ID
	for id, doc := range m.docs {
		if len(classes) > 0 && !containsClass(classes, doc.Class) {
			continue
		}
		for _, v := range doc.Fields {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
				out = append(out, id)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockFullTextAdapter) Close() error { return nil }

// Indexed returns the indexed document for inspection in tests.
func (m *MockFullTextAdapter) Indexed(id domain.ID) *driven.IndexedDoc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docs[id]
}

// Updates returns how many field-patch calls the index received.
func (m *MockFullTextAdapter) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// Count returns the number of indexed documents.
func (m *MockFullTextAdapter) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func containsClass(classes []domain.ClassID, c domain.ClassID) bool {
	for _, cl := range classes {
		if cl == c {
			return true
		}
	}
	return false
}
