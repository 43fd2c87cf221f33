package driven

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// IndexedDoc is the unit pushed to the external full-text index by the
// push-to-index stage.
type IndexedDoc struct {
	ID         domain.ID      `json:"id"`
	Class      domain.ClassID `json:"class"`
	Space      domain.ID      `json:"space"`
	AttachedTo domain.ID      `json:"attachedTo,omitempty"`
	Fields     map[string]any `json:"fields"`
}

// FullTextAdapter is the search-index boundary. Queries carrying $search go
// through this path instead of the plain domain adapters.
type FullTextAdapter interface {
	// Index pushes or replaces documents in the search index.
	Index(ctx context.Context, docs []*IndexedDoc) error

	// Update merges a field patch into an already indexed document.
	Update(ctx context.Context, id domain.ID, fields map[string]any) error

	// Remove deletes documents from the index.
	Remove(ctx context.Context, ids []domain.ID) error

	// Search returns ids of matching documents, best first.
	Search(ctx context.Context, classes []domain.ClassID, search string, limit int) ([]domain.ID, error)

	Close() error
}
