package driven

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// FindOptions tunes a FindAll call.
type FindOptions struct {
	// Limit caps the number of returned documents; zero means no cap.
	Limit int
	// Sort maps attribute name to direction (1 ascending, -1 descending).
	Sort map[string]int
}

// FindResult is the result of a FindAll call.
type FindResult struct {
	Docs  []*domain.Doc
	Total int
}

// DocIterator streams documents out of a domain. Next returns nil when the
// stream is exhausted.
type DocIterator interface {
	Next(ctx context.Context) (*domain.Doc, error)
	Close() error
}

// DomainAdapter is the uniform per-storage-domain contract the engine
// consumes. Concrete bindings (SQL, embedded KV, in-memory) live under
// internal/adapters/driven.
type DomainAdapter interface {
	// FindAll queries documents of a class (descendants included) matching
	// the query map.
	FindAll(ctx context.Context, class domain.ClassID, query map[string]any, opts FindOptions) (*FindResult, error)

	// Tx applies CUD transactions in order, one result slot per transaction.
	Tx(ctx context.Context, txes ...*domain.Tx) ([]domain.TxResult, error)

	// Load bulk-loads documents by id from a domain.
	Load(ctx context.Context, dom domain.Domain, ids []domain.ID) ([]*domain.Doc, error)

	// Upload inserts or replaces documents wholesale (restore path).
	Upload(ctx context.Context, dom domain.Domain, docs []*domain.Doc) error

	// Clean deletes documents by id without emitting transactions.
	Clean(ctx context.Context, dom domain.Domain, ids []domain.ID) error

	// Find streams every document in a domain.
	Find(ctx context.Context, dom domain.Domain) DocIterator

	Close() error
}
