package driven

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// DocInfo is one entry of a replication chunk: enough to diff a document
// against a digest without fetching its body.
type DocInfo struct {
	ID   domain.ID `json:"id"`
	Hash string    `json:"hash"`
	Size int64     `json:"size"`
}

// Chunk is one page of the replication cursor protocol.
type Chunk struct {
	Idx      int       `json:"idx"`
	Docs     []DocInfo `json:"docs"`
	Finished bool      `json:"finished"`
}

// ChunkedServer is the cursor protocol backup and clone walk to stream a
// workspace's id/hash pairs and document bodies. Passing idx 0 to LoadChunk
// opens a new cursor; the returned idx addresses subsequent pages and must
// be released with CloseChunk.
type ChunkedServer interface {
	LoadChunk(ctx context.Context, dom domain.Domain, idx int) (*Chunk, error)
	CloseChunk(ctx context.Context, idx int) error
	LoadDocs(ctx context.Context, dom domain.Domain, ids []domain.ID) ([]*domain.Doc, error)
	Upload(ctx context.Context, dom domain.Domain, docs []*domain.Doc) error
	Clean(ctx context.Context, dom domain.Domain, ids []domain.ID) error
}
