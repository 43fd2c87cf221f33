// Package vespa implements the full-text boundary against a Vespa cluster.
package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.FullTextAdapter = (*FullText)(nil)

// FullText implements driven.FullTextAdapter using Vespa's document and
// query APIs.
type FullText struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds Vespa connection configuration.
type Config struct {
	// BaseURL is the Vespa endpoint (e.g., http://localhost:8080)
	BaseURL string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// NewFullText creates a Vespa-backed full-text adapter.
func NewFullText(cfg Config) *FullText {
	return &FullText{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// vespaDocument is the document API envelope.
type vespaDocument struct {
	Fields vespaFields `json:"fields"`
}

type vespaFields struct {
	ID         string         `json:"id"`
	Class      string         `json:"class"`
	Space      string         `json:"space"`
	AttachedTo string         `json:"attached_to,omitempty"`
	Content    map[string]any `json:"content"`
}

// Index pushes or replaces documents in the search index.
func (f *FullText) Index(ctx context.Context, docs []*driven.IndexedDoc) error {
	for _, doc := range docs {
		if err := f.indexOne(ctx, doc); err != nil {
			return fmt.Errorf("failed to index %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (f *FullText) indexOne(ctx context.Context, doc *driven.IndexedDoc) error {
	envelope := vespaDocument{
		Fields: vespaFields{
			ID:         string(doc.ID),
			Class:      string(doc.Class),
			Space:      string(doc.Space),
			AttachedTo: string(doc.AttachedTo),
			Content:    doc.Fields,
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Vespa document API: POST /document/v1/{namespace}/{doctype}/docid/{docid}
	url := fmt.Sprintf("%s/document/v1/docbase/doc/docid/%s", f.baseURL, doc.ID)
	return f.send(ctx, http.MethodPost, url, body, nil)
}

// Update merges a field patch into an already indexed document.
func (f *FullText) Update(ctx context.Context, id domain.ID, fields map[string]any) error {
	assign := map[string]any{}
	for k, v := range fields {
		assign["content."+k] = map[string]any{"assign": v}
	}
	body, err := json.Marshal(map[string]any{"fields": assign})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/document/v1/docbase/doc/docid/%s", f.baseURL, id)
	return f.send(ctx, http.MethodPut, url, body, nil)
}

// Remove deletes documents from the index.
func (f *FullText) Remove(ctx context.Context, ids []domain.ID) error {
	for _, id := range ids {
		url := fmt.Sprintf("%s/document/v1/docbase/doc/docid/%s", f.baseURL, id)
		if err := f.send(ctx, http.MethodDelete, url, nil, nil); err != nil {
			return fmt.Errorf("failed to remove %s: %w", id, err)
		}
	}
	return nil
}

// searchResponse is the subset of Vespa's query response we read.
type searchResponse struct {
	Root struct {
		Children []struct {
			Fields struct {
				ID string `json:"id"`
			} `json:"fields"`
		} `json:"children"`
	} `json:"root"`
}

// Search returns ids of matching documents, best first.
func (f *FullText) Search(ctx context.Context, classes []domain.ClassID, search string, limit int) ([]domain.ID, error) {
	yql := `select id from doc where userInput(@query)`
	if len(classes) > 0 {
		quoted := make([]string, len(classes))
		for i, c := range classes {
			quoted[i] = fmt.Sprintf("class contains %q", string(c))
		}
		yql += " and (" + strings.Join(quoted, " or ") + ")"
	}
	searchReq := map[string]any{
		"yql":             yql,
		"query":           search,
		"hits":            limit,
		"ranking.profile": "bm25",
	}
	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := f.send(ctx, http.MethodPost, f.baseURL+"/search/", body, &parsed); err != nil {
		return nil, err
	}
	ids := make([]domain.ID, 0, len(parsed.Root.Children))
	for _, child := range parsed.Root.Children {
		ids = append(ids, domain.ID(child.Fields.ID))
	}
	return ids, nil
}

func (f *FullText) send(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vespa request failed: %s - %s", resp.Status, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (f *FullText) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}
