package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/custodia-labs/docbase-core/internal/adapters/driven/memory"
	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// Verify interface compliance
var _ driven.DomainAdapter = (*Adapter)(nil)

// Adapter implements driven.DomainAdapter on PostgreSQL. The full document
// body lives in a jsonb column; the class filter is pushed into SQL and the
// remaining query operators are evaluated on the loaded rows.
type Adapter struct {
	db *DB
	h  *hierarchy.Hierarchy
}

// NewAdapter creates an adapter resolving storage domains through h.
func NewAdapter(db *DB, h *hierarchy.Hierarchy) *Adapter {
	return &Adapter{db: db, h: h}
}

const upsertQuery = `
	INSERT INTO docs (dom, id, class, space, attached_to, attached_to_class, collection, modified_on, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (dom, id) DO UPDATE SET
		class = EXCLUDED.class,
		space = EXCLUDED.space,
		attached_to = EXCLUDED.attached_to,
		attached_to_class = EXCLUDED.attached_to_class,
		collection = EXCLUDED.collection,
		modified_on = EXCLUDED.modified_on,
		data = EXCLUDED.data
`

func upsertArgs(dom domain.Domain, doc *domain.Doc) ([]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return []any{
		string(dom),
		string(doc.ID),
		string(doc.Class),
		string(doc.Space),
		string(doc.AttachedTo),
		string(doc.AttachedToClass),
		doc.Collection,
		doc.ModifiedOn,
		data,
	}, nil
}

func (a *Adapter) upsert(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, dom domain.Domain, doc *domain.Doc) error {
	args, err := upsertArgs(dom, doc)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, upsertQuery, args...)
	return err
}

func (a *Adapter) load(ctx context.Context, dom domain.Domain, id domain.ID) (*domain.Doc, error) {
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT data FROM docs WHERE dom = $1 AND id = $2`, string(dom), string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var doc domain.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindAll loads the class's candidate rows and evaluates the query the same
// way the in-memory adapter does, so operator semantics stay identical
// across bindings.
func (a *Adapter) FindAll(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	dom, err := a.h.DomainOf(class)
	if err != nil {
		return nil, err
	}
	classes := make([]string, 0, 8)
	for _, id := range a.h.Descendants(class) {
		classes = append(classes, string(id))
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT data FROM docs WHERE dom = $1 AND class = ANY($2) ORDER BY modified_on`,
		string(dom), pq.Array(classes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.Doc
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc domain.Doc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if memory.Matches(&doc, query) {
			docs = append(docs, &doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	total := len(docs)
	if len(opts.Sort) > 0 {
		memory.SortDocs(docs, opts.Sort)
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return &driven.FindResult{Docs: docs, Total: total}, nil
}

// Tx applies CUD transactions in order, one result slot per transaction.
func (a *Adapter) Tx(ctx context.Context, txes ...*domain.Tx) ([]domain.TxResult, error) {
	results := make([]domain.TxResult, 0, len(txes))
	for _, tx := range txes {
		if err := a.applyOne(ctx, tx.EffectiveCUD()); err != nil {
			results = append(results, domain.TxResult{Success: false, Error: err.Error()})
			continue
		}
		results = append(results, domain.TxResult{Success: true})
	}
	return results, nil
}

func (a *Adapter) applyOne(ctx context.Context, tx *domain.Tx) error {
	dom, err := a.h.DomainOf(tx.ObjectClass)
	if err != nil {
		return err
	}
	switch tx.Kind {
	case domain.TxKindCreateDoc:
		return a.upsert(ctx, a.db, dom, domain.DocFromCreate(tx))
	case domain.TxKindUpdateDoc:
		doc, err := a.load(ctx, dom, tx.ObjectID)
		if err != nil {
			return err
		}
		domain.UpdateDoc(doc, tx)
		return a.upsert(ctx, a.db, dom, doc)
	case domain.TxKindMixin:
		doc, err := a.load(ctx, dom, tx.ObjectID)
		if err != nil {
			return err
		}
		domain.MixinDoc(doc, tx)
		return a.upsert(ctx, a.db, dom, doc)
	case domain.TxKindRemoveDoc:
		_, err := a.db.ExecContext(ctx,
			`DELETE FROM docs WHERE dom = $1 AND id = $2`, string(dom), string(tx.ObjectID))
		return err
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedTx, tx.Kind)
	}
}

// Load bulk-loads documents by id. Missing ids are skipped.
func (a *Adapter) Load(ctx context.Context, dom domain.Domain, ids []domain.ID) ([]*domain.Doc, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT data FROM docs WHERE dom = $1 AND id = ANY($2)`, string(dom), pq.Array(strIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.Doc
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc domain.Doc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// Upload inserts or replaces documents wholesale within one transaction.
func (a *Adapter) Upload(ctx context.Context, dom domain.Domain, docs []*domain.Doc) error {
	if len(docs) == 0 {
		return nil
	}
	return a.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertQuery)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, doc := range docs {
			args, err := upsertArgs(dom, doc)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clean deletes documents by id.
func (a *Adapter) Clean(ctx context.Context, dom domain.Domain, ids []domain.ID) error {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM docs WHERE dom = $1 AND id = ANY($2)`, string(dom), pq.Array(strIDs))
	return err
}

// Find streams every document in a domain in insertion-stable id order.
func (a *Adapter) Find(ctx context.Context, dom domain.Domain) driven.DocIterator {
	rows, err := a.db.QueryContext(ctx,
		`SELECT data FROM docs WHERE dom = $1 ORDER BY id`, string(dom))
	return &iterator{rows: rows, err: err}
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

type iterator struct {
	rows *sql.Rows
	err  error
}

func (it *iterator) Next(ctx context.Context) (*domain.Doc, error) {
	if it.err != nil {
		return nil, it.err
	}
	if !it.rows.Next() {
		return nil, it.rows.Err()
	}
	var data []byte
	if err := it.rows.Scan(&data); err != nil {
		return nil, err
	}
	var doc domain.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (it *iterator) Close() error {
	if it.rows == nil {
		return nil
	}
	return it.rows.Close()
}
