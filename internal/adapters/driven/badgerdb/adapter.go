// Package badgerdb implements an embedded DomainAdapter on BadgerDB, used
// for single-node deployments and transient domains that must survive a
// restart.
package badgerdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/custodia-labs/docbase-core/internal/adapters/driven/memory"
	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// Verify interface compliance
var _ driven.DomainAdapter = (*Adapter)(nil)

// Adapter stores documents as JSON values keyed by domain and id.
type Adapter struct {
	db *badger.DB
	h  *hierarchy.Hierarchy
}

// Open opens the store at dir.
func Open(dir string, h *hierarchy.Hierarchy) (*Adapter, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Adapter{db: db, h: h}, nil
}

func key(dom domain.Domain, id domain.ID) []byte {
	return []byte(fmt.Sprintf("doc/%s/%s", dom, id))
}

func prefix(dom domain.Domain) []byte {
	return []byte(fmt.Sprintf("doc/%s/", dom))
}

func (a *Adapter) put(txn *badger.Txn, dom domain.Domain, doc *domain.Doc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return txn.Set(key(dom, doc.ID), data)
}

func (a *Adapter) get(txn *badger.Txn, dom domain.Domain, id domain.ID) (*domain.Doc, error) {
	item, err := txn.Get(key(dom, id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var doc domain.Doc
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// scan collects every document of a domain. Badger iteration holds the
// read transaction, so results are materialized before filtering.
func (a *Adapter) scan(dom domain.Domain) ([]*domain.Doc, error) {
	var docs []*domain.Doc
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix(dom)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var doc domain.Doc
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			docs = append(docs, &doc)
		}
		return nil
	})
	return docs, err
}

func (a *Adapter) FindAll(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	dom, err := a.h.DomainOf(class)
	if err != nil {
		return nil, err
	}
	all, err := a.scan(dom)
	if err != nil {
		return nil, err
	}
	var docs []*domain.Doc
	for _, doc := range all {
		if !a.h.IsDerived(doc.Class, class) {
			continue
		}
		if memory.Matches(doc, query) {
			docs = append(docs, doc)
		}
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

func (a *Adapter) Tx(ctx context.Context, txes ...*domain.Tx) ([]domain.TxResult, error) {
	results := make([]domain.TxResult, 0, len(txes))
	for _, tx := range txes {
		if err := a.applyOne(tx.EffectiveCUD()); err != nil {
			results = append(results, domain.TxResult{Success: false, Error: err.Error()})
			continue
		}
		results = append(results, domain.TxResult{Success: true})
	}
	return results, nil
}

func (a *Adapter) applyOne(tx *domain.Tx) error {
	dom, err := a.h.DomainOf(tx.ObjectClass)
	if err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		switch tx.Kind {
		case domain.TxKindCreateDoc:
			return a.put(txn, dom, domain.DocFromCreate(tx))
		case domain.TxKindUpdateDoc:
			doc, err := a.get(txn, dom, tx.ObjectID)
			if err != nil {
				return err
			}
			domain.UpdateDoc(doc, tx)
			return a.put(txn, dom, doc)
		case domain.TxKindMixin:
			doc, err := a.get(txn, dom, tx.ObjectID)
			if err != nil {
				return err
			}
			domain.MixinDoc(doc, tx)
			return a.put(txn, dom, doc)
		case domain.TxKindRemoveDoc:
			return txn.Delete(key(dom, tx.ObjectID))
		default:
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedTx, tx.Kind)
		}
	})
}

func (a *Adapter) Load(ctx context.Context, dom domain.Domain, ids []domain.ID) ([]*domain.Doc, error) {
	var docs []*domain.Doc
	err := a.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			doc, err := a.get(txn, dom, id)
			if err != nil {
				continue
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

func (a *Adapter) Upload(ctx context.Context, dom domain.Domain, docs []*domain.Doc) error {
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := wb.Set(key(dom, doc.ID), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (a *Adapter) Clean(ctx context.Context, dom domain.Domain, ids []domain.ID) error {
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(key(dom, id)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (a *Adapter) Find(ctx context.Context, dom domain.Domain) driven.DocIterator {
	docs, err := a.scan(dom)
	return &iterator{docs: docs, err: err}
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

type iterator struct {
	docs []*domain.Doc
	pos  int
	err  error
}

func (it *iterator) Next(ctx context.Context) (*domain.Doc, error) {
	if it.err != nil {
		return nil, it.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.docs) {
		return nil, nil
	}
	doc := it.docs[it.pos]
	it.pos++
	return doc, nil
}

func (it *iterator) Close() error { return nil }
