// Package memory provides a map-backed DomainAdapter. It is the binding for
// transient domains and the adapter of choice in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

// Verify interface compliance
var _ driven.DomainAdapter = (*Adapter)(nil)

// Adapter implements driven.DomainAdapter over in-process maps.
type Adapter struct {
	h  *hierarchy.Hierarchy
	mu sync.RWMutex
	// docs maps domain -> id -> document
	docs map[domain.Domain]map[domain.ID]*domain.Doc
	// order keeps insertion order per domain for deterministic iteration
	order map[domain.Domain][]domain.ID
}

// New creates an empty adapter resolving storage domains through h.
func New(h *hierarchy.Hierarchy) *Adapter {
	return &Adapter{
		h:     h,
		docs:  make(map[domain.Domain]map[domain.ID]*domain.Doc),
		order: make(map[domain.Domain][]domain.ID),
	}
}

func (a *Adapter) bucket(dom domain.Domain) map[domain.ID]*domain.Doc {
	b, ok := a.docs[dom]
	if !ok {
		b = make(map[domain.ID]*domain.Doc)
		a.docs[dom] = b
	}
	return b
}

func (a *Adapter) put(dom domain.Domain, doc *domain.Doc) {
	b := a.bucket(dom)
	if _, exists := b[doc.ID]; !exists {
		a.order[dom] = append(a.order[dom], doc.ID)
	}
	b[doc.ID] = doc
}

func (a *Adapter) delete(dom domain.Domain, id domain.ID) {
	delete(a.bucket(dom), id)
	ids := a.order[dom]
	for i, existing := range ids {
		if existing == id {
			a.order[dom] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// FindAll scans the class's domain and matches documents of the class or any
// descendant against the query.
func (a *Adapter) FindAll(ctx context.Context, class domain.ClassID, query map[string]any, opts driven.FindOptions) (*driven.FindResult, error) {
	dom, err := a.h.DomainOf(class)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var docs []*domain.Doc
	for _, id := range a.order[dom] {
		doc := a.docs[dom][id]
		if doc == nil || !a.h.IsDerived(doc.Class, class) {
			continue
		}
		if Matches(doc, query) {
			docs = append(docs, doc.Clone())
		}
	}
	total := len(docs)
	if len(opts.Sort) > 0 {
		sortDocs(docs, opts.Sort)
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return &driven.FindResult{Docs: docs, Total: total}, nil
}

// Tx applies CUD transactions in order.
func (a *Adapter) Tx(ctx context.Context, txes ...*domain.Tx) ([]domain.TxResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

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
	switch tx.Kind {
	case domain.TxKindCreateDoc:
		a.put(dom, domain.DocFromCreate(tx))
	case domain.TxKindUpdateDoc:
		doc, ok := a.bucket(dom)[tx.ObjectID]
		if !ok {
			return fmt.Errorf("update %s: %w", tx.ObjectID, domain.ErrNotFound)
		}
		domain.UpdateDoc(doc, tx)
	case domain.TxKindMixin:
		doc, ok := a.bucket(dom)[tx.ObjectID]
		if !ok {
			return fmt.Errorf("mixin %s: %w", tx.ObjectID, domain.ErrNotFound)
		}
		domain.MixinDoc(doc, tx)
	case domain.TxKindRemoveDoc:
		a.delete(dom, tx.ObjectID)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedTx, tx.Kind)
	}
	return nil
}

// Load bulk-loads documents by id.
func (a *Adapter) Load(ctx context.Context, dom domain.Domain, ids []domain.ID) ([]*domain.Doc, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*domain.Doc
	for _, id := range ids {
		if doc, ok := a.bucket(dom)[id]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// Upload inserts or replaces documents wholesale.
func (a *Adapter) Upload(ctx context.Context, dom domain.Domain, docs []*domain.Doc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, doc := range docs {
		a.put(dom, doc.Clone())
	}
	return nil
}

// Clean deletes documents by id.
func (a *Adapter) Clean(ctx context.Context, dom domain.Domain, ids []domain.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.delete(dom, id)
	}
	return nil
}

// Find streams every document in a domain over a point-in-time snapshot.
func (a *Adapter) Find(ctx context.Context, dom domain.Domain) driven.DocIterator {
	a.mu.RLock()
	snapshot := make([]*domain.Doc, 0, len(a.order[dom]))
	for _, id := range a.order[dom] {
		if doc := a.docs[dom][id]; doc != nil {
			snapshot = append(snapshot, doc.Clone())
		}
	}
	a.mu.RUnlock()
	return &iterator{docs: snapshot}
}

func (a *Adapter) Close() error { return nil }

type iterator struct {
	docs []*domain.Doc
	pos  int
}

func (it *iterator) Next(ctx context.Context) (*domain.Doc, error) {
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

// Matches evaluates the query map against a document. Supported operators
// per key: direct equality, $in, $ne, $lt, $gt, $exists.
func Matches(doc *domain.Doc, query map[string]any) bool {
	for key, cond := range query {
		if !matchField(fieldValue(doc, key), cond) {
			return false
		}
	}
	return true
}

func fieldValue(doc *domain.Doc, key string) any {
	switch key {
	case "_id":
		return string(doc.ID)
	case "_class":
		return string(doc.Class)
	case "space":
		return string(doc.Space)
	case "attachedTo":
		return string(doc.AttachedTo)
	case "attachedToClass":
		return string(doc.AttachedToClass)
	case "collection":
		return doc.Collection
	case "modifiedOn":
		return doc.ModifiedOn
	}
	v, _ := doc.Attr(key)
	return v
}

func matchField(value any, cond any) bool {
	if ops, ok := cond.(map[string]any); ok {
		for op, arg := range ops {
			switch op {
			case "$in":
				if !inList(value, arg) {
					return false
				}
			case "$ne":
				if equalValues(value, arg) {
					return false
				}
			case "$lt":
				if !(toFloat(value) < toFloat(arg)) {
					return false
				}
			case "$gt":
				if !(toFloat(value) > toFloat(arg)) {
					return false
				}
			case "$exists":
				want, _ := arg.(bool)
				if (value != nil) != want {
					return false
				}
			default:
				return false
			}
		}
		return true
	}
	return equalValues(value, cond)
}

func inList(value any, arg any) bool {
	switch list := arg.(type) {
	case []any:
		for _, item := range list {
			if equalValues(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if equalValues(value, item) {
				return true
			}
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if fa, oka := numeric(a); oka {
		if fb, okb := numeric(b); okb {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toFloat(v any) float64 {
	f, _ := numeric(v)
	return f
}

// SortDocs orders documents by the given keys and directions. Exposed so
// other adapter bindings share the same sort semantics.
func SortDocs(docs []*domain.Doc, by map[string]int) {
	sortDocs(docs, by)
}

func sortDocs(docs []*domain.Doc, by map[string]int) {
	for key, dir := range by {
		key, dir := key, dir
		sort.SliceStable(docs, func(i, j int) bool {
			av, bv := fieldValue(docs[i], key), fieldValue(docs[j], key)
			var less bool
			if fa, oka := numeric(av); oka {
				fb, _ := numeric(bv)
				less = fa < fb
			} else {
				less = fmt.Sprintf("%v", av) < fmt.Sprintf("%v", bv)
			}
			if dir < 0 {
				return !less && !equalValues(av, bv)
			}
			return less
		})
	}
}
