// Package hierarchy holds the in-memory class/mixin registry computed from
// the bootstrap model transaction list. Class derivation in this system is
// dynamic configuration data, so every "is-derived-from" question goes
// through this registry rather than a compile-time type relationship.
package hierarchy

import (
	"fmt"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

// ClassKind distinguishes plain classes from mixins.
type ClassKind string

const (
	KindClass ClassKind = "class"
	KindMixin ClassKind = "mixin"
)

// AttrType is the declared type of a class attribute. Collection-typed
// attributes cache a count of attached children and drive cascading removal.
type AttrType string

const (
	AttrValue      AttrType = "value"
	AttrCollection AttrType = "collection"
)

// Attribute is one declared attribute of a class.
type Attribute struct {
	Name string   `json:"name"`
	Type AttrType `json:"type"`
	// Of is the attached-document class for collection attributes.
	Of domain.ClassID `json:"of,omitempty"`
	// FullText marks the attribute for extraction by the indexing pipeline.
	FullText bool `json:"fullText,omitempty"`
}

// Class is one model class descriptor.
type Class struct {
	ID      domain.ClassID
	Extends domain.ClassID
	Kind    ClassKind
	// Domain is the storage partition; empty inherits the ancestor's.
	Domain     domain.Domain
	Attributes map[string]Attribute

	// Indexed includes documents of this class in the full-text pipeline.
	Indexed bool
	// ParentPropagate forces a reindex of the parent document whenever a
	// document of this class changes.
	ParentPropagate bool
	// Propagate lists attached-document classes that must be force-reindexed
	// when a document of this class changes.
	Propagate []domain.ClassID
}

// Hierarchy answers ancestor/descendant/domain queries over the class set.
type Hierarchy struct {
	classes map[domain.ClassID]*Class
	order   []domain.ClassID
}

// New builds a registry from class descriptors in declaration order.
func New(classes ...*Class) *Hierarchy {
	h := &Hierarchy{classes: make(map[domain.ClassID]*Class, len(classes))}
	for _, c := range classes {
		h.add(c)
	}
	return h
}

func (h *Hierarchy) add(c *Class) {
	if c.Kind == "" {
		c.Kind = KindClass
	}
	if _, ok := h.classes[c.ID]; !ok {
		h.order = append(h.order, c.ID)
	}
	h.classes[c.ID] = c
}

// FromModel rebuilds a registry from the bootstrap model transaction list.
// Only createDoc transactions targeting the class class contribute; anything
// else in the model log is ignored here.
func FromModel(txes []*domain.Tx) *Hierarchy {
	h := New()
	for _, tx := range txes {
		if tx.Kind != domain.TxKindCreateDoc || tx.ObjectClass != domain.ClassClass {
			continue
		}
		h.add(classFromAttributes(domain.ClassID(tx.ObjectID), tx.Attributes))
	}
	return h
}

func classFromAttributes(id domain.ClassID, attrs map[string]any) *Class {
	c := &Class{ID: id, Kind: KindClass, Attributes: map[string]Attribute{}}
	if v, ok := attrs["extends"].(string); ok {
		c.Extends = domain.ClassID(v)
	}
	if v, ok := attrs["kind"].(string); ok {
		c.Kind = ClassKind(v)
	}
	if v, ok := attrs["domain"].(string); ok {
		c.Domain = domain.Domain(v)
	}
	if v, ok := attrs["indexed"].(bool); ok {
		c.Indexed = v
	}
	if v, ok := attrs["parentPropagate"].(bool); ok {
		c.ParentPropagate = v
	}
	if list, ok := attrs["propagate"].([]any); ok {
		for _, p := range list {
			if s, ok := p.(string); ok {
				c.Propagate = append(c.Propagate, domain.ClassID(s))
			}
		}
	}
	if decl, ok := attrs["attributes"].(map[string]any); ok {
		for name, raw := range decl {
			a := Attribute{Name: name, Type: AttrValue}
			if spec, ok := raw.(map[string]any); ok {
				if t, ok := spec["type"].(string); ok {
					a.Type = AttrType(t)
				}
				if of, ok := spec["of"].(string); ok {
					a.Of = domain.ClassID(of)
				}
				if ft, ok := spec["fullText"].(bool); ok {
					a.FullText = ft
				}
			}
			c.Attributes[name] = a
		}
	}
	return c
}

// Extend folds further model transactions into the registry. Model
// bookkeeping calls this as class-creating transactions land at runtime.
func (h *Hierarchy) Extend(txes ...*domain.Tx) {
	for _, tx := range txes {
		if tx.Kind == domain.TxKindCreateDoc && tx.ObjectClass == domain.ClassClass {
			h.add(classFromAttributes(domain.ClassID(tx.ObjectID), tx.Attributes))
		}
	}
}

// Class returns the descriptor for a class id.
func (h *Hierarchy) Class(id domain.ClassID) (*Class, error) {
	c, ok := h.classes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrClassNotFound, id)
	}
	return c, nil
}

// Has reports whether the class is registered.
func (h *Hierarchy) Has(id domain.ClassID) bool {
	_, ok := h.classes[id]
	return ok
}

// IsDerived reports whether class is base or extends it transitively.
func (h *Hierarchy) IsDerived(class, base domain.ClassID) bool {
	for class != "" {
		if class == base {
			return true
		}
		c, ok := h.classes[class]
		if !ok {
			return false
		}
		class = c.Extends
	}
	return false
}

// Ancestors returns the extension chain starting at the class itself.
func (h *Hierarchy) Ancestors(class domain.ClassID) []domain.ClassID {
	var out []domain.ClassID
	for class != "" {
		c, ok := h.classes[class]
		if !ok {
			break
		}
		out = append(out, class)
		class = c.Extends
	}
	return out
}

// Descendants returns every registered class derived from base, in
// declaration order, including base itself when registered.
func (h *Hierarchy) Descendants(base domain.ClassID) []domain.ClassID {
	var out []domain.ClassID
	for _, id := range h.order {
		if h.IsDerived(id, base) {
			out = append(out, id)
		}
	}
	return out
}

// DomainOf resolves the storage domain for a class by walking the extension
// chain until a domain declaration is found.
func (h *Hierarchy) DomainOf(class domain.ClassID) (domain.Domain, error) {
	for _, id := range h.Ancestors(class) {
		if c := h.classes[id]; c.Domain != "" {
			return c.Domain, nil
		}
	}
	return "", fmt.Errorf("no domain declared for class %s: %w", class, domain.ErrClassNotFound)
}

// IsMixin reports whether the class is declared with mixin kind.
func (h *Hierarchy) IsMixin(class domain.ClassID) bool {
	c, ok := h.classes[class]
	return ok && c.Kind == KindMixin
}

// AttributesOf returns the effective attribute set of a class: its own
// declarations unioned with every ancestor's. Closer declarations win.
func (h *Hierarchy) AttributesOf(class domain.ClassID) map[string]Attribute {
	out := map[string]Attribute{}
	chain := h.Ancestors(class)
	for i := len(chain) - 1; i >= 0; i-- {
		for name, a := range h.classes[chain[i]].Attributes {
			out[name] = a
		}
	}
	return out
}

// CollectionsOf returns the collection-typed attributes reachable from the
// class, ancestors included.
func (h *Hierarchy) CollectionsOf(class domain.ClassID) []Attribute {
	var out []Attribute
	for _, a := range h.AttributesOf(class) {
		if a.Type == AttrCollection {
			out = append(out, a)
		}
	}
	return out
}

// AttributeOwner returns the class in the extension chain (or among the
// applied mixins) that declares the attribute. Used to decide whether a
// derived counter update must be a mixin transaction.
func (h *Hierarchy) AttributeOwner(class domain.ClassID, name string, mixins []domain.ClassID) (domain.ClassID, bool) {
	for _, id := range h.Ancestors(class) {
		if _, ok := h.classes[id].Attributes[name]; ok {
			return id, true
		}
	}
	for _, m := range mixins {
		c, ok := h.classes[m]
		if !ok {
			continue
		}
		if _, ok := c.Attributes[name]; ok {
			return m, true
		}
	}
	return "", false
}

// MixinCollections returns the collection attributes declared by mixins
// actually applied on the concrete document instance.
func (h *Hierarchy) MixinCollections(doc *domain.Doc) []Attribute {
	var out []Attribute
	for mixin := range doc.Mixins {
		c, ok := h.classes[mixin]
		if !ok || c.Kind != KindMixin {
			continue
		}
		for _, a := range c.Attributes {
			if a.Type == AttrCollection {
				out = append(out, a)
			}
		}
	}
	return out
}

// Classes returns every registered class in declaration order.
func (h *Hierarchy) Classes() []*Class {
	out := make([]*Class, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.classes[id])
	}
	return out
}
