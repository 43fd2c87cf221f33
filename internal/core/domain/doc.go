package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ID identifies a document, transaction or space.
type ID string

// ClassID references a class in the model. Class derivation is configuration
// data resolved through the hierarchy registry, not a Go type relationship.
type ClassID string

// Domain names a storage partition. Each domain is bound to exactly one
// adapter instance at configuration time.
type Domain string

// Built-in domains.
const (
	DomainTx            Domain = "tx"
	DomainModel         Domain = "model"
	DomainTransient     Domain = "transient"
	DomainBlob          Domain = "blob"
	DomainFullTextBlob  Domain = "fulltext-blob"
	DomainDocIndexState Domain = "doc-index-state"
)

// Core class identifiers. These are seeded by the bootstrap model; the
// constants exist so the engine can reference them without a registry lookup.
const (
	ClassObj         ClassID = "core:class:Obj"
	ClassDoc         ClassID = "core:class:Doc"
	ClassAttachedDoc ClassID = "core:class:AttachedDoc"
	ClassSpace       ClassID = "core:class:Space"
	ClassClass       ClassID = "core:class:Class"
	ClassBlob        ClassID = "core:class:Blob"

	ClassTx            ClassID = "core:class:Tx"
	ClassTxCUD         ClassID = "core:class:TxCUD"
	ClassTxCreateDoc   ClassID = "core:class:TxCreateDoc"
	ClassTxUpdateDoc   ClassID = "core:class:TxUpdateDoc"
	ClassTxRemoveDoc   ClassID = "core:class:TxRemoveDoc"
	ClassTxMixin       ClassID = "core:class:TxMixin"
	ClassTxCollection  ClassID = "core:class:TxCollectionCUD"
	ClassTxApplyIf     ClassID = "core:class:TxApplyIf"
	ClassDocIndexState ClassID = "core:class:DocIndexState"
)

// Doc is a stored document. A document belongs to exactly one space at a
// time; space changes are transactional. The attached-to fields are set only
// for attached documents (a weak back-reference to the parent, not an
// ownership edge).
type Doc struct {
	ID         ID      `json:"_id"`
	Class      ClassID `json:"_class"`
	Space      ID      `json:"space"`
	CreatedOn  int64   `json:"createdOn"`
	ModifiedOn int64   `json:"modifiedOn"`
	ModifiedBy string  `json:"modifiedBy"`

	AttachedTo      ID      `json:"attachedTo,omitempty"`
	AttachedToClass ClassID `json:"attachedToClass,omitempty"`
	Collection      string  `json:"collection,omitempty"`

	// Attributes is the open attribute map determined by the class.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Mixins holds attribute-set extensions keyed by mixin class. The
	// effective attribute set of the document is the union of Attributes
	// and every applied mixin.
	Mixins map[ClassID]map[string]any `json:"mixins,omitempty"`
}

// IsAttached reports whether the document carries an attached-to
// back-reference.
func (d *Doc) IsAttached() bool {
	return d.AttachedTo != ""
}

// HasMixin reports whether the mixin is applied on this concrete instance.
func (d *Doc) HasMixin(mixin ClassID) bool {
	_, ok := d.Mixins[mixin]
	return ok
}

// As returns the mixin attribute view, or nil when the mixin is not applied.
func (d *Doc) As(mixin ClassID) map[string]any {
	return d.Mixins[mixin]
}

// Attr looks up an attribute across the base class and all applied mixins.
func (d *Doc) Attr(name string) (any, bool) {
	if v, ok := d.Attributes[name]; ok {
		return v, true
	}
	for _, attrs := range d.Mixins {
		if v, ok := attrs[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// IntAttr returns an attribute coerced to int64. JSON round-trips turn
// numbers into float64, so both are accepted.
func (d *Doc) IntAttr(name string) int64 {
	v, ok := d.Attr(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Clone returns a deep copy of the document.
func (d *Doc) Clone() *Doc {
	c := *d
	c.Attributes = cloneMap(d.Attributes)
	if d.Mixins != nil {
		c.Mixins = make(map[ClassID]map[string]any, len(d.Mixins))
		for k, v := range d.Mixins {
			c.Mixins[k] = cloneMap(v)
		}
	}
	return &c
}

// ContentHash returns the content-addressed digest of the document used by
// the backup diff and the replication cursor protocol. Go's JSON encoder
// writes map keys in sorted order, which keeps the digest stable.
func (d *Doc) ContentHash() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
