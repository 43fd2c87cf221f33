package domain

import (
	"sort"

	"github.com/google/uuid"
)

// TxKind is the closed set of transaction kinds. Class derivation checks
// (e.g. "is this a CUD transaction") go through the hierarchy registry since
// class relationships are model configuration; Kind is the structural tag the
// engine switches on.
type TxKind string

const (
	TxKindCreateDoc  TxKind = "createDoc"
	TxKindUpdateDoc  TxKind = "updateDoc"
	TxKindRemoveDoc  TxKind = "removeDoc"
	TxKindMixin      TxKind = "mixin"
	TxKindCollection TxKind = "collectionCUD"
	TxKindApplyIf    TxKind = "applyIf"
)

// OpInc is the update-operator key carrying numeric deltas, used by the
// derived collection-counter transactions.
const OpInc = "$inc"

// Predicate is a match condition evaluated by TxApplyIf verification.
// A match predicate requires at least one document to satisfy the query; a
// notMatch predicate requires zero.
type Predicate struct {
	Class ClassID        `json:"_class"`
	Query map[string]any `json:"query"`
}

// Tx is the only unit of mutation: a tagged union over operation kinds.
// Transactions are immutable once created. Which variant fields are set
// depends on Kind:
//
//   - createDoc:     Attributes
//   - updateDoc:     Operations (plain keys are sets, $inc carries deltas)
//   - removeDoc:     none
//   - mixin:         Mixin, Attributes
//   - collectionCUD: Collection, Inner (the wrapped CUD addressed to an
//     attached document; ObjectID/ObjectClass are the owning parent's)
//   - applyIf:       Scope, Match, NotMatch, Txes
type Tx struct {
	ID          ID      `json:"_id"`
	Class       ClassID `json:"_class"`
	Kind        TxKind  `json:"kind"`
	Space       ID      `json:"space"`
	ObjectID    ID      `json:"objectId,omitempty"`
	ObjectClass ClassID `json:"objectClass,omitempty"`
	// ObjectSpace is the object's space before this transaction applies.
	// Space-move propagation needs the old space once the update is live.
	ObjectSpace ID     `json:"objectSpace,omitempty"`
	ModifiedBy  string `json:"modifiedBy"`
	ModifiedOn  int64  `json:"modifiedOn"`

	Attributes map[string]any `json:"attributes,omitempty"`
	Operations map[string]any `json:"operations,omitempty"`
	Mixin      ClassID        `json:"mixin,omitempty"`

	Collection string `json:"collection,omitempty"`
	Inner      *Tx    `json:"tx,omitempty"`

	Scope    string      `json:"scope,omitempty"`
	Match    []Predicate `json:"match,omitempty"`
	NotMatch []Predicate `json:"notMatch,omitempty"`
	Txes     []*Tx       `json:"txes,omitempty"`
}

// TxResult is the per-transaction result slot. Failures surface as a
// structured result attached to the slot, preserving batch-level partial
// success.
type TxResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Derived []*Tx  `json:"derived,omitempty"`
}

// IsCUD reports whether the kind is in the create/update/delete family
// (including mixin updates and collection-wrapped operations).
func (k TxKind) IsCUD() bool {
	switch k {
	case TxKindCreateDoc, TxKindUpdateDoc, TxKindRemoveDoc, TxKindMixin, TxKindCollection:
		return true
	}
	return false
}

// EffectiveCUD unwraps a collectionCUD to the inner transaction addressed to
// the attached document. For every other kind it returns the transaction
// itself. The inner transaction is what adapters apply; the wrapper carries
// the owning parent's identity for counter derivation.
func (t *Tx) EffectiveCUD() *Tx {
	if t.Kind == TxKindCollection && t.Inner != nil {
		return t.Inner
	}
	return t
}

// SortTxes stable-sorts a batch by ModifiedOn, ties broken by insertion
// order. All batches are sorted before routing.
func SortTxes(txes []*Tx) {
	sort.SliceStable(txes, func(i, j int) bool {
		return txes[i].ModifiedOn < txes[j].ModifiedOn
	})
}

// classForKind maps structural kinds to the bootstrap class ids stamped on
// generated transactions.
func classForKind(kind TxKind) ClassID {
	switch kind {
	case TxKindCreateDoc:
		return ClassTxCreateDoc
	case TxKindUpdateDoc:
		return ClassTxUpdateDoc
	case TxKindRemoveDoc:
		return ClassTxRemoveDoc
	case TxKindMixin:
		return ClassTxMixin
	case TxKindCollection:
		return ClassTxCollection
	case TxKindApplyIf:
		return ClassTxApplyIf
	}
	return ClassTx
}

func newTx(kind TxKind, objectID ID, objectClass ClassID, space ID, modifiedBy string, modifiedOn int64) *Tx {
	return &Tx{
		ID:          ID(uuid.NewString()),
		Class:       classForKind(kind),
		Kind:        kind,
		Space:       space,
		ObjectID:    objectID,
		ObjectClass: objectClass,
		ModifiedBy:  modifiedBy,
		ModifiedOn:  modifiedOn,
	}
}

// NewCreateTx builds a createDoc transaction.
func NewCreateTx(objectID ID, objectClass ClassID, space ID, attrs map[string]any, modifiedBy string, modifiedOn int64) *Tx {
	if objectID == "" {
		objectID = ID(uuid.NewString())
	}
	tx := newTx(TxKindCreateDoc, objectID, objectClass, space, modifiedBy, modifiedOn)
	tx.Attributes = attrs
	return tx
}

// NewUpdateTx builds an updateDoc transaction. Plain operation keys replace
// attribute values; the $inc operator adds numeric deltas.
func NewUpdateTx(objectID ID, objectClass ClassID, space ID, ops map[string]any, modifiedBy string, modifiedOn int64) *Tx {
	tx := newTx(TxKindUpdateDoc, objectID, objectClass, space, modifiedBy, modifiedOn)
	tx.Operations = ops
	return tx
}

// NewRemoveTx builds a removeDoc transaction.
func NewRemoveTx(objectID ID, objectClass ClassID, space ID, modifiedBy string, modifiedOn int64) *Tx {
	return newTx(TxKindRemoveDoc, objectID, objectClass, space, modifiedBy, modifiedOn)
}

// NewMixinTx builds a mixin attribute update.
func NewMixinTx(objectID ID, objectClass ClassID, space ID, mixin ClassID, attrs map[string]any, modifiedBy string, modifiedOn int64) *Tx {
	tx := newTx(TxKindMixin, objectID, objectClass, space, modifiedBy, modifiedOn)
	tx.Mixin = mixin
	tx.Attributes = attrs
	return tx
}

// NewCollectionTx wraps a CUD transaction addressed to an attached document
// in the owning object's collection. The wrapper's object identity is the
// parent's; the inner transaction targets the attached document.
func NewCollectionTx(parentID ID, parentClass ClassID, space ID, collection string, inner *Tx) *Tx {
	tx := newTx(TxKindCollection, parentID, parentClass, space, inner.ModifiedBy, inner.ModifiedOn)
	tx.Collection = collection
	tx.Inner = inner
	if inner.Kind == TxKindCreateDoc {
		if inner.Attributes == nil {
			inner.Attributes = map[string]any{}
		}
		inner.Attributes["attachedTo"] = string(parentID)
		inner.Attributes["attachedToClass"] = string(parentClass)
		inner.Attributes["collection"] = collection
	}
	return tx
}

// NewApplyIfTx builds a conditional batch serialized on the named scope.
func NewApplyIfTx(scope string, space ID, match, notMatch []Predicate, txes []*Tx, modifiedBy string, modifiedOn int64) *Tx {
	tx := newTx(TxKindApplyIf, "", "", space, modifiedBy, modifiedOn)
	tx.Scope = scope
	tx.Match = match
	tx.NotMatch = notMatch
	tx.Txes = txes
	return tx
}
