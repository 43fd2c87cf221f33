package hierarchy

import "github.com/custodia-labs/docbase-core/internal/core/domain"

// Bootstrap returns the built-in class set every workspace model starts
// from. Model transactions extend this set; they never redefine it.
func Bootstrap() []*Class {
	return []*Class{
		{ID: domain.ClassObj},
		{ID: domain.ClassDoc, Extends: domain.ClassObj},
		{ID: domain.ClassAttachedDoc, Extends: domain.ClassDoc},
		{ID: domain.ClassSpace, Extends: domain.ClassDoc},
		{ID: domain.ClassClass, Extends: domain.ClassDoc, Domain: domain.DomainModel},
		{ID: domain.ClassBlob, Extends: domain.ClassDoc, Domain: domain.DomainBlob},
		{ID: domain.ClassDocIndexState, Extends: domain.ClassDoc, Domain: domain.DomainDocIndexState},

		{ID: domain.ClassTx, Extends: domain.ClassDoc, Domain: domain.DomainTx},
		{ID: domain.ClassTxCUD, Extends: domain.ClassTx},
		{ID: domain.ClassTxCreateDoc, Extends: domain.ClassTxCUD},
		{ID: domain.ClassTxUpdateDoc, Extends: domain.ClassTxCUD},
		{ID: domain.ClassTxRemoveDoc, Extends: domain.ClassTxCUD},
		{ID: domain.ClassTxMixin, Extends: domain.ClassTxCUD},
		{ID: domain.ClassTxCollection, Extends: domain.ClassTxCUD},
		{ID: domain.ClassTxApplyIf, Extends: domain.ClassTx},
	}
}

// WithBootstrap builds a registry seeded with the built-in classes and
// extended by the model transaction list.
func WithBootstrap(modelTxes []*domain.Tx) *Hierarchy {
	h := New(Bootstrap()...)
	for _, tx := range modelTxes {
		if tx.Kind != domain.TxKindCreateDoc || tx.ObjectClass != domain.ClassClass {
			continue
		}
		h.add(classFromAttributes(domain.ClassID(tx.ObjectID), tx.Attributes))
	}
	return h
}
