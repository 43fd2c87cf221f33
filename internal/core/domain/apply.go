package domain

// Transaction application helpers shared by the storage adapters. Every
// adapter applies transactions through these so create/update/mixin semantics
// stay identical across backends.

// DocFromCreate materializes the document described by a createDoc
// transaction. Reserved attached-doc keys are lifted out of the attribute map
// into the document's back-reference fields.
func DocFromCreate(tx *Tx) *Doc {
	doc := &Doc{
		ID:         tx.ObjectID,
		Class:      tx.ObjectClass,
		Space:      tx.Space,
		CreatedOn:  tx.ModifiedOn,
		ModifiedOn: tx.ModifiedOn,
		ModifiedBy: tx.ModifiedBy,
		Attributes: map[string]any{},
	}
	for k, v := range tx.Attributes {
		switch k {
		case "attachedTo":
			doc.AttachedTo = ID(asString(v))
		case "attachedToClass":
			doc.AttachedToClass = ClassID(asString(v))
		case "collection":
			doc.Collection = asString(v)
		default:
			doc.Attributes[k] = v
		}
	}
	return doc
}

// UpdateDoc applies an updateDoc transaction in place. Plain keys overwrite
// attributes; "space" and "attachedTo" address the document fields; $inc adds
// numeric deltas to the named attributes.
func UpdateDoc(doc *Doc, tx *Tx) {
	for k, v := range tx.Operations {
		switch k {
		case OpInc:
			inc, _ := v.(map[string]any)
			for attr, delta := range inc {
				doc.Attributes = ensureMap(doc.Attributes)
				doc.Attributes[attr] = asInt64(doc.Attributes[attr]) + asInt64(delta)
			}
		case "space":
			doc.Space = ID(asString(v))
		case "attachedTo":
			doc.AttachedTo = ID(asString(v))
		case "attachedToClass":
			doc.AttachedToClass = ClassID(asString(v))
		default:
			doc.Attributes = ensureMap(doc.Attributes)
			doc.Attributes[k] = v
		}
	}
	doc.ModifiedOn = tx.ModifiedOn
	doc.ModifiedBy = tx.ModifiedBy
}

// MixinDoc applies a mixin attribute update. An empty attribute map still
// marks the mixin as applied on the instance.
func MixinDoc(doc *Doc, tx *Tx) {
	if doc.Mixins == nil {
		doc.Mixins = map[ClassID]map[string]any{}
	}
	attrs := doc.Mixins[tx.Mixin]
	if attrs == nil {
		attrs = map[string]any{}
		doc.Mixins[tx.Mixin] = attrs
	}
	for k, v := range tx.Attributes {
		attrs[k] = v
	}
	doc.ModifiedOn = tx.ModifiedOn
	doc.ModifiedBy = tx.ModifiedBy
}

func ensureMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case ID:
		return string(s)
	case ClassID:
		return string(s)
	}
	return ""
}

func asInt64(v any) int64 {
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
