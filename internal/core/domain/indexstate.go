package domain

// DocIndexState is the per-document indexing ledger entry. It is created the
// first time a document becomes eligible for indexing, advanced by each stage
// and removed (through the field stage's removal path) once the source
// document is gone.
type DocIndexState struct {
	ID          ID      `json:"_id"` // same id as the source document
	ObjectClass ClassID `json:"objectClass"`
	Space       ID      `json:"space"`

	AttachedTo      ID      `json:"attachedTo,omitempty"`
	AttachedToClass ClassID `json:"attachedToClass,omitempty"`

	// Stages maps stage id to the stage-value fingerprint the document has
	// been processed under. A document is caught up for a stage when its
	// entry equals the stage's current fingerprint.
	Stages map[string]string `json:"stages"`

	// Attributes accumulates each stage's field patches.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Removed marks a state whose source document was deleted; stages run
	// their cleanup path against it before the entry itself is dropped.
	Removed bool `json:"removed,omitempty"`

	ModifiedOn int64 `json:"modifiedOn"`
}

// StageDone reports whether the document is caught up to the given
// fingerprint for a stage.
func (s *DocIndexState) StageDone(stageID, fingerprint string) bool {
	return s.Stages[stageID] == fingerprint
}
