package pipeline

import (
	"context"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

const StageCollaborators = "collaborators"

// CollaboratorsStage folds the set of accounts that touched a document
// into the state so search can filter by participant. Participation is
// derived from the transaction log rather than a dedicated attribute.
type CollaboratorsStage struct{}

func NewCollaboratorsStage() *CollaboratorsStage { return &CollaboratorsStage{} }

var _ Stage = (*CollaboratorsStage)(nil)

func (s *CollaboratorsStage) ID() string          { return StageCollaborators }
func (s *CollaboratorsStage) Require() []string   { return []string{StageFields} }
func (s *CollaboratorsStage) Fingerprint() string { return "collaborators/v1" }

func (s *CollaboratorsStage) Initialize(ctx context.Context, p *Pipeline) error { return nil }

func (s *CollaboratorsStage) Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	for _, state := range states {
		if p.Cancelling() {
			return domain.ErrPipelineCancelled
		}
		if err := s.collectOne(ctx, state, p); err != nil {
			p.skipDoc(StageCollaborators, state.ID, err)
		}
	}
	return nil
}

func (s *CollaboratorsStage) collectOne(ctx context.Context, state *domain.DocIndexState, p *Pipeline) error {
	res, err := p.Find(ctx, domain.ClassTxCUD, map[string]any{"objectId": string(state.ID)}, driven.FindOptions{})
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	var collaborators []string
	for _, tx := range res.Docs {
		by, _ := tx.Attr("modifiedBy")
		name, ok := by.(string)
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		collaborators = append(collaborators, name)
	}
	var patch map[string]any
	if len(collaborators) > 0 {
		patch = map[string]any{"collaborators": collaborators}
	}
	return p.Update(ctx, state.ID, StageCollaborators, s.Fingerprint(), patch)
}

func (s *CollaboratorsStage) Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	return nil
}
