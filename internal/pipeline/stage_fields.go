package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
)

const StageFields = "fields"

// FieldsStage extracts searchable attribute values from source documents
// into the index state. Its fingerprint is derived from the full-text
// attribute declarations, so adding a searchable attribute to a class
// reindexes everything.
type FieldsStage struct {
	fingerprint string
}

func NewFieldsStage() *FieldsStage { return &FieldsStage{} }

var _ Stage = (*FieldsStage)(nil)

func (s *FieldsStage) ID() string        { return StageFields }
func (s *FieldsStage) Require() []string { return nil }

func (s *FieldsStage) Fingerprint() string { return s.fingerprint }

func (s *FieldsStage) Initialize(ctx context.Context, p *Pipeline) error {
	// Collect every indexed class and its full-text attributes in a stable
	// order and hash the declaration.
	var lines []string
	for _, cls := range p.Hierarchy().Classes() {
		if !cls.Indexed {
			continue
		}
		var names []string
		for _, attr := range cls.Attributes {
			if attr.FullText {
				names = append(names, attr.Name)
			}
		}
		sort.Strings(names)
		lines = append(lines, fmt.Sprintf("%s:%s:%v:%v", cls.ID, strings.Join(names, ","), cls.ParentPropagate, cls.Propagate))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	s.fingerprint = hex.EncodeToString(sum[:8])
	return nil
}

func (s *FieldsStage) Collect(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	for _, state := range states {
		if p.Cancelling() {
			return domain.ErrPipelineCancelled
		}
		if err := s.collectOne(ctx, state, p); err != nil {
			p.skipDoc(StageFields, state.ID, err)
		}
	}
	return nil
}

func (s *FieldsStage) collectOne(ctx context.Context, state *domain.DocIndexState, p *Pipeline) error {
	res, err := p.Find(ctx, state.ObjectClass, map[string]any{"_id": string(state.ID)}, driven.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(res.Docs) == 0 {
		// Source vanished since queueing.
		return p.MarkRemoved(ctx, state.ID)
	}
	doc := res.Docs[0]
	patch := s.extract(p, doc)
	if err := p.Update(ctx, state.ID, StageFields, s.fingerprint, patch); err != nil {
		return err
	}
	return s.propagate(ctx, p, doc)
}

// extract pulls the class's full-text attributes plus those of any mixins
// present on the document.
func (s *FieldsStage) extract(p *Pipeline, doc *domain.Doc) map[string]any {
	patch := map[string]any{}
	for _, attr := range p.Hierarchy().AttributesOf(doc.Class) {
		if !attr.FullText {
			continue
		}
		if v, ok := doc.Attr(attr.Name); ok && v != nil {
			patch[attr.Name] = v
		}
	}
	for mixinID := range doc.Mixins {
		for _, attr := range p.Hierarchy().AttributesOf(mixinID) {
			if !attr.FullText {
				continue
			}
			if v, ok := doc.Mixins[mixinID][attr.Name]; ok && v != nil {
				patch[string(mixinID)+"."+attr.Name] = v
			}
		}
	}
	return patch
}

// propagate invalidates related documents when the class declares it: with
// parentPropagate a change re-runs the parent (its searchable content
// aggregates children); with propagate a change re-runs attached children.
func (s *FieldsStage) propagate(ctx context.Context, p *Pipeline, doc *domain.Doc) error {
	cls, err := p.Hierarchy().Class(doc.Class)
	if err != nil {
		return nil
	}
	if cls.ParentPropagate && doc.IsAttached() {
		if err := p.Invalidate(ctx, doc.AttachedTo, StageFields); err != nil {
			return err
		}
	}
	for _, childClass := range cls.Propagate {
		res, err := p.Find(ctx, childClass, map[string]any{"attachedTo": string(doc.ID)}, driven.FindOptions{})
		if err != nil {
			return err
		}
		for _, child := range res.Docs {
			if err := p.Invalidate(ctx, child.ID, StageFields); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FieldsStage) Remove(ctx context.Context, states []*domain.DocIndexState, p *Pipeline) error {
	// Field data lives only in the state entries, which the pipeline drops.
	return nil
}
