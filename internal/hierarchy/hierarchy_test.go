package hierarchy

import (
	"testing"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
)

const (
	classIssue   = domain.ClassID("test:class:Issue")
	classBug     = domain.ClassID("test:class:Bug")
	classComment = domain.ClassID("test:class:Comment")
	mixinVotes   = domain.ClassID("test:mixin:Votes")
)

func testRegistry() *Hierarchy {
	classes := append(Bootstrap(),
		&Class{
			ID: classIssue, Extends: domain.ClassDoc, Domain: "issue",
			Attributes: map[string]Attribute{
				"title":    {Name: "title", Type: AttrValue, FullText: true},
				"comments": {Name: "comments", Type: AttrCollection, Of: classComment},
			},
		},
		&Class{
			ID: classBug, Extends: classIssue,
			Attributes: map[string]Attribute{
				"severity": {Name: "severity", Type: AttrValue},
			},
		},
		&Class{ID: classComment, Extends: domain.ClassAttachedDoc, Domain: "comment"},
		&Class{
			ID: mixinVotes, Extends: domain.ClassDoc, Kind: KindMixin,
			Attributes: map[string]Attribute{
				"votes": {Name: "votes", Type: AttrCollection, Of: classComment},
			},
		},
	)
	return New(classes...)
}

func TestIsDerived(t *testing.T) {
	h := testRegistry()

	cases := []struct {
		class, base domain.ClassID
		want        bool
	}{
		{classBug, classIssue, true},
		{classBug, domain.ClassDoc, true},
		{classBug, domain.ClassObj, true},
		{classBug, classBug, true},
		{classIssue, classBug, false},
		{classComment, classIssue, false},
		{"test:class:Unknown", domain.ClassDoc, false},
	}
	for _, c := range cases {
		if got := h.IsDerived(c.class, c.base); got != c.want {
			t.Errorf("IsDerived(%s, %s) = %t, want %t", c.class, c.base, got, c.want)
		}
	}
}

func TestAncestorsAndDescendants(t *testing.T) {
	h := testRegistry()

	anc := h.Ancestors(classBug)
	if len(anc) == 0 || anc[0] != classBug {
		t.Fatalf("expected ancestors to start at the class itself, got %v", anc)
	}
	if anc[1] != classIssue {
		t.Errorf("expected the immediate parent second, got %v", anc)
	}

	desc := h.Descendants(classIssue)
	found := map[domain.ClassID]bool{}
	for _, d := range desc {
		found[d] = true
	}
	if !found[classIssue] || !found[classBug] {
		t.Errorf("expected issue and bug among descendants, got %v", desc)
	}
	if found[classComment] {
		t.Error("comment is not derived from issue")
	}
}

func TestDomainOfInherits(t *testing.T) {
	h := testRegistry()

	// Bug declares no domain and inherits issue's.
	dom, err := h.DomainOf(classBug)
	if err != nil {
		t.Fatalf("DomainOf failed: %v", err)
	}
	if dom != "issue" {
		t.Errorf("expected inherited domain issue, got %s", dom)
	}

	if _, err := h.DomainOf("test:class:Unknown"); err == nil {
		t.Error("expected an error for an unknown class")
	}
}

func TestAttributesOfMergesChain(t *testing.T) {
	h := testRegistry()

	attrs := h.AttributesOf(classBug)
	if _, ok := attrs["severity"]; !ok {
		t.Error("expected the class's own attribute")
	}
	if _, ok := attrs["title"]; !ok {
		t.Error("expected the inherited attribute")
	}

	cols := h.CollectionsOf(classBug)
	if len(cols) != 1 || cols[0].Name != "comments" {
		t.Errorf("expected the inherited collection attribute, got %v", cols)
	}
}

func TestAttributeOwner(t *testing.T) {
	h := testRegistry()

	owner, ok := h.AttributeOwner(classBug, "title", nil)
	if !ok || owner != classIssue {
		t.Errorf("expected title owned by issue, got %s (%t)", owner, ok)
	}

	owner, ok = h.AttributeOwner(classBug, "votes", []domain.ClassID{mixinVotes})
	if !ok || owner != mixinVotes {
		t.Errorf("expected votes owned by the mixin, got %s (%t)", owner, ok)
	}
	if !h.IsMixin(owner) {
		t.Error("expected the votes owner to be a mixin")
	}

	if _, ok := h.AttributeOwner(classBug, "nope", nil); ok {
		t.Error("expected no owner for an undeclared attribute")
	}
}

func TestMixinCollections(t *testing.T) {
	h := testRegistry()

	plain := &domain.Doc{ID: "i1", Class: classIssue}
	if got := h.MixinCollections(plain); len(got) != 0 {
		t.Errorf("expected no mixin collections without applied mixins, got %v", got)
	}

	mixed := &domain.Doc{ID: "i2", Class: classIssue,
		Mixins: map[domain.ClassID]map[string]any{mixinVotes: {}}}
	got := h.MixinCollections(mixed)
	if len(got) != 1 || got[0].Name != "votes" {
		t.Errorf("expected the applied mixin's collection, got %v", got)
	}
}

func TestWithBootstrapExtendsFromModelTxes(t *testing.T) {
	classNote := domain.ClassID("test:class:Note")
	tx := domain.NewCreateTx(domain.ID(classNote), domain.ClassClass, "space-1",
		map[string]any{
			"extends": string(domain.ClassDoc),
			"domain":  "note",
			"indexed": true,
			"attributes": map[string]any{
				"text": map[string]any{"type": "value", "fullText": true},
			},
		}, "alice", 1)

	h := WithBootstrap([]*domain.Tx{tx})
	if !h.Has(classNote) {
		t.Fatal("expected the declared class registered")
	}
	cls, err := h.Class(classNote)
	if err != nil {
		t.Fatalf("Class failed: %v", err)
	}
	if !cls.Indexed {
		t.Error("expected indexed flag parsed")
	}
	attr, ok := cls.Attributes["text"]
	if !ok || !attr.FullText {
		t.Errorf("expected full-text attribute parsed, got %+v", cls.Attributes)
	}

	// Non-class and non-create transactions in the model log are ignored.
	other := domain.NewUpdateTx("x", domain.ClassClass, "space-1", nil, "alice", 2)
	h2 := WithBootstrap([]*domain.Tx{other})
	if h2.Has("x") {
		t.Error("expected update transactions ignored by the bootstrap")
	}
}

func TestExtendIsIncremental(t *testing.T) {
	h := WithBootstrap(nil)
	before := len(h.Classes())

	h.Extend(domain.NewCreateTx("test:class:A", domain.ClassClass, "space-1",
		map[string]any{"extends": string(domain.ClassDoc)}, "alice", 1))

	if len(h.Classes()) != before+1 {
		t.Errorf("expected one class added, got %d -> %d", before, len(h.Classes()))
	}
}
