package domain

import "testing"

func TestContentHashTracksContent(t *testing.T) {
	doc := &Doc{ID: "p1", Class: "test:class:Project", Space: "space-1",
		Attributes: map[string]any{"name": "Alpha"}}

	h1 := doc.ContentHash()
	if h1 == "" {
		t.Fatal("expected a hash")
	}
	if doc.ContentHash() != h1 {
		t.Error("expected the hash to be deterministic")
	}

	doc.Attributes["name"] = "Beta"
	if doc.ContentHash() == h1 {
		t.Error("expected the hash to change with content")
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := &Doc{ID: "p1", Class: "test:class:Project",
		Attributes: map[string]any{"name": "Alpha"},
		Mixins:     map[ClassID]map[string]any{"test:mixin:Stats": {"notes": int64(1)}}}

	c := doc.Clone()
	c.Attributes["name"] = "Beta"
	c.Mixins["test:mixin:Stats"]["notes"] = int64(9)

	if doc.Attributes["name"] != "Alpha" {
		t.Error("expected attribute map copied")
	}
	if doc.Mixins["test:mixin:Stats"]["notes"] != int64(1) {
		t.Error("expected mixin maps copied")
	}
}

func TestIntAttrCoercesJSONNumbers(t *testing.T) {
	doc := &Doc{Attributes: map[string]any{"a": int64(3), "b": 4, "c": float64(5)}}
	for name, want := range map[string]int64{"a": 3, "b": 4, "c": 5, "missing": 0} {
		if got := doc.IntAttr(name); got != want {
			t.Errorf("IntAttr(%s) = %d, want %d", name, got, want)
		}
	}
}

func TestDigestApply(t *testing.T) {
	d := Digest{}
	d.Apply(map[ID]string{"a": "h1", "b": "h2"}, nil, nil)
	d.Apply(nil, map[ID]string{"b": "h3"}, nil)
	d.Apply(map[ID]string{"c": "h4"}, nil, []ID{"a"})

	if len(d) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(d))
	}
	if d["b"] != "h3" {
		t.Errorf("expected updates to overwrite, got %s", d["b"])
	}
	if _, ok := d["a"]; ok {
		t.Error("expected removals applied")
	}
	if d["c"] != "h4" {
		t.Error("expected later additions kept")
	}
}
