package badgerdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/docbase-core/internal/core/domain"
	"github.com/custodia-labs/docbase-core/internal/core/ports/driven"
	"github.com/custodia-labs/docbase-core/internal/hierarchy"
)

const classNote = domain.ClassID("test:class:Note")

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	classes := append(hierarchy.Bootstrap(), &hierarchy.Class{
		ID:      classNote,
		Extends: domain.ClassDoc,
		Domain:  domain.Domain("note"),
	})
	a, err := Open(t.TempDir(), hierarchy.New(classes...))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapter_TxLifecycle(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	noteID := domain.ID("note-1")
	create := domain.NewCreateTx(noteID, classNote, "space-1", map[string]any{"title": "draft"}, "alice", 1000)
	results, err := a.Tx(ctx, create)
	require.NoError(t, err)
	require.True(t, results[0].Success)

	update := domain.NewUpdateTx(noteID, classNote, "space-1", map[string]any{"title": "final"}, "alice", 1001)
	results, err = a.Tx(ctx, update)
	require.NoError(t, err)
	require.True(t, results[0].Success)

	found, err := a.FindAll(ctx, classNote, map[string]any{"title": "final"}, driven.FindOptions{})
	require.NoError(t, err)
	require.Len(t, found.Docs, 1)
	require.Equal(t, noteID, found.Docs[0].ID)

	remove := domain.NewRemoveTx(noteID, classNote, "space-1", "alice", 1002)
	results, err = a.Tx(ctx, remove)
	require.NoError(t, err)
	require.True(t, results[0].Success)

	found, err = a.FindAll(ctx, classNote, nil, driven.FindOptions{})
	require.NoError(t, err)
	require.Empty(t, found.Docs)
}

func TestAdapter_UpdateMissingDocFails(t *testing.T) {
	a := openTestAdapter(t)

	update := domain.NewUpdateTx("missing", classNote, "space-1", map[string]any{"title": "x"}, "alice", 1000)
	results, err := a.Tx(context.Background(), update)
	require.NoError(t, err)
	require.False(t, results[0].Success)
	require.NotEmpty(t, results[0].Error)
}

func TestAdapter_UploadLoadClean(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	dom := domain.Domain("note")

	docs := []*domain.Doc{
		{ID: "n-1", Class: classNote, Attributes: map[string]any{"title": "one"}},
		{ID: "n-2", Class: classNote, Attributes: map[string]any{"title": "two"}},
	}
	require.NoError(t, a.Upload(ctx, dom, docs))

	loaded, err := a.Load(ctx, dom, []domain.ID{"n-1", "n-2", "n-3"})
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	require.NoError(t, a.Clean(ctx, dom, []domain.ID{"n-1"}))

	it := a.Find(ctx, dom)
	defer it.Close()
	var remaining []domain.ID
	for {
		doc, err := it.Next(ctx)
		require.NoError(t, err)
		if doc == nil {
			break
		}
		remaining = append(remaining, doc.ID)
	}
	require.Equal(t, []domain.ID{"n-2"}, remaining)
}
