package localstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-docsync/pkg/document"
)

type clock struct {
	ms int64
}

func (c *clock) now() int64 {
	return c.ms
}

func openStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{ms: 1000}
	s, err := Open(filepath.Join(t.TempDir(), "local.sqlite3"), WithClock(c.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	doc := document.Document{
		ID:          "d1",
		Title:       "Hello",
		WorkspaceID: "ws",
		Blocks:      []document.Block{{ID: "b1", Flavour: "p", Text: "hi"}},
	}
	require.NoError(t, s.Create(ctx, doc))

	got, err = s.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hello", got.Title)
	assert.Equal(t, doc.Blocks, got.Blocks)
	assert.Equal(t, int64(1000), got.CreatedAt)
	assert.Equal(t, int64(1000), got.UpdatedAt)

	err = s.Create(ctx, doc)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	assert.ErrorIs(t, s.Create(ctx, document.Document{ID: "x"}), ErrInvalidDocument)
	assert.ErrorIs(t, s.Create(ctx, document.Document{Title: "x"}), ErrInvalidDocument)
}

func TestUpdateStampsAndUpserts(t *testing.T) {
	ctx := context.Background()
	s, c := openStore(t)

	c.ms = 2000
	require.NoError(t, s.Update(ctx, "d1", document.Updates{Blocks: []document.Block{{ID: "b1", Flavour: "p"}}}))
	got, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Untitled Document", got.Title)
	assert.Equal(t, int64(2000), got.CreatedAt)
	assert.Len(t, got.Blocks, 1)

	c.ms = 3000
	require.NoError(t, s.Update(ctx, "d1", document.Updates{Title: document.Ptr("Renamed")}))
	got, err = s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Len(t, got.Blocks, 1, "blocks untouched by a title-only update")
	assert.Equal(t, int64(2000), got.CreatedAt)
	assert.Equal(t, int64(3000), got.UpdatedAt)

	c.ms = 1500
	require.NoError(t, s.Update(ctx, "d1", document.Updates{Title: document.Ptr("Skewed")}))
	got, err = s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)
}

func TestPutStateKeepsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s, c := openStore(t)
	require.NoError(t, s.Create(ctx, document.Document{ID: "d1", Title: "Hello"}))

	c.ms = 9000
	require.NoError(t, s.PutState(ctx, "d1", []byte{1, 2, 3}))
	require.NoError(t, s.PutState(ctx, "missing", []byte{1}))

	got, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.State)
	assert.Equal(t, int64(1000), got.UpdatedAt)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	require.NoError(t, s.Create(ctx, document.Document{ID: "d1", Title: "Hello"}))
	require.NoError(t, s.AppendUpdate(ctx, "d1", []byte{9}))

	require.NoError(t, s.Delete(ctx, "d1"))
	require.NoError(t, s.Delete(ctx, "d1"))

	got, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, got)
	updates, err := s.Updates(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestListFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	docs := []document.Document{
		{ID: "a", Title: "Alpha", WorkspaceID: "ws1", OwnerID: "u1", CreatedAt: 100, UpdatedAt: 100},
		{ID: "b", Title: "Beta", WorkspaceID: "ws1", OwnerID: "u2", CreatedAt: 100, UpdatedAt: 300,
			Blocks: []document.Block{{ID: "b1", Flavour: "p", Text: "contains needle"}}},
		{ID: "c", Title: "Gamma", WorkspaceID: "ws2", OwnerID: "u1", CreatedAt: 100, UpdatedAt: 200},
	}
	for _, d := range docs {
		require.NoError(t, s.Create(ctx, d))
	}

	ids := func(list []document.Document) []string {
		out := make([]string, 0, len(list))
		for _, d := range list {
			out = append(out, d.ID)
		}
		return out
	}

	all, err := s.List(ctx, document.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(all))

	ws1, err := s.List(ctx, document.Filter{WorkspaceID: "ws1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(ws1))

	owned, err := s.List(ctx, document.Filter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(owned))

	found, err := s.List(ctx, document.Filter{Query: "NEEDLE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(found))

	found, err = s.List(ctx, document.Filter{Query: "gam"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(found))

	recent, err := s.List(ctx, document.Filter{UpdatedAfter: 150})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(recent))
}

func TestUpdateLog(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	require.NoError(t, s.AppendUpdate(ctx, "d1", []byte{1}))
	require.NoError(t, s.AppendUpdate(ctx, "d2", []byte{2}))
	require.NoError(t, s.AppendUpdate(ctx, "d1", []byte{3}))

	updates, err := s.Updates(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, []byte{1}, updates[0].Data)
	assert.Equal(t, []byte{3}, updates[1].Data)
	assert.Less(t, updates[0].ID, updates[1].ID)
}

func TestOpenUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := Open(filepath.Join(blocker, "nested", "local.sqlite3"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestHealth(t *testing.T) {
	s, _ := openStore(t)
	assert.Equal(t, "healthy", s.Health(context.Background()).Status)
	require.NoError(t, s.Close())
	assert.Equal(t, "unavailable", s.Health(context.Background()).Status)
}
