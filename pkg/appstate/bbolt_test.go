package appstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-docsync/pkg/document"
	"github.com/astromechza/automerge-docsync/pkg/syncqueue"
)

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	repo, err := Open(path)
	require.NoError(t, err)
	items, err := repo.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	saved := []syncqueue.Item{
		{ID: "i1", Operation: syncqueue.CreateOp(document.Document{ID: "d1", Title: "Hello"}), Timestamp: 10, Status: syncqueue.StatusPending},
		{ID: "i2", Operation: syncqueue.UpdateOp("d1", document.Updates{Title: document.Ptr("x")}), Retries: 2, Status: syncqueue.StatusPending, Error: "boom"},
		{ID: "i3", Operation: syncqueue.DeleteOp("d2"), Status: syncqueue.StatusFailed, Retries: 3},
	}
	require.NoError(t, repo.SaveQueue(ctx, saved))
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer repo.Close()
	items, err = repo.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, items)

	require.NoError(t, repo.SaveQueue(ctx, nil))
	items, err = repo.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMode(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer repo.Close()

	mode, err := repo.LoadMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", mode)

	require.NoError(t, repo.SaveMode(ctx, "remote"))
	mode, err = repo.LoadMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote", mode)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestQueueUsesRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.SaveQueue(ctx, []syncqueue.Item{
		{ID: "i1", Operation: syncqueue.DeleteOp("d1"), Status: syncqueue.StatusProcessing},
	}))

	q, err := syncqueue.New(ctx, disconnected{}, nil, repo)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{Total: 1, Pending: 1}, q.Stats())

	items, err := repo.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.StatusPending, items[0].Status)
}

type disconnected struct{}

func (disconnected) PushUpdate(context.Context, string, []byte) (int64, error) { return 0, nil }
func (disconnected) DeleteDoc(context.Context, string) error                   { return nil }
func (disconnected) Connected() bool                                           { return false }
