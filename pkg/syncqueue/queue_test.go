package syncqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-docsync/pkg/codec"
	"github.com/astromechza/automerge-docsync/pkg/document"
)

type push struct {
	docID  string
	update []byte
}

type fakeRemote struct {
	lock      sync.Mutex
	connected bool
	pushes    []push
	deletes   []string
	failFor   map[string]error
	block     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{connected: true, failFor: map[string]error{}}
}

func (r *fakeRemote) PushUpdate(_ context.Context, docID string, update []byte) (int64, error) {
	if r.block != nil {
		<-r.block
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.failFor[docID]; err != nil {
		return 0, err
	}
	r.pushes = append(r.pushes, push{docID: docID, update: update})
	return int64(len(r.pushes)), nil
}

func (r *fakeRemote) DeleteDoc(_ context.Context, docID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.failFor[docID]; err != nil {
		return err
	}
	r.deletes = append(r.deletes, docID)
	return nil
}

func (r *fakeRemote) Connected() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.connected
}

func (r *fakeRemote) pushed() []push {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]push(nil), r.pushes...)
}

type fakeLocal struct {
	lock    sync.Mutex
	docs    map[string]document.Document
	updates map[string][][]byte
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{docs: map[string]document.Document{}, updates: map[string][][]byte{}}
}

func (l *fakeLocal) Get(_ context.Context, id string) (*document.Document, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	d, ok := l.docs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (l *fakeLocal) PutState(_ context.Context, id string, state []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if d, ok := l.docs[id]; ok {
		d.State = state
		l.docs[id] = d
	}
	return nil
}

func (l *fakeLocal) AppendUpdate(_ context.Context, docID string, update []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.updates[docID] = append(l.updates[docID], update)
	return nil
}

type memoryPersister struct {
	lock  sync.Mutex
	items []Item
	saves int
}

func (p *memoryPersister) LoadQueue(context.Context) ([]Item, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]Item(nil), p.items...), nil
}

func (p *memoryPersister) SaveQueue(_ context.Context, items []Item) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.items = append([]Item(nil), items...)
	p.saves++
	return nil
}

func (p *memoryPersister) snapshot() []Item {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]Item(nil), p.items...)
}

func newQueue(t *testing.T, remote *fakeRemote, local *fakeLocal, persister *memoryPersister) *Queue {
	t.Helper()
	q, err := New(context.Background(), remote, local, persister)
	require.NoError(t, err)
	return q
}

func helloDoc() document.Document {
	return document.Document{
		ID:     "d1",
		Title:  "Hello",
		Blocks: []document.Block{{ID: "b1", Flavour: "p", Text: "hi"}},
	}
}

func TestCreateIsPushedOnceAndPruned(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	q := newQueue(t, remote, local, persister)

	_, err := q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)
	require.Len(t, persister.snapshot(), 1, "enqueue persists before returning")

	assert.True(t, q.Process(ctx, ""))

	pushes := remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "d1", pushes[0].docID)
	doc := codec.New().Decode(pushes[0].update)
	require.NotNil(t, doc)
	assert.Equal(t, "Hello", doc.Title)
	assert.Equal(t, helloDoc().Blocks, doc.Blocks)

	assert.Equal(t, Stats{}, q.Stats())
	assert.Empty(t, persister.snapshot())
	assert.Len(t, local.updates["d1"], 1)
}

func TestFailingItemStopsAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	remote.failFor["d1"] = errors.New("remote down")
	q := newQueue(t, remote, local, persister)

	_, err := q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)

	for pass := 1; pass <= MaxRetries; pass++ {
		q.Process(ctx, "")
		items := q.Items()
		require.Len(t, items, 1)
		assert.Equal(t, StatusPending, items[0].Status)
		assert.Equal(t, pass, items[0].Retries)
		assert.Equal(t, "remote down", items[0].Error)
	}

	for i := 0; i < 3; i++ {
		q.Process(ctx, "")
	}
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, MaxRetries, items[0].Retries)
	assert.Equal(t, Stats{Total: 1, Failed: 1}, q.Stats())
	assert.Equal(t, DocError, q.Status("d1"))
	assert.Equal(t, StatusFailed, persister.snapshot()[0].Status)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, Stats{}, q.Stats())
	assert.Equal(t, DocSynced, q.Status("d1"))
}

func TestFailureDoesNotBlockLaterItems(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	remote.failFor["bad"] = errors.New("rejected")
	q := newQueue(t, remote, local, persister)

	bad := helloDoc()
	bad.ID = "bad"
	_, err := q.Enqueue(ctx, CreateOp(bad))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)

	q.Process(ctx, "")

	pushes := remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "d1", pushes[0].docID)
	items := q.Items()
	require.Len(t, items, 1, "the completed item is pruned")
	assert.Equal(t, "bad", items[0].Operation.TargetID())
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, DocPending, q.Status("bad"))
	assert.Equal(t, DocSynced, q.Status("d1"))
}

func TestProcessFiltersByDocument(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	q := newQueue(t, remote, local, persister)

	other := helloDoc()
	other.ID = "d2"
	_, err := q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, CreateOp(other))
	require.NoError(t, err)

	q.Process(ctx, "d2")
	pushes := remote.pushed()
	require.Len(t, pushes, 1)
	assert.Equal(t, "d2", pushes[0].docID)
	assert.Equal(t, Stats{Total: 1, Pending: 1}, q.Stats())
}

func TestProcessIsNoopWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	remote.connected = false
	q := newQueue(t, remote, local, persister)

	_, err := q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)
	assert.False(t, q.Process(ctx, ""))
	assert.Empty(t, remote.pushed())
	assert.Equal(t, Stats{Total: 1, Pending: 1}, q.Stats())
	assert.Equal(t, 0, q.Items()[0].Retries)
}

func TestConcurrentProcessIsNoop(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	remote.block = make(chan struct{})
	q := newQueue(t, remote, local, persister)
	_, err := q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)

	done := make(chan bool)
	go func() {
		done <- q.Process(ctx, "")
	}()
	require.Eventually(t, func() bool {
		return q.Stats().Processing == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, DocPending, q.Status("d1"))

	assert.False(t, q.Process(ctx, ""), "a second pass while one is running does nothing")
	close(remote.block)
	assert.True(t, <-done)
	assert.Len(t, remote.pushed(), 1)
}

func TestUpdateAndDeleteOperations(t *testing.T) {
	ctx := context.Background()
	remote, local, persister := newFakeRemote(), newFakeLocal(), &memoryPersister{}
	q := newQueue(t, remote, local, persister)

	c := codec.New()
	_, initial, err := c.EncodeNew("d1", "Hello", helloDoc().Blocks)
	require.NoError(t, err)
	stored := helloDoc()
	stored.State = initial
	local.docs["d1"] = stored

	_, err = q.Enqueue(ctx, UpdateOp("d1", document.Updates{Title: document.Ptr("Renamed")}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, UpdateOp("missing", document.Updates{Title: document.Ptr("x")}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, DeleteOp("gone"))
	require.NoError(t, err)

	q.Process(ctx, "")

	pushes := remote.pushed()
	require.Len(t, pushes, 1)
	doc := c.Decode(pushes[0].update)
	require.NotNil(t, doc)
	assert.Equal(t, "Renamed", doc.Title)
	assert.Equal(t, helloDoc().Blocks, doc.Blocks)

	merged, err := c.Load(pushes[0].update)
	require.NoError(t, err)
	changes, err := merged.Doc().Changes()
	require.NoError(t, err)
	assert.Len(t, changes, 2, "the pushed state builds on the stored state")

	assert.Equal(t, pushes[0].update, local.docs["d1"].State)
	assert.Equal(t, []string{"gone"}, remote.deletes)

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "missing", items[0].Operation.TargetID())
	assert.Contains(t, items[0].Error, "not found locally")
}

func TestRecoversInterruptedItems(t *testing.T) {
	persister := &memoryPersister{items: []Item{
		{ID: "a", Operation: CreateOp(helloDoc()), Status: StatusProcessing},
		{ID: "b", Operation: DeleteOp("x"), Status: StatusFailed, Retries: MaxRetries},
		{ID: "c", Operation: DeleteOp("y"), Status: StatusPending, Retries: 1},
	}}
	q := newQueue(t, newFakeRemote(), newFakeLocal(), persister)

	items := q.Items()
	require.Len(t, items, 3)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, StatusFailed, items[1].Status)
	assert.Equal(t, StatusPending, items[2].Status)
	assert.Equal(t, StatusPending, persister.snapshot()[0].Status)

	q.Process(context.Background(), "")
	assert.Equal(t, Stats{Total: 1, Failed: 1}, q.Stats())
}

func TestRunProcessesOnEnqueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := newFakeRemote()
	q := newQueue(t, remote, newFakeLocal(), &memoryPersister{})
	go q.Run(ctx)

	_, err := q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(remote.pushed()) == 1 && q.Stats().Total == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.connected = false
	q := newQueue(t, remote, newFakeLocal(), &memoryPersister{})

	_, err := q.Schedule(ctx, "not a cron spec")
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, CreateOp(helloDoc()))
	require.NoError(t, err)
	stop, err := q.Schedule(ctx, "@every 1s")
	require.NoError(t, err)
	defer stop()

	remote.lock.Lock()
	remote.connected = true
	remote.lock.Unlock()
	require.Eventually(t, func() bool {
		return len(remote.pushed()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
