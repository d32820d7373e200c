// Package syncqueue is the durable queue of local mutations waiting to be mirrored to the remote.
//
// Items are processed in enqueue order by at most one pass at a time. A failing item is retried
// on later passes until MaxRetries is reached, after which it stays failed until cleared. The
// queue is persisted after every item so a crash never loses a pending mutation.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/astromechza/automerge-docsync/pkg/codec"
	"github.com/astromechza/automerge-docsync/pkg/document"
)

// MaxRetries bounds how many times a failing item is retried before it is marked failed.
const MaxRetries = 3

// Remote is the part of the remote channel the queue writes through.
type Remote interface {
	PushUpdate(ctx context.Context, docID string, update []byte) (int64, error)
	DeleteDoc(ctx context.Context, docID string) error
	Connected() bool
}

// Local is the part of the local store the queue reads documents from and records states into.
type Local interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	PutState(ctx context.Context, id string, state []byte) error
	AppendUpdate(ctx context.Context, docID string, update []byte) error
}

// Persister stores the whole queue after every change.
type Persister interface {
	LoadQueue(ctx context.Context) ([]Item, error)
	SaveQueue(ctx context.Context, items []Item) error
}

// Queue is a durable FIFO of operations waiting to reach the remote.
type Queue struct {
	remote    Remote
	local     Local
	persister Persister
	codec     *codec.Codec
	logger    *slog.Logger
	now       func() int64

	lock  sync.Mutex
	items []Item

	processing atomic.Bool
	trigger    chan struct{}
}

// Option configures a Queue.
type Option func(q *Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithClock(now func() int64) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithCodec(c *codec.Codec) Option {
	return func(q *Queue) {
		q.codec = c
	}
}

// New loads the persisted queue. Items left in processing by an interrupted pass never got an
// outcome and are returned to pending.
func New(ctx context.Context, remote Remote, local Local, persister Persister, opts ...Option) (*Queue, error) {
	q := &Queue{
		remote:    remote,
		local:     local,
		persister: persister,
		codec:     codec.New(),
		logger:    slog.Default(),
		now:       document.NowMillis,
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	items, err := persister.LoadQueue(ctx)
	if err != nil {
		return nil, err
	}
	recovered := 0
	for i := range items {
		if items[i].Status == StatusProcessing {
			items[i].Status = StatusPending
			recovered++
		}
	}
	q.items = items
	if recovered > 0 {
		q.logger.Info("recovered interrupted sync items", "count", recovered)
		if err := q.persist(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) persist(ctx context.Context) error {
	q.lock.Lock()
	snapshot := make([]Item, len(q.items))
	copy(snapshot, q.items)
	q.lock.Unlock()
	if err := q.persister.SaveQueue(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist sync queue: %w", err)
	}
	return nil
}

// Enqueue appends op as a pending item, persists the queue and signals the worker. It does not
// wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Item, error) {
	item := Item{
		ID:        uuid.New().String(),
		Operation: op,
		Timestamp: q.now(),
		Status:    StatusPending,
	}
	q.lock.Lock()
	q.items = append(q.items, item)
	q.lock.Unlock()
	if err := q.persist(ctx); err != nil {
		return item, err
	}
	q.logger.Debug("enqueued", "item", item.ID, "type", op.Type, "doc", op.TargetID())
	q.Trigger()
	return item, nil
}

// Trigger asks the worker started by Run for a processing pass without blocking.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run processes the queue whenever it is triggered until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
			q.Process(ctx, "")
		}
	}
}

// Schedule runs a processing pass on the cron spec, for example "@every 30s". The returned
// function stops the schedule.
func (q *Queue) Schedule(ctx context.Context, spec string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		q.Process(ctx, "")
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule sync: %w", err)
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}, nil
}

// Process runs one pass over pending items, restricted to docID when it is not empty. It is a
// no-op returning false when another pass is running or the remote is not connected.
func (q *Queue) Process(ctx context.Context, docID string) bool {
	if !q.processing.CompareAndSwap(false, true) {
		return false
	}
	defer q.processing.Store(false)
	if !q.remote.Connected() {
		q.logger.Debug("skipping sync pass, remote not connected")
		return false
	}

	attempted := make(map[string]bool)
	for {
		item, ok := q.claimNext(docID, attempted)
		if !ok {
			break
		}
		attempted[item.ID] = true
		if err := q.persist(ctx); err != nil {
			q.logger.Error("failed to persist claimed item", "item", item.ID, "err", err)
		}

		err := q.execute(ctx, item.Operation)
		q.settle(item.ID, err)
		if err := q.persist(ctx); err != nil {
			q.logger.Error("failed to persist item outcome", "item", item.ID, "err", err)
		}
	}

	if pruned := q.prune(); pruned > 0 {
		if err := q.persist(ctx); err != nil {
			q.logger.Error("failed to persist pruned queue", "err", err)
		}
		q.logger.Debug("pruned completed items", "count", pruned)
	}
	return true
}

// claimNext marks the oldest pending item not yet attempted in this pass as processing.
func (q *Queue) claimNext(docID string, attempted map[string]bool) (Item, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for i := range q.items {
		it := &q.items[i]
		if it.Status != StatusPending || attempted[it.ID] {
			continue
		}
		if docID != "" && it.Operation.TargetID() != docID {
			continue
		}
		it.Status = StatusProcessing
		return *it, true
	}
	return Item{}, false
}

func (q *Queue) settle(id string, err error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for i := range q.items {
		it := &q.items[i]
		if it.ID != id {
			continue
		}
		switch {
		case err == nil:
			it.Status = StatusCompleted
			it.Error = ""
		case it.Retries < MaxRetries:
			it.Retries++
			it.Status = StatusPending
			it.Error = err.Error()
			q.logger.Warn("sync item failed, will retry", "item", id, "doc", it.Operation.TargetID(), "retries", it.Retries, "err", err)
		default:
			it.Status = StatusFailed
			it.Error = err.Error()
			q.logger.Error("sync item failed permanently", "item", id, "doc", it.Operation.TargetID(), "err", err)
		}
		return
	}
}

func (q *Queue) prune() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	kept := q.items[:0]
	pruned := 0
	for _, it := range q.items {
		if it.Status == StatusCompleted {
			pruned++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return pruned
}

var errMissingLocal = errors.New("document not found locally")

func (q *Queue) execute(ctx context.Context, op Operation) error {
	switch op.Type {
	case OpCreate:
		if op.Doc == nil {
			return errors.New("create operation has no document")
		}
		existing, err := q.local.Get(ctx, op.Doc.ID)
		if err != nil {
			return err
		}
		var state []byte
		if existing != nil {
			state = existing.State
		}
		return q.push(ctx, *op.Doc, state)
	case OpUpdate:
		existing, err := q.local.Get(ctx, op.DocID)
		if err != nil {
			return err
		} else if existing == nil {
			return fmt.Errorf("%w: %s", errMissingLocal, op.DocID)
		}
		merged := *existing
		if op.Updates != nil {
			merged = existing.Apply(*op.Updates)
		}
		return q.push(ctx, merged, existing.State)
	case OpDelete:
		return q.remote.DeleteDoc(ctx, op.DocID)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// push encodes doc on top of its stored state, or a fresh state when it has none, and sends the
// full result to the remote.
func (q *Queue) push(ctx context.Context, doc document.Document, stored []byte) error {
	var update []byte
	if len(stored) > 0 {
		if state, err := q.codec.Load(stored); err != nil {
			q.logger.Warn("stored state unreadable, encoding afresh", "doc", doc.ID, "err", err)
		} else if update, err = q.codec.ApplyBlocks(state, doc.ID, doc.Title, doc.Blocks); err != nil {
			return err
		}
	}
	if update == nil {
		var err error
		if _, update, err = q.codec.EncodeNew(doc.ID, doc.Title, doc.Blocks); err != nil {
			return err
		}
	}

	ts, err := q.remote.PushUpdate(ctx, doc.ID, update)
	if err != nil {
		return err
	}
	q.logger.Info("pushed update", "doc", doc.ID, "timestamp", ts, "bytes", len(update))
	if err := q.local.PutState(ctx, doc.ID, update); err != nil {
		q.logger.Error("failed to record pushed state", "doc", doc.ID, "err", err)
	}
	if err := q.local.AppendUpdate(ctx, doc.ID, update); err != nil {
		q.logger.Error("failed to append pushed update", "doc", doc.ID, "err", err)
	}
	return nil
}

// Status reports whether docID has undelivered items, permanently failed items, or neither.
func (q *Queue) Status(docID string) DocStatus {
	q.lock.Lock()
	defer q.lock.Unlock()
	failed := false
	for _, it := range q.items {
		if it.Operation.TargetID() != docID {
			continue
		}
		switch it.Status {
		case StatusPending, StatusProcessing:
			return DocPending
		case StatusFailed:
			failed = true
		}
	}
	if failed {
		return DocError
	}
	return DocSynced
}

func (q *Queue) Stats() Stats {
	q.lock.Lock()
	defer q.lock.Unlock()
	s := Stats{Total: len(q.items)}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Items returns a copy of the queue in enqueue order.
func (q *Queue) Items() []Item {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Clear drops every item, including failed ones, and persists the empty queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.lock.Lock()
	n := len(q.items)
	q.items = nil
	q.lock.Unlock()
	q.logger.Info("cleared sync queue", "count", n)
	return q.persist(ctx)
}
