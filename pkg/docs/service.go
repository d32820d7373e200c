// Package docs is the single entry point for reading and writing documents. Every call goes to
// the local store first. In remote mode mutations are also mirrored through the sync queue and
// listings are merged with the remote space.
package docs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-docsync/pkg/codec"
	"github.com/astromechza/automerge-docsync/pkg/document"
	"github.com/astromechza/automerge-docsync/pkg/localstore"
	"github.com/astromechza/automerge-docsync/pkg/protocol"
	"github.com/astromechza/automerge-docsync/pkg/remote"
	"github.com/astromechza/automerge-docsync/pkg/syncqueue"
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"

	// SyncIdle is reported for every document while in local mode.
	SyncIdle = "idle"

	inboundTimeout = 10 * time.Second
)

var (
	ErrInvalidMode   = errors.New("invalid storage mode")
	ErrNotRemoteMode = errors.New("not in remote storage mode")
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeLocal, ModeRemote:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Store is the local document store.
type Store interface {
	syncqueue.Local
	Create(ctx context.Context, doc document.Document) error
	Update(ctx context.Context, id string, u document.Updates) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter document.Filter) ([]document.Document, error)
	Health(ctx context.Context) localstore.Health
}

// Channel is the live connection to the remote authority.
type Channel interface {
	syncqueue.Remote
	Connect(ctx context.Context, creds remote.Credentials) error
	Disconnect(ctx context.Context) error
	LoadDoc(ctx context.Context, docID string, stateVector []byte) (*remote.LoadResult, error)
	ListDocs(ctx context.Context) ([]protocol.DocEntry, error)
	OnUpdate(cb func(remote.Update)) func()
}

// StateStore persists the sync queue and the selected mode.
type StateStore interface {
	syncqueue.Persister
	LoadMode(ctx context.Context) (string, error)
	SaveMode(ctx context.Context, mode string) error
}

type Service struct {
	local   Store
	channel Channel
	state   StateStore
	queue   *syncqueue.Queue
	codec   *codec.Codec
	logger  *slog.Logger

	lock        sync.Mutex
	mode        Mode
	workspaceID string
	unsubscribe func()
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithWorkspace sets the workspace stamped on new documents until a remote connection supplies one.
func WithWorkspace(workspaceID string) Option {
	return func(s *Service) {
		s.workspaceID = workspaceID
	}
}

func WithCodec(c *codec.Codec) Option {
	return func(s *Service) {
		s.codec = c
	}
}

// New restores the persisted mode and sync queue and subscribes to remote broadcasts. It does
// not connect; use SetMode or Resume for that.
func New(ctx context.Context, local Store, channel Channel, state StateStore, opts ...Option) (*Service, error) {
	s := &Service{
		local:   local,
		channel: channel,
		state:   state,
		codec:   codec.New(),
		logger:  slog.Default(),
		mode:    ModeLocal,
	}
	for _, opt := range opts {
		opt(s)
	}
	stored, err := state.LoadMode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage mode: %w", err)
	}
	if stored != "" {
		if s.mode, err = ParseMode(stored); err != nil {
			s.logger.Warn("ignoring stored storage mode", "err", err)
			s.mode = ModeLocal
		}
	}
	if s.queue, err = syncqueue.New(ctx, channel, local, state, syncqueue.WithLogger(s.logger), syncqueue.WithCodec(s.codec)); err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	s.unsubscribe = channel.OnUpdate(s.applyRemoteUpdate)
	return s, nil
}

// Start runs the queue worker and the periodic sync schedule until ctx is done.
func (s *Service) Start(ctx context.Context, schedule string) error {
	go s.queue.Run(ctx)
	if schedule == "" {
		return nil
	}
	stop, err := s.queue.Schedule(ctx, schedule)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return nil
}

func (s *Service) Close(ctx context.Context) error {
	s.lock.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.lock.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return s.channel.Disconnect(ctx)
}

func (s *Service) Mode() Mode {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.mode
}

func (s *Service) remoteMode() bool {
	return s.Mode() == ModeRemote
}

func (s *Service) workspace() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.workspaceID
}

// Queue exposes the sync queue for inspection.
func (s *Service) Queue() *syncqueue.Queue {
	return s.queue
}

// SetMode switches the storage mode. Switching to remote connects first; when the connection
// fails the service stays in local mode and the error is returned. Coming from local mode every
// local document is enqueued for creation on the remote.
func (s *Service) SetMode(ctx context.Context, mode Mode, creds remote.Credentials) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	previous := s.Mode()

	if mode == ModeLocal {
		s.lock.Lock()
		s.mode = ModeLocal
		s.lock.Unlock()
		if err := s.state.SaveMode(ctx, string(ModeLocal)); err != nil {
			return fmt.Errorf("failed to save storage mode: %w", err)
		}
		if s.channel.Connected() {
			if err := s.channel.Disconnect(ctx); err != nil {
				s.logger.Warn("failed to disconnect", "err", err)
			}
		}
		s.logger.Info("storage mode changed", "from", previous, "to", mode)
		return nil
	}

	if !s.channel.Connected() {
		if err := s.channel.Connect(ctx, creds); err != nil {
			s.lock.Lock()
			s.mode = ModeLocal
			s.lock.Unlock()
			if saveErr := s.state.SaveMode(ctx, string(ModeLocal)); saveErr != nil {
				s.logger.Error("failed to save storage mode", "err", saveErr)
			}
			return err
		}
	}
	s.lock.Lock()
	s.mode = ModeRemote
	if creds.WorkspaceID != "" {
		s.workspaceID = creds.WorkspaceID
	}
	s.lock.Unlock()
	if err := s.state.SaveMode(ctx, string(ModeRemote)); err != nil {
		return fmt.Errorf("failed to save storage mode: %w", err)
	}
	s.logger.Info("storage mode changed", "from", previous, "to", mode)

	if previous == ModeLocal {
		if err := s.migrate(ctx); err != nil {
			return err
		}
	}
	s.queue.Trigger()
	return nil
}

// Resume reconnects a service whose persisted mode is remote, without migrating again. Edits keep
// being queued if the connection fails.
func (s *Service) Resume(ctx context.Context, creds remote.Credentials) error {
	if !s.remoteMode() {
		return ErrNotRemoteMode
	}
	if err := s.channel.Connect(ctx, creds); err != nil {
		return err
	}
	s.lock.Lock()
	if creds.WorkspaceID != "" {
		s.workspaceID = creds.WorkspaceID
	}
	s.lock.Unlock()
	s.queue.Trigger()
	return nil
}

func (s *Service) migrate(ctx context.Context) error {
	all, err := s.local.List(ctx, document.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list documents for migration: %w", err)
	}
	for _, doc := range all {
		doc.State = nil
		if _, err := s.queue.Enqueue(ctx, syncqueue.CreateOp(doc)); err != nil {
			s.logger.Error("failed to enqueue migration", "doc", doc.ID, "err", err)
		}
	}
	s.logger.Info("migrated local documents", "count", len(all))
	return nil
}

func (s *Service) enqueue(ctx context.Context, op syncqueue.Operation) {
	if !s.remoteMode() {
		return
	}
	if _, err := s.queue.Enqueue(ctx, op); err != nil {
		s.logger.Error("failed to enqueue sync operation", "type", op.Type, "doc", op.TargetID(), "err", err)
	}
}

type CreateOptions struct {
	ID          string
	WorkspaceID string
	OwnerID     string
	Blocks      []document.Block
}

// CreateDoc stores a new document locally and, in remote mode, queues it for the remote.
func (s *Service) CreateDoc(ctx context.Context, title string, opts CreateOptions) (*document.Document, error) {
	doc := document.Document{
		ID:          opts.ID,
		Title:       title,
		Blocks:      opts.Blocks,
		WorkspaceID: opts.WorkspaceID,
		OwnerID:     opts.OwnerID,
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.WorkspaceID == "" {
		doc.WorkspaceID = s.workspace()
	}
	if doc.Blocks == nil {
		doc.Blocks = []document.Block{}
	}
	if err := s.local.Create(ctx, doc); err != nil {
		return nil, err
	}
	created, err := s.local.Get(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	s.enqueue(ctx, syncqueue.CreateOp(*created))
	return created, nil
}

func (s *Service) UpdateDoc(ctx context.Context, id string, updates document.Updates) (*document.Document, error) {
	if err := s.local.Update(ctx, id, updates); err != nil {
		return nil, err
	}
	updated, err := s.local.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updates.State = nil
	s.enqueue(ctx, syncqueue.UpdateOp(id, updates))
	return updated, nil
}

func (s *Service) DeleteDoc(ctx context.Context, id string) error {
	if err := s.local.Delete(ctx, id); err != nil {
		return err
	}
	s.enqueue(ctx, syncqueue.DeleteOp(id))
	return nil
}

// GetDoc reads the local copy. In remote mode a document missing locally is loaded from the
// remote and cached. A remote miss or failure yields nil.
func (s *Service) GetDoc(ctx context.Context, id string) (*document.Document, error) {
	doc, err := s.local.Get(ctx, id)
	if err != nil || doc != nil {
		return doc, err
	}
	if !s.remoteMode() || !s.channel.Connected() {
		return nil, nil
	}
	res, err := s.channel.LoadDoc(ctx, id, nil)
	if err != nil {
		s.logger.Warn("failed to load remote document", "doc", id, "err", err)
		return nil, nil
	} else if res == nil {
		return nil, nil
	}
	doc = s.codec.Decode(res.Missing)
	if doc == nil {
		s.logger.Warn("remote document did not decode", "doc", id)
		return nil, nil
	}
	doc.State = res.Missing
	doc.WorkspaceID = s.workspace()
	s.cache(ctx, *doc)
	return doc, nil
}

func (s *Service) cache(ctx context.Context, doc document.Document) {
	if doc.Blocks == nil {
		doc.Blocks = []document.Block{}
	}
	if err := s.local.Create(ctx, doc); err != nil && !errors.Is(err, localstore.ErrAlreadyExists) {
		s.logger.Warn("failed to cache remote document", "doc", doc.ID, "err", err)
	}
}

// ListDocs lists local documents. In remote mode the remote listing is merged in: a remote copy
// replaces the local one only when strictly newer, and remote-only documents are cached locally.
func (s *Service) ListDocs(ctx context.Context, filter document.Filter) ([]document.Document, error) {
	local, err := s.local.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !s.remoteMode() || !s.channel.Connected() {
		return local, nil
	}
	entries, err := s.channel.ListDocs(ctx)
	if err != nil {
		s.logger.Warn("failed to list remote documents", "err", err)
		return local, nil
	}

	merged := make(map[string]document.Document, len(local)+len(entries))
	for _, d := range local {
		merged[d.ID] = d
	}
	for _, e := range entries {
		doc := s.codec.Decode(e.State)
		if doc == nil {
			s.logger.Warn("skipping undecodable remote document", "doc", e.DocID)
			continue
		}
		doc.State = e.State
		doc.WorkspaceID = s.workspace()
		if doc.UpdatedAt == 0 {
			doc.UpdatedAt = e.Timestamp
		}
		if !filter.Matches(doc) {
			continue
		}
		if existing, ok := merged[doc.ID]; ok {
			if doc.UpdatedAt > existing.UpdatedAt {
				merged[doc.ID] = *doc
			}
			continue
		}
		// The local copy may exist but have been filtered out.
		stored, err := s.local.Get(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			s.cache(ctx, *doc)
			merged[doc.ID] = *doc
		} else if doc.UpdatedAt > stored.UpdatedAt {
			merged[doc.ID] = *doc
		}
	}

	out := make([]document.Document, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) SearchDocs(ctx context.Context, query string) ([]document.Document, error) {
	return s.ListDocs(ctx, document.Filter{Query: query})
}

// SyncStatus is idle in local mode, otherwise the queue's view of the document.
func (s *Service) SyncStatus(docID string) string {
	if !s.remoteMode() {
		return SyncIdle
	}
	return string(s.queue.Status(docID))
}

func (s *Service) SyncStats() syncqueue.Stats {
	return s.queue.Stats()
}

// SyncNow runs a processing pass immediately, for one document when docID is set.
func (s *Service) SyncNow(ctx context.Context, docID string) error {
	if !s.remoteMode() {
		return ErrNotRemoteMode
	}
	if !s.channel.Connected() {
		return remote.ErrNotConnected
	}
	s.queue.Process(ctx, docID)
	return nil
}

func (s *Service) ClearQueue(ctx context.Context) error {
	return s.queue.Clear(ctx)
}

type Health struct {
	Status string            `json:"status"`
	Mode   Mode              `json:"mode"`
	Local  localstore.Health `json:"local"`
	Remote string            `json:"remote"`
	Queue  syncqueue.Stats   `json:"queue"`
}

// Health is unavailable when the local store is, degraded in remote mode without a connection,
// and healthy otherwise.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status: "healthy",
		Mode:   s.Mode(),
		Local:  s.local.Health(ctx),
		Remote: "disconnected",
		Queue:  s.queue.Stats(),
	}
	if s.channel.Connected() {
		h.Remote = "connected"
	}
	switch {
	case h.Local.Status != "healthy":
		h.Status = "unavailable"
	case h.Mode == ModeRemote && !s.channel.Connected():
		h.Status = "degraded"
	}
	return h
}

// applyRemoteUpdate merges a broadcast into the stored state of the document and writes the
// resulting title and blocks through the local store. Inbound updates are not queued back out.
func (s *Service) applyRemoteUpdate(u remote.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	existing, err := s.local.Get(ctx, u.DocID)
	if err != nil {
		s.logger.Error("failed to read document for remote update", "doc", u.DocID, "err", err)
		return
	}
	var (
		doc   *document.Document
		state []byte
	)
	if existing != nil && len(existing.State) > 0 {
		if st, err := s.codec.Load(existing.State); err == nil {
			if err := s.codec.Merge(st, u.Update); err != nil {
				s.logger.Warn("failed to merge remote update", "doc", u.DocID, "err", err)
				return
			}
			doc, state = s.codec.DecodeState(st), st.Save()
		}
	}
	if doc == nil {
		doc, state = s.codec.Decode(u.Update), u.Update
	}
	if doc == nil {
		s.logger.Warn("remote update did not decode", "doc", u.DocID, "editor", u.Editor)
		return
	}

	blocks := doc.Blocks
	if blocks == nil {
		blocks = []document.Block{}
	}
	updates := document.Updates{Title: &doc.Title, Blocks: blocks, State: state}
	if existing == nil {
		ws := s.workspace()
		updates.WorkspaceID = &ws
	}
	if err := s.local.Update(ctx, u.DocID, updates); err != nil {
		s.logger.Error("failed to apply remote update", "doc", u.DocID, "err", err)
		return
	}
	s.logger.Info("applied remote update", "doc", u.DocID, "editor", u.Editor, "timestamp", u.Timestamp)
}
