// Package relay is a reference remote authority for the sync protocol. It keeps one mergeable
// state per document per space in SQLite and fans pushed updates out to the other members of
// the space.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-docsync/pkg/codec"
	"github.com/astromechza/automerge-docsync/pkg/protocol"
)

const writeTimeout = 10 * time.Second

type Server struct {
	database *sql.DB
	codec    *codec.Codec
	token    string
	logger   *slog.Logger
	now      func() time.Time

	// docLock serialises read-merge-write cycles on stored states.
	docLock sync.Mutex

	spacesLock sync.Mutex
	spaces     map[string]map[*member]struct{}
}

type Option func(s *Server)

// WithToken requires clients to present the token as a bearer credential when upgrading.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Open opens the relay database at path and ensures its tables exist.
func Open(path string, opts ...Option) (*Server, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Server{
		database: db,
		codec:    codec.New(),
		logger:   slog.Default(),
		now:      time.Now,
		spaces:   make(map[string]map[*member]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS docs (
			space_id text not null,
			doc_id text not null,
			state blob not null,
			timestamp integer not null,
			primary key (space_id, doc_id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create docs table: %w", err)
	}
	s.logger.Info("ensured relay tables exist")
	return nil
}

// DisconnectAll drops every joined client connection. Clients are expected to reconnect.
func (s *Server) DisconnectAll() int {
	s.spacesLock.Lock()
	defer s.spacesLock.Unlock()
	n := 0
	for _, members := range s.spaces {
		for m := range members {
			_ = m.conn.Close()
			n++
		}
	}
	return n
}

func (s *Server) Close() error {
	if n := s.DisconnectAll(); n > 0 {
		s.logger.Info("dropped clients", "count", n)
	}
	return s.database.Close()
}

// Handler returns the routes of the relay wrapped in request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/spaces/{space}/docs/{doc}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	return r
}

func (s *Server) authorized(request *http.Request) bool {
	if s.token == "" {
		return true
	}
	return request.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	if err := s.database.PingContext(request.Context()); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusOK)
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	if !s.authorized(request) {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(request)
	state, _, err := s.loadState(request.Context(), vars["space"], vars["doc"])
	if err != nil {
		s.logger.Error("failed to load doc", "space", vars["space"], "doc", vars["doc"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	} else if state == nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(state.Save()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) sync(writer http.ResponseWriter, request *http.Request) {
	if !s.authorized(request) {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	m := &member{id: uuid.New().String(), conn: conn}
	defer func() {
		s.leave(m)
		_ = conn.Close()
	}()
	s.logger.Info("client connected", "client", m.id)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", "client", m.id, "err", err)
			}
			return
		}
		reply := s.dispatch(request.Context(), m, &msg)
		if reply == nil || msg.ID == "" {
			continue
		}
		if err := m.send(reply); err != nil {
			s.logger.Error("failed to write ack", "client", m.id, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, m *member, msg *protocol.Message) *protocol.Message {
	switch msg.Event {
	case protocol.EventJoin:
		return s.handleJoin(m, msg)
	case protocol.EventLeave:
		s.leave(m)
		return ack(msg.ID, struct{}{})
	case protocol.EventPushDocUpdate:
		return s.handlePush(ctx, m, msg)
	case protocol.EventLoadDoc:
		return s.handleLoad(ctx, m, msg)
	case protocol.EventDeleteDoc:
		return s.handleDelete(ctx, m, msg)
	case protocol.EventListDocs:
		return s.handleList(ctx, m, msg)
	default:
		return protocol.NewErrorAck(msg.ID, protocol.ErrorUnknownEvent, fmt.Sprintf("unknown event %q", msg.Event))
	}
}

func (s *Server) handleJoin(m *member, msg *protocol.Message) *protocol.Message {
	var req protocol.JoinRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, err.Error())
	}
	if req.SpaceType != protocol.SpaceTypeWorkspace || strings.TrimSpace(req.SpaceID) == "" {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, "a workspace space id is required")
	}
	s.leave(m)
	s.spacesLock.Lock()
	members, ok := s.spaces[req.SpaceID]
	if !ok {
		members = make(map[*member]struct{})
		s.spaces[req.SpaceID] = members
	}
	members[m] = struct{}{}
	m.setSpace(req.SpaceID)
	s.spacesLock.Unlock()
	s.logger.Info("client joined", "client", m.id, "space", req.SpaceID, "version", req.ClientVersion)
	return ack(msg.ID, protocol.JoinResponse{ClientID: m.id})
}

func (s *Server) leave(m *member) {
	s.spacesLock.Lock()
	defer s.spacesLock.Unlock()
	space := m.getSpace()
	if space == "" {
		return
	}
	if members, ok := s.spaces[space]; ok {
		delete(members, m)
		if len(members) == 0 {
			delete(s.spaces, space)
		}
	}
	m.setSpace("")
	s.logger.Info("client left", "client", m.id, "space", space)
}

// joinedSpace checks that m has joined the space named in a request.
func joinedSpace(m *member, space protocol.Space) bool {
	joined := m.getSpace()
	return joined != "" && joined == space.SpaceID
}

func (s *Server) handlePush(ctx context.Context, m *member, msg *protocol.Message) *protocol.Message {
	var req protocol.PushDocUpdateRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, err.Error())
	}
	if !joinedSpace(m, req.Space) {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorNotJoined, "join the space before pushing")
	}
	if req.DocID == "" || len(req.Update) == 0 {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, "doc id and update are required")
	}

	ts, err := s.applyUpdate(ctx, req.SpaceID, req.DocID, req.Update)
	if errors.Is(err, errInvalidUpdate) {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorInvalidUpdate, err.Error())
	} else if err != nil {
		s.logger.Error("failed to apply update", "space", req.SpaceID, "doc", req.DocID, "err", err)
		return protocol.NewErrorAck(msg.ID, protocol.ErrorInternal, "failed to apply update")
	}
	s.logger.Info("applied update", "space", req.SpaceID, "doc", req.DocID, "client", m.id, "timestamp", ts)

	s.broadcast(m, protocol.BroadcastDocUpdate{
		Space:     req.Space,
		DocID:     req.DocID,
		Update:    req.Update,
		Timestamp: ts,
		Editor:    m.id,
	})
	return ack(msg.ID, protocol.PushDocUpdateResponse{Timestamp: ts})
}

var errInvalidUpdate = errors.New("invalid update")

// applyUpdate merges update into the stored state and returns the assigned timestamp. Timestamps
// strictly increase per document.
func (s *Server) applyUpdate(ctx context.Context, space, docID string, update []byte) (int64, error) {
	s.docLock.Lock()
	defer s.docLock.Unlock()

	state, previous, err := s.loadState(ctx, space, docID)
	if err != nil {
		return 0, err
	}
	if state == nil {
		if state, err = s.codec.Load(update); err != nil {
			return 0, fmt.Errorf("%w: %v", errInvalidUpdate, err)
		}
	} else if err := s.codec.Merge(state, update); err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidUpdate, err)
	}
	ts := max(s.now().UnixMilli(), previous+1)
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO docs (space_id, doc_id, state, timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT (space_id, doc_id) DO UPDATE SET state = excluded.state, timestamp = excluded.timestamp`,
		space, docID, state.Save(), ts,
	); err != nil {
		return 0, fmt.Errorf("failed to store state: %w", err)
	}
	return ts, nil
}

func (s *Server) loadState(ctx context.Context, space, docID string) (*codec.State, int64, error) {
	var (
		raw []byte
		ts  int64
	)
	err := s.database.QueryRowContext(
		ctx, `SELECT state, timestamp FROM docs WHERE space_id = ? AND doc_id = ?`, space, docID,
	).Scan(&raw, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, fmt.Errorf("failed to query: %w", err)
	}
	state, err := s.codec.Load(raw)
	if err != nil {
		return nil, 0, err
	}
	return state, ts, nil
}

func (s *Server) handleLoad(ctx context.Context, m *member, msg *protocol.Message) *protocol.Message {
	var req protocol.LoadDocRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, err.Error())
	}
	if !joinedSpace(m, req.Space) {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorNotJoined, "join the space before loading")
	}
	s.docLock.Lock()
	state, ts, err := s.loadState(ctx, req.SpaceID, req.DocID)
	s.docLock.Unlock()
	if err != nil {
		s.logger.Error("failed to load doc", "space", req.SpaceID, "doc", req.DocID, "err", err)
		return protocol.NewErrorAck(msg.ID, protocol.ErrorInternal, "failed to load doc")
	} else if state == nil {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorDocNotFound, fmt.Sprintf("doc %s not found", req.DocID))
	}

	res := protocol.LoadDocResponse{Missing: state.Save(), State: s.codec.StateVector(state), Timestamp: ts}
	if len(req.StateVector) > 0 {
		if res.Missing, err = s.codec.Diff(state, req.StateVector); err != nil {
			return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, err.Error())
		}
	}
	return ack(msg.ID, res)
}

func (s *Server) handleDelete(ctx context.Context, m *member, msg *protocol.Message) *protocol.Message {
	var req protocol.DeleteDocRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, err.Error())
	}
	if !joinedSpace(m, req.Space) {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorNotJoined, "join the space before deleting")
	}
	s.docLock.Lock()
	defer s.docLock.Unlock()
	if _, err := s.database.ExecContext(
		ctx, `DELETE FROM docs WHERE space_id = ? AND doc_id = ?`, req.SpaceID, req.DocID,
	); err != nil {
		s.logger.Error("failed to delete doc", "space", req.SpaceID, "doc", req.DocID, "err", err)
		return protocol.NewErrorAck(msg.ID, protocol.ErrorInternal, "failed to delete doc")
	}
	s.logger.Info("deleted doc", "space", req.SpaceID, "doc", req.DocID, "client", m.id)
	return ack(msg.ID, struct{}{})
}

func (s *Server) handleList(ctx context.Context, m *member, msg *protocol.Message) *protocol.Message {
	var req protocol.ListDocsRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorBadRequest, err.Error())
	}
	if !joinedSpace(m, req.Space) {
		return protocol.NewErrorAck(msg.ID, protocol.ErrorNotJoined, "join the space before listing")
	}
	rows, err := s.database.QueryContext(
		ctx, `SELECT doc_id, state, timestamp FROM docs WHERE space_id = ? ORDER BY timestamp DESC`, req.SpaceID,
	)
	if err != nil {
		s.logger.Error("failed to list docs", "space", req.SpaceID, "err", err)
		return protocol.NewErrorAck(msg.ID, protocol.ErrorInternal, "failed to list docs")
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)
	res := protocol.ListDocsResponse{Docs: make([]protocol.DocEntry, 0)}
	for rows.Next() {
		var e protocol.DocEntry
		if err := rows.Scan(&e.DocID, &e.State, &e.Timestamp); err != nil {
			s.logger.Error("failed to scan doc", "err", err)
			return protocol.NewErrorAck(msg.ID, protocol.ErrorInternal, "failed to list docs")
		}
		res.Docs = append(res.Docs, e)
	}
	return ack(msg.ID, res)
}

func (s *Server) broadcast(from *member, event protocol.BroadcastDocUpdate) {
	msg, err := protocol.NewRequest("", protocol.EventBroadcastUpdate, event)
	if err != nil {
		s.logger.Error("failed to encode broadcast", "err", err)
		return
	}
	s.spacesLock.Lock()
	targets := make([]*member, 0, len(s.spaces[event.SpaceID]))
	for m := range s.spaces[event.SpaceID] {
		if m != from {
			targets = append(targets, m)
		}
	}
	s.spacesLock.Unlock()
	for _, m := range targets {
		if err := m.send(msg); err != nil {
			s.logger.Error("failed to broadcast", "client", m.id, "err", err)
		}
	}
}

func ack(id string, payload any) *protocol.Message {
	msg, err := protocol.NewAck(id, payload)
	if err != nil {
		return protocol.NewErrorAck(id, protocol.ErrorInternal, err.Error())
	}
	return msg
}

type member struct {
	id   string
	conn *websocket.Conn

	writeLock sync.Mutex
	spaceLock sync.Mutex
	space     string
}

func (m *member) send(msg *protocol.Message) error {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteJSON(msg)
}

func (m *member) getSpace() string {
	m.spaceLock.Lock()
	defer m.spaceLock.Unlock()
	return m.space
}

func (m *member) setSpace(space string) {
	m.spaceLock.Lock()
	defer m.spaceLock.Unlock()
	m.space = space
}
