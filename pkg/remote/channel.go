// Package remote is the client side of the live channel to the remote authority. A Channel joins
// one workspace space, pushes and loads document updates, and fans broadcasts from other
// collaborators out to subscribers.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-docsync/pkg/protocol"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second

	leaveTimeout = time.Second
	writeTimeout = 10 * time.Second
)

// Credentials are supplied by the caller and passed through opaquely.
type Credentials struct {
	WorkspaceID string
	Token       string
	ServerURL   string
}

// Update is a document update broadcast by another member of the space.
type Update struct {
	DocID     string
	Update    []byte
	Timestamp int64
	Editor    string
}

// LoadResult is the remote state of a document relative to the state vector sent with the load.
type LoadResult struct {
	Missing   []byte
	State     []byte
	Timestamp int64
}

type Channel struct {
	dialer        *websocket.Dialer
	logger        *slog.Logger
	timeout       time.Duration
	clientVersion string
	retryer       Retryer

	// lock guards everything below it.
	lock          sync.Mutex
	state         State
	conn          *websocket.Conn
	connDone      chan struct{}
	creds         Credentials
	pending       map[string]chan *protocol.Message
	stopReconnect context.CancelFunc

	writeLock sync.Mutex

	subsLock sync.Mutex
	subs     map[int]func(Update)
	nextSub  int
}

type Option func(c *Channel)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithRequestTimeout bounds how long a request waits for its ack. Zero leaves it to the context.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Channel) {
		c.timeout = timeout
	}
}

func WithRetryer(r Retryer) Option {
	return func(c *Channel) {
		c.retryer = r
	}
}

func WithClientVersion(version string) Option {
	return func(c *Channel) {
		c.clientVersion = version
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

func New(opts ...Option) *Channel {
	c := &Channel{
		dialer:        websocket.DefaultDialer,
		logger:        slog.Default(),
		timeout:       DefaultRequestTimeout,
		clientVersion: protocol.DefaultClientVersion,
		retryer:       NewFixedDelayRetryer(DefaultReconnectDelay, DefaultReconnectAttempts),
		state:         StateDisconnected,
		pending:       make(map[string]chan *protocol.Message),
		subs:          make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Connected reports whether the channel has joined its space.
func (c *Channel) Connected() bool {
	return c.State() == StateJoined
}

func (c *Channel) transitionLocked(next State) error {
	if err := c.state.validateTransitionTo(next); err != nil {
		return err
	}
	c.logger.Debug("channel state changed", "from", c.state, "to", next)
	c.state = next
	return nil
}

// Connect dials the remote, authenticates with the token and joins the workspace space. Any
// failure leaves the channel disconnected and is returned as a *ConnectionError.
func (c *Channel) Connect(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.WorkspaceID) == "" {
		return &ConnectionError{Err: errors.New("workspace id is required")}
	}
	if strings.TrimSpace(creds.ServerURL) == "" {
		return &ConnectionError{Err: errors.New("server url is required")}
	}
	c.lock.Lock()
	if err := c.transitionLocked(StateConnecting); err != nil {
		c.lock.Unlock()
		return &ConnectionError{Err: err}
	}
	c.creds = creds
	c.lock.Unlock()

	if err := c.establish(ctx, creds); err != nil {
		c.lock.Lock()
		_ = c.transitionLocked(StateDisconnected)
		c.lock.Unlock()
		return err
	}
	c.logger.Info("joined space", "workspace", creds.WorkspaceID)
	return nil
}

// establish dials and joins. The channel must be in StateConnecting.
func (c *Channel) establish(ctx context.Context, creds Credentials) error {
	target, err := syncURL(creds.ServerURL)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	conn, res, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		connErr := &ConnectionError{Err: err}
		if res != nil {
			connErr.StatusCode = res.StatusCode
			_ = res.Body.Close()
		}
		return connErr
	}
	defer res.Body.Close()

	done := make(chan struct{})
	c.lock.Lock()
	c.conn = conn
	c.connDone = done
	c.lock.Unlock()
	go c.readLoop(conn, done)

	var joined protocol.JoinResponse
	if err := c.request(ctx, protocol.EventJoin, protocol.JoinRequest{
		Space:         space(creds.WorkspaceID),
		ClientVersion: c.clientVersion,
	}, &joined); err != nil {
		c.dropConn(conn)
		return &ConnectionError{Err: fmt.Errorf("failed to join space: %w", err)}
	}

	c.lock.Lock()
	if c.conn != conn {
		c.lock.Unlock()
		c.dropConn(conn)
		return &ConnectionError{Err: ErrConnectionLost}
	}
	defer c.lock.Unlock()
	if err := c.transitionLocked(StateJoined); err != nil {
		return &ConnectionError{Err: err}
	}
	c.logger.Debug("joined", "client", joined.ClientID)
	return nil
}

func syncURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.JoinPath("sync").String(), nil
}

func space(workspaceID string) protocol.Space {
	return protocol.Space{SpaceType: protocol.SpaceTypeWorkspace, SpaceID: workspaceID}
}

// dropConn closes conn if it is still the active connection without triggering reconnection.
func (c *Channel) dropConn(conn *websocket.Conn) {
	c.lock.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.lock.Unlock()
	_ = conn.Close()
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() { _ = conn.Close() }()
	events := make(chan Update, 64)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for u := range events {
			c.notify(u)
		}
	}()
	defer func() {
		close(events)
		<-dispatched
	}()

	var readErr error
	for {
		var msg protocol.Message
		if readErr = conn.ReadJSON(&msg); readErr != nil {
			if isMalformedFrame(readErr) {
				c.logger.Warn("ignoring malformed message", "err", readErr)
				continue
			}
			break
		}
		switch {
		case msg.Ack != "":
			c.lock.Lock()
			ch, ok := c.pending[msg.Ack]
			delete(c.pending, msg.Ack)
			c.lock.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Event == protocol.EventBroadcastUpdate:
			var b protocol.BroadcastDocUpdate
			if err := msg.Decode(&b); err != nil {
				c.logger.Error("failed to decode broadcast", "err", err)
				continue
			}
			events <- Update{DocID: b.DocID, Update: b.Update, Timestamp: b.Timestamp, Editor: b.Editor}
		default:
			c.logger.Debug("ignoring message", "event", msg.Event)
		}
	}

	c.lock.Lock()
	if c.conn != nil && c.conn != conn {
		// A newer connection owns the pending requests.
		c.lock.Unlock()
		return
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if c.conn != conn {
		c.lock.Unlock()
		return
	}
	c.conn = nil
	wasJoined := c.state == StateJoined
	if wasJoined {
		_ = c.transitionLocked(StateDisconnected)
	}
	creds := c.creds
	c.lock.Unlock()

	if wasJoined {
		c.logger.Warn("connection lost", "err", readErr)
		go c.reconnect(creds)
	}
}

// isMalformedFrame reports whether err came from decoding a frame rather than from the transport.
func isMalformedFrame(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// reconnect re-establishes a dropped connection until the retryer gives up or Disconnect is called.
func (c *Channel) reconnect(creds Credentials) {
	ctx, cancel := context.WithCancel(context.Background())
	c.lock.Lock()
	if c.stopReconnect != nil {
		c.stopReconnect()
	}
	c.stopReconnect = cancel
	c.lock.Unlock()
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		delay, ok := c.retryer.NextDelay(attempt, lastErr)
		if !ok {
			c.logger.Error("giving up reconnecting", "attempts", attempt, "err", lastErr)
			return
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		c.lock.Lock()
		if ctx.Err() != nil || c.transitionLocked(StateConnecting) != nil {
			c.lock.Unlock()
			return
		}
		c.lock.Unlock()

		lastErr = c.establish(ctx, creds)
		if lastErr == nil {
			c.logger.Info("reconnected", "workspace", creds.WorkspaceID, "attempt", attempt+1)
			return
		}
		c.lock.Lock()
		_ = c.transitionLocked(StateDisconnected)
		c.lock.Unlock()
		c.logger.Warn("failed to reconnect", "attempt", attempt+1, "err", lastErr)
	}
}

func (c *Channel) write(conn *websocket.Conn, msg *protocol.Message) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Event, err)
	}
	return nil
}

// request sends an event and waits for its ack, decoding the ack data into out when non-nil.
func (c *Channel) request(ctx context.Context, event string, payload any, out any) error {
	id := uuid.New().String()
	msg, err := protocol.NewRequest(id, event, payload)
	if err != nil {
		return err
	}
	ch := make(chan *protocol.Message, 1)

	c.lock.Lock()
	conn := c.conn
	if conn == nil {
		c.lock.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()

	if err := c.write(conn, msg); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if reply.Error != nil {
			return &OperationError{Name: reply.Error.Name, Message: reply.Error.Message}
		}
		if out != nil {
			return reply.Decode(out)
		}
		return nil
	case <-timeout:
		return fmt.Errorf("%s: %w", event, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinedSpace returns the active space or ErrNotConnected.
func (c *Channel) joinedSpace() (protocol.Space, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateJoined {
		return protocol.Space{}, ErrNotConnected
	}
	return space(c.creds.WorkspaceID), nil
}

// PushUpdate sends a binary update for docID and returns the timestamp the remote assigned to it.
func (c *Channel) PushUpdate(ctx context.Context, docID string, update []byte) (int64, error) {
	sp, err := c.joinedSpace()
	if err != nil {
		return 0, err
	}
	var res protocol.PushDocUpdateResponse
	if err := c.request(ctx, protocol.EventPushDocUpdate, protocol.PushDocUpdateRequest{
		Space:  sp,
		DocID:  docID,
		Update: update,
	}, &res); err != nil {
		return 0, err
	}
	return res.Timestamp, nil
}

// LoadDoc fetches the remote state of docID relative to stateVector, which may be nil. It returns
// nil without error when the remote has never seen the document.
func (c *Channel) LoadDoc(ctx context.Context, docID string, stateVector []byte) (*LoadResult, error) {
	sp, err := c.joinedSpace()
	if err != nil {
		return nil, err
	}
	var res protocol.LoadDocResponse
	err = c.request(ctx, protocol.EventLoadDoc, protocol.LoadDocRequest{
		Space:       sp,
		DocID:       docID,
		StateVector: stateVector,
	}, &res)
	if IsOperationError(err, protocol.ErrorDocNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &LoadResult{Missing: res.Missing, State: res.State, Timestamp: res.Timestamp}, nil
}

// DeleteDoc notifies the remote that docID was deleted. No acknowledgement is awaited.
func (c *Channel) DeleteDoc(_ context.Context, docID string) error {
	sp, err := c.joinedSpace()
	if err != nil {
		return err
	}
	msg, err := protocol.NewRequest("", protocol.EventDeleteDoc, protocol.DeleteDocRequest{Space: sp, DocID: docID})
	if err != nil {
		return err
	}
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, msg)
}

// ListDocs returns every document the remote holds for the joined space.
func (c *Channel) ListDocs(ctx context.Context) ([]protocol.DocEntry, error) {
	sp, err := c.joinedSpace()
	if err != nil {
		return nil, err
	}
	var res protocol.ListDocsResponse
	if err := c.request(ctx, protocol.EventListDocs, protocol.ListDocsRequest{Space: sp}, &res); err != nil {
		return nil, err
	}
	return res.Docs, nil
}

// OnUpdate registers cb for every broadcast update and returns a function that removes it.
// Callbacks run one at a time in arrival order.
func (c *Channel) OnUpdate(cb func(Update)) func() {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	return func() {
		c.subsLock.Lock()
		defer c.subsLock.Unlock()
		delete(c.subs, id)
	}
}

func (c *Channel) notify(u Update) {
	c.subsLock.Lock()
	subs := make([]func(Update), 0, len(c.subs))
	for _, cb := range c.subs {
		subs = append(subs, cb)
	}
	c.subsLock.Unlock()
	for _, cb := range subs {
		cb(u)
	}
}

// Disconnect leaves the space, on a best-effort basis, and closes the transport. It also stops
// any reconnection in progress.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.lock.Lock()
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	state := c.state
	creds := c.creds
	c.lock.Unlock()

	if state == StateJoined {
		leaveCtx, cancel := context.WithTimeout(ctx, leaveTimeout)
		if err := c.request(leaveCtx, protocol.EventLeave, protocol.LeaveRequest{Space: space(creds.WorkspaceID)}, nil); err != nil {
			c.logger.Warn("failed to leave space", "err", err)
		}
		cancel()
	}

	c.lock.Lock()
	conn := c.conn
	done := c.connDone
	c.conn = nil
	if c.state != StateDisconnected {
		_ = c.transitionLocked(StateDisconnected)
	}
	c.lock.Unlock()
	if conn == nil {
		return nil
	}

	c.writeLock.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(leaveTimeout),
	)
	c.writeLock.Unlock()
	err := conn.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("disconnected", "workspace", creds.WorkspaceID)
	return err
}
