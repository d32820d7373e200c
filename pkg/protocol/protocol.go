// Package protocol defines the JSON messages exchanged between a sync client and the remote
// authority over a websocket.
//
// Client requests carry an id and are answered by an ack with the same id. Notifications such as
// delete carry no id and are never acked. Binary payloads are []byte fields and so travel as
// base64 text.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	EventJoin            = "space:join"
	EventLeave           = "space:leave"
	EventPushDocUpdate   = "space:push-doc-update"
	EventLoadDoc         = "space:load-doc"
	EventDeleteDoc       = "space:delete-doc"
	EventListDocs        = "space:list-docs"
	EventBroadcastUpdate = "space:broadcast-doc-update"
)

const (
	// ErrorDocNotFound is returned by load when the space has never seen the document.
	ErrorDocNotFound   = "DOC_NOT_FOUND"
	ErrorNotJoined     = "NOT_JOINED"
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorUnknownEvent  = "UNKNOWN_EVENT"
	ErrorInvalidUpdate = "INVALID_UPDATE"
	ErrorInternal      = "INTERNAL"
)

const (
	SpaceTypeWorkspace   = "workspace"
	DefaultClientVersion = "0.1.0"
)

// Message is the envelope of every frame. Requests set ID and Event, acks set Ack and either
// Data or Error, server events set Event only.
type Message struct {
	ID    string          `json:"id,omitempty"`
	Ack   string          `json:"ack,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is the structured failure carried by an ack.
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

type Space struct {
	SpaceType string `json:"spaceType"`
	SpaceID   string `json:"spaceId"`
}

type JoinRequest struct {
	Space
	ClientVersion string `json:"clientVersion"`
}

type JoinResponse struct {
	ClientID string `json:"clientId"`
}

type LeaveRequest struct {
	Space
}

type PushDocUpdateRequest struct {
	Space
	DocID  string `json:"docId"`
	Update []byte `json:"update"`
}

type PushDocUpdateResponse struct {
	Timestamp int64 `json:"timestamp"`
}

type LoadDocRequest struct {
	Space
	DocID       string `json:"docId"`
	StateVector []byte `json:"stateVector,omitempty"`
}

// LoadDocResponse holds the changes the requester is missing and the authority's state vector.
// Without a request state vector Missing is the full document.
type LoadDocResponse struct {
	Missing   []byte `json:"missing"`
	State     []byte `json:"state,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type DeleteDocRequest struct {
	Space
	DocID string `json:"docId"`
}

type ListDocsRequest struct {
	Space
}

type DocEntry struct {
	DocID     string `json:"docId"`
	State     []byte `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

type ListDocsResponse struct {
	Docs []DocEntry `json:"docs"`
}

// BroadcastDocUpdate is pushed by the authority to every other member of the space.
type BroadcastDocUpdate struct {
	Space
	DocID     string `json:"docId"`
	Update    []byte `json:"update"`
	Timestamp int64  `json:"timestamp"`
	Editor    string `json:"editor,omitempty"`
}

// NewRequest builds a request envelope. An empty id makes it a notification.
func NewRequest(id, event string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return &Message{ID: id, Event: event, Data: raw}, nil
}

func NewAck(id string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ack payload: %w", err)
	}
	return &Message{Ack: id, Data: raw}, nil
}

func NewErrorAck(id, name, message string) *Message {
	return &Message{Ack: id, Error: &Error{Name: name, Message: message}}
}

// Decode unmarshals the data of m into out.
func (m *Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message has no data")
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", m.Event, err)
	}
	return nil
}
