// Package document holds the plain representation of an editor document: a title plus an
// ordered tree of blocks, with optional mergeable CRDT state attached.
package document

import (
	"strings"
	"time"
)

// Block is one content unit of a document. A block is owned by exactly one parent block or by
// the document root.
type Block struct {
	ID       string         `json:"id"`
	Flavour  string         `json:"flavour"`
	Type     string         `json:"type,omitempty"`
	Text     string         `json:"text,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	Children []Block        `json:"children,omitempty"`
}

// Document timestamps are unix milliseconds.
type Document struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Blocks      []Block `json:"blocks,omitempty"`
	State       []byte  `json:"state,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
	WorkspaceID string  `json:"workspaceId,omitempty"`
	OwnerID     string  `json:"ownerId,omitempty"`
}

// Updates is a partial update. Nil fields are left unchanged; a non-nil empty Blocks slice
// clears the block list.
type Updates struct {
	Title       *string `json:"title,omitempty"`
	Blocks      []Block `json:"blocks"`
	State       []byte  `json:"state,omitempty"`
	WorkspaceID *string `json:"workspaceId,omitempty"`
	OwnerID     *string `json:"ownerId,omitempty"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	WorkspaceID  string
	OwnerID      string
	Query        string
	UpdatedAfter int64
}

// NowMillis is the clock used for document timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Apply merges u into a copy of d. Timestamps are left for the caller to stamp.
func (d Document) Apply(u Updates) Document {
	out := d
	if u.Title != nil {
		out.Title = *u.Title
	}
	if u.Blocks != nil {
		out.Blocks = u.Blocks
	}
	if u.State != nil {
		out.State = u.State
	}
	if u.WorkspaceID != nil {
		out.WorkspaceID = *u.WorkspaceID
	}
	if u.OwnerID != nil {
		out.OwnerID = *u.OwnerID
	}
	return out
}

// Matches reports whether d passes every populated field of f.
func (f Filter) Matches(d *Document) bool {
	if d == nil {
		return false
	}
	if f.WorkspaceID != "" && d.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.OwnerID != "" && d.OwnerID != f.OwnerID {
		return false
	}
	if f.UpdatedAfter > 0 && d.UpdatedAt <= f.UpdatedAfter {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(d.Title), q) && !blocksContain(d.Blocks, q) {
			return false
		}
	}
	return true
}

func blocksContain(blocks []Block, lowerQuery string) bool {
	for _, b := range blocks {
		if strings.Contains(strings.ToLower(b.Text), lowerQuery) {
			return true
		}
		if blocksContain(b.Children, lowerQuery) {
			return true
		}
	}
	return false
}

// Ptr is a small helper for building Updates literals.
func Ptr[T any](v T) *T {
	return &v
}
