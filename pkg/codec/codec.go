// Package codec converts between the plain document representation and a mergeable automerge
// document.
//
// The mergeable document carries two root keys:
//
//	meta:   {id, title, createdAt, updatedAt}
//	blocks: [ {id, flavour, type, text, props, children: [...]} ]
//
// Block lists are replaced wholesale on every write. Granularity is the whole document.
package codec

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-docsync/pkg/document"
)

const (
	keyMeta   = "meta"
	keyBlocks = "blocks"

	hashLength = 32
)

// State is a live mergeable document.
type State struct {
	doc *automerge.Doc
}

// Save encodes the whole state as a binary update.
func (s *State) Save() []byte {
	return s.doc.Save()
}

// Doc exposes the underlying automerge document for inspection tooling.
func (s *State) Doc() *automerge.Doc {
	return s.doc
}

type Codec struct {
	now func() time.Time
}

func New() *Codec {
	return &Codec{now: time.Now}
}

// WithClock returns a copy of the codec using now for metadata timestamps.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	return &Codec{now: now}
}

// NewState returns an empty mergeable state.
func (c *Codec) NewState() *State {
	return &State{doc: automerge.New()}
}

// EncodeNew builds a fresh state seeded with the document metadata and blocks.
func (c *Codec) EncodeNew(docID, title string, blocks []document.Block) (*State, []byte, error) {
	now := c.now().UnixMilli()
	doc := automerge.New()
	meta := map[string]any{
		"id":        docID,
		"title":     title,
		"createdAt": now,
		"updatedAt": now,
	}
	if err := doc.Path(keyMeta).Set(meta); err != nil {
		return nil, nil, fmt.Errorf("failed to set meta: %w", err)
	}
	if err := doc.Path(keyBlocks).Set(encodeBlocks(blocks)); err != nil {
		return nil, nil, fmt.Errorf("failed to set blocks: %w", err)
	}
	if _, err := doc.Commit("create "+docID, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &State{doc: doc}, doc.Save(), nil
}

// ApplyBlocks replaces metadata and the entire block list of an existing state and returns the
// resulting binary update.
func (c *Codec) ApplyBlocks(s *State, docID, title string, blocks []document.Block) ([]byte, error) {
	if s == nil || s.doc == nil {
		return nil, fmt.Errorf("no state to apply blocks to")
	}
	now := c.now().UnixMilli()
	if err := s.doc.Path(keyMeta, "id").Set(docID); err != nil {
		return nil, fmt.Errorf("failed to set id: %w", err)
	}
	if err := s.doc.Path(keyMeta, "title").Set(title); err != nil {
		return nil, fmt.Errorf("failed to set title: %w", err)
	}
	if v, err := s.doc.Path(keyMeta, "createdAt").Get(); err != nil || v.Interface() == nil {
		if err := s.doc.Path(keyMeta, "createdAt").Set(now); err != nil {
			return nil, fmt.Errorf("failed to set createdAt: %w", err)
		}
	}
	if err := s.doc.Path(keyMeta, "updatedAt").Set(now); err != nil {
		return nil, fmt.Errorf("failed to set updatedAt: %w", err)
	}
	if err := s.doc.Path(keyBlocks).Set(encodeBlocks(blocks)); err != nil {
		return nil, fmt.Errorf("failed to set blocks: %w", err)
	}
	if _, err := s.doc.Commit("update "+docID, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.doc.Save(), nil
}

// Load instantiates a state from a binary update.
func (c *Codec) Load(raw []byte) (*State, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return &State{doc: doc}, nil
}

// Merge applies a binary update (full save or change set) onto s. Applying the same update
// more than once has no further effect.
func (c *Codec) Merge(s *State, update []byte) error {
	if err := s.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to merge update: %w", err)
	}
	return nil
}

// Decode reconstructs a document from a binary update. It returns nil when the update is
// malformed or does not describe a document.
func (c *Codec) Decode(update []byte) *document.Document {
	if len(update) == 0 {
		return nil
	}
	doc, err := automerge.Load(update)
	if err != nil {
		return nil
	}
	return documentFrom(doc)
}

// DecodeState reads the plain document out of a live state, or nil if it has no metadata.
func (c *Codec) DecodeState(s *State) *document.Document {
	if s == nil || s.doc == nil {
		return nil
	}
	return documentFrom(s.doc)
}

// StateVector summarises which changes s has seen: the concatenated 32 byte head hashes.
func (c *Codec) StateVector(s *State) []byte {
	heads := s.doc.Heads()
	out := make([]byte, 0, len(heads)*hashLength)
	for _, h := range heads {
		raw, err := hex.DecodeString(h.String())
		if err != nil {
			continue
		}
		out = append(out, raw...)
	}
	return out
}

// Diff returns the changes in s that a replica at vector has not seen yet.
func (c *Codec) Diff(s *State, vector []byte) ([]byte, error) {
	if len(vector)%hashLength != 0 {
		return nil, fmt.Errorf("state vector length %d is not a multiple of %d", len(vector), hashLength)
	}
	heads := make([]automerge.ChangeHash, 0, len(vector)/hashLength)
	for i := 0; i < len(vector); i += hashLength {
		h, err := automerge.NewChangeHash(hex.EncodeToString(vector[i : i+hashLength]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse head: %w", err)
		}
		heads = append(heads, h)
	}
	changes, err := s.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute changes: %w", err)
	}
	return automerge.SaveChanges(changes), nil
}

func documentFrom(doc *automerge.Doc) *document.Document {
	metaValue, err := doc.Path(keyMeta).Get()
	if err != nil {
		return nil
	}
	meta, ok := metaValue.Interface().(map[string]any)
	if !ok {
		return nil
	}
	id, _ := meta["id"].(string)
	if id == "" {
		return nil
	}
	out := &document.Document{
		ID:        id,
		Title:     "Untitled",
		CreatedAt: toInt64(meta["createdAt"]),
		UpdatedAt: toInt64(meta["updatedAt"]),
	}
	if title, _ := meta["title"].(string); title != "" {
		out.Title = title
	}
	if out.UpdatedAt < out.CreatedAt {
		out.UpdatedAt = out.CreatedAt
	}
	if blocksValue, err := doc.Path(keyBlocks).Get(); err == nil {
		if raw, ok := blocksValue.Interface().([]any); ok {
			out.Blocks = decodeBlocks(raw)
		}
	}
	return out
}

func encodeBlocks(blocks []document.Block) []any {
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, encodeBlock(b))
	}
	return out
}

func encodeBlock(b document.Block) map[string]any {
	m := map[string]any{
		"id":      b.ID,
		"flavour": b.Flavour,
	}
	if b.Type != "" {
		m["type"] = b.Type
	}
	if b.Text != "" {
		m["text"] = b.Text
	}
	if len(b.Props) > 0 {
		props := make(map[string]any, len(b.Props))
		for k, v := range b.Props {
			props[k] = v
		}
		m["props"] = props
	}
	if len(b.Children) > 0 {
		m["children"] = encodeBlocks(b.Children)
	}
	return m
}

func decodeBlocks(raw []any) []document.Block {
	if len(raw) == 0 {
		return nil
	}
	out := make([]document.Block, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b := document.Block{}
		b.ID, _ = m["id"].(string)
		b.Flavour, _ = m["flavour"].(string)
		b.Type, _ = m["type"].(string)
		b.Text, _ = m["text"].(string)
		if props, ok := m["props"].(map[string]any); ok && len(props) > 0 {
			b.Props = props
		}
		if children, ok := m["children"].([]any); ok {
			b.Children = decodeBlocks(children)
		}
		out = append(out, b)
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case time.Time:
		return n.UnixMilli()
	default:
		return 0
	}
}
