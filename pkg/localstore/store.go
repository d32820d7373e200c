// Package localstore is the on-device document store. It is always available and never talks
// to the network.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-docsync/pkg/document"
)

var (
	// ErrStorageUnavailable means the device store could not be opened or used. There is no
	// fallback beneath the local store, so callers treat it as fatal.
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrAlreadyExists      = errors.New("document already exists")
	ErrInvalidDocument    = errors.New("invalid document")
)

const defaultTitle = "Untitled Document"

// Update is one raw binary CRDT update recorded for replay.
type Update struct {
	ID        int64
	DocID     string
	Data      []byte
	CreatedAt int64
}

type Health struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type Store struct {
	database *sql.DB
	now      func() int64
	logger   *slog.Logger
}

type Option func(s *Store)

func WithClock(now func() int64) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (or creates) the SQLite database at path and ensures the schema exists.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", ErrStorageUnavailable, err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{database: db, now: document.NowMillis, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) init() error {
	if err := s.database.Ping(); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS docs (
			id text not null primary key,
			workspace_id text not null default '',
			owner_id text not null default '',
			title text not null,
			blocks text not null default 'null',
			state blob,
			created_at integer not null,
			updated_at integer not null
		)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_workspace ON docs(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_updated ON docs(updated_at)`,
		`CREATE TABLE IF NOT EXISTS crdt_updates (
			id integer primary key autoincrement,
			doc_id text not null,
			content blob not null,
			created_at integer not null
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crdt_updates_doc ON crdt_updates(doc_id)`,
	}
	for _, m := range migrations {
		if _, err := s.database.Exec(m); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

const docColumns = `id, workspace_id, owner_id, title, blocks, state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (*document.Document, error) {
	var (
		d      document.Document
		blocks string
	)
	if err := row.Scan(&d.ID, &d.WorkspaceID, &d.OwnerID, &d.Title, &blocks, &d.State, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blocks), &d.Blocks); err != nil {
		return nil, fmt.Errorf("failed to decode blocks of %s: %w", d.ID, err)
	}
	return &d, nil
}

// Get returns the document with id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	doc, err := scanDoc(s.database.QueryRowContext(ctx, `SELECT `+docColumns+` FROM docs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return doc, nil
}

// Create inserts doc. It fails with ErrAlreadyExists when the id is taken. Zero timestamps are
// stamped with the current time.
func (s *Store) Create(ctx context.Context, doc document.Document) error {
	if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.Title) == "" {
		return fmt.Errorf("%w: id and title are required", ErrInvalidDocument)
	}
	now := s.now()
	if doc.CreatedAt == 0 {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt == 0 {
		doc.UpdatedAt = now
	}
	if doc.UpdatedAt < doc.CreatedAt {
		doc.UpdatedAt = doc.CreatedAt
	}
	blocks, err := json.Marshal(doc.Blocks)
	if err != nil {
		return fmt.Errorf("failed to encode blocks: %w", err)
	}

	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM docs WHERE id = ?`, doc.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s: %w", doc.ID, err)
	} else if exists > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, doc.ID)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO docs (`+docColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.WorkspaceID, doc.OwnerID, doc.Title, string(blocks), doc.State, doc.CreatedAt, doc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert %s: %w", doc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Debug("document created", "doc", doc.ID)
	return nil
}

// Update merges u into the stored document, creating it if absent. The update time is always
// stamped with the current time.
func (s *Store) Update(ctx context.Context, id string, u document.Updates) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if existing == nil {
		doc := document.Document{ID: id, Title: defaultTitle, CreatedAt: now, UpdatedAt: now}.Apply(u)
		if strings.TrimSpace(doc.Title) == "" {
			doc.Title = defaultTitle
		}
		if doc.Blocks == nil {
			doc.Blocks = []document.Block{}
		}
		s.logger.Debug("document missing on update, creating", "doc", id)
		return s.Create(ctx, doc)
	}

	updated := existing.Apply(u)
	updated.UpdatedAt = max(now, updated.CreatedAt)
	blocks, err := json.Marshal(updated.Blocks)
	if err != nil {
		return fmt.Errorf("failed to encode blocks: %w", err)
	}
	if _, err := s.database.ExecContext(
		ctx,
		`UPDATE docs SET workspace_id = ?, owner_id = ?, title = ?, blocks = ?, state = ?, updated_at = ? WHERE id = ?`,
		updated.WorkspaceID, updated.OwnerID, updated.Title, string(blocks), updated.State, updated.UpdatedAt, id,
	); err != nil {
		return fmt.Errorf("failed to update %s: %w", id, err)
	}
	s.logger.Debug("document updated", "doc", id)
	return nil
}

// PutState records the latest mergeable state of a document without treating it as an edit.
// Missing documents are ignored.
func (s *Store) PutState(ctx context.Context, id string, state []byte) error {
	if _, err := s.database.ExecContext(ctx, `UPDATE docs SET state = ? WHERE id = ?`, state, id); err != nil {
		return fmt.Errorf("failed to store state of %s: %w", id, err)
	}
	return nil
}

// Delete removes the document and its update log. Deleting a missing id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDocument)
	}
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM crdt_updates WHERE doc_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete updates of %s: %w", id, err)
	}
	return tx.Commit()
}

// List returns the documents matching filter, most recently updated first.
func (s *Store) List(ctx context.Context, filter document.Filter) ([]document.Document, error) {
	query := `SELECT ` + docColumns + ` FROM docs`
	var (
		where []string
		args  []any
	)
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.UpdatedAfter > 0 {
		where = append(where, "updated_at > ?")
		args = append(args, filter.UpdatedAfter)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make([]document.Document, 0)
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if filter.Matches(doc) {
			out = append(out, *doc)
		}
	}
	return out, rows.Err()
}

// AppendUpdate records a raw binary update in the append-only update log.
func (s *Store) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO crdt_updates (doc_id, content, created_at) VALUES (?, ?, ?)`,
		docID, update, s.now(),
	); err != nil {
		return fmt.Errorf("failed to append update of %s: %w", docID, err)
	}
	return nil
}

// Updates returns the recorded updates of a document in insertion order.
func (s *Store) Updates(ctx context.Context, docID string) ([]Update, error) {
	rows, err := s.database.QueryContext(
		ctx, `SELECT id, doc_id, content, created_at FROM crdt_updates WHERE doc_id = ? ORDER BY id ASC`, docID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)
	out := make([]Update, 0)
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.DocID, &u.Data, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) Health(ctx context.Context) Health {
	start := time.Now()
	if err := s.database.PingContext(ctx); err != nil {
		return Health{Status: "unavailable", Error: err.Error()}
	}
	var n int
	if err := s.database.QueryRowContext(ctx, `SELECT count(*) FROM docs`).Scan(&n); err != nil {
		return Health{Status: "unavailable", Error: err.Error()}
	}
	return Health{Status: "healthy", Latency: time.Since(start)}
}
