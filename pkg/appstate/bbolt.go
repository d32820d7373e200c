// Package appstate persists small pieces of client state in a bbolt file: the sync queue under a
// fixed key and the selected storage mode.
package appstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/astromechza/automerge-docsync/pkg/syncqueue"
)

var (
	bucketSyncQueue = []byte("sync_queue")
	bucketAppState  = []byte("app_state")
	keySyncQueue    = []byte("sync-queue")
	keyStorageMode  = []byte("storage_mode")
)

type Repository struct {
	db *bolt.DB
}

// Open opens the bbolt file at path, creating the directory and buckets when missing.
func Open(path string) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("app state db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open app state: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSyncQueue, bucketAppState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// LoadQueue returns the persisted queue items, or an empty list when nothing was saved yet.
func (r *Repository) LoadQueue(ctx context.Context) ([]syncqueue.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := make([]syncqueue.Item, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncQueue).Get(keySyncQueue)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	return items, nil
}

// SaveQueue replaces the persisted queue with items.
func (r *Repository) SaveQueue(ctx context.Context, items []syncqueue.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if items == nil {
		items = []syncqueue.Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode sync queue: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncQueue).Put(keySyncQueue, data)
	})
}

// LoadMode returns the stored storage mode or "" when none was stored.
func (r *Repository) LoadMode(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var mode string
	err := r.db.View(func(tx *bolt.Tx) error {
		mode = string(tx.Bucket(bucketAppState).Get(keyStorageMode))
		return nil
	})
	return mode, err
}

func (r *Repository) SaveMode(ctx context.Context, mode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAppState).Put(keyStorageMode, []byte(mode))
	})
}
