// Package bolt is a single-file storage backend. bbolt holds an exclusive
// file lock, so only one process can have the database open: use it when the
// session store and the dispatcher share a process, and Redis otherwise.
package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/parkmeter/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketKV          = "kv"
	bucketAlerts      = "alerts"
	bucketAlertsByDue = "alerts_due"
)

// ErrLocked is returned by Open when another process holds the database
var ErrLocked = errors.New("bolt: database is locked by another process")

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("open bolt db %s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketKV, bucketAlerts, bucketAlertsByDue} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// KV returns the key-value store.
func (s *Store) KV() storage.KeyValueStore { return &kvStore{db: s.db} }

// Alerts returns the alert store.
func (s *Store) Alerts() storage.AlertStore { return &alertStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

// dueKey sorts lexically by fire time, then id
func dueKey(fireAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", fireAt.UnixNano(), id))
}
