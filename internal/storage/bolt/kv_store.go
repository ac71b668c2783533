package bolt

import (
	"context"

	"github.com/goodtune/parkmeter/internal/storage"
	"go.etcd.io/bbolt"
)

type kvStore struct {
	db *bbolt.DB
}

func (s *kvStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := tx.Bucket([]byte(bucketKV)).Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		value = string(raw)
		return nil
	})
	return value, err
}

func (s *kvStore) Set(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketKV)).Put([]byte(key), []byte(value))
	})
}

func (s *kvStore) Remove(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketKV)).Delete([]byte(key))
	})
}
