package redis

import (
	"context"
	"errors"

	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type kvStore struct {
	client *redis.Client
}

// Get returns the value stored at key
func (s *kvStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores value at key without expiry
func (s *kvStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

// Remove deletes key; a missing key is not an error
func (s *kvStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
