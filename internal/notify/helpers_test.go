package notify

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/parkmeter/internal/config"
	"github.com/goodtune/parkmeter/internal/storage"
	"github.com/goodtune/parkmeter/internal/storage/redis"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	}, "test")
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}
