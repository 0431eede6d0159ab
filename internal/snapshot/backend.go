package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tbourn/go-contributors-backend/internal/config"
)

// ErrNotFound is returned by Backend.Get for missing or expired keys.
var ErrNotFound = errors.New("snapshot: key not found")

// Backend is the key/value store behind the snapshot cache. Values are
// opaque bytes; a ttl <= 0 means no expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetMulti writes all pairs as one unit where the store supports it.
	SetMulti(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	// MGet returns one entry per key; missing keys yield nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// NewBackend selects the backend named by cfg.Backend. The redis client is
// owned by the caller when rdb is non-nil; memory ignores it.
func NewBackend(cfg config.CacheConfig, rdb redis.UniversalClient) (Backend, error) {
	switch cfg.Backend {
	case config.CacheMemory, "":
		return NewMemoryBackend(), nil
	case config.CacheRedis:
		if rdb == nil {
			return nil, errors.New("snapshot: redis backend requires a client")
		}
		return NewRedisBackend(rdb), nil
	default:
		return nil, fmt.Errorf("snapshot: unknown backend %q", cfg.Backend)
	}
}
