package github

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	bolt "go.etcd.io/bbolt"
)

// ETagEntry is a cached GET body together with the validator GitHub sent.
// Link is kept because a 304 carries only validators, and pagination needs
// the original rel="next".
type ETagEntry struct {
	ETag     string    `json:"etag"`
	Link     string    `json:"link,omitempty"`
	Body     []byte    `json:"body"`
	StoredAt time.Time `json:"storedAt"`
}

// ETagStore persists ETag entries. Implementations expire entries older
// than their TTL on read.
type ETagStore interface {
	Get(ctx context.Context, key string) (ETagEntry, bool, error)
	Put(ctx context.Context, key string, e ETagEntry) error
	Close() error
}

// memoryETagCapacity bounds the in-memory store; the least recently used
// entry is evicted first.
const memoryETagCapacity = 10_000

// MemoryETagStore keeps up to memoryETagCapacity entries in process memory.
type MemoryETagStore struct {
	items *ttlcache.Cache[string, ETagEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryETagStore creates an in-memory store; ttl <= 0 keeps entries
// until they are evicted for capacity.
func NewMemoryETagStore(ttl time.Duration) *MemoryETagStore {
	cacheTTL := ttl
	if cacheTTL <= 0 {
		cacheTTL = ttlcache.NoTTL
	}
	return &MemoryETagStore{
		items: ttlcache.New(
			ttlcache.WithTTL[string, ETagEntry](cacheTTL),
			ttlcache.WithCapacity[string, ETagEntry](memoryETagCapacity),
			ttlcache.WithDisableTouchOnHit[string, ETagEntry](),
		),
		ttl: ttl,
		now: time.Now,
	}
}

func (s *MemoryETagStore) Get(_ context.Context, key string) (ETagEntry, bool, error) {
	it := s.items.Get(key)
	if it == nil {
		return ETagEntry{}, false, nil
	}
	e := it.Value()
	if expired(e, s.ttl, s.now()) {
		s.items.Delete(key)
		return ETagEntry{}, false, nil
	}
	return e, true, nil
}

func (s *MemoryETagStore) Put(_ context.Context, key string, e ETagEntry) error {
	s.items.Set(key, e, ttlcache.DefaultTTL)
	return nil
}

// Close drops every entry.
func (s *MemoryETagStore) Close() error {
	s.items.DeleteAll()
	return nil
}

func expired(e ETagEntry, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.StoredAt) > ttl
}

const boltETagBucket = "etags"

// BoltETagStore persists entries in a BoltDB file so validators survive
// process restarts.
type BoltETagStore struct {
	db   *bolt.DB
	ttl  time.Duration
	now  func() time.Time
	once sync.Once
}

// NewBoltETagStore opens (or creates) a BoltDB file at path.
func NewBoltETagStore(path string, ttl time.Duration) (*BoltETagStore, error) {
	if path == "" {
		return nil, errors.New("etag store path is required")
	}
	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(cleaned, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltETagBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltETagStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *BoltETagStore) Get(ctx context.Context, key string) (ETagEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return ETagEntry{}, false, err
	}
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltETagBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = append([]byte{}, v...)
		}
		return nil
	}); err != nil {
		return ETagEntry{}, false, err
	}
	if raw == nil {
		return ETagEntry{}, false, nil
	}
	var e ETagEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupt entries are treated as misses and overwritten on next Put.
		return ETagEntry{}, false, nil
	}
	if expired(e, s.ttl, s.now()) {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			if b := tx.Bucket([]byte(boltETagBucket)); b != nil {
				return b.Delete([]byte(key))
			}
			return nil
		})
		return ETagEntry{}, false, nil
	}
	return e, true, nil
}

func (s *BoltETagStore) Put(ctx context.Context, key string, e ETagEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltETagBucket))
		if b == nil {
			return errors.New("etag bucket missing")
		}
		return b.Put([]byte(key), raw)
	})
}

// Close shuts down the Bolt DB.
func (s *BoltETagStore) Close() error {
	var err error
	s.once.Do(func() { err = s.db.Close() })
	return err
}
