// Package snapshot stores the latest aggregation result per logical query.
//
// Each key holds two entries, the payload and its status, written together
// with a TTL equal to the hard expiry so the store reclaims abandoned keys
// on its own. Freshness is judged by the read path from the status.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

const (
	payloadSuffix  = ":payload"
	statusSuffix   = ":status"
	inflightSuffix = ":inflight"
)

// Options configures a Cache.
type Options struct {
	SoftTTL time.Duration
	HardTTL time.Duration
	Version string
}

// Cache is the snapshot store used by the read path and the worker.
type Cache struct {
	b    Backend
	opts Options
	now  func() time.Time
}

// New wraps backend.
func New(backend Backend, opts Options) *Cache {
	if opts.Version == "" {
		opts.Version = "v1"
	}
	return &Cache{b: backend, opts: opts, now: time.Now}
}

// Version is the schema tag embedded in keys.
func (c *Cache) Version() string { return c.opts.Version }

// KeyOf computes the key for params at the current time.
func (c *Cache) KeyOf(params domain.RefreshParams, lookback time.Duration) string {
	return KeyOf(params, c.opts.Version, c.now(), lookback)
}

// Get loads the payload and status stored under key with a single round
// trip. Either may be nil on its own; both nil means nothing is cached.
// Entries that fail to decode are treated as absent.
func (c *Cache) Get(ctx context.Context, key string) (*domain.Payload, *domain.Status, error) {
	vals, err := c.b.MGet(ctx, key+payloadSuffix, key+statusSuffix)
	if err != nil {
		return nil, nil, err
	}
	var (
		payload *domain.Payload
		status  *domain.Status
	)
	if len(vals) > 0 && vals[0] != nil {
		var p domain.Payload
		if json.Unmarshal(vals[0], &p) == nil {
			payload = &p
		}
	}
	if len(vals) > 1 && vals[1] != nil {
		var s domain.Status
		if json.Unmarshal(vals[1], &s) == nil {
			status = &s
		}
	}
	return payload, status, nil
}

// Set stores payload under key and returns the status written with it.
// LastUpdated strictly increases per key even if the clock does not.
func (c *Cache) Set(ctx context.Context, key string, payload domain.Payload) (domain.Status, error) {
	now := c.now().UTC()
	if _, prev, err := c.Get(ctx, key); err == nil && prev != nil && !now.After(prev.LastUpdated) {
		now = prev.LastUpdated.Add(time.Millisecond)
	}
	status := domain.Status{
		LastUpdated: now,
		SoftTTLMs:   c.opts.SoftTTL.Milliseconds(),
		HardTTLMs:   c.opts.HardTTL.Milliseconds(),
		Version:     c.opts.Version,
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return domain.Status{}, fmt.Errorf("encode payload: %w", err)
	}
	sb, err := json.Marshal(status)
	if err != nil {
		return domain.Status{}, fmt.Errorf("encode status: %w", err)
	}
	if err := c.b.SetMulti(ctx, map[string][]byte{
		key + payloadSuffix: pb,
		key + statusSuffix:  sb,
	}, c.opts.HardTTL); err != nil {
		return domain.Status{}, err
	}
	return status, nil
}

// AcquireRefresh marks key as having a refresh in flight. It reports false
// when a marker already exists. The marker expires after ttl so a crashed
// worker cannot block refreshes forever.
func (c *Cache) AcquireRefresh(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error) {
	return c.b.SetNX(ctx, key+inflightSuffix, []byte(jobID), ttl)
}

// ReleaseRefresh clears the in-flight marker for key.
func (c *Cache) ReleaseRefresh(ctx context.Context, key string) error {
	return c.b.Del(ctx, key+inflightSuffix)
}

// Freshness is the read path's view of a status.
type Freshness struct {
	Age         time.Duration
	Stale       bool
	HardExpired bool
}

// Evaluate applies the soft and hard TTLs carried by st. A nil status is
// hard-expired.
func Evaluate(st *domain.Status, now time.Time) Freshness {
	if st == nil {
		return Freshness{Stale: true, HardExpired: true}
	}
	age := now.Sub(st.LastUpdated)
	return Freshness{
		Age:         age,
		Stale:       age > time.Duration(st.SoftTTLMs)*time.Millisecond,
		HardExpired: age > time.Duration(st.HardTTLMs)*time.Millisecond,
	}
}
