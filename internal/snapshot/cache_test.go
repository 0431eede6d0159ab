package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mini, client
}

// backends runs fn against both implementations.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryBackend()) })
	t.Run("redis", func(t *testing.T) {
		_, client := newRedis(t)
		fn(t, NewRedisBackend(client))
	})
}

func samplePayload(login string) domain.Payload {
	return domain.Payload{
		People: []domain.PersonAggregate{{Login: login, ProfileURL: domain.ProfileURL(login), ContributionCount: 1}},
		Meta:   domain.Meta{Orgs: []string{"alpha"}, Errors: []domain.UnitError{}},
	}
}

func TestBackend_Contract(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.Set(ctx, "a", []byte("1"), time.Hour))
		v, err := b.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))

		vals, err := b.MGet(ctx, "a", "missing")
		require.NoError(t, err)
		require.Len(t, vals, 2)
		assert.Equal(t, "1", string(vals[0]))
		assert.Nil(t, vals[1])

		ok, err := b.SetNX(ctx, "lock", []byte("j1"), time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.SetNX(ctx, "lock", []byte("j2"), time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Del(ctx, "lock", "a"))
		_, err = b.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.SetMulti(ctx, map[string][]byte{"x": []byte("X"), "y": []byte("Y")}, time.Hour))
		vals, err = b.MGet(ctx, "x", "y")
		require.NoError(t, err)
		assert.Equal(t, "X", string(vals[0]))
		assert.Equal(t, "Y", string(vals[1]))
		assert.NoError(t, b.Close())
	})
}

func TestMemoryBackend_Expiry(t *testing.T) {
	m := NewMemoryBackend()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := m.SetNX(ctx, "k", []byte("again"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired keys can be claimed")
}

func TestCache_SetWritesBothWithHardTTL(t *testing.T) {
	mini, client := newRedis(t)
	c := New(NewRedisBackend(client), Options{SoftTTL: time.Hour, HardTTL: 48 * time.Hour, Version: "v1"})
	ctx := context.Background()

	st, err := c.Set(ctx, "k", samplePayload("ann"))
	require.NoError(t, err)
	assert.Equal(t, int64(time.Hour/time.Millisecond), st.SoftTTLMs)
	assert.Equal(t, "v1", st.Version)

	assert.Equal(t, 48*time.Hour, mini.TTL("k"+payloadSuffix))
	assert.Equal(t, 48*time.Hour, mini.TTL("k"+statusSuffix))

	p, s, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, s)
	assert.Equal(t, "ann", p.People[0].Login)
	assert.True(t, s.LastUpdated.Equal(st.LastUpdated))
}

func TestCache_GetHandlesPartialPresence(t *testing.T) {
	b := NewMemoryBackend()
	c := New(b, Options{SoftTTL: time.Hour, HardTTL: 2 * time.Hour})
	ctx := context.Background()

	p, s, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Nil(t, s)

	require.NoError(t, b.Set(ctx, "k"+payloadSuffix, []byte(`{"people":[],"meta":{}}`), 0))
	p, s, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Nil(t, s)

	require.NoError(t, b.Del(ctx, "k"+payloadSuffix))
	require.NoError(t, b.Set(ctx, "k"+statusSuffix, []byte(`{"lastUpdated":"2024-01-01T00:00:00Z"}`), 0))
	p, s, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NotNil(t, s)

	require.NoError(t, b.Set(ctx, "k"+payloadSuffix, []byte(`not json`), 0))
	p, _, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, p, "undecodable entries read as absent")
}

func TestCache_LastUpdatedStrictlyIncreases(t *testing.T) {
	c := New(NewMemoryBackend(), Options{SoftTTL: time.Hour, HardTTL: 2 * time.Hour})
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := c.Set(ctx, "k", samplePayload("a"))
	require.NoError(t, err)
	second, err := c.Set(ctx, "k", samplePayload("b"))
	require.NoError(t, err)
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
}

func TestCache_InflightMarker(t *testing.T) {
	c := New(NewMemoryBackend(), Options{SoftTTL: time.Hour, HardTTL: 2 * time.Hour})
	ctx := context.Background()

	ok, err := c.AcquireRefresh(ctx, "k", "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.AcquireRefresh(ctx, "k", "job-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseRefresh(ctx, "k"))
	ok, err = c.AcquireRefresh(ctx, "k", "job-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	st := func(age time.Duration) *domain.Status {
		return &domain.Status{LastUpdated: now.Add(-age), SoftTTLMs: int64(time.Hour / time.Millisecond), HardTTLMs: int64(24 * time.Hour / time.Millisecond)}
	}

	f := Evaluate(st(30*time.Minute), now)
	assert.False(t, f.Stale)
	assert.False(t, f.HardExpired)

	f = Evaluate(st(2*time.Hour), now)
	assert.True(t, f.Stale)
	assert.False(t, f.HardExpired)

	f = Evaluate(st(25*time.Hour), now)
	assert.True(t, f.Stale)
	assert.True(t, f.HardExpired)

	f = Evaluate(nil, now)
	assert.True(t, f.HardExpired)
}

func TestNewBackend_Selects(t *testing.T) {
	b, err := NewBackend(config.CacheConfig{Backend: config.CacheMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	_, err = NewBackend(config.CacheConfig{Backend: config.CacheRedis}, nil)
	assert.Error(t, err)

	_, client := newRedis(t)
	b, err = NewBackend(config.CacheConfig{Backend: config.CacheRedis}, client)
	require.NoError(t, err)
	assert.IsType(t, &RedisBackend{}, b)

	_, err = NewBackend(config.CacheConfig{Backend: "memcached"}, nil)
	assert.Error(t, err)
}
