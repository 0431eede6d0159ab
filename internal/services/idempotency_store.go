package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/repo"
	"github.com/tbourn/go-contributors-backend/internal/snapshot"
)

// IdempotencyStore persists replayable responses keyed by (scope, key).
type IdempotencyStore interface {
	// Get returns a live record or ErrNoReplay.
	Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error)
	// Put stores a record or returns ErrReplayExists.
	Put(ctx context.Context, scope, key, jobID, response string, status int, ttl time.Duration) error
}

// SQLIdempotency keeps records in the idempotency table next to the SQL
// refresh queue.
type SQLIdempotency struct {
	DB *gorm.DB
}

// Get implements IdempotencyStore.
func (s SQLIdempotency) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoReplay
	}
	return rec, err
}

// Put implements IdempotencyStore.
func (s SQLIdempotency) Put(ctx context.Context, scope, key, jobID, response string, status int, ttl time.Duration) error {
	_, err := repo.CreateIdempotency(ctx, s.DB, scope, key, jobID, response, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return ErrReplayExists
	}
	return err
}

// KVIdempotency keeps records in the snapshot cache backend. It is used
// when the queue has no SQL database.
type KVIdempotency struct {
	Backend snapshot.Backend
}

func kvIdempotencyKey(scope, key string) string {
	sum := sha256.Sum256([]byte(key))
	return "idempotency:" + scope + ":" + hex.EncodeToString(sum[:])
}

// Get implements IdempotencyStore. Expiry is left to the backend TTL.
func (s KVIdempotency) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	raw, err := s.Backend.Get(ctx, kvIdempotencyKey(scope, key))
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, ErrNoReplay
	}
	if err != nil {
		return nil, err
	}
	var rec domain.Idempotency
	if err := json.Unmarshal(raw, &rec); err != nil || !rec.ExpiresAt.After(now) {
		return nil, ErrNoReplay
	}
	return &rec, nil
}

// Put implements IdempotencyStore.
func (s KVIdempotency) Put(ctx context.Context, scope, key, jobID, response string, status int, ttl time.Duration) error {
	now := time.Now().UTC()
	raw, err := json.Marshal(domain.Idempotency{
		ID:        uuid.NewString(),
		Scope:     scope,
		Key:       key,
		JobID:     jobID,
		Response:  response,
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return err
	}
	ok, err := s.Backend.SetNX(ctx, kvIdempotencyKey(scope, key), raw, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReplayExists
	}
	return nil
}
