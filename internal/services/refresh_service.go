// Package services – RefreshService
//
// This file implements the refresh trigger used by the cron endpoint and the
// shared enqueue step used by the read path. A refresh job carries exactly
// the aggregator's input parameters plus the snapshot key it will fill.
//
// Replays of a trigger retried with the same Idempotency-Key are served from
// an IdempotencyStore so a client retry does not enqueue a second job.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

// SnapshotStore is the subset of the snapshot cache the services use.
type SnapshotStore interface {
	KeyOf(params domain.RefreshParams, lookback time.Duration) string
	Get(ctx context.Context, key string) (*domain.Payload, *domain.Status, error)
	AcquireRefresh(ctx context.Context, key, jobID string, ttl time.Duration) (bool, error)
	ReleaseRefresh(ctx context.Context, key string) error
}

// JobQueue accepts refresh jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.RefreshJob) error
}

// enqueueTimeout bounds the synchronous enqueue. The enqueue is detached
// from the request context so a client hanging up does not drop the job.
const enqueueTimeout = 5 * time.Second

// refresher enqueues refresh jobs and maintains the in-flight marker.
type refresher struct {
	cache       SnapshotStore
	queue       JobQueue
	inflightTTL time.Duration
	log         zerolog.Logger
	newID       func() string
}

// enqueue appends a job for params under key. With guarded set, the job is
// skipped when another refresh for key is already in flight; it reports
// whether a job was enqueued.
func (r *refresher) enqueue(ctx context.Context, key string, params domain.RefreshParams, guarded bool) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	jobID := r.newID()
	log := r.log.With().Str("cache_key", key).Str("job_id", jobID).Logger()

	acquired, err := r.cache.AcquireRefresh(ctx, key, jobID, r.inflightTTL)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("set in-flight marker")
	case !acquired && guarded:
		log.Debug().Msg("refresh already in flight")
		return "", false, nil
	}

	job := domain.RefreshJob{ID: jobID, Key: key, Params: params}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		if acquired {
			_ = r.cache.ReleaseRefresh(ctx, key)
		}
		return "", false, err
	}
	log.Info().Strs("orgs", params.Orgs).Bool("guarded", guarded).Msg("refresh enqueued")
	return jobID, true, nil
}

// RefreshDefaults fill parameters a trigger leaves empty.
type RefreshDefaults struct {
	Orgs             []string
	MaxPRPages       int
	MaxReviewFetches int
}

// TriggerResult describes an enqueued refresh.
type TriggerResult struct {
	JobID     string
	Key       string
	Params    domain.RefreshParams // redacted
	Timestamp time.Time
}

// RefreshService enqueues refresh jobs on demand.
type RefreshService struct {
	Defaults RefreshDefaults
	Lookback time.Duration
	// Idempotency stores trigger responses for replay; nil disables replay.
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration

	r   *refresher
	now func() time.Time
}

// NewRefreshService constructs a RefreshService.
func NewRefreshService(cache SnapshotStore, q JobQueue, defaults RefreshDefaults, lookback, inflightTTL time.Duration, log zerolog.Logger) *RefreshService {
	return &RefreshService{
		Defaults: defaults,
		Lookback: lookback,
		r: &refresher{
			cache:       cache,
			queue:       q,
			inflightTTL: inflightTTL,
			log:         log,
			newID:       uuid.NewString,
		},
		now: time.Now,
	}
}

// Resolve applies defaults and validates params.
func (s *RefreshService) Resolve(params domain.RefreshParams) (domain.RefreshParams, error) {
	params.Orgs = domain.NormalizeOrgs(params.Orgs)
	if len(params.Orgs) == 0 {
		params.Orgs = domain.NormalizeOrgs(s.Defaults.Orgs)
	}
	if len(params.Orgs) == 0 {
		return params, ErrMissingOrgs
	}
	params.ExcludeOrgs = domain.NormalizeOrgs(params.ExcludeOrgs)
	if params.Since != nil && params.Until != nil && params.Since.After(*params.Until) {
		return params, ErrInvalidWindow
	}
	if params.MaxPRPages <= 0 {
		params.MaxPRPages = s.Defaults.MaxPRPages
	}
	if params.MaxReviewFetches <= 0 {
		params.MaxReviewFetches = s.Defaults.MaxReviewFetches
	}
	return params, nil
}

// Trigger enqueues exactly one refresh job for params. The in-flight
// marker is set but never blocks an explicit trigger.
func (s *RefreshService) Trigger(ctx context.Context, params domain.RefreshParams) (TriggerResult, error) {
	tr := otel.Tracer("services/RefreshService")
	ctx, span := tr.Start(ctx, "Trigger", trace.WithAttributes(
		attribute.StringSlice("orgs", params.Orgs),
	))
	defer span.End()

	params, err := s.Resolve(params)
	if err != nil {
		return TriggerResult{}, err
	}
	key := s.r.cache.KeyOf(params, s.Lookback)
	jobID, _, err := s.r.enqueue(ctx, key, params, false)
	if err != nil {
		span.RecordError(err)
		return TriggerResult{}, err
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("cache.key", key))
	return TriggerResult{
		JobID:     jobID,
		Key:       key,
		Params:    params.Redacted(),
		Timestamp: s.now().UTC(),
	}, nil
}

// Replay returns the stored response for an idempotency key.
func (s *RefreshService) Replay(ctx context.Context, scope, key string) (*domain.Idempotency, error) {
	if s.Idempotency == nil {
		return nil, ErrNoReplay
	}
	return s.Idempotency.Get(ctx, scope, key, s.now().UTC())
}

// Remember stores a trigger response for replay. A concurrent request that
// stored first wins; ErrReplayExists is not an error for the caller.
func (s *RefreshService) Remember(ctx context.Context, scope, key, jobID string, status int, body []byte) error {
	if s.Idempotency == nil || key == "" {
		return nil
	}
	err := s.Idempotency.Put(ctx, scope, key, jobID, string(body), status, s.IdempotencyTTL)
	if errors.Is(err, ErrReplayExists) {
		return nil
	}
	return err
}
