// Package services – ContributorsService
//
// This file implements the cached read path behind GET /contributors.
// Reads never wait for an aggregation:
//   - fresh snapshot: served as is
//   - stale but not hard-expired: served, and one refresh is enqueued
//   - hard-expired, missing or unreadable: an empty result is returned and a
//     refresh is enqueued (except when the cache itself is unreachable)
//
// The in-flight marker keeps concurrent readers of the same key from
// enqueuing more than one job.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/observability"
	"github.com/tbourn/go-contributors-backend/internal/snapshot"
)

// Snapshot read outcomes, also used as metric labels.
const (
	ReadFresh   = "fresh"
	ReadStale   = "stale"
	ReadCold    = "cold"
	ReadBackend = "backend_error"
)

// ReadResult is what the read path serves for one request.
type ReadResult struct {
	People      []domain.PersonAggregate
	Meta        domain.Meta
	Key         string
	Outcome     string
	Stale       bool // true for stale and cold results
	Cold        bool // nothing servable; the client gets an empty list
	Enqueued    bool
	LastUpdated *time.Time
}

// ContributorsService serves cached aggregation results.
type ContributorsService struct {
	Lookback time.Duration

	r   *refresher
	now func() time.Time
}

// NewContributorsService constructs a ContributorsService.
func NewContributorsService(cache SnapshotStore, q JobQueue, lookback, inflightTTL time.Duration, log zerolog.Logger) *ContributorsService {
	return &ContributorsService{
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

// Read returns the snapshot for params, applying the soft/hard TTL policy.
func (s *ContributorsService) Read(ctx context.Context, params domain.RefreshParams) (ReadResult, error) {
	tr := otel.Tracer("services/ContributorsService")
	ctx, span := tr.Start(ctx, "Read", trace.WithAttributes(
		attribute.StringSlice("orgs", params.Orgs),
	))
	defer span.End()

	params.Orgs = domain.NormalizeOrgs(params.Orgs)
	if len(params.Orgs) == 0 {
		return ReadResult{}, ErrMissingOrgs
	}
	params.ExcludeOrgs = domain.NormalizeOrgs(params.ExcludeOrgs)
	if params.Since != nil && params.Until != nil && params.Since.After(*params.Until) {
		return ReadResult{}, ErrInvalidWindow
	}
	params.Token = ""

	now := s.now()
	key := s.r.cache.KeyOf(params, s.Lookback)
	span.SetAttributes(attribute.String("cache.key", key))
	log := s.r.log.With().Str("cache_key", key).Logger()

	res := ReadResult{Key: key, People: []domain.PersonAggregate{}}
	payload, status, err := s.r.cache.Get(ctx, key)
	if err != nil {
		// The in-flight marker lives in the same store, so enqueues could
		// not be deduplicated. Serve cold and leave the refresh to cron.
		log.Warn().Err(err).Msg("snapshot read failed")
		span.RecordError(err)
		res.Outcome, res.Stale, res.Cold = ReadBackend, true, true
		res.Meta = coldMeta(params, now, s.Lookback)
		observability.ObserveSnapshotRead(res.Outcome)
		return res, nil
	}

	fresh := snapshot.Evaluate(status, now)
	if status != nil {
		lu := status.LastUpdated
		res.LastUpdated = &lu
	}
	switch {
	case payload == nil || fresh.HardExpired:
		res.Outcome, res.Stale, res.Cold = ReadCold, true, true
		res.Meta = coldMeta(params, now, s.Lookback)
	case fresh.Stale:
		res.Outcome, res.Stale = ReadStale, true
	default:
		res.Outcome = ReadFresh
	}
	if !res.Cold {
		res.Meta = payload.Meta
		if payload.People != nil {
			res.People = payload.People
		}
	}
	observability.ObserveSnapshotRead(res.Outcome)
	span.SetAttributes(attribute.String("snapshot.outcome", res.Outcome))

	if res.Stale {
		_, enqueued, err := s.r.enqueue(ctx, key, params, true)
		if err != nil {
			log.Error().Err(err).Msg("enqueue refresh")
			span.RecordError(err)
		}
		res.Enqueued = enqueued
	}
	return res, nil
}

// coldMeta describes the request when no payload can be served.
func coldMeta(params domain.RefreshParams, now time.Time, lookback time.Duration) domain.Meta {
	since, until := params.Window(now, lookback)
	return domain.Meta{
		Since:       since,
		Until:       until,
		Orgs:        params.Orgs,
		ExcludeOrgs: params.ExcludeOrgs,
		Errors:      []domain.UnitError{},
	}
}
