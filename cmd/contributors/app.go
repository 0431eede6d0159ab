package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-contributors-backend/internal/aggregator"
	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/github"
	"github.com/tbourn/go-contributors-backend/internal/queue"
	"github.com/tbourn/go-contributors-backend/internal/repo"
	"github.com/tbourn/go-contributors-backend/internal/services"
	"github.com/tbourn/go-contributors-backend/internal/snapshot"
)

// app owns every client the subcommands share. Fields a command does not
// need stay nil.
type app struct {
	cfg config.Config
	log zerolog.Logger

	etags   github.ETagStore
	gh      *github.Client
	agg     *aggregator.Aggregator
	rdb     redis.UniversalClient
	db      *gorm.DB
	backend snapshot.Backend
	cache   *snapshot.Cache
	queue   queue.Queue

	closers []func() error
}

type appNeeds struct {
	github bool
	cache  bool
	queue  bool
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, needs appNeeds) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	// The bolt ETag file is locked by its owner; only open it when the
	// command talks to GitHub.
	if needs.github {
		if err := a.openGitHub(); err != nil {
			return nil, err
		}
	}

	useRedis := (needs.cache && cfg.Cache.Backend == config.CacheRedis) ||
		(needs.queue && cfg.Queue.Backend == config.QueueRedis)
	if useRedis {
		if err := a.openRedis(ctx); err != nil {
			return nil, err
		}
	}

	if needs.cache {
		b, err := snapshot.NewBackend(cfg.Cache, a.rdb)
		if err != nil {
			return nil, err
		}
		a.backend = b
		a.closers = append(a.closers, b.Close)
		a.cache = snapshot.New(b, snapshot.Options{
			SoftTTL: cfg.Cache.SoftTTL,
			HardTTL: cfg.Cache.HardTTL,
			Version: cfg.Cache.Version,
		})
	}

	if needs.queue {
		if cfg.Queue.Backend != config.QueueRedis {
			db, err := repo.Open(cfg.Queue)
			if err != nil {
				return nil, fmt.Errorf("open %s database: %w", cfg.Queue.Backend, err)
			}
			a.db = db
			if sqlDB, err := db.DB(); err == nil {
				a.closers = append(a.closers, sqlDB.Close)
			}
		}
		q, err := queue.Open(cfg.Queue, a.db, a.rdb, log.With().Str("queue", cfg.Queue.Backend).Logger())
		if err != nil {
			return nil, err
		}
		a.queue = q
		a.closers = append(a.closers, q.Close)
	}
	return a, nil
}

func (a *app) openGitHub() error {
	gcfg := a.cfg.GitHub
	if gcfg.ETagStorePath != "" {
		s, err := github.NewBoltETagStore(gcfg.ETagStorePath, gcfg.ETagTTL)
		if err != nil {
			return fmt.Errorf("etag store: %w", err)
		}
		a.etags = s
	} else {
		a.etags = github.NewMemoryETagStore(gcfg.ETagTTL)
	}
	a.closers = append(a.closers, a.etags.Close)

	a.gh = github.New(github.Options{
		BaseURL:    gcfg.APIURL,
		GraphQLURL: gcfg.GraphQLURL,
		Token:      gcfg.Token,
		UserAgent:  "go-contributors-backend/" + version,
		Timeout:    gcfg.HTTPTimeout,
		Retry: github.RetryPolicy{
			MaxRetries:      gcfg.MaxRetries,
			RateLimitedWait: gcfg.RateLimitWait,
			ShortWait:       gcfg.RetryWait,
			MaxElapsed:      gcfg.RetryMaxElapse,
		},
		Concurrency: gcfg.Concurrency,
		RPS:         gcfg.RPS,
		MemoTTL:     gcfg.GraphQLMemoTTL,
		ETags:       a.etags,
		Logger:      a.log.With().Str("client", "github").Logger(),
	})
	if gcfg.Token == "" {
		a.log.Warn().Msg("GITHUB_TOKEN is not set; unauthenticated requests are limited to 60 per hour")
	}

	agg := a.cfg.Aggregation
	a.agg = aggregator.New(aggregator.ClientSource(a.gh), aggregator.Config{
		Concurrency:      gcfg.Concurrency,
		Lookback:         a.cfg.Lookback(),
		MaxPRPages:       agg.MaxPRPages,
		MaxReviewFetches: agg.MaxReviewFetches,
		EarlyStop:        agg.EarlyStop,
	}, a.log.With().Str("component", "aggregator").Logger())
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	rc := a.cfg.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis %s: %w", rc.Addr, err)
	}
	a.rdb = rdb
	a.closers = append(a.closers, rdb.Close)
	return nil
}

// idempotencyStore keeps replay records next to the queue: in the SQL
// database when there is one, otherwise in redis.
func (a *app) idempotencyStore() services.IdempotencyStore {
	switch {
	case a.db != nil:
		return services.SQLIdempotency{DB: a.db}
	case a.rdb != nil:
		return services.KVIdempotency{Backend: snapshot.NewRedisBackend(a.rdb)}
	default:
		return nil
	}
}

func (a *app) refreshDefaults() services.RefreshDefaults {
	return services.RefreshDefaults{
		Orgs:             a.cfg.Aggregation.DefaultOrgs,
		MaxPRPages:       a.cfg.Aggregation.MaxPRPages,
		MaxReviewFetches: a.cfg.Aggregation.MaxReviewFetches,
	}
}

// Close releases clients in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
