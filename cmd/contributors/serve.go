package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-contributors-backend/internal/config"
	httpapi "github.com/tbourn/go-contributors-backend/internal/http"
	"github.com/tbourn/go-contributors-backend/internal/observability"
	"github.com/tbourn/go-contributors-backend/internal/repo"
	"github.com/tbourn/go-contributors-backend/internal/services"
	"github.com/tbourn/go-contributors-backend/internal/worker"
)

// purgeInterval is how often expired idempotency rows are deleted.
const purgeInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the refresh worker unless WORKER_ENABLED=false).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, "serve")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	a, err := newApp(ctx, cfg, logger, appNeeds{github: true, cache: true, queue: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	lookback := cfg.Lookback()
	refresh := services.NewRefreshService(a.cache, a.queue, a.refreshDefaults(), lookback, cfg.Cache.InflightTTL,
		logger.With().Str("service", "refresh").Logger())
	refresh.Idempotency = a.idempotencyStore()
	refresh.IdempotencyTTL = cfg.IdempotencyTTL

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Contributors: services.NewContributorsService(a.cache, a.queue, lookback, cfg.Cache.InflightTTL,
			logger.With().Str("service", "contributors").Logger()),
		Ledger: services.NewLedgerService(a.gh, cfg.Aggregation.DefaultOrgs, lookback,
			cfg.Aggregation.MaxReviewFetches, cfg.GitHub.Concurrency),
		Refresh: refresh,
		Queue:   a.queue,
		Version: version,
	}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	var wg sync.WaitGroup

	if cfg.Queue.WorkerEnabled {
		w := worker.New(a.queue, a.agg, a.cache, cfg.Queue.RunTimeout, logger.With().Str("component", "worker").Logger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(bgCtx); err != nil {
				logger.Error().Err(err).Msg("worker exited")
			}
		}()
	}
	if a.db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			purgeIdempotency(bgCtx, a)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).
			Str("cache", cfg.Cache.Backend).Str("queue", cfg.Queue.Backend).
			Bool("worker", cfg.Queue.WorkerEnabled).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			cancelBG()
			wg.Wait()
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// A running aggregation is abandoned; its job is requeued on the next
	// start.
	cancelBG()
	wg.Wait()
	return nil
}

func purgeIdempotency(ctx context.Context, a *app) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, a.db, now.UTC())
			if err != nil {
				a.log.Warn().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				a.log.Debug().Int64("rows", n).Msg("purged expired idempotency records")
			}
		}
	}
}
