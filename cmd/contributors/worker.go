package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/observability"
	"github.com/tbourn/go-contributors-backend/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the refresh worker against the configured queue and cache.",
	Long: `worker consumes refresh jobs one at a time and writes snapshots to the cache.

Use it when the API runs with WORKER_ENABLED=false. The cache and queue must be
shared with the API (CACHE_BACKEND=redis, and a SQL or redis queue reachable
from both processes).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd.Context(), cfg)
	},
}

func runWorker(ctx context.Context, cfg config.Config) error {
	if cfg.Cache.Backend == config.CacheMemory {
		logger.Warn().Msg("CACHE_BACKEND=memory: snapshots written by this process are invisible to the API")
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, "worker")
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

	w := worker.New(a.queue, a.agg, a.cache, cfg.Queue.RunTimeout, logger)
	return w.Run(ctx)
}
