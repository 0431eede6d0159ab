// Package worker runs refresh jobs: it takes one job at a time from the
// queue, aggregates it and stores the result in the snapshot cache.
//
// A run that fails as a whole leaves the previous snapshot in place; the
// queue decides whether the job is retried or parked.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/observability"
	"github.com/tbourn/go-contributors-backend/internal/queue"
	"github.com/tbourn/go-contributors-backend/internal/snapshot"
)

// Aggregator computes a payload for one set of parameters.
type Aggregator interface {
	Run(ctx context.Context, params domain.RefreshParams) (domain.Payload, error)
	Lookback() time.Duration
}

// Worker is the single consumer of the refresh queue.
type Worker struct {
	Queue      queue.Queue
	Aggregator Aggregator
	Cache      *snapshot.Cache
	// RunTimeout bounds one aggregation; zero means no limit.
	RunTimeout time.Duration
	// ErrorBackoff is the pause after a failed Dequeue.
	ErrorBackoff time.Duration
	Log          zerolog.Logger
}

// New constructs a Worker.
func New(q queue.Queue, agg Aggregator, cache *snapshot.Cache, runTimeout time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		Queue:        q,
		Aggregator:   agg,
		Cache:        cache,
		RunTimeout:   runTimeout,
		ErrorBackoff: time.Second,
		Log:          log,
	}
}

// Run first requeues jobs a previous consumer left running, then consumes
// jobs until ctx is cancelled or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	n, err := w.Queue.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.Log.Warn().Int64("jobs", n).Msg("requeued jobs left running by a previous worker")
	}
	w.Log.Info().Dur("run_timeout", w.RunTimeout).Msg("refresh worker started")
	defer w.Log.Info().Msg("refresh worker stopped")
	for {
		job, err := w.Queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			// Undecodable entries were already parked by the queue.
			w.Log.Error().Err(err).Msg("dequeue refresh job")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.ErrorBackoff):
			}
			continue
		}
		_ = w.Process(ctx, job)
	}
}

// Process runs one job to completion and settles it with the queue. It
// returns the aggregation error, if any.
func (w *Worker) Process(ctx context.Context, job *domain.RefreshJob) error {
	log := w.Log.With().
		Str("job_id", job.ID).
		Strs("orgs", job.Params.Orgs).
		Int("attempt", job.Attempts+1).
		Logger()
	observability.ObserveRefreshJob("started")

	runCtx := ctx
	if w.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	payload, err := w.Aggregator.Run(runCtx, job.Params)
	if err == nil {
		// The job carries the key readers computed at enqueue time, which
		// stays valid across a day boundary.
		key := job.Key
		if key == "" {
			key = w.Cache.KeyOf(job.Params, w.Aggregator.Lookback())
		}
		log = log.With().Str("cache_key", key).Logger()
		if _, err = w.Cache.Set(ctx, key, payload); err == nil {
			if cerr := w.Queue.Complete(ctx, job); cerr != nil {
				log.Warn().Err(cerr).Msg("complete refresh job")
			}
			w.release(ctx, log, job)
			observability.ObserveRefreshJob("completed")
			log.Info().
				Int("people", len(payload.People)).
				Int("unit_errors", len(payload.Meta.Errors)).
				Dur("took", time.Since(started)).
				Msg("snapshot refreshed")
			return nil
		}
		log.Error().Err(err).Msg("store snapshot")
	}

	if ctx.Err() != nil {
		// Shutdown: the job stays running and is recovered on next start.
		log.Warn().Err(err).Msg("refresh job interrupted")
		return err
	}
	retried, ferr := w.Queue.Fail(ctx, job, err)
	if ferr != nil {
		log.Error().Err(ferr).Msg("record refresh job failure")
	}
	if retried {
		observability.ObserveRefreshJob("retried")
		log.Warn().Err(err).Msg("refresh job failed, requeued")
		return err
	}
	w.release(ctx, log, job)
	observability.ObserveRefreshJob("failed")
	log.Error().Err(err).Msg("refresh job failed permanently")
	return err
}

func (w *Worker) release(ctx context.Context, log zerolog.Logger, job *domain.RefreshJob) {
	if job.Key == "" {
		return
	}
	if err := w.Cache.ReleaseRefresh(ctx, job.Key); err != nil {
		log.Warn().Err(err).Msg("release in-flight marker")
	}
}
