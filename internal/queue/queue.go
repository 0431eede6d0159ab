// Package queue implements the durable refresh queue consumed by the worker.
//
// Jobs are delivered strictly in arrival order. A completed job is removed.
// A failed job goes back to the tail of the queue until it has used
// MaxAttempts, after which it is parked in a failed set that keeps only the
// newest FailedRetention entries for inspection.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/domain"
)

// ErrClosed is returned by Dequeue and Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// Queue is a FIFO of refresh jobs with bounded retry.
type Queue interface {
	// Recover returns jobs left running by a consumer that died to the head
	// of the queue. Only the consumer may call it, before its first Dequeue;
	// other processes sharing the queue would steal live jobs.
	Recover(ctx context.Context) (int64, error)
	// Enqueue appends job. A zero EnqueuedAt is set to now.
	Enqueue(ctx context.Context, job domain.RefreshJob) error
	// Dequeue blocks until a job is available, ctx is done or the queue
	// is closed. The returned job is running until Complete or Fail. An
	// entry that cannot be decoded is parked and reported as an error.
	Dequeue(ctx context.Context) (*domain.RefreshJob, error)
	// Complete removes a finished job.
	Complete(ctx context.Context, job *domain.RefreshJob) error
	// Fail records cause on job. It reports whether the job was requeued;
	// false means it was moved to the failed set.
	Fail(ctx context.Context, job *domain.RefreshJob, cause error) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	// Failed returns up to limit parked jobs, most recent first.
	Failed(ctx context.Context, limit int) ([]domain.RefreshJob, error)
	Close() error
}

// Stats is a point-in-time view of the queue used by /health.
type Stats struct {
	Backend         string     `json:"backend"`
	Pending         int64      `json:"pending"`
	Running         int64      `json:"running"`
	Failed          int64      `json:"failed"`
	OldestPendingAt *time.Time `json:"oldestPendingAt,omitempty"`
}

// Options tune retry and retention.
type Options struct {
	MaxAttempts     int
	FailedRetention int
	PollInterval    time.Duration
	Logger          zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FailedRetention < 0 {
		o.FailedRetention = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// OptionsFrom maps the queue configuration to Options.
func OptionsFrom(cfg config.QueueConfig, log zerolog.Logger) Options {
	return Options{
		MaxAttempts:     cfg.MaxAttempts,
		FailedRetention: cfg.FailedRetention,
		PollInterval:    cfg.PollInterval,
		Logger:          log,
	}
}

// Open builds the queue selected by cfg.Backend. SQL backends run on db,
// redis on rdb; both handles stay owned by the caller.
func Open(cfg config.QueueConfig, db *gorm.DB, rdb redis.UniversalClient, log zerolog.Logger) (Queue, error) {
	opts := OptionsFrom(cfg, log)
	switch cfg.Backend {
	case config.QueueSQLite, config.QueueMySQL:
		if db == nil {
			return nil, fmt.Errorf("queue: %s backend requires a database", cfg.Backend)
		}
		return NewSQLQueue(db, opts), nil
	case config.QueueRedis:
		if rdb == nil {
			return nil, errors.New("queue: redis backend requires a client")
		}
		return NewRedisQueue(rdb, opts), nil
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}

// failureMessage bounds the stored error text.
func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
