package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/repo"
)

// SQLQueue stores jobs in the refresh_jobs table through the repo package.
// It works with any gorm dialector the repo package opens (sqlite, mysql).
type SQLQueue struct {
	db     *gorm.DB
	opts   Options
	closed atomic.Bool
	done   chan struct{}
	now    func() time.Time
}

// NewSQLQueue wraps db.
func NewSQLQueue(db *gorm.DB, opts Options) *SQLQueue {
	return &SQLQueue{db: db, opts: opts.withDefaults(), done: make(chan struct{}), now: time.Now}
}

// Recover implements Queue: running rows go back to pending.
func (q *SQLQueue) Recover(ctx context.Context) (int64, error) {
	n, err := repo.RecoverRunningJobs(ctx, q.db, q.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return n, nil
}

// Enqueue implements Queue.
func (q *SQLQueue) Enqueue(ctx context.Context, job domain.RefreshJob) error {
	if q.closed.Load() {
		return ErrClosed
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	return repo.InsertJob(ctx, q.db, &domain.JobRow{
		JobID:      job.ID,
		CacheKey:   job.Key,
		Params:     string(params),
		Attempts:   job.Attempts,
		EnqueuedAt: job.EnqueuedAt,
	})
}

// Dequeue implements Queue by polling every PollInterval.
func (q *SQLQueue) Dequeue(ctx context.Context) (*domain.RefreshJob, error) {
	t := time.NewTicker(q.opts.PollInterval)
	defer t.Stop()
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		row, err := repo.ClaimNextJob(ctx, q.db, q.now().UTC())
		switch {
		case err == nil:
			job, derr := jobFromRow(row)
			if derr != nil {
				// Retrying cannot make the row readable.
				if perr := q.park(ctx, row, derr); perr != nil {
					return nil, errors.Join(derr, perr)
				}
				return nil, derr
			}
			return job, nil
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-t.C:
		}
	}
}

func jobFromRow(row *domain.JobRow) (*domain.RefreshJob, error) {
	job := &domain.RefreshJob{
		ID:         row.JobID,
		Key:        row.CacheKey,
		Attempts:   row.Attempts,
		EnqueuedAt: row.EnqueuedAt,
		LastError:  row.LastError,
	}
	if err := json.Unmarshal([]byte(row.Params), &job.Params); err != nil {
		return job, fmt.Errorf("decode job %s: %w", row.JobID, err)
	}
	return job, nil
}

// Complete implements Queue.
func (q *SQLQueue) Complete(ctx context.Context, job *domain.RefreshJob) error {
	return repo.DeleteJob(ctx, q.db, job.ID)
}

// Fail implements Queue.
func (q *SQLQueue) Fail(ctx context.Context, job *domain.RefreshJob, cause error) (bool, error) {
	job.Attempts++
	job.LastError = failureMessage(cause)
	now := q.now().UTC()
	if job.Attempts < q.opts.MaxAttempts {
		return true, repo.RequeueJob(ctx, q.db, job.ID, job.Attempts, job.LastError, now)
	}
	return false, q.markFailed(ctx, job.ID, job.Attempts, job.LastError, now)
}

// park moves an undecodable row straight to the failed set.
func (q *SQLQueue) park(ctx context.Context, row *domain.JobRow, cause error) error {
	return q.markFailed(ctx, row.JobID, row.Attempts+1, failureMessage(cause), q.now().UTC())
}

func (q *SQLQueue) markFailed(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	if err := repo.MarkJobFailed(ctx, q.db, id, attempts, lastErr, now); err != nil {
		return err
	}
	if _, err := repo.TrimFailedJobs(ctx, q.db, q.opts.FailedRetention); err != nil {
		return fmt.Errorf("trim failed jobs: %w", err)
	}
	return nil
}

// Failed implements Queue. Rows whose parameters no longer decode are
// still listed with empty parameters.
func (q *SQLQueue) Failed(ctx context.Context, limit int) ([]domain.RefreshJob, error) {
	rows, err := repo.ListFailedJobs(ctx, q.db, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RefreshJob, 0, len(rows))
	for i := range rows {
		job, _ := jobFromRow(&rows[i])
		out = append(out, *job)
	}
	return out, nil
}

// Stats implements Queue.
func (q *SQLQueue) Stats(ctx context.Context) (Stats, error) {
	c, err := repo.JobStats(ctx, q.db)
	if err != nil {
		return Stats{}, err
	}
	backend := q.db.Dialector.Name()
	if backend != config.QueueMySQL {
		backend = config.QueueSQLite
	}
	return Stats{
		Backend:         backend,
		Pending:         c.Pending,
		Running:         c.Running,
		Failed:          c.Failed,
		OldestPendingAt: c.OldestPendingAt,
	}, nil
}

// Close stops blocked Dequeue calls. The database is owned by the caller.
func (q *SQLQueue) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
	return nil
}
