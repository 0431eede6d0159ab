package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tbourn/go-contributors-backend/internal/config"
	"github.com/tbourn/go-contributors-backend/internal/domain"
)

const (
	pendingKey    = "contributors:jobs:pending"
	processingKey = "contributors:jobs:processing"
	failedKey     = "contributors:jobs:failed"
)

// RedisQueue keeps jobs in three lists. Producers LPUSH onto pending and the
// consumer BLMOVEs from its right end into processing, so the right end of
// pending is always the oldest job.
type RedisQueue struct {
	rdb    redis.UniversalClient
	opts   Options
	closed atomic.Bool
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]string // job ID -> raw entry in processing
}

// NewRedisQueue wraps rdb.
func NewRedisQueue(rdb redis.UniversalClient, opts Options) *RedisQueue {
	return &RedisQueue{
		rdb:      rdb,
		opts:     opts.withDefaults(),
		now:      time.Now,
		inflight: make(map[string]string),
	}
}

// Recover implements Queue: entries orphaned in the processing list move
// back to the head of pending, oldest first.
func (q *RedisQueue) Recover(ctx context.Context) (int64, error) {
	var n int64
	for {
		err := q.rdb.LMove(ctx, processingKey, pendingKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing jobs: %w", err)
		}
		n++
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job domain.RefreshJob) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.rdb.LPush(ctx, pendingKey, raw).Err()
}

// Dequeue implements Queue. It blocks on BLMOVE for up to PollInterval at
// a time so Close and ctx are noticed promptly.
func (q *RedisQueue) Dequeue(ctx context.Context) (*domain.RefreshJob, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := q.rdb.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", q.opts.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		var job domain.RefreshJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Unreadable entries would block the head forever; park them.
			_ = q.park(ctx, raw, raw)
			return nil, fmt.Errorf("decode job: %w", err)
		}
		q.mu.Lock()
		q.inflight[job.ID] = raw
		q.mu.Unlock()
		return &job, nil
	}
}

func (q *RedisQueue) take(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	raw := q.inflight[id]
	delete(q.inflight, id)
	return raw
}

// Complete implements Queue.
func (q *RedisQueue) Complete(ctx context.Context, job *domain.RefreshJob) error {
	raw := q.take(job.ID)
	if raw == "" {
		return nil
	}
	return q.rdb.LRem(ctx, processingKey, 1, raw).Err()
}

// Fail implements Queue.
func (q *RedisQueue) Fail(ctx context.Context, job *domain.RefreshJob, cause error) (bool, error) {
	raw := q.take(job.ID)
	job.Attempts++
	job.LastError = failureMessage(cause)
	next, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	if job.Attempts < q.opts.MaxAttempts {
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if raw != "" {
				p.LRem(ctx, processingKey, 1, raw)
			}
			p.LPush(ctx, pendingKey, next)
			return nil
		})
		return true, err
	}
	return false, q.park(ctx, raw, string(next))
}

// park moves an entry from processing to the failed list and trims it.
func (q *RedisQueue) park(ctx context.Context, raw, entry string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if raw != "" {
			p.LRem(ctx, processingKey, 1, raw)
		}
		p.LPush(ctx, failedKey, entry)
		if q.opts.FailedRetention > 0 {
			p.LTrim(ctx, failedKey, 0, int64(q.opts.FailedRetention-1))
		} else {
			p.Del(ctx, failedKey)
		}
		return nil
	})
	return err
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var pending, running, failed *redis.IntCmd
	var oldest *redis.StringCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, pendingKey)
		running = p.LLen(ctx, processingKey)
		failed = p.LLen(ctx, failedKey)
		oldest = p.LIndex(ctx, pendingKey, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	st := Stats{
		Backend: config.QueueRedis,
		Pending: pending.Val(),
		Running: running.Val(),
		Failed:  failed.Val(),
	}
	if raw, err := oldest.Result(); err == nil {
		var job domain.RefreshJob
		if json.Unmarshal([]byte(raw), &job) == nil && !job.EnqueuedAt.IsZero() {
			at := job.EnqueuedAt
			st.OldestPendingAt = &at
		}
	}
	return st, nil
}

// Failed implements Queue. Entries that do not decode are skipped.
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]domain.RefreshJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := q.rdb.LRange(ctx, failedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.RefreshJob, 0, len(raws))
	for _, raw := range raws {
		var job domain.RefreshJob
		if json.Unmarshal([]byte(raw), &job) != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Close stops Dequeue. The client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
