// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for refresh job
// rows, the storage of the SQL-backed refresh queue.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no queueing policy, only
// persistence and query composition. Retry limits and retention live in
// the queue package.
//
// Functions:
//
//   - InsertJob(ctx, db, row) -> error
//     Appends a pending job; Seq is assigned by the database.
//
//   - ClaimNextJob(ctx, db, now) -> *domain.JobRow, error
//     Atomically moves the oldest pending job to running, or ErrNotFound.
//
//   - DeleteJob(ctx, db, jobID) -> error
//
//   - RequeueJob(ctx, db, jobID, attempts, lastErr, now) -> error
//     Moves a running job back to the tail of the pending queue.
//
//   - MarkJobFailed(ctx, db, jobID, attempts, lastErr, now) -> error
//
//   - TrimFailedJobs(ctx, db, keep) -> (int64, error)
//     Deletes all but the newest keep failed jobs.
//
//   - RecoverRunningJobs(ctx, db, now) -> (int64, error)
//     Returns jobs left running by a crashed worker to pending.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

// InsertJob appends row as a pending job.
func InsertJob(ctx context.Context, db *gorm.DB, row *domain.JobRow) error {
	row.Status = domain.JobPending
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.EnqueuedAt
	}
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ClaimNextJob marks the oldest pending job as running and returns it.
// The conditional update makes concurrent claimers safe: only one of them
// sees RowsAffected == 1 for a given row.
func ClaimNextJob(ctx context.Context, db *gorm.DB, now time.Time) (*domain.JobRow, error) {
	for {
		var row domain.JobRow
		err := db.WithContext(ctx).
			Where("status = ?", domain.JobPending).
			Order("seq asc").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		res := db.WithContext(ctx).
			Model(&domain.JobRow{}).
			Where("seq = ? AND status = ?", row.Seq, domain.JobPending).
			Updates(map[string]any{"status": domain.JobRunning, "updated_at": now})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			row.Status = domain.JobRunning
			row.UpdatedAt = now
			return &row, nil
		}
		// Lost the race for this row; try the next one.
	}
}

// DeleteJob removes a job. Missing jobs are not an error.
func DeleteJob(ctx context.Context, db *gorm.DB, jobID string) error {
	return db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&domain.JobRow{}).Error
}

// RequeueJob moves a job to the tail of the pending queue by re-inserting
// it under a fresh sequence number.
func RequeueJob(ctx context.Context, db *gorm.DB, jobID string, attempts int, lastErr string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row domain.JobRow
		if err := tx.Where("job_id = ?", jobID).First(&row).Error; err != nil {
			return err
		}
		if err := tx.Delete(&domain.JobRow{}, row.Seq).Error; err != nil {
			return err
		}
		next := domain.JobRow{
			JobID:      row.JobID,
			CacheKey:   row.CacheKey,
			Params:     row.Params,
			Status:     domain.JobPending,
			Attempts:   attempts,
			LastError:  lastErr,
			EnqueuedAt: row.EnqueuedAt,
			UpdatedAt:  now,
		}
		return tx.Create(&next).Error
	})
}

// MarkJobFailed moves a job to the failed state.
func MarkJobFailed(ctx context.Context, db *gorm.DB, jobID string, attempts int, lastErr string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.JobRow{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":     domain.JobFailed,
			"attempts":   attempts,
			"last_error": lastErr,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TrimFailedJobs keeps the newest keep failed jobs (by Seq) and deletes the
// rest.
func TrimFailedJobs(ctx context.Context, db *gorm.DB, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var stale []uint64
	err := db.WithContext(ctx).
		Model(&domain.JobRow{}).
		Where("status = ?", domain.JobFailed).
		Order("seq desc").
		Offset(keep).
		Limit(1 << 20). // some dialects reject OFFSET without LIMIT
		Pluck("seq", &stale).Error
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	res := db.WithContext(ctx).Delete(&domain.JobRow{}, stale)
	return res.RowsAffected, res.Error
}

// RecoverRunningJobs returns running jobs to pending. Call it before a
// worker starts consuming.
func RecoverRunningJobs(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.JobRow{}).
		Where("status = ?", domain.JobRunning).
		Updates(map[string]any{"status": domain.JobPending, "updated_at": now})
	return res.RowsAffected, res.Error
}

// ListFailedJobs returns failed jobs, newest first.
func ListFailedJobs(ctx context.Context, db *gorm.DB, limit int) ([]domain.JobRow, error) {
	var out []domain.JobRow
	err := db.WithContext(ctx).
		Where("status = ?", domain.JobFailed).
		Order("seq desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
