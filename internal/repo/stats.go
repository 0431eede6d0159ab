// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the
// refresh job table used by the health endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

// JobCounts is the number of jobs per state plus the enqueue time of the
// oldest pending job.
type JobCounts struct {
	Pending         int64
	Running         int64
	Failed          int64
	OldestPendingAt *time.Time
}

// JobStats returns per-state counts for the refresh job table.
//
// When there are no pending jobs, OldestPendingAt is nil.
func JobStats(ctx context.Context, db *gorm.DB) (JobCounts, error) {
	var out JobCounts
	var rows []struct {
		Status string
		N      int64
	}
	if err := db.WithContext(ctx).
		Model(&domain.JobRow{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return JobCounts{}, err
	}
	for _, r := range rows {
		switch r.Status {
		case domain.JobPending:
			out.Pending = r.N
		case domain.JobRunning:
			out.Running = r.N
		case domain.JobFailed:
			out.Failed = r.N
		}
	}
	if out.Pending == 0 {
		return out, nil
	}

	// Get oldest enqueued_at (avoid MIN() -> TEXT in SQLite)
	var row struct {
		EnqueuedAt time.Time
	}
	if err := db.WithContext(ctx).
		Model(&domain.JobRow{}).
		Where("status = ?", domain.JobPending).
		Select("enqueued_at").
		Order("seq asc").
		Limit(1).
		Scan(&row).Error; err != nil {
		return JobCounts{}, err
	}
	out.OldestPendingAt = &row.EnqueuedAt
	return out, nil
}
