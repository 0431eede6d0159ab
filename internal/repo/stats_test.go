package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestJobStats(t *testing.T) {
	db := newTestDB(t, &domain.JobRow{})
	ctx := context.Background()

	got, err := JobStats(ctx, db)
	if err != nil || got.Pending != 0 || got.OldestPendingAt != nil {
		t.Fatalf("empty stats = %+v, %v", got, err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		row := &domain.JobRow{JobID: fmt.Sprint("s", i), Params: "{}", EnqueuedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := InsertJob(ctx, db, row); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}
	if _, err := ClaimNextJob(ctx, db, base); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	got, err = JobStats(ctx, db)
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if got.Pending != 2 || got.Running != 1 || got.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if got.OldestPendingAt == nil || !got.OldestPendingAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected oldest pending: %v", got.OldestPendingAt)
	}
}

func TestJobStats_Error_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, err := JobStats(context.Background(), db); err == nil {
		t.Fatalf("expected error due to missing table")
	}
}
