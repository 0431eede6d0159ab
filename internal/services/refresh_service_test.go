package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/snapshot"
)

func newRefreshService(store *fakeStore, q *fakeQueue, defaults RefreshDefaults) *RefreshService {
	s := NewRefreshService(store, q, defaults, 30*24*time.Hour, time.Minute, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }
	return s
}

func TestRefreshService_Trigger_AppliesDefaultsAndRedacts(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	s := newRefreshService(store, q, RefreshDefaults{Orgs: []string{"Acme", "beta"}, MaxPRPages: 5, MaxReviewFetches: 40})

	res, err := s.Trigger(context.Background(), domain.RefreshParams{Token: "secret", MaxPRPages: 2})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.JobID == "" || res.Key != "contributors:test:acme" || !res.Timestamp.Equal(fixedNow) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Params.Token != "" {
		t.Fatalf("token must not be echoed back")
	}
	if got := res.Params; len(got.Orgs) != 2 || got.MaxPRPages != 2 || got.MaxReviewFetches != 40 {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if q.count() != 1 || q.jobs[0].Params.Token != "secret" || q.jobs[0].Key != res.Key {
		t.Fatalf("job should carry the credential override and key: %+v", q.jobs)
	}
}

func TestRefreshService_Trigger_AlwaysEnqueues(t *testing.T) {
	store, q := newFakeStore(), &fakeQueue{}
	s := newRefreshService(store, q, RefreshDefaults{})
	for i := 0; i < 2; i++ {
		if _, err := s.Trigger(context.Background(), domain.RefreshParams{Orgs: []string{"acme"}}); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
	}
	if q.count() != 2 {
		t.Fatalf("each trigger enqueues one job even with a marker set, got %d", q.count())
	}
}

func TestRefreshService_Trigger_Errors(t *testing.T) {
	s := newRefreshService(newFakeStore(), &fakeQueue{}, RefreshDefaults{})
	if _, err := s.Trigger(context.Background(), domain.RefreshParams{}); err != ErrMissingOrgs {
		t.Fatalf("expected ErrMissingOrgs, got %v", err)
	}

	q := &fakeQueue{err: fmt.Errorf("queue down")}
	s = newRefreshService(newFakeStore(), q, RefreshDefaults{})
	if _, err := s.Trigger(context.Background(), domain.RefreshParams{Orgs: []string{"acme"}}); err == nil {
		t.Fatalf("expected enqueue error to surface")
	}
}

func TestRefreshService_ReplayAndRemember(t *testing.T) {
	for name, store := range map[string]IdempotencyStore{
		"sql": SQLIdempotency{DB: newIdemDB(t)},
		"kv":  KVIdempotency{Backend: snapshot.NewMemoryBackend()},
	} {
		t.Run(name, func(t *testing.T) {
			s := newRefreshService(newFakeStore(), &fakeQueue{}, RefreshDefaults{})
			s.now = time.Now
			s.Idempotency = store
			s.IdempotencyTTL = time.Hour
			ctx := context.Background()

			if _, err := s.Replay(ctx, "cron", "k1"); err != ErrNoReplay {
				t.Fatalf("expected ErrNoReplay, got %v", err)
			}
			if err := s.Remember(ctx, "cron", "k1", "job-1", 202, []byte(`{"ok":true}`)); err != nil {
				t.Fatalf("Remember: %v", err)
			}
			// A second writer loses silently.
			if err := s.Remember(ctx, "cron", "k1", "job-2", 202, []byte(`{}`)); err != nil {
				t.Fatalf("Remember duplicate: %v", err)
			}
			rec, err := s.Replay(ctx, "cron", "k1")
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}
			if rec.JobID != "job-1" || rec.Response != `{"ok":true}` || rec.Status != 202 {
				t.Fatalf("unexpected replay: %+v", rec)
			}
			if _, err := s.Replay(ctx, "other", "k1"); err != ErrNoReplay {
				t.Fatalf("keys are scoped, got %v", err)
			}
		})
	}
}

func TestRefreshService_ReplayDisabled(t *testing.T) {
	s := newRefreshService(newFakeStore(), &fakeQueue{}, RefreshDefaults{})
	if _, err := s.Replay(context.Background(), "cron", "k"); err != ErrNoReplay {
		t.Fatalf("expected ErrNoReplay without a store, got %v", err)
	}
	if err := s.Remember(context.Background(), "cron", "k", "j", 202, nil); err != nil {
		t.Fatalf("Remember without a store should be a no-op: %v", err)
	}
}

func newIdemDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:idemsvc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}
