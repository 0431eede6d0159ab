// Package handlers exposes the contributors API over HTTP.
//
// Handlers are transport-thin: they parse and validate input, call the
// services through the narrow interfaces below, and translate results into
// responses, headers included. All errors use the envelope from response.go.
package handlers

import (
	"context"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/queue"
	"github.com/tbourn/go-contributors-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// ContributorsReader serves cached contributor lists.
type ContributorsReader interface {
	Read(ctx context.Context, params domain.RefreshParams) (services.ReadResult, error)
}

// LedgerReader computes live per-login ledgers.
type LedgerReader interface {
	Ledger(ctx context.Context, login string, q services.LedgerQuery) (domain.LedgerPage, error)
}

// RefreshTrigger enqueues refreshes and stores trigger responses for replay.
type RefreshTrigger interface {
	Trigger(ctx context.Context, params domain.RefreshParams) (services.TriggerResult, error)
	Replay(ctx context.Context, scope, key string) (*domain.Idempotency, error)
	Remember(ctx context.Context, scope, key, jobID string, status int, body []byte) error
}

// QueueStats reports refresh queue depth for the health endpoint.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

//
// Handler wiring
//

// Options carry the settings handlers read per request.
type Options struct {
	// CronSecret guards POST /cron/refresh. Empty rejects every trigger.
	CronSecret string
	// EdgeMaxAge and EdgeSWR are the CDN directives, in seconds, sent with
	// servable contributor lists.
	EdgeMaxAge int
	EdgeSWR    int
	Version    string
}

// Handlers groups the API endpoints.
type Handlers struct {
	contributors ContributorsReader
	ledger       LedgerReader
	refresh      RefreshTrigger
	queue        QueueStats
	opts         Options
}

// New constructs Handlers bound to the given services. q may be nil, in
// which case /health omits queue stats.
func New(contributors ContributorsReader, ledger LedgerReader, refresh RefreshTrigger, q QueueStats, opts Options) *Handlers {
	return &Handlers{
		contributors: contributors,
		ledger:       ledger,
		refresh:      refresh,
		queue:        q,
		opts:         opts,
	}
}
