package domain

import (
	"strings"
	"time"
)

// RefreshParams are the inputs of one aggregation run. They double as the
// payload of a refresh job and as the source of the snapshot cache key.
//
// Since/Until are nil when the caller did not provide them; the aggregator
// then defaults to a trailing lookback window. Token, when set, overrides the
// configured GitHub credential for this run only and is never written to
// responses or cache keys.
type RefreshParams struct {
	Orgs             []string   `json:"orgs"`
	Since            *time.Time `json:"since,omitempty"`
	Until            *time.Time `json:"until,omitempty"`
	MaxPRPages       int        `json:"maxPrPages,omitempty"`
	MaxReviewFetches int        `json:"maxReviewFetches,omitempty"`
	ExcludeOrgs      []string   `json:"onlyExcludeOrgs,omitempty"`
	Token            string     `json:"token,omitempty"`
}

// Redacted returns a copy safe to log or echo back to clients.
func (p RefreshParams) Redacted() RefreshParams {
	p.Token = ""
	return p
}

// Window resolves the aggregation window. Missing bounds default to
// [now-lookback, now]; provided bounds are used as given.
func (p RefreshParams) Window(now time.Time, lookback time.Duration) (since, until time.Time) {
	until = now.UTC()
	if p.Until != nil {
		until = p.Until.UTC()
	}
	since = now.UTC().Add(-lookback)
	if p.Since != nil {
		since = p.Since.UTC()
	}
	return since, until
}

// NormalizeOrgs trims, lower-cases, drops empties and de-duplicates org
// names while preserving first-seen order.
func NormalizeOrgs(orgs []string) []string {
	out := make([]string, 0, len(orgs))
	seen := make(map[string]struct{}, len(orgs))
	for _, o := range orgs {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}

// RefreshJob is one queued aggregation request. Key is the snapshot key
// computed when the job was enqueued; it names the in-flight marker the
// worker clears once the job is finished.
type RefreshJob struct {
	ID         string        `json:"id"`
	Key        string        `json:"key,omitempty"`
	Params     RefreshParams `json:"params"`
	Attempts   int           `json:"attempts"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	LastError  string        `json:"lastError,omitempty"`
}

// LedgerItem is one entry of the live per-login ledger.
type LedgerItem struct {
	Date time.Time `json:"date"`
	Kind Kind      `json:"kind"`
	Link string    `json:"link"`
	Repo string    `json:"repo"`
}

// LedgerPage is one cursor page of a login's ledger.
type LedgerPage struct {
	Login      string         `json:"login"`
	Total      int            `json:"total"`
	Items      []LedgerItem   `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
	Debug      map[string]any `json:"debug,omitempty"`
}
