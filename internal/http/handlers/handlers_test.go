package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/github"
	"github.com/tbourn/go-contributors-backend/internal/http/middleware"
	"github.com/tbourn/go-contributors-backend/internal/queue"
	"github.com/tbourn/go-contributors-backend/internal/services"
)

// ---------- fakes ----------

type fakeContributors struct {
	res  services.ReadResult
	err  error
	last domain.RefreshParams
}

func (f *fakeContributors) Read(_ context.Context, p domain.RefreshParams) (services.ReadResult, error) {
	f.last = p
	return f.res, f.err
}

type fakeLedger struct {
	page  domain.LedgerPage
	err   error
	login string
	q     services.LedgerQuery
}

func (f *fakeLedger) Ledger(_ context.Context, login string, q services.LedgerQuery) (domain.LedgerPage, error) {
	f.login, f.q = login, q
	return f.page, f.err
}

type fakeRefresh struct {
	mu       sync.Mutex
	err      error
	triggers []domain.RefreshParams
	stored   map[string]*domain.Idempotency
}

func newFakeRefresh() *fakeRefresh {
	return &fakeRefresh{stored: map[string]*domain.Idempotency{}}
}

func (f *fakeRefresh) Trigger(_ context.Context, p domain.RefreshParams) (services.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return services.TriggerResult{}, f.err
	}
	f.triggers = append(f.triggers, p)
	return services.TriggerResult{
		JobID:     "job-1",
		Key:       "contributors:v1:acme",
		Params:    p.Redacted(),
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeRefresh) Replay(_ context.Context, scope, key string) (*domain.Idempotency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.stored[scope+"|"+key]; ok {
		return rec, nil
	}
	return nil, services.ErrNoReplay
}

func (f *fakeRefresh) Remember(_ context.Context, scope, key, jobID string, status int, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[scope+"|"+key] = &domain.Idempotency{Scope: scope, Key: key, JobID: jobID, Status: status, Response: string(body)}
	return nil
}

func (f *fakeRefresh) lookup(ctx context.Context, scope, key string, _ time.Time) (bool, error) {
	rec, err := f.Replay(ctx, scope, key)
	return rec != nil, err
}

func (f *fakeRefresh) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

type fakeStats struct {
	st  queue.Stats
	err error
}

func (f fakeStats) Stats(context.Context) (queue.Stats, error) { return f.st, f.err }

// ---------- harness ----------

const secret = "s3cret"

type harness struct {
	r       *gin.Engine
	contrib *fakeContributors
	ledger  *fakeLedger
	refresh *fakeRefresh
}

func newHarness(t *testing.T, stats QueueStats) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hs := &harness{
		contrib: &fakeContributors{},
		ledger:  &fakeLedger{},
		refresh: newFakeRefresh(),
	}
	h := New(hs.contrib, hs.ledger, hs.refresh, stats, Options{
		CronSecret: secret,
		EdgeMaxAge: 300,
		EdgeSWR:    86400,
		Version:    "test",
	})
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Writer.Header().Set("X-Request-ID", "rid-1"); c.Next() })
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, hs.refresh.lookup))
	r.GET("/contributors", h.ListContributors)
	r.GET("/contributors/:login", h.GetLedger)
	r.POST("/cron/refresh", h.TriggerRefresh)
	r.GET("/health", h.Health)
	hs.r = r
	return hs
}

func (hs *harness) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	hs.r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body not JSON: %v (%s)", err, w.Body.String())
	}
	if er.RequestID != "rid-1" {
		t.Fatalf("request id not echoed: %+v", er)
	}
	return er.Code
}

// ---------- GET /contributors ----------

func TestListContributors_FreshPayload(t *testing.T) {
	hs := newHarness(t, nil)
	hs.contrib.res = services.ReadResult{
		People:  []domain.PersonAggregate{{Login: "alice", ProfileURL: "https://github.com/alice", ContributionCount: 3}},
		Meta:    domain.Meta{Orgs: []string{"acme"}},
		Key:     "contributors:v1:acme",
		Outcome: services.ReadFresh,
	}

	w := hs.do(http.MethodGet, "/contributors?orgs=acme,%20beta&since=2024-01-01&until=2024-01-31&maxPrPages=3&maxReviewFetches=x&onlyExcludeOrgs=corp", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(HeaderDataStale); got != "false" {
		t.Fatalf("x-data-stale = %q", got)
	}
	if got := w.Header().Get(HeaderCacheKey); got != "contributors:v1:acme" {
		t.Fatalf("x-cache-key = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=0, s-maxage=300, stale-while-revalidate=86400" {
		t.Fatalf("cache-control = %q", got)
	}
	var meta domain.Meta
	if err := json.Unmarshal([]byte(w.Header().Get(HeaderMeta)), &meta); err != nil || meta.Orgs[0] != "acme" {
		t.Fatalf("x-meta = %q (%v)", w.Header().Get(HeaderMeta), err)
	}
	var people []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &people); err != nil || len(people) != 1 || people[0]["login"] != "alice" {
		t.Fatalf("body = %s", w.Body.String())
	}

	p := hs.contrib.last
	if len(p.Orgs) != 2 || p.Orgs[1] != "beta" || p.ExcludeOrgs[0] != "corp" || p.MaxPRPages != 3 || p.MaxReviewFetches != 0 {
		t.Fatalf("params not parsed: %+v", p)
	}
	if p.Since == nil || !p.Since.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || p.Until == nil || p.Until.Day() != 31 || p.Until.Hour() != 23 {
		t.Fatalf("window not parsed: %v %v", p.Since, p.Until)
	}
}

func TestListContributors_StaleAndCold(t *testing.T) {
	hs := newHarness(t, nil)

	hs.contrib.res = services.ReadResult{People: []domain.PersonAggregate{{Login: "a"}}, Key: "k", Stale: true, Outcome: services.ReadStale}
	w := hs.do(http.MethodGet, "/contributors?orgs=acme", "", nil)
	if w.Header().Get(HeaderDataStale) != "true" || !strings.Contains(w.Header().Get("Cache-Control"), "stale-while-revalidate") {
		t.Fatalf("stale headers: %v", w.Header())
	}

	hs.contrib.res = services.ReadResult{Key: "k", Stale: true, Cold: true, Outcome: services.ReadCold}
	w = hs.do(http.MethodGet, "/contributors?orgs=acme", "", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("cold read should be 200 []: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get(HeaderDataStale) != "true" {
		t.Fatalf("cold headers: %v", w.Header())
	}
}

func TestListContributors_Errors(t *testing.T) {
	hs := newHarness(t, nil)

	hs.contrib.err = services.ErrMissingOrgs
	if w := hs.do(http.MethodGet, "/contributors", "", nil); w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeMissingOrgs {
		t.Fatalf("missing orgs: %d", w.Code)
	}
	hs.contrib.err = services.ErrInvalidWindow
	if w := hs.do(http.MethodGet, "/contributors?orgs=a", "", nil); w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeInvalidWindow {
		t.Fatalf("invalid window: %d", w.Code)
	}
	hs.contrib.err = errors.New("boom")
	if w := hs.do(http.MethodGet, "/contributors?orgs=a", "", nil); w.Code != http.StatusInternalServerError || errCode(t, w) != ErrCodeReadFailed {
		t.Fatalf("read failure: %d", w.Code)
	}
	hs.contrib.err = nil
	if w := hs.do(http.MethodGet, "/contributors?orgs=a&since=last-week", "", nil); w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeBadRequest {
		t.Fatalf("malformed since: %d", w.Code)
	}
}

// ---------- GET /contributors/:login ----------

func TestGetLedger_OK(t *testing.T) {
	hs := newHarness(t, nil)
	hs.ledger.page = domain.LedgerPage{
		Login: "alice",
		Total: 1,
		Items: []domain.LedgerItem{{Kind: domain.KindCommit, Link: "https://github.com/acme/app/commit/abc", Repo: "acme/app"}},
	}

	w := hs.do(http.MethodGet, "/contributors/alice?orgs=acme&cursor=c1&debug=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var page map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("json: %v", err)
	}
	if page["login"] != "alice" || page["total"].(float64) != 1 {
		t.Fatalf("unexpected page: %v", page)
	}
	if _, has := page["nextCursor"]; has {
		t.Fatalf("nextCursor should be omitted on the last page")
	}
	if hs.ledger.login != "alice" || hs.ledger.q.Cursor != "c1" || !hs.ledger.q.Debug || hs.ledger.q.Orgs[0] != "acme" {
		t.Fatalf("query not forwarded: %s %+v", hs.ledger.login, hs.ledger.q)
	}
}

func TestGetLedger_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrInvalidLogin, http.StatusBadRequest, ErrCodeInvalidLogin},
		{services.ErrInvalidCursor, http.StatusBadRequest, ErrCodeInvalidCursor},
		{services.ErrMissingOrgs, http.StatusBadRequest, ErrCodeMissingOrgs},
		{&github.APIError{Status: 422}, http.StatusNotFound, ErrCodeNotFound},
		{&github.APIError{Status: 403}, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{errors.New("network"), http.StatusBadGateway, ErrCodeLedgerFailed},
	}
	for _, tc := range cases {
		hs := newHarness(t, nil)
		hs.ledger.err = tc.err
		w := hs.do(http.MethodGet, "/contributors/alice", "", nil)
		if w.Code != tc.status || errCode(t, w) != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, w.Code, w.Body.String())
		}
	}
}

// ---------- POST /cron/refresh ----------

func bearer(s string) map[string]string { return map[string]string{"Authorization": "Bearer " + s} }

func TestTriggerRefresh_Unauthorized(t *testing.T) {
	hs := newHarness(t, nil)
	for name, hdr := range map[string]map[string]string{
		"missing":      nil,
		"wrong secret": bearer("nope"),
		"wrong scheme": {"Authorization": "Basic " + secret},
	} {
		w := hs.do(http.MethodPost, "/cron/refresh", "", hdr)
		if w.Code != http.StatusUnauthorized || errCode(t, w) != ErrCodeUnauthorized {
			t.Fatalf("%s: status=%d", name, w.Code)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: WWW-Authenticate missing", name)
		}
	}
	if hs.refresh.count() != 0 {
		t.Fatalf("unauthorized requests must not enqueue")
	}

	// No configured secret rejects even an empty bearer.
	h := New(nil, nil, newFakeRefresh(), nil, Options{})
	r := gin.New()
	r.POST("/cron/refresh", h.TriggerRefresh)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cron/refresh", nil)
	req.Header.Set("Authorization", "Bearer ")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unset secret: status=%d", w.Code)
	}
}

func TestTriggerRefresh_EnqueuesWithOverrides(t *testing.T) {
	hs := newHarness(t, nil)
	body := `{"orgs":["beta"],"since":"2024-02-01T00:00:00Z","maxPrPages":2,"token":"ghp_override"}`

	w := hs.do(http.MethodPost, "/cron/refresh?orgs=acme&maxReviewFetches=7", body, bearer(secret))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp RefreshResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !resp.OK || resp.Message == "" || resp.Timestamp.IsZero() || resp.JobID != "job-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if strings.Contains(w.Body.String(), "ghp_override") {
		t.Fatalf("token echoed back: %s", w.Body.String())
	}

	if hs.refresh.count() != 1 {
		t.Fatalf("expected exactly one trigger, got %d", hs.refresh.count())
	}
	p := hs.refresh.triggers[0]
	if p.Orgs[0] != "beta" || p.MaxPRPages != 2 || p.MaxReviewFetches != 7 || p.Token != "ghp_override" || p.Since == nil {
		t.Fatalf("overrides not applied: %+v", p)
	}
}

func TestTriggerRefresh_BadInput(t *testing.T) {
	hs := newHarness(t, nil)
	for _, body := range []string{`{"orgz":["x"]}`, `{not json`, `{"until":"soon"}`} {
		w := hs.do(http.MethodPost, "/cron/refresh", body, bearer(secret))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status=%d", body, w.Code)
		}
	}

	hs.refresh.err = services.ErrMissingOrgs
	if w := hs.do(http.MethodPost, "/cron/refresh", "", bearer(secret)); w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeMissingOrgs {
		t.Fatalf("missing orgs: %d", w.Code)
	}
	hs.refresh.err = errors.New("queue down")
	if w := hs.do(http.MethodPost, "/cron/refresh", "", bearer(secret)); w.Code != http.StatusServiceUnavailable || errCode(t, w) != ErrCodeEnqueueFailed {
		t.Fatalf("enqueue failure: %d", w.Code)
	}
}

func TestTriggerRefresh_IdempotentReplay(t *testing.T) {
	hs := newHarness(t, nil)
	hdr := bearer(secret)
	hdr[middleware.HeaderIdempotencyKey] = "cron-2024-06-01"

	first := hs.do(http.MethodPost, "/cron/refresh?orgs=acme", "", hdr)
	second := hs.do(http.MethodPost, "/cron/refresh?orgs=acme", "", hdr)

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("status %d / %d", first.Code, second.Code)
	}
	if hs.refresh.count() != 1 {
		t.Fatalf("replay must not enqueue again, got %d triggers", hs.refresh.count())
	}
	if second.Header().Get(HeaderReplay) != "true" || second.Body.String() != first.Body.String() {
		t.Fatalf("expected identical replayed body, got %q", second.Body.String())
	}

	// Replays still require the secret.
	w := hs.do(http.MethodPost, "/cron/refresh", "", map[string]string{middleware.HeaderIdempotencyKey: "cron-2024-06-01"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated replay: %d", w.Code)
	}
}

// ---------- GET /health ----------

func TestHealth(t *testing.T) {
	oldest := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	hs := newHarness(t, fakeStats{st: queue.Stats{Backend: "sqlite", Pending: 2, OldestPendingAt: &oldest}})
	w := hs.do(http.MethodGet, "/health", "", nil)
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if w.Code != http.StatusOK || resp.Status != "ok" || resp.Queue == nil || resp.Queue.Pending != 2 || resp.Version != "test" {
		t.Fatalf("unexpected health: %d %+v", w.Code, resp)
	}

	hs = newHarness(t, fakeStats{err: errors.New("db locked")})
	if w := hs.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health: %d", w.Code)
	}

	hs = newHarness(t, nil)
	if w := hs.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health without queue: %d", w.Code)
	}
}
