// Package github is a small resilient client for the parts of the GitHub
// REST and GraphQL APIs the contributor crawl needs.
//
// Every call goes through FetchJSON, which adds bearer auth, caps in-flight
// requests, revalidates GET responses with stored ETags and retries
// rate-limited or failing requests according to a RetryPolicy. Paginate and
// GraphQL build on it.
package github

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-contributors-backend/internal/observability"
)

const (
	defaultAPIURL     = "https://api.github.com"
	defaultGraphQLURL = "https://api.github.com/graphql"
	defaultAccept     = "application/vnd.github+json"
	apiVersion        = "2022-11-28"
	maxBodyBytes      = 32 << 20
)

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL     string
	GraphQLURL  string
	Token       string
	UserAgent   string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Retry       RetryPolicy
	Concurrency int
	RPS         float64 // 0 disables outbound rate limiting
	MemoTTL     time.Duration
	ETags       ETagStore // nil disables conditional requests
	Logger      zerolog.Logger
}

// Client talks to GitHub. It is safe for concurrent use; WithToken copies
// share the concurrency cap, rate limiter, ETag store and GraphQL memo.
type Client struct {
	http       *http.Client
	baseURL    string
	graphqlURL string
	token      string
	userAgent  string
	retry      RetryPolicy
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	etags      ETagStore
	memo       *memo
	log        zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a Client from opts.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultAPIURL
	}
	gql := opts.GraphQLURL
	if gql == "" {
		gql = defaultGraphQLURL
	}
	conc := opts.Concurrency
	if conc < 1 {
		conc = 6
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "go-contributors-backend"
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		http:       hc,
		baseURL:    base,
		graphqlURL: gql,
		token:      opts.Token,
		userAgent:  ua,
		retry:      opts.Retry,
		sem:        semaphore.NewWeighted(int64(conc)),
		limiter:    lim,
		etags:      opts.ETags,
		memo:       newMemo(opts.MemoTTL),
		log:        opts.Logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// WithToken returns a client that authenticates with token instead of the
// configured one. An empty token returns c unchanged.
func (c *Client) WithToken(token string) *Client {
	if token == "" || token == c.token {
		return c
	}
	cp := *c
	cp.token = token
	return &cp
}

// Request describes one API call. URL may be absolute or a path relative to
// the REST base URL.
type Request struct {
	Method string
	URL    string
	Accept string
	Body   any
}

// Response is a fully read API response. FromCache is set when the body was
// served from the ETag store after a 304.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FromCache bool
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

// FetchJSON performs req and returns the response when GitHub answers 2xx
// (or 304 with a stored body). Retryable failures are retried according to
// the client's RetryPolicy; any other non-2xx status returns *APIError.
func (c *Client) FetchJSON(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := c.resolve(req.URL)
	accept := req.Accept
	if accept == "" {
		accept = defaultAccept
	}

	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode github request: %w", err)
		}
		payload = b
	}

	var (
		cacheKey string
		cached   ETagEntry
		haveETag bool
	)
	if method == http.MethodGet && c.etags != nil {
		cacheKey = etagKey(method, url, accept, c.token)
		e, ok, err := c.etags.Get(ctx, cacheKey)
		if err != nil {
			c.log.Warn().Err(err).Str("url", url).Msg("etag lookup failed")
		} else if ok && e.ETag != "" {
			cached, haveETag = e, true
		}
	}

	var slept time.Duration
	for attempt := 0; ; attempt++ {
		status, header, body, err := c.do(ctx, method, url, accept, payload, cached.ETag, haveETag)
		if err != nil {
			observability.ObserveGitHubRequest(0)
			return nil, err
		}
		observability.ObserveGitHubRequest(status)

		switch {
		case status == http.StatusNotModified:
			if !haveETag {
				return nil, ErrNotModifiedMiss
			}
			observability.ObserveETagHit()
			header = header.Clone()
			if header == nil {
				header = http.Header{}
			}
			if header.Get("Link") == "" && cached.Link != "" {
				header.Set("Link", cached.Link)
			}
			return &Response{Status: http.StatusOK, Header: header, Body: cached.Body, FromCache: true}, nil

		case status >= 200 && status < 300:
			if cacheKey != "" {
				if tag := header.Get("ETag"); tag != "" {
					entry := ETagEntry{ETag: tag, Link: header.Get("Link"), Body: body, StoredAt: c.now()}
					if err := c.etags.Put(ctx, cacheKey, entry); err != nil {
						c.log.Warn().Err(err).Str("url", url).Msg("etag store failed")
					}
				}
			}
			return &Response{Status: status, Header: header, Body: body}, nil
		}

		apiErr := &APIError{Status: status, Method: method, URL: url, Body: string(body)}
		wait, reason, ok := c.retry.Next(attempt, status, header, slept, c.now())
		if !ok {
			return nil, apiErr
		}
		observability.ObserveGitHubRetry(reason)
		c.log.Warn().
			Int("status", status).
			Str("url", url).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("github request retry")
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		slept += wait
	}
}

// do performs a single HTTP round trip under the concurrency cap.
func (c *Client) do(ctx context.Context, method, url, accept string, payload []byte, etag string, conditional bool) (int, http.Header, []byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, nil, err
	}
	defer c.sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, nil, err
		}
	}

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return 0, nil, nil, err
	}
	hreq.Header.Set("Accept", accept)
	hreq.Header.Set("User-Agent", c.userAgent)
	hreq.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if conditional {
		hreq.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("github %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read github response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (c *Client) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.baseURL + u
}

// etagKey scopes cached bodies to the credential that fetched them so a
// private response is never replayed to another token.
func etagKey(method, url, accept, token string) string {
	h := sha256.New()
	for _, p := range []string{method, url, accept, tokenFingerprint(token)} {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func tokenFingerprint(token string) string {
	if token == "" {
		return "anon"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
