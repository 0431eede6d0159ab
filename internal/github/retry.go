package github

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy decides whether and how long to wait before repeating a
// failed GitHub request.
//
// Rate-limit responses (403, 429) wait for Retry-After when GitHub sends it,
// RateLimitedWait when X-RateLimit-Remaining is 0, and ShortWait otherwise.
// 5xx responses wait ShortWait doubled per attempt. MaxElapsed bounds the
// total time one request may spend sleeping; 0 disables the bound.
type RetryPolicy struct {
	MaxRetries      int
	RateLimitedWait time.Duration
	ShortWait       time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy matches the service defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		RateLimitedWait: 60 * time.Second,
		ShortWait:       2 * time.Second,
		MaxElapsed:      5 * time.Minute,
	}
}

// Retry reasons, also used as metric labels.
const (
	reasonRateLimit   = "rate_limit"
	reasonServerError = "server_error"
)

// Next returns the wait before retry number attempt (0-based) for a response
// with the given status and headers. ok is false when the response must not
// be retried, either because it is not retryable, the budget is spent, or the
// wait would push total backoff past MaxElapsed.
func (p RetryPolicy) Next(attempt, status int, h http.Header, slept time.Duration, now time.Time) (wait time.Duration, reason string, ok bool) {
	if attempt >= p.MaxRetries {
		return 0, "", false
	}
	switch {
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		reason = reasonRateLimit
		if ra, has := retryAfter(h, now); has {
			wait = ra
		} else if strings.TrimSpace(h.Get("X-RateLimit-Remaining")) == "0" {
			wait = p.RateLimitedWait
		} else {
			wait = p.ShortWait
		}
	case status >= 500:
		reason = reasonServerError
		wait = p.ShortWait << attempt
	default:
		return 0, "", false
	}
	if wait < 0 {
		wait = 0
	}
	if p.MaxElapsed > 0 && slept+wait > p.MaxElapsed {
		return 0, reason, false
	}
	return wait, reason, true
}

// retryAfter parses Retry-After as delta-seconds or an HTTP-date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
