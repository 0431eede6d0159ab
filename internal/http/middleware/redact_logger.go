// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It attaches a
// request-scoped zerolog.Logger to the context and, once the handler
// returns, emits one structured line per request with secrets scrubbed:
//
//   - Authorization, Cookie and Set-Cookie (plus any configured header) are
//     fully masked; the cron secret travels in Authorization.
//   - GitHub tokens (ghp_, gho_, ghs_, github_pat_ ...) and email addresses
//     are replaced wherever they appear in the query or other headers.
//
// Bodies are never logged. Cache outcome headers set by the contributors
// handler (X-Cache-Key, X-Data-Stale) are copied into the line so stale and
// cold serves can be found in the logs.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
// MaskHeaders are matched case-insensitively.
type RedactOptions struct {
	MaskHeaders []string
}

var (
	githubTokenRE = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})\b`)
	emailRE       = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// token=... in a query string, whatever its shape.
	tokenParamRE = regexp.MustCompile(`(?i)\b(token|access_token|secret)=[^&]*`)
)

// redact scrubs credentials and emails from s. Tokens go first so a token
// that happens to look like part of an email is still labeled as a token.
func redact(s string) string {
	if s == "" {
		return s
	}
	out := tokenParamRE.ReplaceAllString(s, "$1=[REDACTED]")
	out = githubTokenRE.ReplaceAllString(out, "[REDACTED:token]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	return out
}

// RedactingLogger returns the access-log middleware. The level is error for
// 5xx or when handlers recorded gin errors, warn for 4xx, info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid := c.Writer.Header().Get(requestIDHeader)
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}

		lc := log.With().
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", path)
		if login := c.Param("login"); login != "" {
			lc = lc.Str("login", login)
		}
		l := lc.Logger()
		c.Set(loggerKey, &l)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}
		safeQuery := truncate(redact(c.Request.URL.RawQuery), maxQueryLogLength)

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = l.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", c.Errors.String())
			}
		case status >= 400:
			ev = l.Warn()
		}

		resp := c.Writer.Header()
		if key := resp.Get("X-Cache-Key"); key != "" {
			ev = ev.Str("cache_key", key).Str("stale", resp.Get("X-Data-Stale"))
		}

		ev.
			Str("remote_ip", c.ClientIP()).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
