// Package handlers implements the public contributors API on gin.
//
// Every failure is written through fail as an ErrorResponse with a stable
// code. Success bodies go through ok, okCached or okRaw so that each
// endpoint states its caching policy explicitly; the security middleware's
// no-store default only survives where a handler leaves it alone.
//
//	HTTP/1.1 400 Bad Request
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "missing_orgs",
//	  "message": "orgs query parameter is required"
//	}
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-contributors-backend/internal/http/middleware"
)

const jsonContentType = "application/json; charset=utf-8"

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code"`
	// Safe to show to users
	Message string `json:"message"`
}

// fail aborts the request with an ErrorResponse. Server-side statuses are
// logged with the request-scoped logger, together with any error attached
// through c.Error.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg)
		if last := c.Errors.Last(); last != nil {
			ev = ev.Err(last.Err)
		}
		ev.Msg("api error")
	}

	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failRetry is fail with a Retry-After hint in whole seconds.
func failRetry(c *gin.Context, after time.Duration, status int, code, msg string) {
	c.Header("Retry-After", strconv.Itoa(max(int(after/time.Second), 1)))
	fail(c, status, code, msg)
}

// ok writes body as JSON. Caching stays whatever the middleware set.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// okCached writes body with an explicit Cache-Control policy.
func okCached(c *gin.Context, cacheControl string, body any) {
	c.Header("Cache-Control", cacheControl)
	c.JSON(http.StatusOK, body)
}

// okRaw writes an already encoded JSON body, used for responses that are
// also stored for idempotent replay.
func okRaw(c *gin.Context, status int, body []byte) {
	c.Data(status, jsonContentType, body)
}
