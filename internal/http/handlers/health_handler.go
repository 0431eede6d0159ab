package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-contributors-backend/internal/http/middleware"
	"github.com/tbourn/go-contributors-backend/internal/queue"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version,omitempty"`
	Queue   *queue.Stats `json:"queue,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Health serves GET /health: 200 with queue depth, or 503 when the queue
// backend cannot be reached.
func (h *Handlers) Health(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Version: h.opts.Version}
	if h.queue == nil {
		ok(c, http.StatusOK, resp)
		return
	}
	st, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("queue stats")
		resp.Status, resp.Error = "degraded", "queue unavailable"
		ok(c, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Queue = &st
	ok(c, http.StatusOK, resp)
}
