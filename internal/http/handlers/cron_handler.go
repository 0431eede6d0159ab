// Refresh trigger HTTP handler.
//
//   - POST /cron/refresh   enqueue one refresh job (bearer-secret protected)
//
// Intended for a scheduler. Parameters come from the query string and may
// be overridden by an optional JSON body. A retried request carrying the
// same Idempotency-Key replays the first response instead of enqueuing
// again.
package handlers

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/http/middleware"
	"github.com/tbourn/go-contributors-backend/internal/services"
	"github.com/tbourn/go-contributors-backend/internal/utils"
)

// HeaderReplay marks a response served from the idempotency store.
const HeaderReplay = "Idempotent-Replay"

// RefreshRequest is the optional JSON body of POST /cron/refresh. Set fields
// override the query string.
type RefreshRequest struct {
	Orgs             []string `json:"orgs"`
	Since            string   `json:"since"`
	Until            string   `json:"until"`
	MaxPRPages       int      `json:"maxPrPages"`
	MaxReviewFetches int      `json:"maxReviewFetches"`
	OnlyExcludeOrgs  []string `json:"onlyExcludeOrgs"`
	// Token overrides the configured GitHub credential for this run only.
	Token string `json:"token"`
}

// RefreshResponse is returned once the job is enqueued.
type RefreshResponse struct {
	OK        bool                 `json:"ok"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
	Params    domain.RefreshParams `json:"params"`
	JobID     string               `json:"jobId"`
	CacheKey  string               `json:"cacheKey"`
}

// authorized compares the bearer token with the cron secret in constant
// time. An unset secret rejects everything.
func (h *Handlers) authorized(c *gin.Context) bool {
	if h.opts.CronSecret == "" {
		return false
	}
	scheme, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.opts.CronSecret)) == 1
}

// applyBody overlays a JSON body on params. An empty body is not an error.
func applyBody(c *gin.Context, params *domain.RefreshParams) error {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return errors.New("could not read request body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var req RefreshRequest
	if err := dec.Decode(&req); err != nil {
		return errors.New("invalid JSON body")
	}

	if len(req.Orgs) > 0 {
		params.Orgs = req.Orgs
	}
	if len(req.OnlyExcludeOrgs) > 0 {
		params.ExcludeOrgs = req.OnlyExcludeOrgs
	}
	if req.Since != "" {
		if params.Since, err = utils.ParseTime(req.Since, false); err != nil {
			return errors.New("since: " + err.Error())
		}
	}
	if req.Until != "" {
		if params.Until, err = utils.ParseTime(req.Until, true); err != nil {
			return errors.New("until: " + err.Error())
		}
	}
	if req.MaxPRPages > 0 {
		params.MaxPRPages = req.MaxPRPages
	}
	if req.MaxReviewFetches > 0 {
		params.MaxReviewFetches = req.MaxReviewFetches
	}
	params.Token = strings.TrimSpace(req.Token)
	return nil
}

// TriggerRefresh serves POST /cron/refresh.
//
// 401 without a valid bearer secret; 400 on malformed input; 202 with
// RefreshResponse once exactly one job is enqueued.
func (h *Handlers) TriggerRefresh(c *gin.Context) {
	if !h.authorized(c) {
		c.Header("WWW-Authenticate", `Bearer realm="cron"`)
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid cron secret")
		return
	}
	ctx := c.Request.Context()
	scope := middleware.IdempotencyScope(c)
	idemKey, hasKey := middleware.GetIdempotencyKey(c)

	if hasKey && middleware.IsReplay(c) {
		rec, err := h.refresh.Replay(ctx, scope, idemKey)
		if err == nil {
			c.Header(HeaderReplay, "true")
			okRaw(c, rec.Status, []byte(rec.Response))
			return
		}
		// Expired between the middleware lookup and now: run normally.
		if !errors.Is(err, services.ErrNoReplay) {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency replay failed")
		}
	}

	params, err := refreshParamsFromQuery(c)
	if err == nil {
		err = applyBody(c, &params)
	}
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	res, err := h.refresh.Trigger(ctx, params)
	switch {
	case errors.Is(err, services.ErrMissingOrgs):
		fail(c, http.StatusBadRequest, ErrCodeMissingOrgs, "no orgs given and no default orgs configured")
		return
	case errors.Is(err, services.ErrInvalidWindow):
		fail(c, http.StatusBadRequest, ErrCodeInvalidWindow, "since must not be after until")
		return
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusServiceUnavailable, ErrCodeEnqueueFailed, "could not enqueue refresh")
		return
	}

	body, err := json.Marshal(RefreshResponse{
		OK:        true,
		Message:   "refresh enqueued",
		Timestamp: res.Timestamp,
		Params:    res.Params,
		JobID:     res.JobID,
		CacheKey:  res.Key,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not encode response")
		return
	}
	if hasKey {
		if err := h.refresh.Remember(ctx, scope, idemKey, res.JobID, http.StatusAccepted, body); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("job_id", res.JobID).Msg("store idempotency record")
		}
	}
	okRaw(c, http.StatusAccepted, body)
}
