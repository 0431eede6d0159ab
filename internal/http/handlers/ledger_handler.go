// Ledger HTTP handler.
//
//   - GET /contributors/:login   live, cursor-paginated contribution ledger
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-contributors-backend/internal/github"
	"github.com/tbourn/go-contributors-backend/internal/services"
	"github.com/tbourn/go-contributors-backend/internal/sysutil"
	"github.com/tbourn/go-contributors-backend/internal/utils"
)

// rateLimitRetryAfter is advertised when GitHub refuses a ledger query.
const rateLimitRetryAfter = time.Minute

// GetLedger serves GET /contributors/:login.
//
// Query: orgs (CSV, falls back to the configured defaults), since, until,
// cursor (opaque, from a previous nextCursor), debug (truthy adds the
// search queries and raw counts).
func (h *Handlers) GetLedger(c *gin.Context) {
	since, err := utils.ParseTime(c.Query("since"), false)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "since: "+err.Error())
		return
	}
	until, err := utils.ParseTime(c.Query("until"), true)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "until: "+err.Error())
		return
	}
	q := services.LedgerQuery{
		Orgs:   utils.SplitCSV(c.Query("orgs")),
		Since:  since,
		Until:  until,
		Cursor: c.Query("cursor"),
		Debug:  sysutil.IsTruthy(c.Query("debug")),
	}

	page, err := h.ledger.Ledger(c.Request.Context(), c.Param("login"), q)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	okCached(c, "no-store", page)
}

func (h *Handlers) ledgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidLogin):
		fail(c, http.StatusBadRequest, ErrCodeInvalidLogin, "login is not a valid GitHub login")
	case errors.Is(err, services.ErrInvalidCursor):
		fail(c, http.StatusBadRequest, ErrCodeInvalidCursor, "cursor is malformed")
	case errors.Is(err, services.ErrMissingOrgs):
		fail(c, http.StatusBadRequest, ErrCodeMissingOrgs, "orgs query parameter is required")
	case errors.Is(err, services.ErrInvalidWindow):
		fail(c, http.StatusBadRequest, ErrCodeInvalidWindow, "since must not be after until")
	default:
		switch st := github.StatusOf(err); st {
		case http.StatusUnprocessableEntity:
			// Search rejects qualifiers naming unknown users.
			fail(c, http.StatusNotFound, ErrCodeNotFound, "login not found")
		case http.StatusForbidden, http.StatusTooManyRequests:
			failRetry(c, rateLimitRetryAfter, http.StatusServiceUnavailable, ErrCodeUnavailable, "GitHub rate limit reached, retry later")
		default:
			_ = c.Error(err)
			fail(c, http.StatusBadGateway, ErrCodeLedgerFailed, "could not load contributions from GitHub")
		}
	}
}
