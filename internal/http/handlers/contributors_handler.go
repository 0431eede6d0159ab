// Contributors HTTP handler.
//
//   - GET /contributors   cached contributor list for an org set and window
//
// The handler never blocks on an aggregation: it serves whatever the
// snapshot cache holds and reports freshness through headers.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/services"
	"github.com/tbourn/go-contributors-backend/internal/utils"
)

// Response headers describing the served snapshot.
const (
	HeaderDataStale = "X-Data-Stale"
	HeaderCacheKey  = "X-Cache-Key"
	HeaderMeta      = "X-Meta"
)

// maxQueryBudget bounds page and fetch budgets given on the query string.
const maxQueryBudget = 1000

// refreshParamsFromQuery reads the aggregation parameters shared by the
// contributor list and the cron trigger's query form.
func refreshParamsFromQuery(c *gin.Context) (domain.RefreshParams, error) {
	since, err := utils.ParseTime(c.Query("since"), false)
	if err != nil {
		return domain.RefreshParams{}, fmt.Errorf("since: %w", err)
	}
	until, err := utils.ParseTime(c.Query("until"), true)
	if err != nil {
		return domain.RefreshParams{}, fmt.Errorf("until: %w", err)
	}
	return domain.RefreshParams{
		Orgs:             utils.SplitCSV(c.Query("orgs")),
		ExcludeOrgs:      utils.SplitCSV(c.Query("onlyExcludeOrgs")),
		Since:            since,
		Until:            until,
		MaxPRPages:       utils.Count(c.Query("maxPrPages"), 0, maxQueryBudget),
		MaxReviewFetches: utils.Count(c.Query("maxReviewFetches"), 0, maxQueryBudget),
	}, nil
}

// cacheControl renders the edge caching directive for a servable payload.
func (h *Handlers) cacheControl() string {
	return fmt.Sprintf("public, max-age=0, s-maxage=%d, stale-while-revalidate=%d", h.opts.EdgeMaxAge, h.opts.EdgeSWR)
}

// ListContributors serves GET /contributors.
//
// Query: orgs (required, CSV), since, until (RFC3339 or YYYY-MM-DD),
// maxPrPages, maxReviewFetches, onlyExcludeOrgs (CSV).
//
// Always 200 once the input is valid: a cold cache yields [] with
// Cache-Control: no-store and X-Data-Stale: true.
func (h *Handlers) ListContributors(c *gin.Context) {
	params, err := refreshParamsFromQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	res, err := h.contributors.Read(c.Request.Context(), params)
	switch {
	case errors.Is(err, services.ErrMissingOrgs):
		fail(c, http.StatusBadRequest, ErrCodeMissingOrgs, "orgs query parameter is required")
		return
	case errors.Is(err, services.ErrInvalidWindow):
		fail(c, http.StatusBadRequest, ErrCodeInvalidWindow, "since must not be after until")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeReadFailed, "could not read contributors")
		return
	}

	hdr := c.Writer.Header()
	hdr.Set(HeaderDataStale, fmt.Sprintf("%t", res.Stale))
	hdr.Set(HeaderCacheKey, res.Key)
	if meta, err := json.Marshal(res.Meta); err == nil {
		hdr.Set(HeaderMeta, string(meta))
	}
	people := res.People
	if people == nil {
		people = []domain.PersonAggregate{}
	}
	if res.Cold {
		okCached(c, "no-store", people)
		return
	}
	okCached(c, h.cacheControl(), people)
}
