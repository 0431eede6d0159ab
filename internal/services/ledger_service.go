// Package services – LedgerService
//
// This file implements the live per-login ledger behind
// GET /contributors/:login. Unlike the contributor list it bypasses the
// snapshot cache: every request searches GitHub for the login's authored
// pull requests, reviewed pull requests (then the login's reviews on them)
// and authored commits within the org set and window.
//
// Items are deduplicated by link, sorted by date then link (both
// descending) and paged with an opaque "<date>__<link>" cursor.
package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/github"
)

// LedgerPageSize is the fixed number of items per ledger page.
const LedgerPageSize = 100

const cursorSep = "__"

// loginRE matches GitHub user and app logins.
var loginRE = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})(?:\[bot\])?$`)

// ValidLogin reports whether login is a well-formed GitHub login.
func ValidLogin(login string) bool { return loginRE.MatchString(login) }

// LedgerGitHub is the subset of the GitHub client the ledger uses.
type LedgerGitHub interface {
	SearchIssues(ctx context.Context, q string, limit int) ([]github.Issue, error)
	SearchCommits(ctx context.Context, q string, limit int) ([]github.CommitHit, error)
	ListReviews(ctx context.Context, owner, name string, number int) ([]github.Review, error)
}

// LedgerQuery holds the request parameters of one ledger page.
type LedgerQuery struct {
	Orgs   []string
	Since  *time.Time
	Until  *time.Time
	Cursor string
	Debug  bool
}

// LedgerService computes per-login ledgers.
type LedgerService struct {
	GitHub      LedgerGitHub
	DefaultOrgs []string
	Lookback    time.Duration
	// MaxReviewFetches caps how many reviewed pull requests are inspected.
	MaxReviewFetches int
	// SearchLimit caps each search; GitHub serves at most 1000 hits.
	SearchLimit int
	Concurrency int

	now func() time.Time
}

// NewLedgerService constructs a LedgerService with search defaults.
func NewLedgerService(gh LedgerGitHub, defaultOrgs []string, lookback time.Duration, maxReviewFetches, concurrency int) *LedgerService {
	return &LedgerService{
		GitHub:           gh,
		DefaultOrgs:      defaultOrgs,
		Lookback:         lookback,
		MaxReviewFetches: maxReviewFetches,
		SearchLimit:      1000,
		Concurrency:      concurrency,
		now:              time.Now,
	}
}

type cursor struct {
	date time.Time
	link string
}

// EncodeCursor renders the cursor pointing at item.
func EncodeCursor(item domain.LedgerItem) string {
	return item.Date.UTC().Format(time.RFC3339Nano) + cursorSep + item.Link
}

func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	d, link, ok := strings.Cut(s, cursorSep)
	if !ok || link == "" {
		return nil, ErrInvalidCursor
	}
	t, err := time.Parse(time.RFC3339Nano, d)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &cursor{date: t.UTC(), link: link}, nil
}

// before reports whether a sorts ahead of b: newer first, then larger link.
func before(a, b domain.LedgerItem) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.Link > b.Link
}

// Ledger returns one page of login's contributions.
func (s *LedgerService) Ledger(ctx context.Context, login string, q LedgerQuery) (domain.LedgerPage, error) {
	tr := otel.Tracer("services/LedgerService")
	ctx, span := tr.Start(ctx, "Ledger", trace.WithAttributes(
		attribute.String("login", login),
	))
	defer span.End()

	login = strings.TrimSpace(login)
	if !ValidLogin(login) {
		return domain.LedgerPage{}, ErrInvalidLogin
	}
	cur, err := decodeCursor(q.Cursor)
	if err != nil {
		return domain.LedgerPage{}, err
	}
	orgs := domain.NormalizeOrgs(q.Orgs)
	if len(orgs) == 0 {
		orgs = domain.NormalizeOrgs(s.DefaultOrgs)
	}
	if len(orgs) == 0 {
		return domain.LedgerPage{}, ErrMissingOrgs
	}
	if q.Since != nil && q.Until != nil && q.Since.After(*q.Until) {
		return domain.LedgerPage{}, ErrInvalidWindow
	}
	since, until := domain.RefreshParams{Since: q.Since, Until: q.Until}.Window(s.now(), s.Lookback)

	c := &ledgerCrawl{s: s, login: login, orgs: orgs, since: since, until: until}
	items, err := c.collect(ctx)
	if err != nil {
		span.RecordError(err)
		return domain.LedgerPage{}, err
	}

	page := domain.LedgerPage{Login: login, Total: len(items), Items: []domain.LedgerItem{}}
	start := 0
	if cur != nil {
		at := domain.LedgerItem{Date: cur.date, Link: cur.link}
		start = sort.Search(len(items), func(i int) bool { return before(at, items[i]) })
	}
	end := min(start+LedgerPageSize, len(items))
	page.Items = append(page.Items, items[start:end]...)
	if end < len(items) && end > start {
		page.NextCursor = EncodeCursor(items[end-1])
	}
	if q.Debug {
		page.Debug = c.debug()
	}
	span.SetAttributes(attribute.Int("ledger.total", page.Total))
	return page, nil
}

// ledgerCrawl is the state of one ledger request.
type ledgerCrawl struct {
	s            *LedgerService
	login        string
	orgs         []string
	since, until time.Time

	queries     map[string]string
	raw         map[string]int
	reviewErrs  []string
	foldedLogin string
}

func (c *ledgerCrawl) orgQualifiers() string {
	parts := make([]string, len(c.orgs))
	for i, o := range c.orgs {
		parts[i] = "org:" + o
	}
	return strings.Join(parts, " ")
}

func searchRange(since, until time.Time) string {
	const layout = "2006-01-02T15:04:05Z"
	return since.UTC().Format(layout) + ".." + until.UTC().Format(layout)
}

func (c *ledgerCrawl) inWindow(t time.Time) bool {
	return !t.Before(c.since) && !t.After(c.until)
}

func (c *ledgerCrawl) collect(ctx context.Context) ([]domain.LedgerItem, error) {
	window := searchRange(c.since, c.until)
	orgs := c.orgQualifiers()
	c.queries = map[string]string{
		"authored": fmt.Sprintf("type:pr author:%s %s created:%s", c.login, orgs, window),
		"reviewed": fmt.Sprintf("type:pr reviewed-by:%s %s updated:>=%s", c.login, orgs, c.since.UTC().Format("2006-01-02")),
		"commits":  fmt.Sprintf("author:%s %s author-date:%s", c.login, orgs, window),
	}
	c.raw = map[string]int{}
	c.foldedLogin = cases.Fold().String(c.login)

	var (
		authored []github.Issue
		reviewed []github.Issue
		commits  []github.CommitHit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		authored, err = c.s.GitHub.SearchIssues(gctx, c.queries["authored"], c.s.SearchLimit)
		return err
	})
	g.Go(func() (err error) {
		reviewed, err = c.s.GitHub.SearchIssues(gctx, c.queries["reviewed"], c.s.SearchLimit)
		return err
	})
	g.Go(func() (err error) {
		commits, err = c.s.GitHub.SearchCommits(gctx, c.queries["commits"], c.s.SearchLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search contributions of %s: %w", c.login, err)
	}
	c.raw["authored"] = len(authored)
	c.raw["reviewed"] = len(reviewed)
	c.raw["commits"] = len(commits)

	byLink := make(map[string]domain.LedgerItem)
	add := func(it domain.LedgerItem) {
		if it.Link == "" || !c.inWindow(it.Date) {
			return
		}
		byLink[it.Link] = it
	}
	for _, is := range authored {
		link := is.HTMLURL
		if is.PullRequest != nil && is.PullRequest.HTMLURL != "" {
			link = is.PullRequest.HTMLURL
		}
		add(domain.LedgerItem{Date: is.CreatedAt.UTC(), Kind: domain.KindPullRequest, Link: link, Repo: is.Repo()})
	}
	for _, ch := range commits {
		add(domain.LedgerItem{Date: ch.Commit.Author.Date.UTC(), Kind: domain.KindCommit, Link: ch.HTMLURL, Repo: ch.Repository.FullName})
	}
	reviews, err := c.reviews(ctx, reviewed)
	if err != nil {
		return nil, err
	}
	for _, it := range reviews {
		add(it)
	}

	items := make([]domain.LedgerItem, 0, len(byLink))
	for _, it := range byLink {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return before(items[i], items[j]) })
	return items, nil
}

// reviews fetches the login's reviews on the newest reviewed pull requests.
// A pull request whose reviews cannot be listed is skipped.
func (c *ledgerCrawl) reviews(ctx context.Context, prs []github.Issue) ([]domain.LedgerItem, error) {
	if c.s.MaxReviewFetches > 0 && len(prs) > c.s.MaxReviewFetches {
		prs = prs[:c.s.MaxReviewFetches]
	}
	results := make([][]domain.LedgerItem, len(prs))
	errs := make([]error, len(prs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.s.Concurrency, 1))
	for i, pr := range prs {
		g.Go(func() error {
			owner, name, ok := github.SplitRepo(pr.Repo())
			if !ok {
				errs[i] = fmt.Errorf("%s: unknown repository", pr.HTMLURL)
				return nil
			}
			list, err := c.s.GitHub.ListReviews(gctx, owner, name, pr.Number)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs[i] = fmt.Errorf("%s#%d: %w", pr.Repo(), pr.Number, err)
				return nil
			}
			for _, rv := range list {
				if rv.User == nil || rv.SubmittedAt == nil || rv.HTMLURL == "" {
					continue
				}
				if cases.Fold().String(rv.User.Login) != c.foldedLogin {
					continue
				}
				results[i] = append(results[i], domain.LedgerItem{
					Date: rv.SubmittedAt.UTC(),
					Kind: domain.KindReview,
					Link: rv.HTMLURL,
					Repo: pr.Repo(),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.LedgerItem
	for i := range prs {
		if errs[i] != nil {
			c.reviewErrs = append(c.reviewErrs, errs[i].Error())
		}
		out = append(out, results[i]...)
	}
	c.raw["reviewFetches"] = len(prs)
	c.raw["reviews"] = len(out)
	return out, nil
}

func (c *ledgerCrawl) debug() map[string]any {
	errs := c.reviewErrs
	if errs == nil {
		errs = []string{}
	}
	return map[string]any{
		"orgs":    c.orgs,
		"since":   c.since,
		"until":   c.until,
		"queries": c.queries,
		"raw":     c.raw,
		"errors":  errs,
	}
}
