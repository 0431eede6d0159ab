// Package aggregator crawls GitHub organizations and folds what it finds
// into a ranked list of external contributors.
//
// A run has four phases: repository discovery, membership snapshot,
// contribution crawl (pull requests, then reviews and commits on the
// newest pull requests) and the final Aggregate fold. Failures of a single
// repository or pull request are recorded in the payload meta and the run
// continues; a failed membership lookup or a cancelled context aborts it.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/github"
	"github.com/tbourn/go-contributors-backend/internal/observability"
)

// ErrNoOrgs is returned when a run is requested without organizations.
var ErrNoOrgs = errors.New("aggregator: at least one organization is required")

// Phase names recorded in meta.errors.
const (
	PhaseRepos   = "repos"
	PhaseMembers = "members"
	PhasePRs     = "pull_requests"
	PhaseReviews = "reviews"
	PhaseCommits = "commits"
)

// GitHub is the subset of the GitHub client the crawl uses.
type GitHub interface {
	ListOrgRepos(ctx context.Context, org string) ([]github.Repo, error)
	ListOrgMembers(ctx context.Context, org string) ([]github.User, error)
	PullRequestsPage(ctx context.Context, owner, name, after string) (github.PRPage, error)
	ListReviews(ctx context.Context, owner, name string, number int) ([]github.Review, error)
	ListPullCommits(ctx context.Context, owner, name string, number int) ([]github.PullCommit, error)
}

// Source returns the client for a run's credential override ("" selects
// the configured credential).
type Source func(token string) GitHub

// StaticSource ignores credential overrides.
func StaticSource(gh GitHub) Source {
	return func(string) GitHub { return gh }
}

// ClientSource scopes c to each run's credential.
func ClientSource(c *github.Client) Source {
	return func(token string) GitHub { return c.WithToken(token) }
}

// Config holds crawl limits and defaults.
type Config struct {
	Concurrency      int           // parallel units per phase
	Lookback         time.Duration // default window length
	MaxPRPages       int           // default pages of PRs per repository
	MaxReviewFetches int           // default number of PRs whose reviews and commits are fetched
	EarlyStop        bool          // stop paging a repository once PRs predate the window
}

// Aggregator runs crawls. It holds no per-run state and may run
// concurrently.
type Aggregator struct {
	source Source
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New constructs an Aggregator.
func New(source Source, cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 6
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 365 * 24 * time.Hour
	}
	if cfg.MaxPRPages < 1 {
		cfg.MaxPRPages = 5
	}
	if cfg.MaxReviewFetches < 0 {
		cfg.MaxReviewFetches = 0
	}
	return &Aggregator{source: source, cfg: cfg, log: log, now: time.Now}
}

// Lookback returns the default window length.
func (a *Aggregator) Lookback() time.Duration { return a.cfg.Lookback }

type repoRef struct {
	org, owner, name string
}

func (r repoRef) full() string { return r.owner + "/" + r.name }

type prRef struct {
	repo      repoRef
	number    int
	link      string
	author    string
	actorType domain.ActorType
	createdAt time.Time
}

// run carries the accumulated state of one crawl. Only the goroutine that
// owns the run writes to it; fan-out tasks hand results back by index.
type run struct {
	gh               GitHub
	since, until     time.Time
	maxPages         int
	maxReviewFetches int
	errs             []domain.UnitError
	records          []domain.ContributionRecord
	counts           domain.KindCounts
}

func (r *run) fail(phase, unit string, err error) {
	r.errs = append(r.errs, domain.UnitError{Phase: phase, Unit: unit, Message: err.Error()})
}

func (r *run) inWindow(t time.Time) bool {
	return !t.Before(r.since) && !t.After(r.until)
}

// Run performs one complete aggregation for params.
func (a *Aggregator) Run(ctx context.Context, params domain.RefreshParams) (domain.Payload, error) {
	started := a.now()
	tr := otel.Tracer("aggregator/Aggregator")
	ctx, span := tr.Start(ctx, "Run")
	defer span.End()

	payload, err := a.run(ctx, params, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.ObserveAggregation("failure", a.now().Sub(started))
		return domain.Payload{}, err
	}
	span.SetAttributes(
		attribute.Int("people", len(payload.People)),
		attribute.Int("unit_errors", len(payload.Meta.Errors)),
	)
	observability.ObserveAggregation("success", a.now().Sub(started))
	return payload, nil
}

func (a *Aggregator) run(ctx context.Context, params domain.RefreshParams, started time.Time) (domain.Payload, error) {
	orgs := domain.NormalizeOrgs(params.Orgs)
	if len(orgs) == 0 {
		return domain.Payload{}, ErrNoOrgs
	}
	exclude := domain.NormalizeOrgs(params.ExcludeOrgs)
	since, until := params.Window(started, a.cfg.Lookback)

	r := &run{
		gh:               a.source(params.Token),
		since:            since,
		until:            until,
		maxPages:         a.cfg.MaxPRPages,
		maxReviewFetches: a.cfg.MaxReviewFetches,
		errs:             []domain.UnitError{},
	}
	if params.MaxPRPages > 0 {
		r.maxPages = params.MaxPRPages
	}
	if params.MaxReviewFetches > 0 {
		r.maxReviewFetches = params.MaxReviewFetches
	}

	log := a.log.With().Strs("orgs", orgs).Time("since", since).Time("until", until).Logger()
	log.Info().Msg("aggregation started")

	repos, err := a.discoverRepos(ctx, r, orgs)
	if err != nil {
		return domain.Payload{}, err
	}
	internal, err := a.membership(ctx, r, union(orgs, exclude))
	if err != nil {
		return domain.Payload{}, err
	}
	prs, err := a.crawlPullRequests(ctx, r, repos)
	if err != nil {
		return domain.Payload{}, err
	}
	selected := selectPullRequests(prs, r.maxReviewFetches)
	if err := a.crawlReviewsAndCommits(ctx, r, selected, internal); err != nil {
		return domain.Payload{}, err
	}

	people := Aggregate(r.records, internal)
	finished := a.now()
	meta := domain.Meta{
		Since:                 since,
		Until:                 until,
		Orgs:                  orgs,
		ExcludeOrgs:           exclude,
		Counts:                r.counts,
		ReposScanned:          len(repos),
		InternalMembers:       len(internal),
		PullRequestsInspected: len(selected),
		DurationMs:            finished.Sub(started).Milliseconds(),
		GeneratedAt:           finished.UTC(),
		Errors:                r.errs,
	}
	log.Info().
		Int("people", len(people)).
		Int("repos", len(repos)).
		Int("prs", r.counts.PullRequests).
		Int("reviews", r.counts.Reviews).
		Int("commits", r.counts.Commits).
		Int("unit_errors", len(r.errs)).
		Int64("duration_ms", meta.DurationMs).
		Msg("aggregation finished")
	return domain.Payload{People: people, Meta: meta}, nil
}

// discoverRepos lists each org's public repositories. An org that cannot be
// listed is recorded and skipped.
func (a *Aggregator) discoverRepos(ctx context.Context, r *run, orgs []string) ([]repoRef, error) {
	ctx, span := otel.Tracer("aggregator/Aggregator").Start(ctx, "discoverRepos")
	defer span.End()

	results := make([][]github.Repo, len(orgs))
	errs := make([]error, len(orgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, org := range orgs {
		g.Go(func() error {
			results[i], errs[i] = r.gh.ListOrgRepos(gctx, org)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var repos []repoRef
	seen := make(map[string]struct{})
	for i, org := range orgs {
		if errs[i] != nil {
			r.fail(PhaseRepos, org, errs[i])
			a.log.Warn().Err(errs[i]).Str("phase", PhaseRepos).Str("org", org).Msg("list repositories failed")
			continue
		}
		for _, repo := range results[i] {
			if repo.Private {
				continue
			}
			owner := repo.Owner.Login
			if owner == "" {
				owner = org
			}
			ref := repoRef{org: org, owner: owner, name: repo.Name}
			if _, dup := seen[ref.full()]; dup {
				continue
			}
			seen[ref.full()] = struct{}{}
			repos = append(repos, ref)
		}
	}
	span.SetAttributes(attribute.Int("repos", len(repos)))
	return repos, nil
}

// membership builds the folded set of internal logins across orgs. Any
// org failing aborts the run: without a complete set, members would leak
// into the output as external contributors.
func (a *Aggregator) membership(ctx context.Context, r *run, orgs []string) (map[string]struct{}, error) {
	ctx, span := otel.Tracer("aggregator/Aggregator").Start(ctx, "membership")
	defer span.End()

	results := make([][]github.User, len(orgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, org := range orgs {
		g.Go(func() error {
			members, err := r.gh.ListOrgMembers(gctx, org)
			if err != nil {
				return fmt.Errorf("%s: list members of %s: %w", PhaseMembers, org, err)
			}
			results[i] = members
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	folder := cases.Fold()
	internal := make(map[string]struct{})
	for _, members := range results {
		for _, m := range members {
			if m.Login != "" {
				internal[folder.String(m.Login)] = struct{}{}
			}
		}
	}
	span.SetAttributes(attribute.Int("members", len(internal)))
	return internal, nil
}

// crawlPullRequests pages through each repository's PRs newest first and
// records those created inside the window.
func (a *Aggregator) crawlPullRequests(ctx context.Context, r *run, repos []repoRef) ([]prRef, error) {
	ctx, span := otel.Tracer("aggregator/Aggregator").Start(ctx, "crawlPullRequests")
	defer span.End()

	type result struct {
		prs []prRef
		err error
	}
	results := make([]result, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, repo := range repos {
		g.Go(func() error {
			prs, err := a.repoPullRequests(gctx, r, repo)
			results[i] = result{prs: prs, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []prRef
	for i, res := range results {
		// Pages fetched before a failure still count.
		all = append(all, res.prs...)
		if res.err != nil {
			r.fail(PhasePRs, repos[i].full(), res.err)
			a.log.Warn().Err(res.err).Str("phase", PhasePRs).Str("repo", repos[i].full()).Msg("pull request crawl failed")
		}
	}
	for _, pr := range all {
		r.records = append(r.records, domain.ContributionRecord{
			Login:     pr.author,
			Date:      pr.createdAt,
			Kind:      domain.KindPullRequest,
			Link:      pr.link,
			Repo:      pr.repo.full(),
			ActorType: pr.actorType,
		})
	}
	r.counts.PullRequests = len(all)
	span.SetAttributes(attribute.Int("pull_requests", len(all)))
	return all, nil
}

// repoPullRequests walks one repository. Paging stops at maxPages, at the
// end of the feed, or (with EarlyStop) after the first page that reaches
// PRs older than the window. The page that crosses the boundary is still
// scanned in full so a locally out-of-order feed loses nothing on it.
func (a *Aggregator) repoPullRequests(ctx context.Context, r *run, repo repoRef) ([]prRef, error) {
	var (
		out   []prRef
		after string
	)
	for page := 0; page < r.maxPages; page++ {
		res, err := r.gh.PullRequestsPage(ctx, repo.owner, repo.name, after)
		if err != nil {
			return out, err
		}
		crossed := false
		for _, pr := range res.PullRequests {
			if pr.CreatedAt.Before(r.since) {
				crossed = true
				continue
			}
			if pr.CreatedAt.After(r.until) || pr.Author == "" || pr.URL == "" {
				continue
			}
			out = append(out, prRef{
				repo:      repo,
				number:    pr.Number,
				link:      pr.URL,
				author:    pr.Author,
				actorType: domain.ParseActorType(pr.AuthorType),
				createdAt: pr.CreatedAt,
			})
		}
		if !res.HasNext || res.EndCursor == "" || (crossed && a.cfg.EarlyStop) {
			break
		}
		after = res.EndCursor
	}
	return out, nil
}

// selectPullRequests dedups PRs by link, orders them newest first and keeps
// at most limit of them.
func selectPullRequests(prs []prRef, limit int) []prRef {
	byLink := make(map[string]prRef, len(prs))
	for _, pr := range prs {
		byLink[pr.link] = pr
	}
	out := make([]prRef, 0, len(byLink))
	for _, pr := range byLink {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.After(out[j].createdAt)
		}
		return out[i].link > out[j].link
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// crawlReviewsAndCommits fetches reviews and commits for each selected PR.
func (a *Aggregator) crawlReviewsAndCommits(ctx context.Context, r *run, prs []prRef, internal map[string]struct{}) error {
	ctx, span := otel.Tracer("aggregator/Aggregator").Start(ctx, "crawlReviewsAndCommits")
	defer span.End()

	type result struct {
		reviews    []domain.ContributionRecord
		commits    []domain.ContributionRecord
		reviewErr  error
		commitsErr error
	}
	results := make([]result, len(prs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, pr := range prs {
		g.Go(func() error {
			res := &results[i]
			if reviews, err := r.gh.ListReviews(gctx, pr.repo.owner, pr.repo.name, pr.number); err != nil {
				res.reviewErr = err
			} else {
				res.reviews = reviewRecords(r, pr, reviews)
			}
			if commits, err := r.gh.ListPullCommits(gctx, pr.repo.owner, pr.repo.name, pr.number); err != nil {
				res.commitsErr = err
			} else {
				res.commits = commitRecords(r, pr, commits, internal)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, res := range results {
		if res.reviewErr != nil {
			r.fail(PhaseReviews, prs[i].link, res.reviewErr)
			a.log.Warn().Err(res.reviewErr).Str("phase", PhaseReviews).Str("pr", prs[i].link).Msg("review fetch failed")
		}
		if res.commitsErr != nil {
			r.fail(PhaseCommits, prs[i].link, res.commitsErr)
			a.log.Warn().Err(res.commitsErr).Str("phase", PhaseCommits).Str("pr", prs[i].link).Msg("commit fetch failed")
		}
		r.records = append(r.records, res.reviews...)
		r.records = append(r.records, res.commits...)
		r.counts.Reviews += len(res.reviews)
		r.counts.Commits += len(res.commits)
	}
	return nil
}

func reviewRecords(r *run, pr prRef, reviews []github.Review) []domain.ContributionRecord {
	var out []domain.ContributionRecord
	for _, rv := range reviews {
		if rv.User == nil || rv.User.Login == "" || rv.SubmittedAt == nil || rv.HTMLURL == "" {
			continue
		}
		if !r.inWindow(*rv.SubmittedAt) {
			continue
		}
		out = append(out, domain.ContributionRecord{
			Login:     rv.User.Login,
			Date:      rv.SubmittedAt.UTC(),
			Kind:      domain.KindReview,
			Link:      rv.HTMLURL,
			Repo:      pr.repo.full(),
			ActorType: domain.ParseActorType(rv.User.Type),
		})
	}
	return out
}

// commitRecords credits commits to co-authors of a PR: the PR author's own
// commits and commits by internal members are skipped.
func commitRecords(r *run, pr prRef, commits []github.PullCommit, internal map[string]struct{}) []domain.ContributionRecord {
	folder := cases.Fold()
	prAuthor := folder.String(pr.author)
	var out []domain.ContributionRecord
	for _, c := range commits {
		if c.Author == nil || c.Author.Login == "" || c.HTMLURL == "" {
			continue
		}
		login := folder.String(c.Author.Login)
		if login == prAuthor {
			continue
		}
		if _, isInternal := internal[login]; isInternal {
			continue
		}
		date := c.Commit.Author.Date
		if !r.inWindow(date) {
			continue
		}
		out = append(out, domain.ContributionRecord{
			Login:     c.Author.Login,
			Date:      date.UTC(),
			Kind:      domain.KindCommit,
			Link:      c.HTMLURL,
			Repo:      pr.repo.full(),
			ActorType: domain.ParseActorType(c.Author.Type),
		})
	}
	return out
}

func union(a, b []string) []string {
	return domain.NormalizeOrgs(append(append([]string{}, a...), b...))
}
