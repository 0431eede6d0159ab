package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/github"
)

// fakeGitHub serves canned data keyed by org, repo ("owner/name") and PR
// ("owner/name#n"). Errors take precedence over data.
type fakeGitHub struct {
	repos      map[string][]github.Repo
	repoErr    map[string]error
	members    map[string][]string
	memberErr  map[string]error
	pages      map[string][]github.PRPage // indexed by page number; cursor is the index as a string
	pageErr    map[string]error
	reviews    map[string][]github.Review
	reviewErr  map[string]error
	commits    map[string][]github.PullCommit
	commitsErr map[string]error

	mu         sync.Mutex
	pageCalls  map[string]int
	reviewHits []string
}

func newFake() *fakeGitHub {
	return &fakeGitHub{
		repos: map[string][]github.Repo{}, repoErr: map[string]error{},
		members: map[string][]string{}, memberErr: map[string]error{},
		pages: map[string][]github.PRPage{}, pageErr: map[string]error{},
		reviews: map[string][]github.Review{}, reviewErr: map[string]error{},
		commits: map[string][]github.PullCommit{}, commitsErr: map[string]error{},
		pageCalls: map[string]int{},
	}
}

func (f *fakeGitHub) ListOrgRepos(_ context.Context, org string) ([]github.Repo, error) {
	if err := f.repoErr[org]; err != nil {
		return nil, err
	}
	return f.repos[org], nil
}

func (f *fakeGitHub) ListOrgMembers(_ context.Context, org string) ([]github.User, error) {
	if err := f.memberErr[org]; err != nil {
		return nil, err
	}
	var out []github.User
	for _, l := range f.members[org] {
		out = append(out, github.User{Login: l, Type: "User"})
	}
	return out, nil
}

func (f *fakeGitHub) PullRequestsPage(_ context.Context, owner, name, after string) (github.PRPage, error) {
	key := owner + "/" + name
	f.mu.Lock()
	f.pageCalls[key]++
	f.mu.Unlock()
	if err := f.pageErr[key]; err != nil {
		return github.PRPage{}, err
	}
	idx := 0
	if after != "" {
		fmt.Sscanf(after, "%d", &idx)
	}
	pages := f.pages[key]
	if idx >= len(pages) {
		return github.PRPage{}, nil
	}
	p := pages[idx]
	if idx+1 < len(pages) {
		p.HasNext = true
		p.EndCursor = fmt.Sprint(idx + 1)
	}
	return p, nil
}

func (f *fakeGitHub) ListReviews(_ context.Context, owner, name string, number int) ([]github.Review, error) {
	key := fmt.Sprintf("%s/%s#%d", owner, name, number)
	f.mu.Lock()
	f.reviewHits = append(f.reviewHits, key)
	f.mu.Unlock()
	if err := f.reviewErr[key]; err != nil {
		return nil, err
	}
	return f.reviews[key], nil
}

func (f *fakeGitHub) ListPullCommits(_ context.Context, owner, name string, number int) ([]github.PullCommit, error) {
	key := fmt.Sprintf("%s/%s#%d", owner, name, number)
	if err := f.commitsErr[key]; err != nil {
		return nil, err
	}
	return f.commits[key], nil
}

var (
	since = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
)

func at(month, day int) time.Time { return time.Date(2024, time.Month(month), day, 12, 0, 0, 0, time.UTC) }

func prURL(repo string, n int) string { return fmt.Sprintf("https://github.com/%s/pull/%d", repo, n) }

func pr(repo string, n int, author string, created time.Time) github.PullRequest {
	return github.PullRequest{Number: n, URL: prURL(repo, n), CreatedAt: created, Author: author, AuthorType: "User"}
}

func review(login, link string, t time.Time) github.Review {
	return github.Review{User: &github.User{Login: login, Type: "User"}, HTMLURL: link, SubmittedAt: &t}
}

func commit(login, sha string, t time.Time) github.PullCommit {
	c := github.PullCommit{SHA: sha, HTMLURL: "https://github.com/c/" + sha, Author: &github.User{Login: login, Type: "User"}}
	c.Commit.Author.Date = t
	return c
}

func newAgg(f *fakeGitHub, cfg Config) *Aggregator {
	if cfg.MaxReviewFetches == 0 {
		cfg.MaxReviewFetches = 50
	}
	return New(StaticSource(f), cfg, zerolog.Nop())
}

func params(orgs ...string) domain.RefreshParams {
	s, u := since, until
	return domain.RefreshParams{Orgs: orgs, Since: &s, Until: &u}
}

func logins(people []domain.PersonAggregate) []string {
	out := make([]string, 0, len(people))
	for _, p := range people {
		out = append(out, p.Login)
	}
	return out
}

func TestRun_TwoOrgsThreeExternalContributors(t *testing.T) {
	f := newFake()
	for _, org := range []string{"alpha", "beta"} {
		repo := org + "/app"
		f.repos[org] = []github.Repo{{Name: "app", Owner: github.User{Login: org}}}
		f.members[org] = []string{org + "-staff"}
		f.pages[repo] = []github.PRPage{{PullRequests: []github.PullRequest{pr(repo, 1, org+"-author", at(3, 1))}}}
		f.reviews[repo+"#1"] = []github.Review{review(org+"-reviewer", prURL(repo, 1)+"#pullrequestreview-1", at(3, 2))}
		f.commits[repo+"#1"] = []github.PullCommit{
			commit(org+"-author", org+"a1", at(3, 1)),
			commit(org+"-committer", org+"c1", at(3, 1)),
		}
	}

	// One org only: three people, one contribution each.
	payload, err := newAgg(f, Config{}).Run(context.Background(), params("alpha"))
	require.NoError(t, err)
	require.Len(t, payload.People, 3)
	for _, p := range payload.People {
		assert.Equal(t, 1, p.ContributionCount, p.Login)
	}
	assert.ElementsMatch(t, []string{"alpha-author", "alpha-reviewer", "alpha-committer"}, logins(payload.People))

	// Both orgs.
	payload, err = newAgg(f, Config{}).Run(context.Background(), params("alpha", "beta"))
	require.NoError(t, err)
	assert.Len(t, payload.People, 6)
	assert.Equal(t, domain.KindCounts{PullRequests: 2, Reviews: 2, Commits: 2}, payload.Meta.Counts)
	assert.Equal(t, 2, payload.Meta.ReposScanned)
	assert.Equal(t, 2, payload.Meta.PullRequestsInspected)
	assert.Equal(t, []string{"alpha", "beta"}, payload.Meta.Orgs)
	assert.Empty(t, payload.Meta.Errors)
	assert.NotNil(t, payload.Meta.Errors)
}

func TestRun_InternalMembershipIsGlobal(t *testing.T) {
	f := newFake()
	f.repos["alpha"] = []github.Repo{{Name: "app", Owner: github.User{Login: "alpha"}}}
	f.members["alpha"] = nil
	f.members["beta"] = []string{"Beta-Staff"}
	f.members["partner"] = []string{"partner-dev"}
	f.pages["alpha/app"] = []github.PRPage{{PullRequests: []github.PullRequest{
		pr("alpha/app", 1, "beta-staff", at(2, 1)),
		pr("alpha/app", 2, "partner-dev", at(2, 2)),
		pr("alpha/app", 3, "outsider", at(2, 3)),
	}}}

	p := params("alpha", "beta")
	p.ExcludeOrgs = []string{"partner"}
	payload, err := newAgg(f, Config{}).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"outsider"}, logins(payload.People))
	assert.Equal(t, 2, payload.Meta.InternalMembers)
	assert.Equal(t, []string{"partner"}, payload.Meta.ExcludeOrgs)
}

func TestRun_MembershipFailureAbortsRun(t *testing.T) {
	f := newFake()
	f.memberErr["beta"] = errors.New("boom")
	_, err := newAgg(f, Config{}).Run(context.Background(), params("alpha", "beta"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beta")
}

func TestRun_PerUnitFailuresAreRecorded(t *testing.T) {
	f := newFake()
	f.repoErr["gone"] = errors.New("404")
	f.repos["alpha"] = []github.Repo{
		{Name: "ok", Owner: github.User{Login: "alpha"}},
		{Name: "broken", Owner: github.User{Login: "alpha"}},
	}
	f.pageErr["alpha/broken"] = errors.New("graphql down")
	f.pages["alpha/ok"] = []github.PRPage{{PullRequests: []github.PullRequest{pr("alpha/ok", 1, "ext", at(5, 1))}}}
	f.reviewErr["alpha/ok#1"] = errors.New("reviews 500")

	payload, err := newAgg(f, Config{}).Run(context.Background(), params("alpha", "gone"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ext"}, logins(payload.People))

	phases := map[string]string{}
	for _, e := range payload.Meta.Errors {
		phases[e.Phase] = e.Unit
	}
	assert.Equal(t, "gone", phases[PhaseRepos])
	assert.Equal(t, "alpha/broken", phases[PhasePRs])
	assert.Equal(t, prURL("alpha/ok", 1), phases[PhaseReviews])
}

func TestRun_EarlyStopBoundsPaging(t *testing.T) {
	build := func() *fakeGitHub {
		f := newFake()
		f.repos["alpha"] = []github.Repo{{Name: "app", Owner: github.User{Login: "alpha"}}}
		f.pages["alpha/app"] = []github.PRPage{
			{PullRequests: []github.PullRequest{pr("alpha/app", 3, "a", at(6, 1)), pr("alpha/app", 2, "old", since.Add(-time.Hour))}},
			{PullRequests: []github.PullRequest{pr("alpha/app", 1, "older", since.Add(-48*time.Hour))}},
			{PullRequests: []github.PullRequest{pr("alpha/app", 0, "oldest", since.Add(-96*time.Hour))}},
		}
		return f
	}

	f := build()
	payload, err := newAgg(f, Config{EarlyStop: true, MaxPRPages: 10}).Run(context.Background(), params("alpha"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, logins(payload.People))
	assert.Equal(t, 1, f.pageCalls["alpha/app"])

	f = build()
	_, err = newAgg(f, Config{EarlyStop: false, MaxPRPages: 2}).Run(context.Background(), params("alpha"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.pageCalls["alpha/app"], "without early stop paging is bounded by max pages")
}

func TestRun_ReviewFetchCapTakesNewestPRs(t *testing.T) {
	f := newFake()
	f.repos["alpha"] = []github.Repo{{Name: "app", Owner: github.User{Login: "alpha"}}}
	f.pages["alpha/app"] = []github.PRPage{{PullRequests: []github.PullRequest{
		pr("alpha/app", 3, "a", at(9, 1)),
		pr("alpha/app", 2, "b", at(8, 1)),
		pr("alpha/app", 1, "c", at(7, 1)),
	}}}

	p := params("alpha")
	p.MaxReviewFetches = 2
	payload, err := newAgg(f, Config{}).Run(context.Background(), p)
	require.NoError(t, err)
	sort.Strings(f.reviewHits)
	assert.Equal(t, []string{"alpha/app#2", "alpha/app#3"}, f.reviewHits)
	assert.Equal(t, 2, payload.Meta.PullRequestsInspected)
}

func TestRun_WindowFiltersReviewsAndCommits(t *testing.T) {
	f := newFake()
	f.repos["alpha"] = []github.Repo{{Name: "app", Owner: github.User{Login: "alpha"}}}
	f.pages["alpha/app"] = []github.PRPage{{PullRequests: []github.PullRequest{
		pr("alpha/app", 2, "future", until.Add(time.Hour)),
		pr("alpha/app", 1, "author", at(12, 30)),
	}}}
	f.reviews["alpha/app#1"] = []github.Review{
		review("late-reviewer", "https://r/late", until.Add(time.Hour)),
		review("reviewer", "https://r/ok", at(12, 30)),
	}
	f.commits["alpha/app#1"] = []github.PullCommit{commit("late-committer", "x", until.Add(time.Hour))}

	payload, err := newAgg(f, Config{}).Run(context.Background(), params("alpha"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"author", "reviewer"}, logins(payload.People))
}

func TestRun_RequiresOrgs(t *testing.T) {
	_, err := newAgg(newFake(), Config{}).Run(context.Background(), domain.RefreshParams{Orgs: []string{" "}})
	assert.ErrorIs(t, err, ErrNoOrgs)
}

func TestRun_CancelledContextFailsRun(t *testing.T) {
	f := newFake()
	f.repos["alpha"] = []github.Repo{{Name: "app", Owner: github.User{Login: "alpha"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newAgg(f, Config{}).Run(ctx, params("alpha"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DefaultWindow(t *testing.T) {
	f := newFake()
	f.repos["alpha"] = nil
	a := newAgg(f, Config{Lookback: 30 * 24 * time.Hour})
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	payload, err := a.Run(context.Background(), domain.RefreshParams{Orgs: []string{"alpha"}})
	require.NoError(t, err)
	assert.Equal(t, now, payload.Meta.Until)
	assert.Equal(t, now.Add(-30*24*time.Hour), payload.Meta.Since)
	assert.NotNil(t, payload.People)
}
