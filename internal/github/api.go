package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const perPage = 100

// User is the account shape embedded in most REST payloads.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Repo is a repository as listed under an organization.
type Repo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
	Private  bool   `json:"private"`
	Archived bool   `json:"archived"`
	Fork     bool   `json:"fork"`
}

// ListOrgRepos lists the public repositories of org.
func (c *Client) ListOrgRepos(ctx context.Context, org string) ([]Repo, error) {
	u := fmt.Sprintf("/orgs/%s/repos?type=public&per_page=%d", url.PathEscape(org), perPage)
	return Paginate[Repo](ctx, c, u, 0)
}

// ListOrgMembers lists the members of org visible to the credential.
func (c *Client) ListOrgMembers(ctx context.Context, org string) ([]User, error) {
	u := fmt.Sprintf("/orgs/%s/members?per_page=%d", url.PathEscape(org), perPage)
	return Paginate[User](ctx, c, u, 0)
}

// PullRequest is one node of the newest-first pull request feed.
type PullRequest struct {
	Number     int
	URL        string
	CreatedAt  time.Time
	Author     string // empty for deleted ("ghost") accounts
	AuthorType string // GraphQL __typename: User, Bot, Mannequin, ...
}

// PRPage is one page of a repository's pull requests.
type PRPage struct {
	PullRequests []PullRequest
	HasNext      bool
	EndCursor    string
}

const pullRequestsQuery = `query($owner: String!, $name: String!, $after: String) {
  repository(owner: $owner, name: $name) {
    pullRequests(first: 50, after: $after, orderBy: {field: CREATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number
        url
        createdAt
        author { login __typename }
      }
    }
  }
}`

type pullRequestsData struct {
	Repository *struct {
		PullRequests struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []struct {
				Number    int       `json:"number"`
				URL       string    `json:"url"`
				CreatedAt time.Time `json:"createdAt"`
				Author    *struct {
					Login    string `json:"login"`
					Typename string `json:"__typename"`
				} `json:"author"`
			} `json:"nodes"`
		} `json:"pullRequests"`
	} `json:"repository"`
}

// PullRequestsPage fetches one page of owner/name's pull requests ordered by
// creation time, newest first. after is the previous page's EndCursor.
func (c *Client) PullRequestsPage(ctx context.Context, owner, name, after string) (PRPage, error) {
	vars := map[string]any{"owner": owner, "name": name}
	if after != "" {
		vars["after"] = after
	}
	data, err := GraphQL[pullRequestsData](ctx, c, pullRequestsQuery, vars)
	if err != nil {
		return PRPage{}, err
	}
	if data.Repository == nil {
		return PRPage{}, &GraphQLError{Messages: []string{"repository " + owner + "/" + name + " not found"}}
	}
	conn := data.Repository.PullRequests
	page := PRPage{
		HasNext:      conn.PageInfo.HasNextPage,
		EndCursor:    conn.PageInfo.EndCursor,
		PullRequests: make([]PullRequest, 0, len(conn.Nodes)),
	}
	for _, n := range conn.Nodes {
		pr := PullRequest{Number: n.Number, URL: n.URL, CreatedAt: n.CreatedAt}
		if n.Author != nil {
			pr.Author = n.Author.Login
			pr.AuthorType = n.Author.Typename
		}
		page.PullRequests = append(page.PullRequests, pr)
	}
	return page, nil
}

// Review is a pull request review.
type Review struct {
	ID          int64      `json:"id"`
	User        *User      `json:"user"`
	State       string     `json:"state"`
	HTMLURL     string     `json:"html_url"`
	SubmittedAt *time.Time `json:"submitted_at"`
}

// ListReviews lists the reviews of owner/name#number.
func (c *Client) ListReviews(ctx context.Context, owner, name string, number int) ([]Review, error) {
	u := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews?per_page=%d", url.PathEscape(owner), url.PathEscape(name), number, perPage)
	return Paginate[Review](ctx, c, u, 0)
}

// CommitAuthor is the git-level author of a commit.
type CommitAuthor struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

// PullCommit is a commit listed on a pull request.
type PullCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Author  *User  `json:"author"` // nil when the git author has no GitHub account
	Commit  struct {
		Author CommitAuthor `json:"author"`
	} `json:"commit"`
}

// ListPullCommits lists the commits of owner/name#number. GitHub caps this
// listing at 250 commits.
func (c *Client) ListPullCommits(ctx context.Context, owner, name string, number int) ([]PullCommit, error) {
	u := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits?per_page=%d", url.PathEscape(owner), url.PathEscape(name), number, perPage)
	return Paginate[PullCommit](ctx, c, u, 0)
}

// Issue is a search hit from /search/issues.
type Issue struct {
	Number        int       `json:"number"`
	HTMLURL       string    `json:"html_url"`
	CreatedAt     time.Time `json:"created_at"`
	User          *User     `json:"user"`
	RepositoryURL string    `json:"repository_url"`
	PullRequest   *struct {
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
}

// Repo returns the owner/name of the issue's repository.
func (i Issue) Repo() string { return RepoFromAPIURL(i.RepositoryURL) }

// SearchIssues runs an issue search sorted by creation time, newest first.
// GitHub serves at most 1000 results per query.
func (c *Client) SearchIssues(ctx context.Context, q string, limit int) ([]Issue, error) {
	u := fmt.Sprintf("/search/issues?q=%s&sort=created&order=desc&per_page=%d", url.QueryEscape(q), perPage)
	return PaginateSearch[Issue](ctx, c, u, limit)
}

// CommitHit is a search hit from /search/commits.
type CommitHit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Author  *User  `json:"author"`
	Commit  struct {
		Author CommitAuthor `json:"author"`
	} `json:"commit"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// SearchCommits runs a commit search sorted by author date, newest first.
func (c *Client) SearchCommits(ctx context.Context, q string, limit int) ([]CommitHit, error) {
	u := fmt.Sprintf("/search/commits?q=%s&sort=author-date&order=desc&per_page=%d", url.QueryEscape(q), perPage)
	return PaginateSearch[CommitHit](ctx, c, u, limit)
}

// RepoFromAPIURL turns https://api.github.com/repos/o/n into "o/n".
func RepoFromAPIURL(u string) string {
	const marker = "/repos/"
	i := strings.Index(u, marker)
	if i < 0 {
		return ""
	}
	return strings.Trim(u[i+len(marker):], "/")
}

// SplitRepo splits "owner/name".
func SplitRepo(full string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// PRNumberFromURL extracts the number from a pull request html URL.
func PRNumberFromURL(u string) (int, bool) {
	i := strings.LastIndex(u, "/pull/")
	if i < 0 {
		return 0, false
	}
	n := 0
	rest := strings.TrimRight(u[i+len("/pull/"):], "/")
	if rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
