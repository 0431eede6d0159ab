package aggregator

import (
	"sort"

	"golang.org/x/text/cases"

	"github.com/tbourn/go-contributors-backend/internal/domain"
	"github.com/tbourn/go-contributors-backend/internal/github"
)

// Aggregate folds contribution records into ranked person aggregates.
//
// Records are grouped by case-folded login. A group is dropped when its login
// is in internal (keys must be folded with FoldLogin), when the login looks
// like a bot, or when any of its records carries a Bot actor type. Within a
// group, records sharing a link count once. People are ordered by
// contribution count, then by latest contribution date, both descending,
// with login as the final tie-break.
func Aggregate(records []domain.ContributionRecord, internal map[string]struct{}) []domain.PersonAggregate {
	type group struct {
		byLink map[string]domain.ContributionRecord
		bot    bool
	}
	folder := cases.Fold()
	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, r := range records {
		if r.Login == "" || r.Link == "" {
			continue
		}
		key := folder.String(r.Login)
		g, ok := groups[key]
		if !ok {
			g = &group{byLink: make(map[string]domain.ContributionRecord)}
			groups[key] = g
			order = append(order, key)
		}
		if r.ActorType == domain.ActorBot {
			g.bot = true
		}
		// The same link seen twice keeps the later observation.
		if prev, seen := g.byLink[r.Link]; !seen || r.Date.After(prev.Date) {
			g.byLink[r.Link] = r
		}
	}

	people := make([]domain.PersonAggregate, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		if _, isInternal := internal[key]; isInternal || g.bot {
			continue
		}
		var latest domain.ContributionRecord
		first := true
		for _, r := range g.byLink {
			if first || newer(r, latest) {
				latest, first = r, false
			}
		}
		if github.IsBot(latest.Login) {
			continue
		}
		people = append(people, domain.PersonAggregate{
			Login:             latest.Login,
			ProfileURL:        domain.ProfileURL(latest.Login),
			ContributionCount: len(g.byLink),
			Latest:            latest,
		})
	}

	sort.Slice(people, func(i, j int) bool {
		a, b := people[i], people[j]
		if a.ContributionCount != b.ContributionCount {
			return a.ContributionCount > b.ContributionCount
		}
		if !a.Latest.Date.Equal(b.Latest.Date) {
			return a.Latest.Date.After(b.Latest.Date)
		}
		return a.Login < b.Login
	})
	return people
}

// newer orders records by date, breaking ties by the lexically larger link.
func newer(a, b domain.ContributionRecord) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.Link > b.Link
}

// FoldLogin is the identity key used for logins. GitHub logins are
// case-insensitive.
func FoldLogin(login string) string {
	return cases.Fold().String(login)
}
