// Package domain defines the data model shared by the crawler, the snapshot
// cache, the refresh queue and the HTTP layer. Contribution records are the
// raw observations; person aggregates and snapshots are derived from them and
// are rebuilt from scratch on every aggregation run.
package domain

import (
	"strings"
	"time"
)

// Kind classifies a single unit of contributor work.
type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindReview      Kind = "review"
	KindCommit      Kind = "commit"
)

// ActorType is the account type GitHub reports for an actor, when known.
type ActorType string

const (
	ActorUnknown ActorType = ""
	ActorUser    ActorType = "User"
	ActorBot     ActorType = "Bot"
	ActorOther   ActorType = "Other"
)

// ParseActorType maps GitHub's REST "type" / GraphQL "__typename" values to
// an ActorType. Organizations, mannequins and anything unrecognized map to
// ActorOther; an empty value stays unknown.
func ParseActorType(s string) ActorType {
	switch strings.TrimSpace(s) {
	case "":
		return ActorUnknown
	case "User":
		return ActorUser
	case "Bot":
		return ActorBot
	default:
		return ActorOther
	}
}

// ContributionRecord is one observed unit of work by a person.
//
// Link is the dedup key within a login's record set: two records with the
// same login and link are the same contribution.
type ContributionRecord struct {
	Login     string    `json:"login"`
	Date      time.Time `json:"date"`
	Kind      Kind      `json:"kind"`
	Link      string    `json:"link"`
	Repo      string    `json:"repo"`
	ActorType ActorType `json:"actorType,omitempty"`
}

// PersonAggregate is the per-contributor rollup served by /contributors.
type PersonAggregate struct {
	Login             string             `json:"login"`
	ProfileURL        string             `json:"profileUrl"`
	ContributionCount int                `json:"contributionCount"`
	Latest            ContributionRecord `json:"latest"`
}

// ProfileURL returns the public GitHub profile for login.
func ProfileURL(login string) string {
	return "https://github.com/" + login
}

// KindCounts counts scanned contributions per kind.
type KindCounts struct {
	PullRequests int `json:"pullRequests"`
	Reviews      int `json:"reviews"`
	Commits      int `json:"commits"`
}

// UnitError is a non-fatal failure of one unit of crawl work (one org, one
// repository, one pull request).
type UnitError struct {
	Phase   string `json:"phase"`
	Unit    string `json:"unit"`
	Message string `json:"message"`
}

// Meta describes how a payload was produced.
type Meta struct {
	Since                 time.Time   `json:"since"`
	Until                 time.Time   `json:"until"`
	Orgs                  []string    `json:"orgs"`
	ExcludeOrgs           []string    `json:"excludeOrgs,omitempty"`
	Counts                KindCounts  `json:"counts"`
	ReposScanned          int         `json:"reposScanned"`
	InternalMembers       int         `json:"internalMembers"`
	PullRequestsInspected int         `json:"pullRequestsInspected"`
	DurationMs            int64       `json:"durationMs"`
	GeneratedAt           time.Time   `json:"generatedAt"`
	Errors                []UnitError `json:"errors"`
}

// Payload is the cached result of one complete aggregation run.
type Payload struct {
	People []PersonAggregate `json:"people"`
	Meta   Meta              `json:"meta"`
}

// Status carries the freshness metadata stored next to a payload.
type Status struct {
	LastUpdated time.Time `json:"lastUpdated"`
	SoftTTLMs   int64     `json:"softTtlMs"`
	HardTTLMs   int64     `json:"hardTtlMs"`
	Version     string    `json:"version"`
}

// Snapshot is the unit of caching: a payload and its status under one key.
type Snapshot struct {
	Key     string  `json:"key"`
	Payload Payload `json:"payload"`
	Status  Status  `json:"status"`
}
