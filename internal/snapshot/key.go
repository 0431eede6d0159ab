package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

const keyPrefix = "contributors"

// keyFields is the canonical form hashed into a key. Field order is fixed
// by the struct, so encoding is deterministic.
type keyFields struct {
	Orgs        []string `json:"orgs"`
	Since       string   `json:"since"`
	Until       string   `json:"until"`
	ExcludeOrgs []string `json:"excludeOrgs"`
	Version     string   `json:"version"`
}

// KeyOf returns the cache key for params.
//
// Org lists are case-folded, de-duplicated and sorted. The window is
// resolved against now (missing bounds default to the trailing lookback)
// and each bound is floored to UTC midnight, so requests that differ only
// in org order or by sub-day timestamps share a key. The credential
// override and the crawl caps do not take part.
func KeyOf(params domain.RefreshParams, version string, now time.Time, lookback time.Duration) string {
	since, until := params.Window(now, lookback)
	f := keyFields{
		Orgs:        sortedOrgs(params.Orgs),
		Since:       floorDay(since),
		Until:       floorDay(until),
		ExcludeOrgs: sortedOrgs(params.ExcludeOrgs),
		Version:     version,
	}
	b, _ := json.Marshal(f) // cannot fail for strings and string slices
	sum := sha256.Sum256(b)
	return keyPrefix + ":" + version + ":" + hex.EncodeToString(sum[:])
}

func sortedOrgs(orgs []string) []string {
	out := domain.NormalizeOrgs(orgs)
	sort.Strings(out)
	return out
}

func floorDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
