package utils

import (
	"errors"
	"strings"
	"time"
)

// ErrBadTime is returned by ParseTime for values in no accepted layout.
var ErrBadTime = errors.New("time must be RFC3339 or YYYY-MM-DD")

// SplitCSV splits a comma-separated list, trimming blanks and dropping
// empty entries. An empty input yields nil.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseTime parses an RFC3339 timestamp or a bare YYYY-MM-DD date in UTC.
// A bare date resolves to the start of the day, or to its last nanosecond
// when endOfDay is set so an "until" date includes the whole day.
// An empty string yields nil.
func ParseTime(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, ErrBadTime
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
