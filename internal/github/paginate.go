package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Paginate fetches url and every page linked by rel="next", decoding each
// page as a JSON array. It stops once limit items were collected (limit <= 0
// means no limit). Any failed page aborts the walk.
func Paginate[T any](ctx context.Context, c *Client, url string, limit int) ([]T, error) {
	return paginate(ctx, c, url, limit, func(b []byte) ([]T, error) {
		var page []T
		err := json.Unmarshal(b, &page)
		return page, err
	})
}

// searchEnvelope is the body shape of the /search endpoints.
type searchEnvelope[T any] struct {
	TotalCount        int  `json:"total_count"`
	IncompleteResults bool `json:"incomplete_results"`
	Items             []T  `json:"items"`
}

// PaginateSearch is Paginate for /search endpoints, whose pages wrap their
// items in an envelope.
func PaginateSearch[T any](ctx context.Context, c *Client, url string, limit int) ([]T, error) {
	return paginate(ctx, c, url, limit, func(b []byte) ([]T, error) {
		var env searchEnvelope[T]
		err := json.Unmarshal(b, &env)
		return env.Items, err
	})
}

func paginate[T any](ctx context.Context, c *Client, url string, limit int, decode func([]byte) ([]T, error)) ([]T, error) {
	var out []T
	next := url
	for next != "" {
		resp, err := c.FetchJSON(ctx, Request{URL: next})
		if err != nil {
			return nil, err
		}
		page, err := decode(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode page %s: %w", next, err)
		}
		out = append(out, page...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		next = NextLink(resp.Header.Get("Link"))
	}
	return out, nil
}

// NextLink extracts the rel="next" target from a Link header, or "".
func NextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			p = strings.TrimSpace(p)
			if p == `rel="next"` || p == "rel=next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}
