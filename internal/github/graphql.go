package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GraphQL posts query with vars and decodes the "data" member into T.
//
// Identical (query, vars, credential) calls within the memo TTL share one
// upstream request; concurrent duplicates wait for the first to finish.
// A response carrying an "errors" array fails with *GraphQLError.
func GraphQL[T any](ctx context.Context, c *Client, query string, vars map[string]any) (T, error) {
	var zero T
	key, err := memoKey(query, vars, c.token)
	if err != nil {
		return zero, err
	}

	data, ok := c.memo.get(key)
	if !ok {
		v, err, _ := c.memo.group.Do(key, func() (any, error) {
			if d, ok := c.memo.get(key); ok {
				return d, nil
			}
			resp, err := c.FetchJSON(ctx, Request{
				Method: http.MethodPost,
				URL:    c.graphqlURL,
				Accept: "application/json",
				Body:   graphQLRequest{Query: query, Variables: vars},
			})
			if err != nil {
				return nil, err
			}
			var env graphQLResponse
			if err := resp.Decode(&env); err != nil {
				return nil, err
			}
			if len(env.Errors) > 0 {
				gerr := &GraphQLError{}
				for _, e := range env.Errors {
					gerr.Messages = append(gerr.Messages, e.Message)
				}
				return nil, gerr
			}
			c.memo.put(key, env.Data)
			return []byte(env.Data), nil
		})
		if err != nil {
			return zero, err
		}
		data = v.([]byte)
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("decode graphql data: %w", err)
	}
	return out, nil
}

func memoKey(query string, vars map[string]any, token string) (string, error) {
	// encoding/json sorts map keys, so equal variable sets encode equally.
	vb, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode graphql variables: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write(vb)
	h.Write([]byte{0})
	h.Write([]byte(tokenFingerprint(token)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

type memoEntry struct {
	data    []byte
	expires time.Time
}

// memo is a short-lived cache of GraphQL results plus the singleflight
// group that collapses concurrent misses.
type memo struct {
	ttl   time.Duration
	mu    sync.Mutex
	items map[string]memoEntry
	group singleflight.Group
	now   func() time.Time
}

const memoSweepAt = 1024

func newMemo(ttl time.Duration) *memo {
	return &memo{ttl: ttl, items: make(map[string]memoEntry), now: time.Now}
}

func (m *memo) get(key string) ([]byte, bool) {
	if m.ttl <= 0 {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if m.now().After(e.expires) {
		delete(m.items, key)
		return nil, false
	}
	return e.data, true
}

func (m *memo) put(key string, data []byte) {
	if m.ttl <= 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) >= memoSweepAt {
		for k, e := range m.items {
			if now.After(e.expires) {
				delete(m.items, k)
			}
		}
	}
	m.items[key] = memoEntry{data: data, expires: now.Add(m.ttl)}
}
