package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotModifiedMiss is returned when GitHub answers 304 but the ETag store
// no longer holds the body the ETag referred to.
var ErrNotModifiedMiss = errors.New("github: 304 without cached body")

// APIError is a non-2xx response from GitHub.
type APIError struct {
	Status int
	Method string
	URL    string
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("github: %s %s: %d %s: %s", e.Method, e.URL, e.Status, http.StatusText(e.Status), strings.TrimSpace(body))
}

// StatusOf returns the HTTP status carried by err, or 0 when err is not an
// *APIError.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }

// GraphQLError carries the "errors" array of a GraphQL response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "github graphql: " + strings.Join(e.Messages, "; ")
}
