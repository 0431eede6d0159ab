// Package services defines the business logic behind the HTTP layer: the
// cached contributor read path, the live per-login ledger and the refresh
// trigger. This file centralizes service-level error values so callers can
// check them with errors.Is.
//
// Translation into user-facing messages and HTTP status codes is performed
// at the handler layer.
package services

import "errors"

var (
	// ErrMissingOrgs is returned when a request names no organization and
	// no default is configured.
	ErrMissingOrgs = errors.New("at least one organization is required")

	// ErrInvalidLogin is returned for logins GitHub would not accept.
	ErrInvalidLogin = errors.New("invalid login")

	// ErrInvalidCursor is returned when a ledger cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidWindow is returned when since is after until.
	ErrInvalidWindow = errors.New("since must not be after until")

	// ErrNoReplay is returned when no stored response exists for an
	// idempotency key.
	ErrNoReplay = errors.New("no stored response")

	// ErrReplayExists is returned when a response is already stored for an
	// idempotency key.
	ErrReplayExists = errors.New("stored response already exists")
)
