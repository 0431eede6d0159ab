// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are stable, lowercase snake_case strings returned in the error
// envelope next to a human-readable message. Generic codes mirror HTTP
// status semantics; domain codes name the operation that failed so clients
// can branch without parsing messages.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "missing_orgs",
//	  "message": "orgs query parameter is required"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeMissingOrgs   = "missing_orgs"
	ErrCodeInvalidWindow = "invalid_window"
	ErrCodeInvalidLogin  = "invalid_login"
	ErrCodeInvalidCursor = "invalid_cursor"
	ErrCodeReadFailed    = "read_failed"
	ErrCodeLedgerFailed  = "ledger_failed"
	ErrCodeEnqueueFailed = "enqueue_failed"
	ErrCodeUnavailable   = "unavailable"
)
