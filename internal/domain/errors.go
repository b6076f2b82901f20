package domain

import "errors"

// Error kinds surfaced by the engagement core. Handlers map these to HTTP
// status codes / WebSocket close reasons with errors.Is.
var (
	// ErrNotFound indicates no matching session or class exists.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates an ownership or scope mismatch.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalid indicates a malformed signal (e.g. attention score outside 0-100).
	ErrInvalid = errors.New("invalid")

	// ErrUnavailable indicates the persistent store is unreachable. Retryable:
	// the same signal can be resubmitted without double-counting because the
	// registry is only advanced after a durable update.
	ErrUnavailable = errors.New("unavailable")
)
