// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the entity is not in a state that allows the operation
	// (e.g. ending a session that already ended).
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller does not own the addressed resource.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates a temporary block due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAuthExpired indicates the vendor refresh token is invalid or revoked,
	// or the refresh could not be performed. Sync for the owner's devices is
	// skipped until credentials are re-linked.
	ErrAuthExpired = errors.New("vendor auth expired")

	// ErrInsufficientData indicates a session was finalized over zero measurements.
	ErrInsufficientData = errors.New("insufficient data")
)

// RemoteAPIError is a non-success response from the vendor telemetry API.
type RemoteAPIError struct {
	Status  int
	Message string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("remote api: status %d: %s", e.Status, e.Message)
}

// IsAuthRejection reports whether the vendor refused the presented credentials.
func (e *RemoteAPIError) IsAuthRejection() bool {
	return e.Status == 400 || e.Status == 401 || e.Status == 403
}
