// Package limiter throttles vendor token refreshes per credential owner.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls refresh attempts and temporary lockouts per owner.
type Limiter interface {
	// Allow reports whether a refresh is currently allowed and an optional retry-after.
	Allow(ctx context.Context, ownerID uuid.UUID) (bool, time.Duration, error)
	// Success resets counters after a successful refresh.
	Success(ctx context.Context, ownerID uuid.UUID) error
	// Failure records a rejected refresh; may place a temporary block.
	Failure(ctx context.Context, ownerID uuid.UUID) (bool, time.Duration, error)
}
