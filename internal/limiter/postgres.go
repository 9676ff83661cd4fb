package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPGWithQuerier constructs a limiter over any pgx querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether the owner may refresh now.
func (l *PG) Allow(ctx context.Context, ownerID uuid.UUID) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM refresh_limiter WHERE owner_id=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, ownerID).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success clears the failure counter of the owner.
func (l *PG) Success(ctx context.Context, ownerID uuid.UUID) error {
	const q = `
INSERT INTO refresh_limiter (owner_id, fail_count, blocked_until, updated_at)
VALUES ($1, 0, 'epoch', now())
ON CONFLICT (owner_id)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, ownerID)
	return err
}

// Failure records a rejected refresh and blocks the owner once maxFails is reached within window.
func (l *PG) Failure(ctx context.Context, ownerID uuid.UUID) (bool, time.Duration, error) {
	const q = `
INSERT INTO refresh_limiter (owner_id, fail_count, blocked_until, updated_at)
VALUES ($1, 1, 'epoch', now())
ON CONFLICT (owner_id) DO UPDATE
SET
  fail_count = CASE WHEN now() - refresh_limiter.updated_at > $2::interval THEN 1 ELSE refresh_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, ownerID, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE refresh_limiter SET blocked_until=$2 WHERE owner_id=$1`
	if _, err := l.pool.Exec(ctx, upd, ownerID, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
