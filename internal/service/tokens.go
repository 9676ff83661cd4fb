// Package service contains the application services: vendor token upkeep, telemetry sync,
// session detection, account linking and the session queries served over the API.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/limiter"
	"github.com/and161185/saunalog/internal/model"
	"github.com/and161185/saunalog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenRefresher renews vendor access tokens.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, username string) (model.Tokens, error)
}

// TokenProvider yields a usable vendor access token for a credential.
type TokenProvider interface {
	// EnsureValidToken returns the stored token while it is unexpired and refreshes it otherwise.
	// Every refresh failure is reported as errs.ErrAuthExpired; a cancelled ctx returns ctx.Err().
	EnsureValidToken(ctx context.Context, c *model.Credential) (string, error)
	// ResetLimits clears refresh throttling for an owner after re-linking.
	ResetLimits(ctx context.Context, ownerID uuid.UUID) error
}

// DefaultRefreshTimeout bounds a shared token refresh.
const DefaultRefreshTimeout = 30 * time.Second

type TokenManager struct {
	creds   repository.CredentialRepository
	remote  TokenRefresher
	lim     limiter.Limiter
	log     *zap.Logger
	now     func() time.Time
	sf      singleflight.Group
	timeout time.Duration
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(creds repository.CredentialRepository, remote TokenRefresher, lim limiter.Limiter, log *zap.Logger) *TokenManager {
	return &TokenManager{creds: creds, remote: remote, lim: lim, log: log, now: time.Now, timeout: DefaultRefreshTimeout}
}

// EnsureValidToken returns a valid access token for c, refreshing it when expired.
// Concurrent refreshes of the same owner share one vendor call.
func (m *TokenManager) EnsureValidToken(ctx context.Context, c *model.Credential) (string, error) {
	if c.ExpiresAt.After(m.now()) {
		return c.AccessToken, nil
	}
	// shared by all devices of the owner; detached from the starting caller's deadline
	owner := *c
	ch := m.sf.DoChan(c.OwnerID.String()+"/"+c.Vendor, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.refresh(rctx, &owner)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return "", res.Err
	}
	tok := res.Val.(model.Tokens)
	c.AccessToken, c.ExpiresAt = tok.AccessToken, tok.ExpiresAt
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	return tok.AccessToken, nil
}

func (m *TokenManager) refresh(ctx context.Context, c *model.Credential) (model.Tokens, error) {
	log := m.log.With(zap.String("owner", c.OwnerID.String()), zap.String("vendor", c.Vendor))

	// another worker may have refreshed since c was loaded
	cur, err := m.creds.Get(ctx, c.OwnerID, c.Vendor)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("%w: load credential: %v", errs.ErrAuthExpired, err)
	}
	if cur.ExpiresAt.After(m.now()) {
		return model.Tokens{AccessToken: cur.AccessToken, RefreshToken: cur.RefreshToken, ExpiresAt: cur.ExpiresAt}, nil
	}

	allowed, retry, err := m.lim.Allow(ctx, c.OwnerID)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("%w: limiter: %v", errs.ErrAuthExpired, err)
	}
	if !allowed {
		return model.Tokens{}, fmt.Errorf("%w: refresh blocked for %s", errs.ErrAuthExpired, retry.Round(time.Second))
	}

	tok, err := m.remote.Refresh(ctx, cur.RefreshToken, cur.Identity)
	if err != nil {
		var apiErr *errs.RemoteAPIError
		if errors.As(err, &apiErr) && apiErr.IsAuthRejection() {
			if blocked, d, ferr := m.lim.Failure(ctx, c.OwnerID); ferr != nil {
				log.Warn("record refresh failure", zap.Error(ferr))
			} else if blocked {
				log.Warn("token refresh blocked", zap.Duration("for", d))
			}
		}
		return model.Tokens{}, fmt.Errorf("%w: %v", errs.ErrAuthExpired, err)
	}

	if err := m.creds.UpdateTokens(ctx, c.OwnerID, c.Vendor, tok); err != nil {
		return model.Tokens{}, fmt.Errorf("%w: persist tokens: %v", errs.ErrAuthExpired, err)
	}
	if err := m.lim.Success(ctx, c.OwnerID); err != nil {
		log.Warn("reset refresh limiter", zap.Error(err))
	}
	log.Info("vendor token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// ResetLimits clears refresh throttling for ownerID.
func (m *TokenManager) ResetLimits(ctx context.Context, ownerID uuid.UUID) error {
	return m.lim.Success(ctx, ownerID)
}
