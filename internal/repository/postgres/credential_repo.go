package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// TokenSealer encrypts vendor tokens before they reach the database.
// It is implemented by *crypto.Sealer.
type TokenSealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// CredentialRepo implements CredentialRepository using PostgreSQL.
// Access and refresh tokens are stored sealed, bound to (owner, vendor).
type CredentialRepo struct {
	db     *DB
	sealer TokenSealer
}

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB, sealer TokenSealer) *CredentialRepo {
	return &CredentialRepo{db: db, sealer: sealer}
}

func credAAD(ownerID uuid.UUID, vendor string) []byte {
	return append(ownerID.Bytes(), vendor...)
}

func (r *CredentialRepo) seal(ownerID uuid.UUID, vendor, v string) ([]byte, error) {
	return r.sealer.Seal([]byte(v), credAAD(ownerID, vendor))
}

// Upsert stores the credential, replacing a previous one for the same owner and vendor.
func (r *CredentialRepo) Upsert(ctx context.Context, c model.Credential) error {
	access, err := r.seal(c.OwnerID, c.Vendor, c.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.seal(c.OwnerID, c.Vendor, c.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	const q = `
INSERT INTO credentials (owner_id, vendor, identity, access_token, refresh_token, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (owner_id, vendor) DO UPDATE
SET identity=EXCLUDED.identity, access_token=EXCLUDED.access_token,
    refresh_token=EXCLUDED.refresh_token, expires_at=EXCLUDED.expires_at, updated_at=now()`
	_, err = r.db.Pool.Exec(ctx, q, c.OwnerID, c.Vendor, c.Identity, access, refresh, c.ExpiresAt)
	return err
}

func (r *CredentialRepo) scan(row pgx.Row) (*model.Credential, error) {
	var (
		c               model.Credential
		access, refresh []byte
	)
	if err := row.Scan(&c.OwnerID, &c.Vendor, &c.Identity, &access, &refresh, &c.ExpiresAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	aad := credAAD(c.OwnerID, c.Vendor)
	a, err := r.sealer.Open(access, aad)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	rt, err := r.sealer.Open(refresh, aad)
	if err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	c.AccessToken, c.RefreshToken = string(a), string(rt)
	return &c, nil
}

// Get loads the credential of an owner for a vendor.
func (r *CredentialRepo) Get(ctx context.Context, ownerID uuid.UUID, vendor string) (*model.Credential, error) {
	const q = `
SELECT owner_id, vendor, identity, access_token, refresh_token, expires_at, updated_at
FROM credentials WHERE owner_id=$1 AND vendor=$2`
	return r.scan(r.db.Pool.QueryRow(ctx, q, ownerID, vendor))
}

// ForDevice picks the earliest-linked owner of the device that holds a credential for vendor.
func (r *CredentialRepo) ForDevice(ctx context.Context, deviceID uuid.UUID, vendor string) (*model.Credential, error) {
	const q = `
SELECT c.owner_id, c.vendor, c.identity, c.access_token, c.refresh_token, c.expires_at, c.updated_at
FROM device_owners o
JOIN credentials c ON c.owner_id = o.owner_id AND c.vendor = $2
WHERE o.device_id=$1
ORDER BY o.linked_at, o.owner_id
LIMIT 1`
	return r.scan(r.db.Pool.QueryRow(ctx, q, deviceID, vendor))
}

// UpdateTokens stores renewed tokens in a single statement.
func (r *CredentialRepo) UpdateTokens(ctx context.Context, ownerID uuid.UUID, vendor string, t model.Tokens) error {
	access, err := r.seal(ownerID, vendor, t.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	var refresh []byte // NULL keeps the stored refresh token
	if t.RefreshToken != "" {
		if refresh, err = r.seal(ownerID, vendor, t.RefreshToken); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	const q = `
UPDATE credentials
SET access_token=$3, refresh_token=COALESCE($4, refresh_token), expires_at=$5, updated_at=now()
WHERE owner_id=$1 AND vendor=$2`
	tag, err := r.db.Pool.Exec(ctx, q, ownerID, vendor, access, refresh, t.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
