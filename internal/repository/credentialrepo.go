package repository

import (
	"context"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// CredentialRepository persists vendor credentials per (owner, vendor).
type CredentialRepository interface {
	// Upsert stores a full credential, replacing any previous one for the pair.
	Upsert(ctx context.Context, c model.Credential) error
	// Get loads the credential of ownerID for vendor.
	Get(ctx context.Context, ownerID uuid.UUID, vendor string) (*model.Credential, error)
	// ForDevice loads the credential of the earliest-linked owner of the device holding one.
	ForDevice(ctx context.Context, deviceID uuid.UUID, vendor string) (*model.Credential, error)
	// UpdateTokens atomically stores renewed tokens. An empty RefreshToken keeps the stored one.
	UpdateTokens(ctx context.Context, ownerID uuid.UUID, vendor string, t model.Tokens) error
}
