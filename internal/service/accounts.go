package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"github.com/and161185/saunalog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// VendorAccount is the part of the vendor API used for linking and discovery.
type VendorAccount interface {
	Login(ctx context.Context, username, password string) (model.Tokens, error)
	ListDevices(ctx context.Context, accessToken string) ([]model.RemoteDevice, error)
}

// AccountService defines vendor account linking and device discovery.
type AccountService interface {
	// LinkAccount logs into the vendor and stores the owner's credential.
	LinkAccount(ctx context.Context, ownerID uuid.UUID, username, password string) error
	// DiscoverDevices registers the vendor devices of the owner and returns all owned devices.
	DiscoverDevices(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error)
}

type AccountServiceImpl struct {
	creds   repository.CredentialRepository
	devices repository.DeviceRepository
	vendor  VendorAccount
	tokens  TokenProvider
	name    string
	log     *zap.Logger
}

// NewAccountService constructs AccountService for the named vendor.
func NewAccountService(
	creds repository.CredentialRepository,
	devices repository.DeviceRepository,
	vendor VendorAccount,
	tokens TokenProvider,
	vendorName string,
	log *zap.Logger,
) *AccountServiceImpl {
	return &AccountServiceImpl{creds: creds, devices: devices, vendor: vendor, tokens: tokens, name: vendorName, log: log}
}

// LinkAccount exchanges the vendor login for tokens and stores them.
func (s *AccountServiceImpl) LinkAccount(ctx context.Context, ownerID uuid.UUID, username, password string) error {
	if ownerID == uuid.Nil {
		return errs.ErrUnauthorized
	}
	if username == "" || password == "" {
		return errors.New("validation: empty username/password")
	}
	tok, err := s.vendor.Login(ctx, username, password)
	if err != nil {
		var apiErr *errs.RemoteAPIError
		if errors.As(err, &apiErr) && apiErr.IsAuthRejection() {
			return errs.ErrUnauthorized
		}
		return fmt.Errorf("vendor login: %w", err)
	}
	err = s.creds.Upsert(ctx, model.Credential{
		OwnerID:      ownerID,
		Vendor:       s.name,
		Identity:     username,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if err := s.tokens.ResetLimits(ctx, ownerID); err != nil {
		s.log.Warn("reset refresh limiter", zap.String("owner", ownerID.String()), zap.Error(err))
	}
	s.log.Info("vendor account linked", zap.String("owner", ownerID.String()), zap.String("vendor", s.name))
	return nil
}

// DiscoverDevices binds every vendor device visible to the owner and lists the owner's devices.
func (s *AccountServiceImpl) DiscoverDevices(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error) {
	if ownerID == uuid.Nil {
		return nil, errs.ErrUnauthorized
	}
	cred, err := s.creds.Get(ctx, ownerID, s.name)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.EnsureValidToken(ctx, cred)
	if err != nil {
		return nil, err
	}
	remote, err := s.vendor.ListDevices(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("vendor devices: %w", err)
	}
	for _, rd := range remote {
		if _, err := s.devices.UpsertExternal(ctx, rd.ExternalID, rd.Name, ownerID); err != nil {
			return nil, fmt.Errorf("register device %s: %w", rd.ExternalID, err)
		}
	}
	return s.devices.ListByOwner(ctx, ownerID)
}
