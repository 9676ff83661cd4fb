// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DeviceRepository provides access to devices and their owners.
type DeviceRepository interface {
	// ListSyncable returns devices bound to a vendor device id.
	ListSyncable(ctx context.Context) ([]model.Device, error)
	// Get loads a device by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Device, error)
	// UpsertExternal creates the device for externalID if missing and binds ownerID to it.
	UpsertExternal(ctx context.Context, externalID, name string, ownerID uuid.UUID) (model.Device, error)
	// IsOwner reports whether ownerID owns the device.
	IsOwner(ctx context.Context, deviceID, ownerID uuid.UUID) (bool, error)
	// ListByOwner returns all devices owned by ownerID.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error)
}
