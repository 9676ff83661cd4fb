package postgres

import (
	"context"
	"errors"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

func scanDevices(rows pgx.Rows) ([]model.Device, error) {
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.ExternalID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListSyncable returns devices that carry a vendor device id.
func (r *DeviceRepo) ListSyncable(ctx context.Context) ([]model.Device, error) {
	const q = `
SELECT id, COALESCE(external_id, ''), name, created_at
FROM devices
WHERE external_id IS NOT NULL AND external_id <> ''
ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return scanDevices(rows)
}

// Get selects a device by ID.
func (r *DeviceRepo) Get(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	const q = `
SELECT id, COALESCE(external_id, ''), name, created_at
FROM devices WHERE id=$1`
	var d model.Device
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.ExternalID, &d.Name, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpsertExternal creates the device for externalID when unknown and binds ownerID to it.
// An existing device keeps its ID and name.
func (r *DeviceRepo) UpsertExternal(
	ctx context.Context, externalID, name string, ownerID uuid.UUID,
) (d model.Device, err error) {
	newID, err := uuid.NewV4()
	if err != nil {
		return model.Device{}, err
	}

	const ins = `
INSERT INTO devices (id, external_id, name) VALUES ($1, $2, $3)
ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
RETURNING id, COALESCE(external_id, ''), name, created_at`
	const own = `
INSERT INTO device_owners (device_id, owner_id) VALUES ($1, $2)
ON CONFLICT (device_id, owner_id) DO NOTHING`

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, ins, newID, externalID, name).
			Scan(&d.ID, &d.ExternalID, &d.Name, &d.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, own, d.ID, ownerID)
		return err
	})
	if err != nil {
		return model.Device{}, err
	}
	return d, nil
}

// IsOwner reports whether ownerID is bound to the device.
func (r *DeviceRepo) IsOwner(ctx context.Context, deviceID, ownerID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM device_owners WHERE device_id=$1 AND owner_id=$2)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, deviceID, ownerID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// ListByOwner returns the devices bound to ownerID.
func (r *DeviceRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error) {
	const q = `
SELECT d.id, COALESCE(d.external_id, ''), d.name, d.created_at
FROM devices d
JOIN device_owners o ON o.device_id = d.id
WHERE o.owner_id=$1
ORDER BY d.created_at, d.id`
	rows, err := r.db.Pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	return scanDevices(rows)
}
