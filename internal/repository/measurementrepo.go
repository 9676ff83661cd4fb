package repository

import (
	"context"
	"time"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MeasurementRepository is append-only, deduplicated time-series storage keyed by (device, timestamp).
type MeasurementRepository interface {
	// Latest returns the newest stored timestamp for the device; ok=false when none exist.
	Latest(ctx context.Context, deviceID uuid.UUID) (ts time.Time, ok bool, err error)
	// LatestAtOrBefore returns the newest stored timestamp <= t; ok=false when none exist.
	LatestAtOrBefore(ctx context.Context, deviceID uuid.UUID, t time.Time) (ts time.Time, ok bool, err error)
	// InsertNew inserts only measurements whose timestamp is not yet stored and returns their count.
	InsertNew(ctx context.Context, deviceID uuid.UUID, ms []model.Measurement) (int, error)
	// Range returns measurements with from <= ts <= to ordered by timestamp.
	Range(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]model.Measurement, error)
	// After returns at most limit measurements with ts > after ordered by timestamp.
	After(ctx context.Context, deviceID uuid.UUID, after time.Time, limit int) ([]model.Measurement, error)
}
