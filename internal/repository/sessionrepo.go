package repository

import (
	"context"
	"time"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// SessionRepository stores inferred usage sessions.
type SessionRepository interface {
	// Latest returns the session with the greatest start for the device, or nil when it has none.
	Latest(ctx context.Context, deviceID uuid.UUID) (*model.Session, error)
	// Get loads a session by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	// Open inserts a new ONGOING session unless one starting in [guardFrom, guardTo] already exists.
	// It returns ErrAlreadyExists when the guard trips or another session is ongoing.
	Open(ctx context.Context, s model.Session, guardFrom, guardTo time.Time) error
	// Touch advances last_activity of an ONGOING session.
	Touch(ctx context.Context, id uuid.UUID, lastActivity time.Time) error
	// Finalize ends an ONGOING session with the given end and stats. Stats may be nil.
	// It returns ErrConflict when the session has already ended.
	Finalize(ctx context.Context, id uuid.UUID, end time.Time, stats *model.SessionStats, manual bool) (*model.Session, error)
	// ListRange returns sessions of the device overlapping [from, to] ordered by start.
	ListRange(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]model.Session, error)
}

// CheckpointRepository remembers the last measurement processed by the detector per device.
type CheckpointRepository interface {
	// Get returns the checkpoint; ok=false when none is stored.
	Get(ctx context.Context, deviceID uuid.UUID) (ts time.Time, ok bool, err error)
	// Set stores the checkpoint.
	Set(ctx context.Context, deviceID uuid.UUID, ts time.Time) error
}
