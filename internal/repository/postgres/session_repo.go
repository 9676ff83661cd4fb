package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionCols = `id, device_id, start_ts, end_ts, status, last_activity, manually_ended,
samples, min_temp, avg_temp, max_temp, min_hum, avg_hum, max_hum,
min_presence, avg_presence, max_presence, created_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s       model.Session
		status  string
		samples *int
		v       [9]*float64
	)
	err := row.Scan(&s.ID, &s.DeviceID, &s.Start, &s.End, &status, &s.LastActivity, &s.ManuallyEnded,
		&samples, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8], &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	if samples != nil {
		f := func(p *float64) float64 {
			if p == nil {
				return 0
			}
			return *p
		}
		s.Stats = &model.SessionStats{
			Samples:     *samples,
			Temperature: model.Range{Min: f(v[0]), Avg: f(v[1]), Max: f(v[2])},
			Humidity:    model.Range{Min: f(v[3]), Avg: f(v[4]), Max: f(v[5])},
			Presence:    model.Range{Min: f(v[6]), Avg: f(v[7]), Max: f(v[8])},
		}
	}
	return &s, nil
}

// statsArgs flattens stats into column values; all NULL when st is nil.
func statsArgs(st *model.SessionStats) []any {
	if st == nil {
		nf := (*float64)(nil)
		return []any{(*int)(nil), nf, nf, nf, nf, nf, nf, nf, nf, nf}
	}
	p := func(v float64) *float64 { return &v }
	n := st.Samples
	return []any{&n,
		p(st.Temperature.Min), p(st.Temperature.Avg), p(st.Temperature.Max),
		p(st.Humidity.Min), p(st.Humidity.Avg), p(st.Humidity.Max),
		p(st.Presence.Min), p(st.Presence.Avg), p(st.Presence.Max),
	}
}

// Latest returns the most recently started session of the device or nil.
func (r *SessionRepo) Latest(ctx context.Context, deviceID uuid.UUID) (*model.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE device_id=$1 ORDER BY start_ts DESC LIMIT 1`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// Get selects a session by ID.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE id=$1`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return s, err
}

// Open inserts s as ONGOING unless a session of the device starts within [guardFrom, guardTo]
// or another session is still ongoing.
func (r *SessionRepo) Open(ctx context.Context, s model.Session, guardFrom, guardTo time.Time) error {
	const guard = `
SELECT EXISTS (SELECT 1 FROM sessions WHERE device_id=$1 AND start_ts >= $2 AND start_ts <= $3)`
	const ins = `
INSERT INTO sessions (id, device_id, start_ts, status, last_activity, manually_ended)
VALUES ($1, $2, $3, 'ONGOING', $4, false)`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, guard, s.DeviceID, guardFrom, guardTo).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return errs.ErrAlreadyExists
		}
		_, err := tx.Exec(ctx, ins, s.ID, s.DeviceID, s.Start, s.LastActivity)
		return err
	})
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Touch moves last_activity of an ONGOING session forward.
func (r *SessionRepo) Touch(ctx context.Context, id uuid.UUID, lastActivity time.Time) error {
	const q = `UPDATE sessions SET last_activity=$2 WHERE id=$1 AND status='ONGOING'`
	tag, err := r.db.Pool.Exec(ctx, q, id, lastActivity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Finalize ends an ONGOING session. The row is locked for the duration of the update so
// automatic and manual termination cannot both succeed.
func (r *SessionRepo) Finalize(
	ctx context.Context, id uuid.UUID, end time.Time, stats *model.SessionStats, manual bool,
) (out *model.Session, err error) {
	sel := `SELECT ` + sessionCols + ` FROM sessions WHERE id=$1 FOR UPDATE`
	const upd = `
UPDATE sessions
SET end_ts=$2, status='ENDED', manually_ended=$3, duration_ms=$4,
    samples=$5, min_temp=$6, avg_temp=$7, max_temp=$8,
    min_hum=$9, avg_hum=$10, max_hum=$11,
    min_presence=$12, avg_presence=$13, max_presence=$14
WHERE id=$1 AND status='ONGOING'`

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx, sel, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if s.Status != model.SessionOngoing {
			return errs.ErrConflict
		}
		if end.Before(s.Start) {
			end = s.Start
		}
		dur := end.Sub(s.Start).Milliseconds()
		args := append([]any{id, end, manual, dur}, statsArgs(stats)...)
		if _, err := tx.Exec(ctx, upd, args...); err != nil {
			return err
		}
		s.End = &end
		s.Status = model.SessionEnded
		s.ManuallyEnded = manual
		s.Stats = stats
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRange returns sessions of the device overlapping [from, to]; ongoing sessions have no end yet.
func (r *SessionRepo) ListRange(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]model.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions
WHERE device_id=$1 AND start_ts <= $3 AND (end_ts IS NULL OR end_ts >= $2)
ORDER BY start_ts`
	rows, err := r.db.Pool.Query(ctx, q, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CheckpointRepo implements CheckpointRepository using PostgreSQL.
type CheckpointRepo struct{ db *DB }

// NewCheckpointRepo constructs a detector checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo { return &CheckpointRepo{db: db} }

// Get returns the last processed measurement timestamp of the device.
func (r *CheckpointRepo) Get(ctx context.Context, deviceID uuid.UUID) (time.Time, bool, error) {
	const q = `SELECT processed_until FROM detector_checkpoints WHERE device_id=$1`
	var ts time.Time
	if err := r.db.Pool.QueryRow(ctx, q, deviceID).Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// Set stores ts; the checkpoint never moves backwards.
func (r *CheckpointRepo) Set(ctx context.Context, deviceID uuid.UUID, ts time.Time) error {
	const q = `
INSERT INTO detector_checkpoints (device_id, processed_until) VALUES ($1, $2)
ON CONFLICT (device_id) DO UPDATE
SET processed_until = GREATEST(detector_checkpoints.processed_until, EXCLUDED.processed_until)`
	_, err := r.db.Pool.Exec(ctx, q, deviceID, ts)
	return err
}
