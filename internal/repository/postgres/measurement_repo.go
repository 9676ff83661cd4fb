package postgres

import (
	"context"
	"time"

	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MeasurementRepo implements MeasurementRepository using PostgreSQL.
type MeasurementRepo struct{ db *DB }

// NewMeasurementRepo constructs a measurement repository.
func NewMeasurementRepo(db *DB) *MeasurementRepo { return &MeasurementRepo{db: db} }

func (r *MeasurementRepo) maxTS(ctx context.Context, q string, args ...any) (time.Time, bool, error) {
	var ts *time.Time
	if err := r.db.Pool.QueryRow(ctx, q, args...).Scan(&ts); err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// Latest returns the newest stored timestamp for the device.
func (r *MeasurementRepo) Latest(ctx context.Context, deviceID uuid.UUID) (time.Time, bool, error) {
	return r.maxTS(ctx, `SELECT max(ts) FROM measurements WHERE device_id=$1`, deviceID)
}

// LatestAtOrBefore returns the newest stored timestamp not after t.
func (r *MeasurementRepo) LatestAtOrBefore(ctx context.Context, deviceID uuid.UUID, t time.Time) (time.Time, bool, error) {
	return r.maxTS(ctx, `SELECT max(ts) FROM measurements WHERE device_id=$1 AND ts <= $2`, deviceID, t)
}

// InsertNew stores the measurements whose timestamps are not present yet.
// Existing rows are never overwritten.
func (r *MeasurementRepo) InsertNew(ctx context.Context, deviceID uuid.UUID, ms []model.Measurement) (n int, err error) {
	if len(ms) == 0 {
		return 0, nil
	}
	stamps := make([]time.Time, len(ms))
	for i, m := range ms {
		stamps[i] = m.Timestamp
	}

	const sel = `SELECT ts FROM measurements WHERE device_id=$1 AND ts = ANY($2)`
	const ins = `
INSERT INTO measurements (device_id, ts, temperature, humidity, presence)
SELECT $1, t.ts, t.temperature, t.humidity, t.presence
FROM unnest($2::timestamptz[], $3::float8[], $4::float8[], $5::float8[]) AS t(ts, temperature, humidity, presence)
ON CONFLICT (device_id, ts) DO NOTHING`

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sel, deviceID, stamps)
		if err != nil {
			return err
		}
		seen := make(map[int64]struct{})
		for rows.Next() {
			var ts time.Time
			if err := rows.Scan(&ts); err != nil {
				rows.Close()
				return err
			}
			seen[ts.UnixMicro()] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var (
			tss       []time.Time
			temp, hum []float64
			presence  []float64
		)
		for _, m := range ms {
			k := m.Timestamp.UnixMicro()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			tss = append(tss, m.Timestamp)
			temp = append(temp, m.Temperature)
			hum = append(hum, m.Humidity)
			presence = append(presence, m.Presence)
		}
		if len(tss) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, ins, deviceID, tss, temp, hum, presence)
		if err != nil {
			return err
		}
		n = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanMeasurements(deviceID uuid.UUID, rows pgx.Rows) ([]model.Measurement, error) {
	defer rows.Close()
	var out []model.Measurement
	for rows.Next() {
		m := model.Measurement{DeviceID: deviceID}
		if err := rows.Scan(&m.Timestamp, &m.Temperature, &m.Humidity, &m.Presence); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Range returns measurements with from <= ts <= to ordered by timestamp.
func (r *MeasurementRepo) Range(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]model.Measurement, error) {
	const q = `
SELECT ts, temperature, humidity, presence
FROM measurements
WHERE device_id=$1 AND ts >= $2 AND ts <= $3
ORDER BY ts`
	rows, err := r.db.Pool.Query(ctx, q, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	return scanMeasurements(deviceID, rows)
}

// After returns up to limit measurements strictly newer than after.
func (r *MeasurementRepo) After(ctx context.Context, deviceID uuid.UUID, after time.Time, limit int) ([]model.Measurement, error) {
	const q = `
SELECT ts, temperature, humidity, presence
FROM measurements
WHERE device_id=$1 AND ts > $2
ORDER BY ts
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, deviceID, after, limit)
	if err != nil {
		return nil, err
	}
	return scanMeasurements(deviceID, rows)
}
