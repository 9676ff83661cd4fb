package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var sessionColNames = []string{
	"id", "device_id", "start_ts", "end_ts", "status", "last_activity", "manually_ended",
	"samples", "min_temp", "avg_temp", "max_temp", "min_hum", "avg_hum", "max_hum",
	"min_presence", "avg_presence", "max_presence", "created_at",
}

func ongoingRow(rows *pgxmock.Rows, id, dev uuid.UUID, start, last time.Time) *pgxmock.Rows {
	nf := (*float64)(nil)
	return rows.AddRow(id, dev, start, (*time.Time)(nil), "ONGOING", last, false,
		(*int)(nil), nf, nf, nf, nf, nf, nf, nf, nf, nf, start)
}

func TestSessionRepo_Latest_None(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	dev := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`FROM sessions WHERE device_id=\$1 ORDER BY start_ts DESC LIMIT 1`).
		WithArgs(dev).
		WillReturnError(pgx.ErrNoRows)

	s, err := r.Latest(context.Background(), dev)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestSessionRepo_Get_Ended(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id, dev := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	end := start.Add(40 * time.Minute)
	n := 3
	f := func(v float64) *float64 { return &v }
	mock.ExpectQuery(`FROM sessions WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(sessionColNames).AddRow(
			id, dev, start, &end, "ENDED", end, true,
			&n, f(60), f(80), f(100), f(10), f(20), f(30), f(20), f(40), f(60), start))

	s, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.SessionEnded, s.Status)
	require.True(t, s.ManuallyEnded)
	require.Equal(t, 40*time.Minute, s.Duration())
	require.NotNil(t, s.Stats)
	require.Equal(t, model.Range{Min: 60, Avg: 80, Max: 100}, s.Stats.Temperature)
}

func TestSessionRepo_Open_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	s := model.Session{
		ID: uuid.Must(uuid.NewV4()), DeviceID: uuid.Must(uuid.NewV4()),
		Start: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}
	s.LastActivity = s.Start.Add(5 * time.Minute)
	from := s.LastActivity.Add(-30 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM sessions WHERE device_id=\$1 AND start_ts >= \$2 AND start_ts <= \$3\)`).
		WithArgs(s.DeviceID, from, s.LastActivity).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO sessions \(id, device_id, start_ts, status, last_activity, manually_ended\)`).
		WithArgs(s.ID, s.DeviceID, s.Start, s.LastActivity).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Open(context.Background(), s, from, s.LastActivity))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Open_GuardTrips(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	s := model.Session{ID: uuid.Must(uuid.NewV4()), DeviceID: uuid.Must(uuid.NewV4()), Start: time.Now()}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(s.DeviceID, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := r.Open(context.Background(), s, s.Start.Add(-time.Hour), s.Start)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Open_SecondOngoingRejected(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	s := model.Session{ID: uuid.Must(uuid.NewV4()), DeviceID: uuid.Must(uuid.NewV4()), Start: time.Now()}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(s.DeviceID, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(s.ID, s.DeviceID, s.Start, s.LastActivity).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sessions_one_ongoing_idx"})
	mock.ExpectRollback()

	err := r.Open(context.Background(), s, s.Start.Add(-time.Hour), s.Start)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestSessionRepo_Touch_NotOngoing(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id := uuid.Must(uuid.NewV4())
	ts := time.Now()
	mock.ExpectExec(`UPDATE sessions SET last_activity=\$2 WHERE id=\$1 AND status='ONGOING'`).
		WithArgs(id, ts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, r.Touch(context.Background(), id, ts), errs.ErrNotFound)
}

func TestSessionRepo_Finalize_WritesStats(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id, dev := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	st := &model.SessionStats{
		Samples:     3,
		Temperature: model.Range{Min: 60, Avg: 80, Max: 100},
		Humidity:    model.Range{Min: 10, Avg: 20, Max: 30},
		Presence:    model.Range{Min: 20, Avg: 40, Max: 60},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sessions WHERE id=\$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(ongoingRow(pgxmock.NewRows(sessionColNames), id, dev, start, end))
	mock.ExpectExec(`UPDATE sessions SET end_ts=\$2, status='ENDED', manually_ended=\$3, duration_ms=\$4`).
		WithArgs(append([]any{id, end, false, (45 * time.Minute).Milliseconds()}, statsArgs(st)...)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s, err := r.Finalize(context.Background(), id, end, st, false)
	require.NoError(t, err)
	require.Equal(t, model.SessionEnded, s.Status)
	require.Equal(t, 45*time.Minute, s.Duration())
	require.Equal(t, st, s.Stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Finalize_NullStatsAndClampedEnd(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id, dev := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(ongoingRow(pgxmock.NewRows(sessionColNames), id, dev, start, start))
	mock.ExpectExec(`UPDATE sessions`).
		WithArgs(append([]any{id, start, true, int64(0)}, statsArgs(nil)...)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s, err := r.Finalize(context.Background(), id, start.Add(-time.Minute), nil, true)
	require.NoError(t, err)
	require.Nil(t, s.Stats)
	require.True(t, s.End.Equal(start))
	require.True(t, s.ManuallyEnded)
}

func TestSessionRepo_Finalize_AlreadyEnded(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	id, dev := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	nf := (*float64)(nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(sessionColNames).AddRow(id, dev, start, &end, "ENDED", end, false,
			(*int)(nil), nf, nf, nf, nf, nf, nf, nf, nf, nf, start))
	mock.ExpectRollback()

	_, err := r.Finalize(context.Background(), id, end, nil, true)
	require.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_ListRange(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	dev := uuid.Must(uuid.NewV4())
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	rows := pgxmock.NewRows(sessionColNames)
	// started the evening before and still running
	ongoingRow(rows, uuid.Must(uuid.NewV4()), dev, from.Add(-2*time.Hour), from.Add(time.Hour))

	mock.ExpectQuery(`WHERE device_id=\$1 AND start_ts <= \$3 AND \(end_ts IS NULL OR end_ts >= \$2\) ORDER BY start_ts`).
		WithArgs(dev, from, to).
		WillReturnRows(rows)

	got, err := r.ListRange(context.Background(), dev, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.SessionOngoing, got[0].Status)
	require.Nil(t, got[0].End)
}

func TestCheckpointRepo_GetMissing(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCheckpointRepo(db)

	dev := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT processed_until FROM detector_checkpoints WHERE device_id=\$1`).
		WithArgs(dev).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := r.Get(context.Background(), dev)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointRepo_SetIsMonotonic(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCheckpointRepo(db)

	dev := uuid.Must(uuid.NewV4())
	ts := time.Now()
	mock.ExpectExec(`ON CONFLICT \(device_id\) DO UPDATE SET processed_until = GREATEST`).
		WithArgs(dev, ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Set(context.Background(), dev, ts))
	require.NoError(t, mock.ExpectationsWereMet())
}
