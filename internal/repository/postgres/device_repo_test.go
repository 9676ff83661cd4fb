package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var deviceCols = []string{"id", "external_id", "name", "created_at"}

func TestDeviceRepo_ListSyncable(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now()
	mock.ExpectQuery(`FROM devices WHERE external_id IS NOT NULL AND external_id <> '' ORDER BY created_at, id`).
		WillReturnRows(pgxmock.NewRows(deviceCols).
			AddRow(a, "ext-a", "garden", now).
			AddRow(b, "ext-b", "cabin", now))

	got, err := r.ListSyncable(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ext-a", got[0].ExternalID)
	require.Equal(t, b, got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`FROM devices WHERE id=\$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := r.Get(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeviceRepo_UpsertExternal_BindsOwner(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	owner := uuid.Must(uuid.NewV4())
	existing := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO devices \(id, external_id, name\) VALUES \(\$1, \$2, \$3\) ON CONFLICT \(external_id\)`).
		WithArgs(pgxmock.AnyArg(), "ext-1", "garden").
		WillReturnRows(pgxmock.NewRows(deviceCols).AddRow(existing, "ext-1", "old name", now))
	mock.ExpectExec(`INSERT INTO device_owners \(device_id, owner_id\) VALUES \(\$1, \$2\) ON CONFLICT`).
		WithArgs(existing, owner).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	d, err := r.UpsertExternal(context.Background(), "ext-1", "garden", owner)
	require.NoError(t, err)
	require.Equal(t, existing, d.ID)
	require.Equal(t, "old name", d.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_UpsertExternal_RollbackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO devices`).
		WithArgs(pgxmock.AnyArg(), "ext-1", "garden").
		WillReturnError(boom)
	mock.ExpectRollback()

	_, err := r.UpsertExternal(context.Background(), "ext-1", "garden", uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_IsOwner(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	dev, owner := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM device_owners WHERE device_id=\$1 AND owner_id=\$2\)`).
		WithArgs(dev, owner).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := r.IsOwner(context.Background(), dev, owner)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeviceRepo_ListByOwner(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	owner := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`JOIN device_owners o ON o.device_id = d.id WHERE o.owner_id=\$1`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows(deviceCols).AddRow(uuid.Must(uuid.NewV4()), "", "manual stove", time.Now()))

	got, err := r.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].Syncable())
}
