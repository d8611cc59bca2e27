package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(arrayConverter{}),
	)
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

var recordCols = []string{
	"sequence", "entity_type", "entity_id", "budget_id", "operation", "base_revision", "revision",
	"payload", "changed_fields", "client_timestamp", "device_id", "user_id", "idempotency_key", "created_at",
}

func TestAppend_TakesLockAndReturnsSequence(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(appendLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO change_log .* RETURNING sequence`).
		WithArgs("transaction", "t1", "b1", "update", int64(2), int64(3),
			`{"amount":5}`, `["amount"]`, sqlmock.AnyArg(), "d1", "u1", "k1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(42)))

	rec := &models.ChangeRecord{
		EntityType: models.EntityTransaction, EntityID: "t1", BudgetID: "b1",
		Operation: models.OpUpdate, BaseRevision: 2, Revision: 3,
		Payload: []byte(`{"amount":5}`), ChangedFields: []string{"amount"},
		DeviceID: "d1", UserID: "u1", IdempotencyKey: "k1",
	}
	seq, err := repo.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
	assert.Equal(t, int64(42), rec.Sequence)
	assert.False(t, rec.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_LockError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnError(errors.New("boom"))

	_, err := repo.Append(context.Background(), &models.ChangeRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestReadSince(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM change_log\s+WHERE sequence > \$1 AND budget_id = ANY\(\$2\)\s+ORDER BY sequence\s+LIMIT \$3`).
		WithArgs(int64(10), []string{"b1"}, 3).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(11), "transaction", "t1", "b1", "create", int64(0), int64(1),
				[]byte(`{"amount":1}`), []byte(`["*"]`), now, "d1", "u1", "k1", now).
			AddRow(int64(12), "transaction", "t1", "b1", "delete", int64(1), int64(2),
				nil, []byte(`["*"]`), now, "d1", "u1", "k2", now))

	got, err := repo.ReadSince(context.Background(), 10, []string{"b1"}, 3)
	require.NoError(t, err)

	want := []*models.ChangeRecord{
		{
			Sequence: 11, EntityType: models.EntityTransaction, EntityID: "t1", BudgetID: "b1",
			Operation: models.OpCreate, Revision: 1, Payload: []byte(`{"amount":1}`),
			ChangedFields: []string{"*"}, ClientTimestamp: now, DeviceID: "d1", UserID: "u1",
			IdempotencyKey: "k1", CreatedAt: now,
		},
		{
			Sequence: 12, EntityType: models.EntityTransaction, EntityID: "t1", BudgetID: "b1",
			Operation: models.OpDelete, BaseRevision: 1, Revision: 2,
			ChangedFields: []string{"*"}, ClientTimestamp: now, DeviceID: "d1", UserID: "u1",
			IdempotencyKey: "k2", CreatedAt: now,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadSince mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`WHERE entity_type = \$1 AND entity_id = \$2 AND revision > \$3\s+ORDER BY revision`).
		WithArgs("category", "c1", int64(4)).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(30), "category", "c1", "b1", "update", int64(4), int64(5),
				[]byte(`{"name":"x","color":"red"}`), []byte(`["color"]`), now, "d2", "u2", "k9", now))

	got, err := repo.History(context.Background(), models.EntityKey{Type: models.EntityCategory, ID: "c1"}, 4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"color"}, got[0].ChangedFields)
	assert.Equal(t, int64(5), got[0].Revision)
}

func TestHorizon_DefaultsToZero(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT horizon FROM ledger_meta WHERE id = 1`).WillReturnError(sql.ErrNoRows)

	h, err := repo.Horizon(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h)
}

func TestLastSequence(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT GREATEST\(`).
		WillReturnRows(sqlmock.NewRows([]string{"greatest"}).AddRow(int64(77)))

	last, err := repo.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(77), last)
}

func TestDeleteThrough_RaisesHorizon(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM change_log WHERE sequence <= \$1`).
		WithArgs(int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 17))
	mock.ExpectExec(`INSERT INTO ledger_meta .* ON CONFLICT \(id\) DO UPDATE SET horizon = GREATEST`).
		WithArgs(int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.DeleteThrough(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBefore(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`WHERE sequence <= COALESCE\(\(SELECT MAX\(sequence\) FROM change_log WHERE created_at < \$1\), 0\)\s+ORDER BY sequence\s+LIMIT \$2`).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows(recordCols))

	got, err := repo.ListBefore(context.Background(), cutoff, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_BadChangedFields(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`FROM change_log`).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow(int64(1), "budget", "b1", "b1", "create", int64(0), int64(1),
				[]byte(`{}`), []byte(`not-json`), now, "d", "u", "k", now))

	_, err := repo.ReadSince(context.Background(), 0, []string{"b1"}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode changed_fields")
}
