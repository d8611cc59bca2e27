package conflicts

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
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

var conflictCols = []string{
	"id", "budget_id", "user_id", "device_id", "change", "reason", "server", "status", "created_at",
	"resolution", "resolved_revision", "resolved_by", "resolved_at",
}

func TestCreate_AssignsIDAndPending(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO conflicts`).
		WithArgs(sqlmock.AnyArg(), "b1", "u1", "d1", "transaction", "t1",
			sqlmock.AnyArg(), "overlap", sqlmock.AnyArg(), "pending", sqlmock.AnyArg(),
			"", int64(0), "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := &models.Conflict{
		BudgetID: "b1", UserID: "u1", DeviceID: "d1", Reason: models.ReasonOverlap,
		Change: models.Change{EntityType: models.EntityTransaction, EntityID: "t1", Operation: models.OpUpdate},
		Server: &models.Entity{Type: models.EntityTransaction, ID: "t1", Revision: 3},
	}
	require.NoError(t, repo.Create(context.Background(), c))
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.ConflictPending, c.Status)
	assert.False(t, c.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DecodesJSONColumns(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM conflicts WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(conflictCols).AddRow(
			"c1", "b1", "u1", "d1",
			[]byte(`{"idempotency_key":"k1","entity_type":"transaction","entity_id":"t1","budget_id":"b1","operation":"update","base_revision":2,"payload":{"amount":3},"client_timestamp":"2026-05-05T09:00:00Z"}`),
			"overlap",
			[]byte(`{"entity_type":"transaction","entity_id":"t1","budget_id":"b1","payload":{"amount":9},"revision":4,"deleted":false,"updated_at":"2026-05-05T09:30:00Z"}`),
			"resolved_manual", now, "keep_server", int64(4), "u2", now))

	c, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "k1", c.Change.IdempotencyKey)
	assert.Equal(t, int64(2), c.Change.BaseRevision)
	assert.JSONEq(t, `{"amount":3}`, string(c.Change.Payload))
	require.NotNil(t, c.Server)
	assert.Equal(t, int64(4), c.Server.Revision)
	assert.Equal(t, models.ConflictResolvedManual, c.Status)
	assert.Equal(t, models.KeepServer, c.Resolution)
	require.NotNil(t, c.ResolvedAt)
	assert.True(t, c.ResolvedAt.Equal(now))
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM conflicts WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(conflictCols))

	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestListPending(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`WHERE status = 'pending' AND budget_id = ANY\(\$1\)\s+ORDER BY created_at, id`).
		WithArgs([]string{"b1"}).
		WillReturnRows(sqlmock.NewRows(conflictCols).AddRow(
			"c1", "b1", "u1", "d1", []byte(`{"entity_type":"category","entity_id":"x","operation":"update"}`),
			"missing", nil, "pending", now, "", int64(0), "", nil))

	got, err := repo.ListPending(context.Background(), []string{"b1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Server)
	assert.Nil(t, got[0].ResolvedAt)
	assert.Equal(t, models.ReasonMissing, got[0].Reason)
}

func TestCountPending(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM conflicts`).
		WithArgs([]string{"b1", "b2"}).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.CountPending(context.Background(), []string{"b1", "b2"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMarkResolved(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(`UPDATE conflicts\s+SET status = \$1.*WHERE id = \$6 AND status = 'pending'`).
		WithArgs("resolved_manual", "accept_incoming", int64(7), "u1", at, "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkResolved(context.Background(), Resolved{
		ID: "c1", Status: models.ConflictResolvedManual, Resolution: models.AcceptIncoming,
		Revision: 7, By: "u1", At: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkResolved_AlreadyResolved(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE conflicts`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkResolved(context.Background(), Resolved{ID: "c1", Status: models.ConflictResolvedManual})
	require.ErrorIs(t, err, common.ErrConflictAlreadyResolved)
}
