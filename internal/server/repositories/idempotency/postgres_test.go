package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

func TestGet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT outcome, created_at FROM idempotency_keys WHERE user_id = \$1 AND key = \$2`).
		WithArgs("u1", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "created_at"}).
			AddRow([]byte(`{"idempotency_key":"k1","status":"applied","revision":2,"sequence":9}`), now))

	rec, err := repo.Get(context.Background(), "u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.Applied("k1", 2, 9), rec.Outcome)
	assert.Equal(t, now, rec.CreatedAt)
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM idempotency_keys`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "u1", "k1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSave(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO idempotency_keys .* ON CONFLICT \(user_id, key\) DO NOTHING`).
		WithArgs("u1", "k1", `{"idempotency_key":"k1","status":"conflict","conflict_id":"c1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Save(context.Background(), &models.IdempotencyRecord{
		UserID: "u1", Key: "k1", Outcome: models.Conflicted("k1", "c1"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_Duplicate(t *testing.T) {
	tests := []struct {
		name   string
		expect func(sqlmock.Sqlmock)
	}{
		{
			name: "no rows inserted",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectExec(`INSERT INTO idempotency_keys`).WillReturnResult(sqlmock.NewResult(0, 0))
			},
		},
		{
			name: "unique violation",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectExec(`INSERT INTO idempotency_keys`).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, db := newRepoWithMock(t)
			defer db.Close()
			tt.expect(mock)

			err := repo.Save(context.Background(), &models.IdempotencyRecord{UserID: "u1", Key: "k1"})
			require.ErrorIs(t, err, common.ErrAlreadyExists)
		})
	}
}

func TestPurgeBefore(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := repo.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
