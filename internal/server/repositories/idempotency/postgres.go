package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/goccy/go-json"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID, key string) (*models.IdempotencyRecord, error) {
	query := `SELECT outcome, created_at FROM idempotency_keys WHERE user_id = $1 AND key = $2`

	rec := &models.IdempotencyRecord{UserID: userID, Key: key}
	var outcome []byte
	err := r.db.QueryRowContext(ctx, query, userID, key).Scan(&outcome, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := json.Unmarshal(outcome, &rec.Outcome); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return rec, nil
}

// Save uses ON CONFLICT DO NOTHING so a duplicate does not abort the
// surrounding transaction.
func (r *PostgresRepository) Save(ctx context.Context, rec *models.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	outcome, err := json.Marshal(rec.Outcome)
	if err != nil {
		return err
	}

	query := `INSERT INTO idempotency_keys (user_id, key, outcome, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, key) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, rec.UserID, rec.Key, string(outcome), rec.CreatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrAlreadyExists
	}
	return nil
}

func (r *PostgresRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
