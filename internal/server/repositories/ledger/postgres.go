package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/goccy/go-json"
)

// appendLockID is the advisory lock serializing appends, so that sequence
// order matches commit order and readers never skip a late commit.
const appendLockID int64 = 0x6c6564676572

const recordColumns = `sequence, entity_type, entity_id, budget_id, operation, base_revision, revision,
	payload, changed_fields, client_timestamp, device_id, user_id, idempotency_key, created_at`

// PostgresRepository implements the ledger over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append must run inside a transaction; the advisory lock is held until it ends.
func (r *PostgresRepository) Append(ctx context.Context, rec *models.ChangeRecord) (int64, error) {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockID); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	fields, err := json.Marshal(rec.ChangedFields)
	if err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO change_log (entity_type, entity_id, budget_id, operation, base_revision, revision,
			payload, changed_fields, client_timestamp, device_id, user_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING sequence`

	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	err = r.db.QueryRowContext(ctx, query,
		string(rec.EntityType), rec.EntityID, rec.BudgetID, string(rec.Operation), rec.BaseRevision, rec.Revision,
		payload, string(fields), rec.ClientTimestamp, rec.DeviceID, rec.UserID, rec.IdempotencyKey, rec.CreatedAt,
	).Scan(&rec.Sequence)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return rec.Sequence, nil
}

func (r *PostgresRepository) ReadSince(ctx context.Context, after int64, budgetIDs []string, limit int) ([]*models.ChangeRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM change_log
		WHERE sequence > $1 AND budget_id = ANY($2)
		ORDER BY sequence
		LIMIT $3`
	return r.query(ctx, query, after, budgetIDs, limit)
}

func (r *PostgresRepository) History(ctx context.Context, key models.EntityKey, afterRevision int64) ([]*models.ChangeRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM change_log
		WHERE entity_type = $1 AND entity_id = $2 AND revision > $3
		ORDER BY revision`
	return r.query(ctx, query, string(key.Type), key.ID, afterRevision)
}

func (r *PostgresRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChangeRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM change_log
		WHERE sequence <= COALESCE((SELECT MAX(sequence) FROM change_log WHERE created_at < $1), 0)
		ORDER BY sequence
		LIMIT $2`
	return r.query(ctx, query, cutoff, limit)
}

func (r *PostgresRepository) Horizon(ctx context.Context) (int64, error) {
	var horizon int64
	err := r.db.QueryRowContext(ctx, `SELECT horizon FROM ledger_meta WHERE id = 1`).Scan(&horizon)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return horizon, nil
}

func (r *PostgresRepository) LastSequence(ctx context.Context) (int64, error) {
	query := `SELECT GREATEST(
			COALESCE((SELECT MAX(sequence) FROM change_log), 0),
			COALESCE((SELECT horizon FROM ledger_meta WHERE id = 1), 0))`
	var last int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return last, nil
}

func (r *PostgresRepository) DeleteThrough(ctx context.Context, seq int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM change_log WHERE sequence <= $1`, seq)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}

	query := `INSERT INTO ledger_meta (id, horizon) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET horizon = GREATEST(ledger_meta.horizon, EXCLUDED.horizon)`
	if _, err := r.db.ExecContext(ctx, query, seq); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*models.ChangeRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select changes: %w", err)
	}
	defer rows.Close()

	var result []*models.ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanRecord(rows *sql.Rows) (*models.ChangeRecord, error) {
	rec := &models.ChangeRecord{}
	var payload, fields []byte
	err := rows.Scan(&rec.Sequence, &rec.EntityType, &rec.EntityID, &rec.BudgetID, &rec.Operation,
		&rec.BaseRevision, &rec.Revision, &payload, &fields, &rec.ClientTimestamp,
		&rec.DeviceID, &rec.UserID, &rec.IdempotencyKey, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.ChangedFields); err != nil {
			return nil, fmt.Errorf("decode changed_fields: %w", err)
		}
	}
	return rec, nil
}
