package revisions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

// PostgresRepository implements the revision store over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the entity or common.ErrNotFound.
func (r *PostgresRepository) Get(ctx context.Context, key models.EntityKey) (*models.Entity, error) {
	query := `SELECT entity_type, entity_id, budget_id, payload, revision, deleted, updated_at
		FROM entities WHERE entity_type = $1 AND entity_id = $2`

	e := &models.Entity{}
	var payload []byte
	err := r.db.QueryRowContext(ctx, query, string(key.Type), key.ID).
		Scan(&e.Type, &e.ID, &e.BudgetID, &payload, &e.Revision, &e.Deleted, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	e.Payload = payload
	return e, nil
}

// Write performs the compare-and-set. Creation relies on the primary key,
// updates on the revision predicate, so two writers holding the same
// expected revision can never both succeed.
func (r *PostgresRepository) Write(ctx context.Context, w Write) (int64, error) {
	if w.ExpectedRevision == 0 {
		query := `INSERT INTO entities (entity_type, entity_id, budget_id, payload, revision, deleted, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $6)
			ON CONFLICT (entity_type, entity_id) DO NOTHING`
		res, err := r.db.ExecContext(ctx, query,
			string(w.Key.Type), w.Key.ID, w.BudgetID, jsonArg(w.Payload), w.Deleted, w.At)
		if err != nil {
			return 0, fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected error: %w", err)
		}
		if n == 0 {
			return 0, common.ErrAlreadyExists
		}
		return 1, nil
	}

	query := `UPDATE entities
		SET payload = $1, deleted = $2, revision = revision + 1, updated_at = $3
		WHERE entity_type = $4 AND entity_id = $5 AND revision = $6
		RETURNING revision`
	var revision int64
	err := r.db.QueryRowContext(ctx, query,
		jsonArg(w.Payload), w.Deleted, w.At, string(w.Key.Type), w.Key.ID, w.ExpectedRevision).Scan(&revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrRevisionMismatch
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return revision, nil
}

// ListByBudgets returns every entity, tombstones included, owned by the budgets.
func (r *PostgresRepository) ListByBudgets(ctx context.Context, budgetIDs []string) ([]*models.Entity, error) {
	query := `SELECT entity_type, entity_id, budget_id, payload, revision, deleted, updated_at
		FROM entities WHERE budget_id = ANY($1)
		ORDER BY entity_type, entity_id`

	rows, err := r.db.QueryContext(ctx, query, budgetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []*models.Entity
	for rows.Next() {
		e := &models.Entity{}
		var payload []byte
		if err := rows.Scan(&e.Type, &e.ID, &e.BudgetID, &payload, &e.Revision, &e.Deleted, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// jsonArg maps an empty payload to SQL NULL.
func jsonArg(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
