package conflicts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const conflictColumns = `id, budget_id, user_id, device_id, change, reason, server, status, created_at,
	resolution, resolved_revision, resolved_by, resolved_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.ConflictPending
	}

	change, err := json.Marshal(c.Change)
	if err != nil {
		return err
	}
	var server any
	if c.Server != nil {
		b, err := json.Marshal(c.Server)
		if err != nil {
			return err
		}
		server = string(b)
	}

	query := `INSERT INTO conflicts (id, budget_id, user_id, device_id, entity_type, entity_id, change, reason,
			server, status, created_at, resolution, resolved_revision, resolved_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.BudgetID, c.UserID, c.DeviceID, string(c.Change.EntityType), c.Change.EntityID,
		string(change), string(c.Reason), server, string(c.Status), c.CreatedAt,
		string(c.Resolution), c.ResolvedRevision, c.ResolvedBy, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		return nil, common.ErrNotFound
	}
	return scanConflict(rows)
}

func (r *PostgresRepository) ListPending(ctx context.Context, budgetIDs []string) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + `
		FROM conflicts
		WHERE status = 'pending' AND budget_id = ANY($1)
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, budgetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) CountPending(ctx context.Context, budgetIDs []string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE status = 'pending' AND budget_id = ANY($1)`, budgetIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) MarkResolved(ctx context.Context, res Resolved) error {
	query := `UPDATE conflicts
		SET status = $1, resolution = $2, resolved_revision = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $6 AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query,
		string(res.Status), string(res.Resolution), res.Revision, res.By, res.At, res.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrConflictAlreadyResolved
	}
	return nil
}

func scanConflict(rows *sql.Rows) (*models.Conflict, error) {
	c := &models.Conflict{}
	var (
		change, server []byte
		resolvedAt     sql.NullTime
	)
	err := rows.Scan(&c.ID, &c.BudgetID, &c.UserID, &c.DeviceID, &change, &c.Reason, &server,
		&c.Status, &c.CreatedAt, &c.Resolution, &c.ResolvedRevision, &c.ResolvedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(change, &c.Change); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	if len(server) > 0 {
		c.Server = &models.Entity{}
		if err := json.Unmarshal(server, c.Server); err != nil {
			return nil, fmt.Errorf("decode server entity: %w", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}
