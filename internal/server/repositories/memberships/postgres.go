package memberships

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Role(ctx context.Context, userID, budgetID string) (models.Role, error) {
	var role models.Role
	err := r.db.QueryRowContext(ctx,
		`SELECT role FROM user_budgets WHERE user_id = $1 AND budget_id = $2`, userID, budgetID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RoleNone, nil
		}
		return models.RoleNone, fmt.Errorf("db error: %w", err)
	}
	return role, nil
}

func (r *PostgresRepository) Budgets(ctx context.Context, userID string) (map[string]models.Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT budget_id, role FROM user_budgets WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select memberships: %w", err)
	}
	defer rows.Close()

	result := make(map[string]models.Role)
	for rows.Next() {
		var (
			budgetID string
			role     models.Role
		)
		if err := rows.Scan(&budgetID, &role); err != nil {
			return nil, err
		}
		result[budgetID] = role
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, userID, budgetID string, role models.Role) error {
	query := `INSERT INTO user_budgets (user_id, budget_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, budget_id) DO UPDATE SET role = EXCLUDED.role`
	if _, err := r.db.ExecContext(ctx, query, userID, budgetID, string(role)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID, budgetID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM user_budgets WHERE user_id = $1 AND budget_id = $2`, userID, budgetID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
