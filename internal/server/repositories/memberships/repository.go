// Package memberships maps users to the budgets they may access and the role
// they hold on each.
package memberships

import (
	"context"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

type Repository interface {
	// Role returns models.RoleNone when the user has no membership.
	Role(ctx context.Context, userID, budgetID string) (models.Role, error)
	// Budgets returns every budget the user belongs to with its role.
	Budgets(ctx context.Context, userID string) (map[string]models.Role, error)
	Upsert(ctx context.Context, userID, budgetID string, role models.Role) error
	Delete(ctx context.Context, userID, budgetID string) error
}
