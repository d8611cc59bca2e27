// Package conflicts persists conflict records. Conflicts are never deleted;
// resolution only moves them out of the pending state.
package conflicts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

// Resolved carries the fields written when a pending conflict is closed.
type Resolved struct {
	ID         string
	Status     models.ConflictStatus
	Resolution models.Resolution
	Revision   int64
	By         string
	At         time.Time
}

type Repository interface {
	// Create stores c, assigning ID and CreatedAt when empty.
	Create(ctx context.Context, c *models.Conflict) error
	Get(ctx context.Context, id string) (*models.Conflict, error)
	ListPending(ctx context.Context, budgetIDs []string) ([]*models.Conflict, error)
	CountPending(ctx context.Context, budgetIDs []string) (int, error)
	// MarkResolved fails with common.ErrConflictAlreadyResolved unless the
	// conflict is still pending.
	MarkResolved(ctx context.Context, r Resolved) error
}
