// Package revisions implements the revision store: the current state of every
// syncable entity, guarded by compare-and-set writes on its revision.
package revisions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

// Write describes one compare-and-set mutation of an entity.
type Write struct {
	Key      models.EntityKey
	BudgetID string
	// ExpectedRevision is the revision the writer believes is current.
	// Zero means create.
	ExpectedRevision int64
	Payload          json.RawMessage
	Deleted          bool
	At               time.Time
}

// Repository is the revision store contract.
//
// Write returns the new revision. It fails with common.ErrAlreadyExists when
// ExpectedRevision is zero and the entity exists, and with
// common.ErrRevisionMismatch when the stored revision differs.
type Repository interface {
	Get(ctx context.Context, key models.EntityKey) (*models.Entity, error)
	Write(ctx context.Context, w Write) (int64, error)
	ListByBudgets(ctx context.Context, budgetIDs []string) ([]*models.Entity, error)
}
