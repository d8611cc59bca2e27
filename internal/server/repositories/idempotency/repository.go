// Package idempotency stores push outcomes keyed by (user, idempotency key)
// so that retried changes replay the original result.
package idempotency

import (
	"context"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

type Repository interface {
	// Get returns the stored record or common.ErrNotFound.
	Get(ctx context.Context, userID, key string) (*models.IdempotencyRecord, error)
	// Save fails with common.ErrAlreadyExists if the key is already taken.
	Save(ctx context.Context, rec *models.IdempotencyRecord) error
	// PurgeBefore drops records created before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
