// Package ledger implements the append-only change ledger. Every applied
// mutation is appended with a globally monotonic sequence that doubles as
// the pull cursor position.
package ledger

import (
	"context"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

// Repository is the change ledger contract.
type Repository interface {
	// Append stores rec, assigns rec.Sequence and rec.CreatedAt and returns
	// the sequence. Sequences become visible to readers in increasing order.
	Append(ctx context.Context, rec *models.ChangeRecord) (int64, error)
	// ReadSince returns up to limit records with sequence > after belonging to
	// one of budgetIDs, ordered by sequence.
	ReadSince(ctx context.Context, after int64, budgetIDs []string, limit int) ([]*models.ChangeRecord, error)
	// History returns the records of one entity with revision > afterRevision,
	// ordered by revision.
	History(ctx context.Context, key models.EntityKey, afterRevision int64) ([]*models.ChangeRecord, error)
	// Horizon is the highest sequence removed by compaction, zero if none.
	Horizon(ctx context.Context) (int64, error)
	// LastSequence is the highest sequence ever assigned and still known.
	LastSequence(ctx context.Context) (int64, error)
	// ListBefore returns, in sequence order, the oldest records up to the last
	// one created before cutoff. The result is always a contiguous prefix of
	// the ledger, so deleting through its last sequence removes nothing else.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChangeRecord, error)
	// DeleteThrough removes records with sequence <= seq and raises the horizon.
	DeleteThrough(ctx context.Context, seq int64) (int64, error)
}
