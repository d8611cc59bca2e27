package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/logging"
	"github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
)

// Archiver keeps a copy of ledger records before they are compacted away.
type Archiver interface {
	Archive(ctx context.Context, records []*models.ChangeRecord) error
}

// CompactionStats summarizes one compaction run.
type CompactionStats struct {
	Removed int64 `json:"removed"`
	Horizon int64 `json:"horizon"`
	Purged  int64 `json:"purged"`
}

// Compactor trims the ledger past the retention window and expires stored
// push outcomes. Records are archived, when an archiver is set, before they
// are deleted; a failed archive stops the run with nothing deleted.
type Compactor struct {
	store     repomanager.Store
	archiver  Archiver
	retention time.Duration
	batchSize int
	ttl       time.Duration
	interval  time.Duration
	metrics   *Metrics
	logger    logging.Logger
	now       func() time.Time
}

// NewCompactor builds a compactor. archiver and metrics may be nil.
func NewCompactor(store repomanager.Store, archiver Archiver, metrics *Metrics, cfg *config.Config, logger logging.Logger) *Compactor {
	if logger == nil {
		logger = logging.Nop{}
	}
	batch := cfg.CompactionBatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &Compactor{
		store:     store,
		archiver:  archiver,
		retention: cfg.LedgerRetention,
		batchSize: batch,
		ttl:       cfg.IdempotencyTTL,
		interval:  cfg.CompactionInterval,
		metrics:   metrics,
		logger:    logger.With("module", "compactor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce compacts everything older than the retention window.
func (c *Compactor) RunOnce(ctx context.Context) (CompactionStats, error) {
	stats, err := c.runOnce(ctx)
	c.metrics.compaction(stats, err)
	return stats, err
}

func (c *Compactor) runOnce(ctx context.Context) (CompactionStats, error) {
	var stats CompactionStats
	now := c.now()

	if c.retention > 0 {
		cutoff := now.Add(-c.retention)
		for {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			records, err := c.store.Repos().Ledger.ListBefore(ctx, cutoff, c.batchSize)
			if err != nil {
				return stats, fmt.Errorf("list compactable records: %w", err)
			}
			if len(records) == 0 {
				break
			}

			if c.archiver != nil {
				if err := c.archiver.Archive(ctx, records); err != nil {
					return stats, fmt.Errorf("archive records %d-%d: %w",
						records[0].Sequence, records[len(records)-1].Sequence, err)
				}
			}

			through := records[len(records)-1].Sequence
			var removed int64
			err = c.store.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
				removed, err = r.Ledger.DeleteThrough(ctx, through)
				return err
			})
			if err != nil {
				return stats, fmt.Errorf("delete records through %d: %w", through, err)
			}
			stats.Removed += removed

			if len(records) < c.batchSize {
				break
			}
		}
	}

	if c.ttl > 0 {
		purged, err := c.store.Repos().Idempotency.PurgeBefore(ctx, now.Add(-c.ttl))
		if err != nil {
			return stats, fmt.Errorf("purge idempotency records: %w", err)
		}
		stats.Purged = purged
	}

	horizon, err := c.store.Repos().Ledger.Horizon(ctx)
	if err != nil {
		return stats, fmt.Errorf("read horizon: %w", err)
	}
	stats.Horizon = horizon
	return stats, nil
}

// Run compacts on every tick until ctx is done.
func (c *Compactor) Run(ctx context.Context) {
	if c.interval <= 0 {
		c.logger.Info(ctx, "compaction disabled")
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := c.RunOnce(ctx)
			if err != nil {
				c.logger.Error(ctx, "compaction failed", "error", err)
				continue
			}
			if stats.Removed > 0 || stats.Purged > 0 {
				c.logger.Info(ctx, "compaction done", "removed", stats.Removed,
					"purged", stats.Purged, "horizon", stats.Horizon)
			}
		}
	}
}
