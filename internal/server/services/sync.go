// Package services contains the sync core: the session coordinator that
// drives push, pull, snapshot, conflict listing, resolution and status on top
// of the repositories, plus the compaction worker and change notifications.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/logging"
	"github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/conflict"
	"github.com/dmitrijs2005/budgetsync/internal/server/cursor"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
)

// Caller identifies who is syncing and from which device.
type Caller struct {
	UserID   string
	DeviceID string
}

// Rejection reason codes reported in push outcomes.
const (
	ReasonInvalid       = "invalid"
	ReasonForbidden     = "forbidden"
	ReasonAlreadyExists = "already_exists"
)

// Health values reported by Status.
const (
	HealthHealthy        = "healthy"
	HealthConflicts      = "conflicts"
	HealthResyncRequired = "resync_required"
)

type PullRequest struct {
	Cursor    string
	BudgetIDs []string
	Limit     int
}

type PullResult struct {
	Changes []*models.ChangeRecord `json:"changes"`
	Cursor  string                 `json:"cursor"`
	HasMore bool                   `json:"has_more"`
}

type SnapshotResult struct {
	Entities []*models.Entity `json:"entities"`
	Cursor   string           `json:"cursor"`
}

type StatusResult struct {
	Cursor           string     `json:"cursor,omitempty"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	PendingConflicts int        `json:"pending_conflicts"`
	LatestSequence   int64      `json:"latest_sequence"`
	Lag              int64      `json:"lag"`
	Health           string     `json:"health"`
}

// SyncService is the sync session coordinator.
type SyncService struct {
	store    repomanager.Store
	authz    *Authorizer
	cursors  *cursor.Codec
	detector *conflict.Detector
	locks    *mapmutex.Mutex
	events   *Events
	metrics  *Metrics
	config   *config.Config
	logger   logging.Logger
	now      func() time.Time
}

// ledgerHistory feeds the detector from the store's ledger.
type ledgerHistory struct {
	store repomanager.Store
}

func (h ledgerHistory) History(ctx context.Context, key models.EntityKey, afterRevision int64) ([]*models.ChangeRecord, error) {
	return h.store.Repos().Ledger.History(ctx, key, afterRevision)
}

// NewSyncService wires the coordinator. events and metrics may be nil.
func NewSyncService(store repomanager.Store, authz *Authorizer, events *Events, metrics *Metrics,
	cfg *config.Config, logger logging.Logger) *SyncService {
	if logger == nil {
		logger = logging.Nop{}
	}
	if events == nil {
		events = NewEvents()
	}
	retries := cfg.EntityLockRetries
	if retries <= 0 {
		retries = 1
	}
	return &SyncService{
		store:    store,
		authz:    authz,
		cursors:  cursor.NewCodec(cfg.SecretKey),
		detector: conflict.NewDetector(ledgerHistory{store: store}),
		locks: mapmutex.NewCustomizedMapMutex(retries,
			float64(100*time.Millisecond), float64(time.Millisecond), 1.5, 0.2),
		events:  events,
		metrics: metrics,
		config:  cfg,
		logger:  logger.With("module", "sync"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Events exposes the notification hub watchers subscribe to.
func (s *SyncService) Events() *Events {
	return s.events
}

// Push applies a batch of independent changes and reports one outcome per
// item, in order. Per-item problems become rejected or conflict outcomes;
// any system error aborts the call.
func (s *SyncService) Push(ctx context.Context, caller Caller, items []models.Change) ([]models.Outcome, error) {
	outcomes := make([]models.Outcome, 0, len(items))
	for i := range items {
		out, err := s.pushOne(ctx, caller, &items[i])
		if err != nil {
			s.logger.Error(ctx, "push failed", "user", caller.UserID, "key", items[i].IdempotencyKey, "error", err)
			return nil, err
		}
		s.metrics.outcome(out)
		outcomes = append(outcomes, out)
	}
	s.logger.Debug(ctx, "push", "user", caller.UserID, "device", caller.DeviceID, "items", len(items))
	return outcomes, nil
}

func (s *SyncService) pushOne(ctx context.Context, caller Caller, ch *models.Change) (models.Outcome, error) {
	if ch.BudgetID == "" {
		return models.Rejected(ch.IdempotencyKey, ReasonInvalid), nil
	}

	role, err := s.authz.Role(ctx, caller.UserID, ch.BudgetID)
	if err != nil {
		return models.Outcome{}, err
	}
	if !role.CanWrite() {
		return models.Rejected(ch.IdempotencyKey, ReasonForbidden), nil
	}

	if err := validateChange(ch); err != nil {
		s.logger.Debug(ctx, "change rejected", "key", ch.IdempotencyKey, "error", err)
		return models.Rejected(ch.IdempotencyKey, ReasonInvalid), nil
	}
	if ch.EntityType == models.EntityBudget && ch.Operation == models.OpDelete && role != models.RoleAdmin {
		return models.Rejected(ch.IdempotencyKey, ReasonForbidden), nil
	}

	if prior, err := s.storedOutcome(ctx, caller, ch.IdempotencyKey); err != nil || prior != nil {
		return deref(prior), err
	}

	key := ch.Key().String()
	if s.locks.TryLock(key) {
		defer s.locks.Unlock(key)
	} else {
		s.logger.Warn(ctx, "entity lock not acquired, continuing optimistically", "entity", key)
	}

	// The first request under this key may have committed while we waited.
	if prior, err := s.storedOutcome(ctx, caller, ch.IdempotencyKey); err != nil || prior != nil {
		return deref(prior), err
	}

	return s.apply(ctx, caller, ch)
}

// storedOutcome returns the outcome saved under key, or nil when there is none.
func (s *SyncService) storedOutcome(ctx context.Context, caller Caller, key string) (*models.Outcome, error) {
	rec, err := s.store.Repos().Idempotency.Get(ctx, caller.UserID, key)
	switch {
	case err == nil:
		return &rec.Outcome, nil
	case errors.Is(err, common.ErrNotFound):
		return nil, nil
	}
	return nil, fmt.Errorf("idempotency lookup: %w", err)
}

func deref(o *models.Outcome) models.Outcome {
	if o == nil {
		return models.Outcome{}
	}
	return *o
}

func validateChange(ch *models.Change) error {
	switch {
	case ch.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency_key is required", common.ErrInvalidChange)
	case !ch.EntityType.Valid():
		return fmt.Errorf("%w: unknown entity_type %q", common.ErrInvalidChange, ch.EntityType)
	case ch.EntityID == "":
		return fmt.Errorf("%w: entity_id is required", common.ErrInvalidChange)
	case ch.BudgetID == "":
		return fmt.Errorf("%w: budget_id is required", common.ErrInvalidChange)
	case !ch.Operation.Valid():
		return fmt.Errorf("%w: unknown operation %q", common.ErrInvalidChange, ch.Operation)
	case ch.BaseRevision < 0:
		return fmt.Errorf("%w: negative base_revision", common.ErrInvalidChange)
	case ch.Operation == models.OpCreate && ch.BaseRevision != 0:
		return fmt.Errorf("%w: create with base_revision", common.ErrInvalidChange)
	case ch.EntityType == models.EntityBudget && ch.EntityID != ch.BudgetID:
		return fmt.Errorf("%w: a budget owns itself", common.ErrInvalidChange)
	}
	if ch.Operation != models.OpDelete {
		return conflict.ValidateObject(ch.Payload)
	}
	return nil
}

// Pull returns the ledger records after the cursor in the caller's readable
// budgets. A cursor issued for another scope, or older than the compaction
// horizon, fails with common.ErrCursorInvalid.
func (s *SyncService) Pull(ctx context.Context, caller Caller, req PullRequest) (*PullResult, error) {
	budgets, err := s.authz.readable(ctx, caller.UserID, req.BudgetIDs)
	if err != nil {
		return nil, err
	}
	scope := cursor.Scope(caller.UserID, budgets)
	after, err := s.cursors.DecodeFor(req.Cursor, scope)
	if err != nil {
		return nil, err
	}
	limit := s.pageSize(req.Limit)

	repos := s.store.Repos()
	// Sequences are committed in order, so everything up to last is visible
	// once read.
	last, err := repos.Ledger.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	var records []*models.ChangeRecord
	if len(budgets) > 0 {
		records, err = repos.Ledger.ReadSince(ctx, after, budgets, limit+1)
		if err != nil {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
	}

	horizon, err := repos.Ledger.Horizon(ctx)
	if err != nil {
		return nil, fmt.Errorf("read horizon: %w", err)
	}
	if after < horizon {
		return nil, fmt.Errorf("%w: cursor %d is behind compaction horizon %d", common.ErrCursorInvalid, after, horizon)
	}

	res := &PullResult{Changes: records}
	if len(records) > limit {
		res.Changes = records[:limit]
		res.HasMore = true
	}
	if res.Changes == nil {
		res.Changes = []*models.ChangeRecord{}
	}

	next := after
	if n := len(res.Changes); n > 0 {
		next = res.Changes[n-1].Sequence
	}
	if !res.HasMore && last > next {
		next = last
	}
	res.Cursor = s.cursors.Encode(cursor.Position{Sequence: next, Scope: scope})

	if err := s.touchDevice(ctx, caller, next); err != nil {
		return nil, err
	}
	s.metrics.pulledRecords(len(res.Changes))
	return res, nil
}

func (s *SyncService) pageSize(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = s.config.PullPageSize
	}
	if s.config.MaxPullPageSize > 0 && limit > s.config.MaxPullPageSize {
		limit = s.config.MaxPullPageSize
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

func (s *SyncService) touchDevice(ctx context.Context, caller Caller, seq int64) error {
	if caller.DeviceID == "" {
		return nil
	}
	err := s.store.Repos().Devices.Upsert(ctx, &models.DeviceState{
		UserID:       caller.UserID,
		DeviceID:     caller.DeviceID,
		LastSequence: seq,
		LastSyncAt:   s.now(),
	})
	if err != nil {
		return fmt.Errorf("record device state: %w", err)
	}
	return nil
}

// Snapshot returns the full current state of the caller's readable budgets,
// tombstones included, with a cursor to continue pulling from.
func (s *SyncService) Snapshot(ctx context.Context, caller Caller, budgetIDs []string) (*SnapshotResult, error) {
	budgets, err := s.authz.readable(ctx, caller.UserID, budgetIDs)
	if err != nil {
		return nil, err
	}

	repos := s.store.Repos()
	// Read the position first: changes landing in between are replayed by
	// the next pull and are idempotent for the client.
	last, err := repos.Ledger.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	entities := []*models.Entity{}
	if len(budgets) > 0 {
		entities, err = repos.Revisions.ListByBudgets(ctx, budgets)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		if entities == nil {
			entities = []*models.Entity{}
		}
	}

	if err := s.touchDevice(ctx, caller, last); err != nil {
		return nil, err
	}
	return &SnapshotResult{
		Entities: entities,
		Cursor:   s.cursors.Encode(cursor.Position{Sequence: last, Scope: cursor.Scope(caller.UserID, budgets)}),
	}, nil
}

// ListConflicts returns the pending conflicts of the caller's readable budgets.
func (s *SyncService) ListConflicts(ctx context.Context, caller Caller, budgetIDs []string) ([]*models.Conflict, error) {
	budgets, err := s.authz.readable(ctx, caller.UserID, budgetIDs)
	if err != nil {
		return nil, err
	}
	if len(budgets) == 0 {
		return []*models.Conflict{}, nil
	}
	list, err := s.store.Repos().Conflicts.ListPending(ctx, budgets)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	if list == nil {
		list = []*models.Conflict{}
	}
	return list, nil
}

// Status summarizes the sync state of one device. It reloads the caller's
// memberships, so a client that lost or gained a budget sees it here first.
func (s *SyncService) Status(ctx context.Context, caller Caller) (*StatusResult, error) {
	s.authz.Invalidate(caller.UserID)
	budgets, err := s.authz.readable(ctx, caller.UserID, nil)
	if err != nil {
		return nil, err
	}
	repos := s.store.Repos()

	res := &StatusResult{}

	var position int64
	known := false
	if caller.DeviceID != "" {
		st, err := repos.Devices.Get(ctx, caller.UserID, caller.DeviceID)
		switch {
		case err == nil:
			known = true
			position = st.LastSequence
			at := st.LastSyncAt
			res.LastSync = &at
		case !errors.Is(err, common.ErrNotFound):
			return nil, fmt.Errorf("read device state: %w", err)
		}
	}

	if res.LatestSequence, err = repos.Ledger.LastSequence(ctx); err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	horizon, err := repos.Ledger.Horizon(ctx)
	if err != nil {
		return nil, fmt.Errorf("read horizon: %w", err)
	}
	if len(budgets) > 0 {
		if res.PendingConflicts, err = repos.Conflicts.CountPending(ctx, budgets); err != nil {
			return nil, fmt.Errorf("count conflicts: %w", err)
		}
	}

	if known {
		res.Cursor = s.cursors.Encode(cursor.Position{Sequence: position, Scope: cursor.Scope(caller.UserID, budgets)})
	}
	if lag := res.LatestSequence - position; lag > 0 {
		res.Lag = lag
	}

	switch {
	case position < horizon:
		res.Health = HealthResyncRequired
	case res.PendingConflicts > 0:
		res.Health = HealthConflicts
	default:
		res.Health = HealthHealthy
	}
	return res, nil
}

// Subscribe registers a watcher for the caller's readable budgets. The
// caller must hand the subscription back to Events().Unsubscribe.
func (s *SyncService) Subscribe(ctx context.Context, caller Caller, budgetIDs []string) (*Subscription, error) {
	budgets, err := s.authz.readable(ctx, caller.UserID, budgetIDs)
	if err != nil {
		return nil, err
	}
	return s.events.Subscribe(budgets), nil
}
