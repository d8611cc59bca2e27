package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/conflict"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/conflicts"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
)

// systemResolver is recorded as resolved_by for automatic resolutions.
const systemResolver = "system"

// maxApplyAttempts bounds classify-and-write rounds for one change.
const maxApplyAttempts = 2

// errDuplicateKey means another request stored an outcome under the same
// idempotency key while this one was in flight.
var errDuplicateKey = errors.New("idempotency key already used")

type ResolveRequest struct {
	ConflictID string
	Resolution models.Resolution
	// Payload is the replacement object for merged_payload.
	Payload []byte
}

type ResolveResult struct {
	ConflictID string `json:"conflict_id"`
	Revision   int64  `json:"revision"`
	// Sequence is zero when nothing was written.
	Sequence int64 `json:"sequence,omitempty"`
}

// current returns the entity or nil when it never existed.
func (s *SyncService) current(ctx context.Context, key models.EntityKey) (*models.Entity, error) {
	e, err := s.store.Repos().Revisions.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entity %s: %w", key, err)
	}
	return e, nil
}

// apply classifies ch and carries out the verdict. A lost compare-and-set is
// re-read and re-classified once, after which the change becomes a conflict.
func (s *SyncService) apply(ctx context.Context, caller Caller, ch *models.Change) (models.Outcome, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		server, err := s.current(ctx, ch.Key())
		if err != nil {
			return models.Outcome{}, err
		}
		if server != nil && server.BudgetID != ch.BudgetID {
			return models.Rejected(ch.IdempotencyKey, ReasonForbidden), nil
		}

		dec, err := s.detector.Detect(ctx, server, ch)
		if errors.Is(err, common.ErrInvalidChange) {
			return models.Rejected(ch.IdempotencyKey, ReasonInvalid), nil
		}
		if err != nil {
			return models.Outcome{}, err
		}
		s.metrics.verdict(dec)

		var out models.Outcome
		switch dec.Verdict {
		case conflict.AlreadyExists:
			if attempt == 0 {
				// A retry of the create that made the entity replays its outcome.
				prior, err := s.storedOutcome(ctx, caller, ch.IdempotencyKey)
				if err != nil {
					return models.Outcome{}, err
				}
				if prior != nil {
					return *prior, nil
				}
				return models.Rejected(ch.IdempotencyKey, ReasonAlreadyExists), nil
			}
			out, err = s.recordConflict(ctx, caller, ch, server, models.ReasonRetryExhausted)
		case conflict.Conflict:
			out, err = s.recordConflict(ctx, caller, ch, server, dec.Reason)
		case conflict.Noop:
			out, err = s.noop(ctx, caller, ch, server)
		default:
			out, err = s.write(ctx, caller, ch, dec)
		}

		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, errDuplicateKey):
			return s.replay(ctx, caller, ch)
		case errors.Is(err, common.ErrRevisionMismatch), errors.Is(err, common.ErrAlreadyExists):
			s.logger.Debug(ctx, "lost write race", "entity", ch.Key().String(), "attempt", attempt+1)
		default:
			return models.Outcome{}, err
		}
	}

	server, err := s.current(ctx, ch.Key())
	if err != nil {
		return models.Outcome{}, err
	}
	out, err := s.recordConflict(ctx, caller, ch, server, models.ReasonRetryExhausted)
	if errors.Is(err, errDuplicateKey) {
		return s.replay(ctx, caller, ch)
	}
	return out, err
}

func (s *SyncService) replay(ctx context.Context, caller Caller, ch *models.Change) (models.Outcome, error) {
	rec, err := s.store.Repos().Idempotency.Get(ctx, caller.UserID, ch.IdempotencyKey)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("replay outcome: %w", err)
	}
	return rec.Outcome, nil
}

func (s *SyncService) saveOutcome(ctx context.Context, r repomanager.Repositories, caller Caller, out models.Outcome) error {
	err := r.Idempotency.Save(ctx, &models.IdempotencyRecord{
		UserID:    caller.UserID,
		Key:       out.IdempotencyKey,
		Outcome:   out,
		CreatedAt: s.now(),
	})
	if errors.Is(err, common.ErrAlreadyExists) {
		return errDuplicateKey
	}
	return err
}

// write applies a CleanApply or AutoMerge verdict: revision store write,
// ledger append and stored outcome commit together.
func (s *SyncService) write(ctx context.Context, caller Caller, ch *models.Change, dec conflict.Decision) (models.Outcome, error) {
	w := revisions.Write{Key: ch.Key(), BudgetID: ch.BudgetID, At: s.now()}
	switch ch.Operation {
	case models.OpCreate:
		w.Payload = ch.Payload
	case models.OpUpdate:
		merged, err := conflict.ApplyPatch(dec.Server.Payload, ch.Payload)
		if err != nil {
			return models.Outcome{}, err
		}
		w.ExpectedRevision = dec.Server.Revision
		w.Payload = merged
	case models.OpDelete:
		w.ExpectedRevision = dec.Server.Revision
		w.Deleted = true
	}

	var out models.Outcome
	err := s.store.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		rev, err := r.Revisions.Write(ctx, w)
		if err != nil {
			return err
		}
		seq, err := r.Ledger.Append(ctx, &models.ChangeRecord{
			EntityType:      ch.EntityType,
			EntityID:        ch.EntityID,
			BudgetID:        ch.BudgetID,
			Operation:       ch.Operation,
			BaseRevision:    ch.BaseRevision,
			Revision:        rev,
			Payload:         w.Payload,
			ChangedFields:   dec.Fields,
			ClientTimestamp: ch.ClientTimestamp,
			DeviceID:        caller.DeviceID,
			UserID:          caller.UserID,
			IdempotencyKey:  ch.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		out = models.Applied(ch.IdempotencyKey, rev, seq)
		out.Merged = dec.Verdict == conflict.AutoMerge
		return s.saveOutcome(ctx, r, caller, out)
	})
	if err != nil {
		return models.Outcome{}, err
	}

	s.metrics.appended(out.Sequence)
	s.events.Notify(ch.BudgetID, out.Sequence)
	return out, nil
}

// noop acknowledges a delete of an already deleted entity.
func (s *SyncService) noop(ctx context.Context, caller Caller, ch *models.Change, server *models.Entity) (models.Outcome, error) {
	out := models.Applied(ch.IdempotencyKey, server.Revision, 0)
	err := s.store.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		return s.saveOutcome(ctx, r, caller, out)
	})
	if err != nil {
		return models.Outcome{}, err
	}
	return out, nil
}

// recordConflict persists a conflict for ch without touching the entity. An
// overlapping update whose values already match the server is recorded as
// resolved in favor of the server and reported as applied.
func (s *SyncService) recordConflict(ctx context.Context, caller Caller, ch *models.Change, server *models.Entity,
	reason models.ConflictReason) (models.Outcome, error) {
	now := s.now()
	c := &models.Conflict{
		BudgetID:  ch.BudgetID,
		UserID:    caller.UserID,
		DeviceID:  caller.DeviceID,
		Change:    *ch,
		Reason:    reason,
		Server:    server,
		Status:    models.ConflictPending,
		CreatedAt: now,
	}

	converged := reason == models.ReasonOverlap && ch.Operation == models.OpUpdate &&
		server != nil && conflict.Converged(server.Payload, ch.Payload)
	if converged {
		c.Status = models.ConflictResolvedAuto
		c.Resolution = models.KeepServer
		c.ResolvedRevision = server.Revision
		c.ResolvedBy = systemResolver
		c.ResolvedAt = &now
	}

	var out models.Outcome
	err := s.store.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		if err := r.Conflicts.Create(ctx, c); err != nil {
			return fmt.Errorf("store conflict: %w", err)
		}
		if converged {
			out = models.Applied(ch.IdempotencyKey, server.Revision, 0)
		} else {
			out = models.Conflicted(ch.IdempotencyKey, c.ID)
		}
		return s.saveOutcome(ctx, r, caller, out)
	})
	if err != nil {
		return models.Outcome{}, err
	}

	s.logger.Info(ctx, "conflict recorded", "conflict", c.ID, "entity", ch.Key().String(),
		"reason", string(reason), "status", string(c.Status))
	return out, nil
}

// Resolve settles a pending conflict. The write, its ledger record and the
// conflict status change commit together.
func (s *SyncService) Resolve(ctx context.Context, caller Caller, req ResolveRequest) (*ResolveResult, error) {
	if !req.Resolution.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", common.ErrInvalidChange, req.Resolution)
	}
	if req.Resolution == models.MergedPayload {
		if err := conflict.ValidateObject(req.Payload); err != nil {
			return nil, err
		}
	}

	c, err := s.store.Repos().Conflicts.Get(ctx, req.ConflictID)
	if err != nil {
		return nil, fmt.Errorf("conflict %s: %w", req.ConflictID, err)
	}
	role, err := s.authz.Role(ctx, caller.UserID, c.BudgetID)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, fmt.Errorf("conflict %s: %w", req.ConflictID, common.ErrNotFound)
	}
	if !role.CanWrite() {
		return nil, fmt.Errorf("resolve conflict %s: %w", req.ConflictID, common.ErrUnauthorized)
	}
	if c.Status != models.ConflictPending {
		return nil, fmt.Errorf("conflict %s: %w", req.ConflictID, common.ErrConflictAlreadyResolved)
	}

	key := c.Change.Key()
	if s.locks.TryLock(key.String()) {
		defer s.locks.Unlock(key.String())
	}

	res := &ResolveResult{ConflictID: c.ID}
	err = s.store.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		server, err := r.Revisions.Get(ctx, key)
		if errors.Is(err, common.ErrNotFound) {
			server = nil
		} else if err != nil {
			return err
		}

		if server != nil {
			res.Revision = server.Revision
		}

		w, rec, err := s.resolution(c, server, req)
		if err != nil {
			return err
		}
		if w != nil {
			rev, err := r.Revisions.Write(ctx, *w)
			if errors.Is(err, common.ErrAlreadyExists) {
				return common.ErrRevisionMismatch
			}
			if err != nil {
				return err
			}
			rec.Revision = rev
			rec.DeviceID = caller.DeviceID
			rec.UserID = caller.UserID
			seq, err := r.Ledger.Append(ctx, rec)
			if err != nil {
				return err
			}
			res.Revision = rev
			res.Sequence = seq
		}

		return r.Conflicts.MarkResolved(ctx, conflicts.Resolved{
			ID:         c.ID,
			Status:     models.ConflictResolvedManual,
			Resolution: req.Resolution,
			Revision:   res.Revision,
			By:         caller.UserID,
			At:         s.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %w", c.ID, err)
	}

	if res.Sequence > 0 {
		s.metrics.appended(res.Sequence)
		s.events.Notify(c.BudgetID, res.Sequence)
	}
	s.logger.Info(ctx, "conflict resolved", "conflict", c.ID, "resolution", string(req.Resolution),
		"revision", res.Revision, "by", caller.UserID)
	return res, nil
}

// resolution computes the write a resolution performs against the current
// entity, or nil when it leaves the entity as it is.
func (s *SyncService) resolution(c *models.Conflict, server *models.Entity, req ResolveRequest) (*revisions.Write, *models.ChangeRecord, error) {
	ch := c.Change
	live := server != nil && !server.Deleted

	w := &revisions.Write{Key: ch.Key(), BudgetID: c.BudgetID, At: s.now()}
	if server != nil {
		w.ExpectedRevision = server.Revision
	}
	op := models.OpCreate
	if live {
		op = models.OpUpdate
	}
	fields := []string{models.AllFields}

	switch req.Resolution {
	case models.KeepServer:
		return nil, nil, nil

	case models.MergedPayload:
		w.Payload = req.Payload

	case models.AcceptIncoming:
		switch ch.Operation {
		case models.OpDelete:
			if !live {
				return nil, nil, nil
			}
			w.Deleted = true
			op = models.OpDelete
		case models.OpCreate:
			w.Payload = ch.Payload
		case models.OpUpdate:
			var base []byte
			if live {
				base = server.Payload
				f, err := conflict.Fields(models.OpUpdate, ch.Payload)
				if err != nil {
					return nil, nil, err
				}
				fields = f
			}
			merged, err := conflict.ApplyPatch(base, ch.Payload)
			if err != nil {
				return nil, nil, err
			}
			w.Payload = merged
		}
	}

	rec := &models.ChangeRecord{
		EntityType:      ch.EntityType,
		EntityID:        ch.EntityID,
		BudgetID:        c.BudgetID,
		Operation:       op,
		BaseRevision:    w.ExpectedRevision,
		Payload:         w.Payload,
		ChangedFields:   fields,
		ClientTimestamp: ch.ClientTimestamp,
	}
	return w, rec, nil
}
