package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/conflicts"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
	"github.com/google/uuid"
)

type revisionRepo struct{ h handle }

func (r *revisionRepo) Get(ctx context.Context, key models.EntityKey) (*models.Entity, error) {
	defer r.h.lock()()
	e, ok := r.h.s.entities[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *revisionRepo) Write(ctx context.Context, w revisions.Write) (int64, error) {
	defer r.h.lock()()
	s := r.h.s

	prev, exists := s.entities[w.Key]
	switch {
	case w.ExpectedRevision == 0 && exists:
		return 0, common.ErrAlreadyExists
	case w.ExpectedRevision != 0 && (!exists || prev.Revision != w.ExpectedRevision):
		return 0, common.ErrRevisionMismatch
	}

	next := &models.Entity{
		Type:      w.Key.Type,
		ID:        w.Key.ID,
		BudgetID:  w.BudgetID,
		Payload:   w.Payload,
		Revision:  w.ExpectedRevision + 1,
		Deleted:   w.Deleted,
		UpdatedAt: w.At,
	}
	if exists {
		next.BudgetID = prev.BudgetID
	}
	if w.Deleted {
		next.Payload = nil
	}
	s.entities[w.Key] = next

	r.h.onRollback(func() {
		if exists {
			s.entities[w.Key] = prev
		} else {
			delete(s.entities, w.Key)
		}
	})
	return next.Revision, nil
}

func (r *revisionRepo) ListByBudgets(ctx context.Context, budgetIDs []string) ([]*models.Entity, error) {
	defer r.h.lock()()
	in := set(budgetIDs)

	var result []*models.Entity
	for _, e := range r.h.s.entities {
		if _, ok := in[e.BudgetID]; ok {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

type ledgerRepo struct{ h handle }

func (r *ledgerRepo) Append(ctx context.Context, rec *models.ChangeRecord) (int64, error) {
	defer r.h.lock()()
	s := r.h.s

	// Sequences burned by a rollback are not reused.
	s.lastSeq++
	rec.Sequence = s.lastSeq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.records = append(s.records, &cp)

	r.h.onRollback(func() {
		for i, x := range s.records {
			if x.Sequence == cp.Sequence {
				s.records = append(s.records[:i], s.records[i+1:]...)
				return
			}
		}
	})
	return rec.Sequence, nil
}

func (r *ledgerRepo) ReadSince(ctx context.Context, after int64, budgetIDs []string, limit int) ([]*models.ChangeRecord, error) {
	defer r.h.lock()()
	in := set(budgetIDs)

	var result []*models.ChangeRecord
	for _, rec := range r.h.s.records {
		if len(result) >= limit {
			break
		}
		if rec.Sequence <= after {
			continue
		}
		if _, ok := in[rec.BudgetID]; ok {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *ledgerRepo) History(ctx context.Context, key models.EntityKey, afterRevision int64) ([]*models.ChangeRecord, error) {
	defer r.h.lock()()

	var result []*models.ChangeRecord
	for _, rec := range r.h.s.records {
		if rec.EntityType == key.Type && rec.EntityID == key.ID && rec.Revision > afterRevision {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Revision < result[j].Revision })
	return result, nil
}

func (r *ledgerRepo) Horizon(ctx context.Context) (int64, error) {
	defer r.h.lock()()
	return r.h.s.horizon, nil
}

func (r *ledgerRepo) LastSequence(ctx context.Context) (int64, error) {
	defer r.h.lock()()
	s := r.h.s
	last := s.horizon
	if n := len(s.records); n > 0 && s.records[n-1].Sequence > last {
		last = s.records[n-1].Sequence
	}
	return last, nil
}

func (r *ledgerRepo) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChangeRecord, error) {
	defer r.h.lock()()

	var through int64
	for _, rec := range r.h.s.records {
		if rec.CreatedAt.Before(cutoff) {
			through = rec.Sequence
		}
	}

	var result []*models.ChangeRecord
	for _, rec := range r.h.s.records {
		if len(result) >= limit || rec.Sequence > through {
			break
		}
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

func (r *ledgerRepo) DeleteThrough(ctx context.Context, seq int64) (int64, error) {
	defer r.h.lock()()
	s := r.h.s

	prevRecords, prevHorizon := s.records, s.horizon
	var kept []*models.ChangeRecord
	for _, rec := range s.records {
		if rec.Sequence > seq {
			kept = append(kept, rec)
		}
	}
	deleted := int64(len(s.records) - len(kept))
	s.records = kept
	if seq > s.horizon {
		s.horizon = seq
	}

	r.h.onRollback(func() {
		s.records, s.horizon = prevRecords, prevHorizon
	})
	return deleted, nil
}

type conflictRepo struct{ h handle }

func (r *conflictRepo) Create(ctx context.Context, c *models.Conflict) error {
	defer r.h.lock()()
	s := r.h.s

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.ConflictPending
	}
	if _, ok := s.conflicts[c.ID]; ok {
		return common.ErrAlreadyExists
	}
	s.conflicts[c.ID] = copyConflict(c)

	id := c.ID
	r.h.onRollback(func() { delete(s.conflicts, id) })
	return nil
}

func (r *conflictRepo) Get(ctx context.Context, id string) (*models.Conflict, error) {
	defer r.h.lock()()
	c, ok := r.h.s.conflicts[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return copyConflict(c), nil
}

func (r *conflictRepo) ListPending(ctx context.Context, budgetIDs []string) ([]*models.Conflict, error) {
	defer r.h.lock()()
	in := set(budgetIDs)

	var result []*models.Conflict
	for _, c := range r.h.s.conflicts {
		if _, ok := in[c.BudgetID]; ok && c.Status == models.ConflictPending {
			result = append(result, copyConflict(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r *conflictRepo) CountPending(ctx context.Context, budgetIDs []string) (int, error) {
	defer r.h.lock()()
	in := set(budgetIDs)

	n := 0
	for _, c := range r.h.s.conflicts {
		if _, ok := in[c.BudgetID]; ok && c.Status == models.ConflictPending {
			n++
		}
	}
	return n, nil
}

func (r *conflictRepo) MarkResolved(ctx context.Context, res conflicts.Resolved) error {
	defer r.h.lock()()
	s := r.h.s

	c, ok := s.conflicts[res.ID]
	if !ok || c.Status != models.ConflictPending {
		return common.ErrConflictAlreadyResolved
	}
	prev := copyConflict(c)

	at := res.At
	c.Status = res.Status
	c.Resolution = res.Resolution
	c.ResolvedRevision = res.Revision
	c.ResolvedBy = res.By
	c.ResolvedAt = &at

	r.h.onRollback(func() { s.conflicts[res.ID] = prev })
	return nil
}

func copyConflict(c *models.Conflict) *models.Conflict {
	cp := *c
	if c.Server != nil {
		srv := *c.Server
		cp.Server = &srv
	}
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

type idempotencyRepo struct{ h handle }

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (r *idempotencyRepo) Get(ctx context.Context, userID, key string) (*models.IdempotencyRecord, error) {
	defer r.h.lock()()
	rec, ok := r.h.s.idempotency[idemKey(userID, key)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *idempotencyRepo) Save(ctx context.Context, rec *models.IdempotencyRecord) error {
	defer r.h.lock()()
	s := r.h.s

	k := idemKey(rec.UserID, rec.Key)
	if _, ok := s.idempotency[k]; ok {
		return common.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.idempotency[k] = &cp

	r.h.onRollback(func() { delete(s.idempotency, k) })
	return nil
}

func (r *idempotencyRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer r.h.lock()()
	s := r.h.s

	removed := make(map[string]*models.IdempotencyRecord)
	for k, rec := range s.idempotency {
		if rec.CreatedAt.Before(cutoff) {
			removed[k] = rec
			delete(s.idempotency, k)
		}
	}

	r.h.onRollback(func() {
		for k, rec := range removed {
			s.idempotency[k] = rec
		}
	})
	return int64(len(removed)), nil
}

type membershipRepo struct{ h handle }

func (r *membershipRepo) Role(ctx context.Context, userID, budgetID string) (models.Role, error) {
	defer r.h.lock()()
	return r.h.s.members[userID][budgetID], nil
}

func (r *membershipRepo) Budgets(ctx context.Context, userID string) (map[string]models.Role, error) {
	defer r.h.lock()()
	result := make(map[string]models.Role, len(r.h.s.members[userID]))
	for b, role := range r.h.s.members[userID] {
		result[b] = role
	}
	return result, nil
}

func (r *membershipRepo) Upsert(ctx context.Context, userID, budgetID string, role models.Role) error {
	defer r.h.lock()()
	s := r.h.s

	m, ok := s.members[userID]
	if !ok {
		m = make(map[string]models.Role)
		s.members[userID] = m
	}
	prev, had := m[budgetID]
	m[budgetID] = role

	r.h.onRollback(func() {
		if had {
			m[budgetID] = prev
		} else {
			delete(m, budgetID)
		}
	})
	return nil
}

func (r *membershipRepo) Delete(ctx context.Context, userID, budgetID string) error {
	defer r.h.lock()()
	s := r.h.s

	m := s.members[userID]
	prev, had := m[budgetID]
	if !had {
		return nil
	}
	delete(m, budgetID)

	r.h.onRollback(func() { m[budgetID] = prev })
	return nil
}

type deviceRepo struct{ h handle }

func deviceKey(userID, deviceID string) string { return userID + "\x00" + deviceID }

func (r *deviceRepo) Get(ctx context.Context, userID, deviceID string) (*models.DeviceState, error) {
	defer r.h.lock()()
	st, ok := r.h.s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *deviceRepo) Upsert(ctx context.Context, st *models.DeviceState) error {
	defer r.h.lock()()
	s := r.h.s

	k := deviceKey(st.UserID, st.DeviceID)
	prev, had := s.devices[k]

	next := *st
	if had && prev.LastSequence > next.LastSequence {
		next.LastSequence = prev.LastSequence
	}
	s.devices[k] = &next

	r.h.onRollback(func() {
		if had {
			s.devices[k] = prev
		} else {
			delete(s.devices, k)
		}
	})
	return nil
}

func set(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
