// Package repotest holds behavioural tests shared by every Store
// implementation. Backends call Run from their own _test.go files.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/conflicts"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

// Run executes every shared test against s. Identifiers are randomized so
// a persistent backend can be reused across runs.
func Run(t *testing.T, s repomanager.Store) {
	st := &StoreTest{}
	t.Run("RevisionCompareAndSet", func(t *testing.T) { st.TestRevisionCompareAndSet(t, s) })
	t.Run("LedgerOrderAndScope", func(t *testing.T) { st.TestLedgerOrderAndScope(t, s) })
	t.Run("LedgerHistory", func(t *testing.T) { st.TestLedgerHistory(t, s) })
	t.Run("LedgerCompaction", func(t *testing.T) { st.TestLedgerCompaction(t, s) })
	t.Run("ConflictLifecycle", func(t *testing.T) { st.TestConflictLifecycle(t, s) })
	t.Run("Idempotency", func(t *testing.T) { st.TestIdempotency(t, s) })
	t.Run("MembershipsAndDevices", func(t *testing.T) { st.TestMembershipsAndDevices(t, s) })
	t.Run("TxRollback", func(t *testing.T) { st.TestTxRollback(t, s) })
}

func id(prefix string) string { return prefix + "-" + uuid.NewString() }

func (StoreTest) TestRevisionCompareAndSet(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	r := s.Repos()
	key := models.EntityKey{Type: models.EntityTransaction, ID: id("t")}
	budget := id("b")
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := r.Revisions.Get(ctx, key)
	require.ErrorIs(t, err, common.ErrNotFound)

	rev, err := r.Revisions.Write(ctx, revisions.Write{Key: key, BudgetID: budget, Payload: []byte(`{"amount":1}`), At: now})
	require.NoError(t, err)
	require.Equal(t, int64(1), rev)

	_, err = r.Revisions.Write(ctx, revisions.Write{Key: key, BudgetID: budget, Payload: []byte(`{}`), At: now})
	require.ErrorIs(t, err, common.ErrAlreadyExists)

	rev, err = r.Revisions.Write(ctx, revisions.Write{Key: key, BudgetID: budget, ExpectedRevision: 1, Payload: []byte(`{"amount":2}`), At: now})
	require.NoError(t, err)
	require.Equal(t, int64(2), rev)

	_, err = r.Revisions.Write(ctx, revisions.Write{Key: key, BudgetID: budget, ExpectedRevision: 1, Payload: []byte(`{"amount":3}`), At: now})
	require.ErrorIs(t, err, common.ErrRevisionMismatch)

	rev, err = r.Revisions.Write(ctx, revisions.Write{Key: key, BudgetID: budget, ExpectedRevision: 2, Deleted: true, At: now})
	require.NoError(t, err)
	require.Equal(t, int64(3), rev)

	e, err := r.Revisions.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, e.Deleted)
	require.Equal(t, int64(3), e.Revision)
	require.Equal(t, budget, e.BudgetID)

	list, err := r.Revisions.ListByBudgets(ctx, []string{budget})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func appendRecord(t *testing.T, s repomanager.Store, rec *models.ChangeRecord) int64 {
	t.Helper()
	var seq int64
	err := s.WithTx(context.Background(), func(ctx context.Context, r repomanager.Repositories) error {
		var err error
		seq, err = r.Ledger.Append(ctx, rec)
		return err
	})
	require.NoError(t, err)
	return seq
}

func record(budget, entity string, rev int64, fields ...string) *models.ChangeRecord {
	op := models.OpUpdate
	if rev == 1 {
		op = models.OpCreate
	}
	return &models.ChangeRecord{
		EntityType: models.EntityTransaction, EntityID: entity, BudgetID: budget,
		Operation: op, BaseRevision: rev - 1, Revision: rev,
		Payload: []byte(`{"amount":1}`), ChangedFields: fields,
		ClientTimestamp: time.Now().UTC(), DeviceID: "d1", UserID: "u1", IdempotencyKey: uuid.NewString(),
	}
}

func (StoreTest) TestLedgerOrderAndScope(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	b1, b2 := id("b"), id("b")

	start, err := s.Repos().Ledger.LastSequence(ctx)
	require.NoError(t, err)

	s1 := appendRecord(t, s, record(b1, id("t"), 1, models.AllFields))
	s2 := appendRecord(t, s, record(b2, id("t"), 1, models.AllFields))
	s3 := appendRecord(t, s, record(b1, id("t"), 1, models.AllFields))
	require.Less(t, start, s1)
	require.Less(t, s1, s2)
	require.Less(t, s2, s3)

	got, err := s.Repos().Ledger.ReadSince(ctx, start, []string{b1}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, s1, got[0].Sequence)
	require.Equal(t, s3, got[1].Sequence)
	require.Equal(t, []string{models.AllFields}, got[0].ChangedFields)

	got, err = s.Repos().Ledger.ReadSince(ctx, start, []string{b1, b2}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, s2, got[1].Sequence)

	last, err := s.Repos().Ledger.LastSequence(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, last, s3)
}

func (StoreTest) TestLedgerHistory(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	b, e := id("b"), id("t")

	appendRecord(t, s, record(b, e, 1, models.AllFields))
	appendRecord(t, s, record(b, e, 2, "amount"))
	appendRecord(t, s, record(b, e, 3, "memo", "date"))

	hist, err := s.Repos().Ledger.History(ctx, models.EntityKey{Type: models.EntityTransaction, ID: e}, 1)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, int64(2), hist[0].Revision)
	require.Equal(t, []string{"memo", "date"}, hist[1].ChangedFields)
}

func (StoreTest) TestLedgerCompaction(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	b := id("b")

	s1 := appendRecord(t, s, record(b, id("t"), 1, models.AllFields))
	s2 := appendRecord(t, s, record(b, id("t"), 1, models.AllFields))

	old, err := s.Repos().Ledger.ListBefore(ctx, time.Now().Add(time.Hour), 1_000_000)
	require.NoError(t, err)
	require.NotEmpty(t, old)

	err = s.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		_, err := r.Ledger.DeleteThrough(ctx, s1)
		return err
	})
	require.NoError(t, err)

	h, err := s.Repos().Ledger.Horizon(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, s1)

	got, err := s.Repos().Ledger.ReadSince(ctx, 0, []string{b}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, s2, got[0].Sequence)

	last, err := s.Repos().Ledger.LastSequence(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, last, s2)
}

func (StoreTest) TestConflictLifecycle(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	r := s.Repos()
	b := id("b")

	c := &models.Conflict{
		BudgetID: b, UserID: "u1", DeviceID: "d1", Reason: models.ReasonOverlap,
		Change: models.Change{
			IdempotencyKey: "k1", EntityType: models.EntityCategory, EntityID: id("c"),
			BudgetID: b, Operation: models.OpUpdate, BaseRevision: 1, Payload: []byte(`{"name":"food"}`),
		},
		Server: &models.Entity{Type: models.EntityCategory, BudgetID: b, Revision: 2, Payload: []byte(`{"name":"groceries"}`)},
	}
	require.NoError(t, r.Conflicts.Create(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := r.Conflicts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConflictPending, got.Status)
	require.Equal(t, c.Change.EntityID, got.Change.EntityID)
	require.JSONEq(t, `{"name":"food"}`, string(got.Change.Payload))
	require.NotNil(t, got.Server)
	require.Equal(t, int64(2), got.Server.Revision)

	n, err := r.Conflicts.CountPending(ctx, []string{b})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res := conflicts.Resolved{
		ID: c.ID, Status: models.ConflictResolvedManual, Resolution: models.KeepServer,
		Revision: 2, By: "u1", At: time.Now().UTC(),
	}
	require.NoError(t, r.Conflicts.MarkResolved(ctx, res))
	require.ErrorIs(t, r.Conflicts.MarkResolved(ctx, res), common.ErrConflictAlreadyResolved)

	pending, err := r.Conflicts.ListPending(ctx, []string{b})
	require.NoError(t, err)
	require.Empty(t, pending)

	got, err = r.Conflicts.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.KeepServer, got.Resolution)
	require.NotNil(t, got.ResolvedAt)

	_, err = r.Conflicts.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, common.ErrNotFound)
}

func (StoreTest) TestIdempotency(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	r := s.Repos()
	user, key := id("u"), uuid.NewString()

	_, err := r.Idempotency.Get(ctx, user, key)
	require.ErrorIs(t, err, common.ErrNotFound)

	out := models.Applied(key, 3, 99)
	require.NoError(t, r.Idempotency.Save(ctx, &models.IdempotencyRecord{UserID: user, Key: key, Outcome: out}))
	require.ErrorIs(t, r.Idempotency.Save(ctx, &models.IdempotencyRecord{UserID: user, Key: key}), common.ErrAlreadyExists)

	rec, err := r.Idempotency.Get(ctx, user, key)
	require.NoError(t, err)
	require.Equal(t, out, rec.Outcome)

	// Same key under another user is independent.
	require.NoError(t, r.Idempotency.Save(ctx, &models.IdempotencyRecord{UserID: id("u"), Key: key, Outcome: out}))

	_, err = r.Idempotency.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = r.Idempotency.Get(ctx, user, key)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func (StoreTest) TestMembershipsAndDevices(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	r := s.Repos()
	user, b1, b2 := id("u"), id("b"), id("b")

	role, err := r.Memberships.Role(ctx, user, b1)
	require.NoError(t, err)
	require.Equal(t, models.RoleNone, role)

	require.NoError(t, r.Memberships.Upsert(ctx, user, b1, models.RoleViewer))
	require.NoError(t, r.Memberships.Upsert(ctx, user, b1, models.RoleEditor))
	require.NoError(t, r.Memberships.Upsert(ctx, user, b2, models.RoleAdmin))

	all, err := r.Memberships.Budgets(ctx, user)
	require.NoError(t, err)
	require.Equal(t, map[string]models.Role{b1: models.RoleEditor, b2: models.RoleAdmin}, all)

	require.NoError(t, r.Memberships.Delete(ctx, user, b2))
	role, err = r.Memberships.Role(ctx, user, b2)
	require.NoError(t, err)
	require.Equal(t, models.RoleNone, role)

	_, err = r.Devices.Get(ctx, user, "d1")
	require.ErrorIs(t, err, common.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, r.Devices.Upsert(ctx, &models.DeviceState{UserID: user, DeviceID: "d1", LastSequence: 10, LastSyncAt: now}))
	require.NoError(t, r.Devices.Upsert(ctx, &models.DeviceState{UserID: user, DeviceID: "d1", LastSequence: 4, LastSyncAt: now}))

	st, err := r.Devices.Get(ctx, user, "d1")
	require.NoError(t, err)
	require.Equal(t, int64(10), st.LastSequence)
}

func (StoreTest) TestTxRollback(t *testing.T, s repomanager.Store) {
	ctx := context.Background()
	b := id("b")
	key := models.EntityKey{Type: models.EntityBudget, ID: b}
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		if _, err := r.Revisions.Write(ctx, revisions.Write{Key: key, BudgetID: b, Payload: []byte(`{}`), At: time.Now()}); err != nil {
			return err
		}
		if _, err := r.Ledger.Append(ctx, record(b, b, 1, models.AllFields)); err != nil {
			return err
		}
		if err := r.Idempotency.Save(ctx, &models.IdempotencyRecord{UserID: "u1", Key: b}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Repos().Revisions.Get(ctx, key)
	require.ErrorIs(t, err, common.ErrNotFound)

	recs, err := s.Repos().Ledger.ReadSince(ctx, 0, []string{b}, 10)
	require.NoError(t, err)
	require.Empty(t, recs)

	_, err = s.Repos().Idempotency.Get(ctx, "u1", b)
	require.ErrorIs(t, err, common.ErrNotFound)
}
