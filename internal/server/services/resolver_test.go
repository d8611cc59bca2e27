package services

import (
	"context"
	"testing"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memory"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overlapConflict leaves t1 at revision 4 with amount 25 and a pending
// conflict from bob wanting amount 30 and a new note.
func overlapConflict(t *testing.T) (*SyncService, *memory.Store, string) {
	t.Helper()
	svc, store := newTestService(t)
	grant(t, store, "alice", "b1", models.RoleEditor)
	grant(t, store, "bob", "b1", models.RoleEditor)
	grant(t, store, "carol", "b1", models.RoleViewer)
	seedRevision3(t, svc)

	pushOne(t, svc, alice, txChange(models.OpUpdate, "t1", 3, `{"amount":25}`))
	out := pushOne(t, svc, bob, txChange(models.OpUpdate, "t1", 3, `{"amount":30,"note":"bob"}`))
	require.Equal(t, models.OutcomeConflict, out.Status)
	return svc, store, out.ConflictID
}

func entityPayload(t *testing.T, store *memory.Store, id string) (*models.Entity, string) {
	t.Helper()
	e, err := store.Repos().Revisions.Get(context.Background(), models.EntityKey{Type: models.EntityTransaction, ID: id})
	require.NoError(t, err)
	return e, string(e.Payload)
}

func TestResolve_KeepServer(t *testing.T) {
	svc, store, id := overlapConflict(t)
	ctx := context.Background()

	res, err := svc.Resolve(ctx, alice, ResolveRequest{ConflictID: id, Resolution: models.KeepServer})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Revision)
	assert.Zero(t, res.Sequence)

	e, payload := entityPayload(t, store, "t1")
	assert.Equal(t, int64(4), e.Revision)
	assert.JSONEq(t, `{"amount":25,"category":"food","note":"z"}`, payload)

	c, err := store.Repos().Conflicts.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolvedManual, c.Status)
	assert.Equal(t, models.KeepServer, c.Resolution)
	assert.Equal(t, "alice", c.ResolvedBy)
	assert.NotNil(t, c.ResolvedAt)

	_, err = svc.Resolve(ctx, alice, ResolveRequest{ConflictID: id, Resolution: models.KeepServer})
	require.ErrorIs(t, err, common.ErrConflictAlreadyResolved)
}

func TestResolve_AcceptIncoming(t *testing.T) {
	svc, store, id := overlapConflict(t)
	ctx := context.Background()

	res, err := svc.Resolve(ctx, bob, ResolveRequest{ConflictID: id, Resolution: models.AcceptIncoming})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Revision)
	assert.NotZero(t, res.Sequence)

	_, payload := entityPayload(t, store, "t1")
	assert.JSONEq(t, `{"amount":30,"category":"food","note":"bob"}`, payload)

	recs, err := store.Repos().Ledger.ReadSince(ctx, res.Sequence-1, []string{"b1"}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OpUpdate, recs[0].Operation)
	assert.Equal(t, []string{"amount", "note"}, recs[0].ChangedFields)
	assert.Equal(t, "bob", recs[0].UserID)

	pending, err := svc.ListConflicts(ctx, alice, []string{"b1"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolve_MergedPayload(t *testing.T) {
	svc, store, id := overlapConflict(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, alice, ResolveRequest{ConflictID: id, Resolution: models.MergedPayload, Payload: []byte(`[]`)})
	require.ErrorIs(t, err, common.ErrInvalidChange)

	res, err := svc.Resolve(ctx, alice, ResolveRequest{
		ConflictID: id,
		Resolution: models.MergedPayload,
		Payload:    []byte(`{"amount":27,"category":"food"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Revision)

	_, payload := entityPayload(t, store, "t1")
	assert.JSONEq(t, `{"amount":27,"category":"food"}`, payload)
}

func TestResolve_AcceptIncomingDeleteAndResurrect(t *testing.T) {
	svc, store := newTestService(t)
	grant(t, store, "alice", "b1", models.RoleEditor)
	ctx := context.Background()

	pushOne(t, svc, alice, txChange(models.OpCreate, "t1", 0, `{"amount":1}`))
	pushOne(t, svc, alice, txChange(models.OpUpdate, "t1", 1, `{"amount":2}`))
	del := pushOne(t, svc, alice, txChange(models.OpDelete, "t1", 1, ""))
	require.Equal(t, models.OutcomeConflict, del.Status)

	res, err := svc.Resolve(ctx, alice, ResolveRequest{ConflictID: del.ConflictID, Resolution: models.AcceptIncoming})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Revision)
	e, _ := entityPayload(t, store, "t1")
	assert.True(t, e.Deleted)

	up := pushOne(t, svc, alice, txChange(models.OpUpdate, "t1", 2, `{"amount":5}`))
	require.Equal(t, models.OutcomeConflict, up.Status)

	res, err = svc.Resolve(ctx, alice, ResolveRequest{ConflictID: up.ConflictID, Resolution: models.AcceptIncoming})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Revision)
	e, payload := entityPayload(t, store, "t1")
	assert.False(t, e.Deleted)
	assert.JSONEq(t, `{"amount":5}`, payload)
}

func TestResolve_AccessRules(t *testing.T) {
	svc, store, id := overlapConflict(t)
	ctx := context.Background()
	stranger := Caller{UserID: "mallory", DeviceID: "x"}

	_, err := svc.Resolve(ctx, stranger, ResolveRequest{ConflictID: id, Resolution: models.KeepServer})
	require.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.Resolve(ctx, carol, ResolveRequest{ConflictID: id, Resolution: models.KeepServer})
	require.ErrorIs(t, err, common.ErrUnauthorized)

	_, err = svc.Resolve(ctx, alice, ResolveRequest{ConflictID: "nope", Resolution: models.KeepServer})
	require.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.Resolve(ctx, alice, ResolveRequest{ConflictID: id, Resolution: "coin_flip"})
	require.ErrorIs(t, err, common.ErrInvalidChange)

	c, err := store.Repos().Conflicts.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictPending, c.Status)
}

func TestApply_RetryExhaustedBecomesConflict(t *testing.T) {
	svc, store := newTestService(t)
	grant(t, store, "alice", "b1", models.RoleEditor)
	ctx := context.Background()
	pushOne(t, svc, alice, txChange(models.OpCreate, "t1", 0, `{"amount":1}`))

	racer := &racingStore{Store: store}
	svc.store = racer

	out := pushOne(t, svc, alice, txChange(models.OpUpdate, "t1", 1, `{"amount":2}`))
	require.Equal(t, models.OutcomeConflict, out.Status)

	c, err := store.Repos().Conflicts.Get(ctx, out.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonRetryExhausted, c.Reason)
	assert.Equal(t, 2, racer.writes)
}

// racingStore makes every revision write inside a transaction lose the
// compare-and-set, as if another writer always got there first.
type racingStore struct {
	*memory.Store
	writes int
}

func (s *racingStore) WithTx(ctx context.Context, fn func(ctx context.Context, r repomanager.Repositories) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		r.Revisions = losingRevisions{Repository: r.Revisions, s: s}
		return fn(ctx, r)
	})
}

type losingRevisions struct {
	revisions.Repository
	s *racingStore
}

func (l losingRevisions) Write(context.Context, revisions.Write) (int64, error) {
	l.s.writes++
	return 0, common.ErrRevisionMismatch
}
