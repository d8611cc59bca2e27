// Package memory provides an in-process Store used for tests and for running
// the server without PostgreSQL. A single mutex guards all state; WithTx holds
// it for the whole transaction and replays an undo log on rollback.
//
// Repositories returned by Repos must not be used from inside a WithTx
// callback on the same goroutine: the mutex is not reentrant.
package memory

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
)

type Store struct {
	mu sync.Mutex

	entities map[models.EntityKey]*models.Entity

	records []*models.ChangeRecord
	lastSeq int64
	horizon int64

	conflicts map[string]*models.Conflict

	idempotency map[string]*models.IdempotencyRecord
	members     map[string]map[string]models.Role
	devices     map[string]*models.DeviceState
}

func NewStore() *Store {
	return &Store{
		entities:    make(map[models.EntityKey]*models.Entity),
		conflicts:   make(map[string]*models.Conflict),
		idempotency: make(map[string]*models.IdempotencyRecord),
		members:     make(map[string]map[string]models.Role),
		devices:     make(map[string]*models.DeviceState),
	}
}

// handle is the shared receiver of every repository. Outside a transaction
// undo is nil and each call takes the mutex itself.
type handle struct {
	s    *Store
	undo *[]func()
}

func (h handle) lock() func() {
	if h.undo != nil {
		return func() {}
	}
	h.s.mu.Lock()
	return h.s.mu.Unlock
}

func (h handle) onRollback(f func()) {
	if h.undo != nil {
		*h.undo = append(*h.undo, f)
	}
}

func (s *Store) bind(h handle) repomanager.Repositories {
	return repomanager.Repositories{
		Revisions:   &revisionRepo{h},
		Ledger:      &ledgerRepo{h},
		Conflicts:   &conflictRepo{h},
		Idempotency: &idempotencyRepo{h},
		Memberships: &membershipRepo{h},
		Devices:     &deviceRepo{h},
	}
}

func (s *Store) Repos() repomanager.Repositories {
	return s.bind(handle{s: s})
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, r repomanager.Repositories) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
		if err != nil {
			rollback()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, s.bind(handle{s: s, undo: &undo}))
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}
