package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/conflicts"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/ledger"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memberships"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Revisions(db dbx.DBTX) revisions.Repository
	Ledger(db dbx.DBTX) ledger.Repository
	Conflicts(db dbx.DBTX) conflicts.Repository
	Idempotency(db dbx.DBTX) idempotency.Repository
	Memberships(db dbx.DBTX) memberships.Repository
	Devices(db dbx.DBTX) devices.Repository
}

// Repositories is one set of repositories sharing a handle: either the pool
// or a single transaction.
type Repositories struct {
	Revisions   revisions.Repository
	Ledger      ledger.Repository
	Conflicts   conflicts.Repository
	Idempotency idempotency.Repository
	Memberships memberships.Repository
	Devices     devices.Repository
}

// Store gives the sync core access to repositories, either directly or
// inside a transaction. WithTx commits when fn returns nil and rolls back
// every write made through the passed Repositories otherwise.
type Store interface {
	Repos() Repositories
	WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
	Ping(ctx context.Context) error
	Close() error
}
