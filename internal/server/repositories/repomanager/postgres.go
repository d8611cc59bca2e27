// Package repomanager wires repository constructors together for PostgreSQL,
// runs the embedded goose migrations and exposes a transactional Store over
// the resulting repositories.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/migrations"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/conflicts"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/ledger"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memberships"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

func (m *PostgresRepositoryManager) Revisions(db dbx.DBTX) revisions.Repository {
	return revisions.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Ledger(db dbx.DBTX) ledger.Repository {
	return ledger.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Conflicts(db dbx.DBTX) conflicts.Repository {
	return conflicts.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Idempotency(db dbx.DBTX) idempotency.Repository {
	return idempotency.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Memberships(db dbx.DBTX) memberships.Repository {
	return memberships.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Devices(db dbx.DBTX) devices.Repository {
	return devices.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

// PostgresStore is a Store over a *sql.DB.
type PostgresStore struct {
	db *sql.DB
	m  RepositoryManager
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, m RepositoryManager) *PostgresStore {
	return &PostgresStore{db: db, m: m}
}

func (s *PostgresStore) bind(db dbx.DBTX) Repositories {
	return Repositories{
		Revisions:   s.m.Revisions(db),
		Ledger:      s.m.Ledger(db),
		Conflicts:   s.m.Conflicts(db),
		Idempotency: s.m.Idempotency(db),
		Memberships: s.m.Memberships(db),
		Devices:     s.m.Devices(db),
	}
}

func (s *PostgresStore) Repos() Repositories {
	return s.bind(s.db)
}

// WithTx reports a serialization failure or deadlock as
// common.ErrRevisionMismatch: the transaction lost a race with another
// writer and the caller re-reads before trying again.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, s.bind(tx))
	})
	if dbx.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", common.ErrRevisionMismatch, err)
	}
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
