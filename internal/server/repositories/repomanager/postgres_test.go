package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/conflicts"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/ledger"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memberships"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/revisions"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	var m RepositoryManager = NewPostgresRepositoryManager()

	var _ revisions.Repository = m.Revisions(db)
	var _ ledger.Repository = m.Ledger(db)
	var _ conflicts.Repository = m.Conflicts(db)
	var _ idempotency.Repository = m.Idempotency(db)
	var _ memberships.Repository = m.Memberships(db)
	var _ devices.Repository = m.Devices(db)

	if m.Ledger(db) == nil || m.Revisions(db) == nil {
		t.Fatal("nil repository")
	}
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := NewPostgresRepositoryManager()
	if err := m.RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("RunMigrations error: %v", err)
	}
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := NewPostgresRepositoryManager()
	if err := m.RunMigrations(context.Background(), db); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestPostgresStore_WithTxCommits(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO user_budgets`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewPostgresStore(db, NewPostgresRepositoryManager())
	err := s.WithTx(context.Background(), func(ctx context.Context, r Repositories) error {
		return r.Memberships.Upsert(ctx, "u1", "b1", "admin")
	})
	if err != nil {
		t.Fatalf("WithTx error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_WithTxRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO user_budgets`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	s := NewPostgresStore(db, NewPostgresRepositoryManager())
	sentinel := errors.New("stop")
	err := s.WithTx(context.Background(), func(ctx context.Context, r Repositories) error {
		if err := r.Memberships.Upsert(ctx, "u1", "b1", "admin"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_WithTxSerializationFailure(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO user_budgets`).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	s := NewPostgresStore(db, NewPostgresRepositoryManager())
	err := s.WithTx(context.Background(), func(ctx context.Context, r Repositories) error {
		return r.Memberships.Upsert(ctx, "u1", "b1", "admin")
	})
	if !errors.Is(err, common.ErrRevisionMismatch) {
		t.Fatalf("expected revision mismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectPing()
	s := NewPostgresStore(db, NewPostgresRepositoryManager())
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
}
