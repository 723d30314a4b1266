// Package store wires the PostgreSQL connection, migrations, and the
// per-transaction repository set used by the sync service.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/server/migrations"
	"github.com/tripmark/tripsync/internal/server/repositories/ops"
	"github.com/tripmark/tripsync/internal/server/repositories/places"
	"github.com/tripmark/tripsync/internal/server/repositories/users"
)

// Repos bundles the repositories bound to one transaction.
type Repos struct {
	Places places.Repository
	Users  users.Repository
	Ops    ops.Repository
}

// TxRunner runs a function against a transactional repository set. The sync
// service depends on this rather than on *sql.DB so tests can substitute
// in-memory fakes.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}

// Postgres is the production TxRunner.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL via the pgx stdlib driver and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("goose dialect error: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &Postgres{db: db}, nil
}

// InTx runs fn inside one transaction with repositories bound to it.
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, Repos{
			Places: places.NewPostgresRepository(tx),
			Users:  users.NewPostgresRepository(tx),
			Ops:    ops.NewPostgresRepository(tx),
		})
	})
}

func (s *Postgres) Close() error {
	return s.db.Close()
}
