// Package backend opens the run and unit stores selected by DATABASE_URL.
package backend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/backtest-orchestrator/internal/platform/database"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
	"github.com/animus-labs/backtest-orchestrator/internal/repo/memory"
	"github.com/animus-labs/backtest-orchestrator/internal/repo/sqlstore"
)

type Stores struct {
	Driver database.Driver
	Runs   repo.RunRepository
	Units  repo.UnitRepository

	db *sql.DB
}

// Open connects, migrates and returns the stores.
func Open(ctx context.Context, cfg database.Config) (*Stores, error) {
	driver, err := cfg.Driver()
	if err != nil {
		return nil, err
	}
	if driver == database.DriverMemory {
		mem := memory.New()
		return &Stores{Driver: driver, Runs: mem.Runs(), Units: mem.Units()}, nil
	}

	db, driver, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dialect := sqlstore.DialectPostgres
	if driver == database.DriverSQLite {
		dialect = sqlstore.DialectSQLite
	}
	if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return &Stores{
		Driver: driver,
		Runs:   sqlstore.NewRunStore(db, dialect),
		Units:  sqlstore.NewUnitStore(db, dialect),
		db:     db,
	}, nil
}

// Ping backs the readiness probe.
func (s *Stores) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

func (s *Stores) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
