// Package database opens the SQL connection behind DATABASE_URL. Postgres goes
// through the pgx stdlib driver; sqlite:// paths use the pure-Go modernc driver.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/platform/env"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
	DriverMemory   Driver = "memory"
)

const DefaultURL = "sqlite://backtest.db"

type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func ConfigFromEnv() (Config, error) {
	pingTimeout, err := env.Duration("DATABASE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("DATABASE_MAX_OPEN_CONNS", 10)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("DATABASE_MAX_IDLE_CONNS", 5)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := env.Duration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             env.String("DATABASE_URL", DefaultURL),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Driver reports which backend the URL selects.
func (c Config) Driver() (Driver, error) {
	u := strings.TrimSpace(c.URL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return DriverPostgres, nil
	case strings.HasPrefix(u, "sqlite://"):
		if strings.TrimPrefix(u, "sqlite://") == "" {
			return "", errors.New("DATABASE_URL sqlite:// requires a path")
		}
		return DriverSQLite, nil
	case strings.HasPrefix(u, "memory://"):
		return DriverMemory, nil
	case u == "":
		return "", errors.New("DATABASE_URL is required")
	default:
		return "", fmt.Errorf("DATABASE_URL has unsupported scheme: %q", u)
	}
}

func (c Config) Validate() error {
	if _, err := c.Driver(); err != nil {
		return err
	}
	if c.PingTimeout <= 0 {
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be <= DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("DATABASE_CONN_MAX_IDLE_TIME must be >= 0")
	}
	return nil
}

// sqliteDSN turns sqlite://path into a modernc DSN with WAL and foreign keys on.
func sqliteDSN(url string) string {
	path := strings.TrimPrefix(strings.TrimSpace(url), "sqlite://")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Open connects and pings. memory:// has no SQL connection and is rejected here.
func Open(ctx context.Context, cfg Config) (*sql.DB, Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	driver, _ := cfg.Driver()

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.URL)
	case DriverSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(cfg.URL))
	default:
		return nil, driver, fmt.Errorf("driver %s has no SQL connection", driver)
	}
	if err != nil {
		return nil, driver, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, driver, fmt.Errorf("ping: %w", err)
	}

	return db, driver, nil
}
