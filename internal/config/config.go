// Package config reads the orchestrator and worker settings from the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/backtest-orchestrator/internal/launcher"
	"github.com/animus-labs/backtest-orchestrator/internal/marketdata"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/database"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/env"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/backtest-orchestrator/internal/sweeper"
	"github.com/animus-labs/backtest-orchestrator/internal/worker"
)

const (
	ServiceName     = "backtestd"
	defaultBuildTag = "dev"
)

type Cluster struct {
	Namespace      string
	Image          string
	ServiceAccount string
	BackoffLimit   int
}

type Server struct {
	HTTP       httpserver.Config
	Database   database.Config
	MarketData marketdata.Config

	Mode          string
	Retention     time.Duration
	SweepInterval time.Duration
	WorkerCommand []string
	Cluster       Cluster

	PersistAttempts int
	BuildTag        string
}

func ServerFromEnv() (Server, error) {
	db, err := database.ConfigFromEnv()
	if err != nil {
		return Server{}, err
	}
	md, err := marketdata.ConfigFromEnv()
	if err != nil {
		return Server{}, err
	}
	mode, err := env.OneOf("BACKTEST_EXECUTION_MODE", launcher.KindLocal, launcher.KindLocal, launcher.KindCluster)
	if err != nil {
		return Server{}, err
	}
	shutdown, err := env.Duration("BACKTEST_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Server{}, err
	}
	retention, err := env.Duration("BACKTEST_FAILED_RETENTION", sweeper.DefaultRetention)
	if err != nil {
		return Server{}, err
	}
	interval, err := env.Duration("BACKTEST_SWEEP_INTERVAL", sweeper.DefaultInterval)
	if err != nil {
		return Server{}, err
	}
	backoff, err := env.Int("BACKTEST_WORKER_BACKOFF_LIMIT", 2)
	if err != nil {
		return Server{}, err
	}
	attempts, err := env.Int("BACKTEST_PERSIST_ATTEMPTS", worker.DefaultPersistAttempts)
	if err != nil {
		return Server{}, err
	}

	cfg := Server{
		HTTP: httpserver.Config{
			Service:         ServiceName,
			Addr:            env.String("BACKTEST_HTTP_ADDR", ":8080"),
			ShutdownTimeout: shutdown,
		},
		Database:      db,
		MarketData:    md,
		Mode:          mode,
		Retention:     retention,
		SweepInterval: interval,
		WorkerCommand: strings.Fields(env.String("BACKTEST_WORKER_COMMAND", "")),
		Cluster: Cluster{
			Namespace:      env.String("BACKTEST_K8S_NAMESPACE", ""),
			Image:          env.String("BACKTEST_WORKER_IMAGE", ""),
			ServiceAccount: env.String("BACKTEST_K8S_SERVICE_ACCOUNT", ""),
			BackoffLimit:   backoff,
		},
		PersistAttempts: attempts,
		BuildTag:        env.String("BUILD_TAG", defaultBuildTag),
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work together. An in-memory store is
// only visible to goroutine workers in the same process, and a SQLite file is
// not reachable from cluster pods.
func (c Server) Validate() error {
	driver, err := c.Database.Driver()
	if err != nil {
		return err
	}
	if c.Retention <= 0 {
		return errors.New("BACKTEST_FAILED_RETENTION must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("BACKTEST_SWEEP_INTERVAL must be > 0")
	}
	if c.PersistAttempts < 1 {
		return errors.New("BACKTEST_PERSIST_ATTEMPTS must be >= 1")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("BACKTEST_HTTP_ADDR is required")
	}

	switch c.Mode {
	case launcher.KindLocal:
		if driver == database.DriverMemory && len(c.WorkerCommand) > 0 {
			return errors.New("memory:// DATABASE_URL cannot be shared with a BACKTEST_WORKER_COMMAND process")
		}
	case launcher.KindCluster:
		if driver != database.DriverPostgres {
			return fmt.Errorf("cluster mode needs a postgres DATABASE_URL, got %s", driver)
		}
		if strings.TrimSpace(c.Cluster.Image) == "" {
			return errors.New("BACKTEST_WORKER_IMAGE is required in cluster mode")
		}
		if c.Cluster.BackoffLimit < 0 {
			return errors.New("BACKTEST_WORKER_BACKOFF_LIMIT must be >= 0")
		}
	default:
		return fmt.Errorf("unknown execution mode %q", c.Mode)
	}
	return nil
}

// Bootstrap is the environment handed to every worker unit.
func (c Server) Bootstrap() launcher.Bootstrap {
	return launcher.Bootstrap{
		DatabaseURL: c.Database.URL,
		BuildTag:    c.BuildTag,
		Extra:       c.MarketData.Env(),
	}
}

type Worker struct {
	RunID           string
	Database        database.Config
	MarketData      marketdata.Config
	PersistAttempts int
	BuildTag        string
}

func WorkerFromEnv() (Worker, error) {
	runID := strings.TrimSpace(env.String("RUN_ID", ""))
	if runID == "" {
		return Worker{}, errors.New("RUN_ID is required")
	}
	if _, err := uuid.Parse(runID); err != nil {
		return Worker{}, fmt.Errorf("RUN_ID must be a uuid: %w", err)
	}
	db, err := database.ConfigFromEnv()
	if err != nil {
		return Worker{}, err
	}
	if driver, _ := db.Driver(); driver == database.DriverMemory {
		return Worker{}, errors.New("memory:// DATABASE_URL is not reachable from a worker process")
	}
	md, err := marketdata.ConfigFromEnv()
	if err != nil {
		return Worker{}, err
	}
	attempts, err := env.Int("BACKTEST_PERSIST_ATTEMPTS", worker.DefaultPersistAttempts)
	if err != nil {
		return Worker{}, err
	}
	if attempts < 1 {
		return Worker{}, errors.New("BACKTEST_PERSIST_ATTEMPTS must be >= 1")
	}
	return Worker{
		RunID:           strings.ToLower(runID),
		Database:        db,
		MarketData:      md,
		PersistAttempts: attempts,
		BuildTag:        env.String("BUILD_TAG", defaultBuildTag),
	}, nil
}
