package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/backtest-orchestrator/internal/config"
	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/marketdata"
	"github.com/animus-labs/backtest-orchestrator/internal/repo/backend"
	"github.com/animus-labs/backtest-orchestrator/internal/worker"
)

// Exit codes: 0 when the run is terminal or owned by another claimant, 1 when
// the store could not be reached or the outcome was not persisted, 2 when the
// unit was misconfigured.
func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "backtest-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.WorkerFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		return 2
	}
	logger = logger.With("run_id", cfg.RunID, "build_tag", cfg.BuildTag)

	stores, err := backend.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		return 1
	}
	defer func() { _ = stores.Close() }()

	source, err := marketdata.Open(cfg.MarketData)
	if err != nil {
		logger.Error("market data source init failed", "error", err)
		return 2
	}

	routine, err := worker.New(logger, stores.Runs, source, worker.Config{
		BuildTag:        cfg.BuildTag,
		PersistAttempts: cfg.PersistAttempts,
	})
	if err != nil {
		logger.Error("worker init failed", "error", err)
		return 2
	}

	err = routine.Run(ctx, cfg.RunID)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, worker.ErrRunMissing):
		logger.Error("run not found", "error", err)
		return 2
	default:
		kind, _ := domain.KindOf(err)
		logger.Error("run not persisted", "kind", kind, "error", err)
		return 1
	}
}
