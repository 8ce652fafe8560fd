package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/backtest-orchestrator/internal/api"
	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/config"
	"github.com/animus-labs/backtest-orchestrator/internal/launcher"
	"github.com/animus-labs/backtest-orchestrator/internal/marketdata"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/k8s"
	"github.com/animus-labs/backtest-orchestrator/internal/repo/backend"
	"github.com/animus-labs/backtest-orchestrator/internal/service/runs"
	"github.com/animus-labs/backtest-orchestrator/internal/service/status"
	"github.com/animus-labs/backtest-orchestrator/internal/sweeper"
	"github.com/animus-labs/backtest-orchestrator/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.ServerFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		return 2
	}

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

	// The sweeper needs the launcher, and the local launcher reports unit exits
	// to the sweeper.
	var sw *sweeper.Sweeper
	observe := func(runID string) {
		if sw != nil {
			sw.Observe(runID)
		}
	}

	var unitLauncher launcher.Launcher
	switch cfg.Mode {
	case launcher.KindCluster:
		client, err := k8s.NewInCluster(cfg.Cluster.Namespace)
		if err != nil {
			logger.Error("k8s client init failed", "error", err)
			return 2
		}
		cl, err := launcher.NewCluster(logger, client, launcher.ClusterConfig{
			Image:          cfg.Cluster.Image,
			ServiceAccount: cfg.Cluster.ServiceAccount,
			RestartBudget:  int32(cfg.Cluster.BackoffLimit),
			Retention:      cfg.Retention,
			Bootstrap:      cfg.Bootstrap(),
		})
		if err != nil {
			logger.Error("cluster launcher init failed", "error", err)
			return 2
		}
		unitLauncher = cl
	default:
		localCfg := launcher.LocalConfig{
			Command:   cfg.WorkerCommand,
			Bootstrap: cfg.Bootstrap(),
			OnExit:    observe,
		}
		if len(cfg.WorkerCommand) == 0 {
			routine, err := worker.New(logger, stores.Runs, source, worker.Config{
				BuildTag:        cfg.BuildTag,
				PersistAttempts: cfg.PersistAttempts,
			})
			if err != nil {
				logger.Error("worker init failed", "error", err)
				return 2
			}
			localCfg.Run = routine.Run
		}
		local, err := launcher.NewLocal(logger, localCfg)
		if err != nil {
			logger.Error("local launcher init failed", "error", err)
			return 2
		}
		defer local.Close()
		unitLauncher = local
	}

	sw, err = sweeper.New(logger, stores.Runs, stores.Units, unitLauncher, sweeper.Config{
		Retention: cfg.Retention,
		Interval:  cfg.SweepInterval,
	})
	if err != nil {
		logger.Error("sweeper init failed", "error", err)
		return 2
	}

	catalog := backtest.DefaultCatalog()
	submitter, err := runs.New(logger, stores.Runs, stores.Units, unitLauncher, catalog)
	if err != nil {
		logger.Error("submission service init failed", "error", err)
		return 2
	}
	statusSvc, err := status.New(stores.Runs, sw)
	if err != nil {
		logger.Error("status service init failed", "error", err)
		return 2
	}

	checks := []httpserver.ReadinessCheck{{
		Name: string(stores.Driver),
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return stores.Ping(checkCtx)
		},
	}}
	if checker, ok := source.(marketdata.Checker); ok {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "marketdata",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return checker.Check(checkCtx)
			},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(cfg.HTTP.Service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(cfg.HTTP.Service, checks...))
	api.New(logger, submitter, statusSvc, catalog).Register(mux)

	logger.Info("starting",
		"service", cfg.HTTP.Service,
		"mode", cfg.Mode,
		"database", stores.Driver,
		"marketdata", cfg.MarketData.Source,
		"build_tag", cfg.BuildTag,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error { return httpserver.Run(gctx, logger, cfg.HTTP, httpserver.Wrap(logger, mux)) })
	if err := g.Wait(); err != nil {
		logger.Error("server exited", "error", err)
		return 1
	}
	return 0
}
