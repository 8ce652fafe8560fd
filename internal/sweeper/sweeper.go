// Package sweeper deletes isolated units once their runs are terminal:
// SUCCEEDED units as soon as the outcome is observed, FAILED units after the
// retention window.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/launcher"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

const (
	DefaultRetention   = 24 * time.Hour
	DefaultInterval    = time.Minute
	DefaultBatch       = 100
	DefaultConcurrency = 4
	observeBuffer      = 256
)

type Config struct {
	Retention   time.Duration
	Interval    time.Duration
	Batch       int
	Concurrency int
}

type Sweeper struct {
	runs     repo.RunRepository
	units    repo.UnitRepository
	launcher launcher.Launcher
	logger   *slog.Logger
	cfg      Config

	now      func() time.Time
	observed chan string
}

func New(logger *slog.Logger, runs repo.RunRepository, units repo.UnitRepository, l launcher.Launcher, cfg Config) (*Sweeper, error) {
	if runs == nil || units == nil {
		return nil, errors.New("run and unit stores are required")
	}
	if l == nil {
		return nil, errors.New("launcher is required")
	}
	if cfg.Retention < 0 {
		return nil, errors.New("retention must be >= 0")
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		runs:     runs,
		units:    units,
		launcher: l,
		logger:   logger.With("component", "sweeper"),
		cfg:      cfg,
		now:      time.Now,
		observed: make(chan string, observeBuffer),
	}, nil
}

// Observe queues runID for an immediate deletion check. It never blocks; a
// dropped observation is picked up by the next sweep.
func (s *Sweeper) Observe(runID string) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return
	}
	select {
	case s.observed <- runID:
	default:
	}
}

// Run sweeps on every tick and handles observations until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		case runID := <-s.observed:
			if err := s.reapSucceeded(ctx, runID); err != nil {
				s.log("observed delete failed", "run_id", runID, "error", err)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.log("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("units deleted", "count", n)
	}
}

// SweepOnce deletes one batch of eligible units and returns how many were
// deleted. Per-unit failures are logged and retried on the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	candidates, err := s.units.ListSweepable(ctx, s.launcher.Kind(), now.Add(-s.cfg.Retention), s.cfg.Batch)
	if err != nil {
		return 0, err
	}

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			if err := s.remove(gctx, c.Unit.RunID); err != nil {
				s.log("unit delete failed", "run_id", c.Unit.RunID, "run_status", c.RunStatus, "error", err)
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(deleted.Load()), ctx.Err()
}

// reapSucceeded deletes the unit of runID if the run is SUCCEEDED and the unit
// is still live and owned by this launcher.
func (s *Sweeper) reapSucceeded(ctx context.Context, runID string) error {
	unit, err := s.units.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if unit.DeletedAt != nil || unit.Launcher != s.launcher.Kind() {
		return nil
	}
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.Status != domain.StatusSucceeded {
		return nil
	}
	return s.remove(ctx, runID)
}

func (s *Sweeper) remove(ctx context.Context, runID string) error {
	if err := s.launcher.Delete(ctx, runID); err != nil {
		return err
	}
	if err := s.units.MarkDeleted(ctx, runID, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Debug("unit deleted", "run_id", runID, "unit", launcher.UnitName(runID))
	return nil
}

func (s *Sweeper) log(msg string, args ...any) {
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	s.logger.Warn(msg, args...)
}
