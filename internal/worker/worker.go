// Package worker is the entry routine of an isolated unit: it claims one run,
// computes it and persists the terminal outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/backtest/perf"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/marketdata"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

const (
	DefaultPersistAttempts = 3
	DefaultBackoff         = 200 * time.Millisecond
)

// ErrRunMissing means the unit was started for a run the store does not know.
var ErrRunMissing = errors.New("run not found")

type Config struct {
	BuildTag        string
	PersistAttempts int
	Backoff         time.Duration
}

// Routine runs the claim, compute, persist sequence for one run.
type Routine struct {
	runs   repo.RunRepository
	source marketdata.Source
	logger *slog.Logger
	cfg    Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(logger *slog.Logger, runs repo.RunRepository, source marketdata.Source, cfg Config) (*Routine, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if source == nil {
		return nil, errors.New("market data source is required")
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = DefaultPersistAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Routine{
		runs:   runs,
		source: source,
		logger: logger.With("component", "worker"),
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// Run processes runID. A nil error means the run reached a terminal state here
// or another claimant owns it. A KindPersistence error means the outcome could
// not be written.
func (w *Routine) Run(ctx context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	logger := w.logger.With("run_id", runID)

	var run domain.Run
	err := w.persist(ctx, logger, "read run", func(ctx context.Context) error {
		var err error
		run, err = w.runs.Get(ctx, runID)
		return err
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunMissing, runID)
		}
		return err
	}
	if run.Status != domain.StatusPending {
		logger.Info("run already claimed", "status", run.Status)
		return nil
	}

	claimed, err := w.write(ctx, logger, "claim run", run, domain.StatusRunning, domain.Update{At: w.now()})
	if err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			logger.Info("claim lost")
			return nil
		}
		return err
	}
	logger.Info("run claimed")

	result, tags, err := w.compute(ctx, run)
	if err == nil {
		_, err = w.write(ctx, logger, "store result", claimed, domain.StatusSucceeded, domain.Update{
			At:     w.now(),
			Result: result,
			Tags:   tags,
		})
		switch {
		case err == nil:
			logger.Info("run succeeded", "data_fingerprint", tags.DataFingerprint)
			return nil
		case errors.Is(err, repo.ErrStaleState):
			logger.Warn("run left RUNNING before result was stored")
			return nil
		}
	}

	message := domain.UserMessage(err, "computation failed")
	logger.Warn("run failed", "error", err)
	_, ferr := w.write(ctx, logger, "store failure", claimed, domain.StatusFailed, domain.Update{
		At:           w.now(),
		ErrorMessage: message,
		Tags:         tags,
	})
	if ferr != nil && !errors.Is(ferr, repo.ErrStaleState) {
		logger.Error("failure could not be stored", "error", ferr)
		return ferr
	}
	return nil
}

// write moves prev to the next status with retries. When a retry comes back
// stale, an earlier attempt may have committed without acknowledgement, so the
// row is re-read and accepted if it carries exactly this update's timestamp.
func (w *Routine) write(ctx context.Context, logger *slog.Logger, op string, prev domain.Run, to domain.Status, update domain.Update) (domain.Run, error) {
	var (
		out   domain.Run
		tries int
	)
	err := w.persist(ctx, logger, op, func(ctx context.Context) error {
		tries++
		var err error
		out, err = w.runs.Transition(ctx, prev.ID, prev.Status, to, update)
		return err
	})
	if err == nil || tries < 2 || !errors.Is(err, repo.ErrStaleState) {
		return out, err
	}
	current, gerr := w.runs.Get(ctx, prev.ID)
	if gerr != nil || !landed(current, update.Apply(prev, to)) {
		return domain.Run{}, err
	}
	logger.Info("earlier attempt was committed", "op", op, "status", to)
	return current, nil
}

// landed reports whether current is the row an update producing want left.
func landed(current, want domain.Run) bool {
	if current.Status != want.Status {
		return false
	}
	stamp, wantStamp := current.StartedAt, want.StartedAt
	if want.Status.Terminal() {
		stamp, wantStamp = current.CompletedAt, want.CompletedAt
	}
	if stamp == nil || wantStamp == nil {
		return false
	}
	return stamp.Truncate(time.Microsecond).Equal(wantStamp.Truncate(time.Microsecond))
}

// compute decodes the snapshot, loads data and derives the result document.
func (w *Routine) compute(ctx context.Context, run domain.Run) (domain.Payload, domain.ReproducibilityTags, error) {
	tags := domain.ReproducibilityTags{
		ComputationVersion: backtest.ComputationVersion,
		BuildTag:           w.cfg.BuildTag,
	}

	req, err := codec.DecodeRequest(run.Snapshot)
	if err != nil {
		return nil, tags, domain.NewError(domain.KindComputation, "invalid request snapshot", err)
	}

	series, err := w.source.Load(ctx, req.Ticker)
	if err != nil {
		if errors.Is(err, marketdata.ErrNotFound) {
			return nil, tags, domain.NewError(domain.KindComputation, "no market data for "+req.Ticker, err)
		}
		return nil, tags, domain.NewError(domain.KindComputation, "market data unavailable", err)
	}
	tags.DataFingerprint = series.Fingerprint

	outcome, err := simulate(series, req)
	if err != nil {
		return nil, tags, err
	}
	res, err := perf.Derive(run.ID, outcome)
	if err != nil {
		return nil, tags, domain.NewError(domain.KindComputation, "derive metrics", err)
	}
	payload, err := codec.EncodeResult(res)
	if err != nil {
		return nil, tags, domain.NewError(domain.KindComputation, "encode result", err)
	}
	return payload, tags, nil
}

var runEngine = backtest.Run

func simulate(series marketdata.Series, req codec.Request) (out backtest.Outcome, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = domain.NewError(domain.KindComputation, "computation crashed", fmt.Errorf("panic: %v", v))
		}
	}()
	out, err = runEngine(series, req)
	if err != nil {
		msg := "computation failed"
		if errors.Is(err, backtest.ErrNoData) || errors.Is(err, backtest.ErrNotEnoughBars) {
			msg = err.Error()
		}
		return out, domain.NewError(domain.KindComputation, msg, err)
	}
	return out, nil
}

// persist retries fn with exponential backoff. Stale state, missing rows and
// invalid transitions are returned at once.
func (w *Routine) persist(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	delay := w.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= w.cfg.PersistAttempts {
			break
		}
		logger.Warn("store write failed, retrying", "op", op, "attempt", attempt, "error", err)
		if serr := w.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
		delay *= 2
	}
	return domain.NewError(domain.KindPersistence, op+" failed", err)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, repo.ErrStaleState),
		errors.Is(err, repo.ErrNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
