// Package runs accepts backtest requests: it validates them, records a PENDING
// run and asks the launcher for an isolated unit.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/backtest-orchestrator/internal/codec"
	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/launcher"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

const (
	failAttempts = 3
	failBackoff  = 100 * time.Millisecond
)

type Service struct {
	runs     repo.RunRepository
	units    repo.UnitRepository
	launcher launcher.Launcher
	rules    codec.RuleChecker
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

func New(logger *slog.Logger, runs repo.RunRepository, units repo.UnitRepository, l launcher.Launcher, rules codec.RuleChecker) (*Service, error) {
	if runs == nil || units == nil {
		return nil, errors.New("run and unit stores are required")
	}
	if l == nil {
		return nil, errors.New("launcher is required")
	}
	if rules == nil {
		return nil, errors.New("rule catalog is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runs:     runs,
		units:    units,
		launcher: l,
		rules:    rules,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		sleep:    sleepContext,
	}, nil
}

// Submit validates req and starts its run. Validation failures carry a
// *codec.ValidationError and leave no record. On a launch failure the returned
// run is FAILED and the error is of kind launch.
func (s *Service) Submit(ctx context.Context, req codec.Request) (domain.Run, error) {
	req = req.Normalize()

	issues := &codec.ValidationError{}
	runID := s.newID()
	if req.RunID != "" {
		parsed, err := uuid.Parse(req.RunID)
		if err != nil {
			issues.Add("run_id must be a uuid")
		} else {
			runID = parsed.String()
		}
	}
	var verr *codec.ValidationError
	if err := codec.Validate(req, s.rules); errors.As(err, &verr) {
		issues.Issues = append(issues.Issues, verr.Issues...)
	}
	if err := issues.OrNil(); err != nil {
		return domain.Run{}, domain.NewError(domain.KindValidation, "validation failed", err)
	}

	req.RunID = runID
	if req.RuleID == "" {
		req.RuleID = codec.DefaultRuleID(req.RuleType, runID)
	}
	snapshot, err := codec.EncodeRequest(req)
	if err != nil {
		return domain.Run{}, err
	}

	now := s.now().UTC()
	run := domain.NewPendingRun(runID, snapshot, now)
	if err := s.runs.Create(ctx, run); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Run{}, fmt.Errorf("run %s: %w", runID, err)
		}
		return domain.Run{}, domain.NewError(domain.KindPersistence, "store run", err)
	}
	logger := s.logger.With("run_id", runID)

	unit := repo.Unit{RunID: runID, Launcher: s.launcher.Kind(), Name: launcher.UnitName(runID), CreatedAt: now}
	if err := s.units.Register(ctx, unit); err != nil {
		return s.failLaunch(ctx, logger, run, &launcher.LaunchError{RunID: runID, Reason: "register unit", Err: err})
	}
	if err := s.launcher.Create(ctx, launcher.Spec{RunID: runID}); err != nil {
		return s.failLaunch(ctx, logger, run, err)
	}
	logger.Info("run submitted", "ticker", req.Ticker, "rule_type", req.RuleType, "launcher", s.launcher.Kind())
	return run, nil
}

func (s *Service) failLaunch(ctx context.Context, logger *slog.Logger, run domain.Run, cause error) (domain.Run, error) {
	message := strings.TrimSpace(cause.Error())
	var le *launcher.LaunchError
	if !errors.As(cause, &le) {
		message = "launch failed: " + message
	}
	logger.Error("launch failed", "error", cause)

	update := domain.Update{At: s.now(), ErrorMessage: message}
	var (
		failed domain.Run
		err    error
	)
	delay := failBackoff
	for attempt := 1; ; attempt++ {
		failed, err = s.runs.Transition(ctx, run.ID, domain.StatusPending, domain.StatusFailed, update)
		if err == nil || errors.Is(err, repo.ErrStaleState) || errors.Is(err, repo.ErrNotFound) || attempt >= failAttempts {
			break
		}
		logger.Warn("recording launch failure, retrying", "attempt", attempt, "error", err)
		if serr := s.sleep(ctx, delay); serr != nil {
			break
		}
		delay *= 2
	}
	if err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			current, gerr := s.runs.Get(ctx, run.ID)
			switch {
			case gerr != nil:
			case current.Status == domain.StatusFailed && current.StartedAt == nil:
				// Only this path moves PENDING to FAILED; an earlier attempt committed.
				return current, domain.NewError(domain.KindLaunch, "unit launch rejected", cause)
			default:
				// The unit was created after all and a worker claimed the run.
				return current, nil
			}
		}
		logger.Error("could not record launch failure", "error", err)
		failed = run
	}
	return failed, domain.NewError(domain.KindLaunch, "unit launch rejected", cause)
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
