package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// RunFunc runs the worker routine for one run inside this process.
type RunFunc func(ctx context.Context, runID string) error

type LocalConfig struct {
	// Command, when set, starts each unit as a child process. Otherwise Run is
	// called on its own goroutine.
	Command   []string
	Run       RunFunc
	Bootstrap Bootstrap
	// OnExit is called after a unit finishes, whatever the outcome.
	OnExit func(runID string)
}

type localUnit struct {
	phase      Phase
	message    string
	finishedAt *time.Time
	cancel     context.CancelFunc
}

// Local runs units on this host and keeps their state in memory.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger
	base   context.Context
	stop   context.CancelFunc

	mu    sync.Mutex
	units map[string]*localUnit
	wg    sync.WaitGroup
}

func NewLocal(logger *slog.Logger, cfg LocalConfig) (*Local, error) {
	if len(cfg.Command) == 0 && cfg.Run == nil {
		return nil, errors.New("local launcher needs a worker command or an in-process run func")
	}
	if len(cfg.Command) > 0 && strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("worker command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Local{
		cfg:    cfg,
		logger: logger.With("component", "local_launcher"),
		base:   base,
		stop:   stop,
		units:  make(map[string]*localUnit),
	}, nil
}

func (l *Local) Kind() string {
	return KindLocal
}

func (l *Local) Create(ctx context.Context, spec Spec) error {
	runID := strings.TrimSpace(spec.RunID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := ctx.Err(); err != nil {
		return &LaunchError{RunID: runID, Reason: "request cancelled", Err: err}
	}

	l.mu.Lock()
	if _, exists := l.units[runID]; exists {
		l.mu.Unlock()
		return nil
	}
	unitCtx, cancel := context.WithCancel(l.base)
	unit := &localUnit{phase: PhasePending, cancel: cancel}
	l.units[runID] = unit
	l.mu.Unlock()

	start := l.startGoroutine
	if len(l.cfg.Command) > 0 {
		start = l.startProcess
	}
	if err := start(unitCtx, runID, spec); err != nil {
		cancel()
		l.mu.Lock()
		delete(l.units, runID)
		l.mu.Unlock()
		return &LaunchError{RunID: runID, Reason: "start worker", Err: err}
	}
	return nil
}

func (l *Local) startGoroutine(ctx context.Context, runID string, _ Spec) error {
	l.setPhase(runID, PhaseRunning, "")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = fmt.Errorf("worker panic: %v", v)
				}
			}()
			return l.cfg.Run(ctx, runID)
		}()
		l.finish(runID, err)
	}()
	return nil
}

func (l *Local) startProcess(ctx context.Context, runID string, spec Spec) error {
	cmd := exec.CommandContext(ctx, l.cfg.Command[0], l.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), l.cfg.Bootstrap.environ(spec)...)
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &limitedWriter{buf: &stderr, max: 4 << 10}
	if err := cmd.Start(); err != nil {
		return err
	}
	l.setPhase(runID, PhaseRunning, "")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, lastLine(msg))
			}
		}
		l.finish(runID, err)
	}()
	return nil
}

func (l *Local) setPhase(runID string, phase Phase, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.units[runID]; ok {
		u.phase = phase
		u.message = message
	}
}

func (l *Local) finish(runID string, err error) {
	now := time.Now().UTC()
	phase, message := PhaseSucceeded, ""
	if err != nil {
		phase, message = PhaseFailed, err.Error()
		l.logger.Warn("unit exited with error", "run_id", runID, "error", err)
	} else {
		l.logger.Info("unit exited", "run_id", runID)
	}
	l.mu.Lock()
	if u, ok := l.units[runID]; ok {
		u.phase = phase
		u.message = message
		u.finishedAt = &now
	}
	l.mu.Unlock()
	if l.cfg.OnExit != nil {
		l.cfg.OnExit(runID)
	}
}

func (l *Local) Inspect(ctx context.Context, runID string) (Observation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.units[strings.TrimSpace(runID)]
	if !ok {
		return Observation{Phase: PhaseNotFound}, nil
	}
	obs := Observation{Phase: u.phase, Message: u.message}
	if u.finishedAt != nil {
		t := *u.finishedAt
		obs.FinishedAt = &t
	}
	return obs, nil
}

// Delete forgets the unit and stops it if it is still running.
func (l *Local) Delete(ctx context.Context, runID string) error {
	l.mu.Lock()
	u, ok := l.units[strings.TrimSpace(runID)]
	if ok {
		delete(l.units, strings.TrimSpace(runID))
	}
	l.mu.Unlock()
	if ok {
		u.cancel()
	}
	return nil
}

// Close stops every unit and waits for them to exit.
func (l *Local) Close() {
	l.stop()
	l.wg.Wait()
}

// Wait blocks until every started unit has exited.
func (l *Local) Wait() {
	l.wg.Wait()
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
