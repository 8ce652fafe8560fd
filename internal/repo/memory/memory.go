// Package memory holds process-local run and unit stores. They satisfy the same
// contracts as the SQL stores and back memory:// deployments and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

type Store struct {
	mu    sync.Mutex
	runs  map[string]domain.Run
	units map[string]repo.Unit
}

func New() *Store {
	return &Store{
		runs:  make(map[string]domain.Run),
		units: make(map[string]repo.Unit),
	}
}

func (s *Store) Runs() *RunStore   { return &RunStore{s: s} }
func (s *Store) Units() *UnitStore { return &UnitStore{s: s} }

type RunStore struct{ s *Store }

func (r *RunStore) Create(ctx context.Context, run domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	if run.Status != domain.StatusPending {
		return domain.ErrInvalidTransition
	}
	id := strings.TrimSpace(run.ID)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.runs[id]; ok {
		return repo.ErrConflict
	}
	run.ID = id
	run.CreatedAt = run.CreatedAt.UTC()
	r.s.runs[id] = cloneRun(run)
	return nil
}

func (r *RunStore) Get(ctx context.Context, runID string) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return cloneRun(run), nil
}

func (r *RunStore) Transition(ctx context.Context, runID string, from, to domain.Status, update domain.Update) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	if err := update.CheckTransition(from, to); err != nil {
		return domain.Run{}, err
	}
	id := strings.TrimSpace(runID)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	if current.Status != from {
		return domain.Run{}, repo.ErrStaleState
	}
	next := update.Apply(current, to)
	r.s.runs[id] = cloneRun(next)
	return cloneRun(next), nil
}

func (r *RunStore) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	out := make([]domain.Run, 0, len(r.s.runs))
	for _, run := range r.s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type UnitStore struct{ s *Store }

func (u *UnitStore) Register(ctx context.Context, unit repo.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(unit.RunID)
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.runs[id]; !ok {
		return repo.ErrNotFound
	}
	if _, ok := u.s.units[id]; ok {
		return repo.ErrConflict
	}
	unit.RunID = id
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}
	unit.CreatedAt = unit.CreatedAt.UTC()
	unit.DeletedAt = nil
	u.s.units[id] = unit
	return nil
}

func (u *UnitStore) Get(ctx context.Context, runID string) (repo.Unit, error) {
	if err := ctx.Err(); err != nil {
		return repo.Unit{}, err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	unit, ok := u.s.units[strings.TrimSpace(runID)]
	if !ok {
		return repo.Unit{}, repo.ErrNotFound
	}
	if unit.DeletedAt != nil {
		at := *unit.DeletedAt
		unit.DeletedAt = &at
	}
	return unit, nil
}

func (u *UnitStore) ListSweepable(ctx context.Context, kind string, failedBefore time.Time, limit int) ([]repo.SweepCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	kind = strings.TrimSpace(kind)
	u.s.mu.Lock()
	out := make([]repo.SweepCandidate, 0)
	for id, unit := range u.s.units {
		if unit.DeletedAt != nil || unit.Launcher != kind {
			continue
		}
		run, ok := u.s.runs[id]
		if !ok || run.CompletedAt == nil {
			continue
		}
		switch run.Status {
		case domain.StatusSucceeded:
		case domain.StatusFailed:
			if run.CompletedAt.After(failedBefore) {
				continue
			}
		default:
			continue
		}
		out = append(out, repo.SweepCandidate{Unit: unit, RunStatus: run.Status, CompletedAt: *run.CompletedAt})
	}
	u.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (u *UnitStore) MarkDeleted(ctx context.Context, runID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(runID)
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	unit, ok := u.s.units[id]
	if !ok || unit.DeletedAt != nil {
		return nil
	}
	at = at.UTC()
	unit.DeletedAt = &at
	u.s.units[id] = unit
	return nil
}

func cloneRun(run domain.Run) domain.Run {
	out := run
	out.Snapshot = run.Snapshot.Clone()
	out.Result = run.Result.Clone()
	if run.StartedAt != nil {
		v := *run.StartedAt
		out.StartedAt = &v
	}
	if run.CompletedAt != nil {
		v := *run.CompletedAt
		out.CompletedAt = &v
	}
	return out
}
