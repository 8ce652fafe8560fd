package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStaleState = errors.New("stale state")
)

type RunFilter struct {
	Status domain.Status
	Limit  int
}

// RunRepository is the durable table of runs. Every mutation is a conditional
// update keyed by (run id, expected status).
type RunRepository interface {
	Create(ctx context.Context, run domain.Run) error
	Get(ctx context.Context, runID string) (domain.Run, error)
	Transition(ctx context.Context, runID string, from, to domain.Status, update domain.Update) (domain.Run, error)
	List(ctx context.Context, filter RunFilter) ([]domain.Run, error)
}

// Unit is the registration of one isolated worker unit.
type Unit struct {
	RunID     string
	Launcher  string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// SweepCandidate is a live unit whose run reached a terminal state.
type SweepCandidate struct {
	Unit        Unit
	RunStatus   domain.Status
	CompletedAt time.Time
}

// UnitRepository tracks isolated units so the sweeper can delete them.
type UnitRepository interface {
	Register(ctx context.Context, unit Unit) error
	Get(ctx context.Context, runID string) (Unit, error)
	// ListSweepable returns live units of terminal runs registered by the
	// launcher kind: SUCCEEDED runs regardless of age, FAILED runs completed at
	// or before failedBefore.
	ListSweepable(ctx context.Context, kind string, failedBefore time.Time, limit int) ([]SweepCandidate, error)
	MarkDeleted(ctx context.Context, runID string, at time.Time) error
}
