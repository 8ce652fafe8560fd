// Package status answers run status queries from the run store alone.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Observer is told about runs read in the SUCCEEDED state. It must not block.
type Observer interface {
	Observe(runID string)
}

// View is the caller-facing projection of a run.
type View struct {
	RunID        string                     `json:"run_id"`
	Status       domain.Status              `json:"status"`
	Request      json.RawMessage            `json:"request,omitempty"`
	Result       json.RawMessage            `json:"result,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	StartedAt    *time.Time                 `json:"started_at"`
	CompletedAt  *time.Time                 `json:"completed_at"`
	Tags         domain.ReproducibilityTags `json:"reproducibility_tags"`
}

type Service struct {
	runs     repo.RunRepository
	observer Observer
}

// New builds the service. observer may be nil.
func New(runs repo.RunRepository, observer Observer) (*Service, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	return &Service{runs: runs, observer: observer}, nil
}

// Get returns the view of runID, or repo.ErrNotFound.
func (s *Service) Get(ctx context.Context, runID string) (View, error) {
	run, err := s.runs.Get(ctx, strings.TrimSpace(runID))
	if err != nil {
		return View{}, err
	}
	if run.Status == domain.StatusSucceeded && s.observer != nil {
		s.observer.Observe(run.ID)
	}
	return viewOf(run, true), nil
}

// List returns the newest runs, optionally filtered by status. Results are
// omitted from list views.
func (s *Service) List(ctx context.Context, status domain.Status, limit int) ([]View, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	runs, err := s.runs.List(ctx, repo.RunFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(runs))
	for _, run := range runs {
		out = append(out, viewOf(run, false))
	}
	return out, nil
}

func viewOf(run domain.Run, full bool) View {
	v := View{
		RunID:        run.ID,
		Status:       run.Status,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Tags:         run.Tags,
	}
	if full {
		if len(run.Snapshot) > 0 {
			v.Request = json.RawMessage(run.Snapshot.Clone())
		}
		if len(run.Result) > 0 {
			v.Result = json.RawMessage(run.Result.Clone())
		}
	}
	return v
}
