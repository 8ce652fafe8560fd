// Package launcher creates, inspects and deletes the isolated unit that runs
// one backtest. Exactly one variant is chosen at startup.
package launcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	KindLocal   = "local"
	KindCluster = "cluster"
)

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseNotFound  Phase = "not_found"
)

type Spec struct {
	RunID string
	// Env is added to the launcher's bootstrap environment. RUN_ID is reserved.
	Env map[string]string
}

type Observation struct {
	Phase      Phase
	Message    string
	FinishedAt *time.Time
}

// Launcher is the unit lifecycle surface. Create returns once the unit has been
// accepted, not when it finishes. Delete treats a missing unit as success.
type Launcher interface {
	Kind() string
	Create(ctx context.Context, spec Spec) error
	Inspect(ctx context.Context, runID string) (Observation, error)
	Delete(ctx context.Context, runID string) error
}

// LaunchError reports that the orchestrator rejected a unit.
type LaunchError struct {
	RunID  string
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return "launch failed: " + e.Reason
	}
	return fmt.Sprintf("launch failed: %s: %v", e.Reason, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// UnitName is the orchestrator-side name of a run's unit.
func UnitName(runID string) string {
	return "backtest-" + strings.ToLower(strings.TrimSpace(runID))
}

// Bootstrap is the environment every unit starts with.
type Bootstrap struct {
	DatabaseURL string
	BuildTag    string
	Extra       map[string]string
}

// environ merges bootstrap, spec env and RUN_ID into sorted KEY=VALUE pairs.
func (b Bootstrap) environ(spec Spec) []string {
	merged := make(map[string]string, len(b.Extra)+len(spec.Env)+3)
	for k, v := range b.Extra {
		merged[k] = v
	}
	for k, v := range spec.Env {
		merged[k] = v
	}
	if b.DatabaseURL != "" {
		merged["DATABASE_URL"] = b.DatabaseURL
	}
	if b.BuildTag != "" {
		merged["BUILD_TAG"] = b.BuildTag
	}
	merged["RUN_ID"] = spec.RunID

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
