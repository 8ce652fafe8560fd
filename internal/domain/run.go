package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is an opaque serialized document. The store persists it verbatim and
// never looks inside.
type Payload []byte

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}

// ReproducibilityTags bind a result to the data, logic and build that produced it.
type ReproducibilityTags struct {
	DataFingerprint    string `json:"data_fingerprint,omitempty"`
	ComputationVersion string `json:"computation_version,omitempty"`
	BuildTag           string `json:"build_tag,omitempty"`
}

func (t ReproducibilityTags) IsZero() bool {
	return t == ReproducibilityTags{}
}

// Run is one tracked execution of a backtest request.
type Run struct {
	ID           string
	Status       Status
	Snapshot     Payload
	Result       Payload
	ErrorMessage string
	Tags         ReproducibilityTags
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// NewPendingRun builds the initial record written by the request handler.
func NewPendingRun(id string, snapshot Payload, now time.Time) Run {
	return Run{
		ID:        strings.TrimSpace(id),
		Status:    StatusPending,
		Snapshot:  snapshot.Clone(),
		CreatedAt: now.UTC(),
	}
}

func (r Run) Validate() error {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return errors.New("run id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("run id must be a uuid")
	}
	if !r.Status.Valid() {
		return errors.New("status is invalid")
	}
	if len(r.Snapshot) == 0 {
		return errors.New("request snapshot is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created at is required")
	}
	return checkOutcomeFields(r.Status, r.Result, r.ErrorMessage)
}

// Terminal reports whether the run reached SUCCEEDED or FAILED.
func (r Run) Terminal() bool {
	return r.Status.Terminal()
}

// Update carries the fields written together with a transition.
type Update struct {
	At           time.Time
	Result       Payload
	ErrorMessage string
	Tags         ReproducibilityTags
}

// Apply returns a copy of run moved to next with update applied. Timestamps are
// only ever set once and never move backwards.
func (u Update) Apply(run Run, next Status) Run {
	at := u.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	floor := run.CreatedAt
	if run.StartedAt != nil && run.StartedAt.After(floor) {
		floor = *run.StartedAt
	}
	if at.Before(floor) {
		at = floor
	}

	out := run
	out.Status = next
	switch next {
	case StatusRunning:
		if out.StartedAt == nil {
			out.StartedAt = &at
		}
	case StatusSucceeded:
		out.Result = u.Result.Clone()
		out.ErrorMessage = ""
	case StatusFailed:
		out.Result = nil
		out.ErrorMessage = strings.TrimSpace(u.ErrorMessage)
	}
	if next.Terminal() && out.CompletedAt == nil {
		out.CompletedAt = &at
	}
	if !u.Tags.IsZero() {
		out.Tags = mergeTags(out.Tags, u.Tags)
	}
	return out
}

// CheckTransition validates both the edge and the outcome fields for it.
func (u Update) CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return checkOutcomeFields(to, u.Result, u.ErrorMessage)
}

func checkOutcomeFields(status Status, result Payload, errorMessage string) error {
	hasResult := len(result) > 0
	hasError := strings.TrimSpace(errorMessage) != ""
	switch status {
	case StatusSucceeded:
		if !hasResult {
			return errors.New("result is required for SUCCEEDED")
		}
		if hasError {
			return errors.New("error message is not allowed for SUCCEEDED")
		}
	case StatusFailed:
		if !hasError {
			return errors.New("error message is required for FAILED")
		}
		if hasResult {
			return errors.New("result is not allowed for FAILED")
		}
	default:
		if hasResult || hasError {
			return errors.New("result and error message must be empty before a terminal state")
		}
	}
	return nil
}

func mergeTags(base, next ReproducibilityTags) ReproducibilityTags {
	if next.DataFingerprint != "" {
		base.DataFingerprint = next.DataFingerprint
	}
	if next.ComputationVersion != "" {
		base.ComputationVersion = next.ComputationVersion
	}
	if next.BuildTag != "" {
		base.BuildTag = next.BuildTag
	}
	return base
}
