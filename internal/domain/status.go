package domain

import (
	"errors"
	"strings"
)

// Status is the persisted state of a run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// ErrInvalidTransition is returned for edges outside the state machine.
var ErrInvalidTransition = errors.New("invalid run status transition")

// ParseStatus maps free-form status values to canonical run statuses.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, true
	case StatusRunning:
		return StatusRunning, true
	case StatusSucceeded:
		return StatusSucceeded, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransition enforces the forward-only edges:
//
//	PENDING -> RUNNING -> SUCCEEDED | FAILED
//	PENDING -> FAILED
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}
