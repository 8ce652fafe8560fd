package domain

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures crossing a collaborator boundary.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindLaunch      ErrorKind = "launch"
	KindComputation ErrorKind = "computation"
	KindPersistence ErrorKind = "persistence"
)

// Error is a classified failure. Message is safe to persist and show to users;
// Err keeps the full cause for local logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = string(e.Kind) + " failure"
	}
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return "", false
}

// UserMessage returns the concise message for a classified error, or fallback.
func UserMessage(err error, fallback string) string {
	var classified *Error
	if errors.As(err, &classified) && strings.TrimSpace(classified.Message) != "" {
		return strings.TrimSpace(classified.Message)
	}
	return fallback
}
