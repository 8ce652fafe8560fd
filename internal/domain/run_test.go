package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const testRunID = "6f1c1d4e-8a4b-4b5e-9d2a-3f0c2b1a9e77"

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusSucceeded}: true,
		{StatusRunning, StatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s)=%v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusSucceeded, StatusFailed} {
		for _, to := range []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed} {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not move to %s", from, to)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{in: "PENDING", want: StatusPending, ok: true},
		{in: " running ", want: StatusRunning, ok: true},
		{in: "succeeded", want: StatusSucceeded, ok: true},
		{in: "Failed", want: StatusFailed, ok: true},
		{in: "completed", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseStatus(%q)=(%q,%v), want (%q,%v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestUpdateCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		update  Update
		wantErr bool
	}{
		{name: "claim", from: StatusPending, to: StatusRunning},
		{name: "claim with result", from: StatusPending, to: StatusRunning, update: Update{Result: Payload(`{}`)}, wantErr: true},
		{name: "succeed", from: StatusRunning, to: StatusSucceeded, update: Update{Result: Payload(`{}`)}},
		{name: "succeed without result", from: StatusRunning, to: StatusSucceeded, wantErr: true},
		{name: "succeed with error", from: StatusRunning, to: StatusSucceeded, update: Update{Result: Payload(`{}`), ErrorMessage: "x"}, wantErr: true},
		{name: "fail", from: StatusRunning, to: StatusFailed, update: Update{ErrorMessage: "boom"}},
		{name: "fail without message", from: StatusRunning, to: StatusFailed, wantErr: true},
		{name: "fail with result", from: StatusPending, to: StatusFailed, update: Update{ErrorMessage: "x", Result: Payload(`{}`)}, wantErr: true},
		{name: "revert", from: StatusSucceeded, to: StatusRunning, wantErr: true},
	}
	for _, tt := range tests {
		err := tt.update.CheckTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: CheckTransition err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
	if err := (Update{}).CheckTransition(StatusFailed, StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateApplyTimestamps(t *testing.T) {
	created := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	run := NewPendingRun(testRunID, Payload(`{"ticker":"AAPL"}`), created)

	started := created.Add(time.Minute)
	run = Update{At: started}.Apply(run, StatusRunning)
	if run.StartedAt == nil || !run.StartedAt.Equal(started) {
		t.Fatalf("expected started_at %v, got %v", started, run.StartedAt)
	}
	if run.CompletedAt != nil {
		t.Fatalf("completed_at must be empty while running")
	}

	// A clock that went backwards must not produce a completed_at before started_at.
	run = Update{At: created.Add(-time.Hour), Result: Payload(`{"ok":true}`)}.Apply(run, StatusSucceeded)
	if run.CompletedAt == nil || run.CompletedAt.Before(*run.StartedAt) {
		t.Fatalf("completed_at must not precede started_at: %v < %v", run.CompletedAt, run.StartedAt)
	}
	if run.ErrorMessage != "" || string(run.Result) != `{"ok":true}` {
		t.Fatalf("unexpected outcome fields: %q %q", run.ErrorMessage, run.Result)
	}
}

func TestUpdateApplyDirectFailureKeepsStartedEmpty(t *testing.T) {
	created := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	run := NewPendingRun(testRunID, Payload(`{}`), created)
	run = Update{At: created.Add(time.Second), ErrorMessage: " launch failed "}.Apply(run, StatusFailed)
	if run.StartedAt != nil {
		t.Fatalf("started_at must stay empty for PENDING -> FAILED")
	}
	if run.ErrorMessage != "launch failed" {
		t.Fatalf("error message=%q", run.ErrorMessage)
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestRunValidate(t *testing.T) {
	now := time.Now()
	if err := NewPendingRun("not-a-uuid", Payload(`{}`), now).Validate(); err == nil {
		t.Fatalf("expected uuid validation error")
	}
	if err := NewPendingRun(testRunID, nil, now).Validate(); err == nil {
		t.Fatalf("expected snapshot validation error")
	}
	bad := NewPendingRun(testRunID, Payload(`{}`), now)
	bad.ErrorMessage = "early"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error message to be rejected for PENDING")
	}
}

func TestPayloadCloneIsIndependent(t *testing.T) {
	src := Payload(`{"a":1}`)
	run := NewPendingRun(testRunID, src, time.Now())
	src[2] = 'b'
	if string(run.Snapshot) != `{"a":1}` {
		t.Fatalf("snapshot aliased caller buffer: %s", run.Snapshot)
	}
}

func TestErrorKind(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("finish run: %w", NewError(KindPersistence, "store unavailable", cause))
	kind, ok := KindOf(err)
	if !ok || kind != KindPersistence {
		t.Fatalf("KindOf()=(%q,%v)", kind, ok)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := UserMessage(err, "fallback"); got != "store unavailable" {
		t.Fatalf("UserMessage()=%q", got)
	}
	if got := UserMessage(cause, "fallback"); got != "fallback" {
		t.Fatalf("UserMessage()=%q", got)
	}
}
