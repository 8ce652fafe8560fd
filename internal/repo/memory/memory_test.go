package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
)

const testRunID = "6f1c1d4e-8a4b-4b5e-9d2a-3f0c2b1a9e77"

var (
	_ repo.RunRepository  = (*RunStore)(nil)
	_ repo.UnitRepository = (*UnitStore)(nil)
)

func TestRunStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	runs := New().Runs()
	if err := runs.Create(ctx, domain.NewPendingRun(testRunID, domain.Payload(`{"a":1}`), time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := runs.Get(ctx, testRunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Snapshot[0] = 'X'

	again, err := runs.Get(ctx, testRunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(again.Snapshot) != `{"a":1}` {
		t.Fatalf("stored snapshot mutated: %s", again.Snapshot)
	}
}

func TestRunStoreTransitionErrors(t *testing.T) {
	ctx := context.Background()
	runs := New().Runs()
	if _, err := runs.Transition(ctx, testRunID, domain.StatusPending, domain.StatusRunning, domain.Update{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if err := runs.Create(ctx, domain.NewPendingRun(testRunID, domain.Payload(`{}`), time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := runs.Create(ctx, domain.NewPendingRun(testRunID, domain.Payload(`{}`), time.Now())); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
	if _, err := runs.Transition(ctx, testRunID, domain.StatusPending, domain.StatusRunning, domain.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := runs.Transition(ctx, testRunID, domain.StatusPending, domain.StatusRunning, domain.Update{}); !errors.Is(err, repo.ErrStaleState) {
		t.Fatalf("second claim err=%v, want ErrStaleState", err)
	}
	if _, err := runs.Transition(ctx, testRunID, domain.StatusRunning, domain.StatusPending, domain.Update{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("backward err=%v, want ErrInvalidTransition", err)
	}
}

func TestUnitStoreRetention(t *testing.T) {
	ctx := context.Background()
	store := New()
	runs, units := store.Runs(), store.Units()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := units.Register(ctx, repo.Unit{RunID: testRunID, Launcher: "local", Name: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("register without run err=%v", err)
	}
	if err := runs.Create(ctx, domain.NewPendingRun(testRunID, domain.Payload(`{}`), base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := units.Register(ctx, repo.Unit{RunID: testRunID, Launcher: "local", Name: "x", CreatedAt: base}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := runs.Transition(ctx, testRunID, domain.StatusPending, domain.StatusFailed, domain.Update{At: base, ErrorMessage: "boom"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if got, _ := units.ListSweepable(ctx, "local", base.Add(-time.Second), 10); len(got) != 0 {
		t.Fatalf("failed unit swept inside retention: %+v", got)
	}
	if got, _ := units.ListSweepable(ctx, "cluster", base, 10); len(got) != 0 {
		t.Fatalf("unit of another launcher listed: %+v", got)
	}
	got, _ := units.ListSweepable(ctx, "local", base, 10)
	if len(got) != 1 || got[0].RunStatus != domain.StatusFailed {
		t.Fatalf("failed unit not swept after retention: %+v", got)
	}
	if err := units.MarkDeleted(ctx, testRunID, base); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if got, _ := units.ListSweepable(ctx, "local", base.Add(time.Hour), 10); len(got) != 0 {
		t.Fatalf("deleted unit listed: %+v", got)
	}
	unit, err := units.Get(ctx, testRunID)
	if err != nil || unit.DeletedAt == nil || !unit.DeletedAt.Equal(base) {
		t.Fatalf("Get after MarkDeleted: %+v %v", unit, err)
	}
	if _, err := units.Get(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Get missing err=%v", err)
	}
}
