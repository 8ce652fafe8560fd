package runs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/launcher"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/k8s"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
	"github.com/animus-labs/backtest-orchestrator/internal/repo/memory"
)

const fixedID = "6f1c1d4e-8a4b-4b5e-9d2a-3f0c2b1a9e77"

type fakeLauncher struct {
	created []string
	err     error
}

func (f *fakeLauncher) Kind() string { return launcher.KindCluster }

func (f *fakeLauncher) Create(ctx context.Context, spec launcher.Spec) error {
	f.created = append(f.created, spec.RunID)
	return f.err
}

func (f *fakeLauncher) Inspect(ctx context.Context, runID string) (launcher.Observation, error) {
	return launcher.Observation{Phase: launcher.PhasePending}, nil
}

func (f *fakeLauncher) Delete(ctx context.Context, runID string) error { return nil }

func newService(t *testing.T, l *fakeLauncher) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := New(nil, store.Runs(), store.Units(), l, backtest.DefaultCatalog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.newID = func() string { return fixedID }
	svc.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc, store
}

func validRequest() codec.Request {
	req := codec.NewRequest()
	req.Ticker = "aapl"
	req.RuleType = "rsi"
	req.Params = map[string]float64{"period": 14}
	req.StartDate = "2020-01-01"
	req.EndDate = "2020-06-30"
	return req
}

func TestSubmitCreatesPendingRunAndUnit(t *testing.T) {
	l := &fakeLauncher{}
	svc, store := newService(t, l)

	run, err := svc.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.ID != fixedID || run.Status != domain.StatusPending {
		t.Fatalf("run=%+v", run)
	}
	if len(l.created) != 1 || l.created[0] != fixedID {
		t.Fatalf("created=%v", l.created)
	}

	stored, err := store.Runs().Get(context.Background(), fixedID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	req, err := codec.DecodeRequest(stored.Snapshot)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.RunID != fixedID || req.Ticker != "AAPL" || req.RuleType != "RSI" || req.RuleID != "WEB_RSI_6f1c1d4e" {
		t.Fatalf("snapshot=%+v", req)
	}

	unit, err := store.Units().Get(context.Background(), fixedID)
	if err != nil || unit.Launcher != launcher.KindCluster || unit.Name != "backtest-"+fixedID || unit.DeletedAt != nil {
		t.Fatalf("unit=%+v err=%v", unit, err)
	}
}

func TestSubmitHonoursClientRunID(t *testing.T) {
	svc, _ := newService(t, &fakeLauncher{})
	req := validRequest()
	req.RunID = "0B7E5F7A-1C2D-4E3F-8A9B-0C1D2E3F4A5B"
	run, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.ID != "0b7e5f7a-1c2d-4e3f-8a9b-0c1d2e3f4a5b" {
		t.Fatalf("id=%s", run.ID)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	l := &fakeLauncher{}
	svc, store := newService(t, l)
	req := validRequest()
	req.RunID = "not-a-uuid"
	req.InitialCapital = 0
	req.RuleType = "NOPE"

	_, err := svc.Submit(context.Background(), req)
	var verr *codec.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v", err)
	}
	if kind, _ := domain.KindOf(err); kind != domain.KindValidation {
		t.Fatalf("kind=%s", kind)
	}
	joined := strings.Join(verr.Issues, "|")
	for _, want := range []string{"run_id must be a uuid", "initial_capital must be > 0", "NOPE"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("issues=%v missing %q", verr.Issues, want)
		}
	}
	if len(l.created) != 0 {
		t.Fatalf("launcher called for invalid request")
	}
	if runs, _ := store.Runs().List(context.Background(), repo.RunFilter{}); len(runs) != 0 {
		t.Fatalf("record written for invalid request")
	}
}

func TestSubmitDuplicateRunID(t *testing.T) {
	svc, _ := newService(t, &fakeLauncher{})
	if _, err := svc.Submit(context.Background(), validRequest()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), validRequest()); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err=%v", err)
	}
}

func TestSubmitLaunchFailureFailsRun(t *testing.T) {
	l := &fakeLauncher{err: &launcher.LaunchError{RunID: fixedID, Reason: "create job backtest-x", Err: k8s.ErrForbidden}}
	svc, store := newService(t, l)

	run, err := svc.Submit(context.Background(), validRequest())
	if kind, _ := domain.KindOf(err); kind != domain.KindLaunch {
		t.Fatalf("err=%v", err)
	}
	if run.Status != domain.StatusFailed || !strings.HasPrefix(run.ErrorMessage, "launch failed: ") {
		t.Fatalf("run=%+v", run)
	}
	stored, _ := store.Runs().Get(context.Background(), fixedID)
	if stored.Status != domain.StatusFailed || stored.CompletedAt == nil || stored.StartedAt != nil {
		t.Fatalf("stored=%+v", stored)
	}
}

// unreliableRuns fails the first n transitions with a transport error.
type unreliableRuns struct {
	repo.RunRepository
	failures int
	calls    int
}

func (u *unreliableRuns) Transition(ctx context.Context, id string, from, to domain.Status, update domain.Update) (domain.Run, error) {
	u.calls++
	if u.calls <= u.failures {
		return domain.Run{}, errors.New("connection reset")
	}
	return u.RunRepository.Transition(ctx, id, from, to, update)
}

func TestSubmitLaunchFailureRetriesFailedWrite(t *testing.T) {
	cases := []struct {
		name     string
		failures int
		want     domain.Status
	}{
		{"recovers", failAttempts - 1, domain.StatusFailed},
		{"exhausted", failAttempts, domain.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			runs := &unreliableRuns{RunRepository: store.Runs(), failures: tc.failures}
			l := &fakeLauncher{err: &launcher.LaunchError{RunID: fixedID, Reason: "quota exceeded"}}
			svc, err := New(nil, runs, store.Units(), l, backtest.DefaultCatalog())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			svc.newID = func() string { return fixedID }
			var slept int
			svc.sleep = func(context.Context, time.Duration) error { slept++; return nil }

			run, err := svc.Submit(context.Background(), validRequest())
			if kind, _ := domain.KindOf(err); kind != domain.KindLaunch {
				t.Fatalf("err=%v", err)
			}
			stored, _ := store.Runs().Get(context.Background(), fixedID)
			if stored.Status != tc.want || run.Status != tc.want {
				t.Fatalf("stored=%s returned=%s", stored.Status, run.Status)
			}
			if runs.calls != min(tc.failures+1, failAttempts) || slept != runs.calls-1 {
				t.Fatalf("calls=%d slept=%d", runs.calls, slept)
			}
		})
	}
}

// lostAckRuns commits the first transition and then reports a transport error.
type lostAckRuns struct {
	repo.RunRepository
	dropped bool
}

func (l *lostAckRuns) Transition(ctx context.Context, id string, from, to domain.Status, update domain.Update) (domain.Run, error) {
	run, err := l.RunRepository.Transition(ctx, id, from, to, update)
	if err == nil && !l.dropped {
		l.dropped = true
		return domain.Run{}, errors.New("connection reset")
	}
	return run, err
}

func TestSubmitLaunchFailureSurvivesLostAck(t *testing.T) {
	store := memory.New()
	l := &fakeLauncher{err: &launcher.LaunchError{RunID: fixedID, Reason: "quota exceeded"}}
	svc, err := New(nil, &lostAckRuns{RunRepository: store.Runs()}, store.Units(), l, backtest.DefaultCatalog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.newID = func() string { return fixedID }
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	run, err := svc.Submit(context.Background(), validRequest())
	if kind, _ := domain.KindOf(err); kind != domain.KindLaunch {
		t.Fatalf("err=%v", err)
	}
	if run.Status != domain.StatusFailed || run.ErrorMessage != "launch failed: quota exceeded" {
		t.Fatalf("run=%+v", run)
	}
}
