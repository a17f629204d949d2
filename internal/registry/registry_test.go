package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freema/workflowd/internal/apperror"
	"github.com/freema/workflowd/internal/event"
)

func newOpenRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestValidTransitions(t *testing.T) {
	valid := []struct {
		from, to Status
	}{
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusKilled},
	}

	for _, tt := range valid {
		if !ValidateTransition(tt.from, tt.to) {
			t.Errorf("expected valid transition %s -> %s", tt.from, tt.to)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	invalid := []struct {
		from, to Status
	}{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusKilled},
		{StatusRunning, StatusPending},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusRunning},
		{StatusFailed, StatusCompleted},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusRunning},
		{StatusKilled, StatusRunning},
		{StatusKilled, StatusCompleted},
	}

	for _, tt := range invalid {
		if ValidateTransition(tt.from, tt.to) {
			t.Errorf("expected invalid transition %s -> %s", tt.from, tt.to)
		}
	}
}

func TestRepeatedTerminalTransitionIsIdempotent(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusKilled}
	for _, s := range terminal {
		if !ValidateTransition(s, s) {
			t.Errorf("expected repeated terminal transition %s -> %s to be valid (idempotent)", s, s)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusKilled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	notTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range notTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCreateAndRead(t *testing.T) {
	reg := newOpenRegistry(t)
	ctx := context.Background()

	run := &Run{WorkflowName: "builder", SessionID: "sess-1"}
	if err := reg.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.RunID == "" {
		t.Fatal("expected RunID to be assigned")
	}

	got, err := reg.Read(ctx, run.RunID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
	if got.WorkflowName != "builder" {
		t.Errorf("expected workflow_name builder, got %s", got.WorkflowName)
	}
}

func TestReadUnknownRunIsNotFound(t *testing.T) {
	reg := newOpenRegistry(t)
	_, err := reg.Read(context.Background(), "does-not-exist")
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Kind != apperror.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTransitionStampsStartedAndCompletedAt(t *testing.T) {
	reg := newOpenRegistry(t)
	ctx := context.Background()

	run := &Run{WorkflowName: "builder"}
	if err := reg.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := reg.Transition(ctx, run.RunID, StatusRunning, nil, nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	running, err := reg.Read(ctx, run.RunID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected started_at to be set on pending->running")
	}
	if running.CompletedAt != nil {
		t.Fatal("expected completed_at to remain unset while running")
	}

	final := &FinalResult{Success: true, ResultText: "done"}
	if err := reg.Transition(ctx, run.RunID, StatusCompleted, nil, final); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}
	done, err := reg.Read(ctx, run.RunID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be set on terminal transition")
	}
	if done.Final == nil || done.Final.ResultText != "done" {
		t.Fatalf("expected final result to persist, got %+v", done.Final)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	reg := newOpenRegistry(t)
	ctx := context.Background()

	run := &Run{WorkflowName: "builder"}
	if err := reg.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := reg.Transition(ctx, run.RunID, StatusCompleted, nil, nil); err == nil {
		t.Fatal("expected error transitioning pending->completed directly")
	}
}

func TestUpdateMetricsIsMonotonic(t *testing.T) {
	reg := newOpenRegistry(t)
	ctx := context.Background()

	run := &Run{WorkflowName: "builder"}
	reg.Create(ctx, run)
	reg.Transition(ctx, run.RunID, StatusRunning, nil, nil)

	if err := reg.UpdateMetrics(ctx, run.RunID, &event.Snapshot{Turns: 3, InputTokens: 100, LastEventAt: time.Now()}); err != nil {
		t.Fatalf("update metrics: %v", err)
	}
	if err := reg.UpdateMetrics(ctx, run.RunID, &event.Snapshot{Turns: 1, InputTokens: 10, LastEventAt: time.Now()}); err != nil {
		t.Fatalf("update metrics: %v", err)
	}

	got, err := reg.Read(ctx, run.RunID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Turns != 3 {
		t.Errorf("expected turns to stay at the max observed value 3, got %d", got.Turns)
	}
	if got.InputTokens != 100 {
		t.Errorf("expected input_tokens to stay at the max observed value 100, got %d", got.InputTokens)
	}
}

func TestFindStuckOnlyReturnsStaleRunningRuns(t *testing.T) {
	reg := newOpenRegistry(t)
	ctx := context.Background()

	stale := &Run{WorkflowName: "builder"}
	reg.Create(ctx, stale)
	reg.Transition(ctx, stale.RunID, StatusRunning, nil, nil)
	reg.UpdateHeartbeat(ctx, stale.RunID, time.Now().Add(-time.Hour))

	fresh := &Run{WorkflowName: "builder"}
	reg.Create(ctx, fresh)
	reg.Transition(ctx, fresh.RunID, StatusRunning, nil, nil)
	reg.UpdateHeartbeat(ctx, fresh.RunID, time.Now())

	pending := &Run{WorkflowName: "builder"}
	reg.Create(ctx, pending)

	stuck, err := reg.FindStuck(ctx, time.Now(), 30*time.Minute)
	if err != nil {
		t.Fatalf("find stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0] != stale.RunID {
		t.Fatalf("expected only %s to be stuck, got %v", stale.RunID, stuck)
	}
}

func TestReconcileOrphansFailsPendingAndRunning(t *testing.T) {
	reg := newOpenRegistry(t)
	ctx := context.Background()

	pending := &Run{WorkflowName: "builder"}
	reg.Create(ctx, pending)

	running := &Run{WorkflowName: "builder"}
	reg.Create(ctx, running)
	reg.Transition(ctx, running.RunID, StatusRunning, nil, nil)

	n, err := reg.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("reconcile orphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 runs reconciled, got %d", n)
	}

	for _, id := range []string{pending.RunID, running.RunID} {
		run, err := reg.Read(ctx, id)
		if err != nil {
			t.Fatalf("read %s: %v", id, err)
		}
		if run.Status != StatusFailed {
			t.Errorf("expected %s to be failed after reconcile, got %s", id, run.Status)
		}
		if run.Error == nil || run.Error.Kind != apperror.KindOrphaned {
			t.Errorf("expected orphaned error kind for %s, got %+v", id, run.Error)
		}
	}
}
