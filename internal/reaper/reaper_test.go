package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/freema/workflowd/internal/apperror"
	"github.com/freema/workflowd/internal/registry"
)

type fakeCanceller struct {
	cancellable map[string]bool
	called      []string
}

func (f *fakeCanceller) CancelIfActive(runID string) bool {
	f.called = append(f.called, runID)
	return f.cancellable[runID]
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func startAndStallRun(t *testing.T, reg *registry.Registry, runID string, staleness time.Duration) {
	t.Helper()
	ctx := context.Background()
	if err := reg.Create(ctx, &registry.Run{RunID: runID, WorkflowName: "default"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := reg.Transition(ctx, runID, registry.StatusRunning, nil, nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := reg.UpdateHeartbeat(ctx, runID, time.Now().Add(-staleness)); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}
}

func TestSweepCancelsLiveStuckRun(t *testing.T) {
	reg := newTestRegistry(t)
	startAndStallRun(t, reg, "run-live", time.Hour)

	canceller := &fakeCanceller{cancellable: map[string]bool{"run-live": true}}
	r := New(reg, canceller, Config{Threshold: 5 * time.Minute})

	r.sweep(context.Background())

	if len(canceller.called) != 1 || canceller.called[0] != "run-live" {
		t.Fatalf("expected CancelIfActive called once for run-live, got %v", canceller.called)
	}

	run, err := reg.Read(context.Background(), "run-live")
	if err != nil {
		t.Fatalf("read run: %v", err)
	}
	if run.Status != registry.StatusRunning {
		t.Fatalf("expected status to remain running (supervisor completion owns the transition), got %s", run.Status)
	}
}

func TestSweepFailsDeadStuckRun(t *testing.T) {
	reg := newTestRegistry(t)
	startAndStallRun(t, reg, "run-dead", time.Hour)

	canceller := &fakeCanceller{cancellable: map[string]bool{}}
	r := New(reg, canceller, Config{Threshold: 5 * time.Minute})

	r.sweep(context.Background())

	run, err := reg.Read(context.Background(), "run-dead")
	if err != nil {
		t.Fatalf("read run: %v", err)
	}
	if run.Status != registry.StatusFailed {
		t.Fatalf("expected status failed, got %s", run.Status)
	}
	if run.Error == nil || run.Error.Kind != apperror.KindStuck {
		t.Fatalf("expected error kind stuck, got %+v", run.Error)
	}
}

func TestSweepIgnoresFreshRuns(t *testing.T) {
	reg := newTestRegistry(t)
	startAndStallRun(t, reg, "run-fresh", time.Second)

	canceller := &fakeCanceller{}
	r := New(reg, canceller, Config{Threshold: 5 * time.Minute})

	r.sweep(context.Background())

	if len(canceller.called) != 0 {
		t.Fatalf("expected no calls for a fresh heartbeat, got %v", canceller.called)
	}

	run, err := reg.Read(context.Background(), "run-fresh")
	if err != nil {
		t.Fatalf("read run: %v", err)
	}
	if run.Status != registry.StatusRunning {
		t.Fatalf("expected status to remain running, got %s", run.Status)
	}
}

func TestStartStop(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, &fakeCanceller{}, Config{Interval: 10 * time.Millisecond, Threshold: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
