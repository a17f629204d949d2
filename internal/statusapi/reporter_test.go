package statusapi

import (
	"context"
	"testing"

	"github.com/freema/workflowd/internal/event"
	"github.com/freema/workflowd/internal/registry"
)

type fakeSnapshotter struct {
	snapshots map[string]*event.Snapshot
	stderr    map[string]string
	active    map[string]bool
	history   map[string][]string
}

func (f *fakeSnapshotter) Snapshot(runID string) (*event.Snapshot, bool) {
	snap, ok := f.snapshots[runID]
	return snap, ok
}

func (f *fakeSnapshotter) StderrTail(runID string) (string, bool) {
	tail, ok := f.stderr[runID]
	return tail, ok
}

func (f *fakeSnapshotter) IsActive(runID string) bool {
	return f.active[runID]
}

func (f *fakeSnapshotter) HistoryTail(ctx context.Context, runID string, n int) ([]string, bool) {
	lines, ok := f.history[runID]
	return lines, ok
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

func TestStatusOverlaysLiveSnapshotForRunningRun(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Create(ctx, &registry.Run{RunID: "run-1", WorkflowName: "default"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := reg.Transition(ctx, "run-1", registry.StatusRunning, nil, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	snap := &fakeSnapshotter{
		snapshots: map[string]*event.Snapshot{
			"run-1": {
				Phase:             event.PhaseToolUsing,
				Turns:             3,
				ToolsUsed:         []string{"bash"},
				CostUSD:           0.25,
				InputTokens:       100,
				OutputTokens:      50,
				CompletionPercent: 40,
			},
		},
		stderr:  map[string]string{"run-1": "warning: something"},
		active:  map[string]bool{"run-1": true},
		history: map[string][]string{"run-1": {`{"type":"assistant"}`}},
	}

	r := New(reg, snap)

	status, err := r.Status(ctx, "run-1", true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Live {
		t.Error("expected Live to be true for an active run")
	}
	if status.Phase != event.PhaseToolUsing {
		t.Errorf("expected phase tool_using, got %s", status.Phase)
	}
	if status.Turns != 3 || status.CompletionPercent != 40 {
		t.Errorf("expected live turns/completion overlay, got turns=%d completion=%d", status.Turns, status.CompletionPercent)
	}
	if status.Detail == nil || status.Detail.StderrTail != "warning: something" {
		t.Errorf("expected detail.stderr_tail to be populated, got %+v", status.Detail)
	}
	if len(status.Detail.ToolsUsed) != 1 || status.Detail.ToolsUsed[0] != "bash" {
		t.Errorf("expected detail.tools_used to carry the live snapshot's tools, got %+v", status.Detail.ToolsUsed)
	}
	if len(status.Detail.StdoutTail) != 1 {
		t.Errorf("expected detail.stdout_tail from the fake history, got %+v", status.Detail.StdoutTail)
	}
}

func TestStatusSkipsOverlayWhenNotLive(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Create(ctx, &registry.Run{RunID: "run-2", WorkflowName: "default"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := reg.Transition(ctx, "run-2", registry.StatusRunning, nil, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	snap := &fakeSnapshotter{snapshots: map[string]*event.Snapshot{}}
	r := New(reg, snap)

	status, err := r.Status(ctx, "run-2", false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Live {
		t.Error("expected Live to be false when the orchestrator has no snapshot")
	}
	if status.Detail != nil {
		t.Error("expected no detail when not live")
	}
}

func TestStatusCompletedRunWithFinalIs100Percent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Create(ctx, &registry.Run{RunID: "run-3", WorkflowName: "default"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := reg.Transition(ctx, "run-3", registry.StatusRunning, nil, nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	final := &registry.FinalResult{Success: true, ResultText: "done"}
	if err := reg.Transition(ctx, "run-3", registry.StatusCompleted, nil, final); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	r := New(reg, &fakeSnapshotter{})
	status, err := r.Status(ctx, "run-3", true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CompletionPercent != 100 {
		t.Errorf("expected 100%% completion for a terminal run, got %d", status.CompletionPercent)
	}
	if status.Final == nil || status.Final.ResultText != "done" {
		t.Errorf("expected final result to be populated, got %+v", status.Final)
	}
	if status.Live {
		t.Error("a terminal run should never be reported live")
	}
}

func TestStatusUnknownRun(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, &fakeSnapshotter{})

	if _, err := r.Status(context.Background(), "does-not-exist", false); err == nil {
		t.Fatal("expected an error for an unknown run")
	}
}

func TestListReturnsStatusPerRun(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"run-a", "run-b"} {
		if err := reg.Create(ctx, &registry.Run{RunID: id, WorkflowName: "default"}); err != nil {
			t.Fatalf("create run %s: %v", id, err)
		}
	}

	r := New(reg, &fakeSnapshotter{})
	statuses, err := r.List(ctx, registry.ListFilter{WorkflowName: "default"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}
