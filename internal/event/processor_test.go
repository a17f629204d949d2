package event

import (
	"testing"
	"time"
)

func TestProcessorAppliesTurnsAndTools(t *testing.T) {
	p := NewProcessor(0)
	now := time.Now()

	p.Apply(&Event{Kind: KindInit, Received: now, SessionID: "s1"})
	if p.Snapshot().Phase != PhaseWorking {
		t.Fatalf("expected working phase after init, got %s", p.Snapshot().Phase)
	}

	p.Apply(&Event{Kind: KindAssistant, Received: now, Text: "hi"})
	if p.Snapshot().Turns != 1 {
		t.Fatalf("expected 1 turn, got %d", p.Snapshot().Turns)
	}

	p.Apply(&Event{Kind: KindAssistant, Received: now, ContentBlocks: []ContentBlock{{Type: "tool_use", Name: "bash"}}})
	snap := p.Snapshot()
	if snap.Phase != PhaseToolUsing || len(snap.ToolsUsed) != 1 || snap.ToolsUsed[0] != "bash" {
		t.Fatalf("unexpected snapshot after tool use: %+v", snap)
	}

	p.Apply(&Event{Kind: KindToolResult, Received: now})
	if p.Snapshot().Phase != PhaseWorking {
		t.Fatalf("expected working phase after tool result, got %s", p.Snapshot().Phase)
	}
}

func TestProcessorFinalMonotonic(t *testing.T) {
	p := NewProcessor(0)
	now := time.Now()

	p.Apply(&Event{Kind: KindFinal, Received: now, Success: true, TotalCostUSD: 1.0, NumTurns: 5, Usage: Usage{InputTokens: 100}})
	snap := p.Snapshot()
	if snap.Phase != PhaseCompleted || snap.CostUSD != 1.0 || snap.InputTokens != 100 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// A lossy second final event with a smaller value must not regress the aggregate.
	p.Apply(&Event{Kind: KindFinal, Received: now, Success: true, TotalCostUSD: 0.1, NumTurns: 1, Usage: Usage{InputTokens: 10}})
	snap2 := p.Snapshot()
	if snap2.CostUSD != 1.0 || snap2.InputTokens != 100 {
		t.Fatalf("expected monotonic aggregate, got %+v", snap2)
	}
}

func TestCompletionPercentWithMaxTurns(t *testing.T) {
	p := NewProcessor(1)
	p.Apply(&Event{Kind: KindAssistant, Received: time.Now(), Text: "done"})
	if p.Snapshot().CompletionPercent != 100 {
		t.Fatalf("expected 100%% completion at max_turns=1, got %d", p.Snapshot().CompletionPercent)
	}
}

func TestPhaseHistoryRecordsTransitions(t *testing.T) {
	p := NewProcessor(0)
	now := time.Now()

	p.Apply(&Event{Kind: KindInit, Received: now})
	p.Apply(&Event{Kind: KindAssistant, Received: now, ContentBlocks: []ContentBlock{{Type: "tool_use", Name: "bash"}}})
	p.Apply(&Event{Kind: KindFinal, Received: now, Success: true})

	history := p.Snapshot().PhaseHistory
	if len(history) != 4 {
		t.Fatalf("expected 4 phase transitions (init + 3 applies), got %d: %+v", len(history), history)
	}
	want := []Phase{PhaseInitializing, PhaseWorking, PhaseToolUsing, PhaseCompleted}
	for i, w := range want {
		if history[i].Phase != w {
			t.Errorf("transition %d: expected %s, got %s", i, w, history[i].Phase)
		}
	}
}

func TestParseErrorDoesNotChangePhase(t *testing.T) {
	p := NewProcessor(0)
	p.Apply(&Event{Kind: KindInit, Received: time.Now()})
	before := p.Snapshot().Phase
	p.ApplyParseError(&ParseError{Kind: ParseErrorOversize})
	after := p.Snapshot()
	if after.Phase != before {
		t.Fatalf("parse error should not change phase: before=%s after=%s", before, after.Phase)
	}
	if after.LastParseError == nil || after.LastParseError.Kind != ParseErrorOversize {
		t.Fatalf("expected parse error recorded, got %+v", after.LastParseError)
	}
}
