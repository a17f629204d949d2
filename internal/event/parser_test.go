package event

import (
	"strings"
	"testing"
	"time"
)

func TestParseLineInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-x","tools":["bash","edit"]}`)
	ev, perr := ParseLine(line, 0, time.Now())
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if ev.Kind != KindInit || ev.SessionID != "sess-1" || ev.Model != "claude-x" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseLineAssistantText(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"hello"}]}}`)
	ev, perr := ParseLine(line, 3, time.Now())
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if ev.Kind != KindAssistant || ev.Text != "hello" || ev.TurnIndex != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseLineToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"tool_use","name":"bash","input":{}}]}}`)
	ev, perr := ParseLine(line, 0, time.Now())
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	blocks := ev.ToolUseBlocks()
	if len(blocks) != 1 || blocks[0].Name != "bash" {
		t.Fatalf("expected one bash tool_use block, got %+v", blocks)
	}
}

func TestParseLineFinal(t *testing.T) {
	line := []byte(`{"type":"result","session_id":"sess-1","success":true,"total_cost_usd":0.5,"num_turns":4,"duration_ms":1200,"usage":{"input_tokens":10,"output_tokens":20},"result":"done"}`)
	ev, perr := ParseLine(line, 0, time.Now())
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if ev.Kind != KindFinal || !ev.Success || ev.ResultText != "done" || ev.Usage.InputTokens != 10 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseLineMalformed(t *testing.T) {
	_, perr := ParseLine([]byte(`{not json`), 0, time.Now())
	if perr == nil || perr.Kind != ParseErrorMalformed {
		t.Fatalf("expected malformed parse error, got %+v", perr)
	}
}

func TestParseLineUnknownDiscriminator(t *testing.T) {
	ev, perr := ParseLine([]byte(`{"type":"weird"}`), 0, time.Now())
	if perr != nil {
		t.Fatalf("unexpected parse error: %v", perr)
	}
	if ev.Kind != KindOther {
		t.Fatalf("expected Other, got %+v", ev)
	}
}

func TestLineReaderOversizeContinues(t *testing.T) {
	oversized := strings.Repeat("x", MaxLineBytes+1024)
	input := oversized + "\n" + `{"type":"system","subtype":"init","session_id":"s"}` + "\n"
	lr := NewLineReader(strings.NewReader(input))

	_, perr, err := lr.ReadLine()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if perr == nil || perr.Kind != ParseErrorOversize {
		t.Fatalf("expected oversize parse error, got %+v / %v", perr, err)
	}

	line, perr2, err2 := lr.ReadLine()
	if err2 != nil || perr2 != nil {
		t.Fatalf("expected the next line to parse cleanly, got %v %v", perr2, err2)
	}
	if !strings.Contains(string(line), "init") {
		t.Fatalf("expected init line, got %q", line)
	}
}
