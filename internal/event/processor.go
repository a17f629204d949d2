package event

import (
	"sync/atomic"
	"time"
)

// Phase is the coarse-grained lifecycle stage of a run as observed from its
// event stream.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseWorking       Phase = "working"
	PhaseToolUsing     Phase = "tool_using"
	PhaseCompleting    Phase = "completing"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// PhaseTransition records the instant a run moved into a new Phase, so a
// detailed status view can show how a run got to where it is, not just
// where it is now.
type PhaseTransition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Final holds the authoritative metrics carried by a result event.
type Final struct {
	Success      bool
	TotalCostUSD float64
	NumTurns     int
	DurationMS   int64
	Usage        Usage
	ResultText   string
}

// Snapshot is an immutable view of a run's aggregated stream state at one
// instant. Side-effect-free to compute; safe to share across goroutines.
type Snapshot struct {
	SessionID           string
	Phase               Phase
	Turns               int
	ToolsUsed           []string
	CostUSD             float64
	InputTokens         int
	OutputTokens        int
	CacheCreatedTokens  int
	CacheReadTokens     int
	LastEventAt         time.Time
	LastParseError      *ParseError
	Final               *Final
	CompletionPercent   int
	PhaseHistory        []PhaseTransition
}

// Processor aggregates the event sequence for a single run. It is
// single-writer (the supervisor's stdout reader loop); all other goroutines
// must call Snapshot, which is lock-free.
type Processor struct {
	maxTurns int
	current  atomic.Pointer[Snapshot]
}

// NewProcessor creates a processor for one run. maxTurns of 0 means
// unbounded (completion percentage falls back to the phase heuristic).
func NewProcessor(maxTurns int) *Processor {
	p := &Processor{maxTurns: maxTurns}
	p.current.Store(&Snapshot{
		Phase:        PhaseInitializing,
		PhaseHistory: []PhaseTransition{{Phase: PhaseInitializing, At: time.Now()}},
	})
	return p
}

// Snapshot returns the current aggregate. Never nil.
func (p *Processor) Snapshot() *Snapshot {
	return p.current.Load()
}

// Apply consumes one Event, updating the published snapshot. Events must be
// applied in emission order; Apply is not safe for concurrent callers.
func (p *Processor) Apply(ev *Event) {
	prev := p.current.Load()
	next := cloneSnapshot(prev)
	next.LastEventAt = ev.Received
	if ev.SessionID != "" {
		next.SessionID = ev.SessionID
	}

	switch ev.Kind {
	case KindInit:
		next.Phase = PhaseWorking

	case KindAssistant:
		if ev.HasText() {
			next.Turns++
			if next.Phase != PhaseCompleted && next.Phase != PhaseFailed {
				next.Phase = PhaseWorking
			}
		}
		for _, b := range ev.ToolUseBlocks() {
			if !containsString(next.ToolsUsed, b.Name) {
				next.ToolsUsed = append(next.ToolsUsed, b.Name)
			}
			if next.Phase != PhaseCompleted && next.Phase != PhaseFailed {
				next.Phase = PhaseToolUsing
			}
		}

	case KindToolResult:
		if next.Phase != PhaseCompleted && next.Phase != PhaseFailed {
			next.Phase = PhaseWorking
		}

	case KindFinal:
		next.CostUSD = maxFloat(next.CostUSD, ev.TotalCostUSD)
		next.Turns = maxInt(next.Turns, ev.NumTurns)
		next.InputTokens = maxInt(next.InputTokens, ev.Usage.InputTokens)
		next.OutputTokens = maxInt(next.OutputTokens, ev.Usage.OutputTokens)
		next.CacheCreatedTokens = maxInt(next.CacheCreatedTokens, ev.Usage.CacheCreationInputTokens)
		next.CacheReadTokens = maxInt(next.CacheReadTokens, ev.Usage.CacheReadInputTokens)
		next.Final = &Final{
			Success:      ev.Success,
			TotalCostUSD: next.CostUSD,
			NumTurns:     next.Turns,
			DurationMS:   ev.DurationMS,
			Usage: Usage{
				InputTokens:              next.InputTokens,
				OutputTokens:             next.OutputTokens,
				CacheCreationInputTokens: next.CacheCreatedTokens,
				CacheReadInputTokens:     next.CacheReadTokens,
			},
			ResultText: ev.ResultText,
		}
		if ev.Success {
			next.Phase = PhaseCompleted
		} else {
			next.Phase = PhaseFailed
		}

	case KindOther:
		// No effect.
	}

	if next.Phase != prev.Phase {
		next.PhaseHistory = append(next.PhaseHistory, PhaseTransition{Phase: next.Phase, At: ev.Received})
	}
	next.CompletionPercent = completionPercent(next, p.maxTurns)
	p.current.Store(next)
}

// ApplyParseError records a parse failure without changing the phase. The
// run continues; only the most recent parse error is retained.
func (p *Processor) ApplyParseError(pe *ParseError) {
	prev := p.current.Load()
	next := cloneSnapshot(prev)
	next.LastParseError = pe
	p.current.Store(next)
}

func completionPercent(s *Snapshot, maxTurns int) int {
	if maxTurns > 0 {
		pct := 100 * s.Turns / maxTurns
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		return pct
	}
	switch s.Phase {
	case PhaseInitializing:
		return 0
	case PhaseWorking:
		return 40
	case PhaseToolUsing:
		return 60
	case PhaseCompleting:
		return 85
	case PhaseCompleted, PhaseFailed:
		return 100
	default:
		return 0
	}
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	n := *s
	n.ToolsUsed = append([]string(nil), s.ToolsUsed...)
	n.PhaseHistory = append([]PhaseTransition(nil), s.PhaseHistory...)
	return &n
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
