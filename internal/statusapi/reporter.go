// Package statusapi implements the Status Reporter (C7): it merges the
// durable registry row for a run with the live in-memory snapshot held by
// the orchestrator while the run is still executing.
package statusapi

import (
	"context"
	"time"

	"github.com/freema/workflowd/internal/event"
	"github.com/freema/workflowd/internal/registry"
)

// Snapshotter is the subset of the orchestrator's surface the reporter
// needs, kept narrow so this package never imports orchestrator directly.
type Snapshotter interface {
	Snapshot(runID string) (*event.Snapshot, bool)
	StderrTail(runID string) (string, bool)
	IsActive(runID string) bool
	HistoryTail(ctx context.Context, runID string, n int) ([]string, bool)
}

// Status is the response body for GET /runs/{id}/status. Fields are
// populated from the persisted Run, then overlaid with live data when the
// run is still active.
type Status struct {
	RunID        string            `json:"run_id"`
	WorkflowName string            `json:"workflow_name"`
	SessionID    string            `json:"session_id"`
	SessionName  string            `json:"session_name,omitempty"`
	Status       registry.Status   `json:"status"`
	Phase        event.Phase       `json:"phase,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`

	Turns              int      `json:"turns"`
	ToolsUsed          []string `json:"tools_used,omitempty"`
	CostUSD            float64  `json:"cost_usd"`
	InputTokens        int      `json:"input_tokens"`
	OutputTokens       int      `json:"output_tokens"`
	CacheCreatedTokens int      `json:"cache_created_tokens"`
	CacheReadTokens    int      `json:"cache_read_tokens"`
	CompletionPercent  int      `json:"completion_percent"`

	WorkspacePath string             `json:"workspace_path,omitempty"`
	GitBranch     string             `json:"git_branch,omitempty"`
	PRURL         string             `json:"pr_url,omitempty"`
	PRNumber      *int               `json:"pr_number,omitempty"`
	Final         *registry.FinalResult `json:"final,omitempty"`
	Error         *registry.RunError    `json:"error,omitempty"`

	Live bool `json:"live"`

	// Detail is populated only when the ?detailed=true query parameter is set.
	Detail *Detail `json:"detail,omitempty"`
}

// Detail carries the extra, more expensive-to-compute fields returned when
// a caller asks for the detailed status view.
type Detail struct {
	StderrTail     string                  `json:"stderr_tail,omitempty"`
	LastParseError string                  `json:"last_parse_error,omitempty"`
	ToolsUsed      []string                `json:"tools_used,omitempty"`
	PhaseHistory   []event.PhaseTransition `json:"phase_history,omitempty"`
	StdoutTail     []string                `json:"stdout_tail,omitempty"`
}

// Reporter is C7.
type Reporter struct {
	reg *registry.Registry
	orc Snapshotter
}

// New constructs a Reporter over the durable registry and the live
// orchestrator snapshot surface.
func New(reg *registry.Registry, orc Snapshotter) *Reporter {
	return &Reporter{reg: reg, orc: orc}
}

// Status builds the merged status view for one run. When the run is still
// live, detailed adds the tools breakdown, phase history, stderr tail, last
// parse error and the last 50 stdout lines.
func (r *Reporter) Status(ctx context.Context, runID string, detailed bool) (*Status, error) {
	run, err := r.reg.Read(ctx, runID)
	if err != nil {
		return nil, err
	}

	s := &Status{
		RunID:              run.RunID,
		WorkflowName:       run.WorkflowName,
		SessionID:          run.SessionID,
		SessionName:        run.SessionName,
		Status:             run.Status,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
		Turns:              run.Turns,
		ToolsUsed:          run.ToolsUsed,
		CostUSD:            run.CostUSD,
		InputTokens:        run.InputTokens,
		OutputTokens:       run.OutputTokens,
		CacheCreatedTokens: run.CacheCreatedTokens,
		CacheReadTokens:    run.CacheReadTokens,
		WorkspacePath:      run.WorkspacePath,
		GitBranch:          run.GitBranch,
		PRURL:              run.PRURL,
		PRNumber:           run.PRNumber,
		Final:              run.Final,
		Error:              run.Error,
	}

	if run.Status.IsTerminal() {
		if run.Final != nil {
			s.CompletionPercent = 100
		}
		return s, nil
	}

	snap, live := r.orc.Snapshot(runID)
	if !live {
		return s, nil
	}
	s.Live = true
	s.Phase = snap.Phase
	s.Turns = snap.Turns
	if len(snap.ToolsUsed) > 0 {
		s.ToolsUsed = snap.ToolsUsed
	}
	s.CostUSD = snap.CostUSD
	s.InputTokens = snap.InputTokens
	s.OutputTokens = snap.OutputTokens
	s.CacheCreatedTokens = snap.CacheCreatedTokens
	s.CacheReadTokens = snap.CacheReadTokens
	s.CompletionPercent = snap.CompletionPercent

	if detailed {
		d := &Detail{
			ToolsUsed:    snap.ToolsUsed,
			PhaseHistory: snap.PhaseHistory,
		}
		if tail, ok := r.orc.StderrTail(runID); ok {
			d.StderrTail = tail
		}
		if snap.LastParseError != nil {
			d.LastParseError = snap.LastParseError.Error()
		}
		if lines, ok := r.orc.HistoryTail(ctx, runID, 50); ok {
			d.StdoutTail = lines
		}
		s.Detail = d
	}

	return s, nil
}

// List builds the summary (non-detailed) status for each run returned by
// the registry's filtered query, used by GET /runs.
func (r *Reporter) List(ctx context.Context, f registry.ListFilter) ([]*Status, error) {
	runs, err := r.reg.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(runs))
	for _, run := range runs {
		s, err := r.Status(ctx, run.RunID, false)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
