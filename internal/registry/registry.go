// Package registry is the durable Run Registry (C5): one SQLite row per
// run plus an in-memory index of currently live runs.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/freema/workflowd/internal/apperror"
	"github.com/freema/workflowd/internal/event"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// validTransitions mirrors the teacher's internal/task/state.go table, one
// entry per legal edge in the Run lifecycle graph (SPEC_FULL §8 invariant 6:
// no completed→running or failed→completed transitions).
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusKilled},
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// ValidateTransition reports whether from->to is a legal edge, or is a
// repeated terminal transition (idempotent no-op per SPEC_FULL §4.5).
func ValidateTransition(from, to Status) bool {
	if from == to && from.IsTerminal() {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// FinalResult is the structured outcome recorded once a run reaches a
// terminal state.
type FinalResult struct {
	Success      bool     `json:"success"`
	ResultText   string   `json:"result_text"`
	FilesCreated []string `json:"files_created"`
	GitCommits   []string `json:"git_commits"`
}

// RunError is the structured error recorded on a failed/killed run.
type RunError struct {
	Kind    apperror.Kind `json:"kind"`
	Message string        `json:"message"`
	Phase   string        `json:"phase"`
}

// Run is the durable record for one workflow execution.
type Run struct {
	RunID        string
	WorkflowName string
	SessionID    string
	SessionName  string
	UserID       string
	Status       Status
	StartedAt    *time.Time
	CompletedAt  *time.Time

	WorkspacePath        string
	WorkspacePersistent  bool
	GitBranch            string
	RepositoryURL        string
	CallbackURL          string
	InputFormat          string
	MaxTurns             *int
	TimeoutSeconds       int
	CreatePROnSuccess    bool
	PRTitle              string
	PRBody               string
	AutoMerge            bool
	PRURL                string
	PRNumber             *int
	ProviderKey          string
	EncryptedAccessToken string

	Turns              int
	InputTokens        int
	OutputTokens       int
	CacheCreatedTokens int
	CacheReadTokens    int
	CostUSD            float64
	ToolsUsed          []string

	LastHeartbeat *time.Time
	Final         *FinalResult
	Error         *RunError
	TraceID       string

	CreatedAt time.Time
}

// ListFilter narrows GET /runs results.
type ListFilter struct {
	Status       Status
	WorkflowName string
	SessionName  string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// ActiveHandle is the in-memory bundle of live handles for a running run —
// rebuilt empty on every process start per SPEC_FULL §4.5; children cannot
// be re-adopted across restarts.
type ActiveHandle struct {
	Cancel func()
}

// Registry is the C5 durable store plus active index.
type Registry struct {
	db *sql.DB

	activeMu sync.Mutex
	active   map[string]*ActiveHandle

	// transitionMu serializes the pending->running edge per run, per
	// SPEC_FULL §5 ("a per-run mutex in the active index").
	transitionMu sync.Map // run_id -> *sync.Mutex
}

// Open opens (creating if necessary) the SQLite-backed registry at dsn.
func Open(dsn string) (*Registry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite write-serializes regardless; avoid lock thrash.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying registry schema: %w", err)
	}
	return &Registry{db: db, active: make(map[string]*ActiveHandle)}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a new Run row with status=pending.
func (r *Registry) Create(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	run.Status = StatusPending
	run.CreatedAt = time.Now().UTC()

	tools, _ := json.Marshal(run.ToolsUsed)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, workflow_name, session_id, session_name, user_id, status,
			workspace_persistent, git_branch, repository_url, callback_url, input_format,
			max_turns, timeout_seconds, create_pr_on_success, pr_title, pr_body,
			auto_merge, provider_key, encrypted_access_token, tools_used, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.WorkflowName, run.SessionID, nullable(run.SessionName), nullable(run.UserID),
		run.Status, boolInt(run.WorkspacePersistent), nullable(run.GitBranch), nullable(run.RepositoryURL),
		nullable(run.CallbackURL), run.InputFormat, run.MaxTurns, run.TimeoutSeconds, boolInt(run.CreatePROnSuccess),
		nullable(run.PRTitle), nullable(run.PRBody), boolInt(run.AutoMerge),
		nullable(run.ProviderKey), nullable(run.EncryptedAccessToken), string(tools), run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return apperror.Internal("persisting run: %v", err)
	}
	return nil
}

// lockFor returns the per-run transition mutex, creating it on first use.
func (r *Registry) lockFor(runID string) *sync.Mutex {
	v, _ := r.transitionMu.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Transition moves run_id from its current status to newStatus, validating
// the edge, and stamping started_at/completed_at as appropriate. It is the
// only writer of terminal transitions per run (SPEC_FULL §5).
func (r *Registry) Transition(ctx context.Context, runID string, newStatus Status, runErr *RunError, final *FinalResult) error {
	mu := r.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := r.Read(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == newStatus && newStatus.IsTerminal() {
		return nil // idempotent repeat of the same terminal transition
	}
	if !ValidateTransition(run.Status, newStatus) {
		return apperror.InvalidState("cannot transition run %s from %s to %s", runID, run.Status, newStatus)
	}

	now := time.Now().UTC()
	var startedAt, completedAt *string
	if newStatus == StatusRunning && run.StartedAt == nil {
		s := now.Format(time.RFC3339)
		startedAt = &s
	}
	if newStatus.IsTerminal() {
		c := now.Format(time.RFC3339)
		completedAt = &c
	}

	var errKind, errMsg, errPhase sql.NullString
	if runErr != nil {
		errKind = sql.NullString{String: string(runErr.Kind), Valid: true}
		errMsg = sql.NullString{String: runErr.Message, Valid: true}
		errPhase = sql.NullString{String: runErr.Phase, Valid: true}
	}

	var finalSuccess sql.NullBool
	var finalText sql.NullString
	var filesJSON, commitsJSON string
	if final != nil {
		finalSuccess = sql.NullBool{Bool: final.Success, Valid: true}
		finalText = sql.NullString{String: final.ResultText, Valid: true}
		fb, _ := json.Marshal(final.FilesCreated)
		cb, _ := json.Marshal(final.GitCommits)
		filesJSON, commitsJSON = string(fb), string(cb)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE runs SET status=?,
			started_at=COALESCE(?, started_at),
			completed_at=COALESCE(?, completed_at),
			error_kind=?, error_message=?, error_phase=?,
			final_success=?, final_result_text=?,
			final_files_created=CASE WHEN ?='' THEN final_files_created ELSE ? END,
			final_git_commits=CASE WHEN ?='' THEN final_git_commits ELSE ? END
		WHERE run_id=?`,
		newStatus, startedAt, completedAt,
		errKind, errMsg, errPhase,
		finalSuccess, finalText,
		filesJSON, filesJSON, commitsJSON, commitsJSON,
		runID,
	)
	if err != nil {
		return apperror.Internal("transitioning run %s: %v", runID, err)
	}
	return nil
}

// UpdateMetrics applies a stream snapshot atomically, keeping the larger of
// stored vs incoming for every monotonic counter (SPEC_FULL §4.5).
func (r *Registry) UpdateMetrics(ctx context.Context, runID string, snap *event.Snapshot) error {
	var toolsJSON string
	if len(snap.ToolsUsed) > 0 {
		b, _ := json.Marshal(snap.ToolsUsed)
		toolsJSON = string(b)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET
			turns = MAX(turns, ?),
			input_tokens = MAX(input_tokens, ?),
			output_tokens = MAX(output_tokens, ?),
			cache_created_tokens = MAX(cache_created_tokens, ?),
			cache_read_tokens = MAX(cache_read_tokens, ?),
			cost_usd = MAX(cost_usd, ?),
			tools_used = CASE WHEN ?='' THEN tools_used ELSE ? END,
			last_heartbeat = ?
		WHERE run_id = ?`,
		snap.Turns, snap.InputTokens, snap.OutputTokens,
		snap.CacheCreatedTokens, snap.CacheReadTokens, snap.CostUSD,
		toolsJSON, toolsJSON,
		snap.LastEventAt.UTC().Format(time.RFC3339),
		runID,
	)
	if err != nil {
		return apperror.Internal("updating run metrics %s: %v", runID, err)
	}
	return nil
}

// UpdateHeartbeat bumps last_heartbeat without touching other fields.
func (r *Registry) UpdateHeartbeat(ctx context.Context, runID string, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET last_heartbeat=? WHERE run_id=?`, t.UTC().Format(time.RFC3339), runID)
	if err != nil {
		return apperror.Internal("updating heartbeat %s: %v", runID, err)
	}
	return nil
}

// SetPRResult records the branch/PR metadata after a successful PR flow.
func (r *Registry) SetPRResult(ctx context.Context, runID, branch, prURL string, prNumber int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET git_branch=?, pr_url=?, pr_number=? WHERE run_id=?`,
		branch, prURL, prNumber, runID)
	if err != nil {
		return apperror.Internal("recording PR result %s: %v", runID, err)
	}
	return nil
}

// SetWorkspace records the allocated workspace path once acquired.
func (r *Registry) SetWorkspace(ctx context.Context, runID, path string, persistent bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET workspace_path=?, workspace_persistent=? WHERE run_id=?`,
		path, boolInt(persistent), runID)
	if err != nil {
		return apperror.Internal("recording workspace %s: %v", runID, err)
	}
	return nil
}

// ClearWorkspace clears workspace_path after an ephemeral release.
func (r *Registry) ClearWorkspace(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET workspace_path='' WHERE run_id=?`, runID)
	return err
}

// SetTraceID records the OpenTelemetry trace correlating this run's spans.
func (r *Registry) SetTraceID(ctx context.Context, runID, traceID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET trace_id=? WHERE run_id=?`, traceID, runID)
	return err
}

// Read loads one run by id.
func (r *Registry) Read(ctx context.Context, runID string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectCols+` WHERE run_id=?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("run %s not found", runID)
	}
	if err != nil {
		return nil, apperror.Internal("reading run %s: %v", runID, err)
	}
	return run, nil
}

// FindLatestBySession returns the newest run sharing session_id, used to
// resolve continuation metadata when a caller starts a run against an
// existing session (SPEC_FULL §4.6 step 1).
func (r *Registry) FindLatestBySession(ctx context.Context, sessionID string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectCols+` WHERE session_id=? ORDER BY created_at DESC LIMIT 1`, sessionID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("no prior run found for session %s", sessionID)
	}
	if err != nil {
		return nil, apperror.Internal("finding session %s: %v", sessionID, err)
	}
	return run, nil
}

// List returns runs matching filter, newest first.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]*Run, error) {
	query := selectCols + ` WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.WorkflowName != "" {
		query += ` AND workflow_name=?`
		args = append(args, f.WorkflowName)
	}
	if f.SessionName != "" {
		query += ` AND session_name=?`
		args = append(args, f.SessionName)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if f.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Internal("listing runs: %v", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperror.Internal("scanning run: %v", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// FindStuck returns run_ids currently running with a heartbeat older than
// now-threshold.
func (r *Registry) FindStuck(ctx context.Context, now time.Time, threshold time.Duration) ([]string, error) {
	cutoff := now.Add(-threshold).UTC().Format(time.RFC3339)
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE status=? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusRunning, cutoff)
	if err != nil {
		return nil, apperror.Internal("finding stuck runs: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReconcileOrphans fails every run left in pending/running after a restart —
// their subprocess stdout pipe is gone and cannot be re-adopted
// (SPEC_FULL §9 "Orphan runs after restart").
func (r *Registry) ReconcileOrphans(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status=?, completed_at=?, error_kind=?, error_message=?
		WHERE status IN (?, ?)`,
		StatusFailed, time.Now().UTC().Format(time.RFC3339),
		apperror.KindOrphaned, "orchestrator restarted; subprocess not recoverable",
		StatusPending, StatusRunning,
	)
	if err != nil {
		return 0, apperror.Internal("reconciling orphans: %v", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RegisterActive adds a run to the in-memory active index.
func (r *Registry) RegisterActive(runID string, h *ActiveHandle) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	r.active[runID] = h
}

// DeregisterActive removes a run from the active index.
func (r *Registry) DeregisterActive(runID string) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	delete(r.active, runID)
	r.transitionMu.Delete(runID)
}

// ActiveHandleFor returns the live handle for runID, if any.
func (r *Registry) ActiveHandleFor(runID string) (*ActiveHandle, bool) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	h, ok := r.active[runID]
	return h, ok
}

const selectCols = `SELECT
	run_id, workflow_name, session_id, session_name, user_id, status,
	started_at, completed_at, workspace_path, workspace_persistent,
	git_branch, repository_url, callback_url, input_format, max_turns, timeout_seconds,
	create_pr_on_success, pr_title, pr_body, auto_merge, pr_url, pr_number,
	provider_key, encrypted_access_token,
	turns, input_tokens, output_tokens, cache_created_tokens, cache_read_tokens,
	cost_usd, tools_used, last_heartbeat,
	final_success, final_result_text, final_files_created, final_git_commits,
	error_kind, error_message, error_phase, trace_id, created_at
FROM runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var sessionName, userID, workspacePath, gitBranch, repoURL, callbackURL, prTitle, prBody, prURL, providerKey, encToken sql.NullString
	var startedAt, completedAt, lastHeartbeat sql.NullString
	var maxTurns, prNumber sql.NullInt64
	var workspacePersistent, createPR, autoMerge int
	var toolsJSON string
	var finalSuccess sql.NullBool
	var finalText, filesJSON, commitsJSON sql.NullString
	var errKind, errMsg, errPhase, traceID sql.NullString
	var createdAt string

	if err := s.Scan(
		&run.RunID, &run.WorkflowName, &run.SessionID, &sessionName, &userID, &run.Status,
		&startedAt, &completedAt, &workspacePath, &workspacePersistent,
		&gitBranch, &repoURL, &callbackURL, &run.InputFormat, &maxTurns, &run.TimeoutSeconds,
		&createPR, &prTitle, &prBody, &autoMerge, &prURL, &prNumber,
		&providerKey, &encToken,
		&run.Turns, &run.InputTokens, &run.OutputTokens, &run.CacheCreatedTokens, &run.CacheReadTokens,
		&run.CostUSD, &toolsJSON, &lastHeartbeat,
		&finalSuccess, &finalText, &filesJSON, &commitsJSON,
		&errKind, &errMsg, &errPhase, &traceID, &createdAt,
	); err != nil {
		return nil, err
	}

	run.SessionName = sessionName.String
	run.UserID = userID.String
	run.WorkspacePath = workspacePath.String
	run.WorkspacePersistent = workspacePersistent != 0
	run.GitBranch = gitBranch.String
	run.RepositoryURL = repoURL.String
	run.CallbackURL = callbackURL.String
	run.CreatePROnSuccess = createPR != 0
	run.PRTitle = prTitle.String
	run.PRBody = prBody.String
	run.AutoMerge = autoMerge != 0
	run.PRURL = prURL.String
	run.ProviderKey = providerKey.String
	run.EncryptedAccessToken = encToken.String
	run.TraceID = traceID.String

	if maxTurns.Valid {
		v := int(maxTurns.Int64)
		run.MaxTurns = &v
	}
	if prNumber.Valid {
		v := int(prNumber.Int64)
		run.PRNumber = &v
	}
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	if lastHeartbeat.Valid {
		t, _ := time.Parse(time.RFC3339, lastHeartbeat.String)
		run.LastHeartbeat = &t
	}
	if toolsJSON != "" {
		_ = json.Unmarshal([]byte(toolsJSON), &run.ToolsUsed)
	}
	if finalSuccess.Valid {
		final := &FinalResult{Success: finalSuccess.Bool, ResultText: finalText.String}
		if filesJSON.Valid && filesJSON.String != "" {
			_ = json.Unmarshal([]byte(filesJSON.String), &final.FilesCreated)
		}
		if commitsJSON.Valid && commitsJSON.String != "" {
			_ = json.Unmarshal([]byte(commitsJSON.String), &final.GitCommits)
		}
		run.Final = final
	}
	if errKind.Valid {
		run.Error = &RunError{Kind: apperror.Kind(errKind.String), Message: errMsg.String, Phase: errPhase.String}
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &run, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
