// Package orchestrator implements the Run Orchestrator (C6), the top-level
// component that wires workspace acquisition, process supervision, the
// event pipeline, and run persistence into one asynchronous operation per
// run. It is grounded on the teacher's internal/worker/executor.go Execute
// method, generalized from one task per queue pop to one run per HTTP call.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/freema/workflowd/internal/apperror"
	"github.com/freema/workflowd/internal/cli"
	"github.com/freema/workflowd/internal/config"
	"github.com/freema/workflowd/internal/event"
	gitpkg "github.com/freema/workflowd/internal/git"
	"github.com/freema/workflowd/internal/keys"
	"github.com/freema/workflowd/internal/logger"
	"github.com/freema/workflowd/internal/mcp"
	"github.com/freema/workflowd/internal/metrics"
	"github.com/freema/workflowd/internal/redisclient"
	"github.com/freema/workflowd/internal/registry"
	"github.com/freema/workflowd/internal/supervisor"
	"github.com/freema/workflowd/internal/tracing"
	"github.com/freema/workflowd/internal/webhook"
	"github.com/freema/workflowd/internal/workflow"
	"github.com/freema/workflowd/internal/workspace"
)

// StartRunRequest is the orchestrator-level view of POST /runs, already
// validated by the HTTP handler's struct tags.
type StartRunRequest struct {
	WorkflowName      string
	Message           string
	MaxTurns          *int
	SessionID         string
	SessionName       string
	UserID            string
	GitBranch         string
	RepositoryURL     string
	ProviderKey       string
	TimeoutSeconds    int
	InputFormat       string
	CreatePROnSuccess bool
	PRTitle           string
	PRBody            string
	CallbackURL       string

	Persistent    bool
	TempWorkspace bool
	AutoMerge     bool
}

// StartRunResult is the immediate response to StartRun; the run continues
// executing asynchronously after this is returned.
type StartRunResult struct {
	RunID     string
	SessionID string
	Status    registry.Status
	StartedAt time.Time
}

// CancelResult acknowledges a cancel request; the final status is set
// asynchronously by the completion handler.
type CancelResult struct {
	Acknowledged bool
}

// InjectResult acknowledges a message injected into a running stream-json
// child.
type InjectResult struct {
	MessageID  string
	InjectedAt time.Time
}

// active bundles the live handles for one currently-running run. It exists
// only in memory and is rebuilt empty on every process restart — matching
// the registry's own "active index" contract (SPEC_FULL §4.5).
type active struct {
	sup        *supervisor.Supervisor
	proc       *event.Processor
	ws         *workspace.Workspace
	cancel     context.CancelFunc
	request    StartRunRequest
	baseCommit string
}

// Orchestrator is C6: the sole writer of terminal registry rows and the
// owner of the bounded-concurrency run pool.
type Orchestrator struct {
	cfg          config.Config
	reg          *registry.Registry
	workspaces   *workspace.Manager
	workflows    *workflow.Registry
	keyResolver  *keys.Resolver
	keyRegistry  *keys.Registry
	mcpInstaller *mcp.Installer
	webhookSend  *webhook.Sender
	analyzer     *cli.Analyzer
	redis        *redisclient.Client

	sem chan struct{}

	mu     sync.Mutex
	active map[string]*active
}

// Deps bundles the Orchestrator's collaborators so New has one readable
// call site in cmd/workflowd/main.go.
type Deps struct {
	Config       config.Config
	Registry     *registry.Registry
	Workspaces   *workspace.Manager
	Workflows    *workflow.Registry
	KeyResolver  *keys.Resolver
	KeyRegistry  *keys.Registry
	MCPInstaller *mcp.Installer
	Webhook      *webhook.Sender
	Analyzer     *cli.Analyzer
	Redis        *redisclient.Client
}

// New constructs an Orchestrator. A configured maxConcurrent <= 0 falls
// back to a limit of 16 concurrent runs.
func New(d Deps) *Orchestrator {
	maxConcurrent := d.Config.Run.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Orchestrator{
		cfg:          d.Config,
		reg:          d.Registry,
		workspaces:   d.Workspaces,
		workflows:    d.Workflows,
		keyResolver:  d.KeyResolver,
		keyRegistry:  d.KeyRegistry,
		mcpInstaller: d.MCPInstaller,
		webhookSend:  d.Webhook,
		analyzer:     d.Analyzer,
		redis:        d.Redis,
		sem:          make(chan struct{}, maxConcurrent),
		active:       make(map[string]*active),
	}
}

// StartRun validates, persists, acquires a workspace, spawns the child, and
// returns immediately — the run continues on its own goroutine past this
// call (SPEC_FULL §4.6).
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResult, error) {
	if !o.workflows.Known(req.WorkflowName) {
		return nil, apperror.NotFound("unknown workflow %q", req.WorkflowName)
	}
	if req.MaxTurns != nil && (*req.MaxTurns < 1 || *req.MaxTurns > 200) {
		return nil, apperror.Validation("max_turns must be between 1 and 200")
	}
	if req.TempWorkspace && (req.RepositoryURL != "" || req.GitBranch != "") {
		return nil, apperror.Validation("temp_workspace cannot be combined with repository_url or git_branch")
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = o.cfg.Run.DefaultTimeoutSec
	}
	if req.TimeoutSeconds < 60 || req.TimeoutSeconds > o.cfg.Run.MaxTimeoutSec {
		return nil, apperror.Validation("timeout_seconds must be between 60 and %d", o.cfg.Run.MaxTimeoutSec)
	}
	if req.InputFormat == "" {
		req.InputFormat = "text"
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := o.reg.FindLatestBySession(ctx, sessionID); err != nil {
		return nil, err
	}

	run := &registry.Run{
		WorkflowName:         req.WorkflowName,
		SessionID:            sessionID,
		SessionName:          req.SessionName,
		UserID:               req.UserID,
		GitBranch:            req.GitBranch,
		RepositoryURL:        req.RepositoryURL,
		CallbackURL:          req.CallbackURL,
		InputFormat:          req.InputFormat,
		MaxTurns:             req.MaxTurns,
		TimeoutSeconds:       req.TimeoutSeconds,
		CreatePROnSuccess:    req.CreatePROnSuccess,
		PRTitle:              req.PRTitle,
		PRBody:               req.PRBody,
		AutoMerge:            req.AutoMerge,
		ProviderKey:          req.ProviderKey,
		WorkspacePersistent:  req.Persistent && !req.TempWorkspace,
	}
	if err := o.reg.Create(ctx, run); err != nil {
		return nil, apperror.Internal("creating run: %v", err)
	}
	runID := run.RunID
	log := logger.FromContext(ctx).With("run_id", runID, "workflow", req.WorkflowName)

	select {
	case o.sem <- struct{}{}:
	default:
		log.Warn("concurrency limit reached, run will wait for a slot")
		o.sem <- struct{}{}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	spanCtx, span := tracing.Tracer().Start(runCtx, "run.execute", tracing.WithRunAttributes(runID, req.WorkflowName))
	traceID := tracing.TraceIDFromContext(spanCtx)
	if traceID != "" {
		_ = o.reg.SetTraceID(ctx, runID, traceID)
	}

	accessToken := ""
	if req.RepositoryURL != "" {
		resolved, resolveErr := o.keyResolver.ResolveToken(spanCtx, req.RepositoryURL, "", req.ProviderKey)
		if resolveErr != nil {
			log.Warn("could not resolve git access token", "error", resolveErr)
		}
		accessToken = resolved
	}

	ws, err := o.workspaces.Acquire(spanCtx, workspace.AcquireRequest{
		RunID:         runID,
		WorkflowName:  req.WorkflowName,
		Persistent:    req.Persistent,
		TempWorkspace: req.TempWorkspace,
		RepositoryURL: req.RepositoryURL,
		GitBranch:     req.GitBranch,
		AccessToken:   accessToken,
	})
	if err != nil {
		span.End()
		cancel()
		<-o.sem
		_ = o.reg.Transition(ctx, runID, registry.StatusFailed, &registry.RunError{
			Kind: apperror.KindWorkspaceError, Message: err.Error(), Phase: "workspace_acquire",
		}, nil)
		return nil, err
	}
	_ = o.reg.SetWorkspace(ctx, runID, ws.Path, ws.Persistent())

	baseCommit := ""
	if ws.Kind != workspace.KindEphemeral {
		if head, headErr := gitpkg.HeadCommit(spanCtx, ws.Path); headErr == nil {
			baseCommit = head
		}
	}

	if err := o.mcpInstaller.Setup(spanCtx, ws.Path, req.WorkflowName, nil); err != nil {
		log.Warn("mcp setup failed, continuing without mcp config", "error", err)
	}

	proc := event.NewProcessor(maxTurnsOrZero(req.MaxTurns))
	sup := supervisor.New(o.buildSpawnOptions(runID, req, ws, proc, log))

	if err := sup.Start(spanCtx); err != nil {
		span.End()
		cancel()
		<-o.sem
		_ = o.workspaces.Release(ctx, ws, false)
		_ = o.reg.Transition(ctx, runID, registry.StatusFailed, &registry.RunError{
			Kind: apperror.KindSpawnError, Message: err.Error(), Phase: "spawn",
		}, nil)
		return nil, apperror.Spawn("starting child process: %v", err)
	}

	a := &active{sup: sup, proc: proc, ws: ws, cancel: cancel, request: req, baseCommit: baseCommit}
	o.mu.Lock()
	o.active[runID] = a
	o.mu.Unlock()
	o.reg.RegisterActive(runID, &registry.ActiveHandle{Cancel: func() { sup.Kill(supervisor.CauseKilledByUser) }})

	if err := o.reg.Transition(ctx, runID, registry.StatusRunning, nil, nil); err != nil {
		log.Error("failed to transition run to running", "error", err)
	}
	metrics.RunsStarted.WithLabelValues(req.WorkflowName).Inc()
	metrics.ActiveRuns.Inc()

	go o.awaitCompletion(spanCtx, span, runID, a)

	now := time.Now().UTC()
	return &StartRunResult{RunID: runID, SessionID: sessionID, Status: registry.StatusPending, StartedAt: now}, nil
}

// buildSpawnOptions composes the supervised child's argv/env and wires its
// stdout line callback through the C1→C2→C5→SSE pipeline.
func (o *Orchestrator) buildSpawnOptions(runID string, req StartRunRequest, ws *workspace.Workspace, proc *event.Processor, log *slog.Logger) supervisor.SpawnOptions {
	prompt, _ := o.workflows.Prompt(req.WorkflowName)

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if req.InputFormat == "stream-json" {
		args = append(args, "--input-format", "stream-json")
	}
	if prompt != "" {
		args = append(args, "--system-prompt", prompt)
	}
	if req.MaxTurns != nil {
		args = append(args, "--max-turns", fmt.Sprintf("%d", *req.MaxTurns))
	}
	model := o.cfg.CLI.ClaudeCode.DefaultModel
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.InputFormat != "stream-json" {
		args = append(args, req.Message)
	}

	env := map[string]string{}
	apiKey := o.resolveAnthropicKey(context.Background(), req.ProviderKey)
	if apiKey != "" {
		env["ANTHROPIC_API_KEY"] = apiKey
	}

	turnIndex := 0
	return supervisor.SpawnOptions{
		BinaryPath: o.cfg.CLI.ClaudeCode.Path,
		Args:       args,
		WorkDir:    ws.Path,
		Env:        env,
		RunTimeout: time.Duration(req.TimeoutSeconds) * time.Second,
		Inactivity: time.Duration(o.cfg.Run.InactivityTimeoutSec) * time.Second,
		OnLine: func(line []byte) {
			ev, perr := event.ParseLine(line, turnIndex, time.Now())
			if perr != nil {
				proc.ApplyParseError(perr)
				metrics.EventParseErrors.WithLabelValues(string(perr.Kind)).Inc()
				return
			}
			if ev == nil {
				return
			}
			if ev.Kind == event.KindAssistant {
				turnIndex++
			}
			proc.Apply(ev)
			snap := proc.Snapshot()
			bgCtx := context.Background()
			if err := o.reg.UpdateMetrics(bgCtx, runID, snap); err != nil {
				log.Warn("updating run metrics failed", "error", err)
			}
			if err := o.reg.UpdateHeartbeat(bgCtx, runID, time.Now()); err != nil {
				log.Warn("updating run heartbeat failed", "error", err)
			}
			metrics.StdoutLineBytes.Observe(float64(len(line)))
			o.publishLine(bgCtx, runID, line)
		},
		OnParseError: func(pe *event.ParseError) {
			proc.ApplyParseError(pe)
			metrics.EventParseErrors.WithLabelValues(string(pe.Kind)).Inc()
		},
	}
}

func (o *Orchestrator) resolveAnthropicKey(ctx context.Context, providerKey string) string {
	if providerKey != "" && o.keyRegistry != nil {
		if token, err := o.keyRegistry.Resolve(ctx, "anthropic", providerKey); err == nil {
			return token
		}
	}
	return o.cfg.CLI.ClaudeCode.APIKey
}

func maxTurnsOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// awaitCompletion blocks on the supervisor's exit and runs the single
// completion handler that finalizes the registry row, optionally opens a
// PR, fires the webhook, and releases the workspace.
func (o *Orchestrator) awaitCompletion(ctx context.Context, span trace.Span, runID string, a *active) {
	defer span.End()
	defer func() {
		<-o.sem
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
		o.reg.DeregisterActive(runID)
		metrics.ActiveRuns.Dec()
	}()

	res := <-a.sup.Done()
	log := slog.With("run_id", runID)

	run, err := o.reg.Read(context.Background(), runID)
	if err != nil {
		log.Error("completion handler could not read run", "error", err)
		return
	}

	changes := o.calculateWorkspaceChanges(context.Background(), res, a)

	newStatus, runErr, final := o.classifyExit(res, a.proc.Snapshot(), changes)
	if err := o.reg.Transition(context.Background(), runID, newStatus, runErr, final); err != nil {
		log.Error("completion transition failed", "error", err)
	}
	metrics.RunsCompleted.WithLabelValues(run.WorkflowName, string(newStatus)).Inc()
	if run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(run.WorkflowName, string(newStatus)).Observe(time.Since(*run.StartedAt).Seconds())
	}

	autoCommit := newStatus == registry.StatusCompleted && o.cfg.Run.AutoCommitEnabled
	if newStatus == registry.StatusCompleted && run.CreatePROnSuccess {
		o.tryCreatePR(context.Background(), runID, run, a, changes)
	}

	if err := o.workspaces.Release(context.Background(), a.ws, autoCommit); err != nil {
		log.Warn("workspace release failed", "error", err)
	}
	if !a.ws.Persistent() {
		_ = o.reg.ClearWorkspace(context.Background(), runID)
	}

	o.publishDone(context.Background(), runID, newStatus)

	if run.CallbackURL != "" {
		o.dispatchWebhook(context.Background(), runID, run, newStatus, runErr, final)
	}
}

// calculateWorkspaceChanges diffs the workspace against its pre-run HEAD so
// the terminal FinalResult can report which files and commits a run
// produced, independent of whether a PR ends up getting opened. Skipped for
// ephemeral workspaces (never a git repo) and cancelled runs.
func (o *Orchestrator) calculateWorkspaceChanges(ctx context.Context, res supervisor.ExitResult, a *active) *gitpkg.ChangesSummary {
	if res.Cause == supervisor.CauseKilledByUser || a.ws.Kind == workspace.KindEphemeral {
		return nil
	}
	changes, err := gitpkg.CalculateChanges(ctx, a.ws.Path)
	if err != nil {
		slog.Warn("diffing workspace for final result failed", "run_id", a.ws.RunID, "error", err)
		return nil
	}
	if commits, err := gitpkg.CommitsSince(ctx, a.ws.Path, a.baseCommit); err == nil {
		changes.Commits = commits
	}
	return changes
}

// classifyExit maps a supervisor ExitResult plus the last processor
// snapshot onto the registry's terminal status/error/final triple.
func (o *Orchestrator) classifyExit(res supervisor.ExitResult, snap *event.Snapshot, changes *gitpkg.ChangesSummary) (registry.Status, *registry.RunError, *registry.FinalResult) {
	if res.Cause == supervisor.CauseKilledByUser {
		return registry.StatusKilled, &registry.RunError{Kind: apperror.KindKilledByUser, Message: "run cancelled", Phase: "execution"}, nil
	}

	var final *registry.FinalResult
	if snap.Final != nil {
		final = &registry.FinalResult{
			Success:    snap.Final.Success,
			ResultText: snap.Final.ResultText,
		}
		if changes != nil {
			final.FilesCreated = changes.CreatedFiles
			final.GitCommits = changes.Commits
		}
	}

	switch res.Cause {
	case supervisor.CauseOK:
		if final != nil && final.Success {
			return registry.StatusCompleted, nil, final
		}
		return registry.StatusFailed, &registry.RunError{Kind: apperror.KindNonzeroExit, Message: "child reported failure", Phase: "execution"}, final
	case supervisor.CauseTimeout, supervisor.CauseInactivity:
		return registry.StatusFailed, &registry.RunError{Kind: apperror.KindTimeout, Message: string(res.Cause), Phase: "execution"}, final
	case supervisor.CauseUnkillable:
		return registry.StatusFailed, &registry.RunError{Kind: apperror.KindUnkillable, Message: errString(res.Err), Phase: "termination"}, final
	case supervisor.CauseSpawnFailed:
		return registry.StatusFailed, &registry.RunError{Kind: apperror.KindSpawnError, Message: errString(res.Err), Phase: "spawn"}, final
	default:
		return registry.StatusFailed, &registry.RunError{Kind: apperror.KindNonzeroExit, Message: errString(res.Err), Phase: "execution"}, final
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// tryCreatePR diffs the workspace, auto-generates PR metadata, pushes a
// branch, and opens a PR/MR — grounded on the teacher's
// internal/worker/executor.go PR-creation tail and internal/git clients.
func (o *Orchestrator) tryCreatePR(ctx context.Context, runID string, run *registry.Run, a *active, changes *gitpkg.ChangesSummary) {
	log := slog.With("run_id", runID)
	if run.RepositoryURL == "" {
		log.Warn("create_pr_on_success set without repository_url, skipping")
		return
	}
	if changes == nil {
		log.Info("no workspace diff available, skipping PR")
		return
	}
	if changes.FilesModified+changes.FilesCreated+changes.FilesDeleted == 0 {
		log.Info("no changes to open a PR for")
		return
	}

	repoInfo, err := gitpkg.ParseRepoURL(run.RepositoryURL, o.cfg.Git.ProviderDomains)
	if err != nil {
		log.Warn("parsing repository_url for PR failed", "error", err)
		return
	}
	token, err := o.keyResolver.ResolveToken(ctx, run.RepositoryURL, "", run.ProviderKey)
	if err != nil {
		log.Warn("resolving access token for PR failed", "error", err)
		return
	}

	analysis := o.analyzer.Analyze(ctx, a.request.Message, changes.DiffStats, runID)
	title := run.PRTitle
	if title == "" {
		title = analysis.PRTitle
	}
	body := run.PRBody
	if body == "" {
		body = analysis.Description
	}
	branchName := gitpkg.GenerateBranchName(ctx, a.ws.Path, o.cfg.Git.BranchPrefix, analysis.BranchSlug)
	commitMsg := gitpkg.FormatCommitMessage(title, runID, o.cfg.Git.CommitAuthor, o.cfg.Git.CommitEmail)

	if err := gitpkg.CreateBranchAndPush(ctx, gitpkg.BranchOptions{
		WorkDir: a.ws.Path, BranchName: branchName, CommitMsg: commitMsg,
		AuthorName: o.cfg.Git.CommitAuthor, AuthorEmail: o.cfg.Git.CommitEmail, Token: token,
	}); err != nil {
		log.Warn("pushing PR branch failed", "error", err)
		return
	}

	result, err := gitpkg.CreatePR(ctx, repoInfo, token, gitpkg.PRCreateOptions{
		Title: title, Description: body, Branch: branchName, BaseBranch: "main",
	})
	if err != nil {
		log.Warn("creating PR failed", "error", err)
		return
	}
	if err := o.reg.SetPRResult(ctx, runID, branchName, result.URL, result.Number); err != nil {
		log.Warn("recording PR result failed", "error", err)
	}
}

func (o *Orchestrator) dispatchWebhook(ctx context.Context, runID string, run *registry.Run, status registry.Status, runErr *registry.RunError, final *registry.FinalResult) {
	payload := webhook.Payload{
		RunID:      runID,
		Status:     string(status),
		FinishedAt: time.Now().UTC(),
		TraceID:    run.TraceID,
	}
	if final != nil {
		payload.Result = final.ResultText
	}
	if runErr != nil {
		payload.Error = runErr.Message
	}
	payload.Usage = &webhook.Usage{
		InputTokens:  run.InputTokens,
		OutputTokens: run.OutputTokens,
		CostUSD:      run.CostUSD,
	}
	if err := o.webhookSend.Send(ctx, run.CallbackURL, payload); err != nil {
		slog.Warn("webhook delivery failed", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) publishLine(ctx context.Context, runID string, line []byte) {
	if o.redis == nil {
		return
	}
	streamKey := o.redis.Key("run", runID, "stream")
	historyKey := o.redis.Key("run", runID, "history")
	rdb := o.redis.Unwrap()
	rdb.Publish(ctx, streamKey, line)
	rdb.RPush(ctx, historyKey, line)
	rdb.LTrim(ctx, historyKey, -1000, -1)
	rdb.Expire(ctx, historyKey, time.Hour)
}

func (o *Orchestrator) publishDone(ctx context.Context, runID string, status registry.Status) {
	if o.redis == nil {
		return
	}
	doneKey := o.redis.Key("run", runID, "done")
	payload := fmt.Sprintf(`{"run_id":%q,"status":%q}`, runID, status)
	o.redis.Unwrap().Publish(ctx, doneKey, payload)
}

// Cancel requests termination of a running run (SPEC_FULL §4.6 Cancel).
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*CancelResult, error) {
	run, err := o.reg.Read(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, apperror.InvalidState("run %s already finished with status %s", runID, run.Status)
	}

	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		_ = o.reg.Transition(ctx, runID, registry.StatusFailed, &registry.RunError{
			Kind: apperror.KindOrphaned, Message: "no active process for running run", Phase: "cancel",
		}, nil)
		return nil, apperror.Orphaned("run %s has no active process", runID)
	}
	a.sup.Kill(supervisor.CauseKilledByUser)
	return &CancelResult{Acknowledged: true}, nil
}

// InjectMessage writes one line to a running stream-json child's stdin
// (SPEC_FULL §4.6 InjectMessage).
func (o *Orchestrator) InjectMessage(ctx context.Context, runID, text string) (*InjectResult, error) {
	run, err := o.reg.Read(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != registry.StatusRunning || run.InputFormat != "stream-json" {
		return nil, apperror.InvalidState("run %s is not an active stream-json run", runID)
	}

	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return nil, apperror.InvalidState("run %s has no active process", runID)
	}

	timeout := time.Duration(o.cfg.Run.InjectAcquireTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	injectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.sup.Inject(injectCtx, text); err != nil {
		if injectCtx.Err() != nil {
			return nil, apperror.WorkspaceNotReady("timed out acquiring run %s stdin", runID)
		}
		return nil, apperror.Internal("injecting message: %v", err)
	}

	return &InjectResult{MessageID: uuid.NewString(), InjectedAt: time.Now().UTC()}, nil
}

// Snapshot returns the live processor snapshot for an active run, used by
// the Status Reporter (C7) to overlay in-flight aggregates on the
// persisted row.
func (o *Orchestrator) Snapshot(runID string) (*event.Snapshot, bool) {
	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	return a.proc.Snapshot(), true
}

// StderrTail returns the captured stderr tail for an active run, used by
// the detailed status view.
func (o *Orchestrator) StderrTail(runID string) (string, bool) {
	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	return a.sup.StderrTail(), true
}

// HistoryTail returns the last n raw stdout lines recorded for runID in
// Redis, used by the detailed status view. Returns ok=false if Redis isn't
// configured or nothing has been recorded yet.
func (o *Orchestrator) HistoryTail(ctx context.Context, runID string, n int) ([]string, bool) {
	if o.redis == nil {
		return nil, false
	}
	historyKey := o.redis.Key("run", runID, "history")
	lines, err := o.redis.Unwrap().LRange(ctx, historyKey, int64(-n), -1).Result()
	if err != nil || len(lines) == 0 {
		return nil, false
	}
	return lines, true
}

// IsActive reports whether runID currently has a live supervisor, used by
// the reaper to distinguish stuck-but-alive runs from true orphans.
func (o *Orchestrator) IsActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[runID]
	return ok
}

// CancelIfActive is the reaper's entry point: cancel a run it still holds
// the supervisor for, otherwise report false so the caller marks it failed
// directly (SPEC_FULL §4.8).
func (o *Orchestrator) CancelIfActive(runID string) bool {
	o.mu.Lock()
	a, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	a.sup.Kill(supervisor.CauseKilledByUser)
	return true
}
