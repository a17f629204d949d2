// Package workspace allocates and releases the per-run filesystem working
// trees the supervisor spawns children into.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/freema/workflowd/internal/apperror"
	"github.com/freema/workflowd/internal/config"
	"github.com/freema/workflowd/internal/git"
	"github.com/freema/workflowd/internal/redisclient"
)

// Kind names one of the four allocation modes from SPEC_FULL §4.3.
type Kind string

const (
	KindEphemeral          Kind = "ephemeral"
	KindPersistentMain     Kind = "persistent_main"
	KindPersistentWorkflow Kind = "persistent_workflow"
	KindExternalClone      Kind = "external_clone"
)

// Workspace is a filesystem directory plus (for persistent kinds) a real
// git worktree entry registered against the base repository; an
// external_clone workspace is a standalone clone.
type Workspace struct {
	Path         string
	Branch       string
	BaseRepoPath string
	Kind         Kind
	AllocatedAt  time.Time
	RunID        string
}

// Persistent reports whether this workspace outlives the run that leased it.
func (w *Workspace) Persistent() bool {
	return w.Kind == KindPersistentMain || w.Kind == KindPersistentWorkflow
}

// AcquireRequest describes what a run needs from the workspace manager.
type AcquireRequest struct {
	RunID         string
	WorkflowName  string
	Persistent    bool
	TempWorkspace bool
	RepositoryURL string
	GitBranch     string
	AccessToken   string
}

// Manager implements C3: git-worktree-based workspace allocation with an
// exclusive in-memory lease per persistent path (never Redis — SPEC_FULL §5
// is explicit that this is single-node by design).
type Manager struct {
	cfg   config.WorkspaceConfig
	redis *redisclient.Client

	leaseMu sync.Mutex
	leased  map[string]string // workspace path -> run_id holding it
}

// NewManager constructs a Manager rooted at cfg.Root, using redis only for
// workspace metadata/size caching (grounded on the teacher's
// internal/workspace/manager.go Redis-hash bookkeeping), never for leasing.
func NewManager(cfg config.WorkspaceConfig, redis *redisclient.Client) *Manager {
	return &Manager{
		cfg:    cfg,
		redis:  redis,
		leased: make(map[string]string),
	}
}

// Acquire resolves a mode from req, ensures the underlying worktree exists,
// takes the exclusive lease for persistent kinds, and returns the ready
// workspace. On failure the caller must mark the run failed without
// spawning a child (SPEC_FULL §4.3).
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Workspace, error) {
	switch {
	case req.TempWorkspace:
		return m.acquireEphemeral(ctx, req)
	case req.RepositoryURL != "":
		return m.acquireExternalClone(ctx, req)
	case !req.Persistent:
		return m.acquireEphemeral(ctx, req)
	case req.WorkflowName != "":
		return m.acquirePersistentWorkflow(ctx, req)
	default:
		return m.acquirePersistentMain(ctx, req)
	}
}

func (m *Manager) acquireEphemeral(ctx context.Context, req AcquireRequest) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.cfg.Root, "run-"+req.RunID+"-")
	if err != nil {
		return nil, apperror.Workspace("creating ephemeral workspace: %v", err)
	}
	ws := &Workspace{
		Path:        dir,
		Kind:        KindEphemeral,
		AllocatedAt: time.Now(),
		RunID:       req.RunID,
	}
	if err := m.writeWorkflowFiles(ws, req.WorkflowName); err != nil {
		return nil, err
	}
	m.registerMetadata(ctx, ws)
	return ws, nil
}

func (m *Manager) acquireExternalClone(ctx context.Context, req AcquireRequest) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.cfg.Root, "run-"+req.RunID+"-")
	if err != nil {
		return nil, apperror.Workspace("creating clone dir: %v", err)
	}
	if err := git.Clone(ctx, git.CloneOptions{
		RepoURL: req.RepositoryURL,
		DestDir: dir,
		Token:   req.AccessToken,
		Branch:  req.GitBranch,
		Shallow: true,
	}); err != nil {
		os.RemoveAll(dir)
		return nil, apperror.Workspace("clone_failed: %v", err)
	}
	ws := &Workspace{
		Path:         dir,
		Branch:       req.GitBranch,
		BaseRepoPath: req.RepositoryURL,
		Kind:         KindExternalClone,
		AllocatedAt:  time.Now(),
		RunID:        req.RunID,
	}
	if err := m.writeWorkflowFiles(ws, req.WorkflowName); err != nil {
		return nil, err
	}
	m.registerMetadata(ctx, ws)
	return ws, nil
}

func (m *Manager) acquirePersistentMain(ctx context.Context, req AcquireRequest) (*Workspace, error) {
	path := filepath.Join(m.cfg.Root, "worktrees", "main_persistent")
	return m.acquirePersistent(ctx, req, path, "main")
}

func (m *Manager) acquirePersistentWorkflow(ctx context.Context, req AcquireRequest) (*Workspace, error) {
	branch := "workflow/" + req.WorkflowName
	path := filepath.Join(m.cfg.Root, "worktrees", req.WorkflowName+"_persistent")
	return m.acquirePersistent(ctx, req, path, branch)
}

// acquirePersistent takes the exclusive lease for path, materializes the
// worktree if missing (git worktree add, grounded on
// other_examples/...attractor-engine's gitutil.AddWorktree sequence), and
// returns it. Two concurrent runs never hold the same persistent path.
func (m *Manager) acquirePersistent(ctx context.Context, req AcquireRequest, path, branch string) (*Workspace, error) {
	if !m.tryLease(path, req.RunID) {
		return nil, apperror.WorkspaceBusy("workspace %s is already leased", path)
	}

	if !m.cfg.baseRepoConfigured() {
		m.releaseLease(path)
		return nil, apperror.Workspace("not_a_repo: no base_repo_path configured")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := ensureBranch(ctx, m.cfg.BaseRepoPath, branch); err != nil {
			m.releaseLease(path)
			return nil, apperror.Workspace("branch_checkout_failed: %v", err)
		}
		if err := addWorktree(ctx, m.cfg.BaseRepoPath, path, branch); err != nil {
			m.releaseLease(path)
			return nil, apperror.Workspace("worktree_exists_conflict: %v", err)
		}
	}

	kind := KindPersistentMain
	if branch != "main" {
		kind = KindPersistentWorkflow
	}
	ws := &Workspace{
		Path:         path,
		Branch:       branch,
		BaseRepoPath: m.cfg.BaseRepoPath,
		Kind:         kind,
		AllocatedAt:  time.Now(),
		RunID:        req.RunID,
	}
	if err := m.writeWorkflowFiles(ws, req.WorkflowName); err != nil {
		m.releaseLease(path)
		return nil, err
	}
	m.registerMetadata(ctx, ws)
	return ws, nil
}

func (cfg config.WorkspaceConfig) baseRepoConfigured() bool {
	return cfg.BaseRepoPath != ""
}

// Release returns a workspace. Persistent workspaces keep their worktree
// (optionally auto-committing pending changes); ephemeral/external
// workspaces are removed entirely.
func (m *Manager) Release(ctx context.Context, ws *Workspace, autoCommit bool) error {
	if ws == nil {
		return nil
	}
	defer m.deregisterMetadata(ctx, ws)

	if ws.Persistent() {
		defer m.releaseLease(ws.Path)
		if autoCommit {
			if err := autoCommitPending(ctx, ws.Path); err != nil {
				slog.Warn("workspace auto-commit failed", "path", ws.Path, "error", err)
			}
		}
		return nil
	}

	if ws.BaseRepoPath != "" && ws.BaseRepoPath == m.cfg.BaseRepoPath {
		if err := removeWorktree(ctx, m.cfg.BaseRepoPath, ws.Path); err != nil {
			slog.Warn("worktree remove failed", "path", ws.Path, "error", err)
		}
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		slog.Warn("workspace cleanup failed", "path", ws.Path, "error", err)
	}
	return nil
}

func (m *Manager) tryLease(path, runID string) bool {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	if _, held := m.leased[path]; held {
		return false
	}
	m.leased[path] = runID
	return true
}

func (m *Manager) releaseLease(path string) {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	delete(m.leased, path)
}

// writeWorkflowFiles writes CLAUDE_CONFIG.md into the workspace. MCP config
// merging (.mcp.json) is installed by the caller via internal/mcp after
// Acquire returns, since it needs workflow/task-level server overrides the
// manager itself doesn't own.
func (m *Manager) writeWorkflowFiles(ws *Workspace, workflowName string) error {
	content := fmt.Sprintf("# Workflow: %s\n\nRun ID: %s\nAllocated: %s\n", workflowName, ws.RunID, ws.AllocatedAt.Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(ws.Path, "CLAUDE_CONFIG.md"), []byte(content), 0644); err != nil {
		return apperror.Workspace("writing workspace config: %v", err)
	}
	return nil
}

func (m *Manager) registerMetadata(ctx context.Context, ws *Workspace) {
	if m.redis == nil {
		return
	}
	key := m.redis.Key("workspace", ws.RunID)
	m.redis.Unwrap().HSet(ctx, key,
		"path", ws.Path,
		"kind", string(ws.Kind),
		"allocated_at", ws.AllocatedAt.Format(time.RFC3339),
	)
}

func (m *Manager) deregisterMetadata(ctx context.Context, ws *Workspace) {
	if m.redis == nil {
		return
	}
	m.redis.Unwrap().Del(ctx, m.redis.Key("workspace", ws.RunID))
}

// DirSize returns the total size on disk of a workspace, used by the health
// handler's disk-pressure check (ported from the teacher's manager).
func (m *Manager) DirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// SweepOrphanedEphemeral removes ephemeral "run-*" directories under the
// workspace root older than maxAge. A run that released cleanly already
// removed its own directory via Release; anything left this old belongs to
// a run whose process crashed the orchestrator before it could clean up.
func (m *Manager) SweepOrphanedEphemeral(ctx context.Context, maxAge time.Duration) (cleaned int, reclaimedBytes int64, err error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return 0, 0, fmt.Errorf("reading workspace root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run-") {
			continue
		}
		path := filepath.Join(m.cfg.Root, e.Name())

		m.leaseMu.Lock()
		_, leased := m.leased[path]
		m.leaseMu.Unlock()
		if leased {
			continue
		}

		info, statErr := e.Info()
		if statErr != nil || info.ModTime().After(cutoff) {
			continue
		}

		size, _ := m.DirSize(path)
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("sweeping orphaned ephemeral workspace failed", "path", path, "error", err)
			continue
		}
		cleaned++
		reclaimedBytes += size
	}
	return cleaned, reclaimedBytes, nil
}

// TotalSizeBytes sums disk usage across the workspace root, used by the
// health handler and the disk-pressure cleaner.
func (m *Manager) TotalSizeBytes(ctx context.Context) int64 {
	total, err := m.DirSize(m.cfg.Root)
	if err != nil {
		slog.Warn("computing workspace disk usage", "error", err)
		return 0
	}
	return total
}

func gitCmd(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func ensureBranch(ctx context.Context, repoPath, branch string) error {
	check := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "--verify", branch)
	if err := check.Run(); err == nil {
		return nil
	}
	return gitCmd(ctx, repoPath, "branch", branch, "HEAD")
}

func addWorktree(ctx context.Context, repoPath, path, branch string) error {
	return gitCmd(ctx, repoPath, "worktree", "add", path, branch)
}

func removeWorktree(ctx context.Context, repoPath, path string) error {
	return gitCmd(ctx, repoPath, "worktree", "remove", "--force", path)
}

func autoCommitPending(ctx context.Context, path string) error {
	status := exec.CommandContext(ctx, "git", "-C", path, "status", "--porcelain")
	out, err := status.Output()
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) == "" {
		return nil
	}
	if err := gitCmd(ctx, path, "add", "-A"); err != nil {
		return err
	}
	msg := "chore(workflowd): auto-commit run artifacts\n\nCo-Authored-By: Workflowd Bot <workflowd@noreply>"
	return gitCmd(ctx, path, "commit", "-m", msg)
}
