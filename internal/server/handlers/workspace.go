package handlers

import (
	"net/http"

	"github.com/freema/workflowd/internal/workspace"
)

// WorkspaceHandler exposes read-only disk-pressure introspection over the
// workspace root. Per-run workspace CRUD was dropped: runs own their
// workspace lifecycle (acquire/release) entirely through the orchestrator,
// and exposing leased paths individually would let a caller delete a
// workspace out from under a live run.
type WorkspaceHandler struct {
	manager *workspace.Manager
}

// NewWorkspaceHandler creates a new workspace handler.
func NewWorkspaceHandler(manager *workspace.Manager) *WorkspaceHandler {
	return &WorkspaceHandler{manager: manager}
}

// DiskUsage handles GET /api/v1/workspaces/disk-usage.
func (h *WorkspaceHandler) DiskUsage(w http.ResponseWriter, r *http.Request) {
	total := h.manager.TotalSizeBytes(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_size_mb": float64(total) / (1024 * 1024),
	})
}
