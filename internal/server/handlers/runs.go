package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/freema/workflowd/internal/orchestrator"
	"github.com/freema/workflowd/internal/registry"
	"github.com/freema/workflowd/internal/statusapi"
)

// createRunRequest is the POST /api/v1/runs body, validated before being
// translated into an orchestrator.StartRunRequest.
type createRunRequest struct {
	WorkflowName      string `json:"workflow_name" validate:"required"`
	Message           string `json:"message" validate:"required"`
	MaxTurns          *int   `json:"max_turns,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	SessionName       string `json:"session_name,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	GitBranch         string `json:"git_branch,omitempty"`
	RepositoryURL     string `json:"repository_url,omitempty" validate:"omitempty,url"`
	ProviderKey       string `json:"provider_key,omitempty"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty"`
	InputFormat       string `json:"input_format,omitempty" validate:"omitempty,oneof=text stream-json"`
	CreatePROnSuccess bool   `json:"create_pr_on_success,omitempty"`
	PRTitle           string `json:"pr_title,omitempty"`
	PRBody            string `json:"pr_body,omitempty"`
	CallbackURL       string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

// RunHandler handles the /api/v1/runs HTTP surface (C6/C7's front door).
type RunHandler struct {
	orc      *orchestrator.Orchestrator
	reporter *statusapi.Reporter
}

// NewRunHandler creates a new run handler.
func NewRunHandler(orc *orchestrator.Orchestrator, reporter *statusapi.Reporter) *RunHandler {
	return &RunHandler{orc: orc, reporter: reporter}
}

// Create handles POST /api/v1/runs.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			fields := make(map[string]string)
			for _, e := range validationErrs {
				fields[e.Field()] = formatValidationError(e)
			}
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "validation_error",
				"fields": fields,
			})
			return
		}
		writeError(w, http.StatusBadRequest, "validation failed")
		return
	}

	q := r.URL.Query()
	persistent, err := parseBoolDefault(q.Get("persistent"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "persistent must be a boolean")
		return
	}
	tempWorkspace, err := parseBoolDefault(q.Get("temp_workspace"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "temp_workspace must be a boolean")
		return
	}
	autoMerge, err := parseBoolDefault(q.Get("auto_merge"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "auto_merge must be a boolean")
		return
	}

	result, err := h.orc.StartRun(r.Context(), orchestrator.StartRunRequest{
		WorkflowName:      req.WorkflowName,
		Message:           req.Message,
		MaxTurns:          req.MaxTurns,
		SessionID:         req.SessionID,
		SessionName:       req.SessionName,
		UserID:            req.UserID,
		GitBranch:         req.GitBranch,
		RepositoryURL:     req.RepositoryURL,
		ProviderKey:       req.ProviderKey,
		TimeoutSeconds:    req.TimeoutSeconds,
		InputFormat:       req.InputFormat,
		CreatePROnSuccess: req.CreatePROnSuccess,
		PRTitle:           req.PRTitle,
		PRBody:            req.PRBody,
		CallbackURL:       req.CallbackURL,
		Persistent:        persistent,
		TempWorkspace:     tempWorkspace,
		AutoMerge:         autoMerge,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":     result.RunID,
		"session_id": result.SessionID,
		"status":     result.Status,
		"started_at": result.StartedAt,
	})
}

// Status handles GET /api/v1/runs/{runID}/status.
// ?detailed=true adds the tools breakdown, phase history, stderr tail, last
// parse error and last 50 stdout lines for live runs.
func (h *RunHandler) Status(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}
	detailed := r.URL.Query().Get("detailed") == "true"

	status, err := h.reporter.Status(r.Context(), runID, detailed)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// List handles GET /api/v1/runs.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.ListFilter{
		Status:       registry.Status(q.Get("status")),
		WorkflowName: q.Get("workflow_name"),
		SessionName:  q.Get("session_name"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}

	runs, err := h.reporter.List(r.Context(), f)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// Cancel handles POST /api/v1/runs/{runID}/cancel.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	result, err := h.orc.Cancel(r.Context(), runID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":       runID,
		"status":       "cancelling",
		"acknowledged": result.Acknowledged,
	})
}

// InjectMessage handles POST /api/v1/runs/{runID}/messages.
func (h *RunHandler) InjectMessage(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	var req struct {
		Message string `json:"message" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.orc.InjectMessage(r.Context(), runID, req.Message)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message_id":  result.MessageID,
		"injected_at": result.InjectedAt,
	})
}

// parseBoolDefault parses a query-string boolean, returning def when raw is
// empty (SPEC_FULL §6's query params are all optional with stated defaults).
func parseBoolDefault(raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}
