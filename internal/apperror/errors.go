package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common conditions.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrWorkspaceBusy     = errors.New("workspace busy")
	ErrWorkspace         = errors.New("workspace error")
	ErrSpawn             = errors.New("spawn error")
	ErrUnkillable        = errors.New("process unkillable")
	ErrWorkspaceNotReady = errors.New("workspace not ready")
	ErrInvalidState      = errors.New("invalid run state")
	ErrOrphaned          = errors.New("run orphaned")
	ErrRateLimited       = errors.New("rate limited")
)

// Kind names a run-facing error taxonomy entry (SPEC_FULL §7) so it can be
// recorded on a Run's error field, independent of how it was surfaced over
// HTTP. Most Kinds never reach HTTP at all — they're set on terminal runs.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindWorkspaceBusy    Kind = "workspace_busy"
	KindWorkspaceError   Kind = "workspace_error"
	KindSpawnError       Kind = "spawn_error"
	KindTimeout          Kind = "timeout"
	KindKilledByUser     Kind = "killed_by_user"
	KindNonzeroExit      Kind = "nonzero_exit"
	KindUnkillable       Kind = "unkillable"
	KindParseError       Kind = "parse_error"
	KindOrphaned         Kind = "orphaned"
	KindWorkspaceNotReady Kind = "workspace_not_ready"
	KindInvalidState     Kind = "invalid_state"
	KindPersistenceError Kind = "persistence_error"
	KindUnauthorized     Kind = "unauthorized"
	KindRateLimited      Kind = "rate_limited"
	KindStuck            Kind = "stuck"
)

// AppError is a structured error with an HTTP status code and optional fields.
type AppError struct {
	Err     error
	Message string
	Status  int
	Kind    Kind
	Fields  map[string]string
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusNotFound,
		Kind:    KindNotFound,
	}
}

// Validation creates a 400 error.
func Validation(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusBadRequest,
		Kind:    KindValidation,
	}
}

// Conflict creates a 409 error.
func Conflict(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusConflict,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusUnauthorized,
		Kind:    KindUnauthorized,
	}
}

// Internal creates a 500 error.
func Internal(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusInternalServerError,
		Kind:    KindPersistenceError,
	}
}

// WorkspaceBusy creates a 409 error for an already-leased persistent workspace.
func WorkspaceBusy(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrWorkspaceBusy,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusConflict,
		Kind:    KindWorkspaceBusy,
	}
}

// Workspace creates a 500 error for a filesystem/git setup failure; the
// caller is expected to mark the run failed rather than retry inline.
func Workspace(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrWorkspace,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusInternalServerError,
		Kind:    KindWorkspaceError,
	}
}

// Spawn creates a 500 error for a child process that could not be started.
func Spawn(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrSpawn,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusInternalServerError,
		Kind:    KindSpawnError,
	}
}

// Unkillable creates an error for a child that survived SIGKILL.
func Unkillable(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrUnkillable,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusInternalServerError,
		Kind:    KindUnkillable,
	}
}

// WorkspaceNotReady creates a 408 error for an inject attempted before the
// child's stdin was ready to accept it.
func WorkspaceNotReady(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrWorkspaceNotReady,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusRequestTimeout,
		Kind:    KindWorkspaceNotReady,
	}
}

// InvalidState creates a 409 error for an operation not valid given the
// run's current status.
func InvalidState(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrInvalidState,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusConflict,
		Kind:    KindInvalidState,
	}
}

// Orphaned creates an error for a run found running with no live process
// after a restart.
func Orphaned(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrOrphaned,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusInternalServerError,
		Kind:    KindOrphaned,
	}
}

// RateLimited creates a 429 error.
func RateLimited(format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     ErrRateLimited,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusTooManyRequests,
		Kind:    KindRateLimited,
	}
}

// HTTPStatus extracts the HTTP status code from an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrValidation) {
		return http.StatusBadRequest
	}
	if errors.Is(err, ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, ErrConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
