// Package errors provides structured, user-facing error types for
// steward. Internal packages return plain wrapped errors; the CLI and
// API surfaces convert the well-known failure modes into these so the
// operator gets a what/why/fix instead of a bare message chain.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for steward.
const (
	// Setup errors
	CodeNotInitialized Code = "STEWARD_NOT_INITIALIZED"
	CodeAlreadyRunning Code = "STEWARD_ALREADY_RUNNING"

	// Configuration errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
	CodeTokenMissing  Code = "TOKEN_MISSING"

	// Workflow errors
	CodeTaskNotFound     Code = "TASK_NOT_FOUND"
	CodePoolExhausted    Code = "POOL_EXHAUSTED"
	CodeWorkerQuarantine Code = "WORKER_QUARANTINED"

	// External collaborator errors
	CodeBoardUnavailable     Code = "BOARD_UNAVAILABLE"
	CodeDeveloperUnavailable Code = "DEVELOPER_UNAVAILABLE"

	// Local resource errors
	CodeStateBusy   Code = "STATE_BUSY"
	CodeLockTimeout Code = "GIT_LOCK_TIMEOUT"
)

// Category groups error codes for HTTP status and exit-code mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:       CategoryBadRequest,
	CodeAlreadyRunning:       CategoryConflict,
	CodeConfigInvalid:        CategoryBadRequest,
	CodeConfigMissing:        CategoryBadRequest,
	CodeTokenMissing:         CategoryBadRequest,
	CodeTaskNotFound:         CategoryNotFound,
	CodePoolExhausted:        CategoryUnavailable,
	CodeWorkerQuarantine:     CategoryConflict,
	CodeBoardUnavailable:     CategoryUnavailable,
	CodeDeveloperUnavailable: CategoryUnavailable,
	CodeStateBusy:            CategoryConflict,
	CodeLockTimeout:          CategoryTimeout,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// StewardError is the structured error type for steward.
type StewardError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *StewardError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *StewardError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *StewardError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *StewardError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *StewardError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *StewardError) MarshalJSON() ([]byte, error) {
	type alias StewardError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a StewardError with the same code.
func (e *StewardError) Is(target error) bool {
	t, ok := target.(*StewardError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *StewardError) WithCause(err error) *StewardError {
	return &StewardError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrNotInitialized reports a missing steward configuration.
func ErrNotInitialized() *StewardError {
	return &StewardError{
		Code: CodeNotInitialized,
		What: "steward is not configured",
		Why:  "No config file found at ~/.steward/config.yaml",
		Fix:  "Run 'steward init' to create one",
	}
}

// ErrAlreadyRunning reports a second daemon on the same state directory.
func ErrAlreadyRunning(pid int, stateDir string) *StewardError {
	return &StewardError{
		Code: CodeAlreadyRunning,
		What: "another steward daemon is already running",
		Why:  fmt.Sprintf("Process %d holds the state directory %s", pid, stateDir),
		Fix:  "Stop the running daemon first, or point workspace.base_dir at a different directory",
	}
}

// ErrConfigInvalid reports a configuration value steward cannot run with.
func ErrConfigInvalid(reason string) *StewardError {
	return &StewardError{
		Code: CodeConfigInvalid,
		What: "invalid configuration",
		Why:  reason,
		Fix:  "Edit ~/.steward/config.yaml and fix the rejected field, or re-run 'steward init'",
	}
}

// ErrConfigMissing reports a required configuration field that is unset.
func ErrConfigMissing(field string) *StewardError {
	return &StewardError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set",
		Fix:  fmt.Sprintf("Add '%s' to ~/.steward/config.yaml", field),
	}
}

// ErrTokenMissing reports an absent provider credential.
func ErrTokenMissing(envVar, provider string) *StewardError {
	return &StewardError{
		Code: CodeTokenMissing,
		What: fmt.Sprintf("no credential for the %s provider", provider),
		Why:  fmt.Sprintf("Environment variable %s is not set", envVar),
		Fix:  fmt.Sprintf("Export %s, or store it with 'steward config set-token'", envVar),
	}
}

// ErrTaskNotFound reports an unknown task id.
func ErrTaskNotFound(id string) *StewardError {
	return &StewardError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No durable record or worker holds this task",
		Fix:  "Run 'steward tasks' to list known tasks",
	}
}

// ErrDeveloperUnavailable reports an unusable developer backend.
func ErrDeveloperUnavailable(kind string) *StewardError {
	return &StewardError{
		Code: CodeDeveloperUnavailable,
		What: fmt.Sprintf("the %s developer backend is not available", kind),
		Why:  "The backend binary was not found or did not respond to a version probe",
		Fix:  "Check developer.binary_paths in the config, or install the backend CLI",
	}
}

// ErrBoardUnavailable reports a failing board provider.
func ErrBoardUnavailable(provider string, cause error) *StewardError {
	return &StewardError{
		Code:  CodeBoardUnavailable,
		What:  fmt.Sprintf("the %s board provider is not reachable", provider),
		Why:   "The initial board fetch failed",
		Fix:   "Check board.board_id, the provider token, and network access",
		Cause: cause,
	}
}

// AsStewardError attempts to convert an error to a StewardError.
// Returns nil if the error is not one.
func AsStewardError(err error) *StewardError {
	var se *StewardError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Wrap wraps a generic error into a StewardError with unknown code.
func Wrap(err error, what string) *StewardError {
	return &StewardError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
