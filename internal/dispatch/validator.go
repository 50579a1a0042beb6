package dispatch

import (
	"log/slog"

	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/workspace"
)

// WorkspaceInventory is the slice of the workspace manager the validator
// consults.
type WorkspaceInventory interface {
	Get(taskID string) (*state.WorkspaceInfo, bool)
	IsWorktreeValid(info *state.WorkspaceInfo) bool
}

var _ WorkspaceInventory = (*workspace.Manager)(nil)

// AssignmentMode describes how a reassigned task's workspace will be
// handled.
type AssignmentMode string

const (
	// AssignNewWorkspace: no workspace record exists; a fresh one would
	// be created.
	AssignNewWorkspace AssignmentMode = "new_workspace"
	// AssignResumeWorkspace: a valid workspace exists and will be reused.
	AssignResumeWorkspace AssignmentMode = "resume_workspace"
	// AssignRecreateWorkspace: a record exists but the directory is not
	// usable; setup will recreate it.
	AssignRecreateWorkspace AssignmentMode = "recreate_workspace"
)

// Validator decides whether a task can be handed to a worker, based on
// the durable workspace inventory.
type Validator struct {
	workspaces WorkspaceInventory
	logger     *slog.Logger
}

// NewValidator creates a validator over the given workspace inventory.
func NewValidator(workspaces WorkspaceInventory, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		workspaces: workspaces,
		logger:     logger.With("component", "assignment_validator"),
	}
}

// ValidateReassignment reports how a reassignment of taskID would treat
// its workspace. Every mode is assignable; the caller decides whether a
// mode is acceptable for the worker at hand.
func (v *Validator) ValidateReassignment(taskID string) AssignmentMode {
	info, ok := v.workspaces.Get(taskID)
	if !ok {
		return AssignNewWorkspace
	}
	if v.workspaces.IsWorktreeValid(info) {
		return AssignResumeWorkspace
	}
	v.logger.Debug("workspace recorded but not usable",
		"task_id", taskID,
		"workspace_dir", info.WorkspaceDir)
	return AssignRecreateWorkspace
}

// CanAssignToIdleWorker reports whether taskID may be handed to an IDLE
// worker: true only when a valid workspace exists. An idle worker has no
// execution context of its own, so without a workspace there is nothing
// to resume.
func (v *Validator) CanAssignToIdleWorker(taskID, workerID string) bool {
	info, ok := v.workspaces.Get(taskID)
	if !ok {
		v.logger.Debug("no workspace for idle assignment",
			"task_id", taskID,
			"worker_id", workerID)
		return false
	}
	return v.workspaces.IsWorktreeValid(info)
}
