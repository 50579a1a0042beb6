// Package state provides the durable state store for steward.
//
// Five entity collections back the orchestrator across restarts: tasks,
// workers, workspaces, and repositories, plus the per-task sync bookmarks
// carried on tasks. The board and the pull requests remain the sources of
// truth; these records exist so a restarted process can resume the right
// workflow position without re-doing work.
package state

import (
	"time"
)

// TaskStatus mirrors the four-valued board workflow status.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskInReview   TaskStatus = "IN_REVIEW"
	TaskDone       TaskStatus = "DONE"
)

// Valid reports whether s is one of the four workflow statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskInReview, TaskDone:
		return true
	}
	return false
}

// WorkerStatus is the worker state machine's state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "IDLE"
	WorkerWaiting WorkerStatus = "WAITING"
	WorkerWorking WorkerStatus = "WORKING"
	WorkerStopped WorkerStatus = "STOPPED"
	WorkerError   WorkerStatus = "ERROR"
)

// WorkerKind separates standing pool workers from burst capacity.
type WorkerKind string

const (
	// KindPool workers return to IDLE on release and persist until the
	// housekeeper retires them.
	KindPool WorkerKind = "pool"
	// KindTemporary workers are created above the minimum and evicted
	// immediately on release.
	KindTemporary WorkerKind = "temporary"
)

// Action tags a worker task with the operation it carries.
type Action string

const (
	ActionStartNewTask    Action = "START_NEW_TASK"
	ActionResumeTask      Action = "RESUME_TASK"
	ActionProcessFeedback Action = "PROCESS_FEEDBACK"
	ActionMergeRequest    Action = "MERGE_REQUEST"
	ActionReleaseWorker   Action = "RELEASE_WORKER"
	ActionCheckStatus     Action = "CHECK_STATUS"
)

// Task is the local cache of a board item's workflow position.
// Created lazily on first observation, mutated by the planner only,
// never deleted.
type Task struct {
	ID                  string     `json:"id"`
	Status              TaskStatus `json:"status"`
	ProcessedCommentIDs []string   `json:"processed_comment_ids,omitempty"`
	LastSyncTime        *time.Time `json:"last_sync_time,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HasProcessedComment reports whether the given comment id was already
// forwarded as feedback.
func (t *Task) HasProcessedComment(id string) bool {
	for _, existing := range t.ProcessedCommentIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	cp := *t
	if t.ProcessedCommentIDs != nil {
		cp.ProcessedCommentIDs = append([]string(nil), t.ProcessedCommentIDs...)
	}
	if t.LastSyncTime != nil {
		ts := *t.LastSyncTime
		cp.LastSyncTime = &ts
	}
	return &cp
}

// BoardItemSnapshot is the durable subset of a board item a worker needs
// to rebuild branch names and prompts after a restart.
type BoardItemSnapshot struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Body         string   `json:"body,omitempty"`
	Number       int      `json:"number,omitempty"`
	Kind         string   `json:"kind,omitempty"` // "issue" or "pull_request"
	RepositoryID string   `json:"repository_id,omitempty"`
	Labels       []string `json:"labels,omitempty"`
}

// CommentSnapshot is a review comment forwarded as feedback.
type CommentSnapshot struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerTask is the assignment a worker currently holds. The action tag
// determines which optional fields are populated.
type WorkerTask struct {
	TaskID         string             `json:"task_id"`
	Action         Action             `json:"action"`
	RepositoryID   string             `json:"repository_id"`
	BoardItem      *BoardItemSnapshot `json:"board_item,omitempty"`
	PullRequestURL string             `json:"pull_request_url,omitempty"`
	Comments       []CommentSnapshot  `json:"comments,omitempty"`
	AssignedAt     time.Time          `json:"assigned_at"`
	LastSyncTime   *time.Time         `json:"last_sync_time,omitempty"`
}

// Clone returns a deep copy.
func (wt *WorkerTask) Clone() *WorkerTask {
	if wt == nil {
		return nil
	}
	cp := *wt
	if wt.BoardItem != nil {
		item := *wt.BoardItem
		item.Labels = append([]string(nil), wt.BoardItem.Labels...)
		cp.BoardItem = &item
	}
	if wt.Comments != nil {
		cp.Comments = append([]CommentSnapshot(nil), wt.Comments...)
	}
	if wt.LastSyncTime != nil {
		ts := *wt.LastSyncTime
		cp.LastSyncTime = &ts
	}
	return &cp
}

// Worker is the durable identity of a pool worker: enough to restore the
// worker and its current assignment after a restart. Transient execution
// state (progress, error counters) lives on the in-memory worker only.
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	WorkspaceDir  string       `json:"workspace_dir,omitempty"`
	DeveloperKind string       `json:"developer_kind,omitempty"`
	Kind          WorkerKind   `json:"kind"`
	CurrentTask   *WorkerTask  `json:"current_task,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActiveAt  time.Time    `json:"last_active_at"`
}

// Clone returns a deep copy.
func (w *Worker) Clone() *Worker {
	cp := *w
	cp.CurrentTask = w.CurrentTask.Clone()
	return &cp
}

// WorkspaceInfo records one per-task isolated working tree. One-to-one
// with the task while it is active; deleted on merge success or cleanup.
type WorkspaceInfo struct {
	TaskID              string    `json:"task_id"`
	RepositoryID        string    `json:"repository_id"`
	WorkspaceDir        string    `json:"workspace_dir"`
	BranchName          string    `json:"branch_name"`
	WorktreeCreated     bool      `json:"worktree_created"`
	InstructionFilePath string    `json:"instruction_file_path"`
	CreatedAt           time.Time `json:"created_at"`
}

// Clone returns a copy.
func (ws *WorkspaceInfo) Clone() *WorkspaceInfo {
	cp := *ws
	return &cp
}

// RepositoryState records one shared clone and the worktrees hanging off it.
type RepositoryState struct {
	ID              string    `json:"id"`
	LocalPath       string    `json:"local_path"`
	LastFetchAt     time.Time `json:"last_fetch_at"`
	IsCloned        bool      `json:"is_cloned"`
	ActiveWorktrees []string  `json:"active_worktrees,omitempty"`
}

// Clone returns a deep copy.
func (r *RepositoryState) Clone() *RepositoryState {
	cp := *r
	if r.ActiveWorktrees != nil {
		cp.ActiveWorktrees = append([]string(nil), r.ActiveWorktrees...)
	}
	return &cp
}

// AddWorktree registers a worktree path, ignoring duplicates.
func (r *RepositoryState) AddWorktree(path string) {
	for _, existing := range r.ActiveWorktrees {
		if existing == path {
			return
		}
	}
	r.ActiveWorktrees = append(r.ActiveWorktrees, path)
}

// RemoveWorktree deregisters a worktree path.
func (r *RepositoryState) RemoveWorktree(path string) {
	for i, existing := range r.ActiveWorktrees {
		if existing == path {
			r.ActiveWorktrees = append(r.ActiveWorktrees[:i], r.ActiveWorktrees[i+1:]...)
			return
		}
	}
}
