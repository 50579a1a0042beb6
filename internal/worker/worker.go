// Package worker runs the per-task execute pipeline behind a small state
// machine, and pools workers with bounded capacity.
//
// A worker owns at most one task. Assignment moves it IDLE -> WAITING,
// execution WAITING -> WORKING, and completion back to WAITING so the
// planner can decide the next step. Failures either schedule a retry with
// exponential backoff, clear the task back to IDLE, or quarantine the
// worker in STOPPED after repeated consecutive errors.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/stackworks/steward/internal/developer"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/result"
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/workspace"
)

const (
	// QuarantineThreshold is the consecutive-failure count at which a
	// worker transitions to STOPPED and refuses further assignments.
	QuarantineThreshold = 5

	defaultInitRetries    = 3
	defaultInitRetryDelay = 2 * time.Second

	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 300 * time.Second
)

// Pipeline stage markers, visible through Progress().
const (
	stageInitDeveloper = "initializing developer"
	stagePrepWorkspace = "preparing workspace"
	stagePrompt        = "generating prompt"
	stageExecute       = "executing developer"
	stageParse         = "parsing result"
	stageCleanup       = "cleaning workspace"
)

// BaseBranchResolver picks the branch new work is based on and targets
// with pull requests.
type BaseBranchResolver interface {
	ResolveBaseBranch(ctx context.Context, repoID string, item *state.BoardItemSnapshot) string
}

// WorkspaceManager is the slice of workspace behavior the pipeline
// depends on.
type WorkspaceManager interface {
	CreateWorkspace(taskID, repoID string, item *state.BoardItemSnapshot) (*state.WorkspaceInfo, error)
	SetupWorktree(ctx context.Context, info *state.WorkspaceInfo, baseBranch string) error
	SetupInstructionFile(info *state.WorkspaceInfo, item *state.BoardItemSnapshot) error
	CleanupWorkspace(ctx context.Context, taskID string)
	Get(taskID string) (*state.WorkspaceInfo, bool)
}

var _ WorkspaceManager = (*workspace.Manager)(nil)

// StaticBaseBranch is a BaseBranchResolver that always answers the same
// branch.
type StaticBaseBranch string

func (b StaticBaseBranch) ResolveBaseBranch(context.Context, string, *state.BoardItemSnapshot) string {
	return string(b)
}

// Deps are the collaborators shared by every worker in a pool.
type Deps struct {
	Developer  developer.Developer
	Workspaces WorkspaceManager
	Store      *state.FileStore
	Publisher  events.Publisher
	Branches   BaseBranchResolver

	// InitRetries and InitRetryDelay bound developer initialization:
	// up to InitRetries attempts with linearly growing delay.
	InitRetries    int
	InitRetryDelay time.Duration

	Logger *slog.Logger
}

func (d *Deps) normalize() {
	if d.Publisher == nil {
		d.Publisher = events.NewNopPublisher()
	}
	if d.Branches == nil {
		d.Branches = StaticBaseBranch("main")
	}
	if d.InitRetries <= 0 {
		d.InitRetries = defaultInitRetries
	}
	if d.InitRetryDelay <= 0 {
		d.InitRetryDelay = defaultInitRetryDelay
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Instance is one in-memory worker. The durable state.Worker record holds
// only what a restart needs; error counters, backoff, and progress are
// transient.
type Instance struct {
	id   string
	kind state.WorkerKind

	dev        developer.Developer
	workspaces WorkspaceManager
	store      *state.FileStore
	publisher  events.Publisher
	branches   BaseBranchResolver
	logger     *slog.Logger

	initRetries    int
	initRetryDelay time.Duration

	// execMu serializes pipelines; at most one StartExecution runs.
	execMu sync.Mutex

	mu                sync.Mutex
	status            state.WorkerStatus
	currentTask       *state.WorkerTask
	workspaceDir      string
	progress          string
	errorCount        int
	consecutiveErrors int
	lastErrorAt       time.Time
	nextRetryAt       time.Time
	reservedUntil     time.Time
	createdAt         time.Time
	lastActiveAt      time.Time
}

// NewInstance creates an IDLE worker.
func NewInstance(id string, kind state.WorkerKind, deps Deps) *Instance {
	deps.normalize()
	now := time.Now().UTC()
	return &Instance{
		id:             id,
		kind:           kind,
		dev:            deps.Developer,
		workspaces:     deps.Workspaces,
		store:          deps.Store,
		publisher:      deps.Publisher,
		branches:       deps.Branches,
		logger:         deps.Logger.With("worker_id", id),
		initRetries:    deps.InitRetries,
		initRetryDelay: deps.InitRetryDelay,
		status:         state.WorkerIdle,
		createdAt:      now,
		lastActiveAt:   now,
	}
}

// restore rehydrates a worker from its durable record. A record saved as
// WORKING is demoted to WAITING: nothing is executing after a restart,
// and WAITING lets the next status check resume the pipeline.
func (w *Instance) restore(rec *state.Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = rec.Status
	if w.status == state.WorkerWorking {
		w.status = state.WorkerWaiting
	}
	if w.status == "" {
		w.status = state.WorkerIdle
	}
	w.currentTask = rec.CurrentTask.Clone()
	w.workspaceDir = rec.WorkspaceDir
	if !rec.CreatedAt.IsZero() {
		w.createdAt = rec.CreatedAt
	}
	if !rec.LastActiveAt.IsZero() {
		w.lastActiveAt = rec.LastActiveAt
	}
	if w.currentTask != nil {
		w.progress = stagePrepWorkspace
	}
}

func (w *Instance) ID() string             { return w.id }
func (w *Instance) Kind() state.WorkerKind { return w.kind }

// Status returns the current state machine state.
func (w *Instance) Status() state.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// TaskID returns the assigned task id, or "" when idle.
func (w *Instance) TaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentTask == nil {
		return ""
	}
	return w.currentTask.TaskID
}

// CurrentTask returns a copy of the assignment, or nil.
func (w *Instance) CurrentTask() *state.WorkerTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask.Clone()
}

// Progress returns the current pipeline stage marker.
func (w *Instance) Progress() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// ErrorCounts returns total and consecutive failure counts.
func (w *Instance) ErrorCounts() (total, consecutive int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errorCount, w.consecutiveErrors
}

// LastActiveAt returns the last transition or execution time.
func (w *Instance) LastActiveAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActiveAt
}

// InRetryBackoff reports whether a failed execution is still inside its
// backoff window.
func (w *Instance) InRetryBackoff() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.nextRetryAt)
}

// tryReserve claims an IDLE, unreserved worker for ttl. The reservation
// holds the worker back from other allocations until an assignment
// claims it or the ttl lapses.
func (w *Instance) tryReserve(ttl time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != state.WorkerIdle {
		return false
	}
	if time.Now().Before(w.reservedUntil) {
		return false
	}
	w.reservedUntil = time.Now().Add(ttl)
	w.lastActiveAt = time.Now()
	return true
}

// Snapshot returns the durable record for this worker.
func (w *Instance) Snapshot() *state.Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Instance) snapshotLocked() *state.Worker {
	rec := &state.Worker{
		ID:           w.id,
		Status:       w.status,
		WorkspaceDir: w.workspaceDir,
		Kind:         w.kind,
		CurrentTask:  w.currentTask.Clone(),
		CreatedAt:    w.createdAt,
		LastActiveAt: w.lastActiveAt,
	}
	if w.dev != nil {
		rec.DeveloperKind = w.dev.Kind()
	}
	return rec
}

func canAssign(status state.WorkerStatus, action state.Action) bool {
	switch action {
	case state.ActionStartNewTask:
		return status == state.WorkerIdle
	case state.ActionResumeTask:
		return status == state.WorkerIdle || status == state.WorkerWaiting || status == state.WorkerError
	case state.ActionProcessFeedback, state.ActionMergeRequest:
		return status == state.WorkerWaiting || status == state.WorkerError
	}
	return false
}

// AssignTask records an assignment and moves the worker to WAITING.
// Permitted combinations: START_NEW_TASK from IDLE; RESUME_TASK from
// IDLE, WAITING or ERROR; PROCESS_FEEDBACK and MERGE_REQUEST from WAITING
// or ERROR. WORKING and quarantined workers refuse.
func (w *Instance) AssignTask(task *state.WorkerTask) error {
	if task == nil || task.TaskID == "" {
		return fmt.Errorf("assignment requires a task id")
	}

	w.mu.Lock()
	if w.status == state.WorkerStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker %s: %w", w.id, ErrWorkerQuarantined)
	}
	if !canAssign(w.status, task.Action) {
		st := w.status
		w.mu.Unlock()
		return fmt.Errorf("worker %s in state %s cannot accept %s: %w", w.id, st, task.Action, ErrWorkerBusy)
	}

	prevStatus := w.status
	prevTask := w.currentTask
	cp := task.Clone()
	if cp.AssignedAt.IsZero() {
		cp.AssignedAt = time.Now().UTC()
	}
	w.currentTask = cp
	w.status = state.WorkerWaiting
	w.progress = stagePrepWorkspace
	w.nextRetryAt = time.Time{}
	w.reservedUntil = time.Time{}
	w.lastActiveAt = time.Now().UTC()
	rec := w.snapshotLocked()
	w.mu.Unlock()

	if err := w.store.SaveWorker(rec); err != nil {
		w.mu.Lock()
		w.status = prevStatus
		w.currentTask = prevTask
		w.mu.Unlock()
		return fmt.Errorf("persist assignment: %w", err)
	}

	w.publishStatus(task.TaskID, prevStatus, state.WorkerWaiting, "assigned "+string(task.Action))
	w.logger.Info("task assigned",
		"task_id", task.TaskID,
		"action", task.Action,
		"from", prevStatus)
	return nil
}

// StartExecution runs the execute pipeline for the current task. Only a
// WAITING worker outside its retry backoff may execute. On success the
// worker returns to WAITING with the task retained; the planner releases
// it when the overall workflow finishes.
func (w *Instance) StartExecution(ctx context.Context) (*result.ExecutionResult, error) {
	// Refuse instead of queueing: a caller racing a running pipeline
	// must get ErrWorkerBusy immediately, not block for the whole run.
	if !w.execMu.TryLock() {
		return nil, fmt.Errorf("worker %s already executing: %w", w.id, ErrWorkerBusy)
	}
	defer w.execMu.Unlock()

	w.mu.Lock()
	switch {
	case w.currentTask == nil:
		w.mu.Unlock()
		return nil, ErrNoTask
	case w.status == state.WorkerWorking:
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s already executing: %w", w.id, ErrWorkerBusy)
	case w.status == state.WorkerStopped:
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s: %w", w.id, ErrWorkerQuarantined)
	case w.status != state.WorkerWaiting:
		st := w.status
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s in state %s cannot execute: %w", w.id, st, ErrWorkerBusy)
	}
	if now := time.Now(); now.Before(w.nextRetryAt) {
		wait := w.nextRetryAt.Sub(now).Round(time.Second)
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s retries in %s: %w", w.id, wait, ErrRetryBackoff)
	}

	task := w.currentTask.Clone()
	w.status = state.WorkerWorking
	w.progress = stageInitDeveloper
	w.lastActiveAt = time.Now().UTC()
	rec := w.snapshotLocked()
	w.mu.Unlock()

	if err := w.store.SaveWorker(rec); err != nil {
		w.logger.Warn("persist working state", "error", err)
	}
	w.publishStatus(task.TaskID, state.WorkerWaiting, state.WorkerWorking, "executing "+string(task.Action))

	res, err := w.runPipeline(ctx, task)
	if err != nil {
		return nil, w.handleFailure(task, err)
	}

	w.mu.Lock()
	w.consecutiveErrors = 0
	w.nextRetryAt = time.Time{}
	w.progress = ""
	// Remember the discovered PR on the task so later runs and restarts
	// can report it even when the next developer output omits the URL.
	if w.currentTask != nil && res.Success && res.PullRequestURL != "" {
		w.currentTask.PullRequestURL = res.PullRequestURL
	}
	to := w.status
	if w.status == state.WorkerWorking {
		w.status = state.WorkerWaiting
		to = state.WorkerWaiting
	}
	w.lastActiveAt = time.Now().UTC()
	rec = w.snapshotLocked()
	w.mu.Unlock()

	if err := w.store.SaveWorker(rec); err != nil {
		w.logger.Warn("persist execution result", "error", err)
	}
	w.publishStatus(task.TaskID, state.WorkerWorking, to, "execution finished")
	w.logger.Info("execution finished",
		"task_id", task.TaskID,
		"action", task.Action,
		"success", res.Success,
		"pull_request_url", res.PullRequestURL)
	return res, nil
}

func (w *Instance) runPipeline(ctx context.Context, task *state.WorkerTask) (*result.ExecutionResult, error) {
	if err := w.initDeveloper(ctx); err != nil {
		return nil, fmt.Errorf("initialize developer: %w", err)
	}

	w.setProgress(stagePrepWorkspace)
	info, baseBranch, err := w.prepareWorkspace(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	w.setProgress(stagePrompt)
	prompt, err := buildPrompt(task, info, baseBranch)
	if err != nil {
		return nil, err
	}

	w.setProgress(stageExecute)
	raw, err := w.dev.ExecutePrompt(ctx, prompt, info.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("execute prompt: %w", err)
	}

	w.setProgress(stageParse)
	res := result.Parse(task.TaskID, raw)
	if res.PullRequestURL == "" && task.PullRequestURL != "" {
		res.PullRequestURL = task.PullRequestURL
	}
	if res.PullRequestURL != "" && res.Success {
		w.publisher.Publish(events.NewEvent(events.EventPullRequest, task.TaskID, events.PullRequestData{
			URL: res.PullRequestURL,
		}))
	}

	if task.Action == state.ActionMergeRequest {
		w.publisher.Publish(events.NewEvent(events.EventMerge, task.TaskID, events.MergeData{
			Merged: res.Success,
			Error:  res.ErrorMessage,
		}))
		if res.Success {
			w.setProgress(stageCleanup)
			w.workspaces.CleanupWorkspace(ctx, task.TaskID)
			w.mu.Lock()
			w.workspaceDir = ""
			w.mu.Unlock()
		}
	}
	return res, nil
}

// initDeveloper probes the backend with linear backoff between attempts.
func (w *Instance) initDeveloper(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= w.initRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = w.dev.Initialize(ctx)
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("developer initialization failed",
			"attempt", attempt,
			"max_attempts", w.initRetries,
			"error", lastErr)
		if attempt < w.initRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * w.initRetryDelay):
			}
		}
	}
	return lastErr
}

func (w *Instance) prepareWorkspace(ctx context.Context, task *state.WorkerTask) (*state.WorkspaceInfo, string, error) {
	if task.RepositoryID == "" {
		return nil, "", fmt.Errorf("task %s has no repository", task.TaskID)
	}

	info, err := w.workspaces.CreateWorkspace(task.TaskID, task.RepositoryID, task.BoardItem)
	if err != nil {
		return nil, "", err
	}

	baseBranch := w.branches.ResolveBaseBranch(ctx, task.RepositoryID, task.BoardItem)
	if err := w.workspaces.SetupWorktree(ctx, info, baseBranch); err != nil {
		return nil, "", err
	}

	if task.BoardItem != nil && w.needsInstructionFile(task, info) {
		if err := w.workspaces.SetupInstructionFile(info, task.BoardItem); err != nil {
			return nil, "", err
		}
	}

	w.mu.Lock()
	w.workspaceDir = info.WorkspaceDir
	w.mu.Unlock()
	return info, baseBranch, nil
}

// needsInstructionFile: fresh tasks always get the instruction document;
// other actions only rewrite it when the worktree was recreated and the
// file is missing.
func (w *Instance) needsInstructionFile(task *state.WorkerTask, info *state.WorkspaceInfo) bool {
	if task.Action == state.ActionStartNewTask {
		return true
	}
	if info.InstructionFilePath == "" {
		return false
	}
	_, err := os.Stat(info.InstructionFilePath)
	return err != nil
}

// handleFailure classifies err, updates error counters and transitions
// the worker: permanent errors clear the task back to IDLE, transient
// ones schedule a retry in WAITING, and the fifth consecutive failure
// quarantines the worker in STOPPED.
func (w *Instance) handleFailure(task *state.WorkerTask, execErr error) error {
	permanent := IsPermanent(execErr)

	w.mu.Lock()
	w.errorCount++
	w.consecutiveErrors++
	w.lastErrorAt = time.Now().UTC()
	w.lastActiveAt = w.lastErrorAt
	w.progress = ""
	consecutive := w.consecutiveErrors

	from := w.status
	if from != state.WorkerWorking {
		// Pause or cancel raced the pipeline; keep that transition.
		rec := w.snapshotLocked()
		w.mu.Unlock()
		if err := w.store.SaveWorker(rec); err != nil {
			w.logger.Warn("persist failure state", "error", err)
		}
		w.logger.Error("execution failed after interruption",
			"task_id", task.TaskID,
			"state", from,
			"error", execErr)
		return execErr
	}

	var to state.WorkerStatus
	var reason string
	switch {
	case permanent:
		to = state.WorkerIdle
		reason = "permanent failure, task cleared"
		w.currentTask = nil
		w.workspaceDir = ""
		w.nextRetryAt = time.Time{}
	case consecutive >= QuarantineThreshold:
		to = state.WorkerStopped
		reason = fmt.Sprintf("quarantined after %d consecutive failures", consecutive)
		w.nextRetryAt = time.Time{}
	default:
		to = state.WorkerWaiting
		backoff := retryBackoff(consecutive)
		w.nextRetryAt = time.Now().Add(backoff)
		reason = fmt.Sprintf("retry in %s", backoff)
	}
	w.status = to
	rec := w.snapshotLocked()
	w.mu.Unlock()

	if err := w.store.SaveWorker(rec); err != nil {
		w.logger.Warn("persist failure state", "error", err)
	}

	w.publishStatus(task.TaskID, from, to, reason)
	w.publisher.Publish(events.NewEvent(events.EventError, task.TaskID, events.ErrorData{
		Source:  "worker:" + w.id,
		Message: execErr.Error(),
	}))
	w.logger.Error("execution failed",
		"task_id", task.TaskID,
		"action", task.Action,
		"permanent", permanent,
		"consecutive_errors", consecutive,
		"next_state", to,
		"error", execErr)
	return execErr
}

// retryBackoff doubles from 30s per consecutive failure, capped at 5m.
func retryBackoff(consecutive int) time.Duration {
	if consecutive < 1 {
		consecutive = 1
	}
	if consecutive > 5 {
		consecutive = 5
	}
	d := retryBackoffBase << (consecutive - 1)
	if d > retryBackoffCap {
		return retryBackoffCap
	}
	return d
}

// PauseExecution moves a WORKING worker to STOPPED. The running pipeline
// finishes its current invocation; its final transition is skipped
// because the worker is no longer WORKING.
func (w *Instance) PauseExecution() error {
	return w.transition("pause", state.WorkerStopped, state.WorkerWorking)
}

// ResumeExecution moves a STOPPED or ERROR worker back to WAITING.
func (w *Instance) ResumeExecution() error {
	return w.transition("resume", state.WorkerWaiting, state.WorkerStopped, state.WorkerError)
}

func (w *Instance) transition(op string, to state.WorkerStatus, from ...state.WorkerStatus) error {
	w.mu.Lock()
	permitted := false
	for _, f := range from {
		if w.status == f {
			permitted = true
			break
		}
	}
	if !permitted {
		st := w.status
		w.mu.Unlock()
		return fmt.Errorf("cannot %s worker %s in state %s: %w", op, w.id, st, ErrWorkerBusy)
	}
	prev := w.status
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.TaskID
	}
	w.status = to
	if to == state.WorkerWaiting {
		w.nextRetryAt = time.Time{}
	}
	w.lastActiveAt = time.Now().UTC()
	rec := w.snapshotLocked()
	w.mu.Unlock()

	if err := w.store.SaveWorker(rec); err != nil {
		w.logger.Warn("persist transition", "op", op, "error", err)
	}
	w.publishStatus(taskID, prev, to, op)
	return nil
}

// CancelExecution clears the task and returns the worker to IDLE from
// any state. A pipeline already in flight finishes its invocation but
// does not transition afterwards.
func (w *Instance) CancelExecution() {
	w.mu.Lock()
	prev := w.status
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.TaskID
	}
	w.status = state.WorkerIdle
	w.currentTask = nil
	w.workspaceDir = ""
	w.progress = ""
	w.nextRetryAt = time.Time{}
	w.reservedUntil = time.Time{}
	w.lastActiveAt = time.Now().UTC()
	rec := w.snapshotLocked()
	w.mu.Unlock()

	if err := w.store.SaveWorker(rec); err != nil {
		w.logger.Warn("persist cancel", "error", err)
	}
	if prev != state.WorkerIdle {
		w.publishStatus(taskID, prev, state.WorkerIdle, "cancelled")
		w.logger.Info("execution cancelled", "task_id", taskID, "from", prev)
	}
}

func (w *Instance) setProgress(stage string) {
	w.mu.Lock()
	w.progress = stage
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.TaskID
	}
	w.mu.Unlock()

	w.publisher.Publish(events.NewEvent(events.EventWorkerProgress, taskID, events.WorkerProgressData{
		WorkerID: w.id,
		Stage:    stage,
	}))
}

func (w *Instance) publishStatus(taskID string, from, to state.WorkerStatus, reason string) {
	if from == to {
		return
	}
	w.publisher.Publish(events.NewEvent(events.EventWorkerStatus, taskID, events.WorkerStatusData{
		WorkerID: w.id,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
	}))
}
