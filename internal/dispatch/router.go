package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/result"
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/worker"
)

// Router routes tagged task requests to the worker pool.
//
// Fire-and-forget pipelines run in goroutines started from the request's
// context, so callers pass their long-lived run context; results surface
// on later CHECK_STATUS polls, never by callback.
type Router struct {
	pool      *worker.Pool
	validator *Validator
	publisher events.Publisher
	logger    *slog.Logger
}

// NewRouter wires a router over the pool and validator.
func NewRouter(pool *worker.Pool, validator *Validator, publisher events.Publisher, logger *slog.Logger) *Router {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pool:      pool,
		validator: validator,
		publisher: publisher,
		logger:    logger.With("component", "task_router"),
	}
}

// Route handles one request, dispatching on its action.
func (r *Router) Route(ctx context.Context, req Request) Response {
	if req.TaskID == "" {
		return Response{Status: StatusError, Message: "request has no task id"}
	}

	switch req.Action {
	case state.ActionStartNewTask:
		return r.handleStartNewTask(ctx, req)
	case state.ActionCheckStatus:
		return r.handleCheckStatus(ctx, req)
	case state.ActionProcessFeedback:
		return r.handleProcessFeedback(ctx, req)
	case state.ActionMergeRequest:
		return r.handleMergeRequest(ctx, req)
	case state.ActionReleaseWorker:
		return r.handleReleaseWorker(req)
	default:
		return Response{
			TaskID:  req.TaskID,
			Status:  StatusError,
			Message: fmt.Sprintf("unsupported action %q", req.Action),
		}
	}
}

// handleStartNewTask allocates a worker and starts the pipeline in the
// background. The execution result is only logged; completion is
// observed by later CHECK_STATUS polls.
func (r *Router) handleStartNewTask(ctx context.Context, req Request) Response {
	if existing := r.pool.GetWorkerByTaskID(req.TaskID); existing != nil {
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusAccepted,
			Message:      fmt.Sprintf("task already assigned to worker %s", existing.ID()),
			WorkerStatus: existing.Status(),
		}
	}

	inst, err := r.pool.GetAvailableWorker()
	if err != nil {
		if errors.Is(err, worker.ErrNoIdleWorker) {
			return Response{
				TaskID:  req.TaskID,
				Status:  StatusRejected,
				Message: "no worker available below the pool maximum",
			}
		}
		return Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}

	if err := r.pool.AssignWorkerTask(inst.ID(), req.workerTask(state.ActionStartNewTask)); err != nil {
		inst.CancelExecution()
		return Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}

	go r.runPipeline(ctx, inst, req.TaskID)

	return Response{
		TaskID:       req.TaskID,
		Status:       StatusAccepted,
		Message:      fmt.Sprintf("task assigned to worker %s", inst.ID()),
		WorkerStatus: inst.Status(),
	}
}

// handleCheckStatus advances the task according to the holding worker's
// state. A task with no worker goes through reassignment.
func (r *Router) handleCheckStatus(ctx context.Context, req Request) Response {
	inst := r.pool.GetWorkerByTaskID(req.TaskID)
	if inst == nil {
		return r.reassign(req)
	}

	switch status := inst.Status(); status {
	case state.WorkerWorking:
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusInProgress,
			Message:      fmt.Sprintf("worker %s is executing", inst.ID()),
			WorkerStatus: status,
		}

	case state.WorkerStopped:
		// A quarantined worker sits out its recovery window; until it
		// lapses the task is stuck and the planner records the error.
		if wait := r.pool.QuarantineRemaining(inst); wait > 0 {
			return Response{
				TaskID:       req.TaskID,
				Status:       StatusError,
				Message:      fmt.Sprintf("worker %s quarantined for another %s", inst.ID(), wait.Round(time.Second)),
				WorkerStatus: status,
			}
		}
		return r.resumeWorker(req, inst)

	case state.WorkerError:
		return r.resumeWorker(req, inst)

	case state.WorkerWaiting:
		return r.advanceWaiting(ctx, req, inst)

	case state.WorkerIdle:
		return Response{
			TaskID:         req.TaskID,
			Status:         StatusCompleted,
			Message:        "worker idle, task considered complete",
			PullRequestURL: req.PullRequestURL,
			WorkerStatus:   status,
		}

	default:
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusError,
			Message:      fmt.Sprintf("worker %s in unknown state %s", inst.ID(), status),
			WorkerStatus: status,
		}
	}
}

// resumeWorker returns a paused worker to WAITING so the next poll can
// advance the task.
func (r *Router) resumeWorker(req Request, inst *worker.Instance) Response {
	if err := inst.ResumeExecution(); err != nil {
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusError,
			Message:      err.Error(),
			WorkerStatus: inst.Status(),
		}
	}
	return Response{
		TaskID:       req.TaskID,
		Status:       StatusInProgress,
		Message:      fmt.Sprintf("worker %s resumed", inst.ID()),
		WorkerStatus: inst.Status(),
	}
}

// advanceWaiting runs a WAITING worker's pipeline inline. Success with a
// PR URL completes the check; the worker keeps the task until the
// planner releases it.
func (r *Router) advanceWaiting(ctx context.Context, req Request, inst *worker.Instance) Response {
	res, err := inst.StartExecution(ctx)
	switch {
	case errors.Is(err, worker.ErrRetryBackoff):
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusInProgress,
			Message:      err.Error(),
			WorkerStatus: inst.Status(),
		}
	case errors.Is(err, worker.ErrWorkerBusy):
		// Lost the race with a background pipeline.
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusInProgress,
			Message:      fmt.Sprintf("worker %s is executing", inst.ID()),
			WorkerStatus: inst.Status(),
		}
	case errors.Is(err, worker.ErrNoTask):
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusCompleted,
			Message:      "worker no longer holds the task",
			WorkerStatus: inst.Status(),
		}
	case err != nil:
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusError,
			Message:      err.Error(),
			WorkerStatus: inst.Status(),
		}
	}

	if res.Success && res.PullRequestURL != "" {
		return Response{
			TaskID:         req.TaskID,
			Status:         StatusCompleted,
			Message:        "execution completed",
			PullRequestURL: res.PullRequestURL,
			WorkerStatus:   inst.Status(),
		}
	}
	if res.Success {
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusInProgress,
			Message:      "execution finished without a pull request",
			WorkerStatus: inst.Status(),
		}
	}
	msg := res.ErrorMessage
	if msg == "" {
		msg = "execution reported failure"
	}
	return Response{
		TaskID:       req.TaskID,
		Status:       StatusError,
		Message:      msg,
		WorkerStatus: inst.Status(),
	}
}

// reassign hands a workerless task to a fresh worker as a RESUME_TASK.
// Without any workspace record the task cannot be resumed: a stateless
// worker would be starting over, not resuming.
func (r *Router) reassign(req Request) Response {
	if mode := r.validator.ValidateReassignment(req.TaskID); mode == AssignNewWorkspace {
		return Response{
			TaskID:  req.TaskID,
			Status:  StatusError,
			Message: "no workspace recorded for task, cannot resume on a stateless worker",
		}
	}

	inst, err := r.pool.GetAvailableWorker()
	if err != nil {
		if errors.Is(err, worker.ErrNoIdleWorker) {
			return Response{
				TaskID:  req.TaskID,
				Status:  StatusRejected,
				Message: "no worker available below the pool maximum",
			}
		}
		return Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}

	if err := r.pool.AssignWorkerTask(inst.ID(), req.workerTask(state.ActionResumeTask)); err != nil {
		inst.CancelExecution()
		return Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}

	r.logger.Info("task reassigned",
		"task_id", req.TaskID,
		"worker_id", inst.ID())
	return Response{
		TaskID:       req.TaskID,
		Status:       StatusInProgress,
		Message:      fmt.Sprintf("task reassigned to worker %s", inst.ID()),
		WorkerStatus: inst.Status(),
	}
}

// handleProcessFeedback hands review comments to the task's worker and
// starts the pipeline in the background.
func (r *Router) handleProcessFeedback(ctx context.Context, req Request) Response {
	inst := r.pool.GetWorkerByTaskID(req.TaskID)
	if inst == nil {
		var resp *Response
		inst, resp = r.allocateResumed(req, true)
		if resp != nil {
			return *resp
		}
	}

	if err := r.pool.AssignWorkerTask(inst.ID(), req.workerTask(state.ActionProcessFeedback)); err != nil {
		return r.assignFailure(req, inst, err)
	}

	prNumber := 0
	if _, n, err := result.ParsePullRequestURL(req.PullRequestURL); err == nil {
		prNumber = n
	}
	r.publisher.Publish(events.NewEvent(events.EventFeedback, req.TaskID, events.FeedbackData{
		PRNumber:     prNumber,
		CommentCount: len(req.Comments),
	}))

	go r.runPipeline(ctx, inst, req.TaskID)

	return Response{
		TaskID:       req.TaskID,
		Status:       StatusAccepted,
		Message:      fmt.Sprintf("%d comments forwarded to worker %s", len(req.Comments), inst.ID()),
		WorkerStatus: inst.Status(),
	}
}

// handleMergeRequest merges the task's pull request inline. On success
// the worker is released; on failure it keeps the task so a later cycle
// can retry.
func (r *Router) handleMergeRequest(ctx context.Context, req Request) Response {
	inst := r.pool.GetWorkerByTaskID(req.TaskID)
	if inst != nil && inst.Status() == state.WorkerWorking {
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusInProgress,
			Message:      fmt.Sprintf("worker %s is already processing the task", inst.ID()),
			WorkerStatus: state.WorkerWorking,
		}
	}
	if inst == nil {
		var resp *Response
		inst, resp = r.allocateResumed(req, false)
		if resp != nil {
			return *resp
		}
	}

	if err := r.pool.AssignWorkerTask(inst.ID(), req.workerTask(state.ActionMergeRequest)); err != nil {
		if errors.Is(err, worker.ErrWorkerBusy) {
			return Response{
				TaskID:       req.TaskID,
				Status:       StatusInProgress,
				Message:      fmt.Sprintf("worker %s is already processing the task", inst.ID()),
				WorkerStatus: inst.Status(),
			}
		}
		return r.assignFailure(req, inst, err)
	}

	res, err := inst.StartExecution(ctx)
	switch {
	case errors.Is(err, worker.ErrRetryBackoff):
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusInProgress,
			Message:      err.Error(),
			WorkerStatus: inst.Status(),
		}
	case err != nil:
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusError,
			Message:      err.Error(),
			WorkerStatus: inst.Status(),
		}
	case !res.Success:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "merge reported failure"
		}
		return Response{
			TaskID:       req.TaskID,
			Status:       StatusError,
			Message:      msg,
			WorkerStatus: inst.Status(),
		}
	}

	prURL := res.PullRequestURL
	if prURL == "" {
		prURL = req.PullRequestURL
	}
	if err := r.pool.ReleaseWorker(inst.ID()); err != nil {
		r.logger.Warn("release worker after merge",
			"task_id", req.TaskID,
			"worker_id", inst.ID(),
			"error", err)
	}
	return Response{
		TaskID:         req.TaskID,
		Status:         StatusCompleted,
		Message:        "pull request merged",
		PullRequestURL: prURL,
		WorkerStatus:   state.WorkerIdle,
	}
}

// handleReleaseWorker releases the task's worker. Idempotent: releasing
// a task nobody holds is still ACCEPTED.
func (r *Router) handleReleaseWorker(req Request) Response {
	inst := r.pool.GetWorkerByTaskID(req.TaskID)
	if inst == nil {
		return Response{
			TaskID:  req.TaskID,
			Status:  StatusAccepted,
			Message: "no worker holds the task",
		}
	}

	if err := r.pool.ReleaseWorker(inst.ID()); err != nil {
		return Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}
	return Response{
		TaskID:       req.TaskID,
		Status:       StatusAccepted,
		Message:      fmt.Sprintf("worker %s released", inst.ID()),
		WorkerStatus: state.WorkerIdle,
	}
}

// allocateResumed acquires a fresh worker for a task it has never held
// and steps it to WAITING with a RESUME_TASK, so actions only
// assignable from WAITING can follow. When needWorkspace is set, a
// valid workspace is required first; feedback on a vanished workspace
// has nothing to apply to, while a merge works from the remote branch.
func (r *Router) allocateResumed(req Request, needWorkspace bool) (*worker.Instance, *Response) {
	inst, err := r.pool.GetAvailableWorker()
	if err != nil {
		if errors.Is(err, worker.ErrNoIdleWorker) {
			return nil, &Response{
				TaskID:  req.TaskID,
				Status:  StatusRejected,
				Message: "no worker available below the pool maximum",
			}
		}
		return nil, &Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}

	if needWorkspace && !r.validator.CanAssignToIdleWorker(req.TaskID, inst.ID()) {
		inst.CancelExecution()
		return nil, &Response{
			TaskID:  req.TaskID,
			Status:  StatusError,
			Message: "no valid workspace for task, cannot assign to an idle worker",
		}
	}

	if err := r.pool.AssignWorkerTask(inst.ID(), req.workerTask(state.ActionResumeTask)); err != nil {
		inst.CancelExecution()
		return nil, &Response{TaskID: req.TaskID, Status: StatusError, Message: err.Error()}
	}
	return inst, nil
}

// assignFailure maps an AssignTask error onto a response.
func (r *Router) assignFailure(req Request, inst *worker.Instance, err error) Response {
	status := StatusError
	if errors.Is(err, worker.ErrWorkerBusy) {
		status = StatusRejected
	}
	return Response{
		TaskID:       req.TaskID,
		Status:       status,
		Message:      err.Error(),
		WorkerStatus: inst.Status(),
	}
}

// runPipeline executes a worker pipeline in the background. Outcomes are
// logged only; the planner discovers them by polling.
func (r *Router) runPipeline(ctx context.Context, inst *worker.Instance, taskID string) {
	res, err := inst.StartExecution(ctx)
	if err != nil {
		r.logger.Warn("background execution failed",
			"task_id", taskID,
			"worker_id", inst.ID(),
			"error", err)
		return
	}
	if !res.Success {
		r.logger.Info("background execution unsuccessful",
			"task_id", taskID,
			"worker_id", inst.ID(),
			"error_message", res.ErrorMessage)
		return
	}
	r.logger.Info("background execution finished",
		"task_id", taskID,
		"worker_id", inst.ID(),
		"pr_url", res.PullRequestURL)
}
