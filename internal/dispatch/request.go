// Package dispatch translates planner task requests into worker pool
// operations. The router is the single entry point: it dispatches on the
// request's action tag, enforces that at most one worker holds a given
// task, and decides between inline execution and fire-and-forget
// pipelines. The validator guards reassignment against the workspace
// inventory.
package dispatch

import (
	"time"

	"github.com/stackworks/steward/internal/state"
)

// Status is the router's verdict on a request.
type Status string

const (
	// StatusAccepted means the request was taken on; progress surfaces
	// on later CHECK_STATUS polls.
	StatusAccepted Status = "ACCEPTED"
	// StatusRejected means the request cannot be served right now and
	// should be retried on a later cycle.
	StatusRejected Status = "REJECTED"
	// StatusError means the request failed; see Message.
	StatusError Status = "ERROR"
	// StatusCompleted means the requested work finished within this call.
	StatusCompleted Status = "COMPLETED"
	// StatusInProgress means the task is being worked on.
	StatusInProgress Status = "IN_PROGRESS"
)

// Request is a tagged task request. Action selects the operation; the
// optional fields carry only what that operation needs.
type Request struct {
	TaskID         string
	Action         state.Action
	BoardItem      *state.BoardItemSnapshot
	PullRequestURL string
	Comments       []state.CommentSnapshot
	LastSyncTime   *time.Time
}

// workerTask builds the assignment handed to a worker, stamped with the
// given action. The repository binding comes from the board item.
func (r Request) workerTask(action state.Action) *state.WorkerTask {
	task := &state.WorkerTask{
		TaskID:         r.TaskID,
		Action:         action,
		PullRequestURL: r.PullRequestURL,
	}
	if r.BoardItem != nil {
		item := *r.BoardItem
		item.Labels = append([]string(nil), r.BoardItem.Labels...)
		task.BoardItem = &item
		task.RepositoryID = r.BoardItem.RepositoryID
	}
	if len(r.Comments) > 0 {
		task.Comments = append([]state.CommentSnapshot(nil), r.Comments...)
	}
	if r.LastSyncTime != nil {
		ts := *r.LastSyncTime
		task.LastSyncTime = &ts
	}
	return task
}

// Response is the router's reply to one request.
type Response struct {
	TaskID         string
	Status         Status
	Message        string
	PullRequestURL string
	WorkerStatus   state.WorkerStatus
}
