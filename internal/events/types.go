// Package events provides event types and publishing infrastructure for steward.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskStatus indicates a board item changed workflow status.
	EventTaskStatus EventType = "task_status"
	// EventWorkerStatus indicates a worker state transition.
	EventWorkerStatus EventType = "worker_status"
	// EventWorkerProgress indicates a worker pipeline stage change.
	EventWorkerProgress EventType = "worker_progress"
	// EventPullRequest indicates a pull request was created or attached.
	EventPullRequest EventType = "pull_request"
	// EventFeedback indicates review comments were forwarded to a worker.
	EventFeedback EventType = "feedback"
	// EventMerge indicates a merge attempt finished.
	EventMerge EventType = "merge"
	// EventCycle indicates a planner cycle completed.
	EventCycle EventType = "cycle"
	// EventError indicates an error was recorded.
	EventError EventType = "error"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// TaskStatusData describes a board status transition.
type TaskStatusData struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// WorkerStatusData describes a worker state transition.
type WorkerStatusData struct {
	WorkerID string `json:"worker_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// WorkerProgressData describes the current pipeline stage of a worker.
type WorkerProgressData struct {
	WorkerID string `json:"worker_id"`
	Stage    string `json:"stage"`
}

// PullRequestData carries the extracted pull request reference.
type PullRequestData struct {
	URL      string `json:"url"`
	RepoID   string `json:"repo_id,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
}

// FeedbackData summarizes forwarded review comments.
type FeedbackData struct {
	PRNumber     int `json:"pr_number"`
	CommentCount int `json:"comment_count"`
}

// MergeData describes a merge attempt outcome.
type MergeData struct {
	PRNumber int    `json:"pr_number"`
	Merged   bool   `json:"merged"`
	Error    string `json:"error,omitempty"`
}

// CycleData summarizes one planner cycle.
type CycleData struct {
	Cycle      int64         `json:"cycle"`
	NewTasks   int           `json:"new_tasks"`
	InProgress int           `json:"in_progress"`
	InReview   int           `json:"in_review"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// ErrorData carries a recorded failure.
type ErrorData struct {
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}
