package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackworks/steward/internal/board"
	"github.com/stackworks/steward/internal/dispatch"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/result"
	"github.com/stackworks/steward/internal/review"
	"github.com/stackworks/steward/internal/state"
)

// cycleState is the bookkeeping for one cycle. The moved set keeps an
// item from being handled twice in the same pass: a later phase
// re-fetches by status and would otherwise pick up items an earlier
// phase just transitioned, collapsing the one-step-per-cycle cadence.
type cycleState struct {
	newTasks   int
	inProgress int
	inReview   int

	mu    sync.Mutex
	moved map[string]bool
}

func (c *cycleState) markMoved(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moved[itemID] = true
}

func (c *cycleState) wasMoved(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moved[itemID]
}

// RunCycle runs one end-to-end pass over all board statuses: start new
// TODO items, poll IN_PROGRESS items, and drive IN_REVIEW items through
// feedback, approval and merge. Item failures are recorded and skipped;
// a cycle always runs to the end.
func (p *Planner) RunCycle(ctx context.Context) {
	start := time.Now()

	p.mu.Lock()
	p.cycles++
	cycle := p.cycles
	errsBefore := p.errorsTotal
	p.mu.Unlock()

	cs := &cycleState{moved: make(map[string]bool)}
	p.handleNewTasks(ctx, cs)
	p.handleInProgressTasks(ctx, cs)
	p.handleReviewTasks(ctx, cs)

	p.mu.Lock()
	p.lastSync = start.UTC()
	p.lastCycleAt = time.Now().UTC()
	cycleErrors := int(p.errorsTotal - errsBefore)
	p.mu.Unlock()

	p.publisher.Publish(events.NewEvent(events.EventCycle, "", events.CycleData{
		Cycle:      cycle,
		NewTasks:   cs.newTasks,
		InProgress: cs.inProgress,
		InReview:   cs.inReview,
		Errors:     cycleErrors,
		Duration:   time.Since(start),
	}))
	p.logger.Debug("cycle finished",
		"cycle", cycle,
		"new_tasks", cs.newTasks,
		"in_progress", cs.inProgress,
		"in_review", cs.inReview,
		"errors", cycleErrors,
		"duration", time.Since(start))
}

// handleNewTasks starts a worker for every unseen TODO item. A rejection
// for lack of capacity leaves the item unprocessed so the next cycle
// retries it once a worker frees up.
func (p *Planner) handleNewTasks(ctx context.Context, cs *cycleState) {
	items, err := p.board.GetItems(ctx, p.boardID, state.TaskTodo)
	if err != nil {
		p.recordError("board", "", fmt.Errorf("fetch todo items: %w", err))
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if p.isProcessed(item.ID) {
			continue
		}
		if !p.repoAllowed(item.RepositoryID) {
			p.logger.Debug("repository filtered out",
				"item_id", item.ID, "repository_id", item.RepositoryID)
			p.markProcessed(item.ID)
			continue
		}
		p.noteTask(item, state.TaskTodo)

		resp := p.router.Route(ctx, dispatch.Request{
			TaskID:    item.ID,
			Action:    state.ActionStartNewTask,
			BoardItem: item.Snapshot(),
		})
		switch resp.Status {
		case dispatch.StatusAccepted:
			// The verified board move must stick before the item counts
			// as handled. A failed update leaves it unprocessed so the
			// next cycle retries; the router answers the repeated START
			// for an already-assigned task idempotently.
			if p.moveItem(ctx, cs, item, state.TaskInProgress, true) {
				p.markActive(item.ID)
				cs.newTasks++
			}
		case dispatch.StatusRejected:
			p.logger.Info("task start rejected",
				"task_id", item.ID, "reason", resp.Message)
		default:
			p.recordError("router", item.ID, fmt.Errorf("start task: %s", resp.Message))
		}
	}
}

// handleInProgressTasks polls every IN_PROGRESS item's worker. A task
// reported complete with a pull request moves the item to IN_REVIEW.
func (p *Planner) handleInProgressTasks(ctx context.Context, cs *cycleState) {
	items, err := p.board.GetItems(ctx, p.boardID, state.TaskInProgress)
	if err != nil {
		p.recordError("board", "", fmt.Errorf("fetch in-progress items: %w", err))
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if cs.wasMoved(item.ID) || !p.repoAllowed(item.RepositoryID) {
			continue
		}
		p.markActive(item.ID)
		cs.inProgress++

		resp := p.router.Route(ctx, dispatch.Request{
			TaskID:         item.ID,
			Action:         state.ActionCheckStatus,
			BoardItem:      item.Snapshot(),
			PullRequestURL: item.PullRequestURL,
		})
		switch resp.Status {
		case dispatch.StatusCompleted:
			if resp.PullRequestURL == "" {
				p.recordError("planner", item.ID,
					fmt.Errorf("task completed without a pull request url"))
				continue
			}
			if p.moveItem(ctx, cs, item, state.TaskInReview, false) {
				if _, err := p.board.AddPullRequestToItem(ctx, item.ID, resp.PullRequestURL); err != nil {
					p.recordError("board", item.ID, fmt.Errorf("attach pull request: %w", err))
				}
			}
		case dispatch.StatusError:
			p.recordError("router", item.ID, fmt.Errorf("check status: %s", resp.Message))
		default:
			// Still running; nothing to do until the next cycle.
		}
	}
}

// handleReviewTasks drives IN_REVIEW items, a bounded number in
// parallel. Review work is all remote I/O (PR state, approvals,
// comments) and items are independent of each other.
func (p *Planner) handleReviewTasks(ctx context.Context, cs *cycleState) {
	items, err := p.board.GetItems(ctx, p.boardID, state.TaskInReview)
	if err != nil {
		p.recordError("board", "", fmt.Errorf("fetch in-review items: %w", err))
		return
	}

	var g errgroup.Group
	g.SetLimit(reviewParallelism)
	for _, item := range items {
		if cs.wasMoved(item.ID) || !p.repoAllowed(item.RepositoryID) {
			continue
		}
		cs.inReview++
		g.Go(func() error {
			// Failures are recorded per item; never fail the group.
			p.reviewItem(ctx, cs, item)
			return nil
		})
	}
	_ = g.Wait()
}

// reviewItem advances one IN_REVIEW item: merged PRs finish the task,
// approved PRs trigger a merge, anything else checks for new reviewer
// comments to forward as feedback.
func (p *Planner) reviewItem(ctx context.Context, cs *cycleState, item board.Item) {
	p.markActive(item.ID)

	prURL := p.resolvePullRequestURL(item)
	if prURL == "" {
		p.recordError("planner", item.ID,
			fmt.Errorf("no pull request recorded for item in review"))
		return
	}
	repoID, number, err := result.ParsePullRequestURL(prURL)
	if err != nil {
		p.recordError("planner", item.ID, fmt.Errorf("parse pull request url %q: %w", prURL, err))
		return
	}

	pr, err := p.reviews.GetPullRequest(ctx, repoID, number)
	if err != nil {
		p.recordError("review", item.ID, fmt.Errorf("fetch pull request %s#%d: %w", repoID, number, err))
		return
	}

	switch pr.Status {
	case review.StatusMerged:
		p.finishMerged(ctx, cs, item, prURL)
		return
	case review.StatusClosed:
		// Closed without merging means a human discarded the work;
		// leave the item where it is for a human to triage.
		p.logger.Warn("pull request closed unmerged",
			"task_id", item.ID, "pull_request_url", prURL)
		return
	}

	approved, err := p.reviews.IsApproved(ctx, repoID, number)
	if err != nil {
		p.recordError("review", item.ID, fmt.Errorf("check approval %s#%d: %w", repoID, number, err))
		return
	}
	if approved {
		p.requestMerge(ctx, cs, item, prURL)
		return
	}

	p.forwardFeedback(ctx, item, repoID, number, prURL)
}

// resolvePullRequestURL finds the PR attached to the item, preferring
// the board's own record and falling back to the durable worker task.
func (p *Planner) resolvePullRequestURL(item board.Item) string {
	if item.PullRequestURL != "" {
		return item.PullRequestURL
	}
	if rec, ok := p.store.GetWorkerByTaskID(item.ID); ok && rec.CurrentTask != nil {
		return rec.CurrentTask.PullRequestURL
	}
	return ""
}

// finishMerged completes a task whose PR is merged: board to DONE,
// worker released, item dropped from the active set.
func (p *Planner) finishMerged(ctx context.Context, cs *cycleState, item board.Item, prURL string) {
	if !p.moveItem(ctx, cs, item, state.TaskDone, false) {
		return
	}

	resp := p.router.Route(ctx, dispatch.Request{
		TaskID: item.ID,
		Action: state.ActionReleaseWorker,
	})
	if resp.Status != dispatch.StatusAccepted {
		p.recordError("router", item.ID, fmt.Errorf("release worker: %s", resp.Message))
	}
	p.dropActive(item.ID)
	p.logger.Info("task done", "task_id", item.ID, "pull_request_url", prURL)
}

// requestMerge asks the holding worker to merge the approved PR. The
// router runs merges inline, so a COMPLETED response means the PR is
// merged and the worker already released.
func (p *Planner) requestMerge(ctx context.Context, cs *cycleState, item board.Item, prURL string) {
	resp := p.router.Route(ctx, dispatch.Request{
		TaskID:         item.ID,
		Action:         state.ActionMergeRequest,
		BoardItem:      item.Snapshot(),
		PullRequestURL: prURL,
	})
	switch resp.Status {
	case dispatch.StatusCompleted:
		if p.moveItem(ctx, cs, item, state.TaskDone, false) {
			p.dropActive(item.ID)
			p.logger.Info("pull request merged", "task_id", item.ID, "pull_request_url", prURL)
		}
	case dispatch.StatusInProgress:
		// Merge already running or backing off; next cycle observes it.
	default:
		p.recordError("router", item.ID, fmt.Errorf("merge request: %s", resp.Message))
	}
}

// forwardFeedback fetches reviewer comments newer than the task's sync
// watermark and hands them to the holding worker. The watermark and the
// processed-comment set only advance after the router accepts, so a
// failed hand-off retries the same comments next cycle.
func (p *Planner) forwardFeedback(ctx context.Context, item board.Item, repoID string, number int, prURL string) {
	since := time.Now().Add(-commentLookback)
	if ts, ok := p.store.GetTaskLastSyncTime(item.ID); ok {
		since = ts
	}

	comments, err := p.reviews.GetNewComments(ctx, repoID, number, since, p.filter)
	if err != nil {
		p.recordError("review", item.ID, fmt.Errorf("fetch comments %s#%d: %w", repoID, number, err))
		return
	}

	task, _ := p.store.GetTask(item.ID)
	var fresh []review.Comment
	for _, c := range comments {
		if task != nil && task.HasProcessedComment(c.ID) {
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return
	}

	snapshots := make([]state.CommentSnapshot, len(fresh))
	ids := make([]string, len(fresh))
	newest := since
	for i, c := range fresh {
		snapshots[i] = state.CommentSnapshot{
			ID:        c.ID,
			Author:    c.Author,
			Body:      c.Body,
			Path:      c.Path,
			Line:      c.Line,
			CreatedAt: c.CreatedAt,
		}
		ids[i] = c.ID
		if c.CreatedAt.After(newest) {
			newest = c.CreatedAt
		}
	}

	resp := p.router.Route(ctx, dispatch.Request{
		TaskID:         item.ID,
		Action:         state.ActionProcessFeedback,
		BoardItem:      item.Snapshot(),
		PullRequestURL: prURL,
		Comments:       snapshots,
		LastSyncTime:   &since,
	})
	if resp.Status != dispatch.StatusAccepted {
		p.recordError("router", item.ID, fmt.Errorf("process feedback: %s", resp.Message))
		return
	}

	if err := p.store.UpdateTaskLastSyncTime(item.ID, newest); err != nil {
		p.recordError("state", item.ID, fmt.Errorf("advance sync watermark: %w", err))
	}
	if err := p.store.AddProcessedCommentsToTask(item.ID, ids); err != nil {
		p.recordError("state", item.ID, fmt.Errorf("record processed comments: %w", err))
	}
	if err := p.reviews.MarkCommentsAsProcessed(ctx, repoID, number, ids); err != nil {
		// Best effort; the durable processed set is the real guard.
		p.logger.Warn("mark comments processed", "task_id", item.ID, "error", err)
	}
	p.logger.Info("feedback forwarded", "task_id", item.ID, "comments", len(fresh))
}

// moveItem updates the item's board status, optionally verifying the
// update stuck by checking the read-back status. It returns whether the
// move (and verification, when requested) succeeded.
func (p *Planner) moveItem(ctx context.Context, cs *cycleState, item board.Item, to state.TaskStatus, verify bool) bool {
	updated, err := p.board.UpdateItemStatus(ctx, item.ID, to)
	if err != nil {
		p.recordError("board", item.ID, fmt.Errorf("move item to %s: %w", to, err))
		return false
	}
	if verify {
		var got state.TaskStatus
		if updated != nil {
			got = updated.Status
		}
		if got != to {
			p.recordError("board", item.ID,
				fmt.Errorf("move item to %s did not stick (read back %q)", to, got))
			return false
		}
	}

	cs.markMoved(item.ID)
	p.noteTask(item, to)
	p.publisher.Publish(events.NewEvent(events.EventTaskStatus, item.ID, events.TaskStatusData{
		From: string(item.Status),
		To:   string(to),
	}))
	return true
}
