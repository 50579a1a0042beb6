// Package planner drives board items through the workflow. Every poll
// interval it runs one cycle: start workers for new TODO items, check
// progress on IN_PROGRESS items, and shepherd IN_REVIEW items through
// feedback, approval and merge. The board stays the source of truth;
// the planner only caches what it needs to avoid re-sending requests.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stackworks/steward/internal/board"
	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/dispatch"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/review"
	"github.com/stackworks/steward/internal/state"
)

const (
	// commentLookback is how far back the first comment fetch for a PR
	// reaches when the task has no sync watermark yet.
	commentLookback = 7 * 24 * time.Hour

	// reviewParallelism bounds the review phase's concurrent PR checks.
	reviewParallelism = 4

	// errorRingMax and errorRingKeep bound the recorded-error ring: at
	// errorRingMax entries the ring is trimmed to the newest
	// errorRingKeep.
	errorRingMax  = 100
	errorRingKeep = 50
)

// Deps carries the planner's collaborators.
type Deps struct {
	Board     board.Provider
	Reviews   review.Provider
	Router    *dispatch.Router
	Store     *state.FileStore
	Publisher events.Publisher
	Logger    *slog.Logger
}

// RecordedError is one entry in the planner's bounded error ring.
type RecordedError struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
}

// Status is a point-in-time snapshot of the planner for status surfaces.
type Status struct {
	Running      bool      `json:"running"`
	Cycles       int64     `json:"cycles"`
	LastCycleAt  time.Time `json:"last_cycle_at"`
	LastSyncTime time.Time `json:"last_sync_time"`
	ActiveTasks  []string  `json:"active_tasks"`
	ErrorCount   int       `json:"error_count"`
}

// Planner monitors one board and advances its items every poll interval.
type Planner struct {
	board     board.Provider
	reviews   review.Provider
	router    *dispatch.Router
	store     *state.FileStore
	publisher events.Publisher
	logger    *slog.Logger

	boardID    string
	interval   time.Duration
	repoFilter []string
	filter     review.FilterOptions

	mu          sync.Mutex
	running     bool
	processed   map[string]bool
	active      map[string]bool
	lastSync    time.Time
	lastCycleAt time.Time
	cycles      int64
	errors      []RecordedError
	errorsTotal int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a planner for the given board. The filter options come from
// cfg.Review.Filter; zero-value filter config falls back to the default
// comment filter.
func New(cfg *config.Config, deps Deps) *Planner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}

	filter := review.FilterOptions{
		ExcludeAuthor: cfg.Review.Filter.ExcludeAuthor,
		AllowedBots:   cfg.Review.Filter.AllowedBots,
	}
	if !filter.ExcludeAuthor && filter.AllowedBots == nil {
		filter = review.DefaultFilterOptions()
	}

	return &Planner{
		board:      deps.Board,
		reviews:    deps.Reviews,
		router:     deps.Router,
		store:      deps.Store,
		publisher:  publisher,
		logger:     logger.With("component", "planner"),
		boardID:    cfg.Board.BoardID,
		interval:   cfg.Planner.PollInterval.Std(),
		repoFilter: cfg.Planner.RepositoryFilter,
		filter:     filter,
		processed:  make(map[string]bool),
		active:     make(map[string]bool),
	}
}

// StartMonitoring hydrates workflow state from the current board and
// starts the cycle loop. Items already DONE are marked processed; items
// IN_PROGRESS or IN_REVIEW are marked processed and active so the next
// cycles pick them up where they stand.
func (p *Planner) StartMonitoring(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("planner already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if err := p.hydrate(p.ctx); err != nil {
		p.mu.Lock()
		p.running = false
		p.cancel()
		p.mu.Unlock()
		return fmt.Errorf("hydrate workflow state: %w", err)
	}

	p.logger.Info("monitoring started",
		"board_id", p.boardID,
		"poll_interval", p.interval,
		"repository_filter", p.repoFilter)

	p.wg.Add(1)
	go p.monitorLoop()
	return nil
}

// StopMonitoring stops the cycle loop and waits for the current cycle to
// finish. Safe to call when not running.
func (p *Planner) StopMonitoring() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("monitoring stopped")
}

func (p *Planner) monitorLoop() {
	defer p.wg.Done()

	// First cycle right away; the board may already hold work.
	p.RunCycle(p.ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.RunCycle(p.ctx)
		}
	}
}

// hydrate seeds the processed and active sets from the board's current
// state so a restart does not re-start work that is already underway.
func (p *Planner) hydrate(ctx context.Context) error {
	done, err := p.board.GetItems(ctx, p.boardID, state.TaskDone)
	if err != nil {
		return fmt.Errorf("fetch done items: %w", err)
	}
	inProgress, err := p.board.GetItems(ctx, p.boardID, state.TaskInProgress)
	if err != nil {
		return fmt.Errorf("fetch in-progress items: %w", err)
	}
	inReview, err := p.board.GetItems(ctx, p.boardID, state.TaskInReview)
	if err != nil {
		return fmt.Errorf("fetch in-review items: %w", err)
	}

	p.mu.Lock()
	for _, item := range done {
		p.processed[item.ID] = true
	}
	for _, item := range inProgress {
		p.processed[item.ID] = true
		p.active[item.ID] = true
	}
	for _, item := range inReview {
		p.processed[item.ID] = true
		p.active[item.ID] = true
	}
	p.mu.Unlock()

	for _, item := range inProgress {
		p.noteTask(item, state.TaskInProgress)
	}
	for _, item := range inReview {
		p.noteTask(item, state.TaskInReview)
	}

	p.logger.Info("workflow state hydrated",
		"done", len(done),
		"in_progress", len(inProgress),
		"in_review", len(inReview))
	return nil
}

// Status returns a snapshot for status surfaces.
func (p *Planner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make([]string, 0, len(p.active))
	for id := range p.active {
		active = append(active, id)
	}
	return Status{
		Running:      p.running,
		Cycles:       p.cycles,
		LastCycleAt:  p.lastCycleAt,
		LastSyncTime: p.lastSync,
		ActiveTasks:  active,
		ErrorCount:   len(p.errors),
	}
}

// Errors returns a copy of the recorded-error ring, oldest first.
func (p *Planner) Errors() []RecordedError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordedError(nil), p.errors...)
}

// recordError appends to the bounded error ring and publishes an error
// event. Cycle phases call this instead of returning errors; a failure
// on one item never interrupts the rest of the cycle.
func (p *Planner) recordError(source, taskID string, err error) {
	p.logger.Warn("cycle error", "source", source, "task_id", taskID, "error", err)

	p.mu.Lock()
	p.errorsTotal++
	p.errors = append(p.errors, RecordedError{
		Time:    time.Now().UTC(),
		Source:  source,
		TaskID:  taskID,
		Message: err.Error(),
	})
	if len(p.errors) > errorRingMax {
		trimmed := make([]RecordedError, errorRingKeep)
		copy(trimmed, p.errors[len(p.errors)-errorRingKeep:])
		p.errors = trimmed
	}
	p.mu.Unlock()

	p.publisher.Publish(events.NewEvent(events.EventError, taskID, events.ErrorData{
		Source:  source,
		Message: err.Error(),
	}))
}

func (p *Planner) isProcessed(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[itemID]
}

func (p *Planner) markProcessed(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[itemID] = true
}

func (p *Planner) markActive(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[itemID] = true
	p.active[itemID] = true
}

func (p *Planner) dropActive(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, itemID)
}

// repoAllowed reports whether the repository passes the configured glob
// filter. An empty filter admits every repository.
func (p *Planner) repoAllowed(repoID string) bool {
	if len(p.repoFilter) == 0 {
		return true
	}
	for _, pattern := range p.repoFilter {
		if ok, err := doublestar.Match(pattern, repoID); err == nil && ok {
			return true
		}
	}
	return false
}

// noteTask creates or refreshes the durable task record for a board
// item. Tasks are created lazily on first observation and never deleted.
func (p *Planner) noteTask(item board.Item, status state.TaskStatus) {
	now := time.Now().UTC()
	task, ok := p.store.GetTask(item.ID)
	if !ok {
		task = &state.Task{ID: item.ID, CreatedAt: now}
	}
	if task.Status == status {
		return
	}
	task.Status = status
	task.UpdatedAt = now
	if err := p.store.SaveTask(task); err != nil {
		p.recordError("state", item.ID, fmt.Errorf("save task: %w", err))
	}
}
