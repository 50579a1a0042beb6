package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackworks/steward/internal/board"
	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/developer"
	"github.com/stackworks/steward/internal/dispatch"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/review"
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/worker"
)

// fakeWorkspaces satisfies both the worker's workspace dependency and
// the dispatch validator's inventory.
type fakeWorkspaces struct {
	mu      sync.Mutex
	baseDir string
	infos   map[string]*state.WorkspaceInfo
	valid   map[string]bool
	cleaned []string
}

var (
	_ worker.WorkspaceManager     = (*fakeWorkspaces)(nil)
	_ dispatch.WorkspaceInventory = (*fakeWorkspaces)(nil)
)

func newFakeWorkspaces(t *testing.T) *fakeWorkspaces {
	t.Helper()
	return &fakeWorkspaces{
		baseDir: t.TempDir(),
		infos:   make(map[string]*state.WorkspaceInfo),
		valid:   make(map[string]bool),
	}
}

// seed installs a workspace record, optionally marked usable.
func (f *fakeWorkspaces) seed(taskID string, usable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[taskID] = &state.WorkspaceInfo{
		TaskID:       taskID,
		RepositoryID: "acme/svc",
		WorkspaceDir: filepath.Join(f.baseDir, taskID),
		BranchName:   "issue-1",
		CreatedAt:    time.Now(),
	}
	f.valid[taskID] = usable
}

func (f *fakeWorkspaces) CreateWorkspace(taskID, repoID string, item *state.BoardItemSnapshot) (*state.WorkspaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[taskID]; ok {
		return info.Clone(), nil
	}
	dir := filepath.Join(f.baseDir, taskID)
	info := &state.WorkspaceInfo{
		TaskID:              taskID,
		RepositoryID:        repoID,
		WorkspaceDir:        dir,
		BranchName:          "issue-1",
		InstructionFilePath: filepath.Join(dir, "STEWARD_TASK.md"),
		CreatedAt:           time.Now(),
	}
	f.infos[taskID] = info
	f.valid[taskID] = true
	return info.Clone(), nil
}

func (f *fakeWorkspaces) SetupWorktree(_ context.Context, info *state.WorkspaceInfo, _ string) error {
	info.WorktreeCreated = true
	return nil
}

func (f *fakeWorkspaces) SetupInstructionFile(*state.WorkspaceInfo, *state.BoardItemSnapshot) error {
	return nil
}

func (f *fakeWorkspaces) CleanupWorkspace(_ context.Context, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.infos, taskID)
	delete(f.valid, taskID)
	f.cleaned = append(f.cleaned, taskID)
}

func (f *fakeWorkspaces) Get(taskID string) (*state.WorkspaceInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[taskID]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

func (f *fakeWorkspaces) IsWorktreeValid(info *state.WorkspaceInfo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[info.TaskID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Board.Provider = "mock"
	cfg.Planner.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Pool = config.PoolConfig{
		MinWorkers:      1,
		MaxWorkers:      2,
		WorkerTimeout:   config.Duration(10 * time.Minute),
		IdleTimeout:     config.Duration(time.Hour),
		CleanupInterval: config.Duration(time.Hour),
	}
	return cfg
}

type testEnv struct {
	planner *Planner
	pool    *worker.Pool
	store   *state.FileStore
	board   *board.Mock
	reviews *review.Mock
	dev     *developer.Mock
	ws      *fakeWorkspaces
}

// envSeed lets a test share collaborators across environments; nil
// fields get fresh defaults.
type envSeed struct {
	cfg     *config.Config
	store   *state.FileStore
	ws      *fakeWorkspaces
	board   *board.Mock
	reviews *review.Mock
	pub     events.Publisher
}

func newEnv(t *testing.T, seed envSeed) *testEnv {
	t.Helper()

	cfg := seed.cfg
	if cfg == nil {
		cfg = testConfig()
	}
	st := seed.store
	if st == nil {
		st = state.NewFileStore(t.TempDir(), testLogger())
		require.NoError(t, st.Initialize())
	}
	ws := seed.ws
	if ws == nil {
		ws = newFakeWorkspaces(t)
	}
	bd := seed.board
	if bd == nil {
		bd = board.NewMock()
	}
	rv := seed.reviews
	if rv == nil {
		rv = review.NewMock()
	}
	pub := seed.pub
	if pub == nil {
		pub = events.NewNopPublisher()
	}

	dev := developer.NewMock()
	pool := worker.NewPool(cfg.Pool, worker.Deps{
		Developer:      dev,
		Workspaces:     ws,
		Store:          st,
		Publisher:      pub,
		Branches:       NewBranchResolver(cfg.Planner, rv, testLogger()),
		InitRetries:    1,
		InitRetryDelay: time.Millisecond,
		Logger:         testLogger(),
	})
	require.NoError(t, pool.InitializePool())
	t.Cleanup(pool.Shutdown)

	router := dispatch.NewRouter(pool, dispatch.NewValidator(ws, testLogger()), pub, testLogger())
	p := New(cfg, Deps{
		Board:     bd,
		Reviews:   rv,
		Router:    router,
		Store:     st,
		Publisher: pub,
		Logger:    testLogger(),
	})
	return &testEnv{planner: p, pool: pool, store: st, board: bd, reviews: rv, dev: dev, ws: ws}
}

func (e *testEnv) cycle() {
	e.planner.RunCycle(context.Background())
}

func (e *testEnv) addTodo(number int, title string) string {
	e.board.AddItem(board.Item{
		Title:        title,
		Number:       number,
		RepositoryID: "acme/svc",
	})
	return fmt.Sprintf("acme/svc#%d", number)
}

func (e *testEnv) itemStatus(t *testing.T, itemID string) state.TaskStatus {
	t.Helper()
	item, ok := e.board.Item(itemID)
	require.True(t, ok, "board item %s exists", itemID)
	return item.Status
}

// waitRuns blocks until the developer has run at least runs times and
// the task's worker settled back to WAITING. A freshly assigned worker
// is also WAITING, so the run count guards against settling too early.
func (e *testEnv) waitRuns(t *testing.T, taskID string, runs int) *worker.Instance {
	t.Helper()
	inst := e.pool.GetWorkerByTaskID(taskID)
	require.NotNil(t, inst, "a worker holds %s", taskID)
	require.Eventually(t, func() bool {
		return e.dev.ExecuteCalls() >= runs && inst.Status() == state.WorkerWaiting
	}, 2*time.Second, 5*time.Millisecond, "pipeline settles back to WAITING")
	return inst
}

func prURL(number int) string {
	return fmt.Sprintf("https://github.com/acme/svc/pull/%d", number)
}

func setOpenPR(rv *review.Mock, number int) {
	rv.SetPullRequest(&review.PullRequest{
		RepositoryID: "acme/svc",
		Number:       number,
		Author:       "steward-bot",
		Status:       review.StatusOpen,
		URL:          prURL(number),
	})
}

func TestTaskFlowsTodoToDone(t *testing.T) {
	env := newEnv(t, envSeed{})
	id := env.addTodo(1, "Add login audit trail")
	env.dev.QueueResponse("Implemented and pushed.\nPR: " + prURL(42))
	setOpenPR(env.reviews, 42)
	env.reviews.SetReviews("acme/svc", 42, []review.Review{
		{ID: "r1", Author: "alice", State: "APPROVED"},
	})

	// Cycle 1: the TODO item gets a worker and moves to IN_PROGRESS.
	env.cycle()
	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, id))
	inst := env.waitRuns(t, id, 1)
	task := inst.CurrentTask()
	require.NotNil(t, task)
	assert.Equal(t, prURL(42), task.PullRequestURL, "discovered PR remembered on the task")

	// Cycle 2: the status check reports the PR and the item moves to
	// IN_REVIEW with the URL attached.
	env.cycle()
	assert.Equal(t, state.TaskInReview, env.itemStatus(t, id))
	assert.Equal(t, []string{prURL(42)}, env.board.PullRequestLinks(id))
	assert.Equal(t, 2, env.dev.ExecuteCalls(), "status check ran the pipeline inline")

	// Cycle 3: the approval triggers the merge; the item lands in DONE
	// and the worker is released.
	env.cycle()
	assert.Equal(t, state.TaskDone, env.itemStatus(t, id))
	assert.Equal(t, 3, env.dev.ExecuteCalls(), "merge ran inline")
	assert.Nil(t, env.pool.GetWorkerByTaskID(id), "worker released after merge")

	assert.Equal(t, []board.StatusTransition{
		{ItemID: id, From: state.TaskTodo, To: state.TaskInProgress},
		{ItemID: id, From: state.TaskInProgress, To: state.TaskInReview},
		{ItemID: id, From: state.TaskInReview, To: state.TaskDone},
	}, env.board.Transitions(), "exactly one transition per cycle")

	rec, ok := env.store.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, state.TaskDone, rec.Status)

	status := env.planner.Status()
	assert.Equal(t, int64(3), status.Cycles)
	assert.Empty(t, status.ActiveTasks, "finished task dropped from the active set")
}

func TestStartRejectionRetriesNextCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MinWorkers = 1
	cfg.Pool.MaxWorkers = 1
	env := newEnv(t, envSeed{cfg: cfg})

	t1 := env.addTodo(1, "First task")
	env.dev.QueueResponse("PR: " + prURL(41))
	setOpenPR(env.reviews, 41)
	env.reviews.SetReviews("acme/svc", 41, []review.Review{
		{ID: "r1", Author: "alice", State: "APPROVED"},
	})

	env.cycle()
	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, t1))
	env.waitRuns(t, t1, 1)

	t2 := env.addTodo(2, "Second task")

	// The only worker still holds the first task: the second start is
	// rejected and the item stays TODO for a later cycle.
	env.cycle()
	assert.Equal(t, state.TaskTodo, env.itemStatus(t, t2))
	assert.Nil(t, env.pool.GetWorkerByTaskID(t2))
	assert.Equal(t, state.TaskInReview, env.itemStatus(t, t1))

	// Still saturated, but this cycle merges the first task and frees
	// the worker.
	env.cycle()
	assert.Equal(t, state.TaskTodo, env.itemStatus(t, t2))
	assert.Equal(t, state.TaskDone, env.itemStatus(t, t1))

	env.cycle()
	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, t2))
	env.waitRuns(t, t2, 4)
}

func TestFailedBoardMoveRetriesNextCycle(t *testing.T) {
	env := newEnv(t, envSeed{})
	id := env.addTodo(1, "Flaky board")
	env.dev.QueueResponse("PR: " + prURL(9))
	env.board.FailNextUpdates(1, errors.New("board unavailable"))

	// Cycle 1: the worker starts but the TODO -> IN_PROGRESS move fails,
	// so the item stays unprocessed on a TODO board.
	env.cycle()
	assert.Equal(t, state.TaskTodo, env.itemStatus(t, id))
	env.waitRuns(t, id, 1)

	// Cycle 2: the repeated start is answered idempotently and the move
	// lands; no second execution for the same task.
	env.cycle()
	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, id))
	assert.Equal(t, 1, env.dev.ExecuteCalls(), "no duplicate execution")
}

func TestReviewFeedbackForwardedOnce(t *testing.T) {
	env := newEnv(t, envSeed{})

	env.board.AddItem(board.Item{
		Number:       12,
		Title:        "Harden session refresh",
		RepositoryID: "acme/svc",
		Status:       state.TaskInReview,
	})
	id := "acme/svc#12"
	_, err := env.board.AddPullRequestToItem(context.Background(), id, prURL(43))
	require.NoError(t, err)
	env.ws.seed(id, true)
	setOpenPR(env.reviews, 43)

	base := time.Now().Add(-30 * time.Minute)
	require.NoError(t, env.store.UpdateTaskLastSyncTime(id, base))

	at := base.Add(5 * time.Minute)
	env.reviews.AddComment("acme/svc", 43, review.Comment{
		ID: "c-1", Author: "alice", Body: "Rename this helper", Path: "auth/session.go", Line: 40, CreatedAt: at,
	})
	env.reviews.AddComment("acme/svc", 43, review.Comment{
		ID: "c-2", Author: "bob", Body: "Add a test for the expiry path", CreatedAt: at,
	})
	env.reviews.AddComment("acme/svc", 43, review.Comment{
		ID: "c-3", Author: "steward-bot", Body: "Thanks, will do", CreatedAt: at,
	})
	env.reviews.AddComment("acme/svc", 43, review.Comment{
		ID: "c-4", Author: "github-actions[bot]", Body: "CI passed", IsBot: true, CreatedAt: at,
	})

	env.cycle()

	// Only the two reviewer comments pass the filter; the watermark and
	// the processed set advance once the hand-off is accepted.
	ts, ok := env.store.GetTaskLastSyncTime(id)
	require.True(t, ok)
	assert.WithinDuration(t, at, ts, time.Second)
	task, ok := env.store.GetTask(id)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"c-1", "c-2"}, task.ProcessedCommentIDs)
	assert.ElementsMatch(t, []string{"c-1", "c-2"}, env.reviews.ProcessedComments("acme/svc", 43))

	env.waitRuns(t, id, 1)
	prompts := env.dev.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Rename this helper")
	assert.Contains(t, prompts[0], "Add a test for the expiry path")
	assert.NotContains(t, prompts[0], "CI passed")
	assert.NotContains(t, prompts[0], "Thanks, will do")

	// Nothing new on the next cycle: the same comments are not
	// forwarded again.
	env.cycle()
	assert.Equal(t, 1, env.dev.ExecuteCalls())
}

func TestRestartResumesHeldTask(t *testing.T) {
	stateDir := t.TempDir()
	bd := board.NewMock()
	rv := review.NewMock()
	ws := newFakeWorkspaces(t)

	store1 := state.NewFileStore(stateDir, testLogger())
	require.NoError(t, store1.Initialize())
	envA := newEnv(t, envSeed{store: store1, ws: ws, board: bd, reviews: rv})

	id := envA.addTodo(1, "Add rate limiting")
	envA.dev.QueueResponse("PR: " + prURL(44))
	envA.cycle()
	envA.waitRuns(t, id, 1)
	require.Eventually(t, func() bool {
		rec, ok := store1.GetWorkerByTaskID(id)
		return ok && rec.Status == state.WorkerWaiting &&
			rec.CurrentTask != nil && rec.CurrentTask.PullRequestURL == prURL(44)
	}, 2*time.Second, 5*time.Millisecond, "execution result persisted")
	envA.pool.Shutdown()

	// A fresh process over the same state directory and board.
	store2 := state.NewFileStore(stateDir, testLogger())
	require.NoError(t, store2.Initialize())
	envB := newEnv(t, envSeed{store: store2, ws: ws, board: bd, reviews: rv})

	instB := envB.pool.GetWorkerByTaskID(id)
	require.NotNil(t, instB, "restart restores the held task from the durable record")
	assert.Equal(t, state.WorkerWaiting, instB.Status())

	// The next status check reruns the pipeline; the recorded PR URL
	// completes the task even though the new run discovers none.
	envB.cycle()
	assert.Equal(t, state.TaskInReview, envB.itemStatus(t, id))
	assert.Equal(t, []string{prURL(44)}, envB.board.PullRequestLinks(id))
	assert.Equal(t, 1, envB.dev.ExecuteCalls())
}

func TestRestartReassignsLostWorker(t *testing.T) {
	stateDir := t.TempDir()
	bd := board.NewMock()
	rv := review.NewMock()
	ws := newFakeWorkspaces(t)

	store1 := state.NewFileStore(stateDir, testLogger())
	require.NoError(t, store1.Initialize())
	envA := newEnv(t, envSeed{store: store1, ws: ws, board: bd, reviews: rv})

	id := envA.addTodo(1, "Add rate limiting")
	envA.cycle()
	instA := envA.waitRuns(t, id, 1)
	envA.pool.Shutdown()
	require.NoError(t, store1.DeleteWorker(instA.ID()))

	store2 := state.NewFileStore(stateDir, testLogger())
	require.NoError(t, store2.Initialize())
	envB := newEnv(t, envSeed{store: store2, ws: ws, board: bd, reviews: rv})
	require.Nil(t, envB.pool.GetWorkerByTaskID(id))

	// First cycle: the orphaned IN_PROGRESS item is handed to a fresh
	// worker through the recorded workspace; no pipeline runs yet.
	envB.cycle()
	assert.Equal(t, state.TaskInProgress, envB.itemStatus(t, id))
	instB := envB.pool.GetWorkerByTaskID(id)
	require.NotNil(t, instB, "task reassigned to a fresh worker")
	taskB := instB.CurrentTask()
	require.NotNil(t, taskB)
	assert.Equal(t, state.ActionResumeTask, taskB.Action)
	assert.Equal(t, 0, envB.dev.ExecuteCalls())

	// Second cycle: the resumed worker executes and the discovered PR
	// moves the item onward.
	envB.dev.QueueResponse("Recovered the branch and reopened the work.\nPR: " + prURL(44))
	envB.cycle()
	assert.Equal(t, state.TaskInReview, envB.itemStatus(t, id))
	assert.Equal(t, []string{prURL(44)}, envB.board.PullRequestLinks(id))
}

func TestFailedRunBacksOffUntilRetry(t *testing.T) {
	env := newEnv(t, envSeed{})
	id := env.addTodo(1, "Flaky network task")
	env.dev.QueueError(errors.New("connection refused"))

	env.cycle()
	inst := env.waitRuns(t, id, 1)
	assert.True(t, inst.InRetryBackoff())
	_, consecutive := inst.ErrorCounts()
	assert.Equal(t, 1, consecutive)

	// The next check lands inside the backoff window: no new run, the
	// item stays where it is.
	env.cycle()
	assert.Equal(t, 1, env.dev.ExecuteCalls())
	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, id))
	assert.Equal(t, state.WorkerWaiting, inst.Status())
}

func TestStartMonitoringHydratesAndRuns(t *testing.T) {
	env := newEnv(t, envSeed{})

	// Work already on the board from a previous run.
	env.board.AddItem(board.Item{Number: 8, Title: "Shipped earlier", RepositoryID: "acme/svc", Status: state.TaskDone})
	env.board.AddItem(board.Item{Number: 9, Title: "Out for review", RepositoryID: "acme/svc", Status: state.TaskInReview})
	_, err := env.board.AddPullRequestToItem(context.Background(), "acme/svc#9", prURL(49))
	require.NoError(t, err)
	setOpenPR(env.reviews, 49)

	require.NoError(t, env.planner.StartMonitoring(context.Background()))
	defer env.planner.StopMonitoring()

	err = env.planner.StartMonitoring(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	status := env.planner.Status()
	assert.True(t, status.Running)
	assert.Contains(t, status.ActiveTasks, "acme/svc#9", "hydration marks in-review work active")

	// New work added while the loop runs is picked up by a later cycle.
	env.dev.QueueResponse("PR: " + prURL(50))
	setOpenPR(env.reviews, 50)
	id := env.addTodo(10, "Fresh work")
	require.Eventually(t, func() bool {
		item, ok := env.board.Item(id)
		return ok && item.Status != state.TaskTodo
	}, 2*time.Second, 5*time.Millisecond, "loop starts the new item")
	env.waitRuns(t, id, 1)

	env.planner.StopMonitoring()
	assert.False(t, env.planner.Status().Running)

	cyclesAtStop := env.planner.Status().Cycles
	time.Sleep(3 * env.planner.interval)
	assert.Equal(t, cyclesAtStop, env.planner.Status().Cycles, "no cycles after stop")
}

func TestStartMonitoringFailsWhenBoardUnreachable(t *testing.T) {
	env := newEnv(t, envSeed{})
	env.board.Err = errors.New("api offline")

	err := env.planner.StartMonitoring(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hydrate")
	assert.False(t, env.planner.Status().Running)

	// The board comes back; a second start succeeds.
	env.board.Err = nil
	require.NoError(t, env.planner.StartMonitoring(context.Background()))
	env.planner.StopMonitoring()
}

func TestRepositoryFilterSkipsOtherRepos(t *testing.T) {
	cfg := testConfig()
	cfg.Planner.RepositoryFilter = []string{"acme/*"}
	env := newEnv(t, envSeed{cfg: cfg})

	inScope := env.addTodo(11, "In scope")
	env.board.AddItem(board.Item{Number: 3, Title: "Out of scope", RepositoryID: "other/tool"})
	outOfScope := "other/tool#3"

	env.cycle()

	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, inScope))
	assert.Equal(t, state.TaskTodo, env.itemStatus(t, outOfScope))
	assert.Nil(t, env.pool.GetWorkerByTaskID(outOfScope))
	env.waitRuns(t, inScope, 1)
}

func TestUntrackedInProgressItemRecordsError(t *testing.T) {
	env := newEnv(t, envSeed{})
	env.board.AddItem(board.Item{Number: 5, Title: "Dragged by hand", RepositoryID: "acme/svc", Status: state.TaskInProgress})

	env.cycle()

	errs := env.planner.Errors()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].Message, "no workspace recorded")
	assert.Equal(t, state.TaskInProgress, env.itemStatus(t, "acme/svc#5"), "item left for a human to triage")
}

func TestClosedUnmergedPullRequestLeftForTriage(t *testing.T) {
	env := newEnv(t, envSeed{})
	env.board.AddItem(board.Item{Number: 13, Title: "Abandoned approach", RepositoryID: "acme/svc", Status: state.TaskInReview})
	id := "acme/svc#13"
	_, err := env.board.AddPullRequestToItem(context.Background(), id, prURL(45))
	require.NoError(t, err)
	env.reviews.SetPullRequest(&review.PullRequest{
		RepositoryID: "acme/svc",
		Number:       45,
		Author:       "steward-bot",
		Status:       review.StatusClosed,
		URL:          prURL(45),
	})

	env.cycle()

	assert.Equal(t, state.TaskInReview, env.itemStatus(t, id), "closed-unmerged PR is a human decision")
	assert.Empty(t, env.board.Transitions())
}

func TestMergedPullRequestFinishesTask(t *testing.T) {
	env := newEnv(t, envSeed{})
	env.board.AddItem(board.Item{Number: 14, Title: "Merged by hand", RepositoryID: "acme/svc", Status: state.TaskInReview})
	id := "acme/svc#14"
	_, err := env.board.AddPullRequestToItem(context.Background(), id, prURL(46))
	require.NoError(t, err)
	env.reviews.SetPullRequest(&review.PullRequest{
		RepositoryID: "acme/svc",
		Number:       46,
		Author:       "steward-bot",
		Status:       review.StatusMerged,
		URL:          prURL(46),
	})

	env.cycle()

	assert.Equal(t, state.TaskDone, env.itemStatus(t, id))
	assert.Empty(t, env.planner.Status().ActiveTasks)
}

func TestErrorRingStaysBounded(t *testing.T) {
	p := New(testConfig(), Deps{Logger: testLogger()})

	for i := 1; i <= 107; i++ {
		p.recordError("test", "", fmt.Errorf("boom %d", i))
	}

	errs := p.Errors()
	require.Len(t, errs, 56)
	assert.Equal(t, "boom 52", errs[0].Message)
	assert.Equal(t, "boom 107", errs[len(errs)-1].Message)
	assert.Equal(t, 56, p.Status().ErrorCount)
}

func TestCycleEventPublished(t *testing.T) {
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	env := newEnv(t, envSeed{pub: pub})
	ch := pub.Subscribe(events.GlobalTaskID)

	env.cycle()

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventCycle, ev.Type)
		data, ok := ev.Data.(events.CycleData)
		require.True(t, ok)
		assert.Equal(t, int64(1), data.Cycle)
	case <-time.After(time.Second):
		t.Fatal("no cycle event published")
	}
}
