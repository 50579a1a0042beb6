package dispatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/developer"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/worker"
)

// fakeWorkspaces satisfies both the worker's workspace dependency and
// the validator's inventory.
type fakeWorkspaces struct {
	mu      sync.Mutex
	baseDir string
	infos   map[string]*state.WorkspaceInfo
	valid   map[string]bool
	cleaned []string
}

var (
	_ worker.WorkspaceManager = (*fakeWorkspaces)(nil)
	_ WorkspaceInventory      = (*fakeWorkspaces)(nil)
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

type routerEnv struct {
	router *Router
	pool   *worker.Pool
	dev    *developer.Mock
	ws     *fakeWorkspaces
	store  *state.FileStore
}

func newRouterEnv(t *testing.T, cfg config.PoolConfig) *routerEnv {
	t.Helper()
	store := state.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, store.Initialize())
	return newRouterEnvWithStore(t, cfg, store)
}

func newRouterEnvWithStore(t *testing.T, cfg config.PoolConfig, store *state.FileStore) *routerEnv {
	t.Helper()

	dev := developer.NewMock()
	ws := newFakeWorkspaces(t)
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = config.Duration(time.Hour)
	}
	pool := worker.NewPool(cfg, worker.Deps{
		Developer:      dev,
		Workspaces:     ws,
		Store:          store,
		Publisher:      events.NewNopPublisher(),
		Branches:       worker.StaticBaseBranch("main"),
		InitRetries:    1,
		InitRetryDelay: time.Millisecond,
		Logger:         testLogger(),
	})
	require.NoError(t, pool.InitializePool())
	t.Cleanup(pool.Shutdown)

	router := NewRouter(pool, NewValidator(ws, testLogger()), events.NewNopPublisher(), testLogger())
	return &routerEnv{router: router, pool: pool, dev: dev, ws: ws, store: store}
}

func startRequest(taskID string) Request {
	return Request{
		TaskID: taskID,
		Action: state.ActionStartNewTask,
		BoardItem: &state.BoardItemSnapshot{
			ID:           taskID,
			Title:        "Add login audit trail",
			Number:       1,
			Kind:         "issue",
			RepositoryID: "acme/svc",
		},
	}
}

func (e *routerEnv) waitSettled(t *testing.T, taskID string) *worker.Instance {
	t.Helper()
	inst := e.pool.GetWorkerByTaskID(taskID)
	require.NotNil(t, inst)
	// A freshly assigned worker is also WAITING, so require the run to
	// have happened before treating WAITING as settled.
	require.Eventually(t, func() bool {
		return e.dev.ExecuteCalls() >= 1 && inst.Status() == state.WorkerWaiting
	}, 2*time.Second, 5*time.Millisecond, "background pipeline settles back to WAITING")
	return inst
}

func TestRouteRequiresTaskID(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	resp := env.router.Route(context.Background(), Request{Action: state.ActionStartNewTask})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "task id")
}

func TestRouteUnsupportedAction(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.Action("DANCE")})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unsupported action")
}

func TestStartNewTaskAssignsAndRuns(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("Implemented and pushed.\nPR: https://github.com/acme/svc/pull/7")

	resp := env.router.Route(context.Background(), startRequest("T-1"))

	require.Equal(t, StatusAccepted, resp.Status)
	assert.Contains(t, resp.Message, "assigned")

	inst := env.waitSettled(t, "T-1")
	assert.Equal(t, 1, env.dev.ExecuteCalls())
	task := inst.CurrentTask()
	require.NotNil(t, task)
	assert.Equal(t, "https://github.com/acme/svc/pull/7", task.PullRequestURL,
		"discovered PR is remembered on the task")
}

func TestStartNewTaskDuplicateIsAccepted(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("PR: https://github.com/acme/svc/pull/7")

	first := env.router.Route(context.Background(), startRequest("T-1"))
	require.Equal(t, StatusAccepted, first.Status)
	env.waitSettled(t, "T-1")

	second := env.router.Route(context.Background(), startRequest("T-1"))
	assert.Equal(t, StatusAccepted, second.Status)
	assert.Contains(t, second.Message, "already assigned")
	assert.Equal(t, 1, env.dev.ExecuteCalls(), "duplicate start does not run again")
	assert.Equal(t, 1, env.pool.Size(), "no second worker for the same task")
}

func TestStartNewTaskRejectedWhenSaturated(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 1})

	block := make(chan struct{})
	env.dev.ExecuteFunc = func(ctx context.Context, prompt, dir string) (string, error) {
		<-block
		return "PR: https://github.com/acme/svc/pull/7", nil
	}

	first := env.router.Route(context.Background(), startRequest("T-1"))
	require.Equal(t, StatusAccepted, first.Status)

	second := env.router.Route(context.Background(), startRequest("T-2"))
	assert.Equal(t, StatusRejected, second.Status)
	assert.Contains(t, second.Message, "no worker available")

	// Let the blocked pipeline finish before cleanup runs.
	close(block)
	env.waitSettled(t, "T-1")
}

func TestCheckStatusCompletesAfterBackgroundRun(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("Implemented and pushed.\nPR: https://github.com/acme/svc/pull/7")

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	env.waitSettled(t, "T-1")

	// The inline run consumes the default mock response, which has no
	// URL of its own; the remembered task URL completes the check.
	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus})

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "https://github.com/acme/svc/pull/7", resp.PullRequestURL)
	assert.Equal(t, state.WorkerWaiting, resp.WorkerStatus, "worker keeps the task until release")
}

func TestCheckStatusWorking(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	block := make(chan struct{})
	env.dev.ExecuteFunc = func(ctx context.Context, prompt, dir string) (string, error) {
		<-block
		return "PR: https://github.com/acme/svc/pull/7", nil
	}

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst)
	require.Eventually(t, func() bool {
		return inst.Status() == state.WorkerWorking
	}, 2*time.Second, 5*time.Millisecond)

	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus})
	assert.Equal(t, StatusInProgress, resp.Status)
	assert.Equal(t, state.WorkerWorking, resp.WorkerStatus)

	// Let the blocked pipeline finish before cleanup runs.
	close(block)
	require.Eventually(t, func() bool {
		return inst.Status() == state.WorkerWaiting
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckStatusResumesStopped(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	block := make(chan struct{})
	env.dev.ExecuteFunc = func(ctx context.Context, prompt, dir string) (string, error) {
		<-block
		return "PR: https://github.com/acme/svc/pull/7", nil
	}

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst)
	require.Eventually(t, func() bool {
		return inst.Status() == state.WorkerWorking
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, inst.PauseExecution())
	close(block)
	// Let the unblocked pipeline drain before cleanup; it finishes with
	// an empty progress stage and leaves the paused status alone.
	require.Eventually(t, func() bool {
		return inst.Progress() == ""
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, state.WorkerStopped, inst.Status(), "pause survives the raced pipeline")

	// No recovery timeout configured, so there is no quarantine window
	// to wait out.
	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus})
	assert.Equal(t, StatusInProgress, resp.Status)
	assert.Contains(t, resp.Message, "resumed")
	assert.Equal(t, state.WorkerWaiting, inst.Status())
}

// quarantinedStore seeds a durable STOPPED worker holding T-1 whose
// last activity was lastActive ago.
func quarantinedStore(t *testing.T, lastActive time.Duration) *state.FileStore {
	t.Helper()
	store := state.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, store.Initialize())
	require.NoError(t, store.SaveWorker(&state.Worker{
		ID:     "worker-quarantined",
		Status: state.WorkerStopped,
		Kind:   state.KindPool,
		CurrentTask: &state.WorkerTask{
			TaskID:       "T-1",
			Action:       state.ActionStartNewTask,
			RepositoryID: "acme/svc",
		},
		LastActiveAt: time.Now().Add(-lastActive),
	}))
	return store
}

func TestCheckStatusQuarantineHoldsUntilTimeout(t *testing.T) {
	cfg := config.PoolConfig{
		MinWorkers:    1,
		MaxWorkers:    2,
		WorkerTimeout: config.Duration(time.Hour),
	}
	env := newRouterEnvWithStore(t, cfg, quarantinedStore(t, 0))

	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst)

	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "quarantined")
	assert.Equal(t, state.WorkerStopped, inst.Status(), "quarantine holds until the timeout lapses")
}

func TestCheckStatusResumesQuarantinedAfterTimeout(t *testing.T) {
	cfg := config.PoolConfig{
		MinWorkers:    1,
		MaxWorkers:    2,
		WorkerTimeout: config.Duration(time.Hour),
	}
	env := newRouterEnvWithStore(t, cfg, quarantinedStore(t, 2*time.Hour))

	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst)

	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus})
	assert.Equal(t, StatusInProgress, resp.Status)
	assert.Contains(t, resp.Message, "resumed")
	assert.Equal(t, state.WorkerWaiting, inst.Status())
}

func TestCheckStatusIdleRestoredRecordIsComplete(t *testing.T) {
	// An IDLE record still referencing a task only comes out of the
	// durable store; a live worker drops the task when it goes IDLE.
	store := state.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, store.Initialize())
	require.NoError(t, store.SaveWorker(&state.Worker{
		ID:     "worker-restored",
		Status: state.WorkerIdle,
		Kind:   state.KindPool,
		CurrentTask: &state.WorkerTask{
			TaskID:       "T-1",
			Action:       state.ActionStartNewTask,
			RepositoryID: "acme/svc",
		},
	}))
	env := newRouterEnvWithStore(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2}, store)

	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus})

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Contains(t, resp.Message, "idle")
	assert.Equal(t, state.WorkerIdle, resp.WorkerStatus)
}

func TestCheckStatusAfterCancelReassigns(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	inst := env.waitSettled(t, "T-1")
	inst.CancelExecution()

	// Cancelling cleared the task, so the lookup misses; the workspace
	// from the first run makes the task reassignable.
	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus,
		BoardItem: startRequest("T-1").BoardItem})
	assert.Equal(t, StatusInProgress, resp.Status)
	assert.Contains(t, resp.Message, "reassigned")
}

func TestCheckStatusReassignsWithWorkspace(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.ws.seed("T-1", true)

	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus,
		BoardItem: startRequest("T-1").BoardItem})

	require.Equal(t, StatusInProgress, resp.Status)
	assert.Contains(t, resp.Message, "reassigned")

	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst)
	assert.Equal(t, state.WorkerWaiting, inst.Status())
	task := inst.CurrentTask()
	require.NotNil(t, task)
	assert.Equal(t, state.ActionResumeTask, task.Action)
	assert.Equal(t, 0, env.dev.ExecuteCalls(), "reassignment hands off without executing")
}

func TestCheckStatusReassignmentNeedsWorkspaceRecord(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	resp := env.router.Route(context.Background(), Request{TaskID: "T-ghost", Action: state.ActionCheckStatus})

	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "no workspace recorded")
	assert.Nil(t, env.pool.GetWorkerByTaskID("T-ghost"))
}

func TestCheckStatusReassignsRecreatableWorkspace(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.ws.seed("T-1", false)

	resp := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionCheckStatus,
		BoardItem: startRequest("T-1").BoardItem})

	assert.Equal(t, StatusInProgress, resp.Status, "an unusable workspace is recreated, not refused")
	assert.NotNil(t, env.pool.GetWorkerByTaskID("T-1"))
}

func TestProcessFeedbackToHoldingWorker(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("PR: https://github.com/acme/svc/pull/7")

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	env.waitSettled(t, "T-1")

	req := Request{
		TaskID:         "T-1",
		Action:         state.ActionProcessFeedback,
		BoardItem:      startRequest("T-1").BoardItem,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
		Comments: []state.CommentSnapshot{
			{ID: "c1", Author: "reviewer", Body: "Rename this method", Path: "auth/login.go", Line: 40},
		},
	}
	resp := env.router.Route(context.Background(), req)

	require.Equal(t, StatusAccepted, resp.Status)
	assert.Contains(t, resp.Message, "1 comments forwarded")

	inst := env.waitSettled(t, "T-1")
	require.Eventually(t, func() bool {
		return env.dev.ExecuteCalls() == 2
	}, 2*time.Second, 5*time.Millisecond, "feedback pipeline runs in the background")
	task := inst.CurrentTask()
	require.NotNil(t, task)
	assert.Equal(t, state.ActionProcessFeedback, task.Action)

	prompts := env.dev.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "Rename this method")
}

func TestProcessFeedbackAllocatesWithValidWorkspace(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.ws.seed("T-1", true)

	req := Request{
		TaskID:         "T-1",
		Action:         state.ActionProcessFeedback,
		BoardItem:      startRequest("T-1").BoardItem,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
		Comments:       []state.CommentSnapshot{{ID: "c1", Author: "reviewer", Body: "Fix the check"}},
	}
	resp := env.router.Route(context.Background(), req)

	require.Equal(t, StatusAccepted, resp.Status)
	inst := env.waitSettled(t, "T-1")
	task := inst.CurrentTask()
	require.NotNil(t, task)
	assert.Equal(t, state.ActionProcessFeedback, task.Action)
}

func TestProcessFeedbackRefusedWithoutWorkspace(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	req := Request{
		TaskID:         "T-1",
		Action:         state.ActionProcessFeedback,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
		Comments:       []state.CommentSnapshot{{ID: "c1", Author: "reviewer", Body: "Fix the check"}},
	}
	resp := env.router.Route(context.Background(), req)

	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "no valid workspace")
	assert.Nil(t, env.pool.GetWorkerByTaskID("T-1"))

	// The allocation was rolled back; the worker is available again.
	inst, err := env.pool.GetAvailableWorker()
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestMergeRequestInlineSuccessReleasesWorker(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("PR: https://github.com/acme/svc/pull/7")

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	env.waitSettled(t, "T-1")

	env.dev.QueueResponse("Merged the pull request.\nPR: https://github.com/acme/svc/pull/7")
	resp := env.router.Route(context.Background(), Request{
		TaskID:         "T-1",
		Action:         state.ActionMergeRequest,
		BoardItem:      startRequest("T-1").BoardItem,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
	})

	require.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "https://github.com/acme/svc/pull/7", resp.PullRequestURL)
	assert.Nil(t, env.pool.GetWorkerByTaskID("T-1"), "worker released after merge")
	assert.Equal(t, []string{"T-1"}, func() []string {
		env.ws.mu.Lock()
		defer env.ws.mu.Unlock()
		return append([]string(nil), env.ws.cleaned...)
	}(), "merge success cleans the workspace")
}

func TestMergeRequestFailureKeepsWorker(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("PR: https://github.com/acme/svc/pull/7")

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	env.waitSettled(t, "T-1")

	env.dev.QueueResponse("Error: merge blocked by failing required checks")
	resp := env.router.Route(context.Background(), Request{
		TaskID:         "T-1",
		Action:         state.ActionMergeRequest,
		BoardItem:      startRequest("T-1").BoardItem,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
	})

	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "merge blocked")
	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst, "worker kept for a later retry")
	assert.Equal(t, state.WorkerWaiting, inst.Status())
}

func TestMergeRequestWhileWorkingReportsInProgress(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	block := make(chan struct{})
	env.dev.ExecuteFunc = func(ctx context.Context, prompt, dir string) (string, error) {
		<-block
		return "PR: https://github.com/acme/svc/pull/7", nil
	}
	// Let the blocked pipeline finish before cleanup runs.
	t.Cleanup(func() {
		close(block)
		env.waitSettled(t, "T-1")
	})

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	inst := env.pool.GetWorkerByTaskID("T-1")
	require.NotNil(t, inst)
	require.Eventually(t, func() bool {
		return inst.Status() == state.WorkerWorking
	}, 2*time.Second, 5*time.Millisecond)

	resp := env.router.Route(context.Background(), Request{
		TaskID:         "T-1",
		Action:         state.ActionMergeRequest,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
	})
	assert.Equal(t, StatusInProgress, resp.Status)
	assert.Contains(t, resp.Message, "already processing")
}

func TestMergeRequestAllocatesWithoutWorkspace(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	env.dev.QueueResponse("Merged the pull request.\nPR: https://github.com/acme/svc/pull/7")
	resp := env.router.Route(context.Background(), Request{
		TaskID:         "T-1",
		Action:         state.ActionMergeRequest,
		BoardItem:      startRequest("T-1").BoardItem,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
	})

	assert.Equal(t, StatusCompleted, resp.Status,
		"a merge needs no prior workspace, the branch lives on the remote")
}

func TestReleaseWorkerIdempotent(t *testing.T) {
	env := newRouterEnv(t, config.PoolConfig{MinWorkers: 1, MaxWorkers: 2})
	env.dev.QueueResponse("PR: https://github.com/acme/svc/pull/7")

	require.Equal(t, StatusAccepted, env.router.Route(context.Background(), startRequest("T-1")).Status)
	env.waitSettled(t, "T-1")

	first := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionReleaseWorker})
	require.Equal(t, StatusAccepted, first.Status)
	assert.Nil(t, env.pool.GetWorkerByTaskID("T-1"))

	second := env.router.Route(context.Background(), Request{TaskID: "T-1", Action: state.ActionReleaseWorker})
	assert.Equal(t, StatusAccepted, second.Status)
	assert.Contains(t, second.Message, "no worker holds")
}

func TestValidatorModes(t *testing.T) {
	ws := newFakeWorkspaces(t)
	v := NewValidator(ws, testLogger())

	assert.Equal(t, AssignNewWorkspace, v.ValidateReassignment("T-1"))
	assert.False(t, v.CanAssignToIdleWorker("T-1", "worker-a"))

	ws.seed("T-1", true)
	assert.Equal(t, AssignResumeWorkspace, v.ValidateReassignment("T-1"))
	assert.True(t, v.CanAssignToIdleWorker("T-1", "worker-a"))

	ws.seed("T-2", false)
	assert.Equal(t, AssignRecreateWorkspace, v.ValidateReassignment("T-2"))
	assert.False(t, v.CanAssignToIdleWorker("T-2", "worker-a"),
		"idle assignment needs a usable workspace, not just a record")
}
