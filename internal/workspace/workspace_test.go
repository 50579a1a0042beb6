package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackworks/steward/internal/git"
	"github.com/stackworks/steward/internal/state"
)

// fakeGit emulates enough of git to exercise the cache and manager:
// clones create directories, worktree adds create marker files, and
// branch checkout conflicts are scriptable.
type fakeGit struct {
	mu             sync.Mutex
	calls          []string
	localBranches  map[string]bool
	remoteBranches map[string]bool
	checkedOut     map[string]bool
	failClone      bool
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		localBranches:  make(map[string]bool),
		remoteBranches: make(map[string]bool),
		checkedOut:     make(map[string]bool),
	}
}

func (f *fakeGit) Run(_ context.Context, workDir, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	switch {
	case key == "rev-parse --git-dir":
		return ".git", nil
	case key == "rev-parse --abbrev-ref HEAD":
		return "main", nil
	case key == "status --short":
		return "", nil
	case key == "worktree prune":
		return "", nil
	case key == "stash --include-untracked":
		return "", nil
	case strings.HasPrefix(key, "pull --ff-only"):
		return "", nil
	case strings.HasPrefix(key, "rev-parse --verify refs/heads/"):
		name := strings.TrimPrefix(key, "rev-parse --verify refs/heads/")
		if f.localBranches[name] {
			return "abc123", nil
		}
		return "", fmt.Errorf("fatal: needed a single revision")
	case strings.HasPrefix(key, "rev-parse --verify refs/remotes/"):
		name := strings.TrimPrefix(key, "rev-parse --verify refs/remotes/origin/")
		if f.remoteBranches[name] {
			return "abc123", nil
		}
		return "", fmt.Errorf("fatal: needed a single revision")
	case args[0] == "clone":
		if f.failClone {
			return "", fmt.Errorf("fatal: repository not found")
		}
		path := args[2]
		if err := os.MkdirAll(filepath.Join(path, ".git"), 0o755); err != nil {
			return "", err
		}
		return "", nil
	case args[0] == "worktree" && args[1] == "add" && args[2] == "-b":
		branch, path := args[3], args[4]
		if f.localBranches[branch] {
			return "", fmt.Errorf("fatal: a branch named '%s' already exists", branch)
		}
		f.localBranches[branch] = true
		return "", f.makeWorktree(path)
	case args[0] == "worktree" && args[1] == "add":
		path, branch := args[2], args[3]
		if f.checkedOut[branch] {
			return "", fmt.Errorf("fatal: '%s' is already checked out at '/elsewhere'", branch)
		}
		return "", f.makeWorktree(path)
	case args[0] == "worktree" && args[1] == "remove":
		path := args[len(args)-1]
		return "", os.RemoveAll(path)
	default:
		_ = workDir
		return "", nil
	}
}

func (f *fakeGit) makeWorktree(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, ".git"), []byte("gitdir: /repo/.git/worktrees/x\n"), 0o644)
}

func (f *fakeGit) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestStore(t *testing.T, dir string) *state.FileStore {
	t.Helper()
	store := state.NewFileStore(filepath.Join(dir, ".state"), slog.Default())
	require.NoError(t, store.Initialize())
	return store
}

func newTestCache(t *testing.T, dir string, fake *fakeGit) (*RepositoryCache, *state.FileStore) {
	t.Helper()
	store := newTestStore(t, dir)
	locks := git.NewLockRegistry(5 * time.Second)
	cache := NewRepositoryCache(filepath.Join(dir, "repositories"), store, locks, slog.Default(), CacheOptions{
		Runner:   fake,
		CacheTTL: time.Hour,
	})
	return cache, store
}

func TestEnsureRepository_ClonesOnce(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	cache, store := newTestCache(t, dir, fake)
	ctx := context.Background()

	path1, err := cache.EnsureRepository(ctx, "acme/api", false)
	require.NoError(t, err)
	assert.DirExists(t, path1)

	path2, err := cache.EnsureRepository(ctx, "acme/api", false)
	require.NoError(t, err)
	assert.Equal(t, path1, path2)

	assert.Equal(t, 1, fake.countCalls("clone"), "second call must be a cache hit")

	rs, ok := store.GetRepository("acme/api")
	require.True(t, ok)
	assert.True(t, rs.IsCloned)
	assert.Equal(t, path1, rs.LocalPath)
}

func TestEnsureRepository_ForceUpdatePulls(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	cache, _ := newTestCache(t, dir, fake)
	ctx := context.Background()

	_, err := cache.EnsureRepository(ctx, "acme/api", false)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.countCalls("pull"))

	_, err = cache.EnsureRepository(ctx, "acme/api", true)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.countCalls("pull --ff-only origin main"))
}

func TestEnsureRepository_SelfHealsMissingClone(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	cache, store := newTestCache(t, dir, fake)
	ctx := context.Background()

	path, err := cache.EnsureRepository(ctx, "acme/api", false)
	require.NoError(t, err)

	// Simulate the clone vanishing between runs.
	require.NoError(t, os.RemoveAll(path))

	path2, err := cache.EnsureRepository(ctx, "acme/api", false)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.DirExists(t, path2)
	assert.Equal(t, 2, fake.countCalls("clone"))

	rs, ok := store.GetRepository("acme/api")
	require.True(t, ok)
	assert.True(t, rs.IsCloned)
}

func TestEnsureRepository_CloneFailure(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	fake.failClone = true
	cache, _ := newTestCache(t, dir, fake)

	_, err := cache.EnsureRepository(context.Background(), "acme/missing", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme/missing")
}

func TestRemoteURL(t *testing.T) {
	dir := t.TempDir()
	cache, _ := newTestCache(t, dir, newFakeGit())
	assert.Equal(t, "https://github.com/acme/api.git", cache.RemoteURL("acme/api"))
}

func TestDeriveBranchName(t *testing.T) {
	tests := []struct {
		name   string
		taskID string
		item   *state.BoardItemSnapshot
		want   string
	}{
		{
			"issue number",
			"t1",
			&state.BoardItemSnapshot{Number: 42, Kind: "issue"},
			"issue-42",
		},
		{
			"pull request number",
			"t1",
			&state.BoardItemSnapshot{Number: 17, Kind: "pull_request"},
			"pr-17",
		},
		{
			"number from title",
			"t1",
			&state.BoardItemSnapshot{Title: "Fix crash in parser (#123)"},
			"issue-123",
		},
		{
			"task id fallback truncated",
			"board-acme-api-42-20260824T101500",
			nil,
			"board-acme-api-42-20",
		},
		{
			"short task id",
			"abc",
			&state.BoardItemSnapshot{Title: "no number here"},
			"abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveBranchName(tt.taskID, tt.item))
		})
	}
}

func newTestManager(t *testing.T, dir string, fake *fakeGit) (*Manager, *state.FileStore) {
	t.Helper()
	store := newTestStore(t, dir)
	locks := git.NewLockRegistry(5 * time.Second)
	cache := NewRepositoryCache(filepath.Join(dir, "repositories"), store, locks, slog.Default(), CacheOptions{
		Runner:   fake,
		CacheTTL: time.Hour,
	})
	return NewManager(dir, store, cache, locks, slog.Default()), store
}

func TestCreateWorkspace_LayoutAndReuse(t *testing.T) {
	dir := t.TempDir()
	mgr, store := newTestManager(t, dir, newFakeGit())

	item := &state.BoardItemSnapshot{Number: 42, Kind: "issue", Title: "Add rate limiter"}
	info, err := mgr.CreateWorkspace("task-1", "acme/api", item)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "acme_api_task-1"), info.WorkspaceDir)
	assert.Equal(t, "issue-42", info.BranchName)
	assert.Equal(t, filepath.Join(info.WorkspaceDir, InstructionFileName), info.InstructionFilePath)
	assert.False(t, info.WorktreeCreated)

	persisted, ok := store.GetWorkspace("task-1")
	require.True(t, ok)
	assert.Equal(t, info.BranchName, persisted.BranchName)

	// A second create returns the existing record unchanged.
	again, err := mgr.CreateWorkspace("task-1", "acme/api", nil)
	require.NoError(t, err)
	assert.Equal(t, info.WorkspaceDir, again.WorkspaceDir)
	assert.Equal(t, info.BranchName, again.BranchName)
}

func TestSetupWorktree_CreatesAndRegisters(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	fake.remoteBranches["main"] = true
	mgr, store := newTestManager(t, dir, fake)
	ctx := context.Background()

	info, err := mgr.CreateWorkspace("task-1", "acme/api", &state.BoardItemSnapshot{Number: 42, Kind: "issue"})
	require.NoError(t, err)

	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))

	assert.True(t, info.WorktreeCreated)
	assert.Equal(t, "issue-42", info.BranchName)
	assert.DirExists(t, info.WorkspaceDir)
	assert.Equal(t, 1, fake.countCalls("worktree add -b issue-42"))

	rs, ok := store.GetRepository("acme/api")
	require.True(t, ok)
	assert.Contains(t, rs.ActiveWorktrees, info.WorkspaceDir)

	// Second setup reuses the existing worktree.
	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))
	assert.Equal(t, 1, fake.countCalls("worktree add"))
}

func TestSetupWorktree_BranchConflictSuffix(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	fake.localBranches["issue-42"] = true
	fake.checkedOut["issue-42"] = true
	mgr, store := newTestManager(t, dir, fake)
	ctx := context.Background()

	info, err := mgr.CreateWorkspace("task-2", "acme/api", &state.BoardItemSnapshot{Number: 42, Kind: "issue"})
	require.NoError(t, err)

	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))

	assert.Equal(t, "issue-42-1", info.BranchName, "conflicting branch gets a numeric suffix")

	persisted, ok := store.GetWorkspace("task-2")
	require.True(t, ok)
	assert.Equal(t, "issue-42-1", persisted.BranchName)
}

func TestSetupInstructionFile(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	mgr, _ := newTestManager(t, dir, fake)
	ctx := context.Background()

	item := &state.BoardItemSnapshot{Number: 7, Kind: "issue", Title: "Add retry logic", Body: "Requests should retry on 503."}
	info, err := mgr.CreateWorkspace("task-3", "acme/api", item)
	require.NoError(t, err)
	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))

	require.NoError(t, mgr.SetupInstructionFile(info, item))

	data, err := os.ReadFile(info.InstructionFilePath)
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, "---\n"))
	assert.Contains(t, content, "task_id: task-3")
	assert.Contains(t, content, "repository: acme/api")
	assert.Contains(t, content, "# Add retry logic")
	assert.Contains(t, content, "Requests should retry on 503.")
	assert.Contains(t, content, "PR: <url>")
}

func TestCleanupWorkspace(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeGit()
	mgr, store := newTestManager(t, dir, fake)
	ctx := context.Background()

	info, err := mgr.CreateWorkspace("task-4", "acme/api", &state.BoardItemSnapshot{Number: 9, Kind: "issue"})
	require.NoError(t, err)
	require.NoError(t, mgr.SetupWorktree(ctx, info, "main"))
	require.DirExists(t, info.WorkspaceDir)

	mgr.CleanupWorkspace(ctx, "task-4")

	assert.NoDirExists(t, info.WorkspaceDir)
	_, ok := store.GetWorkspace("task-4")
	assert.False(t, ok)

	rs, ok := store.GetRepository("acme/api")
	require.True(t, ok)
	assert.NotContains(t, rs.ActiveWorktrees, info.WorkspaceDir)

	// Cleaning an unknown task is a no-op.
	mgr.CleanupWorkspace(ctx, "task-unknown")
}

func TestIsWorktreeValid(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newTestManager(t, dir, newFakeGit())

	missing := &state.WorkspaceInfo{TaskID: "t", WorkspaceDir: filepath.Join(dir, "missing")}
	assert.False(t, mgr.IsWorktreeValid(missing))
	assert.False(t, mgr.IsWorktreeValid(nil))

	// Directory without a marker is still reusable.
	bare := filepath.Join(dir, "bare")
	require.NoError(t, os.MkdirAll(bare, 0o755))
	assert.True(t, mgr.IsWorktreeValid(&state.WorkspaceInfo{TaskID: "t", WorkspaceDir: bare}))

	// Proper worktree marker.
	wt := filepath.Join(dir, "wt")
	require.NoError(t, os.MkdirAll(wt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /x/.git/worktrees/wt\n"), 0o644))
	assert.True(t, mgr.IsWorktreeValid(&state.WorkspaceInfo{TaskID: "t", WorkspaceDir: wt}))
}
