package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/stackworks/steward/internal/git"
	"github.com/stackworks/steward/internal/state"
)

// maxBranchSuffix caps the -1, -2, … probing when a branch is already
// checked out elsewhere.
const maxBranchSuffix = 20

// taskIDBranchLen truncates task ids used as fallback branch names.
const taskIDBranchLen = 20

var issueNumberPattern = regexp.MustCompile(`#(\d+)`)

// Manager creates and tears down per-task workspaces.
type Manager struct {
	baseDir string
	store   *state.FileStore
	cache   *RepositoryCache
	locks   *git.LockRegistry
	logger  *slog.Logger
}

// NewManager creates a workspace manager rooted at baseDir. Worktrees
// land directly under baseDir; clones live in the cache's directory.
func NewManager(baseDir string, store *state.FileStore, cache *RepositoryCache, locks *git.LockRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseDir: baseDir,
		store:   store,
		cache:   cache,
		locks:   locks,
		logger:  logger.With("component", "workspace"),
	}
}

// Get returns the durable workspace record for a task.
func (m *Manager) Get(taskID string) (*state.WorkspaceInfo, bool) {
	return m.store.GetWorkspace(taskID)
}

// CreateWorkspace computes the workspace layout for a task and
// persists the record. The worktree itself is created later by
// SetupWorktree; an existing record is returned unchanged so repeated
// assignment reuses the same workspace.
func (m *Manager) CreateWorkspace(taskID, repoID string, item *state.BoardItemSnapshot) (*state.WorkspaceInfo, error) {
	if existing, ok := m.store.GetWorkspace(taskID); ok {
		return existing, nil
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base dir: %w", err)
	}

	dir := filepath.Join(m.baseDir, sanitizeRepoID(repoID)+"_"+taskID)
	info := &state.WorkspaceInfo{
		TaskID:              taskID,
		RepositoryID:        repoID,
		WorkspaceDir:        dir,
		BranchName:          DeriveBranchName(taskID, item),
		InstructionFilePath: filepath.Join(dir, InstructionFileName),
		CreatedAt:           time.Now(),
	}

	if err := m.store.SaveWorkspace(info); err != nil {
		return nil, fmt.Errorf("persist workspace for task %s: %w", taskID, err)
	}
	return info, nil
}

// DeriveBranchName picks a branch for a task: the board item's content
// number when it carries one ("issue-42", "pr-17"), else a "#n" number
// from the title, else the task id truncated to 20 characters.
func DeriveBranchName(taskID string, item *state.BoardItemSnapshot) string {
	if item != nil {
		if item.Number > 0 {
			if item.Kind == "pull_request" {
				return fmt.Sprintf("pr-%d", item.Number)
			}
			return fmt.Sprintf("issue-%d", item.Number)
		}
		if match := issueNumberPattern.FindStringSubmatch(item.Title); match != nil {
			return "issue-" + match[1]
		}
	}

	name := taskID
	if len(name) > taskIDBranchLen {
		name = name[:taskIDBranchLen]
	}
	return git.SanitizeBranchName(name)
}

// SetupWorktree ensures the task's worktree exists at the recorded
// path. The repository is refreshed before the first worktree of a
// task. If the branch is checked out elsewhere, a -1, -2, … suffix is
// probed and the record's branch name updated.
func (m *Manager) SetupWorktree(ctx context.Context, info *state.WorkspaceInfo, baseBranch string) error {
	localPath, err := m.cache.EnsureRepository(ctx, info.RepositoryID, !info.WorktreeCreated)
	if err != nil {
		return fmt.Errorf("ensure repository %s: %w", info.RepositoryID, err)
	}

	err = m.locks.WithLock(ctx, info.RepositoryID, func() error {
		gctx, err := git.NewContext(localPath, git.WithRunner(m.cache.runner), git.WithOperationTimeout(m.cache.opTimeout))
		if err != nil {
			return err
		}

		// Stale administrative entries make git refuse paths and
		// branches that are actually free.
		if err := gctx.PruneWorktrees(ctx); err != nil {
			m.logger.Debug("worktree prune failed", "repository", info.RepositoryID, "error", err)
		}

		if _, statErr := os.Stat(info.WorkspaceDir); statErr == nil {
			if !m.IsWorktreeValid(info) {
				m.logger.Warn("reusing workspace directory without a worktree marker",
					"task", info.TaskID, "dir", info.WorkspaceDir)
			}
			return nil
		}

		startPoint := baseBranch
		if gctx.RemoteBranchExists(ctx, "origin", baseBranch) {
			startPoint = "origin/" + baseBranch
		}

		branch := info.BranchName
		addErr := gctx.AddWorktree(ctx, info.WorkspaceDir, branch, startPoint)
		for n := 1; errors.Is(addErr, git.ErrBranchCheckedOut) && n <= maxBranchSuffix; n++ {
			branch = fmt.Sprintf("%s-%d", info.BranchName, n)
			addErr = gctx.AddWorktree(ctx, info.WorkspaceDir, branch, startPoint)
		}
		if addErr != nil {
			return fmt.Errorf("add worktree for task %s: %w", info.TaskID, addErr)
		}
		info.BranchName = branch

		// A worktree that cannot answer git status is unusable.
		if _, err := gctx.InWorktree(info.WorkspaceDir).Status(ctx); err != nil {
			return fmt.Errorf("validate worktree %s: %w", info.WorkspaceDir, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	info.WorktreeCreated = true
	if err := m.store.SaveWorkspace(info); err != nil {
		return fmt.Errorf("persist worktree state for task %s: %w", info.TaskID, err)
	}
	if err := m.cache.AddWorktree(info.RepositoryID, info.WorkspaceDir); err != nil {
		m.logger.Warn("register worktree failed", "task", info.TaskID, "error", err)
	}
	return nil
}

// IsWorktreeValid reports whether the workspace directory is usable.
// Deliberately permissive: an existing directory is reusable even
// without a worktree marker, because half-set-up workspaces are better
// resumed than recreated.
func (m *Manager) IsWorktreeValid(info *state.WorkspaceInfo) bool {
	if info == nil {
		return false
	}
	if _, err := os.Stat(info.WorkspaceDir); err != nil {
		return false
	}

	marker := filepath.Join(info.WorkspaceDir, ".git")
	data, err := os.ReadFile(marker)
	if err != nil {
		if fi, statErr := os.Stat(marker); statErr == nil && fi.IsDir() {
			return true
		}
		m.logger.Debug("workspace has no worktree marker", "task", info.TaskID, "dir", info.WorkspaceDir)
		return true
	}
	if !strings.HasPrefix(string(data), "gitdir:") {
		m.logger.Debug("workspace .git is not a worktree pointer", "task", info.TaskID)
	}
	return true
}

// CleanupWorkspace tears a task's workspace down: worktree removal
// under the repository lock, directory removal, deregistration, and
// record deletion. Best-effort; failures are logged and swallowed so a
// wedged workspace never blocks task completion.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID string) {
	info, ok := m.store.GetWorkspace(taskID)
	if !ok {
		return
	}

	if info.WorktreeCreated {
		localPath := m.cache.LocalPath(info.RepositoryID)
		err := m.locks.WithLock(ctx, info.RepositoryID, func() error {
			gctx, err := git.NewContext(localPath, git.WithRunner(m.cache.runner), git.WithOperationTimeout(m.cache.opTimeout))
			if err != nil {
				return err
			}
			if err := gctx.RemoveWorktree(ctx, info.WorkspaceDir); err != nil {
				return err
			}
			return gctx.PruneWorktrees(ctx)
		})
		if err != nil {
			m.logger.Warn("worktree removal failed", "task", taskID, "error", err)
		}
	}

	if err := os.RemoveAll(info.WorkspaceDir); err != nil {
		m.logger.Warn("workspace directory removal failed", "task", taskID, "dir", info.WorkspaceDir, "error", err)
	}
	if err := m.cache.RemoveWorktree(info.RepositoryID, info.WorkspaceDir); err != nil {
		m.logger.Warn("worktree deregistration failed", "task", taskID, "error", err)
	}
	if err := m.store.DeleteWorkspace(taskID); err != nil {
		m.logger.Warn("workspace record deletion failed", "task", taskID, "error", err)
	}
}
