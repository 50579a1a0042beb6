// Package workspace manages per-task worktrees over a shared pool of
// repository clones.
//
// Each repository is cloned once under <base>/repositories/ and every
// task gets its own worktree at <base>/<repo>_<taskId>. All mutating
// git operations on a repository go through the lock registry.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackworks/steward/internal/git"
	"github.com/stackworks/steward/internal/state"
)

// DefaultCacheTTL bounds how stale a clone may get before the next
// EnsureRepository refreshes it.
const DefaultCacheTTL = 10 * time.Minute

// DefaultRemoteBase is the https host clones are fetched from when no
// other base is configured.
const DefaultRemoteBase = "https://github.com"

// CacheOptions tune the repository cache. Zero values select defaults.
type CacheOptions struct {
	// RemoteBase is prefixed to "<owner>/<repo>.git" to form clone
	// URLs.
	RemoteBase string

	// CloneTimeout bounds the initial clone.
	CloneTimeout time.Duration

	// CacheTTL is the freshness window; a clone older than this is
	// fast-forwarded on the next EnsureRepository.
	CacheTTL time.Duration

	// OperationTimeout bounds non-clone git operations.
	OperationTimeout time.Duration

	// Runner executes git commands; tests substitute a fake.
	Runner git.CommandRunner
}

// RepositoryCache maintains one shared clone per repository.
type RepositoryCache struct {
	baseDir    string
	remoteBase string

	store  *state.FileStore
	locks  *git.LockRegistry
	runner git.CommandRunner
	logger *slog.Logger

	cloneTimeout time.Duration
	opTimeout    time.Duration
	cacheTTL     time.Duration
}

// NewRepositoryCache creates a cache rooted at baseDir (typically
// <base>/repositories).
func NewRepositoryCache(baseDir string, store *state.FileStore, locks *git.LockRegistry, logger *slog.Logger, opts CacheOptions) *RepositoryCache {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RemoteBase == "" {
		opts.RemoteBase = DefaultRemoteBase
	}
	if opts.CloneTimeout <= 0 {
		opts.CloneTimeout = git.DefaultCloneTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = git.DefaultOperationTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Runner == nil {
		opts.Runner = git.NewExecRunner()
	}

	return &RepositoryCache{
		baseDir:      baseDir,
		remoteBase:   strings.TrimSuffix(opts.RemoteBase, "/"),
		store:        store,
		locks:        locks,
		runner:       opts.Runner,
		logger:       logger.With("component", "repocache"),
		cloneTimeout: opts.CloneTimeout,
		opTimeout:    opts.OperationTimeout,
		cacheTTL:     opts.CacheTTL,
	}
}

// LocalPath returns where a repository's clone lives (whether or not
// it exists yet).
func (c *RepositoryCache) LocalPath(repoID string) string {
	return filepath.Join(c.baseDir, sanitizeRepoID(repoID))
}

// RemoteURL returns the clone URL for a repository id.
func (c *RepositoryCache) RemoteURL(repoID string) string {
	return c.remoteBase + "/" + repoID + ".git"
}

// EnsureRepository returns the local path of a clone guaranteed to
// exist. A missing clone is created; an existing one is fast-forwarded
// when forceUpdate is set or the freshness window has lapsed. A failed
// refresh is logged and the stale clone returned; worktrees branch
// from local state either way.
func (c *RepositoryCache) EnsureRepository(ctx context.Context, repoID string, forceUpdate bool) (string, error) {
	localPath := c.LocalPath(repoID)

	rs, ok := c.store.GetRepository(repoID)
	if ok && rs.IsCloned {
		if c.isValidClone(rs.LocalPath) {
			if forceUpdate || time.Since(rs.LastFetchAt) > c.cacheTTL {
				c.refresh(ctx, rs)
			}
			return rs.LocalPath, nil
		}
		// Recorded clone is gone or corrupt. Purge and start over.
		c.logger.Warn("recorded clone invalid, recloning", "repository", repoID, "path", rs.LocalPath)
		if err := c.store.DeleteRepository(repoID); err != nil {
			return "", fmt.Errorf("purge stale repository record %s: %w", repoID, err)
		}
	}

	err := c.locks.WithLock(ctx, repoID, func() error {
		// Another goroutine may have cloned while we waited.
		if c.isValidClone(localPath) {
			return nil
		}
		if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
			return fmt.Errorf("create repositories dir: %w", err)
		}
		// A half-finished clone from a crashed run blocks git clone.
		if _, statErr := os.Stat(localPath); statErr == nil {
			if err := os.RemoveAll(localPath); err != nil {
				return fmt.Errorf("remove broken clone %s: %w", localPath, err)
			}
		}

		url := c.RemoteURL(repoID)
		c.logger.Info("cloning repository", "repository", repoID, "url", url)
		if err := git.Clone(ctx, c.runner, url, localPath, c.cloneTimeout); err != nil {
			return fmt.Errorf("clone %s: %w", repoID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	record := &state.RepositoryState{
		ID:          repoID,
		LocalPath:   localPath,
		IsCloned:    true,
		LastFetchAt: time.Now(),
	}
	if existing, ok := c.store.GetRepository(repoID); ok {
		record.ActiveWorktrees = existing.ActiveWorktrees
	}
	if err := c.store.SaveRepository(record); err != nil {
		return "", fmt.Errorf("record clone of %s: %w", repoID, err)
	}
	return localPath, nil
}

// refresh fast-forwards the clone's current branch, stashing local
// changes first when the tree is dirty. Never merges.
func (c *RepositoryCache) refresh(ctx context.Context, rs *state.RepositoryState) {
	err := c.locks.WithLock(ctx, rs.ID, func() error {
		gctx, err := git.NewContext(rs.LocalPath, git.WithRunner(c.runner), git.WithOperationTimeout(c.opTimeout))
		if err != nil {
			return err
		}

		clean, err := gctx.IsClean(ctx)
		if err != nil {
			return err
		}
		if !clean {
			if err := gctx.Stash(ctx); err != nil {
				return err
			}
		}

		branch, err := gctx.CurrentBranch(ctx)
		if err != nil {
			return err
		}
		return gctx.PullFFOnly(ctx, "origin", branch)
	})
	if err != nil {
		c.logger.Warn("repository refresh failed, using stale clone", "repository", rs.ID, "error", err)
		return
	}

	rs.LastFetchAt = time.Now()
	if err := c.store.SaveRepository(rs); err != nil {
		c.logger.Warn("persist refresh time failed", "repository", rs.ID, "error", err)
	}
}

// IsRepositoryCloned reports whether a valid clone is on disk.
func (c *RepositoryCache) IsRepositoryCloned(repoID string) bool {
	rs, ok := c.store.GetRepository(repoID)
	if !ok || !rs.IsCloned {
		return false
	}
	return c.isValidClone(rs.LocalPath)
}

// AddWorktree registers a worktree path on the repository record.
func (c *RepositoryCache) AddWorktree(repoID, path string) error {
	rs, ok := c.store.GetRepository(repoID)
	if !ok {
		return fmt.Errorf("repository %s not recorded", repoID)
	}
	rs.AddWorktree(path)
	return c.store.SaveRepository(rs)
}

// RemoveWorktree deregisters a worktree path from the repository
// record.
func (c *RepositoryCache) RemoveWorktree(repoID, path string) error {
	rs, ok := c.store.GetRepository(repoID)
	if !ok {
		return nil
	}
	rs.RemoveWorktree(path)
	return c.store.SaveRepository(rs)
}

func (c *RepositoryCache) isValidClone(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_, err := git.NewContext(path, git.WithRunner(c.runner), git.WithOperationTimeout(c.opTimeout))
	return err == nil
}

// sanitizeRepoID flattens an "owner/repo" id to a filesystem name.
func sanitizeRepoID(repoID string) string {
	return strings.ReplaceAll(repoID, "/", "_")
}
