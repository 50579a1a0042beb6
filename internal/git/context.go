package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Default command timeouts. Introspection commands (rev-parse, status,
// worktree list) are local and fast; anything touching a remote gets the
// full operation timeout.
const (
	DefaultOperationTimeout  = 60 * time.Second
	DefaultCloneTimeout      = 10 * time.Minute
	DefaultIntrospectTimeout = 5 * time.Second
)

// Context manages git operations for one repository clone. All methods are
// safe to call from any goroutine because every invocation shells out; the
// caller is responsible for serializing operations that must not interleave
// (see LockRegistry).
type Context struct {
	repoPath   string        // path to the main clone
	workDir    string        // working directory for commands (defaults to repoPath)
	runner     CommandRunner // command runner (defaults to ExecRunner)
	opTimeout  time.Duration
	introspect time.Duration
}

// ContextOption configures Context.
type ContextOption func(*Context)

// WithRunner sets a custom command runner, primarily for tests.
func WithRunner(runner CommandRunner) ContextOption {
	return func(g *Context) {
		g.runner = runner
	}
}

// WithOperationTimeout overrides the default per-command timeout.
func WithOperationTimeout(d time.Duration) ContextOption {
	return func(g *Context) {
		if d > 0 {
			g.opTimeout = d
		}
	}
}

// NewContext creates a git context for the repository at repoPath.
// Returns ErrNotGitRepo when the path is not inside a git repository.
func NewContext(repoPath string, opts ...ContextOption) (*Context, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	g := &Context{
		repoPath:   absPath,
		workDir:    absPath,
		runner:     NewExecRunner(),
		opTimeout:  DefaultOperationTimeout,
		introspect: DefaultIntrospectTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.introspect)
	defer cancel()
	if _, err := g.runner.Run(ctx, absPath, "git", "rev-parse", "--git-dir"); err != nil {
		return nil, ErrNotGitRepo
	}

	return g, nil
}

// Clone clones url into path, creating parent directories as needed. A
// zero timeout falls back to DefaultCloneTimeout; clones of large repos
// legitimately take minutes.
func Clone(ctx context.Context, runner CommandRunner, url, path string, timeout time.Duration) error {
	if runner == nil {
		runner = NewExecRunner()
	}
	if timeout <= 0 {
		timeout = DefaultCloneTimeout
	}
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create clone parent: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := runner.Run(ctx, parent, "git", "clone", url, path); err != nil {
		return &GitError{Op: "clone", Err: err}
	}
	return nil
}

// RepoPath returns the path to the main clone.
func (g *Context) RepoPath() string {
	return g.repoPath
}

// WorkDir returns the working directory commands run in.
func (g *Context) WorkDir() string {
	return g.workDir
}

// InWorktree returns a Context that runs its commands inside the given
// worktree instead of the main clone.
func (g *Context) InWorktree(worktreePath string) *Context {
	clone := *g
	clone.workDir = worktreePath
	return &clone
}

// CurrentBranch returns the branch checked out in the work dir.
func (g *Context) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.runGitFast(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", &GitError{Op: "current branch", Err: err}
	}
	return branch, nil
}

// Checkout switches the work dir to the specified ref.
func (g *Context) Checkout(ctx context.Context, ref string) error {
	if _, err := g.runGit(ctx, "checkout", ref); err != nil {
		return &GitError{Op: "checkout", Err: err}
	}
	return nil
}

// Fetch fetches updates (including prunes) from the remote.
func (g *Context) Fetch(ctx context.Context, remote string) error {
	if _, err := g.runGit(ctx, "fetch", "--prune", remote); err != nil {
		return &GitError{Op: "fetch", Err: err}
	}
	return nil
}

// PullFFOnly fast-forwards the current branch from the remote. Diverged
// branches fail rather than creating merge commits in the shared clone.
func (g *Context) PullFFOnly(ctx context.Context, remote, branch string) error {
	if _, err := g.runGit(ctx, "pull", "--ff-only", remote, branch); err != nil {
		return &GitError{Op: "pull", Err: err}
	}
	return nil
}

// Stash stashes local modifications including untracked files.
func (g *Context) Stash(ctx context.Context) error {
	if _, err := g.runGit(ctx, "stash", "--include-untracked"); err != nil {
		return &GitError{Op: "stash", Err: err}
	}
	return nil
}

// Status returns the working tree status in short format.
func (g *Context) Status(ctx context.Context) (string, error) {
	status, err := g.runGitFast(ctx, "status", "--short")
	if err != nil {
		return "", &GitError{Op: "status", Err: err}
	}
	return status, nil
}

// IsClean returns true if the working tree has no uncommitted changes.
func (g *Context) IsClean(ctx context.Context) (bool, error) {
	status, err := g.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == "", nil
}

// BranchExists checks whether a local branch exists.
func (g *Context) BranchExists(ctx context.Context, name string) bool {
	_, err := g.runGitFast(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// RemoteBranchExists checks whether the branch exists on the remote
// tracking refs.
func (g *Context) RemoteBranchExists(ctx context.Context, remote, name string) bool {
	_, err := g.runGitFast(ctx, "rev-parse", "--verify", "refs/remotes/"+remote+"/"+name)
	return err == nil
}

// DeleteBranch deletes a local branch. If force is true, uses -D.
func (g *Context) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := g.runGit(ctx, "branch", flag, name); err != nil {
		return &GitError{Op: "delete branch", Err: err}
	}
	return nil
}

// GetRemoteURL returns the URL of the specified remote.
func (g *Context) GetRemoteURL(ctx context.Context, remote string) (string, error) {
	url, err := g.runGitFast(ctx, "remote", "get-url", remote)
	if err != nil {
		return "", &GitError{Op: "get remote URL", Err: err}
	}
	return url, nil
}

// AddWorktree creates a worktree at path on the given branch. A branch
// that does not exist yet is created from base (HEAD when base is empty).
// An existing branch is checked out as-is; if it is already checked out in
// another worktree, ErrBranchCheckedOut is returned so the caller can pick
// a different branch name.
func (g *Context) AddWorktree(ctx context.Context, path, branch, base string) error {
	if _, err := os.Stat(path); err == nil {
		return ErrWorktreeExists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}

	if g.BranchExists(ctx, branch) {
		if _, err := g.runGit(ctx, "worktree", "add", path, branch); err != nil {
			if strings.Contains(err.Error(), "already checked out") ||
				strings.Contains(err.Error(), "already used by worktree") {
				return ErrBranchCheckedOut
			}
			return &GitError{Op: "worktree add", Err: err}
		}
		return nil
	}

	startPoint := base
	if startPoint == "" {
		startPoint = "HEAD"
	}
	if _, err := g.runGit(ctx, "worktree", "add", "-b", branch, path, startPoint); err != nil {
		return &GitError{Op: "worktree add", Err: err}
	}
	return nil
}

// RemoveWorktree removes a worktree and its registration, falling back to
// --force for dirty or locked worktrees, then prunes stale entries.
func (g *Context) RemoveWorktree(ctx context.Context, worktreePath string) error {
	_, err := g.runGit(ctx, "worktree", "remove", worktreePath)
	if err != nil {
		if _, err = g.runGit(ctx, "worktree", "remove", "--force", worktreePath); err != nil {
			return &GitError{Op: "worktree remove", Err: err}
		}
	}
	_, _ = g.runGitFast(ctx, "worktree", "prune")
	return nil
}

// PruneWorktrees removes stale worktree administrative files.
func (g *Context) PruneWorktrees(ctx context.Context) error {
	if _, err := g.runGitFast(ctx, "worktree", "prune"); err != nil {
		return &GitError{Op: "worktree prune", Err: err}
	}
	return nil
}

// WorktreeInfo represents an active git worktree.
type WorktreeInfo struct {
	Path   string // filesystem path to the worktree
	Branch string // branch checked out in the worktree
	Commit string // HEAD commit SHA
}

// ListWorktrees returns all active worktrees of the repository.
func (g *Context) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := g.runGitFast(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, &GitError{Op: "worktree list", Err: err}
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "detached":
			current.Branch = "(detached)"
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// IsBranchCheckedOut reports whether the branch is checked out in any
// worktree, and where.
func (g *Context) IsBranchCheckedOut(ctx context.Context, branch string) (bool, string) {
	worktrees, err := g.ListWorktrees(ctx)
	if err != nil {
		return false, ""
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			return true, wt.Path
		}
	}
	return false, ""
}

// runGit executes a git command under the operation timeout.
func (g *Context) runGit(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	return g.runner.Run(ctx, g.workDir, "git", args...)
}

// runGitFast executes a local introspection command under the short timeout.
func (g *Context) runGitFast(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.introspect)
	defer cancel()
	return g.runner.Run(ctx, g.workDir, "git", args...)
}

var (
	branchUnsafeChars = regexp.MustCompile(`[^a-z0-9-]`)
	branchDashRuns    = regexp.MustCompile(`-+`)
)

// SanitizeBranchName converts a branch name to a safe directory name.
func SanitizeBranchName(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	safe = strings.ToLower(safe)
	safe = branchUnsafeChars.ReplaceAllString(safe, "")
	safe = branchDashRuns.ReplaceAllString(safe, "-")
	safe = strings.Trim(safe, "-")
	return safe
}
