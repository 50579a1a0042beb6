package git

import "errors"

// Git operation errors.
var (
	// ErrNotGitRepo indicates the path is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeExists indicates a worktree already exists at the path.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound indicates the worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrBranchExists indicates the branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrBranchCheckedOut indicates the branch is checked out in another
	// worktree and cannot be checked out again.
	ErrBranchCheckedOut = errors.New("branch is checked out in another worktree")

	// ErrLockTimeout indicates the per-repository lock could not be
	// acquired before the registry timeout elapsed.
	ErrLockTimeout = errors.New("repository lock timeout")
)

// GitError wraps a git command error with context.
// Named GitError (not Error) to avoid collision with the builtin error interface.
type GitError struct {
	Op     string // Operation that failed (e.g., "clone", "worktree add")
	Output string // Combined stdout/stderr output
	Err    error  // Underlying error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *GitError) Unwrap() error {
	return e.Err
}
