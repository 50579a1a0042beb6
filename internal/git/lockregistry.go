package git

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a caller waits for a repository lock.
// Git operations on a healthy repo finish well inside this; a hold longer
// than the timeout means a wedged clone or a crashed holder.
const DefaultLockTimeout = 5 * time.Minute

// LockRegistry serializes git operations per repository. Multiple workers
// share one physical clone per repo; any mutation of that clone (fetch,
// pull, worktree add/remove, branch delete) must hold the repo lock.
// Operations on different repositories proceed in parallel.
type LockRegistry struct {
	timeout time.Duration

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLockRegistry creates a registry with the given acquire timeout.
// A non-positive timeout falls back to DefaultLockTimeout.
func NewLockRegistry(timeout time.Duration) *LockRegistry {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockRegistry{
		timeout: timeout,
		sems:    make(map[string]chan struct{}),
	}
}

func (r *LockRegistry) sem(repoID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sems[repoID]
	if !ok {
		s = make(chan struct{}, 1)
		r.sems[repoID] = s
	}
	return s
}

// Acquire blocks until the repository lock is held, the registry timeout
// elapses (ErrLockTimeout), or ctx is done.
func (r *LockRegistry) Acquire(ctx context.Context, repoID string) error {
	s := r.sem(repoID)
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("repository %s: %w", repoID, ErrLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to take the lock without waiting.
func (r *LockRegistry) TryAcquire(repoID string) bool {
	select {
	case r.sem(repoID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the repository lock. Releasing an unheld lock is a no-op.
func (r *LockRegistry) Release(repoID string) {
	select {
	case <-r.sem(repoID):
	default:
	}
}

// WithLock runs fn while holding the repository lock.
func (r *LockRegistry) WithLock(ctx context.Context, repoID string, fn func() error) error {
	if err := r.Acquire(ctx, repoID); err != nil {
		return err
	}
	defer r.Release(repoID)
	return fn()
}
