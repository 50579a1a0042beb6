package planner

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/review"
	"github.com/stackworks/steward/internal/state"
	"github.com/stackworks/steward/internal/worker"
)

// baseLabelPrefix marks a board-item label naming the branch to fork
// from, e.g. "base:release-2.4".
const baseLabelPrefix = "base:"

// fallbackBranch is the last resort when nothing else names a branch.
const fallbackBranch = "main"

// BranchResolver picks the branch new work forks from and targets with
// pull requests. Resolution order: a base:<branch> label on the item,
// the configured per-repository override, the configured global
// default, the repository's default branch as reported by the review
// provider, then "main".
type BranchResolver struct {
	reviews   review.Provider
	global    string
	overrides map[string]string
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]string // repoID -> provider default branch
}

var _ worker.BaseBranchResolver = (*BranchResolver)(nil)

// NewBranchResolver builds a resolver from the planner configuration.
// reviews may be nil, in which case the provider-default step is
// skipped.
func NewBranchResolver(cfg config.PlannerConfig, reviews review.Provider, logger *slog.Logger) *BranchResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BranchResolver{
		reviews:   reviews,
		global:    cfg.BaseBranch,
		overrides: cfg.BaseBranchOverrides,
		logger:    logger.With("component", "branch_resolver"),
		cache:     make(map[string]string),
	}
}

// ResolveBaseBranch implements the worker pool's resolver hook.
func (r *BranchResolver) ResolveBaseBranch(ctx context.Context, repoID string, item *state.BoardItemSnapshot) string {
	if branch := labelledBase(item); branch != "" {
		return branch
	}
	if branch := r.overrides[repoID]; branch != "" {
		return branch
	}
	if r.global != "" {
		return r.global
	}
	if branch := r.providerDefault(ctx, repoID); branch != "" {
		return branch
	}
	return fallbackBranch
}

// labelledBase extracts the branch from a base:<branch> label, if any.
func labelledBase(item *state.BoardItemSnapshot) string {
	if item == nil {
		return ""
	}
	for _, label := range item.Labels {
		rest, ok := strings.CutPrefix(label, baseLabelPrefix)
		if !ok {
			continue
		}
		if branch := strings.TrimSpace(rest); branch != "" {
			return branch
		}
	}
	return ""
}

// providerDefault asks the review provider for the repository's default
// branch, caching answers: the default branch of a repository does not
// change within one run.
func (r *BranchResolver) providerDefault(ctx context.Context, repoID string) string {
	if r.reviews == nil || repoID == "" {
		return ""
	}

	r.mu.Lock()
	cached, ok := r.cache[repoID]
	r.mu.Unlock()
	if ok {
		return cached
	}

	branch, err := r.reviews.GetRepositoryDefaultBranch(ctx, repoID)
	if err != nil {
		r.logger.Debug("default branch lookup failed", "repository_id", repoID, "error", err)
		return ""
	}

	r.mu.Lock()
	r.cache[repoID] = branch
	r.mu.Unlock()
	return branch
}
