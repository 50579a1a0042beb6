package review

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is a deterministic in-memory Provider for tests. All methods
// are safe for concurrent use; the planner's review phase runs them in
// parallel.
type Mock struct {
	mu sync.Mutex

	// Err, when set, is returned by every method.
	Err error

	pulls           map[string]*PullRequest
	reviews         map[string][]Review
	comments        map[string][]Comment
	defaultBranches map[string]string
	processed       map[string][]string
}

var _ Provider = (*Mock)(nil)

// NewMock returns an empty mock.
func NewMock() *Mock {
	return &Mock{
		pulls:           make(map[string]*PullRequest),
		reviews:         make(map[string][]Review),
		comments:        make(map[string][]Comment),
		defaultBranches: make(map[string]string),
		processed:       make(map[string][]string),
	}
}

func prKey(repoID string, number int) string {
	return fmt.Sprintf("%s#%d", repoID, number)
}

// Name implements Provider.
func (m *Mock) Name() ProviderType { return ProviderMock }

// SetPullRequest installs or replaces a PR.
func (m *Mock) SetPullRequest(pr *PullRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pr
	m.pulls[prKey(pr.RepositoryID, pr.Number)] = &cp
}

// SetPullRequestStatus updates the status of an existing PR.
func (m *Mock) SetPullRequestStatus(repoID string, number int, status PullRequestStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.pulls[prKey(repoID, number)]; ok {
		pr.Status = status
	}
}

// SetReviews installs the review list for a PR.
func (m *Mock) SetReviews(repoID string, number int, reviews []Review) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[prKey(repoID, number)] = append([]Review(nil), reviews...)
}

// AddComment appends a comment to a PR.
func (m *Mock) AddComment(repoID string, number int, c Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prKey(repoID, number)
	m.comments[key] = append(m.comments[key], c)
}

// SetDefaultBranch sets a repository's default branch.
func (m *Mock) SetDefaultBranch(repoID, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultBranches[repoID] = branch
}

// GetPullRequest implements Provider.
func (m *Mock) GetPullRequest(_ context.Context, repoID string, number int) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	pr, ok := m.pulls[prKey(repoID, number)]
	if !ok {
		return nil, fmt.Errorf("pull request %s#%d: %w", repoID, number, ErrNotFound)
	}
	cp := *pr
	return &cp, nil
}

// IsApproved implements Provider.
func (m *Mock) IsApproved(_ context.Context, repoID string, number int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	return IsApprovedFromReviews(m.reviews[prKey(repoID, number)]), nil
}

// GetReviews implements Provider.
func (m *Mock) GetReviews(_ context.Context, repoID string, number int) ([]Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]Review(nil), m.reviews[prKey(repoID, number)]...), nil
}

// GetNewComments implements Provider with the same since/filter
// semantics as the real providers.
func (m *Mock) GetNewComments(_ context.Context, repoID string, number int, since time.Time, opts FilterOptions) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	prAuthor := ""
	if pr, ok := m.pulls[prKey(repoID, number)]; ok {
		prAuthor = pr.Author
	}

	var out []Comment
	for _, c := range m.comments[prKey(repoID, number)] {
		if !c.CreatedAt.After(since) {
			continue
		}
		if !opts.Allows(c.Author, prAuthor, c.IsBot) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetRepositoryDefaultBranch implements Provider.
func (m *Mock) GetRepositoryDefaultBranch(_ context.Context, repoID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	branch, ok := m.defaultBranches[repoID]
	if !ok {
		return "", fmt.Errorf("repository %s: %w", repoID, ErrNotFound)
	}
	return branch, nil
}

// MarkCommentsAsProcessed implements Provider, recording the call.
func (m *Mock) MarkCommentsAsProcessed(_ context.Context, repoID string, number int, commentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := prKey(repoID, number)
	m.processed[key] = append(m.processed[key], commentIDs...)
	return nil
}

// ProcessedComments returns the ids marked processed for a PR.
func (m *Mock) ProcessedComments(repoID string, number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.processed[prKey(repoID, number)]...)
}
