// Package review provides a unified interface for pull-request review
// providers (GitHub, GitLab).
//
// Unlike a repository-scoped client, one Provider instance serves every
// repository the planner touches; each operation names its repository
// with an "owner/repo" id.
package review

import (
	"context"
	"strings"
	"time"
)

// ProviderType identifies which review provider is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderMock    ProviderType = "mock"
	ProviderUnknown ProviderType = "unknown"
)

// PullRequestStatus is the provider-neutral lifecycle state of a PR.
type PullRequestStatus string

const (
	StatusOpen   PullRequestStatus = "OPEN"
	StatusClosed PullRequestStatus = "CLOSED"
	StatusMerged PullRequestStatus = "MERGED"
	StatusDraft  PullRequestStatus = "DRAFT"
)

// Provider is the interface for pull-request review providers.
// Implementations exist for GitHub (go-github) and GitLab (client-go).
type Provider interface {
	// Name identifies the provider.
	Name() ProviderType

	// GetPullRequest fetches one PR / merge request.
	GetPullRequest(ctx context.Context, repoID string, number int) (*PullRequest, error)

	// IsApproved reports whether the PR is currently approved with no
	// outstanding change requests.
	IsApproved(ctx context.Context, repoID string, number int) (bool, error)

	// GetReviews lists the PR's reviews, oldest first.
	GetReviews(ctx context.Context, repoID string, number int) ([]Review, error)

	// GetNewComments lists comments created after since, with the
	// filter options applied. Comment ids are provider-stable.
	GetNewComments(ctx context.Context, repoID string, number int, since time.Time, opts FilterOptions) ([]Comment, error)

	// GetRepositoryDefaultBranch returns the repo's default branch.
	GetRepositoryDefaultBranch(ctx context.Context, repoID string) (string, error)

	// MarkCommentsAsProcessed acknowledges handled comments on the
	// provider side (reaction or award emoji). Best-effort; the
	// durable processed set is the real bookkeeping.
	MarkCommentsAsProcessed(ctx context.Context, repoID string, number int, commentIDs []string) error
}

// PullRequest is a provider-neutral pull request / merge request.
type PullRequest struct {
	RepositoryID string            `json:"repositoryId"`
	Number       int               `json:"number"`
	Title        string            `json:"title"`
	Author       string            `json:"author"`
	Status       PullRequestStatus `json:"status"`
	SourceBranch string            `json:"sourceBranch"`
	TargetBranch string            `json:"targetBranch"`
	URL          string            `json:"url"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Review is one review verdict on a PR.
type Review struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	State       string    `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED, PENDING
	Body        string    `json:"body,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Comment is one PR comment or inline review comment. The ID encodes
// the provider-side comment kind so it can be addressed again later.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	IsBot     bool      `json:"isBot,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FilterOptions control which comments GetNewComments returns.
type FilterOptions struct {
	// ExcludeAuthor drops comments written by the PR author.
	ExcludeAuthor bool

	// AllowedBots lists bot accounts whose comments pass the filter.
	// Comments from any other bot are dropped.
	AllowedBots []string
}

// DefaultFilterOptions excludes the author and admits the known review
// bots.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{
		ExcludeAuthor: true,
		AllowedBots: []string{
			"coderabbitai[bot]",
			"sonarqubecloud[bot]",
			"codecov[bot]",
		},
	}
}

// Allows reports whether a comment by author passes the filter given
// the PR author. Bot detection is by the isBot flag or the "[bot]"
// login suffix.
func (o FilterOptions) Allows(author, prAuthor string, isBot bool) bool {
	if o.ExcludeAuthor && author != "" && strings.EqualFold(author, prAuthor) {
		return false
	}
	if isBot || strings.HasSuffix(strings.ToLower(author), "[bot]") {
		for _, allowed := range o.AllowedBots {
			if strings.EqualFold(author, allowed) {
				return true
			}
		}
		return false
	}
	return true
}

// IsApprovedFromReviews applies the shared approval rule to a review
// list: track the latest verdict per author, ignore COMMENTED and
// PENDING, and approve only when at least one APPROVED stands with no
// CHANGES_REQUESTED outstanding.
func IsApprovedFromReviews(reviews []Review) bool {
	latestByAuthor := make(map[string]string)
	for _, r := range reviews {
		if r.State == "COMMENTED" || r.State == "PENDING" {
			continue
		}
		latestByAuthor[r.Author] = r.State
	}

	approvals := 0
	for _, s := range latestByAuthor {
		switch s {
		case "CHANGES_REQUESTED":
			return false
		case "APPROVED":
			approvals++
		}
	}
	return approvals > 0
}
