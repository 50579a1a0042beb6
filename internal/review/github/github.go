// Package github implements the review.Provider interface using the
// go-github client.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"

	"github.com/stackworks/steward/internal/review"
)

// Compile-time interface check.
var _ review.Provider = (*Provider)(nil)

func init() {
	review.RegisterProvider(review.ProviderGitHub, newProvider)
}

// Comment id prefixes distinguish issue comments from inline review
// comments so an id can be addressed again later.
const (
	issueCommentPrefix  = "ic-"
	reviewCommentPrefix = "rc-"
)

// Provider implements review.Provider using the go-github library.
// One instance serves every repository; repo ids are "owner/repo".
type Provider struct {
	client *gogithub.Client
	logger *slog.Logger
}

func newProvider(cfg review.Config, logger *slog.Logger) (review.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}
	return New(token, cfg.BaseURL, logger)
}

// New creates a provider authenticated with the given token. baseURL
// switches the client to a GitHub Enterprise instance.
func New(token, baseURL string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	client := gogithub.NewClient(httpClient)

	if baseURL != "" {
		trimmed := strings.TrimSuffix(baseURL, "/")
		var parseErr error
		client.BaseURL, parseErr = client.BaseURL.Parse(trimmed + "/api/v3/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", baseURL, parseErr)
		}
		client.UploadURL, parseErr = client.UploadURL.Parse(trimmed + "/api/uploads/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", baseURL, parseErr)
		}
	}

	return &Provider{client: client, logger: logger.With("component", "review", "provider", "github")}, nil
}

// Name returns the provider type.
func (p *Provider) Name() review.ProviderType {
	return review.ProviderGitHub
}

// GetPullRequest fetches one pull request.
func (p *Provider) GetPullRequest(ctx context.Context, repoID string, number int) (*review.PullRequest, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}

	pr, resp, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, fmt.Errorf("pull request %s#%d: %w", repoID, number, review.ErrNotFound)
		}
		return nil, fmt.Errorf("get PR %s#%d: %w", repoID, number, err)
	}
	return mapPullRequest(repoID, pr), nil
}

// IsApproved applies the shared approval rule to the PR's reviews.
func (p *Provider) IsApproved(ctx context.Context, repoID string, number int) (bool, error) {
	reviews, err := p.GetReviews(ctx, repoID, number)
	if err != nil {
		return false, err
	}
	return review.IsApprovedFromReviews(reviews), nil
}

// GetReviews lists the PR's reviews, oldest first.
func (p *Provider) GetReviews(ctx context.Context, repoID string, number int) ([]review.Review, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}

	var all []*gogithub.PullRequestReview
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := p.client.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list reviews for %s#%d: %w", repoID, number, err)
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	result := make([]review.Review, 0, len(all))
	for _, r := range all {
		result = append(result, review.Review{
			ID:          strconv.FormatInt(r.GetID(), 10),
			Author:      r.GetUser().GetLogin(),
			State:       r.GetState(),
			Body:        r.GetBody(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return result, nil
}

// GetNewComments merges issue comments and inline review comments
// created after since, then applies the filter against the PR author.
func (p *Provider) GetNewComments(ctx context.Context, repoID string, number int, since time.Time, opts review.FilterOptions) ([]review.Comment, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("get PR %s#%d: %w", repoID, number, err)
	}
	prAuthor := pr.GetUser().GetLogin()

	var comments []review.Comment

	issueOpts := &gogithub.IssueListCommentsOptions{
		Since:       &since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		batch, resp, err := p.client.Issues.ListComments(ctx, owner, repo, number, issueOpts)
		if err != nil {
			return nil, fmt.Errorf("list comments for %s#%d: %w", repoID, number, err)
		}
		for _, c := range batch {
			if !c.GetCreatedAt().After(since) {
				continue
			}
			author := c.GetUser().GetLogin()
			isBot := c.GetUser().GetType() == "Bot"
			if !opts.Allows(author, prAuthor, isBot) {
				continue
			}
			comments = append(comments, review.Comment{
				ID:        issueCommentPrefix + strconv.FormatInt(c.GetID(), 10),
				Author:    author,
				Body:      c.GetBody(),
				IsBot:     isBot,
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	reviewOpts := &gogithub.PullRequestListCommentsOptions{
		Since:       since,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		batch, resp, err := p.client.PullRequests.ListComments(ctx, owner, repo, number, reviewOpts)
		if err != nil {
			return nil, fmt.Errorf("list review comments for %s#%d: %w", repoID, number, err)
		}
		for _, c := range batch {
			if !c.GetCreatedAt().After(since) {
				continue
			}
			author := c.GetUser().GetLogin()
			isBot := c.GetUser().GetType() == "Bot"
			if !opts.Allows(author, prAuthor, isBot) {
				continue
			}
			comments = append(comments, review.Comment{
				ID:        reviewCommentPrefix + strconv.FormatInt(c.GetID(), 10),
				Author:    author,
				Body:      c.GetBody(),
				Path:      c.GetPath(),
				Line:      c.GetLine(),
				IsBot:     isBot,
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	return comments, nil
}

// GetRepositoryDefaultBranch returns the repository's default branch.
func (p *Provider) GetRepositoryDefaultBranch(ctx context.Context, repoID string) (string, error) {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return "", err
	}

	r, resp, err := p.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return "", fmt.Errorf("repository %s: %w", repoID, review.ErrNotFound)
		}
		return "", fmt.Errorf("get repository %s: %w", repoID, err)
	}
	return r.GetDefaultBranch(), nil
}

// MarkCommentsAsProcessed reacts with eyes on each comment so reviewers
// can see the feedback was picked up. Failures are logged, not
// propagated: the durable processed set is the real bookkeeping.
func (p *Provider) MarkCommentsAsProcessed(ctx context.Context, repoID string, number int, commentIDs []string) error {
	owner, repo, err := splitRepoID(repoID)
	if err != nil {
		return err
	}

	for _, id := range commentIDs {
		var reactErr error
		switch {
		case strings.HasPrefix(id, issueCommentPrefix):
			n, convErr := strconv.ParseInt(strings.TrimPrefix(id, issueCommentPrefix), 10, 64)
			if convErr != nil {
				continue
			}
			_, _, reactErr = p.client.Reactions.CreateIssueCommentReaction(ctx, owner, repo, n, "eyes")
		case strings.HasPrefix(id, reviewCommentPrefix):
			n, convErr := strconv.ParseInt(strings.TrimPrefix(id, reviewCommentPrefix), 10, 64)
			if convErr != nil {
				continue
			}
			_, _, reactErr = p.client.Reactions.CreatePullRequestCommentReaction(ctx, owner, repo, n, "eyes")
		}
		if reactErr != nil {
			p.logger.Debug("comment ack failed", "repository", repoID, "comment", id, "error", reactErr)
		}
	}
	return nil
}

func mapPullRequest(repoID string, pr *gogithub.PullRequest) *review.PullRequest {
	status := review.StatusOpen
	switch {
	case pr.GetMerged():
		status = review.StatusMerged
	case pr.GetState() == "closed":
		status = review.StatusClosed
	case pr.GetDraft():
		status = review.StatusDraft
	}

	return &review.PullRequest{
		RepositoryID: repoID,
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Author:       pr.GetUser().GetLogin(),
		Status:       status,
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		URL:          pr.GetHTMLURL(),
		CreatedAt:    pr.GetCreatedAt().Time,
		UpdatedAt:    pr.GetUpdatedAt().Time,
	}
}

func splitRepoID(repoID string) (owner, repo string, err error) {
	owner, repo, ok := review.SplitRepoID(repoID)
	if !ok {
		return "", "", fmt.Errorf("invalid repository id %q (want owner/repo)", repoID)
	}
	return owner, repo, nil
}
