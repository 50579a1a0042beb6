// Package gitlab implements the review.Provider interface using the
// GitLab client-go library.
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/stackworks/steward/internal/review"
)

// Compile-time interface check.
var _ review.Provider = (*Provider)(nil)

func init() {
	review.RegisterProvider(review.ProviderGitLab, newProvider)
}

// notePrefix tags GitLab note ids so they can be addressed again later.
const notePrefix = "note-"

// Provider implements review.Provider using the GitLab API. One
// instance serves every project; repo ids are full project paths
// ("group/repo", "group/subgroup/repo").
type Provider struct {
	client *gogitlab.Client
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
// switches the client to a self-hosted instance.
func New(token, baseURL string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var client *gogitlab.Client
	var err error
	if baseURL != "" {
		trimmed := strings.TrimSuffix(baseURL, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(trimmed+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &Provider{client: client, logger: logger.With("component", "review", "provider", "gitlab")}, nil
}

// Name returns the provider type.
func (p *Provider) Name() review.ProviderType {
	return review.ProviderGitLab
}

// GetPullRequest fetches one merge request.
func (p *Provider) GetPullRequest(ctx context.Context, repoID string, number int) (*review.PullRequest, error) {
	mr, resp, err := p.client.MergeRequests.GetMergeRequest(repoID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, fmt.Errorf("merge request %s!%d: %w", repoID, number, review.ErrNotFound)
		}
		return nil, fmt.Errorf("get MR %s!%d: %w", repoID, number, err)
	}
	return mapMR(repoID, mr), nil
}

// IsApproved reports whether the merge request has at least one
// approval. GitLab has no changes-requested verdict; approval rules
// are the gate.
func (p *Provider) IsApproved(ctx context.Context, repoID string, number int) (bool, error) {
	reviews, err := p.GetReviews(ctx, repoID, number)
	if err != nil {
		return false, err
	}
	return review.IsApprovedFromReviews(reviews), nil
}

// GetReviews maps the MR's approval state to APPROVED review records.
func (p *Provider) GetReviews(ctx context.Context, repoID string, number int) ([]review.Review, error) {
	approvalState, _, err := p.client.MergeRequestApprovals.GetApprovalState(repoID, int64(number), gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get approval state for MR %s!%d: %w", repoID, number, err)
	}

	var reviews []review.Review
	for _, rule := range approvalState.Rules {
		for _, approver := range rule.ApprovedBy {
			reviews = append(reviews, review.Review{
				ID:     strconv.FormatInt(approver.ID, 10),
				Author: approver.Username,
				State:  "APPROVED",
			})
		}
	}
	return reviews, nil
}

// GetNewComments lists discussion notes created after since, skipping
// system notes and applying the filter against the MR author.
func (p *Provider) GetNewComments(ctx context.Context, repoID string, number int, since time.Time, opts review.FilterOptions) ([]review.Comment, error) {
	mr, _, err := p.client.MergeRequests.GetMergeRequest(repoID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get MR %s!%d: %w", repoID, number, err)
	}
	mrAuthor := ""
	if mr.Author != nil {
		mrAuthor = mr.Author.Username
	}

	var comments []review.Comment
	listOpts := &gogitlab.ListMergeRequestDiscussionsOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	for {
		discussions, resp, err := p.client.Discussions.ListMergeRequestDiscussions(repoID, int64(number), listOpts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list MR %s!%d discussions: %w", repoID, number, err)
		}

		for _, d := range discussions {
			for _, note := range d.Notes {
				if note.System {
					continue
				}
				if note.CreatedAt == nil || !note.CreatedAt.After(since) {
					continue
				}
				if !opts.Allows(note.Author.Username, mrAuthor, false) {
					continue
				}
				comments = append(comments, mapNote(note))
			}
		}

		if resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}

	return comments, nil
}

// GetRepositoryDefaultBranch returns the project's default branch.
func (p *Provider) GetRepositoryDefaultBranch(ctx context.Context, repoID string) (string, error) {
	project, resp, err := p.client.Projects.GetProject(repoID, nil, gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return "", fmt.Errorf("project %s: %w", repoID, review.ErrNotFound)
		}
		return "", fmt.Errorf("get project %s: %w", repoID, err)
	}
	return project.DefaultBranch, nil
}

// MarkCommentsAsProcessed awards an eyes emoji on each note. Failures
// are logged, not propagated: the durable processed set is the real
// bookkeeping.
func (p *Provider) MarkCommentsAsProcessed(ctx context.Context, repoID string, number int, commentIDs []string) error {
	for _, id := range commentIDs {
		if !strings.HasPrefix(id, notePrefix) {
			continue
		}
		noteID, convErr := strconv.ParseInt(strings.TrimPrefix(id, notePrefix), 10, 64)
		if convErr != nil {
			continue
		}
		_, _, err := p.client.AwardEmoji.CreateMergeRequestAwardEmojiOnNote(repoID, int64(number), noteID,
			&gogitlab.CreateAwardEmojiOptions{Name: "eyes"}, gogitlab.WithContext(ctx))
		if err != nil {
			p.logger.Debug("note ack failed", "repository", repoID, "note", id, "error", err)
		}
	}
	return nil
}

func mapMR(repoID string, mr *gogitlab.MergeRequest) *review.PullRequest {
	status := review.StatusOpen
	switch {
	case mr.State == "merged":
		status = review.StatusMerged
	case mr.State == "closed":
		status = review.StatusClosed
	case mr.Draft:
		status = review.StatusDraft
	}

	author := ""
	if mr.Author != nil {
		author = mr.Author.Username
	}

	pr := &review.PullRequest{
		RepositoryID: repoID,
		Number:       int(mr.IID),
		Title:        mr.Title,
		Author:       author,
		Status:       status,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		URL:          mr.WebURL,
	}
	if mr.CreatedAt != nil {
		pr.CreatedAt = *mr.CreatedAt
	}
	if mr.UpdatedAt != nil {
		pr.UpdatedAt = *mr.UpdatedAt
	}
	return pr
}

func mapNote(note *gogitlab.Note) review.Comment {
	comment := review.Comment{
		ID:     notePrefix + strconv.FormatInt(note.ID, 10),
		Author: note.Author.Username,
		Body:   note.Body,
	}
	if note.CreatedAt != nil {
		comment.CreatedAt = *note.CreatedAt
	}
	if note.Position != nil {
		comment.Path = note.Position.NewPath
		comment.Line = int(note.Position.NewLine)
	}
	return comment
}
