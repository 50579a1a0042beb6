package board

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"

	"github.com/stackworks/steward/internal/state"
)

// Compile-time interface check.
var _ Provider = (*GitHubProvider)(nil)

// Status labels used on GitHub issues. DONE is represented by the closed
// state instead of a label.
var githubStatusLabels = map[state.TaskStatus]string{
	state.TaskTodo:       "status:todo",
	state.TaskInProgress: "status:in-progress",
	state.TaskInReview:   "status:in-review",
}

// GitHubProvider implements Provider over GitHub issues. The board id is
// "owner/repo"; items are the repo's issues carrying status labels.
type GitHubProvider struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewGitHubProvider creates a provider authenticated with the given token.
// baseURL switches the client to a GitHub Enterprise instance.
func NewGitHubProvider(token, baseURL string, logger *slog.Logger) (*GitHubProvider, error) {
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

	return &GitHubProvider{client: client, logger: logger}, nil
}

// Name returns the provider type.
func (g *GitHubProvider) Name() string {
	return "github"
}

// GetItems lists the board's issues in the given status. Open issues are
// selected by status label; DONE means closed.
func (g *GitHubProvider) GetItems(ctx context.Context, boardID string, status state.TaskStatus) ([]Item, error) {
	owner, repo, err := splitRepoID(boardID)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	if status == state.TaskDone {
		opts.State = "closed"
	} else {
		label, ok := githubStatusLabels[status]
		if !ok {
			return nil, fmt.Errorf("no status label mapping for %s", status)
		}
		opts.Labels = []string{label}
	}

	var items []Item
	for {
		issues, resp, err := g.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list issues for %s: %w", boardID, err)
		}
		for _, issue := range issues {
			items = append(items, convertGitHubIssue(boardID, issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return items, nil
}

// UpdateItemStatus swaps the item's status label (closing the issue for
// DONE) and returns the item as read back afterwards.
func (g *GitHubProvider) UpdateItemStatus(ctx context.Context, itemID string, status state.TaskStatus) (*Item, error) {
	owner, repo, number, err := parseGitHubItemID(itemID)
	if err != nil {
		return nil, err
	}

	// Drop whichever status label the item carries now. 404s mean the
	// label was not present, which is fine.
	for s, label := range githubStatusLabels {
		if s == status {
			continue
		}
		if _, err := g.client.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label); err != nil {
			g.logger.Debug("remove status label", "item", itemID, "label", label, "error", err)
		}
	}

	if status == state.TaskDone {
		req := &gogithub.IssueRequest{State: gogithub.Ptr("closed")}
		if _, _, err := g.client.Issues.Edit(ctx, owner, repo, number, req); err != nil {
			return nil, fmt.Errorf("close issue %s: %w", itemID, err)
		}
	} else {
		label := githubStatusLabels[status]
		if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label}); err != nil {
			return nil, fmt.Errorf("label issue %s with %s: %w", itemID, label, err)
		}
	}

	return g.getItem(ctx, owner, repo, number)
}

// AddPullRequestToItem records the PR URL on the issue as a comment and
// returns the item as read back.
func (g *GitHubProvider) AddPullRequestToItem(ctx context.Context, itemID string, prURL string) (*Item, error) {
	owner, repo, number, err := parseGitHubItemID(itemID)
	if err != nil {
		return nil, err
	}

	comment := &gogithub.IssueComment{Body: gogithub.Ptr("PR: " + prURL)}
	if _, _, err := g.client.Issues.CreateComment(ctx, owner, repo, number, comment); err != nil {
		return nil, fmt.Errorf("comment PR URL on %s: %w", itemID, err)
	}

	return g.getItem(ctx, owner, repo, number)
}

func (g *GitHubProvider) getItem(ctx context.Context, owner, repo string, number int) (*Item, error) {
	issue, resp, err := g.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, fmt.Errorf("issue %s/%s#%d: %w", owner, repo, number, ErrItemNotFound)
		}
		return nil, fmt.Errorf("get issue %s/%s#%d: %w", owner, repo, number, err)
	}
	item := convertGitHubIssue(owner+"/"+repo, issue)
	return &item, nil
}

func convertGitHubIssue(repoID string, issue *gogithub.Issue) Item {
	item := Item{
		ID:           fmt.Sprintf("%s#%d", repoID, issue.GetNumber()),
		Title:        issue.GetTitle(),
		Body:         issue.GetBody(),
		Number:       issue.GetNumber(),
		Kind:         "issue",
		RepositoryID: repoID,
		URL:          issue.GetHTMLURL(),
		UpdatedAt:    issue.GetUpdatedAt().Time,
	}
	if issue.IsPullRequest() {
		item.Kind = "pull_request"
	}
	for _, label := range issue.Labels {
		item.Labels = append(item.Labels, label.GetName())
	}
	item.Status = deriveGitHubStatus(issue.GetState(), item.Labels)
	return item
}

func deriveGitHubStatus(issueState string, labels []string) state.TaskStatus {
	if issueState == "closed" {
		return state.TaskDone
	}
	for status, label := range githubStatusLabels {
		for _, l := range labels {
			if l == label {
				return status
			}
		}
	}
	return state.TaskTodo
}

// parseGitHubItemID splits "owner/repo#42" into its parts.
func parseGitHubItemID(itemID string) (owner, repo string, number int, err error) {
	repoPart, numPart, found := strings.Cut(itemID, "#")
	if !found {
		return "", "", 0, fmt.Errorf("malformed item id %q, want owner/repo#number", itemID)
	}
	owner, repo, err = splitRepoID(repoPart)
	if err != nil {
		return "", "", 0, err
	}
	number, err = strconv.Atoi(numPart)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed item number in %q: %w", itemID, err)
	}
	return owner, repo, number, nil
}

func splitRepoID(repoID string) (owner, repo string, err error) {
	owner, repo, found := strings.Cut(repoID, "/")
	if !found || owner == "" || repo == "" {
		return "", "", fmt.Errorf("malformed repository id %q, want owner/repo", repoID)
	}
	return owner, repo, nil
}
