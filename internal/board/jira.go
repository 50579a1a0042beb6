package board

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/stackworks/steward/internal/state"
)

// Compile-time interface check.
var _ Provider = (*JiraProvider)(nil)

// Jira status names per board status. Transition targets are matched by
// name case-insensitively, so "To Do" and "TO DO" boards both work.
var jiraStatusNames = map[state.TaskStatus]string{
	state.TaskTodo:       "To Do",
	state.TaskInProgress: "In Progress",
	state.TaskInReview:   "In Review",
	state.TaskDone:       "Done",
}

// repoLabelPrefix marks the Jira label that binds an issue to a
// repository, e.g. "repo:acme/api".
const repoLabelPrefix = "repo:"

// jiraSearchFields are the issue fields requested in searches. Keeping
// this explicit avoids fetching unnecessary data.
var jiraSearchFields = []string{
	"summary",
	"description",
	"issuetype",
	"status",
	"labels",
	"created",
	"updated",
}

// JiraProvider implements Provider over a Jira Cloud project. The board
// id is the project key; the repository binding comes from "repo:" labels.
type JiraProvider struct {
	jira   *v3.Client
	logger *slog.Logger
}

// NewJiraProvider creates a Jira Cloud provider with basic auth.
func NewJiraProvider(baseURL, email, apiToken string, logger *slog.Logger) (*JiraProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("jira base URL is required")
	}
	if email == "" {
		return nil, fmt.Errorf("jira email is required")
	}
	if apiToken == "" {
		return nil, fmt.Errorf("jira API token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseURL = strings.TrimRight(baseURL, "/")
	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, baseURL)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(email, apiToken)
	client.Auth.SetUserAgent("steward/1.0")

	return &JiraProvider{jira: client, logger: logger}, nil
}

// Name returns the provider type.
func (j *JiraProvider) Name() string {
	return "jira"
}

// GetItems fetches all issues of the project in the given status,
// handling pagination.
func (j *JiraProvider) GetItems(ctx context.Context, boardID string, status state.TaskStatus) ([]Item, error) {
	statusName, ok := jiraStatusNames[status]
	if !ok {
		return nil, fmt.Errorf("no jira status mapping for %s", status)
	}
	jql := fmt.Sprintf("project = %q AND status = %q ORDER BY created ASC", boardID, statusName)

	var items []Item
	nextPageToken := ""
	for {
		result, resp, err := j.jira.Issue.Search.SearchJQL(ctx, jql, jiraSearchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("jira search: %w", err)
		}

		for _, issue := range result.Issues {
			items = append(items, convertJiraIssue(issue))
		}

		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}
	return items, nil
}

// UpdateItemStatus performs the workflow transition whose target matches
// the status and returns the issue as read back afterwards.
func (j *JiraProvider) UpdateItemStatus(ctx context.Context, itemID string, status state.TaskStatus) (*Item, error) {
	statusName, ok := jiraStatusNames[status]
	if !ok {
		return nil, fmt.Errorf("no jira status mapping for %s", status)
	}

	transitions, resp, err := j.jira.Issue.Transitions(ctx, itemID)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("list transitions for %s (status %d): %w", itemID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("list transitions for %s: %w", itemID, err)
	}

	transitionID := ""
	for _, tr := range transitions.Transitions {
		if tr.To != nil && strings.EqualFold(tr.To.Name, statusName) {
			transitionID = tr.ID
			break
		}
	}
	if transitionID == "" {
		return nil, fmt.Errorf("issue %s has no transition to %q", itemID, statusName)
	}

	if _, err := j.jira.Issue.Move(ctx, itemID, transitionID, nil); err != nil {
		return nil, fmt.Errorf("transition %s to %q: %w", itemID, statusName, err)
	}

	return j.getItem(ctx, itemID)
}

// AddPullRequestToItem records the PR URL on the issue as a comment and
// returns the issue as read back.
func (j *JiraProvider) AddPullRequestToItem(ctx context.Context, itemID string, prURL string) (*Item, error) {
	payload := &models.CommentPayloadScheme{
		Body: textToADF("PR: " + prURL),
	}
	if _, _, err := j.jira.Issue.Comment.Add(ctx, itemID, payload, nil); err != nil {
		return nil, fmt.Errorf("comment PR URL on %s: %w", itemID, err)
	}
	return j.getItem(ctx, itemID)
}

func (j *JiraProvider) getItem(ctx context.Context, itemID string) (*Item, error) {
	issue, resp, err := j.jira.Issue.Get(ctx, itemID, jiraSearchFields, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("get issue %s (status %d): %w", itemID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("get issue %s: %w", itemID, err)
	}
	item := convertJiraIssue(issue)
	return &item, nil
}

func convertJiraIssue(issue *models.IssueScheme) Item {
	if issue == nil {
		return Item{}
	}
	item := Item{
		ID:     issue.Key,
		Kind:   "issue",
		Number: jiraKeyNumber(issue.Key),
	}
	f := issue.Fields
	if f == nil {
		return item
	}

	item.Title = f.Summary
	item.Body = adfToText(f.Description)
	item.Labels = f.Labels
	item.Status = deriveJiraStatus(f.Status)
	for _, label := range f.Labels {
		if strings.HasPrefix(label, repoLabelPrefix) {
			item.RepositoryID = strings.TrimPrefix(label, repoLabelPrefix)
			break
		}
	}
	if f.Updated != nil {
		item.UpdatedAt = time.Time(*f.Updated)
	}
	return item
}

func deriveJiraStatus(s *models.StatusScheme) state.TaskStatus {
	if s == nil {
		return state.TaskTodo
	}
	for status, name := range jiraStatusNames {
		if strings.EqualFold(s.Name, name) {
			return status
		}
	}
	// Fall back to the status category when the board uses custom names.
	if s.StatusCategory != nil {
		switch s.StatusCategory.Key {
		case "done":
			return state.TaskDone
		case "indeterminate":
			return state.TaskInProgress
		}
	}
	return state.TaskTodo
}

// jiraKeyNumber extracts the numeric suffix of an issue key ("PROJ-123"
// yields 123), used for branch naming.
func jiraKeyNumber(key string) int {
	idx := strings.LastIndex(key, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
