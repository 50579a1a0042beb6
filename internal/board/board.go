// Package board abstracts the remote project board the orchestrator
// drives. A board holds work items in one of four statuses; the planner
// reads items by status and writes transitions back. Implementations
// exist for GitHub Issues and Jira, plus a deterministic mock for tests.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/state"
)

// ErrItemNotFound reports a board item that does not exist (or is not
// visible to the credentials in use).
var ErrItemNotFound = errors.New("board item not found")

// Item is a work item on the board. ID is provider-stable and doubles as
// the orchestrator's task id ("owner/repo#42" on GitHub, the issue key on
// Jira).
type Item struct {
	ID           string
	Title        string
	Body         string
	Number       int
	Kind         string // "issue" or "pull_request"
	RepositoryID string
	Labels       []string
	Status       state.TaskStatus
	URL          string

	// PullRequestURL is the PR attached via AddPullRequestToItem, when
	// the provider can surface it on reads. GitHub and Jira record the
	// attachment as a comment, which item reads do not include; callers
	// needing the URL unconditionally fall back to the durable worker
	// record.
	PullRequestURL string

	UpdatedAt time.Time
}

// Snapshot converts the item to its durable form.
func (i *Item) Snapshot() *state.BoardItemSnapshot {
	return &state.BoardItemSnapshot{
		ID:           i.ID,
		Title:        i.Title,
		Body:         i.Body,
		Number:       i.Number,
		Kind:         i.Kind,
		RepositoryID: i.RepositoryID,
		Labels:       append([]string(nil), i.Labels...),
	}
}

// Provider is the board backend consumed by the planner.
type Provider interface {
	// Name identifies the provider type ("github", "jira", "mock").
	Name() string

	// GetItems returns the items currently in the given status.
	GetItems(ctx context.Context, boardID string, status state.TaskStatus) ([]Item, error)

	// UpdateItemStatus moves an item to the given status and returns the
	// item as read back after the update, so callers can verify the
	// transition took effect.
	UpdateItemStatus(ctx context.Context, itemID string, status state.TaskStatus) (*Item, error)

	// AddPullRequestToItem attaches a pull request URL to the item.
	AddPullRequestToItem(ctx context.Context, itemID string, prURL string) (*Item, error)
}

// Default token environment variables per provider.
const (
	DefaultGitHubTokenEnv = "GITHUB_TOKEN"
	DefaultJiraTokenEnv   = "JIRA_API_TOKEN"
	DefaultJiraUserEnv    = "JIRA_EMAIL"
)

// New constructs the board provider selected by cfg.
func New(cfg config.BoardConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "github":
		token := os.Getenv(envOr(cfg.TokenEnvVar, DefaultGitHubTokenEnv))
		if token == "" {
			return nil, fmt.Errorf("github board: %s is not set", envOr(cfg.TokenEnvVar, DefaultGitHubTokenEnv))
		}
		return NewGitHubProvider(token, cfg.BaseURL, logger)
	case "jira":
		email := os.Getenv(envOr(cfg.UserEnvVar, DefaultJiraUserEnv))
		token := os.Getenv(envOr(cfg.TokenEnvVar, DefaultJiraTokenEnv))
		return NewJiraProvider(cfg.BaseURL, email, token, logger)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown board provider %q", cfg.Provider)
	}
}

func envOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
