// Package developer abstracts the AI coding backend a worker drives.
//
// A Developer is handed a prompt and a workspace directory and returns
// whatever the backend printed; interpreting that output is the result
// parser's job, not the backend's.
package developer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stackworks/steward/internal/config"
)

// Developer runs prompts against a coding backend.
type Developer interface {
	// Kind identifies the backend ("claude", "mock").
	Kind() string

	// Initialize verifies the backend is usable (binary present,
	// responds to a version probe). Called before first use and
	// retried by the worker pipeline.
	Initialize(ctx context.Context) error

	// ExecutePrompt runs one prompt with the workspace directory as
	// the working directory and returns the backend's raw output.
	// Invocations may legitimately take minutes; ctx carries the
	// deadline.
	ExecutePrompt(ctx context.Context, prompt, workspaceDir string) (string, error)
}

// ErrBinaryNotFound reports that no usable backend binary was located.
var ErrBinaryNotFound = errors.New("developer binary not found")

// New builds the Developer selected by cfg.Kind.
func New(cfg config.DeveloperConfig, logger *slog.Logger) (Developer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Kind) {
	case "", "claude":
		return NewClaude(cfg, logger)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown developer kind %q", cfg.Kind)
	}
}

// IsRateLimited reports whether err looks like an upstream rate limit.
// Rate limits are transient; callers back off instead of failing the task.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}
