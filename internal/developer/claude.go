package developer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stackworks/steward/internal/config"
)

// initializeTimeout bounds the version probe; it must never hang a
// worker pipeline the way a real prompt invocation can.
const initializeTimeout = 30 * time.Second

// Claude drives the claude CLI in non-interactive print mode.
type Claude struct {
	binary          string
	model           string
	timeout         time.Duration
	skipPermissions bool
	logger          *slog.Logger
}

var _ Developer = (*Claude)(nil)

// NewClaude resolves the claude binary from cfg.BinaryPaths (first hit
// wins, falling back to a PATH lookup of "claude") and returns a ready
// backend. The binary is resolved to an absolute path up front because
// exec does no PATH lookup once cmd.Dir points into a worktree.
func NewClaude(cfg config.DeveloperConfig, logger *slog.Logger) (*Claude, error) {
	if logger == nil {
		logger = slog.Default()
	}

	binary, err := resolveBinary(cfg.BinaryPaths)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = config.Default().Developer.Timeout.Std()
	}

	return &Claude{
		binary:          binary,
		model:           cfg.Model,
		timeout:         timeout,
		skipPermissions: cfg.SkipPermissions,
		logger:          logger.With("component", "developer", "kind", "claude"),
	}, nil
}

// Kind implements Developer.
func (c *Claude) Kind() string { return "claude" }

// Initialize probes the binary with --version.
func (c *Claude) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.binary, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude version probe failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	c.logger.Debug("developer initialized", "binary", c.binary, "version", strings.TrimSpace(string(out)))
	return nil
}

// ExecutePrompt implements Developer. The CLI is invoked in print mode
// with JSON output; the result text is extracted and returned. Output
// that is not valid JSON is returned verbatim so the result parser can
// still scan it.
func (c *Claude) ExecutePrompt(ctx context.Context, prompt, workspaceDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{"--print", "--output-format", "json"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = workspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("claude timed out after %v", c.timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("claude invocation failed: %w: %s", err, detail)
	}

	raw := stdout.String()
	result, isErr, errMsg := parseCLIOutput(raw)
	if isErr {
		return "", fmt.Errorf("claude reported an error: %s", errMsg)
	}

	c.logger.Debug("prompt executed",
		"workspace", workspaceDir,
		"duration", elapsed.Round(time.Second),
		"output_bytes", len(result))
	return result, nil
}

// parseCLIOutput unpacks the CLI's JSON envelope. Whole-document JSON
// is tried first; stream-json (one object per line) second; anything
// else passes through untouched.
func parseCLIOutput(raw string) (result string, isErr bool, errMsg string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false, ""
	}

	if gjson.Valid(trimmed) {
		doc := gjson.Parse(trimmed)
		if doc.Get("is_error").Bool() {
			msg := doc.Get("result").String()
			if msg == "" {
				msg = doc.Get("error").String()
			}
			return "", true, msg
		}
		if res := doc.Get("result"); res.Exists() {
			return res.String(), false, ""
		}
		return trimmed, false, ""
	}

	// Stream mode: scan line objects, keep the final result record.
	var b strings.Builder
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			if line != "" {
				b.WriteString(line)
				b.WriteByte('\n')
			}
			continue
		}
		doc := gjson.Parse(line)
		switch doc.Get("type").String() {
		case "result":
			if doc.Get("is_error").Bool() {
				return "", true, doc.Get("result").String()
			}
			return doc.Get("result").String(), false, ""
		case "error":
			return "", true, doc.Get("error").String()
		case "assistant":
			b.WriteString(doc.Get("message.content.0.text").String())
		}
	}
	return strings.TrimSpace(b.String()), false, ""
}

// resolveBinary walks the configured candidates and falls back to a
// PATH lookup of "claude".
func resolveBinary(candidates []string) (string, error) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if filepath.IsAbs(candidate) {
			if abs, err := exec.LookPath(candidate); err == nil {
				return abs, nil
			}
			continue
		}
		if abs, err := exec.LookPath(candidate); err == nil {
			return abs, nil
		}
	}
	if abs, err := exec.LookPath("claude"); err == nil {
		return abs, nil
	}
	return "", fmt.Errorf("%w: tried %v and PATH", ErrBinaryNotFound, candidates)
}
