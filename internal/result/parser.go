// Package result turns free-form developer output into a structured
// execution result: pull request URL, success classification, and an
// error message when the output reports a failure.
package result

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPullRequestURL indicates a URL that does not look like a pull
// or merge request.
var ErrInvalidPullRequestURL = errors.New("not a pull request URL")

// ExecutionResult is the structured outcome of one developer invocation.
type ExecutionResult struct {
	TaskID         string            `json:"task_id"`
	Success        bool              `json:"success"`
	PullRequestURL string            `json:"pull_request_url,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CompletedAt    time.Time         `json:"completed_at"`
	Details        map[string]string `json:"details,omitempty"`
}

// URL extraction patterns, most specific first. Agents are prompted to
// print a "PR: <url>" line but not all of them comply, so prose hints and
// finally any embedded URL are accepted too.
var (
	prefixedURLPattern = regexp.MustCompile(`(?im)^\s*PR:\s*(https?://\S+)`)

	hintURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)pull request(?:\s+(?:url|link))?\s*[:=]\s*(https?://\S+)`),
		regexp.MustCompile(`(?i)merge request(?:\s+(?:url|link))?\s*[:=]\s*(https?://\S+)`),
		regexp.MustCompile(`(?im)^\s*MR:\s*(https?://\S+)`),
	}

	// pullURLPattern matches GitHub-style URLs: host/owner/repo/pull/N.
	pullURLPattern = regexp.MustCompile(`https?://[^\s/]+/([^\s/]+/[^\s/]+)/pull/(\d+)`)

	// mergeURLPattern matches GitLab-style URLs, with or without the /-/
	// separator, including subgroup paths.
	mergeURLPattern = regexp.MustCompile(`https?://[^\s/]+/([^\s]+?)(?:/-)?/merge_requests/(\d+)`)
)

// Failure classification. A recognized failure phrase always wins over
// success indicators in the same output.
var (
	compileFailurePhrases = []string{
		"compilation failed",
		"compile error",
		"build failed",
		"syntax error",
		"cannot find symbol",
		"undefined reference",
	}

	testFailurePattern = regexp.MustCompile(`(?i)(\d+)\s+(?:tests?\s+)?failed(?:,?\s*(\d+)\s+(?:tests?\s+)?passed)?`)

	errorLinePattern = regexp.MustCompile(`(?m)^\s*[Ee]rror:\s*(.+)$`)

	// Word-bounded so "prefixed" does not read as "fixed".
	successPattern = regexp.MustCompile(`(?i)\b(successfully|completed|implemented|fixed|resolved|pushed|merged|pull request created|merge request created)\b`)
)

// Parse classifies raw developer output for a task. An extracted pull
// request URL counts as a success indicator; ambiguous output with neither
// a failure match nor an indicator stays unsuccessful so the orchestrator
// retries rather than silently losing work.
func Parse(taskID, rawOutput string) *ExecutionResult {
	res := &ExecutionResult{
		TaskID:      taskID,
		CompletedAt: time.Now().UTC(),
		Details:     make(map[string]string),
	}

	if url, ok := ExtractPullRequestURL(rawOutput); ok {
		res.PullRequestURL = url
	}

	if msg, details, failed := classifyFailure(rawOutput); failed {
		res.ErrorMessage = msg
		for k, v := range details {
			res.Details[k] = v
		}
		return res
	}

	res.Success = res.PullRequestURL != "" || hasSuccessIndicator(rawOutput)
	return res
}

// ExtractPullRequestURL finds a pull or merge request URL in the output,
// trying the explicit "PR:" line, then prose hints, then any embedded URL.
// The returned URL is the canonical matched substring with surrounding
// punctuation stripped.
func ExtractPullRequestURL(output string) (string, bool) {
	if m := prefixedURLPattern.FindStringSubmatch(output); m != nil {
		if url, ok := canonicalURL(m[1]); ok {
			return url, true
		}
	}
	for _, p := range hintURLPatterns {
		if m := p.FindStringSubmatch(output); m != nil {
			if url, ok := canonicalURL(m[1]); ok {
				return url, true
			}
		}
	}
	return canonicalURL(output)
}

// ParsePullRequestURL extracts (repoID, prNumber) from a pull or merge
// request URL. The repo id is the path between host and the pull segment,
// so GitLab subgroup paths come back intact.
func ParsePullRequestURL(rawURL string) (string, int, error) {
	for _, p := range []*regexp.Regexp{pullURLPattern, mergeURLPattern} {
		if m := p.FindStringSubmatch(rawURL); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				return "", 0, fmt.Errorf("parse PR number %q: %w", m[2], err)
			}
			return m[1], n, nil
		}
	}
	return "", 0, fmt.Errorf("%w: %s", ErrInvalidPullRequestURL, rawURL)
}

func canonicalURL(s string) (string, bool) {
	if m := pullURLPattern.FindString(s); m != "" {
		return m, true
	}
	if m := mergeURLPattern.FindString(s); m != "" {
		return m, true
	}
	return "", false
}

func classifyFailure(output string) (string, map[string]string, bool) {
	lower := strings.ToLower(output)
	for _, phrase := range compileFailurePhrases {
		if strings.Contains(lower, phrase) {
			return lineContaining(output, phrase), nil, true
		}
	}

	if m := testFailurePattern.FindStringSubmatch(output); m != nil {
		failed, _ := strconv.Atoi(m[1])
		if failed > 0 {
			details := map[string]string{"tests_failed": m[1]}
			if m[2] != "" {
				details["tests_passed"] = m[2]
			}
			return "tests failed: " + strings.TrimSpace(m[0]), details, true
		}
	}

	if m := errorLinePattern.FindStringSubmatch(output); m != nil {
		return "error: " + strings.TrimSpace(m[1]), nil, true
	}

	return "", nil, false
}

func hasSuccessIndicator(output string) bool {
	return successPattern.MatchString(output)
}

// lineContaining returns the first line whose lowercase form contains the
// phrase, for use as an error message.
func lineContaining(output, phrase string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(strings.ToLower(line), phrase) {
			return strings.TrimSpace(line)
		}
	}
	return phrase
}
