package review

import (
	"regexp"
	"strings"
)

// DetectProvider determines the review provider from a git remote URL.
//
// Supported URL formats:
//   - git@github.com:owner/repo.git
//   - https://github.com/owner/repo.git
//   - git@gitlab.com:owner/repo.git
//   - https://gitlab.com/owner/repo.git
//   - git@gitlab.company.com:org/repo.git (self-hosted GitLab)
//   - https://github.company.com/org/repo.git (GitHub Enterprise)
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))

	if isGitHub(url) {
		return ProviderGitHub
	}
	if isGitLab(url) {
		return ProviderGitLab
	}
	return ProviderUnknown
}

var githubPatterns = []*regexp.Regexp{
	regexp.MustCompile(`github\.com[:/]`),
	regexp.MustCompile(`github\.[a-z0-9-]+\.[a-z]+[:/]`), // GitHub Enterprise (github.company.com)
}

func isGitHub(url string) bool {
	for _, p := range githubPatterns {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

var gitlabPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gitlab\.com[:/]`),
	regexp.MustCompile(`gitlab\.[a-z0-9-]+\.[a-z]+[:/]`), // Self-hosted GitLab (gitlab.company.com)
}

func isGitLab(url string) bool {
	for _, p := range gitlabPatterns {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

// SplitRepoID splits an "owner/repo" id. GitLab subgroup ids keep the
// full group path as owner ("group/subgroup", "repo").
func SplitRepoID(repoID string) (owner, repo string, ok bool) {
	idx := strings.LastIndex(repoID, "/")
	if idx <= 0 || idx == len(repoID)-1 {
		return "", "", false
	}
	return repoID[:idx], repoID[idx+1:], true
}

// ParseOwnerRepo extracts the "owner/repo" repository id from a git
// remote URL.
//
// Handles:
//   - git@github.com:owner/repo.git → owner/repo
//   - https://github.com/owner/repo.git → owner/repo
//   - ssh://git@github.com:22/owner/repo.git → owner/repo
//   - git@gitlab.com:group/subgroup/repo.git → group/subgroup/repo
func ParseOwnerRepo(remoteURL string) string {
	raw := strings.TrimSpace(remoteURL)
	raw = strings.TrimSuffix(raw, ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = strings.TrimLeft(raw[idx+1:], "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(raw, "https://")
		raw = strings.TrimPrefix(raw, "http://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = raw[idx+1:]
		}
	default:
		// SCP-style SSH: git@host:owner/repo
		if idx := strings.Index(raw, ":"); idx != -1 {
			raw = raw[idx+1:]
		}
	}

	if !strings.Contains(raw, "/") {
		return ""
	}
	return raw
}
