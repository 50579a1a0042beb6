package github

import (
	"fmt"
	"os"

	"github.com/stackworks/steward/internal/review"
)

// resolveToken gets the GitHub API token from environment.
// Uses cfg.TokenEnvVar if set, otherwise defaults to GITHUB_TOKEN.
func resolveToken(cfg review.Config) (string, error) {
	envVar := "GITHUB_TOKEN"
	if cfg.TokenEnvVar != "" {
		envVar = cfg.TokenEnvVar
	}

	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("%w: %s environment variable is not set", review.ErrAuthFailed, envVar)
	}
	return token, nil
}
