package review

import (
	"fmt"
	"log/slog"
)

// Config holds review provider configuration.
type Config struct {
	// Provider type: "github", "gitlab", or "auto" (default). When
	// "auto", the provider is resolved from a repository remote URL
	// via DetectProvider.
	Provider string

	// BaseURL for self-hosted instances (e.g. "https://gitlab.company.com").
	// Leave empty for github.com / gitlab.com.
	BaseURL string

	// TokenEnvVar overrides the default token environment variable
	// name. Default: GITHUB_TOKEN for GitHub, GITLAB_TOKEN for GitLab.
	TokenEnvVar string
}

// NewProviderFunc is a constructor for a review provider. Used by the
// factory so provider packages register themselves without an import
// cycle.
type NewProviderFunc func(cfg Config, logger *slog.Logger) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor. Called from
// init() in provider packages (github/, gitlab/).
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates the review provider cfg names. "auto" must be
// resolved by the caller first (ResolveProviderType) because no single
// repository remote is known at construction time.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	if cfg.Provider == "" || cfg.Provider == "auto" {
		return nil, fmt.Errorf("%w: provider %q not resolved (call ResolveProviderType first)", ErrNoProvider, cfg.Provider)
	}

	pt := ProviderType(cfg.Provider)
	constructor, ok := providerConstructors[pt]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (registered: %v)", pt, registeredProviders())
	}
	return constructor(cfg, logger)
}

// ResolveProviderType decides which provider type to use. An explicit
// cfg.Provider wins; otherwise the remote URL hint is consulted, then
// the board provider name (a GitHub board implies GitHub review).
func ResolveProviderType(cfg Config, remoteURLHint, boardProvider string) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab && pt != ProviderMock {
			return "", fmt.Errorf("unknown review provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	if remoteURLHint != "" {
		if detected := DetectProvider(remoteURLHint); detected != ProviderUnknown {
			return detected, nil
		}
	}
	if cfg.BaseURL != "" {
		if detected := DetectProvider(cfg.BaseURL + "/"); detected != ProviderUnknown {
			return detected, nil
		}
	}
	if boardProvider == "github" {
		return ProviderGitHub, nil
	}

	return "", fmt.Errorf("%w: set review.provider explicitly in config", ErrNoProvider)
}

func registeredProviders() []ProviderType {
	var providers []ProviderType
	for pt := range providerConstructors {
		providers = append(providers, pt)
	}
	return providers
}
