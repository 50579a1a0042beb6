package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// credentialsFileName is the token store next to the config file.
// Environment variables always win; this file only backfills them.
const credentialsFileName = "credentials.yaml"

func credentialsPath() string {
	return filepath.Join(filepath.Dir(configPath()), credentialsFileName)
}

// loadCredentials reads the stored tokens. A missing file is an empty
// map.
func loadCredentials() (map[string]string, error) {
	data, err := os.ReadFile(credentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	creds := map[string]string{}
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// saveCredential stores one env-var/token pair, mode 0600.
func saveCredential(envVar, token string) error {
	creds, err := loadCredentials()
	if err != nil {
		return err
	}
	creds[envVar] = token

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(credentialsPath()), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(credentialsPath(), data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// exportCredentials sets stored tokens into the environment for vars
// not already set, so providers pick them up through their usual
// env-var lookups.
func exportCredentials() error {
	creds, err := loadCredentials()
	if err != nil {
		return err
	}
	for envVar, token := range creds {
		if os.Getenv(envVar) == "" {
			if err := os.Setenv(envVar, token); err != nil {
				return fmt.Errorf("set %s: %w", envVar, err)
			}
		}
	}
	return nil
}

// defaultTokenEnvVar names the conventional env var for a provider.
func defaultTokenEnvVar(provider string) string {
	switch provider {
	case "github":
		return "GITHUB_TOKEN"
	case "gitlab":
		return "GITLAB_TOKEN"
	case "jira":
		return "JIRA_API_TOKEN"
	default:
		return ""
	}
}
