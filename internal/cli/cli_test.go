package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackworks/steward/internal/config"
	stewarderrors "github.com/stackworks/steward/internal/errors"
)

// withConfigPath points the CLI at a throwaway config file.
func withConfigPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })
	return path
}

func TestInitCmd_NonInteractive(t *testing.T) {
	path := withConfigPath(t)

	cmd := newInitCmd()
	cmd.SetArgs([]string{
		"--non-interactive",
		"--board", "mock",
		"--board-id", "demo",
		"--review", "mock",
		"--developer", "mock",
		"--workspace-dir", t.TempDir(),
	})
	require.NoError(t, cmd.Execute())

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.Board.Provider)
	assert.Equal(t, "demo", cfg.Board.BoardID)
	assert.Equal(t, "mock", cfg.Review.Provider)
	assert.Equal(t, "mock", cfg.Developer.Kind)
}

func TestInitCmd_RefusesOverwrite(t *testing.T) {
	path := withConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	cmd := newInitCmd()
	cmd.SetArgs([]string{"--non-interactive", "--board", "mock", "--board-id", "x"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	cmd = newInitCmd()
	cmd.SetArgs([]string{
		"--non-interactive", "--force",
		"--board", "mock", "--board-id", "x",
		"--review", "mock", "--developer", "mock",
	})
	require.NoError(t, cmd.Execute())
}

func TestInitCmd_RejectsBadProvider(t *testing.T) {
	withConfigPath(t)

	cmd := newInitCmd()
	cmd.SetArgs([]string{"--non-interactive", "--board", "trello", "--board-id", "x"})
	require.Error(t, cmd.Execute())
}

func TestCredentials_RoundTrip(t *testing.T) {
	withConfigPath(t)

	require.NoError(t, saveCredential("GITHUB_TOKEN", "ghp_test"))
	require.NoError(t, saveCredential("GITLAB_TOKEN", "glpat_test"))

	creds, err := loadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "ghp_test", creds["GITHUB_TOKEN"])
	assert.Equal(t, "glpat_test", creds["GITLAB_TOKEN"])

	info, err := os.Stat(credentialsPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestExportCredentials_EnvWins(t *testing.T) {
	withConfigPath(t)

	require.NoError(t, saveCredential("GITHUB_TOKEN", "stored"))
	t.Setenv("GITHUB_TOKEN", "from-env")

	require.NoError(t, exportCredentials())
	assert.Equal(t, "from-env", os.Getenv("GITHUB_TOKEN"))
}

func TestExportCredentials_BackfillsUnset(t *testing.T) {
	withConfigPath(t)

	require.NoError(t, saveCredential("GITLAB_TOKEN", "stored"))
	t.Setenv("GITLAB_TOKEN", "")
	require.NoError(t, os.Unsetenv("GITLAB_TOKEN"))

	require.NoError(t, exportCredentials())
	assert.Equal(t, "stored", os.Getenv("GITLAB_TOKEN"))
}

func TestDefaultTokenEnvVar(t *testing.T) {
	assert.Equal(t, "GITHUB_TOKEN", defaultTokenEnvVar("github"))
	assert.Equal(t, "GITLAB_TOKEN", defaultTokenEnvVar("gitlab"))
	assert.Equal(t, "JIRA_API_TOKEN", defaultTokenEnvVar("jira"))
	assert.Empty(t, defaultTokenEnvVar("mock"))
}

func TestApplyEnvOverrides(t *testing.T) {
	defer viper.Reset()
	viper.Set("board.board_id", "acme/widgets")
	viper.Set("pool.max_workers", 7)
	viper.Set("planner.poll_interval", "45s")

	cfg := config.Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "acme/widgets", cfg.Board.BoardID)
	assert.Equal(t, 7, cfg.Pool.MaxWorkers)
	assert.Equal(t, "45s", cfg.Planner.PollInterval.Std().String())
}

func TestRequireConfig_Missing(t *testing.T) {
	withConfigPath(t)

	_, err := requireConfig()
	require.Error(t, err)
	se := stewarderrors.AsStewardError(err)
	require.NotNil(t, se)
	assert.Equal(t, stewarderrors.CodeNotInitialized, se.Code)
}
