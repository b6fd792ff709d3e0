package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)

	require.Equal(t, "primary", cfg.BackendVariant)
	require.Equal(t, 1, cfg.MaxConcurrentWorkflows)
	require.Equal(t, 3, cfg.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: github.example.com
token: s3cr3t
backend_variant: ghes317
boards:
  - https://github.example.com/orgs/acme/projects/1
allow_list:
  - acme/app
poll_interval: 1m
oauth_hosts:
  - host: tools.example.com
    token_url: https://tools.example.com/oauth/token
    client_id: kiln
    client_secret: hunter2
    scopes: [read, write]
`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	require.Equal(t, "github.example.com", cfg.Host)
	require.Equal(t, "ghes317", cfg.BackendVariant)
	require.Equal(t, []string{"https://github.example.com/orgs/acme/projects/1"}, cfg.Boards)
	require.Equal(t, time.Minute, cfg.PollInterval)

	oauthConfigs := cfg.OAuthConfigs()
	require.Contains(t, oauthConfigs, "tools.example.com")
	require.Equal(t, "kiln", oauthConfigs["tools.example.com"].ClientID)
	require.Equal(t, []string{"tools.example.com"}, cfg.OAuthHostNames())
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o600))

	t.Setenv("KILN_LOG_LEVEL", "debug")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
}
