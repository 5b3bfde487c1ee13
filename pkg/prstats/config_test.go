package prstats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 50, cfg.SafetyMargin)
	assert.Equal(t, uint(6), cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 2*time.Minute, cfg.BackoffCap)
	assert.False(t, cfg.Force)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
token: file-token
concurrency: 4
rate_limit_safety_margin: 100
backoff_base: 500ms
filters:
  author: alice
  branch: main
  labels:
    - feature
    - urgent
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.Token)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 100, cfg.SafetyMargin)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, "alice", cfg.Filters.Author)
	assert.Equal(t, "main", cfg.Filters.Branch)
	assert.Equal(t, []string{"feature", "urgent"}, cfg.Filters.Labels)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: file-token\n"), 0o600))

	t.Setenv("GITHUB_TOKEN", "env-token")
	t.Setenv("PRSTATS_CONCURRENCY", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, uint(6), cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 2*time.Minute, cfg.BackoffCap)

	// Explicit values are preserved.
	custom := Config{Concurrency: 3, MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: time.Second}
	custom.applyDefaults()
	assert.Equal(t, 3, custom.Concurrency)
	assert.Equal(t, uint(1), custom.MaxRetries)
}
