package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProviders(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".drover"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ".drover", ProvidersFileName), []byte(content), 0644))
}

func TestLoadProvidersMissingFileUsesDefault(t *testing.T) {
	cfg, err := LoadProviders(t.TempDir())
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "claude", cfg.Providers[0].Name)
	assert.False(t, cfg.Failover.Enabled)
}

func TestLoadProvidersSortsByPriority(t *testing.T) {
	dir := t.TempDir()
	writeProviders(t, dir, `
providers:
  - name: gemini
    enabled: true
    priority: 3
    command: gemini
  - name: claude
    enabled: true
    priority: 1
  - name: codex
    enabled: false
    priority: 2
    command: codex
failover:
  enabled: true
  max_retries: 2
  cooldown_seconds: 60
`)

	cfg, err := LoadProviders(dir)
	require.NoError(t, err)

	names := []string{cfg.Providers[0].Name, cfg.Providers[1].Name, cfg.Providers[2].Name}
	assert.Equal(t, []string{"claude", "codex", "gemini"}, names)

	enabled := cfg.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "claude", enabled[0].Name)
	assert.Equal(t, "gemini", enabled[1].Name)

	assert.True(t, cfg.Failover.Enabled)
	assert.Equal(t, 2, cfg.Failover.MaxRetries)
	assert.Equal(t, 60, cfg.Failover.CooldownSeconds)
	// Unset timeout falls back to the default.
	assert.Equal(t, 300, cfg.Failover.TimeoutSeconds)
}

func TestLoadProvidersRejectsEmptyList(t *testing.T) {
	dir := t.TempDir()
	writeProviders(t, dir, "providers: []\n")

	_, err := LoadProviders(dir)
	assert.Error(t, err)
}

func TestLoadProvidersRejectsUnnamedEntry(t *testing.T) {
	dir := t.TempDir()
	writeProviders(t, dir, "providers:\n  - enabled: true\n    priority: 1\n")

	_, err := LoadProviders(dir)
	assert.Error(t, err)
}
