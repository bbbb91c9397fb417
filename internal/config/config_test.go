package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, DefaultMainBranch, cfg.MainBranch())
	require.True(t, cfg.RequireRemote())
	require.True(t, cfg.PushRetryEnabled())
	require.True(t, cfg.PushRetryJitter())
	min, max := cfg.PushRetryDelays()
	require.Equal(t, DefaultMinDelayMs, int(min.Milliseconds()))
	require.Equal(t, DefaultMaxDelayMs, int(max.Milliseconds()))
}

func TestLoadAppliesDefaultsOverPartialConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
software_delivery:
  git:
    mainBranch: trunk
lanes:
  definitions:
    - name: backend
      globs: ["backend/**"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "trunk", cfg.MainBranch())
	require.Equal(t, DefaultRetries, cfg.SoftwareDelivery.Git.PushRetry.Retries)
	lane, ok := cfg.LaneByName("backend")
	require.True(t, ok)
	require.Equal(t, DefaultWIPLimit, lane.WIPLimit)
}

func TestLoadRejectsDuplicateLaneNames(t *testing.T) {
	dir := t.TempDir()
	yaml := `
lanes:
  definitions:
    - name: backend
      globs: ["a/**"]
    - name: backend
      globs: ["b/**"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsInvertedPushRetryDelays(t *testing.T) {
	dir := t.TempDir()
	yaml := `
software_delivery:
  git:
    push_retry:
      min_delay_ms: 500
      max_delay_ms: 100
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestRequireRemoteCanBeDisabled(t *testing.T) {
	dir := t.TempDir()
	yaml := `
software_delivery:
  git:
    requireRemote: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.False(t, cfg.RequireRemote())
}
