package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, defaultQuiescenceInterval, cfg.Sync.QuiescenceInterval)
}

func TestLoadParsesWorkspaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diaryx.toml")

	body := `
[sync]
quiescence_interval = "5m"

[workspace.journal]
root = "/home/user/journal"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "5m", cfg.Sync.QuiescenceInterval)

	ws, ok := cfg.Workspaces["journal"]
	require.True(t, ok, "workspace 'journal' not found")
	assert.Equal(t, "/home/user/journal", ws.Root)
}

func TestResolveWorkspaceAppliesCLIOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diaryx.toml")

	body := `
[workspace.journal]
root = "/home/user/journal"
paused = false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	paused := true
	rw, err := ResolveWorkspace("journal", EnvOverrides{}, CLIOverrides{ConfigPath: path, Paused: &paused}, discardLogger())
	require.NoError(t, err)

	assert.True(t, rw.Paused, "expected CLI override to set Paused=true")
	assert.Equal(t, defaultCompactKeepRecent, rw.CompactKeepRecent)
}

func TestResolveWorkspaceUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diaryx.toml")

	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	_, err := ResolveWorkspace("nope", EnvOverrides{}, CLIOverrides{ConfigPath: path}, discardLogger())
	assert.Error(t, err, "expected error for unknown workspace")
}

func TestResolveWorkspaceAppliesBacklogAndBandwidthDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diaryx.toml")

	body := `
[workspace.journal]
root = "/home/user/journal"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	rw, err := ResolveWorkspace("journal", EnvOverrides{}, CLIOverrides{ConfigPath: path}, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, defaultBacklogThreshold, rw.BacklogThreshold)
	assert.Equal(t, defaultBandwidthLimit, rw.BandwidthLimit)
}
