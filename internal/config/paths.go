package config

import (
	"os"
	"path/filepath"
)

// configFileName is the well-known config file name searched for in the
// platform config directory.
const configFileName = "diaryx.toml"

// DefaultConfigPath returns the platform-appropriate default config file
// path ($XDG_CONFIG_HOME/diaryx/diaryx.toml, falling back to os.UserConfigDir).
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "diaryx", configFileName)
}

// pidFileName is the well-known PID file name for the running daemon,
// searched for in the same platform config directory as the config file.
const pidFileName = "diaryxd.pid"

// PIDFilePath returns the platform-appropriate path for the daemon's PID
// file, used as a single-instance guard for `diaryxd serve`.
func PIDFilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "diaryx", pidFileName)
}

// StorePath returns the path to the durable update store database for a
// workspace rooted at root: <root>/.diaryx/crdt.db.
func StorePath(root string) string {
	return filepath.Join(root, ".diaryx", "crdt.db")
}

// GitDir returns the path to the workspace's git repository directory.
func GitDir(root string) string {
	return filepath.Join(root, ".git")
}

// DiaryxDir returns the path to the workspace's hidden state directory,
// creating it if absent.
func DiaryxDir(root string) (string, error) {
	dir := filepath.Join(root, ".diaryx")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	return dir, nil
}
