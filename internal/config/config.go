// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the diaryx sync core.
package config

import "time"

// Config is the top-level configuration structure. Global sections apply to
// every workspace unless a per-workspace override is present.
type Config struct {
	Sync       SyncConfig           `toml:"sync"`
	Git        GitConfig            `toml:"git"`
	Network    NetworkConfig        `toml:"network"`
	Logging    LoggingConfig        `toml:"logging"`
	Workspaces map[string]Workspace `toml:"workspace"`
}

// SyncConfig controls quiescence detection, compaction, reconnection,
// keep-alive timing, and outbound backlog/bandwidth shaping.
type SyncConfig struct {
	QuiescenceInterval    string `toml:"quiescence_interval"`
	MaxStaleness          string `toml:"max_staleness"`
	CompactKeepRecent     int    `toml:"compact_keep_recent"`
	ReconnectMin          string `toml:"reconnect_min"`
	ReconnectMax          string `toml:"reconnect_max"`
	ReconnectJitter       float64 `toml:"reconnect_jitter"`
	HandshakeTimeout      string `toml:"handshake_timeout"`
	PingInterval          string `toml:"ping_interval"`
	PingTimeout           string `toml:"ping_timeout"`
	HealthFailureThreshold int   `toml:"health_failure_threshold"`

	BigDeleteThreshold  int `toml:"big_delete_threshold"`
	BigDeletePercentage int `toml:"big_delete_percentage"`
	BigDeleteMinItems   int `toml:"big_delete_min_items"`

	BacklogThreshold int    `toml:"backlog_threshold"`
	BandwidthLimit   string `toml:"bandwidth_limit"`
}

// GitConfig controls the compactor's commit identity and branch.
type GitConfig struct {
	Branch      string `toml:"branch"`
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
	Binary      string `toml:"binary"`
}

// NetworkConfig controls the sync transport.
type NetworkConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	ConnectTimeout string `toml:"connect_timeout"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Workspace is a single workspace's on-disk location and per-workspace
// overrides. The zero value of each override field means "inherit global".
type Workspace struct {
	Root                  string `toml:"root"`
	ServerAddr            string `toml:"server_addr"`
	Paused                bool   `toml:"paused"`
	QuiescenceInterval    string `toml:"quiescence_interval"`
	MaxStaleness          string `toml:"max_staleness"`
	CompactKeepRecent     int    `toml:"compact_keep_recent"`
}

// ResolvedWorkspace is the fully merged (defaults -> file -> env -> flags)
// configuration for a single workspace, with all durations parsed.
type ResolvedWorkspace struct {
	Name       string
	Root       string
	ServerAddr string
	Paused     bool

	QuiescenceInterval     time.Duration
	MaxStaleness           time.Duration
	CompactKeepRecent      int
	ReconnectMin           time.Duration
	ReconnectMax           time.Duration
	ReconnectJitter        float64
	HandshakeTimeout       time.Duration
	PingInterval           time.Duration
	PingTimeout            time.Duration
	HealthFailureThreshold int

	BigDeleteThreshold  int
	BigDeletePercentage int
	BigDeleteMinItems   int

	BacklogThreshold int
	BandwidthLimit   string

	GitBranch      string
	GitAuthorName  string
	GitAuthorEmail string
	GitBinary      string
}
