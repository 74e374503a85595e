package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain (defaults -> file -> env -> flags).
const (
	defaultQuiescenceInterval     = "20m"
	defaultMaxStaleness           = "24h"
	defaultCompactKeepRecent      = 50
	defaultReconnectMin           = "1s"
	defaultReconnectMax           = "60s"
	defaultReconnectJitter        = 0.2
	defaultHandshakeTimeout       = "30s"
	defaultPingInterval           = "20s"
	defaultPingTimeout            = "10s"
	defaultHealthFailureThreshold = 3

	defaultBigDeleteThreshold  = 1000
	defaultBigDeletePercentage = 50
	defaultBigDeleteMinItems   = 10

	defaultBacklogThreshold = 500
	defaultBandwidthLimit   = "0"

	defaultGitBranch      = "main"
	defaultGitAuthorName  = "diaryx-sync"
	defaultGitAuthorEmail = "sync@diaryx.local"
	defaultGitBinary      = "git"

	defaultListenAddr     = "127.0.0.1:8420"
	defaultConnectTimeout = "10s"

	defaultLogLevel  = "info"
	defaultLogFormat = "auto"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync:       defaultSyncConfig(),
		Git:        defaultGitConfig(),
		Network:    defaultNetworkConfig(),
		Logging:    defaultLoggingConfig(),
		Workspaces: make(map[string]Workspace),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		QuiescenceInterval:     defaultQuiescenceInterval,
		MaxStaleness:           defaultMaxStaleness,
		CompactKeepRecent:      defaultCompactKeepRecent,
		ReconnectMin:           defaultReconnectMin,
		ReconnectMax:           defaultReconnectMax,
		ReconnectJitter:        defaultReconnectJitter,
		HandshakeTimeout:       defaultHandshakeTimeout,
		PingInterval:           defaultPingInterval,
		PingTimeout:            defaultPingTimeout,
		HealthFailureThreshold: defaultHealthFailureThreshold,
		BigDeleteThreshold:     defaultBigDeleteThreshold,
		BigDeletePercentage:    defaultBigDeletePercentage,
		BigDeleteMinItems:      defaultBigDeleteMinItems,
		BacklogThreshold:       defaultBacklogThreshold,
		BandwidthLimit:         defaultBandwidthLimit,
	}
}

func defaultGitConfig() GitConfig {
	return GitConfig{
		Branch:      defaultGitBranch,
		AuthorName:  defaultGitAuthorName,
		AuthorEmail: defaultGitAuthorEmail,
		Binary:      defaultGitBinary,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ListenAddr:     defaultListenAddr,
		ConnectTimeout: defaultConnectTimeout,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  defaultLogLevel,
		Format: defaultLogFormat,
	}
}
