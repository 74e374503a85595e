package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Workspaces == nil {
		cfg.Workspaces = make(map[string]Workspace)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	logger.Debug("config file parsed", "path", path, "workspace_count", len(cfg.Workspaces))

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// ResolveConfigPath determines the config file path using the three-layer
// priority: CLI flag > environment variable > platform default.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) string {
	path := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		path = env.ConfigPath
		source = "env"
	}

	if cli.ConfigPath != "" {
		path = cli.ConfigPath
		source = "cli"
	}

	logger.Debug("config path resolved", "path", path, "source", source)

	return path
}

// ResolveWorkspace loads configuration and applies the four-layer override
// chain (defaults -> config file -> environment -> CLI flags) for a single
// named workspace.
func ResolveWorkspace(name string, env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*ResolvedWorkspace, error) {
	path := ResolveConfigPath(env, cli, logger)

	cfg, err := LoadOrDefault(path, logger)
	if err != nil {
		return nil, fmt.Errorf("config: loading: %w", err)
	}

	selector := name
	if selector == "" {
		selector = cli.Workspace
	}

	if selector == "" {
		selector = env.Workspace
	}

	ws, ok := cfg.Workspaces[selector]
	if !ok {
		return nil, fmt.Errorf("config: unknown workspace %q", selector)
	}

	resolved, err := buildResolvedWorkspace(cfg, selector, &ws)
	if err != nil {
		return nil, err
	}

	if cli.Paused != nil {
		resolved.Paused = *cli.Paused
		logger.Debug("CLI override applied", "paused", resolved.Paused)
	}

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return resolved, nil
}

// buildResolvedWorkspace merges global defaults with per-workspace overrides
// and parses all duration strings.
func buildResolvedWorkspace(cfg *Config, name string, ws *Workspace) (*ResolvedWorkspace, error) {
	quiescence := coalesce(ws.QuiescenceInterval, cfg.Sync.QuiescenceInterval)
	staleness := coalesce(ws.MaxStaleness, cfg.Sync.MaxStaleness)

	keepRecent := cfg.Sync.CompactKeepRecent
	if ws.CompactKeepRecent != 0 {
		keepRecent = ws.CompactKeepRecent
	}

	durations, err := parseDurations(map[string]string{
		"quiescence_interval": quiescence,
		"max_staleness":       staleness,
		"reconnect_min":       cfg.Sync.ReconnectMin,
		"reconnect_max":       cfg.Sync.ReconnectMax,
		"handshake_timeout":   cfg.Sync.HandshakeTimeout,
		"ping_interval":       cfg.Sync.PingInterval,
		"ping_timeout":        cfg.Sync.PingTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &ResolvedWorkspace{
		Name:                   name,
		Root:                   ws.Root,
		ServerAddr:             ws.ServerAddr,
		Paused:                 ws.Paused,
		QuiescenceInterval:     durations["quiescence_interval"],
		MaxStaleness:           durations["max_staleness"],
		CompactKeepRecent:      keepRecent,
		ReconnectMin:           durations["reconnect_min"],
		ReconnectMax:           durations["reconnect_max"],
		ReconnectJitter:        cfg.Sync.ReconnectJitter,
		HandshakeTimeout:       durations["handshake_timeout"],
		PingInterval:           durations["ping_interval"],
		PingTimeout:            durations["ping_timeout"],
		HealthFailureThreshold: cfg.Sync.HealthFailureThreshold,
		BigDeleteThreshold:     cfg.Sync.BigDeleteThreshold,
		BigDeletePercentage:    cfg.Sync.BigDeletePercentage,
		BigDeleteMinItems:      cfg.Sync.BigDeleteMinItems,
		BacklogThreshold:       cfg.Sync.BacklogThreshold,
		BandwidthLimit:         cfg.Sync.BandwidthLimit,
		GitBranch:              cfg.Git.Branch,
		GitAuthorName:          cfg.Git.AuthorName,
		GitAuthorEmail:         cfg.Git.AuthorEmail,
		GitBinary:              cfg.Git.Binary,
	}, nil
}

func coalesce(override, fallback string) string {
	if override != "" {
		return override
	}

	return fallback
}

func parseDurations(in map[string]string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(in))

	for key, raw := range in {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s=%q: %w", key, raw, err)
		}

		out[key] = d
	}

	return out, nil
}
