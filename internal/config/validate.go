package config

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel validation errors, matched with errors.Is at call sites.
var (
	ErrMissingRoot           = errors.New("config: workspace root is required")
	ErrInvalidCompactKeep    = errors.New("config: compact_keep_recent must be positive")
	ErrInvalidHealthThreshold = errors.New("config: health_failure_threshold must be positive")
	ErrInvalidJitter         = errors.New("config: reconnect_jitter must be in [0, 1]")
	ErrInvalidBacklog        = errors.New("config: backlog_threshold must be positive")
)

// Validate checks a freshly-decoded Config for structurally invalid values
// that TOML decoding itself would not catch (duration syntax, ranges).
func Validate(cfg *Config) error {
	if _, err := time.ParseDuration(cfg.Sync.QuiescenceInterval); err != nil {
		return fmt.Errorf("sync.quiescence_interval: %w", err)
	}

	if _, err := time.ParseDuration(cfg.Sync.MaxStaleness); err != nil {
		return fmt.Errorf("sync.max_staleness: %w", err)
	}

	if cfg.Sync.CompactKeepRecent <= 0 {
		return ErrInvalidCompactKeep
	}

	if cfg.Sync.HealthFailureThreshold <= 0 {
		return ErrInvalidHealthThreshold
	}

	if cfg.Sync.ReconnectJitter < 0 || cfg.Sync.ReconnectJitter > 1 {
		return ErrInvalidJitter
	}

	if cfg.Sync.BacklogThreshold <= 0 {
		return ErrInvalidBacklog
	}

	if _, err := ParseBandwidthRate(cfg.Sync.BandwidthLimit); err != nil {
		return fmt.Errorf("sync.bandwidth_limit: %w", err)
	}

	for name, ws := range cfg.Workspaces {
		if ws.Root == "" {
			return fmt.Errorf("workspace %q: %w", name, ErrMissingRoot)
		}
	}

	return nil
}

// ValidateResolved checks a fully-merged ResolvedWorkspace.
func ValidateResolved(rw *ResolvedWorkspace) error {
	if rw.Root == "" {
		return ErrMissingRoot
	}

	if rw.CompactKeepRecent <= 0 {
		return ErrInvalidCompactKeep
	}

	if rw.HealthFailureThreshold <= 0 {
		return ErrInvalidHealthThreshold
	}

	if rw.ReconnectMin > rw.ReconnectMax {
		return fmt.Errorf("config: reconnect_min (%s) exceeds reconnect_max (%s)", rw.ReconnectMin, rw.ReconnectMax)
	}

	if rw.BacklogThreshold <= 0 {
		return ErrInvalidBacklog
	}

	if _, err := ParseBandwidthRate(rw.BandwidthLimit); err != nil {
		return fmt.Errorf("config: bandwidth_limit: %w", err)
	}

	return nil
}
