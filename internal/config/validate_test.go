package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsBadJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.ReconnectJitter = 2.0

	assert.ErrorIs(t, Validate(cfg), ErrInvalidJitter)
}

func TestValidateRejectsMissingWorkspaceRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspaces["x"] = Workspace{}

	assert.Error(t, Validate(cfg), "expected error for missing root")
}

func TestValidateResolvedRejectsInvertedReconnectWindow(t *testing.T) {
	rw := &ResolvedWorkspace{
		Root:                   "/tmp/x",
		CompactKeepRecent:      50,
		HealthFailureThreshold: 3,
		ReconnectMin:           60,
		ReconnectMax:           1,
	}

	assert.Error(t, ValidateResolved(rw), "expected error for reconnect_min > reconnect_max")
}

func TestValidateRejectsNonPositiveBacklogThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.BacklogThreshold = 0

	assert.ErrorIs(t, Validate(cfg), ErrInvalidBacklog)
}

func TestValidateRejectsMalformedBandwidthLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.BandwidthLimit = "not-a-size"

	assert.Error(t, Validate(cfg), "expected error for malformed bandwidth_limit")
}
