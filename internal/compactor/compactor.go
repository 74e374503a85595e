// Package compactor implements the quiescence trigger, commit flow, and
// self-healing rebuild, wiring together materialize, gitstore, and
// health: a single select-loop coordinator driving a lock-guarded unit of
// work, with failures isolated and logged rather than propagated as a
// crash.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/gitstore"
	"github.com/diaryx-org/diaryx-sync/internal/health"
	"github.com/diaryx-org/diaryx-sync/internal/materialize"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// ErrRebuildWhileConnected is returned by Rebuild when more than one
// sync client is currently connected to the workspace being rebuilt.
var ErrRebuildWhileConnected = errors.New("compactor: rebuild refused, more than one client connected")

// checkIntervalDivisor sets how often Run polls for quiescence
// eligibility: the configured quiescence interval divided by this value,
// so the trigger fires promptly without busy-waiting.
const checkIntervalDivisor = 4

// workspaceDocName mirrors the unexported constant of the same name in
// internal/workspace: the durable-store document name under which every
// workspace-structure op is appended.
const workspaceDocName = "__workspace__"

// Config bundles the timing and safety knobs that the compactor itself
// consumes.
type Config struct {
	QuiescenceInterval time.Duration
	MaxStaleness       time.Duration
	CompactKeepRecent  int
	HealthThreshold    int
	DeviceName         string
	Thresholds         materialize.Thresholds
}

// nowFunc is an injectable clock seam, used by tests to control timing
// without sleeping.
type nowFunc func() time.Time

// Compactor periodically materializes a workspace's CRDT state into a git
// commit and compacts the durable update log, recovering via rebuild when
// commits keep failing.
type Compactor struct {
	ws     *workspace.Workspace
	bodies *bodycrdt.Manager
	st     store.Store
	git    *gitstore.Store
	health *health.Tracker
	cfg    Config
	logger *slog.Logger
	now    nowFunc

	commitMu sync.Mutex

	mu               sync.Mutex
	dirty            bool
	lastChange       time.Time
	lastCommit       time.Time
	connectedClients int
}

// New builds a Compactor. git must already exist (gitstore.Store.Init
// having been called during workspace setup).
func New(ws *workspace.Workspace, bodies *bodycrdt.Manager, st store.Store, git *gitstore.Store, cfg Config, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()

	return &Compactor{
		ws:         ws,
		bodies:     bodies,
		st:         st,
		git:        git,
		health:     health.NewTracker(cfg.HealthThreshold, logger),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		lastChange: now,
		lastCommit: now,
	}
}

// Touch marks the workspace dirty, called by the sync server/client
// whenever a local or remote CRDT update is applied.
func (c *Compactor) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirty = true
	c.lastChange = c.now()
}

// SetConnectedClients updates the count of live sync connections for this
// workspace, used by the quiescence trigger's staleness ceiling.
func (c *Compactor) SetConnectedClients(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectedClients = n
}

// ConnectedClients reports the current live sync connection count, as last
// reported by SetConnectedClients.
func (c *Compactor) ConnectedClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectedClients
}

// HealthStatus reports the health tracker's consecutive-failure count and
// most recent error message, for status reporting.
func (c *Compactor) HealthStatus() (consecutive int, lastErr string) {
	return c.health.Consecutive(), c.health.LastError()
}

// Status reports the compactor's current dirty flag and last commit time,
// for status reporting.
func (c *Compactor) Status() (dirty bool, lastCommit time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dirty, c.lastCommit
}

func (c *Compactor) eligible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return false
	}

	if c.now().Sub(c.lastChange) < c.cfg.QuiescenceInterval {
		return false
	}

	if c.connectedClients == 0 {
		return true
	}

	return c.now().Sub(c.lastCommit) >= c.cfg.MaxStaleness
}

// Run drives the quiescence trigger loop until ctx is canceled.
func (c *Compactor) Run(ctx context.Context) error {
	interval := c.cfg.QuiescenceInterval / checkIntervalDivisor
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if !c.eligible() {
				continue
			}

			if err := c.Commit(ctx); err != nil {
				c.logger.Warn("compaction commit failed", "error", err)
			}
		}
	}
}

// Commit runs one materialize/validate/commit/compact pass. On a validation or git failure it records the failure
// in the health tracker and, once the threshold is crossed, triggers
// Rebuild automatically rather than leaving the workspace stuck.
func (c *Compactor) Commit(ctx context.Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	previousActive, err := c.st.QueryActiveFiles(ctx)
	if err != nil {
		return fmt.Errorf("compactor: querying active files: %w", err)
	}

	files, err := materialize.Materialize(ctx, c.ws, c.bodies)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("compactor: materializing: %w", err))
	}

	if err := materialize.Validate(ctx, c.ws, c.st, files, len(previousActive), c.cfg.Thresholds); err != nil {
		return c.fail(ctx, fmt.Errorf("compactor: validation failed: %w", err))
	}

	commit, err := c.git.CommitMaterialized(ctx, files, c.cfg.DeviceName, c.now())
	if err != nil {
		return c.fail(ctx, fmt.Errorf("compactor: git commit failed: %w", err))
	}

	if err := c.compactAll(ctx); err != nil {
		return c.fail(ctx, fmt.Errorf("compactor: compacting update log: %w", err))
	}

	c.health.RecordSuccess()

	c.mu.Lock()
	c.dirty = false
	c.lastCommit = c.now()
	c.mu.Unlock()

	c.logger.Info("compaction committed", "commit", commit, "files", len(files))

	return nil
}

// fail records a commit failure and, if the health tracker has crossed
// its threshold, kicks off a rebuild from the last good commit.
func (c *Compactor) fail(ctx context.Context, cause error) error {
	c.logger.Warn("compaction commit aborted", "error", cause)

	if c.health.RecordFailure(cause) {
		c.logger.Warn("rebuild threshold reached, rebuilding from last commit")

		if rebuildErr := c.Rebuild(ctx, ""); rebuildErr != nil {
			return fmt.Errorf("%w (rebuild also failed: %v)", cause, rebuildErr)
		}
	}

	return cause
}

// compactAll snapshots and truncates the update log for the workspace doc
// and every live body doc. Checking a body out and
// immediately releasing it forces the Manager's own snapshot-and-evict
// path (internal/bodycrdt/manager.go); a body another caller still holds
// open simply skips compaction until its own release.
func (c *Compactor) compactAll(ctx context.Context) error {
	for _, doc := range c.ws.Walk() {
		_, release, err := c.bodies.GetOrCreate(ctx, doc)
		if err != nil {
			return fmt.Errorf("compactor: checking out body %s: %w", doc, err)
		}

		release()
	}

	return c.st.Compact(ctx, workspaceDocName, c.cfg.CompactKeepRecent)
}
