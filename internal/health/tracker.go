// Package health tracks consecutive commit failures per workspace and
// recommends a CRDT rebuild once they cross a threshold.
package health

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker counts consecutive commit failures and recommends rebuild once
// the count reaches Threshold. A single successful commit clears it.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	logger    *slog.Logger
	nowFunc   func() time.Time

	consecutive int
	lastErr     string
	lastAt      time.Time
}

// NewTracker builds a Tracker. threshold is the consecutive-failure count
// at which RecordFailure starts reporting ShouldRebuild true.
func NewTracker(threshold int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		threshold: threshold,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// RecordFailure registers one failed commit attempt and reports whether
// the caller should now proceed to rebuild instead of retrying.
func (t *Tracker) RecordFailure(err error) (shouldRebuild bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive++
	t.lastErr = err.Error()
	t.lastAt = t.nowFunc()

	if t.consecutive == t.threshold {
		t.logger.Warn("commit failing repeatedly, rebuild recommended",
			slog.Int("consecutive_failures", t.consecutive),
			slog.String("last_error", t.lastErr),
		)
	} else {
		t.logger.Warn("commit attempt failed",
			slog.Int("consecutive_failures", t.consecutive),
			slog.String("error", t.lastErr),
		)
	}

	return t.consecutive >= t.threshold
}

// RecordSuccess clears the consecutive-failure counter.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive = 0
	t.lastErr = ""
}

// Consecutive returns the current consecutive-failure count, for status
// reporting (e.g. Compactor.HealthStatus).
func (t *Tracker) Consecutive() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.consecutive
}

// LastError returns the most recently recorded failure message, or "" if
// the tracker is currently healthy.
func (t *Tracker) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastErr
}
