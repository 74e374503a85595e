package health

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestRecordFailureRecommendsRebuildAtThreshold(t *testing.T) {
	tr := NewTracker(3, testLogger())

	require.False(t, tr.RecordFailure(errors.New("boom")), "expected no rebuild recommendation after 1st failure")
	require.False(t, tr.RecordFailure(errors.New("boom")), "expected no rebuild recommendation after 2nd failure")
	require.True(t, tr.RecordFailure(errors.New("boom")), "expected rebuild recommendation at 3rd consecutive failure")

	assert.Equal(t, 3, tr.Consecutive())
}

func TestRecordSuccessClearsCounter(t *testing.T) {
	tr := NewTracker(3, testLogger())

	tr.RecordFailure(errors.New("boom"))
	tr.RecordFailure(errors.New("boom"))
	tr.RecordSuccess()

	assert.Equal(t, 0, tr.Consecutive())
	assert.Empty(t, tr.LastError())
}
