package store

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/ids"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewStore(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestAppendUpdateMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64

	for i := 0; i < 5; i++ {
		id, err := s.AppendUpdate(ctx, "doc1", []byte("payload"), "local", "device-a", int64(i))
		require.NoError(t, err)
		require.Greater(t, id, last, "expected strictly increasing ids")

		last = id
	}

	latest, err := s.LatestUpdateID(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, last, latest)
}

func TestUpdatesSinceOrderedAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64

	for i := 0; i < 3; i++ {
		id, err := s.AppendUpdate(ctx, "doc1", []byte{byte(i)}, "local", "d", int64(i))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	recs, err := s.UpdatesSince(ctx, "doc1", ids[0])
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, ids[1], recs[0].ID)
	assert.Equal(t, ids[2], recs[1].ID)
}

func TestSnapshotLoadSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, err := s.LoadSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Nil(t, snap, "expected nil snapshot before any save")

	require.NoError(t, s.SaveSnapshot(ctx, "doc1", []byte("state-v1"), []byte("sv-v1")))

	snap, err = s.LoadSnapshot(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "state-v1", string(snap.State))

	// Overwrite must replace atomically, not duplicate.
	require.NoError(t, s.SaveSnapshot(ctx, "doc1", []byte("state-v2"), []byte("sv-v2")), "SaveSnapshot overwrite")

	snap, err = s.LoadSnapshot(ctx, "doc1")
	require.NoError(t, err, "LoadSnapshot after overwrite")
	assert.Equal(t, "state-v2", string(snap.State))
}

func TestCompactRetainsTailWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var idsWritten []int64

	for i := 0; i < 10; i++ {
		id, err := s.AppendUpdate(ctx, "doc1", []byte{byte(i)}, "local", "d", int64(i))
		require.NoError(t, err)

		idsWritten = append(idsWritten, id)
	}

	require.NoError(t, s.SaveSnapshot(ctx, "doc1", []byte("merged"), []byte("sv")))
	require.NoError(t, s.Compact(ctx, "doc1", 3))

	remaining, err := s.UpdatesSince(ctx, "doc1", -1)
	require.NoError(t, err)
	require.Len(t, remaining, 3)

	// The retained ids must be the most recent three.
	want := idsWritten[len(idsWritten)-3:]
	for i, rec := range remaining {
		assert.Equal(t, want[i], rec.ID, "index %d", i)
	}
}

func TestCompactNeverRemovesMoreThanKeepRecentAllows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.AppendUpdate(ctx, "doc1", []byte{byte(i)}, "local", "d", int64(i))
		require.NoError(t, err)
	}

	require.NoError(t, s.Compact(ctx, "doc1", 50))

	remaining, err := s.UpdatesSince(ctx, "doc1", -1)
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "expected no updates removed when below keepRecent")
}

func TestFileIndexUpsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID := ids.New()

	row := FileIndexRow{Path: "a.md", DocID: docID, Title: "A", ParentPath: "", Tombstoned: false, ModifiedAt: 1}
	require.NoError(t, s.UpdateFileIndex(ctx, row))

	active, err := s.QueryActiveFiles(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a.md", active[0].Path)
	assert.Equal(t, docID, active[0].DocID)

	row.Tombstoned = true
	require.NoError(t, s.UpdateFileIndex(ctx, row), "UpdateFileIndex tombstone")

	active, err = s.QueryActiveFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "expected tombstoned row excluded from active files")
}

func TestRenameDoc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, "old", []byte("s"), []byte("sv")))

	_, err := s.AppendUpdate(ctx, "old", []byte("p"), "local", "d", 0)
	require.NoError(t, err)

	require.NoError(t, s.RenameDoc(ctx, "old", "new"))

	snap, err := s.LoadSnapshot(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, snap, "expected snapshot under new name")

	recs, err := s.UpdatesSince(ctx, "new", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "expected 1 update under new name")
}
