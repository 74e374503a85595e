package bodycrdt

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()

	st, err := store.NewStore(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	return NewManager(st, "device-a", 10, testLogger()), st
}

func TestGetOrCreateInsertAndExtractBody(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	rga, release, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)
	assert.Empty(t, rga.Value(), "expected empty initial body")

	_, err = m.InsertText(ctx, doc, "hello", rootID)
	require.NoError(t, err)

	release()

	text, err := m.ExtractBody(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestReleaseSnapshotsAndReloadPreservesState(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	_, _, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)

	_, err = m.InsertText(ctx, doc, "abc", rootID)
	require.NoError(t, err)

	m.release(doc)

	rga, release, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "abc", rga.Value(), "reloaded value")
}

func TestRefCountingSharesSingleSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	rgaOne, releaseOne, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)

	rgaTwo, releaseTwo, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)

	assert.Same(t, rgaOne, rgaTwo, "expected concurrent checkouts to share the same in-memory RGA")

	releaseOne()

	_, ok := m.sessions[doc]
	assert.True(t, ok, "session evicted while still referenced by a second checkout")

	releaseTwo()

	_, ok = m.sessions[doc]
	assert.False(t, ok, "session not evicted after last release")
}

func TestInsertWithoutCheckoutFails(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	_, err := m.InsertText(ctx, doc, "x", rootID)
	assert.ErrorIs(t, err, ErrNotCheckedOut)
}

func TestApplyRemoteWhileCheckedOutNotifiesObserver(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	_, _, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)

	var observed string

	require.NoError(t, m.RegisterObserver(doc, func(text string) { observed = text }))

	err = m.RegisterObserver(doc, func(string) {})
	assert.ErrorIs(t, err, ErrObserverAlreadyRegistered)

	remote := Op{Type: OpInsert, ID: ElementID{Timestamp: 1, DeviceID: "device-b"}, ParentID: rootID, Value: 'z'}

	require.NoError(t, m.ApplyRemote(ctx, doc, []Op{remote}))
	assert.Equal(t, "z", observed)
}

func TestApplyRemoteWhileNotCheckedOutPersistsForLaterReplay(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	// Ensure the document (and its durable row) exists at all, without
	// keeping it checked out.
	_, _, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)
	m.release(doc)

	remote := Op{Type: OpInsert, ID: ElementID{Timestamp: 1, DeviceID: "device-b"}, ParentID: rootID, Value: 'q'}

	require.NoError(t, m.ApplyRemote(ctx, doc, []Op{remote}))

	text, err := m.ExtractBody(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "q", text)
}

func TestEncodeSyncStep1And2(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := ids.New()

	_, _, err := m.GetOrCreate(ctx, doc)
	require.NoError(t, err)

	_, err = m.InsertText(ctx, doc, "ab", rootID)
	require.NoError(t, err)

	cursor, err := m.EncodeSyncStep1(ctx, doc)
	require.NoError(t, err)
	assert.NotZero(t, cursor, "expected non-zero cursor after inserts")

	ops, err := m.EncodeSyncStep2(ctx, doc, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}
