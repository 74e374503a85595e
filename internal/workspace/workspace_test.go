package workspace

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestWorkspace(t *testing.T, device string) *Workspace {
	t.Helper()

	ctx := context.Background()

	st, err := store.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	w, err := NewWorkspace(ctx, st, device, testLogger())
	require.NoError(t, err)

	return w
}

func TestCreateRenameAndPath(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t, "device-a")

	folder, err := w.CreateFile(ctx, ids.Nil, "notes")
	require.NoError(t, err)

	child, err := w.CreateFile(ctx, folder, "todo.md")
	require.NoError(t, err)

	path, err := w.GetPath(child)
	require.NoError(t, err)
	assert.Equal(t, "notes/todo.md", path)

	found, ok := w.FindByPath("notes/todo.md")
	require.True(t, ok)
	assert.Equal(t, child, found)

	require.NoError(t, w.Rename(ctx, child, "done.md"))

	path, err = w.GetPath(child)
	require.NoError(t, err)
	assert.Equal(t, "notes/done.md", path)
}

func TestRenameCollisionRejected(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t, "device-a")

	_, err := w.CreateFile(ctx, ids.Nil, "a.md")
	require.NoError(t, err)

	b, err := w.CreateFile(ctx, ids.Nil, "b.md")
	require.NoError(t, err)

	assert.ErrorIs(t, w.Rename(ctx, b, "a.md"), ErrNameCollision)
}

func TestMoveCycleRejected(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t, "device-a")

	parent, err := w.CreateFile(ctx, ids.Nil, "parent")
	require.NoError(t, err)

	child, err := w.CreateFile(ctx, parent, "child")
	require.NoError(t, err)

	assert.ErrorIs(t, w.Move(ctx, parent, child), ErrCycleWouldForm)
}

func TestConcurrentMoveConvergesOnDeviceTieBreak(t *testing.T) {
	ctx := context.Background()

	// Two independently-evolved replicas starting from the same local
	// history, each then observing the other's concurrent Move.
	base := newTestWorkspace(t, "device-a")

	doc, err := base.CreateFile(ctx, ids.Nil, "entry.md")
	require.NoError(t, err)

	parentA, err := base.CreateFile(ctx, ids.Nil, "folder-a")
	require.NoError(t, err)

	parentB, err := base.CreateFile(ctx, ids.Nil, "folder-b")
	require.NoError(t, err)

	seed, err := base.EncodeSyncStep2(ctx, 0)
	require.NoError(t, err)

	replicaOne := newTestWorkspace(t, "device-x")
	replicaTwo := newTestWorkspace(t, "device-y")

	require.NoError(t, replicaOne.ApplyRemote(ctx, seed), "seeding replicaOne")
	require.NoError(t, replicaTwo.ApplyRemote(ctx, seed), "seeding replicaTwo")

	// Both moves share one timestamp, later than the creates, so only the
	// device tie-break can decide between them.
	ts := nowUnixNano()
	opLow := Op{Type: OpMove, DocID: doc, Parent: parentA, Timestamp: ts, DeviceID: "device-a"}
	opHigh := Op{Type: OpMove, DocID: doc, Parent: parentB, Timestamp: ts, DeviceID: "device-b"}

	// Apply in opposite orders on the two replicas.
	require.NoError(t, replicaOne.ApplyRemote(ctx, []Op{opLow, opHigh}))
	require.NoError(t, replicaTwo.ApplyRemote(ctx, []Op{opHigh, opLow}))

	pathOne, err := replicaOne.GetPath(doc)
	require.NoError(t, err)

	pathTwo, err := replicaTwo.GetPath(doc)
	require.NoError(t, err)

	assert.Equal(t, pathTwo, pathOne, "replicas diverged")
	assert.Equal(t, "folder-b/entry.md", pathOne, "expected device-b's move to win the tie")
}

func TestReconcileRepairsOneSidedChildLink(t *testing.T) {
	w := newTestWorkspace(t, "device-a")

	parent := ids.New()
	child := ids.New()

	w.files[parent] = NewFileMetadata(parent)
	w.files[parent].Filename.Set("parent", 1, "device-a")

	w.files[child] = NewFileMetadata(child)
	w.files[child].Filename.Set("child", 1, "device-a")
	w.files[child].Parent.Set(parent, 1, "device-a")

	require.False(t, w.files[parent].Children.Present(child), "test setup: child link should not yet be present")

	w.Reconcile()

	assert.True(t, w.files[parent].Children.Present(child), "Reconcile did not repair the one-sided parent->child link")
}

func TestSetAttributeMergesArraysAsUnion(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t, "device-a")

	doc, err := w.CreateFile(ctx, ids.Nil, "entry.md")
	require.NoError(t, err)

	require.NoError(t, w.SetAttribute(ctx, doc, "audience", crdtval.FromStrings([]string{"friends"})))

	m, ok := w.Metadata(doc)
	require.True(t, ok, "metadata missing")

	// Simulate a concurrent remote write adding a different audience entry.
	remoteOp := Op{
		Type:      OpSetAttribute,
		DocID:     doc,
		Timestamp: nowUnixNano(),
		DeviceID:  "device-b",
		Key:       "audience",
	}

	val := crdtval.FromStrings([]string{"family"})
	raw, err := val.MarshalJSON()
	require.NoError(t, err)

	remoteOp.Value = raw

	require.NoError(t, w.ApplyRemote(ctx, []Op{remoteOp}))

	attr, ok := m.Attr("audience")
	require.True(t, ok, "expected audience attribute to be set")

	assert.Len(t, attr.Strings(), 2, "expected union of both writes")
}
