package compactor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/gitstore"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/materialize"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type harness struct {
	st     store.Store
	ws     *workspace.Workspace
	bodies *bodycrdt.Manager
	git    *gitstore.Store
	c      *Compactor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws, err := workspace.NewWorkspace(ctx, st, "device-a", testLogger())
	require.NoError(t, err)

	bodies := bodycrdt.NewManager(st, "device-a", 10, testLogger())

	gitDir := filepath.Join(t.TempDir(), "repo.git")
	git := gitstore.New(gitDir, "main", "diaryx", "diaryx@localhost", "git", testLogger())

	require.NoError(t, git.Init(ctx))

	cfg := Config{
		QuiescenceInterval: time.Minute,
		MaxStaleness:       time.Hour,
		CompactKeepRecent:  5,
		HealthThreshold:    2,
		DeviceName:         "device-a",
		Thresholds:         materialize.Thresholds{BigDeleteMinItems: 1000, BigDeleteThreshold: 1000, BigDeletePercentage: 100},
	}

	c := New(ws, bodies, st, git, cfg, testLogger())

	return &harness{st: st, ws: ws, bodies: bodies, git: git, c: c}
}

func (h *harness) createWithBody(t *testing.T, ctx context.Context, parent ids.DocID, name, body string) ids.DocID {
	t.Helper()

	doc, err := h.ws.CreateFile(ctx, parent, name)
	require.NoError(t, err, "CreateFile %s", name)

	if body != "" {
		_, release, err := h.bodies.GetOrCreate(ctx, doc)
		require.NoError(t, err)

		_, err = h.bodies.InsertText(ctx, doc, body, bodycrdt.ElementID{})
		require.NoError(t, err)

		release()
	}

	return doc
}

func TestCommitProducesGitCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.createWithBody(t, ctx, ids.Nil, "a.md", "body a")

	require.NoError(t, h.c.Commit(ctx))

	head, err := h.git.Head(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, head, "expected a commit to exist after Commit")

	entries, err := h.git.LsTree(ctx, head)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.md", entries[0].Path)
}

func TestEligibleRequiresQuiescenceAndDirty(t *testing.T) {
	h := newHarness(t)

	fakeNow := time.Unix(1000, 0)
	h.c.now = func() time.Time { return fakeNow }
	h.c.lastChange = fakeNow

	assert.False(t, h.c.eligible(), "clean workspace should not be eligible")

	h.c.Touch()

	assert.False(t, h.c.eligible(), "should not be eligible before quiescence interval elapses")

	fakeNow = fakeNow.Add(2 * time.Minute)
	h.c.now = func() time.Time { return fakeNow }

	assert.True(t, h.c.eligible(), "expected eligible once quiescence interval has elapsed with no clients connected")
}

func TestEligibleWaitsForMaxStalenessWhenClientsConnected(t *testing.T) {
	h := newHarness(t)

	fakeNow := time.Unix(1000, 0)
	h.c.now = func() time.Time { return fakeNow }
	h.c.lastCommit = fakeNow
	h.c.SetConnectedClients(1)
	h.c.Touch()

	fakeNow = fakeNow.Add(2 * time.Minute)
	h.c.now = func() time.Time { return fakeNow }

	assert.False(t, h.c.eligible(), "should not be eligible before max staleness reached while clients remain connected")

	fakeNow = fakeNow.Add(2 * time.Hour)
	h.c.now = func() time.Time { return fakeNow }

	assert.True(t, h.c.eligible(), "expected eligible once max staleness ceiling reached")
}

func TestRebuildRecreatesWorkspaceFromCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	parent := h.createWithBody(t, ctx, ids.Nil, "parent.md", "parent body")
	h.createWithBody(t, ctx, parent, "child.md", "child body")

	require.NoError(t, h.c.Commit(ctx))
	require.NoError(t, h.c.Rebuild(ctx, ""))

	active, err := h.st.QueryActiveFiles(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	childDoc, ok := h.ws.FindByPath("parent.md/child.md")
	require.True(t, ok, "child.md not found at expected path after rebuild")

	body, err := h.bodies.ExtractBody(ctx, childDoc)
	require.NoError(t, err)
	assert.Equal(t, "child body", body)
}

func TestRebuildRefusedWithMultipleClientsConnected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.createWithBody(t, ctx, ids.Nil, "a.md", "body a")
	require.NoError(t, h.c.Commit(ctx))

	h.c.SetConnectedClients(2)

	err := h.c.Rebuild(ctx, "")
	assert.ErrorIs(t, err, ErrRebuildWhileConnected)
}

func TestRebuildAllowedWithAtMostOneClientConnected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.createWithBody(t, ctx, ids.Nil, "a.md", "body a")
	require.NoError(t, h.c.Commit(ctx))

	h.c.SetConnectedClients(1)

	assert.NoError(t, h.c.Rebuild(ctx, ""))
}
