package materialize

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type fixture struct {
	st     store.Store
	ws     *workspace.Workspace
	bodies *bodycrdt.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws, err := workspace.NewWorkspace(ctx, st, "device-a", testLogger())
	require.NoError(t, err)

	return &fixture{st: st, ws: ws, bodies: bodycrdt.NewManager(st, "device-a", 10, testLogger())}
}

func (f *fixture) createWithBody(t *testing.T, ctx context.Context, parent ids.DocID, name, body string) ids.DocID {
	t.Helper()

	doc, err := f.ws.CreateFile(ctx, parent, name)
	require.NoError(t, err, "CreateFile %s", name)

	if body != "" {
		_, release, err := f.bodies.GetOrCreate(ctx, doc)
		require.NoError(t, err)

		_, err = f.bodies.InsertText(ctx, doc, body, bodycrdt.ElementID{})
		require.NoError(t, err)

		release()
	}

	return doc
}

func TestMaterializeProducesExpectedFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	parent := f.createWithBody(t, ctx, ids.Nil, "parent.md", "parent body")
	f.createWithBody(t, ctx, parent, "child.md", "child body")

	require.NoError(t, f.ws.SetAttribute(ctx, parent, "title", crdtval.FromText("Parent Entry")))

	files, err := Materialize(ctx, f.ws, f.bodies)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var parentFile *File

	for i := range files {
		if files[i].Path == "parent.md" {
			parentFile = &files[i]
		}
	}

	require.NotNil(t, parentFile, "parent.md not materialized")
	assert.Contains(t, string(parentFile.Content), "parent body")

	fm, body, err := Parse(parentFile.Content)
	require.NoError(t, err)

	assert.Equal(t, "Parent Entry", fm.Title)
	require.Len(t, fm.Contents, 1)
	assert.Equal(t, "parent.md/child.md", fm.Contents[0])
	assert.Equal(t, "parent body", body)
}

func TestValidatePassesForConsistentWorkspace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.createWithBody(t, ctx, ids.Nil, "a.md", "body a")

	files, err := Materialize(ctx, f.ws, f.bodies)
	require.NoError(t, err)

	th := Thresholds{BigDeleteMinItems: 10, BigDeleteThreshold: 5, BigDeletePercentage: 50}

	assert.NoError(t, Validate(ctx, f.ws, f.st, files, 1, th))
}

func TestValidateCatchesEmptyBody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.createWithBody(t, ctx, ids.Nil, "empty.md", "")

	files, err := Materialize(ctx, f.ws, f.bodies)
	require.NoError(t, err)

	th := Thresholds{BigDeleteMinItems: 10, BigDeleteThreshold: 5, BigDeletePercentage: 50}

	assert.Error(t, Validate(ctx, f.ws, f.st, files, 0, th), "expected ErrEmptyBody")
}

func TestValidateAllowsExplicitlyEmptyBody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	doc := f.createWithBody(t, ctx, ids.Nil, "empty.md", "")

	require.NoError(t, f.ws.SetAttribute(ctx, doc, "allow_empty", crdtval.FromBool(true)))

	files, err := Materialize(ctx, f.ws, f.bodies)
	require.NoError(t, err)

	th := Thresholds{BigDeleteMinItems: 10, BigDeleteThreshold: 5, BigDeletePercentage: 50}

	assert.NoError(t, Validate(ctx, f.ws, f.st, files, 0, th))
}

func TestValidateBigDeleteThresholdBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.createWithBody(t, ctx, ids.Nil, "a.md", "a")

	files, err := Materialize(ctx, f.ws, f.bodies)
	require.NoError(t, err)

	th := Thresholds{BigDeleteMinItems: 1, BigDeleteThreshold: 0, BigDeletePercentage: 0}

	// previousActive=20, nowActive=1: a near-total wipe should be blocked.
	assert.Error(t, Validate(ctx, f.ws, f.st, files, 20, th), "expected ErrBigDelete")
}
