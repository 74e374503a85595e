package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-sync/internal/materialize"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	gitDir := filepath.Join(dir, "repo.git")

	s := New(gitDir, "main", "diaryx", "diaryx@localhost", "git", nil)
	require.NoError(t, s.Init(context.Background()))

	return s
}

func TestCommitMaterializedCreatesCommitWithFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	files := []materialize.File{
		{Path: "a.md", Content: []byte("---\ntitle: A\n---\n\nbody a")},
		{Path: "folder/b.md", Content: []byte("---\ntitle: B\n---\n\nbody b")},
	}

	commit, err := s.CommitMaterialized(ctx, files, "device-a", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, commit, "expected non-empty commit SHA")

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, commit, head)

	entries, err := s.LsTree(ctx, commit)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byPath := make(map[string]TreeEntry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	bEntry, ok := byPath["folder/b.md"]
	require.True(t, ok, "folder/b.md missing from tree: %+v", entries)

	content, err := s.CatFile(ctx, bEntry.Blob)
	require.NoError(t, err)
	assert.Equal(t, "---\ntitle: B\n---\n\nbody b", string(content))
}

func TestCommitMaterializedChainsParents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CommitMaterialized(ctx, []materialize.File{{Path: "a.md", Content: []byte("one")}}, "device-a", time.Unix(0, 0))
	require.NoError(t, err)

	second, err := s.CommitMaterialized(ctx, []materialize.File{{Path: "a.md", Content: []byte("two")}}, "device-a", time.Unix(1, 0))
	require.NoError(t, err)

	out, err := s.run(ctx, runOpts{}, "rev-parse", second+"^")
	require.NoError(t, err)
	assert.Equal(t, first, out, "second commit's parent")
}

func TestCommitMessageFormat(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	msg := CommitMessage(ts, "laptop", 3)
	assert.Equal(t, "2026-03-04T05:06:07Z [laptop] 3 files changed", msg)
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gitDir := filepath.Join(dir, "repo.git")

	s := New(gitDir, "main", "diaryx", "diaryx@localhost", "git", nil)

	require.NoError(t, s.Init(ctx), "first Init")
	require.NoError(t, s.Init(ctx), "second Init")

	_, err := os.Stat(gitDir)
	require.NoError(t, err, "gitDir missing")
}
