package materialize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderParseRoundTrip(t *testing.T) {
	fm := Frontmatter{
		Title:       "My Entry",
		Description: "a test entry",
		PartOf:      "parent.md",
		Contents:    []string{"child-a.md", "child-b.md"},
		Attachments: []string{"photo.png"},
		Audience:    []string{"friends", "family"},
		Updated:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Extra:       map[string]any{"mood": "good"},
	}

	content, err := Render(fm, "hello world")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(content), "---\n"), "content missing leading delimiter: %q", content)

	parsed, body, err := Parse(content)
	require.NoError(t, err)

	assert.Equal(t, "hello world", body)
	assert.Equal(t, fm.Title, parsed.Title)
	assert.Equal(t, fm.Description, parsed.Description)
	assert.Equal(t, fm.PartOf, parsed.PartOf)
	assert.Len(t, parsed.Contents, 2)
	assert.Len(t, parsed.Attachments, 1)
	assert.Len(t, parsed.Audience, 2)
	assert.True(t, parsed.Updated.Equal(fm.Updated), "Updated = %v, want %v", parsed.Updated, fm.Updated)
	assert.Equal(t, "good", parsed.Extra["mood"])
}

func TestParseNoFrontmatter(t *testing.T) {
	fm, body, err := Parse([]byte("just a body, no header"))
	require.NoError(t, err)

	assert.Equal(t, "just a body, no header", body)
	assert.Empty(t, fm.Title, "expected empty frontmatter")
}

func TestParseEpochMillisUpdated(t *testing.T) {
	content := []byte("---\nupdated: 1735689600000\n---\n\nbody")

	fm, _, err := Parse(content)
	require.NoError(t, err)

	want := time.UnixMilli(1735689600000).UTC()
	assert.True(t, fm.Updated.Equal(want), "Updated = %v, want %v", fm.Updated, want)
}

func TestParseUnclosedFrontmatterFails(t *testing.T) {
	_, _, err := Parse([]byte("---\ntitle: x\n"))
	assert.Error(t, err, "expected error for unclosed frontmatter block")
}
