package materialize

import (
	"context"
	"fmt"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// File is one materialized entry: its workspace path and the complete
// Markdown+frontmatter bytes a commit tree should contain at that path.
type File struct {
	Path    string
	Content []byte
}

// Materialize derives the full set of Files for a workspace's current
// CRDT state, a pure function over ws and bodies.
func Materialize(ctx context.Context, ws *workspace.Workspace, bodies *bodycrdt.Manager) ([]File, error) {
	docs := ws.Walk()
	files := make([]File, 0, len(docs))

	for _, doc := range docs {
		meta, ok := ws.Metadata(doc)
		if !ok {
			continue
		}

		path, err := ws.GetPath(doc)
		if err != nil {
			return nil, fmt.Errorf("materialize: resolving path for %s: %w", doc, err)
		}

		body, err := bodies.ExtractBody(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("materialize: extracting body for %s: %w", doc, err)
		}

		fm := frontmatterFromMetadata(meta, ws)

		content, err := Render(fm, body)
		if err != nil {
			return nil, fmt.Errorf("materialize: rendering %s: %w", path, err)
		}

		files = append(files, File{Path: path, Content: content})
	}

	return files, nil
}

func frontmatterFromMetadata(m *workspace.FileMetadata, ws *workspace.Workspace) Frontmatter {
	fm := Frontmatter{Extra: make(map[string]any)}

	fm.Title = m.Title()

	if v, ok := m.Attr("description"); ok {
		fm.Description = v.Text
	}

	if !m.Parent.Value.IsNil() {
		if parentPath, err := ws.GetPath(m.Parent.Value); err == nil {
			fm.PartOf = parentPath
		}
	}

	for _, child := range m.Children.Members() {
		if p, err := ws.GetPath(child); err == nil {
			fm.Contents = append(fm.Contents, p)
		}
	}

	fm.Attachments = m.Attachments.Members()

	if v, ok := m.Attr("audience"); ok {
		fm.Audience = v.Strings()
	}

	if ts := m.LastModified(); ts > 0 {
		fm.Updated = unixNanoToTime(ts)
	}

	for key, v := range m.Attrs {
		if key == "title" || key == "description" || key == "audience" {
			continue
		}

		fm.Extra[key] = valueToAny(v.Value)
	}

	return fm
}

func valueToAny(v crdtval.Value) any {
	switch v.Kind {
	case crdtval.KindNull:
		return nil
	case crdtval.KindBool:
		return v.Bool
	case crdtval.KindNumber:
		return v.Number
	case crdtval.KindText:
		return v.Text
	case crdtval.KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = valueToAny(e)
		}

		return out
	case crdtval.KindObject:
		out := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			out[k] = valueToAny(e)
		}

		return out
	default:
		return nil
	}
}
