package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/materialize"
)

type parsedEntry struct {
	path string
	fm   materialize.Frontmatter
	body string
}

// Rebuild clears the entire update store, walks targetCommit's tree (the
// branch head if targetCommit is ""), and re-creates one DocID per file.
// Parent relationships come from each file's `part_of` frontmatter link;
// `contents` is discarded and re-derived from the resulting parent/child
// structure. Refuses to run while more than one sync client is connected,
// since a rebuild discards and replaces every in-memory DocID a connected
// peer might be mid-sync against.
func (c *Compactor) Rebuild(ctx context.Context, targetCommit string) error {
	if n := c.ConnectedClients(); n > 1 {
		return fmt.Errorf("%w: %d connected", ErrRebuildWhileConnected, n)
	}

	commit := targetCommit

	if commit == "" {
		head, err := c.git.Head(ctx)
		if err != nil {
			return fmt.Errorf("compactor: resolving branch head: %w", err)
		}

		commit = head
	}

	if commit == "" {
		return fmt.Errorf("compactor: rebuild: no commit to rebuild from")
	}

	entries, err := c.git.LsTree(ctx, commit)
	if err != nil {
		return fmt.Errorf("compactor: rebuild: listing tree %s: %w", commit, err)
	}

	parsed := make([]parsedEntry, 0, len(entries))

	for _, e := range entries {
		content, err := c.git.CatFile(ctx, e.Blob)
		if err != nil {
			return fmt.Errorf("compactor: rebuild: reading blob for %s: %w", e.Path, err)
		}

		fm, body, err := materialize.Parse(content)
		if err != nil {
			return fmt.Errorf("compactor: rebuild: parsing %s: %w", e.Path, err)
		}

		parsed = append(parsed, parsedEntry{path: e.Path, fm: fm, body: body})
	}

	sort.Slice(parsed, func(i, j int) bool {
		di, dj := strings.Count(parsed[i].path, "/"), strings.Count(parsed[j].path, "/")
		if di != dj {
			return di < dj
		}

		return parsed[i].path < parsed[j].path
	})

	if err := c.st.Reset(ctx); err != nil {
		return fmt.Errorf("compactor: rebuild: resetting update store: %w", err)
	}

	c.ws.Reset()
	c.bodies.Reset()

	pathToDoc := make(map[string]ids.DocID, len(parsed))

	for _, pf := range parsed {
		parent := ids.Nil

		if pf.fm.PartOf != "" {
			if pd, ok := pathToDoc[pf.fm.PartOf]; ok {
				parent = pd
			} else {
				c.logger.Warn("rebuild: part_of references unknown path, attaching at root",
					"path", pf.path, "part_of", pf.fm.PartOf)
			}
		}

		doc, err := c.ws.CreateFile(ctx, parent, filename(pf.path))
		if err != nil {
			return fmt.Errorf("compactor: rebuild: recreating %s: %w", pf.path, err)
		}

		pathToDoc[pf.path] = doc

		if err := c.restoreAttributes(ctx, doc, pf.fm); err != nil {
			return fmt.Errorf("compactor: rebuild: restoring attributes for %s: %w", pf.path, err)
		}

		if err := c.restoreBody(ctx, doc, pf.body); err != nil {
			return fmt.Errorf("compactor: rebuild: restoring body for %s: %w", pf.path, err)
		}
	}

	c.health.RecordSuccess()

	c.mu.Lock()
	c.dirty = false
	c.lastCommit = c.now()
	c.mu.Unlock()

	c.logger.Info("rebuild complete", "commit", commit, "files", len(parsed))

	return nil
}

func filename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

func (c *Compactor) restoreAttributes(ctx context.Context, doc ids.DocID, fm materialize.Frontmatter) error {
	if fm.Title != "" {
		if err := c.ws.SetAttribute(ctx, doc, "title", crdtval.FromText(fm.Title)); err != nil {
			return err
		}
	}

	if fm.Description != "" {
		if err := c.ws.SetAttribute(ctx, doc, "description", crdtval.FromText(fm.Description)); err != nil {
			return err
		}
	}

	if len(fm.Audience) > 0 {
		if err := c.ws.SetAttribute(ctx, doc, "audience", crdtval.FromStrings(fm.Audience)); err != nil {
			return err
		}
	}

	for key, raw := range fm.Extra {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("encoding extra key %q: %w", key, err)
		}

		var v crdtval.Value
		if err := json.Unmarshal(encoded, &v); err != nil {
			return fmt.Errorf("decoding extra key %q: %w", key, err)
		}

		if err := c.ws.SetAttribute(ctx, doc, key, v); err != nil {
			return err
		}
	}

	return nil
}

func (c *Compactor) restoreBody(ctx context.Context, doc ids.DocID, body string) error {
	if body == "" {
		return nil
	}

	_, release, err := c.bodies.GetOrCreate(ctx, doc)
	if err != nil {
		return err
	}
	defer release()

	_, err = c.bodies.InsertText(ctx, doc, body, bodycrdt.ElementID{})

	return err
}
