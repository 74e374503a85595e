package materialize

import (
	"context"
	"fmt"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// percentMultiplier converts a ratio to a percentage, multiplying before
// dividing to avoid integer truncation.
const percentMultiplier = 100

// Thresholds bounds the big-delete safety check: a materialize pass that
// would delete more than BigDeleteThreshold files, or more than
// BigDeletePercentage percent of the active set (once past
// BigDeleteMinItems), is rejected rather than committed.
type Thresholds struct {
	BigDeleteMinItems  int
	BigDeleteThreshold int
	BigDeletePercentage int
}

// Validate runs every sanity check against one materialize pass, including
// the big-delete guard. previousActive is the active file count before this
// pass, used only for the big-delete ratio; pass 0 to skip that check (e.g.
// on first-ever commit).
func Validate(ctx context.Context, ws *workspace.Workspace, st store.Store, files []File, previousActive int, th Thresholds) error {
	if err := validateNonEmptyBodies(ws, files); err != nil {
		return err
	}

	if err := validatePathSet(ctx, st, files); err != nil {
		return err
	}

	if err := validateLinkConsistency(ws); err != nil {
		return err
	}

	if err := validateNoOrphanBodies(ctx, st, ws); err != nil {
		return err
	}

	return validateBigDelete(previousActive, len(files), th)
}

func validateNonEmptyBodies(ws *workspace.Workspace, files []File) error {
	for _, f := range files {
		doc, ok := ws.FindByPath(f.Path)
		if !ok {
			continue
		}

		meta, ok := ws.Metadata(doc)
		if !ok {
			continue
		}

		if allowEmpty, _ := meta.Attr("allow_empty"); allowEmpty.Bool {
			continue
		}

		_, body, err := Parse(f.Content)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEmptyBody, f.Path, err)
		}

		if body == "" {
			return fmt.Errorf("%w: %s", ErrEmptyBody, f.Path)
		}
	}

	return nil
}

func validatePathSet(ctx context.Context, st store.Store, files []File) error {
	active, err := st.QueryActiveFiles(ctx)
	if err != nil {
		return fmt.Errorf("materialize: querying active files: %w", err)
	}

	want := make(map[string]struct{}, len(active))
	for _, row := range active {
		want[row.Path] = struct{}{}
	}

	got := make(map[string]struct{}, len(files))
	for _, f := range files {
		got[f.Path] = struct{}{}
	}

	if len(want) != len(got) {
		return fmt.Errorf("%w: %d active file index rows, %d materialized files", ErrPathSetMismatch, len(want), len(got))
	}

	for path := range want {
		if _, ok := got[path]; !ok {
			return fmt.Errorf("%w: %q in file index but not materialized", ErrPathSetMismatch, path)
		}
	}

	return nil
}

func validateLinkConsistency(ws *workspace.Workspace) error {
	for _, doc := range ws.Walk() {
		meta, ok := ws.Metadata(doc)
		if !ok {
			continue
		}

		if meta.Parent.Value.IsNil() {
			continue
		}

		parent, ok := ws.Metadata(meta.Parent.Value)
		if !ok {
			return fmt.Errorf("%w: %s references missing parent %s", ErrInconsistentLink, doc, meta.Parent.Value)
		}

		if !parent.Children.Present(doc) {
			return fmt.Errorf("%w: %s not present in parent %s's child set", ErrInconsistentLink, doc, meta.Parent.Value)
		}
	}

	return nil
}

func validateNoOrphanBodies(ctx context.Context, st store.Store, ws *workspace.Workspace) error {
	live := make(map[ids.DocID]struct{})
	for _, doc := range ws.Walk() {
		live[doc] = struct{}{}
	}

	names, err := bodyDocNames(ctx, st)
	if err != nil {
		return fmt.Errorf("materialize: listing body documents: %w", err)
	}

	for _, name := range names {
		doc, ok := bodycrdt.ParseBodyDocName(name)
		if !ok {
			continue
		}

		if _, ok := live[doc]; !ok {
			return fmt.Errorf("%w: %s", ErrOrphanBody, doc)
		}
	}

	return nil
}

func bodyDocNames(ctx context.Context, st store.Store) ([]string, error) {
	db := st.DB()

	rows, err := db.QueryContext(ctx, `
		SELECT name FROM documents WHERE name LIKE 'body:%'
		UNION
		SELECT DISTINCT doc_name FROM updates WHERE doc_name LIKE 'body:%'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

func validateBigDelete(previousActive, nowActive int, th Thresholds) error {
	if previousActive == 0 || previousActive < th.BigDeleteMinItems {
		return nil
	}

	deleted := previousActive - nowActive
	if deleted <= 0 {
		return nil
	}

	countExceeded := deleted > th.BigDeleteThreshold
	percentExceeded := (deleted*percentMultiplier)/previousActive > th.BigDeletePercentage

	if !countExceeded && !percentExceeded {
		return nil
	}

	return fmt.Errorf("%w: would drop %d of %d files (%d%%), thresholds %d files or %d%%",
		ErrBigDelete, deleted, previousActive, (deleted*percentMultiplier)/previousActive,
		th.BigDeleteThreshold, th.BigDeletePercentage)
}
