// Package workspace implements the Workspace CRDT: the
// replicated forest of FileMetadata records that gives every entry a
// stable DocID, a parent link, and a set of attributes, independent of
// the entry's body text (owned by the sibling bodycrdt package).
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
)

// workspaceDocName is the single durable-store document name under which
// every workspace-structure op is appended; body text lives under
// per-DocID document names managed by bodycrdt.
const workspaceDocName = "__workspace__"

// Workspace is the in-memory, replicated view of one workspace's file
// forest, backed by a store.Store update log. All methods are safe for
// concurrent use.
type Workspace struct {
	mu       sync.Mutex
	st       store.Store
	logger   *slog.Logger
	deviceID string

	files  map[ids.DocID]*FileMetadata
	cursor int64
}

// NewWorkspace loads a Workspace by replaying its full update log from st.
// deviceID identifies this replica in every op this instance produces
//.
func NewWorkspace(ctx context.Context, st store.Store, deviceID string, logger *slog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Workspace{
		st:       st,
		logger:   logger,
		deviceID: deviceID,
		files:    make(map[ids.DocID]*FileMetadata),
	}

	recs, err := st.UpdatesSince(ctx, workspaceDocName, 0)
	if err != nil {
		return nil, fmt.Errorf("workspace: loading update log: %w", err)
	}

	for _, rec := range recs {
		op, err := DecodeOp(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("workspace: decoding stored op %d: %w", rec.ID, err)
		}

		if err := w.applyOp(op); err != nil {
			return nil, fmt.Errorf("workspace: replaying op %d: %w", rec.ID, err)
		}

		w.cursor = rec.ID
	}

	w.reconcileLocked()

	for doc := range w.files {
		if err := w.syncFileIndexLocked(ctx, doc); err != nil {
			logger.Warn("file index refresh failed during load", "doc", doc, "error", err)
		}
	}

	logger.Info("workspace loaded", "documents", len(w.files), "cursor", w.cursor)

	return w, nil
}

func (w *Workspace) getOrCreateMeta(doc ids.DocID) *FileMetadata {
	m, ok := w.files[doc]
	if !ok {
		m = NewFileMetadata(doc)
		w.files[doc] = m
	}

	return m
}

// applyOp mutates in-memory state to reflect op. It never touches the
// store; callers are responsible for persistence and ordering.
func (w *Workspace) applyOp(op Op) error {
	switch op.Type {
	case OpCreate:
		m := w.getOrCreateMeta(op.DocID)
		m.Filename.Set(op.Name, op.Timestamp, op.DeviceID)

		if m.Parent.Set(op.Parent, op.Timestamp, op.DeviceID) && !op.Parent.IsNil() {
			if parent, ok := w.files[op.Parent]; ok {
				parent.Children.Add(op.DocID, op.Timestamp, op.DeviceID)
			}
		}

	case OpRename:
		m := w.getOrCreateMeta(op.DocID)
		m.Filename.Set(op.Name, op.Timestamp, op.DeviceID)

	case OpMove:
		m := w.getOrCreateMeta(op.DocID)
		oldParent := m.Parent.Value

		if m.Parent.Set(op.Parent, op.Timestamp, op.DeviceID) {
			if old, ok := w.files[oldParent]; ok {
				old.Children.Remove(op.DocID, op.Timestamp, op.DeviceID)
			}

			if next, ok := w.files[op.Parent]; ok {
				next.Children.Add(op.DocID, op.Timestamp, op.DeviceID)
			}
		}

	case OpTombstone:
		m := w.getOrCreateMeta(op.DocID)
		m.Tombstone.Set(true, op.Timestamp, op.DeviceID)

	case OpRestore:
		m := w.getOrCreateMeta(op.DocID)
		m.Tombstone.Set(false, op.Timestamp, op.DeviceID)

	case OpSetAttribute:
		m := w.getOrCreateMeta(op.DocID)

		v, err := op.AttrValueFromJSON()
		if err != nil {
			return err
		}

		m.SetAttr(op.Key, v, op.Timestamp, op.DeviceID)

	case OpAddChildLink:
		parent := w.getOrCreateMeta(op.DocID)
		parent.Children.Add(op.Child, op.Timestamp, op.DeviceID)

	case OpRemoveChildLink:
		parent := w.getOrCreateMeta(op.DocID)
		parent.Children.Remove(op.Child, op.Timestamp, op.DeviceID)

	default:
		return fmt.Errorf("workspace: unknown op type %q", op.Type)
	}

	return nil
}

// record persists op to the update log, origin "local", then applies it.
func (w *Workspace) record(ctx context.Context, op Op) error {
	payload, err := op.Encode()
	if err != nil {
		return err
	}

	id, err := w.st.AppendUpdate(ctx, workspaceDocName, payload, "local", w.deviceID, op.Timestamp)
	if err != nil {
		return fmt.Errorf("workspace: appending op: %w", err)
	}

	if err := w.applyOp(op); err != nil {
		return err
	}

	w.cursor = id

	return nil
}

func (w *Workspace) siblingPathTakenLocked(parent ids.DocID, name string, except ids.DocID) bool {
	for doc, m := range w.files {
		if doc == except || m.Tombstone.Value || m.Parent.Value != parent {
			continue
		}

		if m.Filename.Value == name {
			return true
		}
	}

	return false
}

// isDescendantLocked reports whether ancestor is found while walking up
// candidate's parent chain, guarding against corrupt cycles already
// present in replicated state.
func (w *Workspace) isDescendantLocked(candidate, ancestor ids.DocID) bool {
	visited := make(map[ids.DocID]bool)
	cur := candidate

	for {
		if cur.IsNil() {
			return false
		}

		if cur == ancestor {
			return true
		}

		if visited[cur] {
			return false
		}

		visited[cur] = true

		m, ok := w.files[cur]
		if !ok {
			return false
		}

		cur = m.Parent.Value
	}
}

// CreateFile introduces a brand-new document under parent (ids.Nil for a
// root entry) with the given filename.
func (w *Workspace) CreateFile(ctx context.Context, parent ids.DocID, filename string) (ids.DocID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !parent.IsNil() {
		if _, ok := w.files[parent]; !ok {
			return ids.Nil, fmt.Errorf("%w: parent %s", ErrNotFound, parent)
		}
	}

	if w.siblingPathTakenLocked(parent, filename, ids.Nil) {
		return ids.Nil, fmt.Errorf("%w: %q under %s", ErrNameCollision, filename, parent)
	}

	doc := ids.New()
	op := Op{Type: OpCreate, DocID: doc, Timestamp: nowUnixNano(), DeviceID: w.deviceID, Name: filename, Parent: parent}

	if err := w.record(ctx, op); err != nil {
		return ids.Nil, err
	}

	if err := w.syncFileIndexLocked(ctx, doc); err != nil {
		w.logger.Warn("file index refresh failed after create", "doc", doc, "error", err)
	}

	return doc, nil
}

// Rename changes a document's filename within its current parent.
func (w *Workspace) Rename(ctx context.Context, doc ids.DocID, newName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.files[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc)
	}

	if w.siblingPathTakenLocked(m.Parent.Value, newName, doc) {
		return fmt.Errorf("%w: %q under %s", ErrNameCollision, newName, m.Parent.Value)
	}

	op := Op{Type: OpRename, DocID: doc, Timestamp: nowUnixNano(), DeviceID: w.deviceID, Name: newName}

	if err := w.record(ctx, op); err != nil {
		return err
	}

	return w.syncFileIndexLocked(ctx, doc)
}

// Move reparents doc under newParent (ids.Nil to make it a root entry),
// rejecting the move if it would create a cycle.
func (w *Workspace) Move(ctx context.Context, doc, newParent ids.DocID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.files[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc)
	}

	if !newParent.IsNil() {
		if _, ok := w.files[newParent]; !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, newParent)
		}

		if doc == newParent || w.isDescendantLocked(newParent, doc) {
			return fmt.Errorf("%w: %s under %s", ErrCycleWouldForm, doc, newParent)
		}
	}

	if w.siblingPathTakenLocked(newParent, m.Filename.Value, doc) {
		return fmt.Errorf("%w: %q under %s", ErrNameCollision, m.Filename.Value, newParent)
	}

	op := Op{Type: OpMove, DocID: doc, Timestamp: nowUnixNano(), DeviceID: w.deviceID, Parent: newParent}

	if err := w.record(ctx, op); err != nil {
		return err
	}

	return w.syncFileIndexLocked(ctx, doc)
}

// Tombstone marks doc as deleted without removing its history.
func (w *Workspace) Tombstone(ctx context.Context, doc ids.DocID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[doc]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc)
	}

	op := Op{Type: OpTombstone, DocID: doc, Timestamp: nowUnixNano(), DeviceID: w.deviceID}

	if err := w.record(ctx, op); err != nil {
		return err
	}

	return w.syncFileIndexLocked(ctx, doc)
}

// Restore clears doc's tombstone, rejecting the operation if another
// live sibling now occupies its path.
func (w *Workspace) Restore(ctx context.Context, doc ids.DocID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.files[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc)
	}

	if w.siblingPathTakenLocked(m.Parent.Value, m.Filename.Value, doc) {
		return fmt.Errorf("%w: %q under %s", ErrNameCollision, m.Filename.Value, m.Parent.Value)
	}

	op := Op{Type: OpRestore, DocID: doc, Timestamp: nowUnixNano(), DeviceID: w.deviceID}

	if err := w.record(ctx, op); err != nil {
		return err
	}

	return w.syncFileIndexLocked(ctx, doc)
}

// SetAttribute records an observation of a single frontmatter key (title,
// description, audience, or an `extra` entry) on doc.
func (w *Workspace) SetAttribute(ctx context.Context, doc ids.DocID, key string, value crdtval.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[doc]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("workspace: marshaling attribute value: %w", err)
	}

	op := Op{Type: OpSetAttribute, DocID: doc, Timestamp: nowUnixNano(), DeviceID: w.deviceID, Key: key, Value: raw}

	if err := w.record(ctx, op); err != nil {
		return err
	}

	if key == "title" {
		return w.syncFileIndexLocked(ctx, doc)
	}

	return nil
}

// AddChildLink records parent as having child among its ordered children.
// The parent field set by Create/Move remains the authoritative forest
// structure; this is the derived, explicitly-observable list.
func (w *Workspace) AddChildLink(ctx context.Context, parent, child ids.DocID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}

	if _, ok := w.files[child]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, child)
	}

	op := Op{Type: OpAddChildLink, DocID: parent, Timestamp: nowUnixNano(), DeviceID: w.deviceID, Child: child}

	return w.record(ctx, op)
}

// RemoveChildLink is the inverse of AddChildLink.
func (w *Workspace) RemoveChildLink(ctx context.Context, parent, child ids.DocID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}

	op := Op{Type: OpRemoveChildLink, DocID: parent, Timestamp: nowUnixNano(), DeviceID: w.deviceID, Child: child}

	return w.record(ctx, op)
}

// GetPath resolves doc's slash-separated path from the workspace root.
func (w *Workspace) GetPath(doc ids.DocID) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.pathLocked(doc)
}

func (w *Workspace) pathLocked(doc ids.DocID) (string, error) {
	var segments []string

	visited := make(map[ids.DocID]bool)
	cur := doc

	for {
		m, ok := w.files[cur]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, cur)
		}

		if visited[cur] {
			return "", fmt.Errorf("%w: cycle detected while resolving path", ErrCycleWouldForm)
		}

		visited[cur] = true
		segments = append([]string{m.Filename.Value}, segments...)

		if m.Parent.Value.IsNil() {
			break
		}

		cur = m.Parent.Value
	}

	return strings.Join(segments, "/"), nil
}

// FindByPath resolves a slash-separated path to its DocID, descending the
// tree component by component. Tombstoned entries are invisible.
func (w *Workspace) FindByPath(path string) (ids.DocID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if path == "" {
		return ids.Nil, false
	}

	parent := ids.Nil
	var current ids.DocID

	for _, part := range strings.Split(path, "/") {
		found := false

		for doc, m := range w.files {
			if m.Tombstone.Value || m.Parent.Value != parent || m.Filename.Value != part {
				continue
			}

			current, found = doc, true

			break
		}

		if !found {
			return ids.Nil, false
		}

		parent = current
	}

	return current, true
}

// Reconcile repairs one-sided parent/child links that can arise when ops
// are applied out of causal order. The parent field is authoritative; the derived
// children sets are brought back into agreement with it.
func (w *Workspace) Reconcile() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reconcileLocked()
}

func (w *Workspace) reconcileLocked() {
	now := nowUnixNano()

	for doc, m := range w.files {
		if m.Parent.Value.IsNil() {
			continue
		}

		parent, ok := w.files[m.Parent.Value]
		if ok && !parent.Children.Present(doc) {
			parent.Children.Add(doc, now, w.deviceID)
		}
	}

	for parent, m := range w.files {
		for _, child := range m.Children.Members() {
			c, ok := w.files[child]
			if ok && c.Parent.Value != parent {
				m.Children.Remove(child, now, w.deviceID)
			}
		}
	}
}

func (w *Workspace) syncFileIndexLocked(ctx context.Context, doc ids.DocID) error {
	m, ok := w.files[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, doc)
	}

	path, err := w.pathLocked(doc)
	if err != nil {
		return fmt.Errorf("workspace: resolving path for file index: %w", err)
	}

	var parentPath string

	if !m.Parent.Value.IsNil() {
		parentPath, err = w.pathLocked(m.Parent.Value)
		if err != nil {
			return fmt.Errorf("workspace: resolving parent path for file index: %w", err)
		}
	}

	row := store.FileIndexRow{
		Path:       path,
		DocID:      doc,
		Title:      m.Title(),
		ParentPath: parentPath,
		Tombstoned: m.Tombstone.Value,
		ModifiedAt: nowUnixNano(),
	}

	return w.st.UpdateFileIndex(ctx, row)
}

// EncodeSyncStep1 returns this replica's current cursor into the
// workspace update log: the payload carried inside the wire envelope,
// simplified to a single int64 cursor since the durable store already
// acts as a central sequencer rather than requiring a per-replica vector
// clock.
func (w *Workspace) EncodeSyncStep1() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cursor
}

// EncodeSyncStep2 returns every op recorded after since, for a peer that
// reported that cursor in its own EncodeSyncStep1.
func (w *Workspace) EncodeSyncStep2(ctx context.Context, since int64) ([]Op, error) {
	recs, err := w.st.UpdatesSince(ctx, workspaceDocName, since)
	if err != nil {
		return nil, fmt.Errorf("workspace: loading updates since %d: %w", since, err)
	}

	ops := make([]Op, 0, len(recs))

	for _, rec := range recs {
		op, err := DecodeOp(rec.Payload)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// ApplyRemote persists and applies a batch of ops received from a peer,
// then reconciles and refreshes the file index for every touched document.
func (w *Workspace) ApplyRemote(ctx context.Context, ops []Op) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	touched := make(map[ids.DocID]struct{}, len(ops))

	for _, op := range ops {
		payload, err := op.Encode()
		if err != nil {
			return err
		}

		id, err := w.st.AppendUpdate(ctx, workspaceDocName, payload, "remote", op.DeviceID, op.Timestamp)
		if err != nil {
			return fmt.Errorf("workspace: persisting remote op: %w", err)
		}

		if err := w.applyOp(op); err != nil {
			return err
		}

		if id > w.cursor {
			w.cursor = id
		}

		touched[op.DocID] = struct{}{}

		if !op.Child.IsNil() {
			touched[op.Child] = struct{}{}
		}
	}

	w.reconcileLocked()

	for doc := range touched {
		if _, ok := w.files[doc]; !ok {
			continue
		}

		if err := w.syncFileIndexLocked(ctx, doc); err != nil {
			w.logger.Warn("file index refresh failed after remote apply", "doc", doc, "error", err)
		}
	}

	return nil
}

// Walk returns every non-tombstoned DocID in a deterministic depth-first
// order: roots first (sorted by filename, then DocID, for a stable order
// across replicas), then each subtree ordered by its parent's child list
//.
func (w *Workspace) Walk() []ids.DocID {
	w.mu.Lock()
	defer w.mu.Unlock()

	var roots []ids.DocID

	for doc, m := range w.files {
		if !m.Tombstone.Value && m.Parent.Value.IsNil() {
			roots = append(roots, doc)
		}
	}

	sort.Slice(roots, func(i, j int) bool {
		mi, mj := w.files[roots[i]], w.files[roots[j]]
		if mi.Filename.Value != mj.Filename.Value {
			return mi.Filename.Value < mj.Filename.Value
		}

		return roots[i].String() < roots[j].String()
	})

	var out []ids.DocID

	var visit func(doc ids.DocID)
	visit = func(doc ids.DocID) {
		m, ok := w.files[doc]
		if !ok || m.Tombstone.Value {
			return
		}

		out = append(out, doc)

		for _, child := range m.Children.Members() {
			visit(child)
		}
	}

	for _, r := range roots {
		visit(r)
	}

	return out
}

// Reset discards every in-memory document, for the compactor's
// rebuild-from-git procedure: the caller is
// expected to have already cleared the underlying store and to
// repopulate this Workspace from a parsed git commit immediately after.
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.files = make(map[ids.DocID]*FileMetadata)
	w.cursor = 0
}

// Metadata returns a snapshot pointer to doc's FileMetadata for read-only
// inspection (e.g. by the materialize package). Callers must not mutate
// CRDT registers directly; use the Workspace methods instead.
func (w *Workspace) Metadata(doc ids.DocID) (*FileMetadata, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.files[doc]

	return m, ok
}
