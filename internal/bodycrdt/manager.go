package bodycrdt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/store"
)

const bodyDocPrefix = "body:"

func bodyDocName(doc ids.DocID) string {
	return bodyDocPrefix + doc.String()
}

// ParseBodyDocName extracts the DocID from a durable-store document name
// produced by bodyDocName, for callers (e.g. the compactor's orphan-body
// sanity check) that enumerate raw document names rather than going
// through a Manager.
func ParseBodyDocName(name string) (ids.DocID, bool) {
	if !strings.HasPrefix(name, bodyDocPrefix) {
		return ids.DocID{}, false
	}

	doc, err := ids.Parse(strings.TrimPrefix(name, bodyDocPrefix))
	if err != nil {
		return ids.DocID{}, false
	}

	return doc, true
}

// session is a checked-out body, reference-counted across concurrent
// callers (e.g. the materializer and an editor bridge both reading the
// same open document).
type session struct {
	rga      *RGA
	refCount int
	cursor   int64
	observer func(text string)
}

// Manager owns the lifecycle of every body CRDT in a workspace: lazy
// load on first checkout, shared in-memory state for concurrent
// checkouts, and snapshot-and-evict on last release. Grounded on the same checkout/reference-counting shape
// as an RGA merge, adapted from the other_examples RGA reference.
type Manager struct {
	mu       sync.Mutex
	st       store.Store
	deviceID string
	logger   *slog.Logger

	keepRecent int
	sessions   map[ids.DocID]*session
}

// NewManager constructs a Manager. keepRecent bounds how many trailing
// update-log rows survive a snapshot-and-compact on release (mirrors the
// workspace store's Compact semantics).
func NewManager(st store.Store, deviceID string, keepRecent int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		st:         st,
		deviceID:   deviceID,
		logger:     logger,
		keepRecent: keepRecent,
		sessions:   make(map[ids.DocID]*session),
	}
}

// GetOrCreate checks out doc's body, loading it from the durable store on
// first checkout, and returns a release function the caller must call
// exactly once when done. Concurrent checkouts of the same doc share one
// in-memory RGA.
func (m *Manager) GetOrCreate(ctx context.Context, doc ids.DocID) (*RGA, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[doc]; ok {
		sess.refCount++
		return sess.rga, m.releaseFunc(doc), nil
	}

	sess, err := m.loadSessionLocked(ctx, doc)
	if err != nil {
		return nil, nil, err
	}

	sess.refCount = 1
	m.sessions[doc] = sess

	return sess.rga, m.releaseFunc(doc), nil
}

func (m *Manager) loadSessionLocked(ctx context.Context, doc ids.DocID) (*session, error) {
	name := bodyDocName(doc)
	rga := NewRGA(m.deviceID)

	var cursor int64

	snap, err := m.st.LoadSnapshot(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("bodycrdt: loading snapshot for %s: %w", doc, err)
	}

	if snap != nil {
		var nodes []Node
		if err := json.Unmarshal(snap.State, &nodes); err != nil {
			return nil, fmt.Errorf("bodycrdt: decoding snapshot nodes for %s: %w", doc, err)
		}

		rga.LoadNodes(nodes)

		if err := json.Unmarshal(snap.StateVector, &cursor); err != nil {
			return nil, fmt.Errorf("bodycrdt: decoding snapshot cursor for %s: %w", doc, err)
		}
	}

	recs, err := m.st.UpdatesSince(ctx, name, cursor)
	if err != nil {
		return nil, fmt.Errorf("bodycrdt: loading updates for %s: %w", doc, err)
	}

	for _, rec := range recs {
		op, err := DecodeOp(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("bodycrdt: decoding stored op %d for %s: %w", rec.ID, doc, err)
		}

		applyLoaded(rga, op)
		cursor = rec.ID
	}

	return &session{rga: rga, cursor: cursor}, nil
}

func applyLoaded(rga *RGA, op Op) {
	switch op.Type {
	case OpInsert:
		rga.mergeInsert(Node{ID: op.ID, ParentID: op.ParentID, Value: op.Value})
	case OpDelete:
		rga.mergeDelete(op.ID)
	}
}

func (m *Manager) releaseFunc(doc ids.DocID) func() {
	return func() {
		m.release(doc)
	}
}

// release decrements doc's refcount, and on reaching zero, persists a
// fresh snapshot, compacts the trailing log, and evicts it from memory.
func (m *Manager) release(doc ids.DocID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[doc]
	if !ok {
		return
	}

	sess.refCount--
	if sess.refCount > 0 {
		return
	}

	ctx := context.Background()
	name := bodyDocName(doc)

	nodes := sess.rga.Nodes()

	state, err := json.Marshal(nodes)
	if err != nil {
		m.logger.Warn("encoding body snapshot failed", "doc", doc, "error", err)
		delete(m.sessions, doc)

		return
	}

	sv, err := json.Marshal(sess.cursor)
	if err != nil {
		m.logger.Warn("encoding body state vector failed", "doc", doc, "error", err)
		delete(m.sessions, doc)

		return
	}

	if err := m.st.SaveSnapshot(ctx, name, state, sv); err != nil {
		m.logger.Warn("saving body snapshot failed", "doc", doc, "error", err)
	} else if err := m.st.Compact(ctx, name, m.keepRecent); err != nil {
		m.logger.Warn("compacting body log failed", "doc", doc, "error", err)
	}

	delete(m.sessions, doc)
}

// Reset discards every in-memory checked-out session without persisting
// snapshots, for the compactor's rebuild-from-git procedure: the caller clears the underlying store separately, so
// any pending in-memory state here is already moot.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[ids.DocID]*session)
}

// Insert types value into doc's body after the element identified by
// after. doc must already be checked out.
func (m *Manager) Insert(ctx context.Context, doc ids.DocID, value rune, after ElementID) (ElementID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[doc]
	if !ok {
		return ElementID{}, fmt.Errorf("%w: %s", ErrNotCheckedOut, doc)
	}

	node := sess.rga.Insert(value, after)

	if err := m.record(ctx, doc, sess, insertOp(node)); err != nil {
		return ElementID{}, err
	}

	m.notify(sess)

	return node.ID, nil
}

// InsertText is the multi-character convenience form of Insert.
func (m *Manager) InsertText(ctx context.Context, doc ids.DocID, text string, after ElementID) ([]ElementID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[doc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCheckedOut, doc)
	}

	nodes := sess.rga.InsertText(text, after)
	inserted := make([]ElementID, 0, len(nodes))

	for _, n := range nodes {
		if err := m.record(ctx, doc, sess, insertOp(n)); err != nil {
			return nil, err
		}

		inserted = append(inserted, n.ID)
	}

	m.notify(sess)

	return inserted, nil
}

// Delete tombstones a single character in doc's body.
func (m *Manager) Delete(ctx context.Context, doc ids.DocID, id ElementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCheckedOut, doc)
	}

	if !sess.rga.DeleteLocal(id) {
		return fmt.Errorf("bodycrdt: element %v not found in %s", id, doc)
	}

	if err := m.record(ctx, doc, sess, deleteOp(id)); err != nil {
		return err
	}

	m.notify(sess)

	return nil
}

func (m *Manager) record(ctx context.Context, doc ids.DocID, sess *session, op Op) error {
	payload, err := op.Encode()
	if err != nil {
		return err
	}

	id, err := m.st.AppendUpdate(ctx, bodyDocName(doc), payload, "local", m.deviceID, op.ID.Timestamp)
	if err != nil {
		return fmt.Errorf("bodycrdt: appending op: %w", err)
	}

	sess.cursor = id

	return nil
}

func (m *Manager) notify(sess *session) {
	if sess.observer != nil {
		sess.observer(sess.rga.Value())
	}
}

// ApplyRemote persists and merges a batch of ops received from a peer.
// If doc is currently checked out, the in-memory sequence is updated and
// any registered observer is notified immediately; otherwise the ops
// simply wait in the durable log for the next checkout to replay.
func (m *Manager) ApplyRemote(ctx context.Context, doc ids.DocID, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := bodyDocName(doc)
	sess := m.sessions[doc]

	for _, op := range ops {
		payload, err := op.Encode()
		if err != nil {
			return err
		}

		id, err := m.st.AppendUpdate(ctx, name, payload, "remote", op.ID.DeviceID, op.ID.Timestamp)
		if err != nil {
			return fmt.Errorf("bodycrdt: persisting remote op: %w", err)
		}

		if sess != nil {
			applyLoaded(sess.rga, op)

			if id > sess.cursor {
				sess.cursor = id
			}
		}
	}

	if sess != nil {
		m.notify(sess)
	}

	return nil
}

// EncodeSyncStep1 returns the highest update id persisted for doc's body,
// regardless of whether it is currently checked out.
func (m *Manager) EncodeSyncStep1(ctx context.Context, doc ids.DocID) (int64, error) {
	id, err := m.st.LatestUpdateID(ctx, bodyDocName(doc))
	if err != nil {
		return 0, fmt.Errorf("bodycrdt: reading latest update id for %s: %w", doc, err)
	}

	return id, nil
}

// EncodeSyncStep2 returns every op recorded for doc's body after since.
func (m *Manager) EncodeSyncStep2(ctx context.Context, doc ids.DocID, since int64) ([]Op, error) {
	recs, err := m.st.UpdatesSince(ctx, bodyDocName(doc), since)
	if err != nil {
		return nil, fmt.Errorf("bodycrdt: loading updates for %s since %d: %w", doc, since, err)
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

// ExtractBody returns doc's current linearized text, checking it out
// transiently if it isn't already open.
func (m *Manager) ExtractBody(ctx context.Context, doc ids.DocID) (string, error) {
	m.mu.Lock()

	if sess, ok := m.sessions[doc]; ok {
		text := sess.rga.Value()
		m.mu.Unlock()

		return text, nil
	}

	sess, err := m.loadSessionLocked(ctx, doc)
	m.mu.Unlock()

	if err != nil {
		return "", err
	}

	return sess.rga.Value(), nil
}

// RegisterObserver attaches fn to doc's checked-out session, to be called
// after every local or remote mutation. At most one observer may be
// registered per checkout.
func (m *Manager) RegisterObserver(doc ids.DocID, fn func(text string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[doc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCheckedOut, doc)
	}

	if sess.observer != nil {
		return fmt.Errorf("%w: %s", ErrObserverAlreadyRegistered, doc)
	}

	sess.observer = fn

	return nil
}

// UnregisterObserver clears any observer registered for doc.
func (m *Manager) UnregisterObserver(doc ids.DocID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[doc]; ok {
		sess.observer = nil
	}
}
