package workspace

import (
	"sort"

	"github.com/diaryx-org/diaryx-sync/internal/ids"
)

// childEntry tracks one DocID's membership in a ChildSet: an add-wins
// observed-remove set. Presence is decided by comparing the winning add
// against the winning remove under the lwwGreater tie-break; an add that
// ties with a remove wins (add-biased union), so concurrent adds merge as
// a set-union.
type childEntry struct {
	addTS, removeTS   int64
	addDev, removeDev string
	hasAdd, hasRemove bool
}

// ChildSet is the explicit, consumer-maintained ordered child list
// — a derived convenience
// over the canonical `parent` field, repaired on convergence by Reconcile.
type ChildSet struct {
	entries map[ids.DocID]*childEntry
}

// NewChildSet returns an empty ChildSet.
func NewChildSet() *ChildSet {
	return &ChildSet{entries: make(map[ids.DocID]*childEntry)}
}

// Add records an add_child_link observation.
func (s *ChildSet) Add(child ids.DocID, ts int64, dev string) {
	e, ok := s.entries[child]
	if !ok {
		e = &childEntry{}
		s.entries[child] = e
	}

	if !e.hasAdd || lwwGreater(ts, dev, e.addTS, e.addDev) {
		e.addTS, e.addDev, e.hasAdd = ts, dev, true
	}
}

// Remove records a remove_child_link observation.
func (s *ChildSet) Remove(child ids.DocID, ts int64, dev string) {
	e, ok := s.entries[child]
	if !ok {
		e = &childEntry{}
		s.entries[child] = e
	}

	if !e.hasRemove || lwwGreater(ts, dev, e.removeTS, e.removeDev) {
		e.removeTS, e.removeDev, e.hasRemove = ts, dev, true
	}
}

// Present reports whether child is currently a member.
func (s *ChildSet) Present(child ids.DocID) bool {
	e, ok := s.entries[child]
	if !ok || !e.hasAdd {
		return false
	}

	if !e.hasRemove {
		return true
	}

	// Add wins ties: a remove must strictly postdate the add to win.
	return !lwwGreater(e.removeTS, e.removeDev, e.addTS, e.addDev)
}

// Members returns the current member DocIDs, ordered by the stable merge
// of insertion order: ascending (addTimestamp, addDeviceID, DocID).
func (s *ChildSet) Members() []ids.DocID {
	var out []ids.DocID

	for child := range s.entries {
		if s.Present(child) {
			out = append(out, child)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ei, ej := s.entries[out[i]], s.entries[out[j]]

		if ei.addTS != ej.addTS {
			return ei.addTS < ej.addTS
		}

		if ei.addDev != ej.addDev {
			return ei.addDev < ej.addDev
		}

		return out[i].String() < out[j].String()
	})

	return out
}
