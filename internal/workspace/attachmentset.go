package workspace

import "sort"

// attachmentEntry mirrors childEntry but is keyed by the attachment's
// relative path rather than a DocID, since binary attachments are not
// themselves CRDT documents.
type attachmentEntry struct {
	addTS, removeTS   int64
	addDev, removeDev string
	hasAdd, hasRemove bool
}

// AttachmentSet is an add-wins observed-remove set of attachment paths,
// structurally identical to ChildSet but keyed by string rather than DocID.
type AttachmentSet struct {
	entries map[string]*attachmentEntry
}

// NewAttachmentSet returns an empty AttachmentSet.
func NewAttachmentSet() *AttachmentSet {
	return &AttachmentSet{entries: make(map[string]*attachmentEntry)}
}

// Add records an attachment becoming present.
func (s *AttachmentSet) Add(path string, ts int64, dev string) {
	e, ok := s.entries[path]
	if !ok {
		e = &attachmentEntry{}
		s.entries[path] = e
	}

	if !e.hasAdd || lwwGreater(ts, dev, e.addTS, e.addDev) {
		e.addTS, e.addDev, e.hasAdd = ts, dev, true
	}
}

// Remove records an attachment being detached.
func (s *AttachmentSet) Remove(path string, ts int64, dev string) {
	e, ok := s.entries[path]
	if !ok {
		e = &attachmentEntry{}
		s.entries[path] = e
	}

	if !e.hasRemove || lwwGreater(ts, dev, e.removeTS, e.removeDev) {
		e.removeTS, e.removeDev, e.hasRemove = ts, dev, true
	}
}

// Present reports whether path is currently attached.
func (s *AttachmentSet) Present(path string) bool {
	e, ok := s.entries[path]
	if !ok || !e.hasAdd {
		return false
	}

	if !e.hasRemove {
		return true
	}

	return !lwwGreater(e.removeTS, e.removeDev, e.addTS, e.addDev)
}

// Members returns the currently attached paths, ordered ascending by
// (addTimestamp, addDeviceID, path).
func (s *AttachmentSet) Members() []string {
	var out []string

	for path := range s.entries {
		if s.Present(path) {
			out = append(out, path)
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

		return out[i] < out[j]
	})

	return out
}
