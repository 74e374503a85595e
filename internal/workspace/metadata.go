package workspace

import (
	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
)

// AttrValue is a single entry of FileMetadata.Attrs: a CRDT value tagged
// with the write that produced it, so arbitrary frontmatter keys (title,
// description, audience, and anything under `extra`) can share one merge
// rule.
type AttrValue struct {
	Value     crdtval.Value
	Timestamp int64
	DeviceID  string
}

// mergeAttrValue reconciles two observations of the same attribute key.
// Arrays merge as a set-union;
// everything else resolves by the same tie-break as scalar registers.
func mergeAttrValue(a, b AttrValue) AttrValue {
	if a.Value.Kind == crdtval.KindArray && b.Value.Kind == crdtval.KindArray {
		merged := a
		merged.Value = crdtval.MergeArrayUnion(a.Value, b.Value)

		if lwwGreater(b.Timestamp, b.DeviceID, a.Timestamp, a.DeviceID) {
			merged.Timestamp, merged.DeviceID = b.Timestamp, b.DeviceID
		}

		return merged
	}

	if lwwGreater(b.Timestamp, b.DeviceID, a.Timestamp, a.DeviceID) {
		return b
	}

	return a
}

// BinaryRef describes one attached binary file referenced from a document's
// body, tracked for presence only — content lives outside the CRDT.
type BinaryRef struct {
	Path     string
	Size     int64
	Checksum string
}

// FileMetadata is the CRDT state for one workspace entry: everything other
// than the entry's body text. Body text is
// owned separately by the Body CRDT Manager, referenced here by DocID only.
type FileMetadata struct {
	DocID       ids.DocID
	Filename    StrReg
	Parent      DocReg
	Tombstone   BoolReg
	Children    *ChildSet
	Attachments *AttachmentSet
	Attrs       map[string]AttrValue
	Binaries    map[string]BinaryRef
}

// NewFileMetadata builds an empty metadata record for a freshly created
// document.
func NewFileMetadata(doc ids.DocID) *FileMetadata {
	return &FileMetadata{
		DocID:       doc,
		Children:    NewChildSet(),
		Attachments: NewAttachmentSet(),
		Attrs:       make(map[string]AttrValue),
		Binaries:    make(map[string]BinaryRef),
	}
}

// SetAttr records an observation of attribute key, merging against any
// existing value under the same rule used for concurrent remote updates.
func (m *FileMetadata) SetAttr(key string, value crdtval.Value, ts int64, dev string) {
	next := AttrValue{Value: value, Timestamp: ts, DeviceID: dev}

	if existing, ok := m.Attrs[key]; ok {
		next = mergeAttrValue(existing, next)
	}

	m.Attrs[key] = next
}

// Attr returns the current value of key and whether it has ever been set.
func (m *FileMetadata) Attr(key string) (crdtval.Value, bool) {
	v, ok := m.Attrs[key]
	if !ok {
		return crdtval.Null(), false
	}

	return v.Value, true
}

// Title is a convenience accessor for the well-known "title" attribute.
func (m *FileMetadata) Title() string {
	v, ok := m.Attr("title")
	if !ok {
		return ""
	}

	return v.Text
}

// LastModified returns the latest timestamp among every register and
// attribute write observed for this document, used as the materialized
// `updated` frontmatter value.
func (m *FileMetadata) LastModified() int64 {
	latest := m.Filename.Timestamp

	if m.Parent.Timestamp > latest {
		latest = m.Parent.Timestamp
	}

	if m.Tombstone.Timestamp > latest {
		latest = m.Tombstone.Timestamp
	}

	for _, a := range m.Attrs {
		if a.Timestamp > latest {
			latest = a.Timestamp
		}
	}

	return latest
}
