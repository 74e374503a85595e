package workspace

import "errors"

var (
	// ErrNotFound is returned when an operation references a DocID that
	// does not exist (and is not merely tombstoned).
	ErrNotFound = errors.New("workspace: document not found")

	// ErrCycleWouldForm is returned by Move when the requested new parent
	// is a descendant of the document being moved.
	ErrCycleWouldForm = errors.New("workspace: move would create a cycle")

	// ErrNameCollision is returned by Rename, Restore, and CreateFile when
	// the destination path is already occupied by a non-tombstoned sibling.
	ErrNameCollision = errors.New("workspace: name already in use under parent")
)
