package materialize

import "errors"

// Sanity-check failure sentinels. A materialize
// pass that fails any of these must not proceed to a commit.
var (
	ErrEmptyBody        = errors.New("materialize: non-tombstoned document has empty body")
	ErrPathSetMismatch  = errors.New("materialize: materialized path set does not match active file index")
	ErrInconsistentLink = errors.New("materialize: parent/child link is not bidirectionally consistent")
	ErrOrphanBody       = errors.New("materialize: body CRDT has no corresponding live document")
	ErrBigDelete        = errors.New("materialize: big-delete protection triggered")
)
