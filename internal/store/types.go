// Package store implements the durable update store: an
// append-only per-document update log plus periodic snapshots and a
// queryable file index, backed by an embedded SQLite database.
package store

import "github.com/diaryx-org/diaryx-sync/internal/ids"

// UpdateRecord is a single entry in a document's append-only update log.
type UpdateRecord struct {
	ID        int64
	DocName   string
	Payload   []byte
	Origin    string
	Timestamp int64
	DeviceID  string
}

// Snapshot is the merged state of a CRDT doc plus its state vector, as
// persisted by SaveSnapshot / returned by LoadSnapshot.
type Snapshot struct {
	DocName     string
	State       []byte
	StateVector []byte
	UpdatedAt   int64
}

// FileIndexRow is a queryable, denormalized view of a workspace CRDT entry,
// kept in sync on every workspace change so trees can be rendered without
// loading CRDTs.
type FileIndexRow struct {
	Path       string
	DocID      ids.DocID
	Title      string
	ParentPath string
	Tombstoned bool
	ModifiedAt int64
}
