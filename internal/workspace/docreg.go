package workspace

import "github.com/diaryx-org/diaryx-sync/internal/ids"

// DocReg is a last-write-wins register holding a DocID, used for the
// `parent` field — the canonical source of the forest structure
//.
type DocReg struct {
	Value     ids.DocID
	Timestamp int64
	DeviceID  string
	set       bool
}

// Set assigns a new value if it wins the tie-break against the current one.
// Returns true if the value actually changed (used to decide whether a
// structural reconciliation pass is needed).
func (r *DocReg) Set(value ids.DocID, ts int64, dev string) bool {
	if !r.set || lwwGreater(ts, dev, r.Timestamp, r.DeviceID) {
		changed := !r.set || r.Value != value
		r.Value, r.Timestamp, r.DeviceID, r.set = value, ts, dev, true

		return changed
	}

	return false
}
