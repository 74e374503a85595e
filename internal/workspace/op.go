package workspace

import (
	"encoding/json"
	"fmt"

	"github.com/diaryx-org/diaryx-sync/internal/crdtval"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
)

// OpType identifies the kind of workspace mutation recorded in an Op.
type OpType string

const (
	OpCreate         OpType = "create"
	OpRename         OpType = "rename"
	OpMove           OpType = "move"
	OpTombstone      OpType = "tombstone"
	OpRestore        OpType = "restore"
	OpSetAttribute   OpType = "set_attribute"
	OpAddChildLink   OpType = "add_child_link"
	OpRemoveChildLink OpType = "remove_child_link"
)

// Op is one workspace CRDT mutation, the unit persisted to the durable
// update log and exchanged during sync. Fields unused by a
// given Type are left zero; the JSON encoding is the update log payload.
type Op struct {
	Type      OpType          `json:"type"`
	DocID     ids.DocID       `json:"doc_id"`
	Timestamp int64           `json:"timestamp"`
	DeviceID  string          `json:"device_id"`

	// OpRename, OpSetAttribute(key)
	Name string `json:"name,omitempty"`

	// OpMove, OpCreate, OpAddChildLink/OpRemoveChildLink (target child).
	// ids.Nil marshals as the nil UUID string rather than being omitted.
	Parent ids.DocID `json:"parent"`
	Child  ids.DocID `json:"child"`

	// OpSetAttribute
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Encode serializes the Op for storage in the durable update log.
func (op Op) Encode() ([]byte, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("workspace: encode op: %w", err)
	}

	return b, nil
}

// DecodeOp parses a payload previously produced by Op.Encode.
func DecodeOp(payload []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(payload, &op); err != nil {
		return Op{}, fmt.Errorf("workspace: decode op: %w", err)
	}

	return op, nil
}

// AttrValueFromJSON decodes the OpSetAttribute value payload into a
// crdtval.Value.
func (op Op) AttrValueFromJSON() (crdtval.Value, error) {
	var v crdtval.Value
	if err := json.Unmarshal(op.Value, &v); err != nil {
		return crdtval.Value{}, fmt.Errorf("workspace: decode attribute value: %w", err)
	}

	return v, nil
}
