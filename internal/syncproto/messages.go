// Package syncproto defines the wire messages exchanged between a sync
// client and the server over the coder/websocket transport. Every message is a discriminated
// envelope carrying one typed payload, encoded as JSON for transport.
package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/diaryx-org/diaryx-sync/internal/bodycrdt"
	"github.com/diaryx-org/diaryx-sync/internal/ids"
	"github.com/diaryx-org/diaryx-sync/internal/workspace"
)

// MessageType discriminates the Envelope's Payload.
type MessageType string

const (
	TypeHello            MessageType = "hello"
	TypeHelloAck         MessageType = "hello_ack"
	TypeWorkspaceSyncStep1 MessageType = "workspace_sync_step1"
	TypeWorkspaceSyncStep2 MessageType = "workspace_sync_step2"
	TypeFilesReady       MessageType = "files_ready"
	TypeBodySyncStep1    MessageType = "body_sync_step1"
	TypeBodySyncStep2    MessageType = "body_sync_step2"
	TypeBodyUnknown      MessageType = "body_unknown"
	TypeUpdate           MessageType = "update"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypeBye              MessageType = "bye"
)

// Envelope is the outermost frame on the wire: a type tag plus the raw
// JSON of whichever payload struct below corresponds to it.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps payload in an Envelope of the given type.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("syncproto: marshaling %s payload: %w", t, err)
	}

	env := Envelope{Type: t, Payload: raw}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("syncproto: marshaling envelope: %w", err)
	}

	return b, nil
}

// DecodeEnvelope parses only the outer frame, leaving Payload for the
// caller to unmarshal once it knows the concrete type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("syncproto: decoding envelope: %w", err)
	}

	return env, nil
}

// Hello is the first message a client sends after connecting, naming the
// workspace it wants to synchronize and identifying itself.
type Hello struct {
	Workspace    string `json:"workspace"`
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	ProtoVersion int    `json:"proto_version"`
}

// HelloAck is the server's reply, accepting the connection or rejecting it.
type HelloAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// WorkspaceSyncStep1 carries the sender's workspace cursor.
type WorkspaceSyncStep1 struct {
	Cursor int64 `json:"cursor"`
}

// WorkspaceSyncStep2 carries every workspace op the sender has after the
// cursor it received in a WorkspaceSyncStep1.
type WorkspaceSyncStep2 struct {
	Ops []workspace.Op `json:"ops"`
}

// FilesReady signals that the receiver has applied a WorkspaceSyncStep2
// and its file index is now queryable, letting the peer proceed to
// per-document body sync instead of racing an incomplete tree.
type FilesReady struct{}

// BodySyncStep1 requests body sync for one document.
type BodySyncStep1 struct {
	DocID  ids.DocID `json:"doc_id"`
	Cursor int64     `json:"cursor"`
}

// BodySyncStep2 carries body ops for one document after the requested cursor.
type BodySyncStep2 struct {
	DocID ids.DocID      `json:"doc_id"`
	Ops   []bodycrdt.Op  `json:"ops"`
}

// BodyUnknown tells a BodySyncStep1 requester that the responder has no
// record of DocID; the client skips that document's body sync when it
// receives one. The syncserver package never sends it: it answers every
// BodySyncStep1 with its own BodySyncStep1.
type BodyUnknown struct {
	DocID ids.DocID `json:"doc_id"`
}

// Update carries a single incremental change as it happens, for an
// already-synced peer in steady state — either a workspace op or a body
// op, tagged by which field is populated.
type Update struct {
	WorkspaceOp *workspace.Op  `json:"workspace_op,omitempty"`
	BodyDocID   ids.DocID      `json:"body_doc_id,omitzero"`
	BodyOp      *bodycrdt.Op   `json:"body_op,omitempty"`
}

// Ping/Pong carry no payload beyond their type; they exist so the
// transport layer has an explicit liveness check independent of
// application traffic.
type Ping struct{}
type Pong struct{}

// Bye is sent immediately before a clean, voluntary disconnect.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}
