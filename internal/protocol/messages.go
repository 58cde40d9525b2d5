// Package protocol defines the JSON messages exchanged over a collaboration
// connection. Every frame is an Envelope whose payload depends on Type.
package protocol

import (
	"encoding/json"
	"fmt"

	"collabsync/internal/clock"
	"collabsync/internal/models"
)

/*
LEARNING: MESSAGE ENVELOPE

  {"type": "document-update", "payload": {...}}

The payload stays a json.RawMessage until the dispatcher knows the type,
so each handler decodes exactly the struct it expects. []byte fields
(update and state bytes) are base64 in JSON automatically.
*/

// MessageType names a message on the wire
type MessageType string

const (
	// client -> server
	TypeJoinDocument  MessageType = "join-document"
	TypeLeaveDocument MessageType = "leave-document"
	TypeCursorUpdate  MessageType = "cursor-update"

	// both directions
	TypeDocumentUpdate MessageType = "document-update"

	// server -> client
	TypeDocumentState  MessageType = "document-state"
	TypeUpdateAck      MessageType = "update-ack"
	TypeUserJoined     MessageType = "user-joined"
	TypeUserLeft       MessageType = "user-left"
	TypePresenceUpdate MessageType = "presence-update"
	TypeError          MessageType = "error"
)

// Envelope wraps every frame
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payloads

type JoinDocument struct {
	DocumentID string `json:"documentId"`
}

type LeaveDocument struct {
	DocumentID string `json:"documentId"`
}

// DocumentUpdate is sent by a client. Update is the opaque CRDT fragment.
type DocumentUpdate struct {
	DocumentID        string            `json:"documentId"`
	Update            []byte            `json:"update"`
	VectorClock       clock.VectorClock `json:"vectorClock,omitempty"`
	ClientOperationID uint64            `json:"clientOperationId"`
}

type CursorUpdate struct {
	DocumentID string         `json:"documentId"`
	Cursor     *models.Cursor `json:"cursor"`
}

// Outbound payloads

type DocumentState struct {
	DocumentID  string            `json:"documentId"`
	State       []byte            `json:"state"`
	Version     uint64            `json:"version"`
	VectorClock clock.VectorClock `json:"vectorClock"`
}

// RemoteUpdate is the broadcast of an applied update to the other room members
type RemoteUpdate struct {
	DocumentID        string            `json:"documentId"`
	Update            []byte            `json:"update"`
	VectorClock       clock.VectorClock `json:"vectorClock"`
	LamportTimestamp  uint64            `json:"lamportTimestamp"`
	SequenceNumber    uint64            `json:"sequenceNumber"`
	AuthorUserID      string            `json:"authorUserId"`
	ClientOperationID uint64            `json:"clientOperationId"`
}

type UpdateAck struct {
	DocumentID        string            `json:"documentId"`
	ClientOperationID uint64            `json:"clientOperationId"`
	VectorClock       clock.VectorClock `json:"vectorClock"`
	LamportTimestamp  uint64            `json:"lamportTimestamp"`
	SequenceNumber    uint64            `json:"sequenceNumber"`
	Duplicate         bool              `json:"duplicate,omitempty"`
}

type RemoteCursor struct {
	DocumentID string         `json:"documentId"`
	UserID     string         `json:"userId"`
	Username   string         `json:"username"`
	Cursor     *models.Cursor `json:"cursor"`
}

type UserJoined struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Color      string `json:"color"`
}

type UserLeft struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
}

type PresenceUser struct {
	UserID   string         `json:"userId"`
	Username string         `json:"username"`
	Color    string         `json:"color"`
	Cursor   *models.Cursor `json:"cursor,omitempty"`
}

type PresenceUpdate struct {
	DocumentID string         `json:"documentId"`
	Users      []PresenceUser `json:"users"`
}

// ErrorCode classifies an error frame
type ErrorCode string

const (
	CodeAccessDenied ErrorCode = "access_denied"
	CodeNotFound     ErrorCode = "not_found"
	CodeNotInRoom    ErrorCode = "not_in_room"
	CodeMergeFailed  ErrorCode = "merge_failed"
	CodeReadOnly     ErrorCode = "read_only"
	CodeBadRequest   ErrorCode = "bad_request"
	CodeInternal     ErrorCode = "internal"

	// CodeMissingDependencies rejects an update that builds on changes the
	// server has not seen. Resending it with those changes (e.g. the client's
	// full state) succeeds.
	CodeMissingDependencies ErrorCode = "missing_dependencies"
)

// Terminal reports whether the client must leave the document view
func (c ErrorCode) Terminal() bool {
	return c == CodeAccessDenied || c == CodeNotFound
}

type Error struct {
	Code              ErrorCode `json:"code"`
	Message           string    `json:"message"`
	DocumentID        string    `json:"documentId,omitempty"`
	ClientOperationID uint64    `json:"clientOperationId,omitempty"`
}

// Encode marshals a payload into an envelope frame
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// MustEncode is Encode for payloads that always marshal (the structs in this package)
func MustEncode(t MessageType, payload interface{}) []byte {
	frame, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode parses a frame into its envelope
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: malformed payload: %w", e.Type, err)
	}
	return nil
}
