// Package protocol implements the transport-facing connection state machine
// that ties temporal keys, authentication, the CRDT, the router and the
// rate limiter into the wire-level handshake/operation/sync protocol.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ephemera-project/ephemera/auth"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/operation"
	"github.com/ephemera-project/ephemera/workspace"
)

// ProtocolVersion is the only handshake version this engine accepts.
const ProtocolVersion = "1.0.0"

// MessageType enumerates the envelope's `type` field.
type MessageType string

const (
	TypeChallenge            MessageType = "challenge"
	TypeHandshake            MessageType = "handshake"
	TypeHandshakeAck         MessageType = "handshake_ack"
	TypeOperation            MessageType = "operation"
	TypeOperationAck         MessageType = "operation_ack"
	TypeSyncRequest          MessageType = "sync_request"
	TypeSyncResponse         MessageType = "sync_response"
	TypeMetadataRefresh      MessageType = "metadata_refresh"
	TypeMetadataRefreshReply MessageType = "metadata_refresh_reply"
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
	TypeError                MessageType = "error"
)

// Envelope is the transport-agnostic frame every message travels in.
type Envelope struct {
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"timestamp_ms"`
	MessageID   string          `json:"message_id"`
}

// ChallengePayload is sent immediately on connect.
type ChallengePayload struct {
	ChallengeID string   `json:"challenge_id"`
	Challenge   [32]byte `json:"challenge"`
}

// HandshakePayload is the client's response to a Challenge. PublicKey is
// the Ed25519 identity key the proof is verified against; KeyExchangePublicKey
// is the separate X25519 key sealed into the workspace's encrypted metadata
// envelope as this participant joins (§4.8's add_participant).
type HandshakePayload struct {
	ProtocolVersion      string            `json:"protocol_version"`
	WorkspaceID          ids.WorkspaceID   `json:"workspace_id"`
	ParticipantID        ids.ParticipantID `json:"participant_id"`
	PublicKey            []byte            `json:"public_key"`
	KeyExchangePublicKey []byte            `json:"key_exchange_public_key"`
	Proof                auth.Proof        `json:"proof"`
}

// HandshakeAckPayload confirms a successful handshake.
type HandshakeAckPayload struct {
	Success          bool              `json:"success"`
	CurrentKeyID     string            `json:"current_key_id"`
	EncryptedMetadata workspace.Envelope `json:"encrypted_metadata"`
	ServerTimeMs     int64             `json:"server_time_ms"`
}

// OperationPayload carries one encrypted edit.
type OperationPayload struct {
	Operation operation.EncryptedOperation `json:"operation"`
}

// OperationAckPayload confirms receipt of an Operation to its sender.
type OperationAckPayload struct {
	OperationID       ids.OperationID `json:"operation_id"`
	ServerTimestampMs int64           `json:"server_timestamp_ms"`
}

// SyncRequestPayload asks for everything since a timestamp.
type SyncRequestPayload struct {
	FromTimestampMs int64 `json:"from_timestamp_ms"`
}

// SyncResponsePayload answers a SyncRequest.
type SyncResponsePayload struct {
	Operations   []operation.EncryptedOperation `json:"operations"`
	CurrentState []byte                         `json:"current_state"`
}

// MetadataRefreshPayload asks for the workspace's current encrypted
// metadata envelope, e.g. after a membership change the caller suspects it
// missed.
type MetadataRefreshPayload struct{}

// MetadataRefreshReplyPayload answers a MetadataRefresh with the workspace's
// current sealed envelope, unchanged since the last HandshakeAck/AddParticipant.
type MetadataRefreshReplyPayload struct {
	EncryptedMetadata workspace.Envelope `json:"encrypted_metadata"`
}

// ErrorPayload is the wire shape of a typed protocol error.
type ErrorPayload struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// ErrorKind enumerates the error codes named in the error handling design.
type ErrorKind string

const (
	KindAuthFailed          ErrorKind = "AuthFailed"
	KindWorkspaceNotFound   ErrorKind = "WorkspaceNotFound"
	KindWorkspaceExpired    ErrorKind = "WorkspaceExpired"
	KindInvalidOperation    ErrorKind = "InvalidOperation"
	KindRateLimitExceeded   ErrorKind = "RateLimitExceeded"
	KindExtensionNotAllowed ErrorKind = "ExtensionNotAllowed"
	KindKeyUnavailable      ErrorKind = "KeyUnavailable"
)

// ProtocolError is the typed error every engine boundary maps onto, either
// as a wire Error message or an HTTP status.
type ProtocolError struct {
	Kind         ErrorKind
	Message      string
	RetryAfterMs int64
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newProtocolError(kind ErrorKind, message string) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message}
}

// ErrAuthFailed constructs an AuthFailed error. Per the zero-knowledge
// property, callers must never pass a message that reveals which check
// failed.
func ErrAuthFailed(message string) *ProtocolError { return newProtocolError(KindAuthFailed, message) }

// ErrWorkspaceNotFound constructs a WorkspaceNotFound error.
func ErrWorkspaceNotFound(message string) *ProtocolError {
	return newProtocolError(KindWorkspaceNotFound, message)
}

// ErrWorkspaceExpired constructs a WorkspaceExpired error.
func ErrWorkspaceExpired(message string) *ProtocolError {
	return newProtocolError(KindWorkspaceExpired, message)
}

// ErrInvalidOperation constructs an InvalidOperation error.
func ErrInvalidOperation(message string) *ProtocolError {
	return newProtocolError(KindInvalidOperation, message)
}

// ErrRateLimitExceeded constructs a RateLimitExceeded error carrying the
// retry-after hint from the limiter.
func ErrRateLimitExceeded(message string, retryAfterMs int64) *ProtocolError {
	return &ProtocolError{Kind: KindRateLimitExceeded, Message: message, RetryAfterMs: retryAfterMs}
}

// ErrExtensionNotAllowed constructs an ExtensionNotAllowed error.
func ErrExtensionNotAllowed(message string) *ProtocolError {
	return newProtocolError(KindExtensionNotAllowed, message)
}

// ErrKeyUnavailable constructs a KeyUnavailable error.
func ErrKeyUnavailable(message string) *ProtocolError {
	return newProtocolError(KindKeyUnavailable, message)
}
