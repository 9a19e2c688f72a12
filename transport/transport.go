// Package transport defines the narrow boundary between the protocol
// engine and whatever wire carries its framed messages. The engine depends
// only on this interface; concrete adapters (transport/memory,
// transport/websocket) live underneath it.
package transport

import "context"

// Handle is a single connection's send/close surface, as seen by
// ProtocolEngine and OperationRouter. It owns nothing about session state:
// severing a Handle does not free the session that references it, and vice
// versa.
type Handle interface {
	// Send writes a single framed message to the peer. A returned error
	// means the caller should treat delivery as failed and fall back to
	// buffering; it must never panic or block indefinitely.
	Send(ctx context.Context, frame []byte) error

	// Close releases the underlying connection. Idempotent.
	Close() error

	// RemoteID is an opaque, transport-assigned identifier for logging and
	// metrics; it carries no protocol meaning.
	RemoteID() string
}
