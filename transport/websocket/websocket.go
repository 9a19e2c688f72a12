// Package websocket is a reference transport.Handle adapter over
// gorilla/websocket. It is a thin binding of the wire boundary named in
// spec.md §1/§6 — not a production gateway: TLS termination, HTTP-layer
// auth, and horizontal scaling are left to whatever embeds it.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handle adapts a single *websocket.Conn to transport.Handle.
type Handle struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	remoteID     string
	writeTimeout time.Duration
	closed       bool
}

// Upgrade upgrades an HTTP request to a WebSocket connection and wraps it
// as a Handle identified by remoteID.
func Upgrade(w http.ResponseWriter, r *http.Request, remoteID string) (*Handle, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Handle{conn: conn, remoteID: remoteID, writeTimeout: 30 * time.Second}, nil
}

// Send writes frame as a single binary WebSocket message.
func (h *Handle) Send(ctx context.Context, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return websocket.ErrCloseSent
	}
	deadline := time.Now().Add(h.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := h.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return h.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Recv blocks for the next inbound binary frame. Callers (the protocol
// engine's read loop) drive this in their own goroutine per connection.
func (h *Handle) Recv() ([]byte, error) {
	_, data, err := h.conn.ReadMessage()
	return data, err
}

// Close sends a normal-closure frame and closes the underlying connection.
// Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return h.conn.Close()
}

// RemoteID returns the identifier this Handle was constructed with.
func (h *Handle) RemoteID() string {
	return h.remoteID
}
