// Package memory provides an in-process transport.Handle implementation,
// used by tests to exercise the protocol engine without a real network
// socket.
package memory

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send once the handle has been closed.
var ErrClosed = errors.New("memory: handle closed")

// Handle is a transport.Handle that keeps sent frames in memory, useful for
// tests that want to inspect exactly what was sent to a peer.
type Handle struct {
	mu       sync.Mutex
	id       string
	closed   bool
	sent     [][]byte
	failNext bool
}

// New returns a Handle identified by id.
func New(id string) *Handle {
	return &Handle{id: id}
}

// Send records frame, unless the handle has been closed or FailNextSend was
// armed.
func (h *Handle) Send(_ context.Context, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.failNext {
		h.failNext = false
		return errors.New("memory: simulated send failure")
	}
	h.sent = append(h.sent, append([]byte{}, frame...))
	return nil
}

// Close marks the handle closed. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// RemoteID returns the handle's id.
func (h *Handle) RemoteID() string {
	return h.id
}

// Sent returns every frame accepted by Send so far, for test assertions.
func (h *Handle) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte{}, h.sent...)
}

// FailNextSend arms a one-shot simulated send failure, for exercising the
// router's buffering fallback.
func (h *Handle) FailNextSend() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext = true
}

// IsClosed reports whether Close has been called.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
