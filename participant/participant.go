// Package participant implements the session table: authenticated
// admission, reconnection takeover, and the invariant that at most one live
// session exists per (workspace, participant).
package participant

import (
	"sync"
	"time"

	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/transport"
)

// Session is a connected participant's server-side record. TransportHandle
// is an optional, unowned back-reference: its lifetime may end before the
// session's, and closing it does not free the session.
type Session struct {
	ParticipantID    ids.ParticipantID
	WorkspaceID      ids.WorkspaceID
	PublicKey        sagecrypto.KeyPair
	ConnectedAtMs    int64
	LastActivityMs   int64
	TransportHandle  transport.Handle
}

type key struct {
	workspace   ids.WorkspaceID
	participant ids.ParticipantID
}

// JoinedHandler is invoked after a session is admitted.
type JoinedHandler func(ids.WorkspaceID, ids.ParticipantID)

// LeftHandler is invoked after a session is removed.
type LeftHandler func(ids.WorkspaceID, ids.ParticipantID)

// Manager owns ParticipantSession records, keyed by (workspace, participant).
type Manager struct {
	mu       sync.RWMutex
	sessions map[key]*Session

	onJoined JoinedHandler
	onLeft   LeftHandler
	now      func() int64
}

// NewManager returns an empty participant manager.
func NewManager(onJoined JoinedHandler, onLeft LeftHandler) *Manager {
	return &Manager{
		sessions: make(map[key]*Session),
		onJoined: onJoined,
		onLeft:   onLeft,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Admit installs a new session for (workspaceID, participantID). If a
// session already exists for that key, it is removed first (its transport
// closed if present) so reconnection always takes over cleanly.
func (m *Manager) Admit(workspaceID ids.WorkspaceID, participantID ids.ParticipantID, pub sagecrypto.KeyPair, handle transport.Handle) *Session {
	k := key{workspaceID, participantID}

	m.mu.Lock()
	if existing, ok := m.sessions[k]; ok {
		if existing.TransportHandle != nil {
			_ = existing.TransportHandle.Close()
		}
		delete(m.sessions, k)
	}
	nowMs := m.now()
	sess := &Session{
		ParticipantID:   participantID,
		WorkspaceID:     workspaceID,
		PublicKey:       pub,
		ConnectedAtMs:   nowMs,
		LastActivityMs:  nowMs,
		TransportHandle: handle,
	}
	m.sessions[k] = sess
	m.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()

	if m.onJoined != nil {
		m.onJoined(workspaceID, participantID)
	}
	return sess
}

// GetSession returns the live session for (workspaceID, participantID), if
// any.
func (m *Manager) GetSession(workspaceID ids.WorkspaceID, participantID ids.ParticipantID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key{workspaceID, participantID}]
	return sess, ok
}

// ListWorkspaceParticipants returns the participant ids currently admitted
// to workspaceID.
func (m *Manager) ListWorkspaceParticipants(workspaceID ids.WorkspaceID) []ids.ParticipantID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ids.ParticipantID
	for k := range m.sessions {
		if k.workspace == workspaceID {
			out = append(out, k.participant)
		}
	}
	return out
}

// TotalParticipantCount returns the number of live sessions across every
// workspace.
func (m *Manager) TotalParticipantCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RemoveParticipant closes the session's transport (swallowing any error)
// and deletes the session. Removal is idempotent.
func (m *Manager) RemoveParticipant(workspaceID ids.WorkspaceID, participantID ids.ParticipantID) {
	k := key{workspaceID, participantID}

	m.mu.Lock()
	sess, ok := m.sessions[k]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, k)
	m.mu.Unlock()

	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.Inc()
	lifetime := time.Duration(m.now()-sess.ConnectedAtMs) * time.Millisecond
	metrics.SessionDuration.WithLabelValues("lifetime").Observe(lifetime.Seconds())

	if sess.TransportHandle != nil {
		_ = sess.TransportHandle.Close()
	}
	if m.onLeft != nil {
		m.onLeft(workspaceID, participantID)
	}
}

// Touch updates a session's last-activity timestamp.
func (m *Manager) Touch(workspaceID ids.WorkspaceID, participantID ids.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key{workspaceID, participantID}]; ok {
		sess.LastActivityMs = m.now()
	}
}

// RemoveAllForWorkspace evicts every session belonging to workspaceID, e.g.
// on workspace expiration.
func (m *Manager) RemoveAllForWorkspace(workspaceID ids.WorkspaceID) {
	m.mu.Lock()
	var toRemove []ids.ParticipantID
	for k := range m.sessions {
		if k.workspace == workspaceID {
			toRemove = append(toRemove, k.participant)
		}
	}
	m.mu.Unlock()

	for _, p := range toRemove {
		m.RemoveParticipant(workspaceID, p)
	}
}
