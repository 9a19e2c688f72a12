package workspace

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ephemera-project/ephemera/audit"
	"github.com/ephemera-project/ephemera/crypto/temporal"
	"github.com/ephemera-project/ephemera/ids"
	"golang.org/x/sync/singleflight"
)

// ErrExtensionNotAllowed is returned by Extend when the workspace's config
// forbids extension or the workspace is not active.
var ErrExtensionNotAllowed = errors.New("workspace: extension not allowed")

// ErrWorkspaceNotFound is returned when a workspace id is unknown.
var ErrWorkspaceNotFound = errors.New("workspace: not found")

// ErrWorkspaceExpired is returned when a mutating call targets a
// non-active workspace.
var ErrWorkspaceExpired = errors.New("workspace: expired or revoked")

// ExpirationHandler is invoked when a workspace's one-shot timer fires.
type ExpirationHandler func(id ids.WorkspaceID)

// Manager owns Workspace records and their expiration timers. Metadata
// re-encryption on membership change is serialized per workspace via a
// singleflight group keyed by workspace id, so concurrent adds/removes
// against the same workspace never race on the encrypted envelope.
type Manager struct {
	mu         sync.RWMutex
	workspaces map[ids.WorkspaceID]*Workspace
	contentKeys map[ids.WorkspaceID][32]byte

	reseal singleflight.Group
	audit  *audit.Logger
	onExpire ExpirationHandler

	now func() int64
}

// NewManager returns an empty workspace manager. audit records lifecycle
// events; onExpire is invoked (outside any lock) when a workspace's timer
// fires.
func NewManager(auditLogger *audit.Logger, onExpire ExpirationHandler) *Manager {
	return &Manager{
		workspaces:  make(map[ids.WorkspaceID]*Workspace),
		contentKeys: make(map[ids.WorkspaceID][32]byte),
		audit:       auditLogger,
		onExpire:    onExpire,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Create validates cfg.DurationMinutes ∈ [5, 120], seals the initial
// metadata envelope for the creator's public key alone, stores the record, schedules its expiration timer, and
// emits workspace_created.
func (m *Manager) Create(cfg Config, creatorID ids.ParticipantID, creatorPub *ecdh.PublicKey) (*Workspace, error) {
	if cfg.DurationMinutes < 5 || cfg.DurationMinutes > 120 {
		return nil, ErrInvalidDuration
	}
	if cfg.RotationIntervalMin <= 0 {
		cfg.RotationIntervalMin = 5
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = 50
	}

	nowMs := m.now()
	window := temporal.TimeWindow{
		StartMs:             nowMs,
		EndMs:               nowMs + int64(cfg.DurationMinutes)*60*1000,
		RotationIntervalMin: cfg.RotationIntervalMin,
		GracePeriodMs:       cfg.GracePeriodMs,
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	wsID := ids.NewWorkspaceID()
	wsConfig := WorkspaceConfig{
		ID:              wsID,
		CreatedAtMs:     nowMs,
		ExpiresAtMs:     window.EndMs,
		Window:          window,
		MaxParticipants: cfg.MaxParticipants,
		AllowExtension:  cfg.AllowExtension,
	}

	metadata := Metadata{
		Config:           wsConfig,
		Participants:     []ParticipantInfo{{ID: creatorID, PublicKeyBytes: creatorPub.Bytes(), Role: "creator"}},
		CurrentKeyID:     temporal.KeyIDForOrdinal(0),
		NextRotationAtMs: nowMs + int64(cfg.RotationIntervalMin)*60*1000,
	}

	env, contentKey, err := Seal(metadata, []*ecdh.PublicKey{creatorPub})
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		ID:            wsID,
		Config:        wsConfig,
		EncryptedMeta: env,
		Status:        StatusActive,
		Participants:  []*ecdh.PublicKey{creatorPub},
	}

	m.mu.Lock()
	m.workspaces[wsID] = ws
	m.contentKeys[wsID] = contentKey
	ws.expirationTimer = time.AfterFunc(time.Duration(window.EndMs-nowMs)*time.Millisecond, func() {
		m.expire(wsID)
	})
	m.mu.Unlock()

	m.recordAudit(wsID, audit.EventWorkspaceCreated, &creatorID)
	return ws, nil
}

// ActiveCount returns the number of workspaces currently in StatusActive.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, ws := range m.workspaces {
		if ws.Status == StatusActive {
			count++
		}
	}
	return count
}

// Get returns the workspace record for id, or ErrWorkspaceNotFound.
func (m *Manager) Get(id ids.WorkspaceID) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	return ws, nil
}

// EncryptedMetadata returns the workspace's current sealed metadata
// envelope, e.g. for a MetadataRefresh reply.
func (m *Manager) EncryptedMetadata(id ids.WorkspaceID) (Envelope, error) {
	ws, err := m.Get(id)
	if err != nil {
		return Envelope{}, err
	}
	return ws.EncryptedMeta, nil
}

// Extend increases a still-active, extension-permitting workspace's
// expiry by additionalMinutes and reschedules its timer.
func (m *Manager) Extend(id ids.WorkspaceID, additionalMinutes int) (*Workspace, error) {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrWorkspaceNotFound
	}
	if ws.Status != StatusActive || !ws.Config.AllowExtension || ws.IsExpired(m.now()) {
		m.mu.Unlock()
		return nil, ErrExtensionNotAllowed
	}

	additionalMs := int64(additionalMinutes) * 60 * 1000
	ws.Config.ExpiresAtMs += additionalMs
	ws.Config.Window.EndMs += additionalMs

	if ws.expirationTimer != nil {
		ws.expirationTimer.Stop()
	}
	remaining := time.Duration(ws.Config.ExpiresAtMs-m.now()) * time.Millisecond
	ws.expirationTimer = time.AfterFunc(remaining, func() { m.expire(id) })
	m.mu.Unlock()

	m.recordAudit(id, audit.EventWorkspaceExtended, nil)
	return ws, nil
}

// Revoke transitions the workspace to Revoked, cancels its timer, and
// emits workspace_revoked. Revocation is terminal.
func (m *Manager) Revoke(id ids.WorkspaceID) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return ErrWorkspaceNotFound
	}
	if ws.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}
	ws.Status = StatusRevoked
	ws.Config.ExpiresAtMs = m.now()
	if ws.expirationTimer != nil {
		ws.expirationTimer.Stop()
	}
	m.mu.Unlock()

	m.recordAudit(id, audit.EventWorkspaceRevoked, nil)
	return nil
}

// expire is the one-shot timer callback: transitions to Expired, deletes
// audit logs, and invokes onExpire so the caller can purge keys/buffers.
func (m *Manager) expire(id ids.WorkspaceID) {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok || ws.Status != StatusActive {
		m.mu.Unlock()
		return
	}
	ws.Status = StatusExpired
	m.mu.Unlock()

	m.recordAudit(id, audit.EventWorkspaceExpired, nil)
	if m.audit != nil {
		m.audit.DeleteWorkspaceLogs(id)
	}
	if m.onExpire != nil {
		m.onExpire(id)
	}
}

// AddParticipant admits a new member and re-encrypts the metadata envelope
// for the updated recipient set. Re-encryptions against the same workspace
// id are collapsed via singleflight so concurrent membership churn never
// races on the envelope.
func (m *Manager) AddParticipant(id ids.WorkspaceID, participantID ids.ParticipantID, pub *ecdh.PublicKey) error {
	_, err, _ := m.reseal.Do(id.String(), func() (interface{}, error) {
		return nil, m.mutateMembership(id, func(meta *Metadata, recipients *[]*ecdh.PublicKey) error {
			for _, p := range meta.Participants {
				if p.ID == participantID {
					return nil
				}
			}
			meta.Participants = append(meta.Participants, ParticipantInfo{ID: participantID, PublicKeyBytes: pub.Bytes(), Role: "participant"})
			*recipients = append(*recipients, pub)
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.recordAudit(id, audit.EventParticipantJoined, &participantID)
	return nil
}

// RemoveParticipant evicts a member and re-encrypts the metadata envelope
// for the reduced recipient set; a removed participant's later attempts to
// decrypt fresh metadata fail since it is no longer a sealed recipient.
func (m *Manager) RemoveParticipant(id ids.WorkspaceID, participantID ids.ParticipantID) error {
	_, err, _ := m.reseal.Do(id.String(), func() (interface{}, error) {
		return nil, m.mutateMembership(id, func(meta *Metadata, recipients *[]*ecdh.PublicKey) error {
			kept := meta.Participants[:0]
			keptRecipients := (*recipients)[:0]
			for i, p := range meta.Participants {
				if p.ID == participantID {
					continue
				}
				kept = append(kept, p)
				keptRecipients = append(keptRecipients, (*recipients)[i])
			}
			meta.Participants = kept
			*recipients = keptRecipients
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.recordAudit(id, audit.EventParticipantLeft, &participantID)
	return nil
}

func (m *Manager) mutateMembership(id ids.WorkspaceID, mutate func(meta *Metadata, recipients *[]*ecdh.PublicKey) error) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return ErrWorkspaceNotFound
	}
	if ws.Status != StatusActive {
		m.mu.Unlock()
		return ErrWorkspaceExpired
	}
	contentKey := m.contentKeys[id]
	env := ws.EncryptedMeta
	participants := append([]*ecdh.PublicKey{}, ws.Participants...)
	m.mu.Unlock()

	// The manager retains the content key itself (set on Create and every
	// reseal), so it can open and reseal without needing any participant's
	// private key.
	meta, err := openWithContentKey(env, contentKey)
	if err != nil {
		return err
	}

	if err := mutate(&meta, &participants); err != nil {
		return err
	}

	var freshKey [32]byte
	if _, err := io.ReadFull(rand.Reader, freshKey[:]); err != nil {
		return fmt.Errorf("workspace: generate content key: %w", err)
	}
	newEnv, err := Reencrypt(meta, freshKey, participants)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ws.EncryptedMeta = newEnv
	ws.Participants = participants
	m.contentKeys[id] = freshKey
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordAudit(id ids.WorkspaceID, eventType audit.EventType, participantID *ids.ParticipantID) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Record(audit.Event{
		WorkspaceID:   id,
		TimestampMs:   m.now(),
		EventType:     eventType,
		ParticipantID: participantID,
	})
}
