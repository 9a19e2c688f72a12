// Package audit implements the per-workspace encrypted event journal: every
// lifecycle and operation event is sealed under a key that is destroyed
// along with the workspace, so audit history becomes unrecoverable at the
// same moment the workspace does.
package audit

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ephemera-project/ephemera/crypto/temporal"
	"github.com/ephemera-project/ephemera/ids"
)

// EventType enumerates the kinds of event the journal records.
type EventType string

const (
	EventWorkspaceCreated   EventType = "workspace_created"
	EventWorkspaceExtended  EventType = "workspace_extended"
	EventWorkspaceRevoked   EventType = "workspace_revoked"
	EventWorkspaceExpired   EventType = "workspace_expired"
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventParticipantRevoked EventType = "participant_revoked"
	EventOperationSubmitted EventType = "operation_submitted"
	EventKeyRotated         EventType = "key_rotated"
	EventKeyDeleted         EventType = "key_deleted"
)

// Event is the plaintext shape of a single audit record before sealing.
type Event struct {
	ID            ids.OperationID
	WorkspaceID   ids.WorkspaceID
	TimestampMs   int64
	EventType     EventType
	ParticipantID *ids.ParticipantID
	Metadata      map[string]string
}

// sealedEntry is what is actually retained: the event_type never appears in
// the clear.
type sealedEntry struct {
	payload temporal.EncryptedPayload
}

// Logger is a per-workspace encrypted audit journal. It is safe for
// concurrent use.
type Logger struct {
	mu      sync.Mutex
	keys    map[ids.WorkspaceID]*[32]byte
	entries map[ids.WorkspaceID][]sealedEntry
}

// NewLogger returns an empty audit logger.
func NewLogger() *Logger {
	return &Logger{
		keys:    make(map[ids.WorkspaceID]*[32]byte),
		entries: make(map[ids.WorkspaceID][]sealedEntry),
	}
}

// GetAuditKey returns the workspace's audit key, generating one on first
// use. Keys are distinct per workspace.
func (l *Logger) GetAuditKey(workspaceID ids.WorkspaceID) (*[32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getAuditKeyLocked(workspaceID)
}

func (l *Logger) getAuditKeyLocked(workspaceID ids.WorkspaceID) (*[32]byte, error) {
	if key, ok := l.keys[workspaceID]; ok {
		return key, nil
	}
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("audit: generate key: %w", err)
	}
	l.keys[workspaceID] = &key
	return &key, nil
}

// Record serializes and seals event under its workspace's audit key.
func (l *Logger) Record(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, err := l.getAuditKeyLocked(event.WorkspaceID)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	tk := temporal.TemporalKey{ID: event.WorkspaceID.String(), Material: *key, ValidFromMs: 0, ValidUntilMs: 1 << 62, GraceEndMs: 1 << 62}
	payload, err := temporal.Encrypt(plaintext, tk, []byte(event.WorkspaceID.String()))
	if err != nil {
		return err
	}

	l.entries[event.WorkspaceID] = append(l.entries[event.WorkspaceID], sealedEntry{payload: payload})
	return nil
}

// Decrypt opens a sealed entry retained for workspaceID with the given key,
// returning the original Event. Decrypting with a foreign workspace's key
// fails.
func (l *Logger) Decrypt(workspaceID ids.WorkspaceID, entry sealedEntry, key [32]byte) (Event, error) {
	tk := temporal.TemporalKey{ID: workspaceID.String(), Material: key, ValidFromMs: 0, ValidUntilMs: 1 << 62, GraceEndMs: 1 << 62}
	plaintext, err := temporal.Decrypt(entry.payload, tk, []byte(workspaceID.String()))
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(plaintext, &ev); err != nil {
		return Event{}, fmt.Errorf("audit: unmarshal event: %w", err)
	}
	return ev, nil
}

// Entries returns the sealed entries retained for a workspace, for tests
// and external publication.
func (l *Logger) Entries(workspaceID ids.WorkspaceID) []sealedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sealedEntry{}, l.entries[workspaceID]...)
}

// DeleteWorkspaceLogs clears the log list and overwrites-then-zeros the
// audit key for workspaceID. The next GetAuditKey call generates a fresh
// key.
func (l *Logger) DeleteWorkspaceLogs(workspaceID ids.WorkspaceID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if key, ok := l.keys[workspaceID]; ok {
		var random [32]byte
		_, _ = io.ReadFull(rand.Reader, random[:])
		*key = random
		for i := range key {
			key[i] = 0
		}
		delete(l.keys, workspaceID)
	}
	delete(l.entries, workspaceID)
}
