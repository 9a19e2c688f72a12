// Package workspace implements the ephemeral workspace lifecycle: creation,
// extension, revocation, expiration, and the encrypted-metadata envelope
// that is re-sealed whenever participant membership changes.
package workspace

import (
	"crypto/ecdh"
	"errors"
	"time"

	"github.com/ephemera-project/ephemera/crypto/temporal"
	"github.com/ephemera-project/ephemera/ids"
)

// Status is the workspace lifecycle state. Transitions are monotone:
// Active → {Expired, Revoked}; the terminal states are absorbing.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Config is the caller-supplied shape of a workspace request.
type Config struct {
	DurationMinutes     int
	RotationIntervalMin int
	GracePeriodMs       int64
	MaxParticipants     int
	AllowExtension      bool
}

// ErrInvalidDuration is returned when a requested duration falls outside
// [5, 120] minutes.
var ErrInvalidDuration = errors.New("workspace: invalid expiration duration, want [5,120] minutes")

// ParticipantInfo is a membership record carried inside the encrypted
// metadata envelope. PublicKeyBytes is the X25519 public key in its raw
// wire form (ecdh.PublicKey.Bytes()) rather than the typed key itself, so
// Metadata marshals cleanly for sealing.
type ParticipantInfo struct {
	ID             ids.ParticipantID
	PublicKeyBytes []byte
	Role           string
}

// PublicKey reconstructs the typed X25519 public key from PublicKeyBytes.
func (p ParticipantInfo) PublicKey() (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(p.PublicKeyBytes)
}

// Metadata is the plaintext shape that is sealed into the workspace's
// encrypted envelope. It never touches the wire unencrypted.
type Metadata struct {
	Config           WorkspaceConfig
	Participants     []ParticipantInfo
	CurrentKeyID     string
	NextRotationAtMs int64
}

// WorkspaceConfig is the public, durable shape of a workspace's lifecycle
// parameters.
type WorkspaceConfig struct {
	ID             ids.WorkspaceID
	CreatedAtMs    int64
	ExpiresAtMs    int64
	Window         temporal.TimeWindow
	MaxParticipants int
	AllowExtension bool
}

// Workspace is the server-side record of one workspace.
type Workspace struct {
	ID               ids.WorkspaceID
	Config           WorkspaceConfig
	EncryptedMeta    Envelope
	Status           Status
	Participants     []*ecdh.PublicKey
	expirationTimer  *time.Timer
}

// Descriptor is the subset of workspace state exposed to external callers
// (e.g. the HTTP surface), never including the workspace secret.
type Descriptor struct {
	ID               ids.WorkspaceID
	CreatedAtMs      int64
	ExpiresAtMs      int64
	Status           Status
	ParticipantCount int
	EncryptedMeta    Envelope
}

func (w *Workspace) Descriptor() Descriptor {
	return Descriptor{
		ID:               w.ID,
		CreatedAtMs:      w.Config.CreatedAtMs,
		ExpiresAtMs:      w.Config.ExpiresAtMs,
		Status:           w.Status,
		ParticipantCount: len(w.Participants),
		EncryptedMeta:    w.EncryptedMeta,
	}
}

// IsExpired reports whether the workspace is past its expiry or no longer
// active.
func (w *Workspace) IsExpired(nowMs int64) bool {
	return w.Config.ExpiresAtMs <= nowMs || w.Status != StatusActive
}
