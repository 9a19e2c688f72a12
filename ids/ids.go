// Package ids defines the opaque identifiers shared across the protocol
// engine. Workspace and participant ids are 128-bit identifiers with no
// recoverable structure, minted from a cryptographic random source. Operation
// ids are not: see OperationID.
package ids

import (
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when parsing an identifier from its wire form fails.
var ErrInvalidID = errors.New("ids: invalid identifier")

// WorkspaceID identifies a single ephemeral editing workspace for its entire
// lifetime, from creation through destruction.
type WorkspaceID [16]byte

// NewWorkspaceID mints a fresh, random workspace identifier.
func NewWorkspaceID() WorkspaceID {
	return WorkspaceID(uuid.New())
}

func (w WorkspaceID) String() string {
	return uuid.UUID(w).String()
}

// MarshalText implements encoding.TextMarshaler so WorkspaceID round-trips
// cleanly through JSON and YAML config.
func (w WorkspaceID) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *WorkspaceID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return ErrInvalidID
	}
	*w = WorkspaceID(u)
	return nil
}

// IsZero reports whether this is the zero-value identifier.
func (w WorkspaceID) IsZero() bool {
	return w == WorkspaceID{}
}

// ParticipantID identifies a single participant within the lifetime of the
// workspace they joined. The same human reappearing in a later workspace
// gets a fresh identifier; there is no cross-workspace participant identity.
type ParticipantID [16]byte

// NewParticipantID mints a fresh, random participant identifier.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New())
}

func (p ParticipantID) String() string {
	return uuid.UUID(p).String()
}

func (p ParticipantID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ParticipantID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return ErrInvalidID
	}
	*p = ParticipantID(u)
	return nil
}

func (p ParticipantID) IsZero() bool {
	return p == ParticipantID{}
}

// OperationID identifies a single CRDT operation for deduplication, causal
// ordering and audit correlation. Unlike workspace and participant
// identifiers it is derived rather than random: callers build it from a
// participant id plus a monotonically increasing per-participant counter so
// that ordering can be recovered without a central sequencer.
type OperationID struct {
	Participant ParticipantID
	Seq         uint64
}

func (o OperationID) String() string {
	return o.Participant.String() + ":" + base64.RawURLEncoding.EncodeToString(seqBytes(o.Seq))
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}

// IsZero reports whether this is the zero-value identifier.
func (o OperationID) IsZero() bool {
	return o.Participant.IsZero() && o.Seq == 0
}
