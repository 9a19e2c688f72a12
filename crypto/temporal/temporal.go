// Package temporal derives and manages the per-window symmetric keys that
// back an ephemeral workspace, and provides the authenticated encryption
// built on top of them. Keys are never persisted: they live only as long as
// the window (plus its grace period) that minted them.
package temporal

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// TimeWindow describes the lifetime and rotation schedule of a workspace.
type TimeWindow struct {
	StartMs             int64
	EndMs                int64
	RotationIntervalMin  int
	GracePeriodMs        int64
}

// Validate checks the invariants a TimeWindow must satisfy: duration in
// [5, 120] minutes, rotation interval dividing the window evenly, and a
// grace period shorter than one rotation interval.
func (w TimeWindow) Validate() error {
	durMin := (w.EndMs - w.StartMs) / 60000
	if durMin < 5 || durMin > 120 {
		return fmt.Errorf("temporal: invalid window duration %dmin, want [5,120]", durMin)
	}
	if w.RotationIntervalMin <= 0 || durMin%int64(w.RotationIntervalMin) != 0 {
		return fmt.Errorf("temporal: rotation interval %dmin does not divide window duration %dmin", w.RotationIntervalMin, durMin)
	}
	if w.GracePeriodMs >= int64(w.RotationIntervalMin)*60*1000 {
		return fmt.Errorf("temporal: grace period %dms must be shorter than rotation interval", w.GracePeriodMs)
	}
	return nil
}

// TemporalKey is a 32-byte symmetric key valid over a bounded time range.
type TemporalKey struct {
	ID           string
	Material     [32]byte
	ValidFromMs  int64
	ValidUntilMs int64
	GraceEndMs   int64
}

// ErrInvalidKeyID is returned when a key id does not match the "key-N" form
// derive_key and is_key_valid expect.
var ErrInvalidKeyID = errors.New("temporal: key id must be of the form key-N")

// ordinal extracts N from a "key-N" identifier.
func ordinal(keyID string) (int64, error) {
	const prefix = "key-"
	if !strings.HasPrefix(keyID, prefix) {
		return 0, ErrInvalidKeyID
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(keyID, prefix), 10, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidKeyID
	}
	return n, nil
}

// KeyIDForOrdinal formats the canonical key id for rotation ordinal n.
func KeyIDForOrdinal(n int64) string {
	return "key-" + strconv.FormatInt(n, 10)
}

// DeriveKey deterministically derives the temporal key identified by keyID
// within window from workspaceSecret. Identical inputs always yield
// bit-identical key material.
func DeriveKey(workspaceSecret []byte, window TimeWindow, keyID string) (TemporalKey, error) {
	n, err := ordinal(keyID)
	if err != nil {
		return TemporalKey{}, err
	}
	rotationMs := int64(window.RotationIntervalMin) * 60 * 1000
	validFrom := window.StartMs + n*rotationMs
	validUntil := validFrom + rotationMs
	graceEnd := validUntil + window.GracePeriodMs

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(window.StartMs))

	h := hkdf.New(sha256.New, workspaceSecret, salt, []byte(keyID))
	var material [32]byte
	if _, err := fillFrom(h, material[:]); err != nil {
		return TemporalKey{}, fmt.Errorf("temporal: key derivation failed: %w", err)
	}

	return TemporalKey{
		ID:           keyID,
		Material:     material,
		ValidFromMs:  validFrom,
		ValidUntilMs: validUntil,
		GraceEndMs:   graceEnd,
	}, nil
}

func fillFrom(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// IsKeyValid reports whether a key with id keyID, derived from window, is
// still usable at time now (milliseconds since epoch): inside
// [valid_from, grace_end].
func IsKeyValid(keyID string, now int64, window TimeWindow) bool {
	n, err := ordinal(keyID)
	if err != nil {
		return false
	}
	rotationMs := int64(window.RotationIntervalMin) * 60 * 1000
	validFrom := window.StartMs + n*rotationMs
	graceEnd := validFrom + rotationMs + window.GracePeriodMs
	return now >= validFrom && now <= graceEnd
}

// CurrentKeyID returns the key id whose rotation window contains now.
func CurrentKeyID(window TimeWindow, now int64) string {
	rotationMs := int64(window.RotationIntervalMin) * 60 * 1000
	if rotationMs <= 0 {
		return KeyIDForOrdinal(0)
	}
	n := (now - window.StartMs) / rotationMs
	if n < 0 {
		n = 0
	}
	return KeyIDForOrdinal(n)
}

// Destroy overwrites key material with zeros. Idempotent and side-effect
// free beyond the zeroing; it never returns an error so callers can defer it
// unconditionally.
func (k *TemporalKey) Destroy() {
	for i := range k.Material {
		k.Material[i] = 0
	}
}

// Now is a seam for tests; production code calls time.Now directly.
var Now = func() int64 {
	return time.Now().UnixMilli()
}
