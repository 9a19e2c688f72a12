// Package commitment produces and verifies publishable proofs that a named
// temporal key existed over a stated validity window, without revealing the
// key material itself.
package commitment

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ephemera-project/ephemera/crypto/temporal"
)

// Commitment is a publishable digest binding a key id and validity window to
// the key's material, safe to disclose after the key itself is destroyed.
type Commitment struct {
	KeyID        string
	ValidFromMs  int64
	ValidUntilMs int64
	Hash         [32]byte
	TimestampMs  int64
}

// Create binds key.ID, key.ValidFromMs, key.ValidUntilMs and key.Material
// into a single digest. Callers typically call this immediately before
// destroying the key so the commitment can later attest the key existed.
func Create(key temporal.TemporalKey, now int64) Commitment {
	h := digest(key.ID, key.ValidFromMs, key.ValidUntilMs, key.Material[:])
	return Commitment{
		KeyID:        key.ID,
		ValidFromMs:  key.ValidFromMs,
		ValidUntilMs: key.ValidUntilMs,
		Hash:         h,
		TimestampMs:  now,
	}
}

// Verify recomputes the digest from material and the claimed window and
// compares it against c.Hash. Since material is never stored in the
// Commitment itself, verification requires the verifier to be handed the
// material out of band (e.g. for audited key-escrow flows); absent that,
// Verify against c.Hash using the original key via VerifyKey.
func Verify(c Commitment, keyID string, validFrom, validUntil int64, material [32]byte) bool {
	if c.KeyID != keyID || c.ValidFromMs != validFrom || c.ValidUntilMs != validUntil {
		return false
	}
	return digest(keyID, validFrom, validUntil, material[:]) == c.Hash
}

// VerifyKey is a convenience wrapper for verifying a commitment directly
// against a (still-live) temporal key.
func VerifyKey(c Commitment, key temporal.TemporalKey) bool {
	return Verify(c, key.ID, key.ValidFromMs, key.ValidUntilMs, key.Material)
}

func digest(keyID string, validFrom, validUntil int64, material []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(keyID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(validFrom))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(validUntil))
	h.Write(buf[:])
	h.Write(material)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
