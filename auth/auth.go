// Package auth implements the zero-knowledge challenge/response proof of
// private-key possession used to admit participants into a workspace: the
// verifier never sees and never needs the private key.
package auth

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"time"

	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/internal/metrics"
)

// ChallengeSize is the length in bytes of a generated challenge.
const ChallengeSize = 32

// Proof is the signed response to a challenge.
type Proof struct {
	Signature   []byte
	TimestampMs int64
}

// ErrAuthFailed is the single error surfaced to callers for any verification
// failure; per the zero-knowledge property, rejected proofs never reveal
// which check failed.
var ErrAuthFailed = errors.New("auth: authentication failed")

// GenerateChallenge returns 32 cryptographically random bytes.
func GenerateChallenge() ([32]byte, error) {
	var c [32]byte
	if _, err := io.ReadFull(rand.Reader, c[:]); err != nil {
		return c, err
	}
	return c, nil
}

// GenerateProof signs challenge ‖ participantID ‖ timestampMs with key,
// proving possession of key's private half without disclosing it.
func GenerateProof(participantID ids.ParticipantID, key sagecrypto.KeyPair, challenge [32]byte, nowMs int64) (Proof, error) {
	start := time.Now()
	msg := proofMessage(challenge, participantID, nowMs)
	sig, err := key.Sign(msg)
	metrics.GetGlobalCollector().RecordProofGeneration(time.Since(start))
	if err != nil {
		return Proof{}, err
	}
	return Proof{Signature: sig, TimestampMs: nowMs}, nil
}

// VerifyProof recomputes the signed message and verifies it against
// publicKey. A mismatched key, mismatched participant id, or a tampered
// proof all fail identically via ErrAuthFailed.
func VerifyProof(proof Proof, publicKey sagecrypto.KeyPair, challenge [32]byte, participantID ids.ParticipantID) error {
	start := time.Now()
	msg := proofMessage(challenge, participantID, proof.TimestampMs)
	err := publicKey.Verify(msg, proof.Signature)
	metrics.GetGlobalCollector().RecordVerification(err == nil, time.Since(start))
	if err != nil {
		return ErrAuthFailed
	}
	return nil
}

func proofMessage(challenge [32]byte, participantID ids.ParticipantID, timestampMs int64) []byte {
	msg := make([]byte, 0, len(challenge)+16+8)
	msg = append(msg, challenge[:]...)
	msg = append(msg, participantID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	msg = append(msg, ts[:]...)
	return msg
}
