package temporal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ephemera-project/ephemera/internal/metrics"
)

const algorithmLabel = "chacha20poly1305"

// EncryptedPayload is the generic AEAD output exchanged on the wire or
// stored in an audit entry.
type EncryptedPayload struct {
	Ciphertext []byte
	Nonce      [12]byte
	KeyID      string
	AAD        []byte
}

// ErrKeyIDMismatch is returned by Decrypt when the payload names a different
// key than the one supplied.
var ErrKeyIDMismatch = errors.New("temporal: key id mismatch")

// ErrAADMismatch is returned by Decrypt when AAD presence disagrees between
// encryption and decryption.
var ErrAADMismatch = errors.New("temporal: aad presence mismatch")

// Encrypt seals plaintext under key with a fresh random 96-bit nonce,
// optionally binding aad. The returned payload's KeyID lets Decrypt reject
// ciphertexts sealed under a different key.
func Encrypt(plaintext []byte, key TemporalKey, aad []byte) (EncryptedPayload, error) {
	start := time.Now()
	payload, err := encrypt(plaintext, key, aad)
	metrics.CryptoOperationDuration.WithLabelValues("encrypt", algorithmLabel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return EncryptedPayload{}, err
	}
	metrics.CryptoOperations.WithLabelValues("encrypt", algorithmLabel).Inc()
	return payload, nil
}

func encrypt(plaintext []byte, key TemporalKey, aad []byte) (EncryptedPayload, error) {
	aead, err := chacha20poly1305.New(key.Material[:])
	if err != nil {
		return EncryptedPayload{}, fmt.Errorf("temporal: new aead: %w", err)
	}

	var nonce [12]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return EncryptedPayload{}, fmt.Errorf("temporal: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)

	return EncryptedPayload{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyID:      key.ID,
		AAD:        aad,
	}, nil
}

// Decrypt opens payload with key, verifying the AEAD tag and that aad
// matches what was supplied at encryption time (symmetrically: both nil, or
// both present and equal).
func Decrypt(payload EncryptedPayload, key TemporalKey, aad []byte) ([]byte, error) {
	start := time.Now()
	plaintext, err := decrypt(payload, key, aad)
	metrics.CryptoOperationDuration.WithLabelValues("decrypt", algorithmLabel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, err
	}
	metrics.CryptoOperations.WithLabelValues("decrypt", algorithmLabel).Inc()
	return plaintext, nil
}

func decrypt(payload EncryptedPayload, key TemporalKey, aad []byte) ([]byte, error) {
	if payload.KeyID != key.ID {
		return nil, ErrKeyIDMismatch
	}
	if (payload.AAD == nil) != (aad == nil) {
		return nil, ErrAADMismatch
	}

	aead, err := chacha20poly1305.New(key.Material[:])
	if err != nil {
		return nil, fmt.Errorf("temporal: new aead: %w", err)
	}

	plaintext, err := aead.Open(nil, payload.Nonce[:], payload.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("temporal: decryption failed: %w", err)
	}
	return plaintext, nil
}
