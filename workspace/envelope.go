package workspace

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ephemera-project/ephemera/crypto/keys"
	"github.com/ephemera-project/ephemera/crypto/temporal"
)

// Envelope is a multi-recipient encrypted metadata blob: the metadata body
// is encrypted once under a random content key, and that content key is
// sealed individually (via HPKE) to each recipient's X25519 public key.
// Re-encryption on membership change (see Reencrypt) encrypts the updated
// metadata body under a fresh content key and seals that key for the new
// recipient set.
type Envelope struct {
	Body      temporal.EncryptedPayload
	Recipients map[string][]byte // recipient public key bytes -> HPKE-sealed content key
}

const envelopeInfo = "ephemera-workspace-metadata-v1"

// Seal encrypts metadata under a fresh random content key and seals that
// key to every recipient in recipients. It returns the content key
// alongside the envelope so the caller can retain it for later resealing
// without needing any recipient's private key.
func Seal(metadata Metadata, recipients []*ecdh.PublicKey) (Envelope, [32]byte, error) {
	plaintext, err := json.Marshal(metadata)
	if err != nil {
		return Envelope{}, [32]byte{}, fmt.Errorf("workspace: marshal metadata: %w", err)
	}

	var contentKeyBytes [32]byte
	if _, err := io.ReadFull(rand.Reader, contentKeyBytes[:]); err != nil {
		return Envelope{}, [32]byte{}, fmt.Errorf("workspace: generate content key: %w", err)
	}
	contentKey := temporal.TemporalKey{ID: "metadata", Material: contentKeyBytes, ValidFromMs: 0, ValidUntilMs: 1 << 62, GraceEndMs: 1 << 62}

	body, err := temporal.Encrypt(plaintext, contentKey, nil)
	if err != nil {
		return Envelope{}, [32]byte{}, err
	}

	env := Envelope{Body: body, Recipients: make(map[string][]byte, len(recipients))}
	if err := reseal(&env, contentKeyBytes, recipients); err != nil {
		return Envelope{}, [32]byte{}, err
	}
	return env, contentKeyBytes, nil
}

// openWithContentKey decrypts env's metadata body directly with a
// previously retained content key, bypassing the per-recipient HPKE seal.
func openWithContentKey(env Envelope, contentKeyBytes [32]byte) (Metadata, error) {
	tk := temporal.TemporalKey{ID: "metadata", Material: contentKeyBytes, ValidFromMs: 0, ValidUntilMs: 1 << 62, GraceEndMs: 1 << 62}
	plaintext, err := temporal.Decrypt(env.Body, tk, nil)
	if err != nil {
		return Metadata{}, err
	}
	var metadata Metadata
	if err := json.Unmarshal(plaintext, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("workspace: unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// Reencrypt reseals a fresh content key for a new recipient set and
// re-encrypts newMetadata under it. Rotating the content key on every
// membership change (rather than reusing the prior one) ensures a removed
// participant's cached content key stops working immediately.
func Reencrypt(newMetadata Metadata, contentKeyBytes [32]byte, recipients []*ecdh.PublicKey) (Envelope, error) {
	plaintext, err := json.Marshal(newMetadata)
	if err != nil {
		return Envelope{}, fmt.Errorf("workspace: marshal metadata: %w", err)
	}
	contentKey := temporal.TemporalKey{ID: "metadata", Material: contentKeyBytes, ValidFromMs: 0, ValidUntilMs: 1 << 62, GraceEndMs: 1 << 62}
	body, err := temporal.Encrypt(plaintext, contentKey, nil)
	if err != nil {
		return Envelope{}, err
	}

	out := Envelope{Body: body, Recipients: make(map[string][]byte, len(recipients))}
	if err := reseal(&out, contentKeyBytes, recipients); err != nil {
		return Envelope{}, err
	}
	return out, nil
}

func reseal(env *Envelope, contentKeyBytes [32]byte, recipients []*ecdh.PublicKey) error {
	for _, recipient := range recipients {
		packet, _, err := keys.HPKESealAndExportToX25519Peer(recipient, contentKeyBytes[:], []byte(envelopeInfo), []byte(envelopeInfo), 0)
		if err != nil {
			return fmt.Errorf("workspace: seal content key: %w", err)
		}
		env.Recipients[string(recipient.Bytes())] = packet
	}
	return nil
}

// errNotRecipient is returned by Open when the supplied private key is not
// among the envelope's sealed recipients.
var errNotRecipient = fmt.Errorf("workspace: key is not a recipient of this envelope")

// Open decrypts env for a holder of priv, recovering both the content key
// (for a subsequent Reencrypt call) and the plaintext metadata.
func Open(env Envelope, pub *ecdh.PublicKey, priv *ecdh.PrivateKey) (Metadata, [32]byte, error) {
	packet, ok := env.Recipients[string(pub.Bytes())]
	if !ok {
		return Metadata{}, [32]byte{}, errNotRecipient
	}

	contentKeyBytes, _, err := keys.HPKEOpenAndExportWithX25519Priv(priv, packet, []byte(envelopeInfo), []byte(envelopeInfo), 0)
	if err != nil {
		return Metadata{}, [32]byte{}, fmt.Errorf("workspace: open content key: %w", err)
	}
	var contentKey [32]byte
	copy(contentKey[:], contentKeyBytes)

	tk := temporal.TemporalKey{ID: "metadata", Material: contentKey, ValidFromMs: 0, ValidUntilMs: 1 << 62, GraceEndMs: 1 << 62}
	plaintext, err := temporal.Decrypt(env.Body, tk, nil)
	if err != nil {
		return Metadata{}, [32]byte{}, err
	}

	var metadata Metadata
	if err := json.Unmarshal(plaintext, &metadata); err != nil {
		return Metadata{}, [32]byte{}, fmt.Errorf("workspace: unmarshal metadata: %w", err)
	}
	return metadata, contentKey, nil
}
