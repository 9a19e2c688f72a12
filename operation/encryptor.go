package operation

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/crypto/temporal"
	"github.com/ephemera-project/ephemera/ids"
)

// payload is the type- and participant-bound plaintext body sealed inside
// an EncryptedOperation.
type payload struct {
	Content *string `json:"content,omitempty"`
	Length  *uint32 `json:"length,omitempty"`
}

// ErrSignatureInvalid is returned by VerifySignature when the routed fields
// of an EncryptedOperation do not match its signature.
var ErrSignatureInvalid = errors.New("operation: signature does not bind routed fields")

// Encrypt serializes op's body, seals it under key with AAD binding the
// routed metadata, then signs the full encrypted record with the
// participant's private key.
func Encrypt(op CRDTOperation, key temporal.TemporalKey, signer sagecrypto.KeyPair, workspaceID ids.WorkspaceID) (EncryptedOperation, error) {
	if err := op.Validate(); err != nil {
		return EncryptedOperation{}, err
	}

	p := payload{}
	if op.Kind == KindInsert {
		c := op.Content
		p.Content = &c
	} else {
		l := op.Length
		p.Length = &l
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return EncryptedOperation{}, fmt.Errorf("operation: marshal payload: %w", err)
	}

	aad := aadFor(workspaceID, op.ID, op.Kind, op.Position, op.TimestampMs)
	sealed, err := temporal.Encrypt(plaintext, key, aad)
	if err != nil {
		return EncryptedOperation{}, err
	}
	encryptedContent := append(append([]byte{}, sealed.Nonce[:]...), sealed.Ciphertext...)

	enc := EncryptedOperation{
		ID:               op.ID,
		WorkspaceID:      workspaceID,
		ParticipantID:    op.ParticipantID,
		TimestampMs:      op.TimestampMs,
		Position:         op.Position,
		Kind:             op.Kind,
		EncryptedContent: encryptedContent,
		KeyID:            key.ID,
	}

	sig, err := signer.Sign(signable(enc))
	if err != nil {
		return EncryptedOperation{}, fmt.Errorf("operation: sign: %w", err)
	}
	enc.Signature = sig
	return enc, nil
}

// Decrypt verifies the AEAD tag and AAD of enc under key and reconstructs
// the plaintext CRDTOperation.
func Decrypt(enc EncryptedOperation, key temporal.TemporalKey) (CRDTOperation, error) {
	if len(enc.EncryptedContent) < 12 {
		return CRDTOperation{}, errors.New("operation: encrypted content too short")
	}
	var nonce [12]byte
	copy(nonce[:], enc.EncryptedContent[:12])

	sealed := temporal.EncryptedPayload{
		Ciphertext: enc.EncryptedContent[12:],
		Nonce:      nonce,
		KeyID:      enc.KeyID,
	}
	aad := aadFor(enc.WorkspaceID, enc.ID, enc.Kind, enc.Position, enc.TimestampMs)

	plaintext, err := temporal.Decrypt(sealed, key, aad)
	if err != nil {
		return CRDTOperation{}, err
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return CRDTOperation{}, fmt.Errorf("operation: unmarshal payload: %w", err)
	}

	op := CRDTOperation{
		ID:            enc.ID,
		ParticipantID: enc.ParticipantID,
		TimestampMs:   enc.TimestampMs,
		Kind:          enc.Kind,
		Position:      enc.Position,
	}
	if p.Content != nil {
		op.Content = *p.Content
	}
	if p.Length != nil {
		op.Length = *p.Length
	}
	return op, nil
}

// VerifySignature checks enc.Signature against publicKey independently of
// decryption, so the server can validate an operation without ever holding
// the temporal key. Any mutation of position, id or encrypted content
// invalidates the signature.
func VerifySignature(enc EncryptedOperation, publicKey sagecrypto.KeyPair) error {
	if err := publicKey.Verify(signable(enc), enc.Signature); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

func aadFor(workspaceID ids.WorkspaceID, id ids.OperationID, kind Kind, position int, timestampMs int64) []byte {
	var buf bytes.Buffer
	buf.Write(workspaceID[:])
	buf.WriteString(id.String())
	buf.WriteString(string(kind))
	writeInt64(&buf, int64(position))
	writeInt64(&buf, timestampMs)
	return buf.Bytes()
}

func signable(enc EncryptedOperation) []byte {
	var buf bytes.Buffer
	buf.Write(enc.WorkspaceID[:])
	buf.WriteString(enc.ID.String())
	buf.WriteString(string(enc.Kind))
	writeInt64(&buf, int64(enc.Position))
	writeInt64(&buf, enc.TimestampMs)
	buf.Write(enc.EncryptedContent)
	return buf.Bytes()
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
