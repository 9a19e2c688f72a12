// Package operation defines the CRDT edit operation model and the
// encrypt/sign boundary that turns a plaintext operation into the opaque,
// routable record the server forwards between participants.
package operation

import (
	"errors"

	"github.com/ephemera-project/ephemera/ids"
)

// Kind distinguishes an insert from a delete.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// CRDTOperation is the plaintext edit a client applies to its replica.
type CRDTOperation struct {
	ID            ids.OperationID
	ParticipantID ids.ParticipantID
	TimestampMs   int64
	Kind          Kind
	Position      int
	Content       string
	Length        uint32
}

// ErrMalformedOperation is returned when an operation violates the
// insert/delete shape invariant.
var ErrMalformedOperation = errors.New("operation: insert requires content and no length, delete requires length and no content")

// Validate enforces kind=insert ⇒ content set, length absent;
// kind=delete ⇒ length set (≥1), content absent.
func (op CRDTOperation) Validate() error {
	switch op.Kind {
	case KindInsert:
		if op.Content == "" || op.Length != 0 {
			return ErrMalformedOperation
		}
	case KindDelete:
		if op.Content != "" || op.Length == 0 {
			return ErrMalformedOperation
		}
	default:
		return ErrMalformedOperation
	}
	return nil
}

// EncryptedOperation is the routable, server-visible record: position,
// kind, id and timestamp are plaintext metadata used only for routing and
// ordering; the edit body is opaque.
type EncryptedOperation struct {
	ID               ids.OperationID
	WorkspaceID      ids.WorkspaceID
	ParticipantID    ids.ParticipantID
	TimestampMs      int64
	Position         int
	Kind             Kind
	EncryptedContent []byte
	Signature        []byte
	KeyID            string
}
