package protocol

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/ephemera-project/ephemera/audit"
	"github.com/ephemera-project/ephemera/auth"
	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/crypto/keys"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/operation"
	"github.com/ephemera-project/ephemera/participant"
	"github.com/ephemera-project/ephemera/ratelimit"
	"github.com/ephemera-project/ephemera/router"
	"github.com/ephemera-project/ephemera/transport/memory"
	"github.com/ephemera-project/ephemera/workspace"
	"github.com/stretchr/testify/require"
)

type identity struct {
	id      ids.ParticipantID
	signing sagecrypto.KeyPair
	x25519  *ecdh.PrivateKey
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	kp, err := keys.NewEd25519KeyPair(priv, "")
	require.NoError(t, err)
	_ = pub
	xpriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return identity{id: ids.NewParticipantID(), signing: kp, x25519: xpriv}
}

func newTestEngine(t *testing.T) (*Engine, *workspace.Manager) {
	t.Helper()
	auditLogger := audit.NewLogger()
	ws := workspace.NewManager(auditLogger, nil)
	participants := participant.NewManager(nil, nil)
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	rtr := router.New()
	t.Cleanup(limiter.Close)
	return NewEngine(ws, participants, limiter, rtr, auditLogger), ws
}

func lastEnvelope(t *testing.T, h *memory.Handle) Envelope {
	t.Helper()
	sent := h.Sent()
	require.NotEmpty(t, sent)
	var env Envelope
	require.NoError(t, json.Unmarshal(sent[len(sent)-1], &env))
	return env
}

func doHandshake(t *testing.T, e *Engine, wsID ids.WorkspaceID, me identity, handle *memory.Handle) (*Connection, Envelope) {
	t.Helper()
	conn, err := e.Connect(context.Background(), handle)
	require.NoError(t, err)

	challengeEnv := lastEnvelope(t, handle)
	require.Equal(t, TypeChallenge, challengeEnv.Type)
	var challengePayload ChallengePayload
	require.NoError(t, json.Unmarshal(challengeEnv.Payload, &challengePayload))

	proof, err := auth.GenerateProof(me.id, me.signing, challengePayload.Challenge, 1000)
	require.NoError(t, err)

	handshake := HandshakePayload{
		ProtocolVersion:      ProtocolVersion,
		WorkspaceID:          wsID,
		ParticipantID:        me.id,
		PublicKey:            me.signing.PublicKey().(ed25519.PublicKey),
		KeyExchangePublicKey: me.x25519.PublicKey().Bytes(),
		Proof:                proof,
	}
	body, err := json.Marshal(handshake)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Type: TypeHandshake, Payload: body})
	require.NoError(t, err)

	require.NoError(t, e.HandleFrame(context.Background(), conn, frame))
	return conn, lastEnvelope(t, handle)
}

func TestHandshakeHappyPathS1(t *testing.T) {
	e, ws := newTestEngine(t)
	creator := newIdentity(t)

	w, err := ws.Create(workspace.Config{DurationMinutes: 30, MaxParticipants: 10}, creator.id, creator.x25519.PublicKey())
	require.NoError(t, err)

	handle := memory.New("p1")
	_, ackEnv := doHandshake(t, e, w.ID, creator, handle)
	require.Equal(t, TypeHandshakeAck, ackEnv.Type)

	var ack HandshakeAckPayload
	require.NoError(t, json.Unmarshal(ackEnv.Payload, &ack))
	require.True(t, ack.Success)
	require.Equal(t, "key-0", ack.CurrentKeyID)
}

func TestHandshakeWrongKeyFailsS3(t *testing.T) {
	e, ws := newTestEngine(t)
	creator := newIdentity(t)
	attacker := newIdentity(t)

	w, err := ws.Create(workspace.Config{DurationMinutes: 30, MaxParticipants: 10}, creator.id, creator.x25519.PublicKey())
	require.NoError(t, err)

	handle := memory.New("attacker")
	conn, err := e.Connect(context.Background(), handle)
	require.NoError(t, err)

	challengeEnv := lastEnvelope(t, handle)
	var challengePayload ChallengePayload
	require.NoError(t, json.Unmarshal(challengeEnv.Payload, &challengePayload))

	// Proof is generated with attacker's own key but claims creator's identity.
	proof, err := auth.GenerateProof(creator.id, attacker.signing, challengePayload.Challenge, 1000)
	require.NoError(t, err)

	handshake := HandshakePayload{
		ProtocolVersion:      ProtocolVersion,
		WorkspaceID:          w.ID,
		ParticipantID:        creator.id,
		PublicKey:            creator.signing.PublicKey().(ed25519.PublicKey),
		KeyExchangePublicKey: attacker.x25519.PublicKey().Bytes(),
		Proof:                proof,
	}
	body, _ := json.Marshal(handshake)
	frame, _ := json.Marshal(Envelope{Type: TypeHandshake, Payload: body})
	require.NoError(t, e.HandleFrame(context.Background(), conn, frame))

	errEnv := lastEnvelope(t, handle)
	require.Equal(t, TypeError, errEnv.Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errPayload))
	require.Equal(t, KindAuthFailed, errPayload.Code)

	require.True(t, handle.IsClosed())
	require.Equal(t, 0, e.Participants.TotalParticipantCount())
}

func TestOperationRoutedToOtherParticipantAndAcked(t *testing.T) {
	e, ws := newTestEngine(t)
	creator := newIdentity(t)
	p2 := newIdentity(t)

	w, err := ws.Create(workspace.Config{DurationMinutes: 30, MaxParticipants: 10}, creator.id, creator.x25519.PublicKey())
	require.NoError(t, err)

	h1 := memory.New("p1")
	conn1, _ := doHandshake(t, e, w.ID, creator, h1)

	h2 := memory.New("p2")
	doHandshake(t, e, w.ID, p2, h2)

	op := operation.EncryptedOperation{
		ID:            ids.OperationID{Participant: creator.id, Seq: 1},
		ParticipantID: creator.id,
		TimestampMs:   100,
		Kind:          operation.KindInsert,
		Position:      0,
	}
	body, _ := json.Marshal(OperationPayload{Operation: op})
	frame, _ := json.Marshal(Envelope{Type: TypeOperation, Payload: body})
	require.NoError(t, e.HandleFrame(context.Background(), conn1, frame))

	ackEnv := lastEnvelope(t, h1)
	require.Equal(t, TypeOperationAck, ackEnv.Type)

	opEnv := lastEnvelope(t, h2)
	require.Equal(t, TypeOperation, opEnv.Type)
}

func TestPingPong(t *testing.T) {
	e, ws := newTestEngine(t)
	creator := newIdentity(t)
	w, err := ws.Create(workspace.Config{DurationMinutes: 30, MaxParticipants: 10}, creator.id, creator.x25519.PublicKey())
	require.NoError(t, err)

	h := memory.New("p1")
	conn, _ := doHandshake(t, e, w.ID, creator, h)

	frame, _ := json.Marshal(Envelope{Type: TypePing})
	require.NoError(t, e.HandleFrame(context.Background(), conn, frame))

	pongEnv := lastEnvelope(t, h)
	require.Equal(t, TypePong, pongEnv.Type)
}

func TestHandshakeAddsParticipantToEncryptedMetadata(t *testing.T) {
	e, ws := newTestEngine(t)
	creator := newIdentity(t)
	p2 := newIdentity(t)

	w, err := ws.Create(workspace.Config{DurationMinutes: 30, MaxParticipants: 10}, creator.id, creator.x25519.PublicKey())
	require.NoError(t, err)
	require.Len(t, w.EncryptedMeta.Recipients, 1)

	h1 := memory.New("p1")
	_, ackEnv1 := doHandshake(t, e, w.ID, creator, h1)
	var ack1 HandshakeAckPayload
	require.NoError(t, json.Unmarshal(ackEnv1.Payload, &ack1))
	require.Len(t, ack1.EncryptedMetadata.Recipients, 1)

	h2 := memory.New("p2")
	_, ackEnv2 := doHandshake(t, e, w.ID, p2, h2)
	var ack2 HandshakeAckPayload
	require.NoError(t, json.Unmarshal(ackEnv2.Payload, &ack2))
	require.Len(t, ack2.EncryptedMetadata.Recipients, 2)

	current, err := ws.Get(w.ID)
	require.NoError(t, err)
	require.Len(t, current.EncryptedMeta.Recipients, 2)
	require.Len(t, current.Participants, 2)
}

func TestHandshakeRejectedOverParticipantCap(t *testing.T) {
	auditLogger := audit.NewLogger()
	ws := workspace.NewManager(auditLogger, nil)
	participants := participant.NewManager(nil, nil)
	limiter := ratelimit.New(ratelimit.Config{MaxParticipants: 1})
	t.Cleanup(limiter.Close)
	e := NewEngine(ws, participants, limiter, router.New(), auditLogger)

	creator := newIdentity(t)
	p2 := newIdentity(t)

	w, err := ws.Create(workspace.Config{DurationMinutes: 30, MaxParticipants: 10}, creator.id, creator.x25519.PublicKey())
	require.NoError(t, err)

	h1 := memory.New("p1")
	doHandshake(t, e, w.ID, creator, h1)

	h2 := memory.New("p2")
	conn, err := e.Connect(context.Background(), h2)
	require.NoError(t, err)

	challengeEnv := lastEnvelope(t, h2)
	var challengePayload ChallengePayload
	require.NoError(t, json.Unmarshal(challengeEnv.Payload, &challengePayload))
	proof, err := auth.GenerateProof(p2.id, p2.signing, challengePayload.Challenge, 1000)
	require.NoError(t, err)

	handshake := HandshakePayload{
		ProtocolVersion:      ProtocolVersion,
		WorkspaceID:          w.ID,
		ParticipantID:        p2.id,
		PublicKey:            p2.signing.PublicKey().(ed25519.PublicKey),
		KeyExchangePublicKey: p2.x25519.PublicKey().Bytes(),
		Proof:                proof,
	}
	body, _ := json.Marshal(handshake)
	frame, _ := json.Marshal(Envelope{Type: TypeHandshake, Payload: body})
	require.NoError(t, e.HandleFrame(context.Background(), conn, frame))

	errEnv := lastEnvelope(t, h2)
	require.Equal(t, TypeError, errEnv.Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errPayload))
	require.Equal(t, KindRateLimitExceeded, errPayload.Code)
	require.Equal(t, 1, e.Participants.TotalParticipantCount())
}

func TestOperationBeforeAuthenticationIsMalformed(t *testing.T) {
	e, _ := newTestEngine(t)
	h := memory.New("p1")
	conn, err := e.Connect(context.Background(), h)
	require.NoError(t, err)

	frame, _ := json.Marshal(Envelope{Type: TypeOperation})
	require.Error(t, e.HandleFrame(context.Background(), conn, frame))
}
