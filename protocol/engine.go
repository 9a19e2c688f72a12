package protocol

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ephemera-project/ephemera/audit"
	"github.com/ephemera-project/ephemera/auth"
	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/crypto/keys"
	"github.com/ephemera-project/ephemera/crypto/temporal"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/operation"
	"github.com/ephemera-project/ephemera/participant"
	"github.com/ephemera-project/ephemera/ratelimit"
	"github.com/ephemera-project/ephemera/router"
	"github.com/ephemera-project/ephemera/transport"
	"github.com/ephemera-project/ephemera/workspace"
)

const challengeTTLMs = 60_000

// ConnState is a single connection's position in the handshake state
// machine: Connected → AwaitingHandshake → Authenticated → Closed.
type ConnState string

const (
	StateConnected        ConnState = "connected"
	StateAwaitingHandshake ConnState = "awaiting_handshake"
	StateAuthenticated    ConnState = "authenticated"
	StateClosed           ConnState = "closed"
)

// Connection is the engine's per-transport-connection record. The engine
// never decrypts operation content: it only ever sees EncryptedOperation
// metadata (position, kind, timestamp) sufficient for routing and ordering.
type Connection struct {
	mu    sync.Mutex
	State ConnState
	Handle transport.Handle

	challengeID          string
	challenge            [32]byte
	challengeExpiresAtMs int64

	WorkspaceID   ids.WorkspaceID
	ParticipantID ids.ParticipantID
	publicKey     sagecrypto.KeyPair
}

// Engine wires WorkspaceManager, ParticipantManager, RateLimiter,
// OperationRouter and AuditLogger into the transport-facing protocol named
// in the external interfaces section: Challenge/Handshake/HandshakeAck,
// Operation/OperationAck, SyncRequest/SyncResponse, Ping/Pong.
type Engine struct {
	Workspaces   *workspace.Manager
	Participants *participant.Manager
	Limiter      *ratelimit.Limiter
	Router       *router.Router
	Audit        *audit.Logger

	historyMu sync.Mutex
	history   map[ids.WorkspaceID][]operation.EncryptedOperation

	now func() int64
}

// NewEngine returns an Engine over the given component instances.
func NewEngine(workspaces *workspace.Manager, participants *participant.Manager, limiter *ratelimit.Limiter, rtr *router.Router, auditLogger *audit.Logger) *Engine {
	return &Engine{
		Workspaces:   workspaces,
		Participants: participants,
		Limiter:      limiter,
		Router:       rtr,
		Audit:        auditLogger,
		history:      make(map[ids.WorkspaceID][]operation.EncryptedOperation),
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// Connect admits a new transport connection: generates a challenge with a
// 60-second TTL, records it on the returned Connection, and sends it.
func (e *Engine) Connect(ctx context.Context, handle transport.Handle) (*Connection, error) {
	metrics.HandshakesInitiated.WithLabelValues("server").Inc()
	challenge, err := auth.GenerateChallenge()
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		State:                StateAwaitingHandshake,
		Handle:               handle,
		challengeID:          uuid.NewString(),
		challenge:            challenge,
		challengeExpiresAtMs: e.now() + challengeTTLMs,
	}
	if err := e.send(ctx, handle, TypeChallenge, ChallengePayload{ChallengeID: conn.challengeID, Challenge: challenge}); err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect tears down conn's session, if any, and drops its challenge
// record by discarding the Connection itself.
func (e *Engine) Disconnect(conn *Connection) {
	conn.mu.Lock()
	wsID := conn.WorkspaceID
	participantID := conn.ParticipantID
	wasAuthenticated := conn.State == StateAuthenticated
	conn.State = StateClosed
	conn.mu.Unlock()

	if wasAuthenticated {
		e.Participants.RemoveParticipant(wsID, participantID)
		_ = e.Workspaces.RemoveParticipant(wsID, participantID)
	}
}

// HandleFrame parses and dispatches a single inbound frame against conn's
// current state. A returned error means the frame was malformed or
// violated the state machine and the caller should close the single
// connection; every other failure is reported to the peer as a typed Error
// message without returning an error here, since recoverable failures must
// not terminate the connection.
func (e *Engine) HandleFrame(ctx context.Context, conn *Connection, raw []byte) error {
	start := time.Now()
	metrics.MessageSize.Observe(float64(len(raw)))

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.MessagesProcessed.WithLabelValues("unknown", "failure").Inc()
		return fmt.Errorf("protocol: malformed frame: %w", err)
	}

	err := e.dispatchFrame(ctx, conn, env)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.MessagesProcessed.WithLabelValues(string(env.Type), status).Inc()
	metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	return err
}

// dispatchFrame implements the state-machine dispatch for a single parsed
// envelope; split out from HandleFrame so both paths can share the
// instrumentation wrapper above.
func (e *Engine) dispatchFrame(ctx context.Context, conn *Connection, env Envelope) error {
	conn.mu.Lock()
	state := conn.State
	conn.mu.Unlock()

	switch env.Type {
	case TypeHandshake:
		if state != StateAwaitingHandshake {
			return fmt.Errorf("protocol: unexpected handshake in state %s", state)
		}
		var payload HandshakePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("protocol: malformed handshake: %w", err)
		}
		e.handleHandshake(ctx, conn, payload)
		return nil

	case TypeOperation:
		if state != StateAuthenticated {
			return fmt.Errorf("protocol: operation before authentication")
		}
		var payload OperationPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("protocol: malformed operation: %w", err)
		}
		e.handleOperation(ctx, conn, payload)
		return nil

	case TypeSyncRequest:
		if state != StateAuthenticated {
			return fmt.Errorf("protocol: sync request before authentication")
		}
		var payload SyncRequestPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("protocol: malformed sync request: %w", err)
		}
		e.handleSyncRequest(ctx, conn, payload)
		return nil

	case TypePing:
		if state != StateAuthenticated {
			return fmt.Errorf("protocol: ping before authentication")
		}
		e.send(ctx, conn.Handle, TypePong, struct{}{})
		return nil

	case TypeMetadataRefresh:
		if state != StateAuthenticated {
			return fmt.Errorf("protocol: metadata refresh before authentication")
		}
		e.handleMetadataRefresh(ctx, conn)
		return nil

	default:
		return fmt.Errorf("protocol: unexpected message type %q", env.Type)
	}
}

// handleHandshake verifies the zero-knowledge proof against the connection's
// own challenge and, on success, admits the participant and replies with
// HandshakeAck. Any failure - expired challenge, version mismatch,
// malformed key, or a proof that does not verify - is reported identically
// as AuthFailed and the connection is closed, per §4.12 and testable
// property 5.
func (e *Engine) handleHandshake(ctx context.Context, conn *Connection, payload HandshakePayload) {
	start := time.Now()
	conn.mu.Lock()
	expiresAt := conn.challengeExpiresAtMs
	challenge := conn.challenge
	conn.mu.Unlock()

	fail := func() {
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		e.sendErrorAndClose(ctx, conn, ErrAuthFailed("authentication failed"))
	}

	if e.now() > expiresAt {
		fail()
		return
	}
	if payload.ProtocolVersion != ProtocolVersion {
		fail()
		return
	}
	if len(payload.PublicKey) != ed25519.PublicKeySize {
		fail()
		return
	}
	kxPub, err := ecdh.X25519().NewPublicKey(payload.KeyExchangePublicKey)
	if err != nil {
		fail()
		return
	}
	pub := keys.NewPublicKeyOnlyEd25519(ed25519.PublicKey(payload.PublicKey), payload.ParticipantID.String())
	if err := auth.VerifyProof(payload.Proof, pub, challenge, payload.ParticipantID); err != nil {
		fail()
		return
	}

	ws, err := e.Workspaces.Get(payload.WorkspaceID)
	if err != nil {
		e.sendErrorAndClose(ctx, conn, ErrWorkspaceNotFound("workspace not found"))
		return
	}
	if ws.IsExpired(e.now()) {
		e.sendErrorAndClose(ctx, conn, ErrWorkspaceExpired("workspace expired"))
		return
	}

	currentCount := len(e.Participants.ListWorkspaceParticipants(payload.WorkspaceID))
	if decision := e.Limiter.CheckParticipantCap(currentCount); !decision.Allowed {
		e.sendErrorAndClose(ctx, conn, ErrRateLimitExceeded(decision.Reason, decision.RetryAfterMs))
		return
	}

	e.Participants.Admit(payload.WorkspaceID, payload.ParticipantID, pub, conn.Handle)
	if err := e.Workspaces.AddParticipant(payload.WorkspaceID, payload.ParticipantID, kxPub); err != nil {
		e.sendErrorAndClose(ctx, conn, ErrWorkspaceNotFound("workspace not found"))
		return
	}

	conn.mu.Lock()
	conn.State = StateAuthenticated
	conn.WorkspaceID = payload.WorkspaceID
	conn.ParticipantID = payload.ParticipantID
	conn.publicKey = pub
	conn.mu.Unlock()

	keyID := temporal.CurrentKeyID(ws.Config.Window, e.now())
	e.send(ctx, conn.Handle, TypeHandshakeAck, HandshakeAckPayload{
		Success:           true,
		CurrentKeyID:      keyID,
		EncryptedMetadata: ws.EncryptedMeta,
		ServerTimeMs:      e.now(),
	})
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())
}

// handleOperation enforces the rate limit, routes the operation to every
// other participant (live delivery or buffering), records it for later
// sync requests, and acks the sender.
func (e *Engine) handleOperation(ctx context.Context, conn *Connection, payload OperationPayload) {
	conn.mu.Lock()
	wsID := conn.WorkspaceID
	participantID := conn.ParticipantID
	conn.mu.Unlock()

	ws, err := e.Workspaces.Get(wsID)
	if err != nil {
		e.sendError(ctx, conn.Handle, ErrWorkspaceNotFound("workspace not found"))
		return
	}
	if ws.IsExpired(e.now()) {
		e.sendError(ctx, conn.Handle, ErrWorkspaceExpired("workspace expired"))
		return
	}

	decision := e.Limiter.CheckOperation(wsID, participantID)
	if !decision.Allowed {
		e.sendError(ctx, conn.Handle, ErrRateLimitExceeded("operation rate limit exceeded", decision.RetryAfterMs))
		return
	}
	e.Limiter.RecordOperation(wsID, participantID)
	e.Participants.Touch(wsID, participantID)

	op := payload.Operation
	op.WorkspaceID = wsID
	op.ParticipantID = participantID

	recipients := e.recipientsFor(wsID, participantID)
	_ = e.Router.Route(ctx, wsID, op, participantID, recipients)
	e.appendHistory(wsID, op)

	if e.Audit != nil {
		_ = e.Audit.Record(audit.Event{
			WorkspaceID:   wsID,
			TimestampMs:   e.now(),
			EventType:     audit.EventOperationSubmitted,
			ParticipantID: &participantID,
		})
	}

	e.send(ctx, conn.Handle, TypeOperationAck, OperationAckPayload{OperationID: op.ID, ServerTimestampMs: e.now()})
}

// handleSyncRequest answers with this participant's buffered operations
// (cleared from the router) plus the workspace's full encrypted history,
// both filtered to timestamp_ms > from_timestamp_ms. The engine never
// decrypts operation content, so "current_state" here is the ordered
// encrypted history rather than a materialized CRDT snapshot; clients
// reconstruct their text by decrypting and applying each operation
// themselves via the crdt package.
func (e *Engine) handleSyncRequest(ctx context.Context, conn *Connection, payload SyncRequestPayload) {
	conn.mu.Lock()
	wsID := conn.WorkspaceID
	participantID := conn.ParticipantID
	conn.mu.Unlock()

	buffered := e.Router.GetBuffered(wsID, participantID)
	filteredBuffered := make([]operation.EncryptedOperation, 0, len(buffered))
	for _, op := range buffered {
		if op.TimestampMs > payload.FromTimestampMs {
			filteredBuffered = append(filteredBuffered, op)
		}
	}

	e.historyMu.Lock()
	history := append([]operation.EncryptedOperation{}, e.history[wsID]...)
	e.historyMu.Unlock()

	snapshot := make([]operation.EncryptedOperation, 0, len(history))
	for _, op := range history {
		if op.TimestampMs > payload.FromTimestampMs {
			snapshot = append(snapshot, op)
		}
	}
	var stateBytes []byte
	if len(snapshot) > 0 {
		stateBytes, _ = json.Marshal(snapshot)
	}

	e.send(ctx, conn.Handle, TypeSyncResponse, SyncResponsePayload{Operations: filteredBuffered, CurrentState: stateBytes})
}

// handleMetadataRefresh answers with the workspace's current sealed
// metadata envelope, e.g. after a membership change the caller suspects it
// missed.
func (e *Engine) handleMetadataRefresh(ctx context.Context, conn *Connection) {
	conn.mu.Lock()
	wsID := conn.WorkspaceID
	conn.mu.Unlock()

	env, err := e.Workspaces.EncryptedMetadata(wsID)
	if err != nil {
		e.sendError(ctx, conn.Handle, ErrWorkspaceNotFound("workspace not found"))
		return
	}
	e.send(ctx, conn.Handle, TypeMetadataRefreshReply, MetadataRefreshReplyPayload{EncryptedMetadata: env})
}

func (e *Engine) appendHistory(wsID ids.WorkspaceID, op operation.EncryptedOperation) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	e.history[wsID] = append(e.history[wsID], op)
}

func (e *Engine) recipientsFor(wsID ids.WorkspaceID, sender ids.ParticipantID) []router.Recipient {
	participantIDs := e.Participants.ListWorkspaceParticipants(wsID)
	out := make([]router.Recipient, 0, len(participantIDs))
	for _, pid := range participantIDs {
		if pid == sender {
			continue
		}
		var handle transport.Handle
		if sess, ok := e.Participants.GetSession(wsID, pid); ok {
			handle = sess.TransportHandle
		}
		out = append(out, router.Recipient{ParticipantID: pid, Handle: handle})
	}
	return out
}

func (e *Engine) send(ctx context.Context, handle transport.Handle, msgType MessageType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Type: msgType, Payload: body, TimestampMs: e.now(), MessageID: uuid.NewString()}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return handle.Send(ctx, frame)
}

func (e *Engine) sendError(ctx context.Context, handle transport.Handle, perr *ProtocolError) {
	_ = e.send(ctx, handle, TypeError, ErrorPayload{Code: perr.Kind, Message: perr.Message})
}

func (e *Engine) sendErrorAndClose(ctx context.Context, conn *Connection, perr *ProtocolError) {
	e.sendError(ctx, conn.Handle, perr)
	conn.mu.Lock()
	conn.State = StateClosed
	conn.mu.Unlock()
	_ = conn.Handle.Close()
}
