// Package router implements encrypted-operation broadcast: fan-out to
// connected peers, buffering for disconnected ones, and pruning of expired
// buffer entries.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/operation"
	"github.com/ephemera-project/ephemera/transport"
	"golang.org/x/sync/errgroup"
)

// Recipient describes one candidate delivery target for a route call.
type Recipient struct {
	ParticipantID ids.ParticipantID
	Handle        transport.Handle // nil if the participant has no live transport
}

type bufferKey struct {
	workspace   ids.WorkspaceID
	participant ids.ParticipantID
}

// Router owns the per-(workspace, participant) offline buffer. Broadcast is
// best-effort: a failed or absent transport substitutes buffering for a
// delivery guarantee, and the sender never receives its own operation back.
type Router struct {
	mu      sync.Mutex
	buffers map[bufferKey][]operation.EncryptedOperation
}

// New returns an empty Router.
func New() *Router {
	return &Router{buffers: make(map[bufferKey][]operation.EncryptedOperation)}
}

// Route sends op to every recipient other than sender: over their transport
// if present and healthy, otherwise into their offline buffer. It fans the
// sends out concurrently and returns an error only when op cannot be
// marshalled — transport-send failures
// during broadcast are never fatal, per-recipient failure only affects
// which recipients got buffered instead of delivered.
func (r *Router) Route(ctx context.Context, workspaceID ids.WorkspaceID, op operation.EncryptedOperation, sender ids.ParticipantID, recipients []Recipient) error {
	start := time.Now()
	frame, err := json.Marshal(op)
	if err != nil {
		return err
	}

	var buffered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, recipient := range recipients {
		if recipient.ParticipantID == sender {
			continue
		}
		recipient := recipient
		g.Go(func() error {
			if recipient.Handle == nil {
				r.buffer(workspaceID, recipient.ParticipantID, op)
				buffered.Add(1)
				return nil
			}
			if err := recipient.Handle.Send(gctx, frame); err != nil {
				r.buffer(workspaceID, recipient.ParticipantID, op)
				buffered.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	metrics.GetGlobalCollector().RecordRouterRoute(int(buffered.Load()), time.Since(start))
	return err
}

func (r *Router) buffer(workspaceID ids.WorkspaceID, participantID ids.ParticipantID, op operation.EncryptedOperation) {
	k := bufferKey{workspaceID, participantID}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[k] = append(r.buffers[k], op)
}

// Buffer is the exported form of buffer, for direct use by callers that
// have already decided a recipient is offline.
func (r *Router) Buffer(workspaceID ids.WorkspaceID, participantID ids.ParticipantID, op operation.EncryptedOperation) {
	r.buffer(workspaceID, participantID, op)
}

// GetBuffered returns and clears participantID's buffered operations for
// workspaceID, in insertion order.
func (r *Router) GetBuffered(workspaceID ids.WorkspaceID, participantID ids.ParticipantID) []operation.EncryptedOperation {
	k := bufferKey{workspaceID, participantID}
	r.mu.Lock()
	defer r.mu.Unlock()
	buffered := r.buffers[k]
	delete(r.buffers, k)
	return buffered
}

// ClearExpired retains, for every buffer, only operations with
// timestamp_ms > cutoffMs; buffers left empty are dropped entirely.
func (r *Router) ClearExpired(cutoffMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ops := range r.buffers {
		kept := ops[:0]
		for _, op := range ops {
			if op.TimestampMs > cutoffMs {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			delete(r.buffers, k)
		} else {
			r.buffers[k] = kept
		}
	}
}

// ClearWorkspace drops every buffer belonging to workspaceID, e.g. on
// workspace expiration.
func (r *Router) ClearWorkspace(workspaceID ids.WorkspaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.buffers {
		if k.workspace == workspaceID {
			delete(r.buffers, k)
		}
	}
}
