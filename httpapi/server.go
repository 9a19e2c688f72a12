// Package httpapi implements the workspace lifecycle's plain HTTP surface:
// creation, lookup, extension and revocation, plus a liveness endpoint.
// Everything participant- and operation-facing travels over the protocol
// package's message envelope instead; this package never touches plaintext
// edits or the CRDT.
package httpapi

import (
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ephemera-project/ephemera/health"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/participant"
	"github.com/ephemera-project/ephemera/ratelimit"
	"github.com/ephemera-project/ephemera/workspace"
)

// Version is reported verbatim on GET /health.
const Version = "0.1.0"

// Server holds the dependencies the HTTP surface dispatches to. Workspace
// lifecycle management is independent of any live connection, so Server
// never reaches into the protocol engine.
type Server struct {
	Workspaces   *workspace.Manager
	Participants *participant.Manager
	Limiter      *ratelimit.Limiter
	Health       *health.HealthChecker
	Log          logger.Logger

	now func() int64
}

// NewServer wires the workspace lifecycle manager, the participant table
// (consulted for GET /health's live count), the creation-rate limiter, and
// an optional health checker registry into an HTTP handler.
func NewServer(workspaces *workspace.Manager, participants *participant.Manager, limiter *ratelimit.Limiter, healthChecker *health.HealthChecker) *Server {
	return &Server{
		Workspaces:   workspaces,
		Participants: participants,
		Limiter:      limiter,
		Health:       healthChecker,
		Log:          logger.GetDefaultLogger(),
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// Handler builds the routing table. There is no router framework here,
// matching the transport shell's plain net/http style: one ServeMux, one
// handler per method+path pattern.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces/{id}", s.handleGetWorkspace)
	mux.HandleFunc("POST /workspaces/{id}/extend", s.handleExtendWorkspace)
	mux.HandleFunc("DELETE /workspaces/{id}", s.handleRevokeWorkspace)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// workspaceConfigRequest is the wire shape of POST /workspaces' `config`
// field.
type workspaceConfigRequest struct {
	DurationMinutes     int   `json:"duration_minutes"`
	RotationIntervalMin int   `json:"rotation_interval_min"`
	GracePeriodMs       int64 `json:"grace_period_ms"`
	MaxParticipants     int   `json:"max_participants"`
	AllowExtension      bool  `json:"allow_extension"`
}

type createWorkspaceRequest struct {
	Config            workspaceConfigRequest `json:"config"`
	CreatorPublicKey  []byte                 `json:"creator_public_key"`
}

type createWorkspaceResponse struct {
	ID          ids.WorkspaceID   `json:"id"`
	CreatedAtMs int64             `json:"created_at_ms"`
	ExpiresAtMs int64             `json:"expires_at_ms"`
	Status      workspace.Status  `json:"status"`
}

type workspaceDescriptorResponse struct {
	ID               ids.WorkspaceID    `json:"id"`
	CreatedAtMs      int64              `json:"created_at_ms"`
	ExpiresAtMs      int64              `json:"expires_at_ms"`
	Status           workspace.Status   `json:"status"`
	ParticipantCount int                `json:"participant_count"`
	EncryptedMetadata workspace.Envelope `json:"encrypted_metadata"`
}

func toDescriptorResponse(d workspace.Descriptor) workspaceDescriptorResponse {
	return workspaceDescriptorResponse{
		ID:                d.ID,
		CreatedAtMs:       d.CreatedAtMs,
		ExpiresAtMs:       d.ExpiresAtMs,
		Status:            d.Status,
		ParticipantCount:  d.ParticipantCount,
		EncryptedMetadata: d.EncryptedMeta,
	}
}

// handleCreateWorkspace implements POST /workspaces: {config,
// creator_public_key} -> 201 {id, created_at_ms, expires_at_ms, status}.
// The creation-rate limiter is keyed by the caller's remote address, since
// this surface has no notion of participant identity yet.
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	source := r.RemoteAddr
	decision := s.Limiter.CheckCreation(source)
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":          decision.Reason,
			"retry_after_ms": decision.RetryAfterMs,
		})
		return
	}

	creatorPub, err := ecdh.X25519().NewPublicKey(req.CreatorPublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid creator_public_key")
		return
	}

	creatorID := ids.NewParticipantID()
	cfg := workspace.Config{
		DurationMinutes:     req.Config.DurationMinutes,
		RotationIntervalMin: req.Config.RotationIntervalMin,
		GracePeriodMs:       req.Config.GracePeriodMs,
		MaxParticipants:     req.Config.MaxParticipants,
		AllowExtension:      req.Config.AllowExtension,
	}

	ws, err := s.Workspaces.Create(cfg, creatorID, creatorPub)
	if err != nil {
		if errors.Is(err, workspace.ErrInvalidDuration) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Limiter.RecordCreation(source)

	writeJSON(w, http.StatusCreated, createWorkspaceResponse{
		ID:          ws.ID,
		CreatedAtMs: ws.Config.CreatedAtMs,
		ExpiresAtMs: ws.Config.ExpiresAtMs,
		Status:      ws.Status,
	})
}

// handleGetWorkspace implements GET /workspaces/{id}.
func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	wsID, err := parseWorkspaceID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	ws, err := s.Workspaces.Get(wsID)
	if err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, toDescriptorResponse(ws.Descriptor()))
}

type extendWorkspaceRequest struct {
	AdditionalMinutes int `json:"additional_minutes"`
}

// handleExtendWorkspace implements POST /workspaces/{id}/extend.
func (s *Server) handleExtendWorkspace(w http.ResponseWriter, r *http.Request) {
	wsID, err := parseWorkspaceID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}

	var req extendWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdditionalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "invalid additional_minutes")
		return
	}

	ws, err := s.Workspaces.Extend(wsID, req.AdditionalMinutes)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrWorkspaceNotFound):
			writeError(w, http.StatusNotFound, "workspace not found")
		case errors.Is(err, workspace.ErrExtensionNotAllowed):
			writeError(w, http.StatusConflict, "extension not allowed")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, toDescriptorResponse(ws.Descriptor()))
}

// handleRevokeWorkspace implements DELETE /workspaces/{id}.
func (s *Server) handleRevokeWorkspace(w http.ResponseWriter, r *http.Request) {
	wsID, err := parseWorkspaceID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err := s.Workspaces.Revoke(wsID); err != nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	s.Participants.RemoveAllForWorkspace(wsID)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(workspace.StatusRevoked)})
}

type healthResponse struct {
	Status       string `json:"status"`
	TimestampMs  int64  `json:"timestamp_ms"`
	Version      string `json:"version"`
	Workspaces   int    `json:"workspaces"`
	Participants int    `json:"participants"`
}

// handleHealth implements GET /health with the normative shape. The
// process-wide HealthChecker registry (dependency liveness, e.g. a
// reachable metrics sink) is consulted separately and only downgrades the
// reported status; it never changes the response's field set.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.Health != nil && s.Health.GetOverallStatus(r.Context()) == health.StatusUnhealthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       status,
		TimestampMs:  s.now(),
		Version:      Version,
		Workspaces:   s.Workspaces.ActiveCount(),
		Participants: s.Participants.TotalParticipantCount(),
	})
}

func parseWorkspaceID(raw string) (ids.WorkspaceID, error) {
	var wsID ids.WorkspaceID
	err := wsID.UnmarshalText([]byte(raw))
	return wsID, err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
