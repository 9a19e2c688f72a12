package httpapi

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ephemera-project/ephemera/audit"
	"github.com/ephemera-project/ephemera/participant"
	"github.com/ephemera-project/ephemera/ratelimit"
	"github.com/ephemera-project/ephemera/workspace"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	auditLogger := audit.NewLogger()
	ws := workspace.NewManager(auditLogger, nil)
	participants := participant.NewManager(nil, nil)
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	t.Cleanup(limiter.Close)
	return NewServer(ws, participants, limiter, nil)
}

func randomX25519Pub(t *testing.T) []byte {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv.PublicKey().Bytes()
}

func TestCreateWorkspaceHappyPath(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	body, _ := json.Marshal(createWorkspaceRequest{
		Config:           workspaceConfigRequest{DurationMinutes: 30, MaxParticipants: 10},
		CreatorPublicKey: randomX25519Pub(t),
	})
	req := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createWorkspaceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.ID.IsZero())
	require.Equal(t, workspace.StatusActive, resp.Status)
}

func TestCreateWorkspaceInvalidDuration(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	body, _ := json.Marshal(createWorkspaceRequest{
		Config:           workspaceConfigRequest{DurationMinutes: 9999},
		CreatorPublicKey: randomX25519Pub(t),
	})
	req := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkspaceNotFound(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/workspaces/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndExtendAndRevokeWorkspace(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	createBody, _ := json.Marshal(createWorkspaceRequest{
		Config:           workspaceConfigRequest{DurationMinutes: 30, MaxParticipants: 10, AllowExtension: true},
		CreatorPublicKey: randomX25519Pub(t),
	})
	createReq := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created createWorkspaceResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	idText, err := created.ID.MarshalText()
	require.NoError(t, err)

	getReq := httptest.NewRequest(http.MethodGet, "/workspaces/"+string(idText), nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	var descriptor workspaceDescriptorResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &descriptor))
	require.Equal(t, 1, descriptor.ParticipantCount)

	extendBody, _ := json.Marshal(extendWorkspaceRequest{AdditionalMinutes: 10})
	extendReq := httptest.NewRequest(http.MethodPost, "/workspaces/"+string(idText)+"/extend", bytes.NewReader(extendBody))
	extendRec := httptest.NewRecorder()
	handler.ServeHTTP(extendRec, extendReq)
	require.Equal(t, http.StatusOK, extendRec.Code)
	var extended workspaceDescriptorResponse
	require.NoError(t, json.Unmarshal(extendRec.Body.Bytes(), &extended))
	require.Greater(t, extended.ExpiresAtMs, descriptor.ExpiresAtMs)

	deleteReq := httptest.NewRequest(http.MethodDelete, "/workspaces/"+string(idText), nil)
	deleteRec := httptest.NewRecorder()
	handler.ServeHTTP(deleteRec, deleteReq)
	require.Equal(t, http.StatusOK, deleteRec.Code)

	getAfterReq := httptest.NewRequest(http.MethodGet, "/workspaces/"+string(idText), nil)
	getAfterRec := httptest.NewRecorder()
	handler.ServeHTTP(getAfterRec, getAfterReq)
	require.Equal(t, http.StatusOK, getAfterRec.Code)
	var afterRevoke workspaceDescriptorResponse
	require.NoError(t, json.Unmarshal(getAfterRec.Body.Bytes(), &afterRevoke))
	require.Equal(t, workspace.StatusRevoked, afterRevoke.Status)
}

func TestExtendDisallowedWhenConfigForbidsIt(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	createBody, _ := json.Marshal(createWorkspaceRequest{
		Config:           workspaceConfigRequest{DurationMinutes: 30, MaxParticipants: 10, AllowExtension: false},
		CreatorPublicKey: randomX25519Pub(t),
	})
	createReq := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	handler.ServeHTTP(createRec, createReq)
	var created createWorkspaceResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	idText, _ := created.ID.MarshalText()

	extendBody, _ := json.Marshal(extendWorkspaceRequest{AdditionalMinutes: 10})
	extendReq := httptest.NewRequest(http.MethodPost, "/workspaces/"+string(idText)+"/extend", bytes.NewReader(extendBody))
	extendRec := httptest.NewRecorder()
	handler.ServeHTTP(extendRec, extendReq)
	require.Equal(t, http.StatusConflict, extendRec.Code)
}

func TestCreateWorkspaceRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.Limiter = ratelimit.New(ratelimit.Config{OperationsPerSecond: 100, CreationsPerHour: 1, MaxParticipants: 50, SweepInterval: 0})
	t.Cleanup(s.Limiter.Close)
	handler := s.Handler()

	body, _ := json.Marshal(createWorkspaceRequest{
		Config:           workspaceConfigRequest{DurationMinutes: 30, MaxParticipants: 10},
		CreatorPublicKey: randomX25519Pub(t),
	})

	req1 := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(body))
	req1.RemoteAddr = "10.0.0.1:1234"
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(body))
	req2.RemoteAddr = "10.0.0.1:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, Version, resp.Version)
}
