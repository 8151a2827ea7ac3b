package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"collabd/internal/clients"
	"collabd/internal/database"
	"collabd/internal/lifecycle"
	"collabd/internal/session"
	"collabd/internal/ws"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*database.Record
}

func (m *memStore) Insert(_ context.Context, rec *database.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.SessionID]; ok {
		return database.ErrDuplicateSession
	}
	cp := *rec
	m.records[rec.SessionID] = &cp
	return nil
}

func (m *memStore) UpdateContent(_ context.Context, sessionID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return database.ErrSessionNotFound
	}
	rec.Content = content
	return nil
}

func (m *memStore) Finalize(_ context.Context, sessionID, status, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return database.ErrSessionNotFound
	}
	rec.Status = status
	rec.Content = content
	return nil
}

func (m *memStore) ListActive(context.Context) ([]*database.Record, error) { return nil, nil }

type memUsers struct{ known map[string]string }

func (m *memUsers) CheckID(_ context.Context, userID string) (*clients.Profile, error) {
	name, ok := m.known[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", clients.ErrUnknownUser, userID)
	}
	return &clients.Profile{ID: userID, Username: name}, nil
}

func (m *memUsers) AddCompletedQuestion(context.Context, string, string) error { return nil }

type memQuestions struct{}

func (memQuestions) Template(context.Context, string, string) (*clients.Template, error) {
	return &clients.Template{Signature: "def f(x):"}, nil
}

type fakeHealth struct{ err error }

func (f *fakeHealth) HealthCheck(context.Context) error { return f.err }

func newTestServer(t *testing.T) (*Server, *session.Registry, *fakeHealth) {
	t.Helper()
	registry := session.NewRegistry()
	store := &memStore{records: make(map[string]*database.Record)}
	users := &memUsers{known: map[string]string{"u1": "alice", "u2": "bob"}}
	coordinator := lifecycle.NewCoordinator(registry, store, users, memQuestions{}, time.Hour, time.Hour)
	health := &fakeHealth{}
	wsHandler := ws.NewHandler(registry, ws.Options{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		BufferFrames: 8,
	})
	srv := NewServer(coordinator, registry, health, wsHandler)
	t.Cleanup(func() {
		for _, s := range registry.All() {
			s.End(lifecycle.ReasonShutdown)
		}
	})
	return srv, registry, health
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return body
}

func validCreateBody() map[string]string {
	return map[string]string{
		"user1":           "u1",
		"user2":           "u2",
		"sessionId":       "S1",
		"questionId":      "q1",
		"programmingLang": "python",
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	srv, registry, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/session", validCreateBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeStatus(t, rec)
	if body["status"] != "ok" {
		t.Errorf(`status field = %v, want "ok"`, body["status"])
	}
	if _, err := time.Parse(time.RFC3339, body["time"].(string)); err != nil {
		t.Errorf("time field not RFC3339: %v", err)
	}
	if !registry.Contains("S1") {
		t.Error("session not registered")
	}
}

func TestCreateSessionMissingField(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := validCreateBody()
	delete(body, "questionId")
	rec := doJSON(t, srv, http.MethodPost, "/api/session", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := decodeStatus(t, rec)["status"]; got != "Missing fields" {
		t.Errorf("status field = %v", got)
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	srv, _, _ := newTestServer(t)

	if rec := doJSON(t, srv, http.MethodPost, "/api/session", validCreateBody()); rec.Code != http.StatusOK {
		t.Fatalf("first create = %d", rec.Code)
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/session", validCreateBody())
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if got := decodeStatus(t, rec)["status"]; got != "Duplicate session" {
		t.Errorf("status field = %v", got)
	}
}

func TestCreateSessionInvalidParameters(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := validCreateBody()
	body["user2"] = "ghost"
	rec := doJSON(t, srv, http.MethodPost, "/api/session", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if got := decodeStatus(t, rec)["status"]; got != "Invalid parameters" {
		t.Errorf("status field = %v", got)
	}
}

func TestTerminateEndpoint(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	if rec := doJSON(t, srv, http.MethodPost, "/api/session", validCreateBody()); rec.Code != http.StatusOK {
		t.Fatal("create failed")
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/terminate", map[string]string{
		"user": "u1", "sessionId": "S1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if registry.Contains("S1") {
		t.Error("session still registered after terminate")
	}

	// Terminating again is rejected as invalid.
	rec = doJSON(t, srv, http.MethodPost, "/api/terminate", map[string]string{
		"user": "u1", "sessionId": "S1",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("second terminate = %d, want 409", rec.Code)
	}
	if got := decodeStatus(t, rec)["status"]; got != "Invalid parameters" {
		t.Errorf("status field = %v", got)
	}
}

func TestTerminateMissingFields(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/terminate", map[string]string{"user": "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, health := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeStatus(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	if _, ok := body["active_sessions"]; !ok {
		t.Error("active_sessions missing from health response")
	}

	health.err = errors.New("database gone")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}

func TestUpgradeRouteRejectsUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nope?userid=u1&purpose=doc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
