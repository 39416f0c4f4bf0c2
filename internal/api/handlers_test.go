package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mivanov/herald/internal/config"
	"github.com/mivanov/herald/internal/dispatch"
	"github.com/mivanov/herald/internal/ratelimit"
	"github.com/mivanov/herald/internal/recipient"
	"github.com/mivanov/herald/internal/session"
	"github.com/mivanov/herald/internal/template"
	"github.com/mivanov/herald/internal/track"
)

// mockDispatcher implements Dispatcher for testing
type mockDispatcher struct {
	mu         sync.Mutex
	running    bool
	startedID  int
	startedErr error
	restored   []recipient.Recipient
}

func (m *mockDispatcher) Start(ctx context.Context, templateID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedErr != nil {
		return m.startedErr
	}
	m.startedID = templateID
	m.running = true
	return nil
}

func (m *mockDispatcher) StartWith(ctx context.Context, templateID int, recipients []recipient.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedErr != nil {
		return m.startedErr
	}
	m.startedID = templateID
	m.restored = recipients
	m.running = true
	return nil
}

func (m *mockDispatcher) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

func (m *mockDispatcher) Status() (bool, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, 0, 0
}

// mockCallbacks implements CallbackSink for testing
type mockCallbacks struct {
	mu        sync.Mutex
	sent      map[string]track.Result
	delivered map[string]bool
}

func newMockCallbacks() *mockCallbacks {
	return &mockCallbacks{
		sent:      make(map[string]track.Result),
		delivered: make(map[string]bool),
	}
}

func (m *mockCallbacks) OnSent(requestID string, result track.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[requestID] = result
}

func (m *mockCallbacks) OnDelivered(requestID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[requestID] = success
}

type testServer struct {
	server     *Server
	dispatcher *mockDispatcher
	callbacks  *mockCallbacks
	sessions   *session.Store
	recipients *recipient.Storage
	templates  *template.Storage
	limiter    *ratelimit.Limiter
}

func setupTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	dir, err := os.MkdirTemp("", "api_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recipients, err := recipient.NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create recipient storage: %v", err)
	}
	templates, err := template.NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create template storage: %v", err)
	}
	sessions, err := session.NewStore(db, 10)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(db, 40)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	dispatcher := &mockDispatcher{}
	callbacks := newMockCallbacks()

	cfg := &config.APIConfig{
		ListenAddr: ":8080",
		APIKey:     apiKey,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server := NewServer(Deps{
		Engine:     dispatcher,
		Recorder:   dispatch.NewRecorder(10),
		Sessions:   sessions,
		Recipients: recipients,
		Templates:  templates,
		Limiter:    limiter,
		Callbacks:  callbacks,
		ChannelID:  "sim0",
	}, cfg, logger)

	return &testServer{
		server:     server,
		dispatcher: dispatcher,
		callbacks:  callbacks,
		sessions:   sessions,
		recipients: recipients,
		templates:  templates,
		limiter:    limiter,
	}
}

func (ts *testServer) request(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
}

func TestAuthRequired(t *testing.T) {
	ts := setupTestServer(t, "secret")

	w := ts.request("GET", "/api/v1/quota", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/api/v1/quota", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w2 := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("Status with key = %d, want %d", w2.Code, http.StatusOK)
	}

	// X-API-Key is accepted as an alternative
	req = httptest.NewRequest("GET", "/api/v1/quota", nil)
	req.Header.Set("X-API-Key", "secret")
	w3 := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w3, req)
	if w3.Code != http.StatusOK {
		t.Errorf("Status with X-API-Key = %d, want %d", w3.Code, http.StatusOK)
	}
}

func TestDispatchStart(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("POST", "/api/v1/dispatch", DispatchRequest{TemplateID: 3})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if ts.dispatcher.startedID != 3 {
		t.Errorf("started template = %d, want 3", ts.dispatcher.startedID)
	}
}

func TestDispatchStartGuardErrors(t *testing.T) {
	ts := setupTestServer(t, "")
	ts.dispatcher.startedErr = dispatch.ErrNoRecipients

	w := ts.request("POST", "/api/v1/dispatch", DispatchRequest{TemplateID: 3})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDispatchStartValidation(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("POST", "/api/v1/dispatch", DispatchRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDispatchStatus(t *testing.T) {
	ts := setupTestServer(t, "")
	ts.dispatcher.running = true

	w := ts.request("GET", "/api/v1/dispatch/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp DispatchStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Running {
		t.Error("expected running = true")
	}
}

func TestSessionRestore(t *testing.T) {
	ts := setupTestServer(t, "")

	recipients := []recipient.Recipient{
		{ID: "r1", Name: "One", Address: "0601111111"},
		{ID: "r2", Name: "Two", Address: "0602222222"},
	}
	if _, err := ts.sessions.Start(context.Background(), 5, recipients); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if err := ts.sessions.MarkFailed(context.Background(), "r1", "gateway down"); err != nil {
		t.Fatalf("failed to archive session: %v", err)
	}

	history, err := ts.sessions.History(context.Background())
	if err != nil || len(history) != 1 {
		t.Fatalf("expected 1 archived session, got %d (err %v)", len(history), err)
	}

	w := ts.request("POST", "/api/v1/sessions/"+history[0].ID+"/restore", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	if ts.dispatcher.startedID != 5 {
		t.Errorf("restored template = %d, want 5", ts.dispatcher.startedID)
	}
	if len(ts.dispatcher.restored) != 2 {
		t.Errorf("restored recipients = %d, want 2", len(ts.dispatcher.restored))
	}
}

func TestSessionRestoreNotFound(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("POST", "/api/v1/sessions/nope/restore", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSessionDelete(t *testing.T) {
	ts := setupTestServer(t, "")

	if _, err := ts.sessions.Start(context.Background(), 1, []recipient.Recipient{{ID: "r1", Address: "0601111111"}}); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if err := ts.sessions.Complete(context.Background()); err != nil {
		t.Fatalf("failed to complete session: %v", err)
	}
	history, _ := ts.sessions.History(context.Background())

	w := ts.request("DELETE", "/api/v1/sessions/"+history[0].ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = ts.request("DELETE", "/api/v1/sessions/"+history[0].ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRecipientRoundTrip(t *testing.T) {
	ts := setupTestServer(t, "")

	payload := []recipient.Recipient{
		{Name: "Ana", Address: "0601234567", Selected: true},
		{Name: "Bo", Address: "0907654321"},
	}
	w := ts.request("PUT", "/api/v1/recipients", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = ts.request("GET", "/api/v1/recipients", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var got []recipient.Recipient
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected assigned recipient id")
	}
	if got[1].ChannelGroup == "" {
		t.Error("expected derived channel group")
	}

	w = ts.request("DELETE", "/api/v1/recipients/"+got[0].ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestRecipientSaveValidation(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("PUT", "/api/v1/recipients", []recipient.Recipient{{Name: "NoAddress"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("PUT", "/api/v1/templates/2", template.Template{Content: "Hi {name}"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = ts.request("GET", "/api/v1/templates/2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var tmpl template.Template
	if err := json.NewDecoder(w.Body).Decode(&tmpl); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if tmpl.ID != 2 || tmpl.Content != "Hi {name}" {
		t.Errorf("unexpected template %+v", tmpl)
	}

	w = ts.request("DELETE", "/api/v1/templates/2", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = ts.request("GET", "/api/v1/templates/2", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status after delete = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTemplateBadID(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("GET", "/api/v1/templates/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestQuotaEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	if _, err := ts.limiter.Increment(context.Background(), "sim0"); err != nil {
		t.Fatalf("failed to consume quota: %v", err)
	}

	w := ts.request("GET", "/api/v1/quota", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp QuotaResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Used != 1 || resp.Limit != 40 || resp.Remaining != 39 {
		t.Errorf("unexpected quota %+v", resp)
	}

	w = ts.request("POST", "/api/v1/quota/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset Status = %d, want %d", w.Code, http.StatusOK)
	}

	count, _ := ts.limiter.CountToday(context.Background(), "sim0")
	if count != 0 {
		t.Errorf("count after reset = %d, want 0", count)
	}
}

func TestSentCallback(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("POST", "/callbacks/sent", CallbackRequest{MessageID: "msg-1", Status: "sent"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if ts.callbacks.sent["msg-1"] != track.ResultOK {
		t.Errorf("expected ResultOK recorded, got %v", ts.callbacks.sent["msg-1"])
	}

	// Non-terminal statuses are acknowledged but not forwarded.
	w = ts.request("POST", "/callbacks/sent", CallbackRequest{MessageID: "msg-2", Status: "queued"})
	if w.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if _, forwarded := ts.callbacks.sent["msg-2"]; forwarded {
		t.Error("queued status must not be forwarded")
	}
}

func TestDeliveredCallback(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("POST", "/callbacks/delivered", CallbackRequest{MessageID: "msg-1", Status: "delivered"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if success, ok := ts.callbacks.delivered["msg-1"]; !ok || !success {
		t.Error("expected successful delivery recorded")
	}

	w = ts.request("POST", "/callbacks/delivered", CallbackRequest{MessageID: "msg-2", Status: "expired"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if success := ts.callbacks.delivered["msg-2"]; success {
		t.Error("expired receipt must record failure")
	}
}

func TestCallbackValidation(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request("POST", "/callbacks/sent", CallbackRequest{Status: "sent"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
