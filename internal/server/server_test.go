package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/arbiter/internal/approval"
	"github.com/ShayCichocki/arbiter/internal/checkpoint"
	"github.com/ShayCichocki/arbiter/internal/orchestrator"
	"github.com/ShayCichocki/arbiter/internal/storage"
	"github.com/ShayCichocki/arbiter/internal/storage/memory"
	"github.com/ShayCichocki/arbiter/internal/thread"
	"github.com/ShayCichocki/arbiter/pkg/models"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	threads *thread.Manager
	gate    *approval.Gate
	bus     *orchestrator.EventBus
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	store := memory.New()
	cps := checkpoint.New(store, memory.NewBlob(),
		checkpoint.WithRetryPolicy(storage.DefaultRetryPolicy().WithoutSleep()))
	threads := thread.NewManager(store, cps)
	gate := approval.NewGate(threads, cps)
	bus := orchestrator.NewEventBus(nil)

	handler, err := New(Config{
		Threads:     threads,
		Checkpoints: cps,
		Gate:        gate,
		Bus:         bus,
		Auth:        auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		bus.Close()
	})
	return &testServer{Server: srv, threads: threads, gate: gate, bus: bus}
}

func (s *testServer) paused(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.threads.Create(ctx, json.RawMessage(`{"flight":"AA100"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	d := &models.Decision{
		Outcome:       models.OutcomeDecided,
		FinalDecision: "delay 6h",
		Candidates: []models.Candidate{
			{ID: "c1", Source: "arbiter", Action: models.ActionDelay, Delay: 6 * time.Hour, Summary: "delay 6h", Recommended: true},
			{ID: "c2", Source: "arbiter", Action: models.ActionCancel, Summary: "cancel"},
		},
		Confidence: 0.8,
	}
	if err := s.gate.Pause(ctx, id, d); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	return id
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty config should fail")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if !strings.Contains(string(data), `"ok"`) {
		t.Errorf("body = %s", data)
	}
}

func TestThreads_ListAndGet(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := srv.paused(t)
	if _, err := srv.threads.Create(context.Background(), nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/threads?status=awaiting_approval", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list struct {
		Threads []models.Thread             `json:"threads"`
		Counts  map[models.ThreadStatus]int `json:"counts"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Threads) != 1 || list.Threads[0].ID != id {
		t.Errorf("threads = %+v, want only %s", list.Threads, id)
	}
	if list.Counts[models.ThreadStatusActive] != 1 || list.Counts[models.ThreadStatusAwaitingApproval] != 1 {
		t.Errorf("counts = %v", list.Counts)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}
	var th models.Thread
	if err := json.Unmarshal(data, &th); err != nil {
		t.Fatalf("unmarshal thread: %v", err)
	}
	if th.Status != models.ThreadStatusAwaitingApproval {
		t.Errorf("Status = %q", th.Status)
	}
}

func TestThreads_Errors(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/threads/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Errorf("code = %q, want not_found", code)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/threads?status=bogus", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400: %s", res.StatusCode, data)
	}
}

func TestCheckpoints_OmitPayload(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := srv.paused(t)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+id+"/checkpoints", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out struct {
		Checkpoints []models.Checkpoint `json:"checkpoints"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := false
	for _, cp := range out.Checkpoints {
		if len(cp.State) != 0 {
			t.Errorf("checkpoint %s carries a payload", cp.CheckpointID)
		}
		if cp.CheckpointID == models.CheckpointApprovalPending {
			found = true
		}
	}
	if !found {
		t.Errorf("checkpoints = %+v, want %s", out.Checkpoints, models.CheckpointApprovalPending)
	}
}

func TestPending(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := srv.paused(t)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+id+"/pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var p models.PendingApproval
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.DecisionHash == "" || p.Decision == nil || p.Decision.FinalDecision != "delay 6h" {
		t.Errorf("pending = %+v", p)
	}

	other, err := srv.threads.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+other+"/pending", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("no pending = %d, want 404: %s", res.StatusCode, data)
	}
}

func TestApprove_WithoutAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := srv.paused(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+id+"/approve", map[string]any{
		"solution_id": "c2",
		"rationale":   "crew cannot legally fly",
		"approver":    "duty-manager",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var rec models.ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !rec.Approved || rec.SelectedID != "c2" || !rec.Override || rec.Approver != "duty-manager" {
		t.Errorf("record = %+v", rec)
	}

	th, _ := srv.threads.Get(context.Background(), id)
	if th.Status != models.ThreadStatusCompleted {
		t.Errorf("Status = %q, want completed", th.Status)
	}

	// A second decision returns the first record untouched.
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+id+"/reject", map[string]any{"reason": "too late"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second decision status %d: %s", res.StatusCode, data)
	}
	var again models.ApprovalRecord
	_ = json.Unmarshal(data, &again)
	if !again.Approved || again.SelectedID != "c2" {
		t.Errorf("second decision = %+v, want original approval", again)
	}
}

func TestApprove_Errors(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := srv.paused(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+id+"/approve", map[string]any{"solution_id": "c9"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unknown solution = %d, want 422: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "unknown_solution" {
		t.Errorf("code = %q, want unknown_solution", code)
	}

	active, err := srv.threads.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+active+"/approve", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Errorf("not pending = %d, want 409: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "not_pending" {
		t.Errorf("code = %q, want not_pending", code)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	id := srv.paused(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/threads/"+id+"/reject", map[string]any{"reason": ""}, nil)
	if res.StatusCode < 400 || res.StatusCode >= 500 {
		t.Errorf("empty reason = %d, want a client error: %s", res.StatusCode, data)
	}
	th, _ := srv.threads.Get(context.Background(), id)
	if th.Status != models.ThreadStatusAwaitingApproval {
		t.Errorf("Status = %q, want still awaiting", th.Status)
	}
}

func TestAuth_JWT(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	id := srv.paused(t)
	url := srv.URL + "/v1/threads/" + id + "/reject"
	body := map[string]any{"reason": "weather window closed", "approver": "spoofed"}

	res, data := doJSON(t, http.MethodPost, url, body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, url, body, map[string]string{
		"Authorization": "Bearer " + signedToken(t, "wrong-secret", "ops-lead"),
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d, want 401: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Errorf("code = %q, want invalid_credentials", code)
	}

	// Reads stay open.
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/threads/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Errorf("unauthenticated read = %d, want 200", res.StatusCode)
	}

	res, data = doJSON(t, http.MethodPost, url, body, map[string]string{
		"Authorization": "Bearer " + signedToken(t, testSecret, "ops-lead"),
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token = %d: %s", res.StatusCode, data)
	}
	var rec models.ApprovalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Approved || rec.Approver != "ops-lead" {
		t.Errorf("record = %+v, want rejection by ops-lead", rec)
	}
}

func TestApproverFor(t *testing.T) {
	ctx := context.Background()
	if got := approverFor(ctx, ""); got != anonymousApprover {
		t.Errorf("approverFor(empty) = %q", got)
	}
	if got := approverFor(ctx, " alice "); got != "alice" {
		t.Errorf("approverFor(declared) = %q", got)
	}
	ctx = withPrincipal(ctx, Principal{Subject: "bob"})
	if got := approverFor(ctx, "alice"); got != "bob" {
		t.Errorf("approverFor(principal) = %q, want bob", got)
	}
}

func TestEvents_Websocket(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?thread_id=t-1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade, so keep publishing
	// until the first event arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				srv.bus.Publish(orchestrator.Event{Type: orchestrator.EventRoundStarted, ThreadID: "t-2"})
				srv.bus.Publish(orchestrator.Event{Type: orchestrator.EventDecisionMade, ThreadID: "t-1", Message: "delay 6h"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var e orchestrator.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if e.ThreadID != "t-1" || e.Type != orchestrator.EventDecisionMade {
			t.Errorf("event = %+v, want only t-1 decisions", e)
		}
	}
}
