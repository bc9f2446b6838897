package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callsync/auth"
	"callsync/ledger"
	"callsync/scheduler"
	"callsync/telephony"
	"callsync/workflow"
)

type stubAuth struct {
	loginErr error
}

func (s *stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if s.loginErr != nil {
		return auth.LoginResult{}, s.loginErr
	}
	return auth.LoginResult{Token: "tok-" + req.Username, Role: auth.RoleOperator, ExpiresAt: time.Date(2024, 1, 16, 6, 0, 0, 0, time.UTC)}, nil
}

func (s *stubAuth) VerifyToken(token string) (auth.Claims, error) {
	switch token {
	case "operator":
		return auth.Claims{Subject: "ops", Role: auth.RoleOperator}, nil
	case "viewer":
		return auth.Claims{Subject: "audit", Role: auth.RoleViewer}, nil
	}
	return auth.Claims{}, auth.ErrInvalidToken
}

type stubWorkflows struct {
	infos      []scheduler.WorkflowInfo
	triggerErr error
	triggered  []telephony.Kind
}

func (s *stubWorkflows) Workflows() []scheduler.WorkflowInfo { return s.infos }

func (s *stubWorkflows) Trigger(kind telephony.Kind) (string, error) {
	if s.triggerErr != nil {
		return "", s.triggerErr
	}
	s.triggered = append(s.triggered, kind)
	return "run-42", nil
}

type stubRuns struct {
	runs []ledger.Run
	kind string
}

func (s *stubRuns) ListRecent(_ context.Context, kind string, _ int) ([]ledger.Run, error) {
	s.kind = kind
	return s.runs, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T) (*Server, *ledger.MemoryStore, *stubWorkflows) {
	t.Helper()
	store := ledger.NewMemoryStore()
	wf := &stubWorkflows{}
	srv := NewServer(Deps{
		Auth:        &stubAuth{},
		Workflows:   wf,
		Ledger:      store,
		Runs:        &stubRuns{},
		Definitions: workflow.DefaultDefinitions(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return srv, store, wf
}

func seed(t *testing.T, store *ledger.MemoryStore, recs ...ledger.Record) {
	t.Helper()
	for _, rec := range recs {
		if _, err := store.Upsert(context.Background(), rec); err != nil {
			t.Fatalf("seed %s: %v", rec.EventID, err)
		}
	}
}

func do(h http.Handler, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_RequireToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Routes()

	if rec := do(h, http.MethodGet, "/admin/workflows", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/admin/workflows", "forged", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/admin/workflows", "viewer", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for viewer, got %d", rec.Code)
	}
}

func TestHandleToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(http.HandlerFunc(srv.handleToken), http.MethodPost, "/admin/token", "", strings.NewReader(`{"username":"ops","password":"pw"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "tok-ops" || resp.ExpiresAt != "2024-01-16T06:00:00Z" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}

	srv.auth = &stubAuth{loginErr: auth.ErrInvalidCredentials}
	rec = do(http.HandlerFunc(srv.handleToken), http.MethodPost, "/admin/token", "", strings.NewReader(`{"username":"ops","password":"bad"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = do(http.HandlerFunc(srv.handleToken), http.MethodGet, "/admin/token", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleRunWorkflow(t *testing.T) {
	srv, _, wf := newTestServer(t)
	h := srv.Routes()

	rec := do(h, http.MethodPost, "/admin/workflows/voicemail/run", "viewer", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rec.Code)
	}

	rec = do(h, http.MethodPost, "/admin/workflows/voicemail/run", "operator", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(wf.triggered) != 1 || wf.triggered[0] != telephony.KindVoicemail {
		t.Fatalf("unexpected triggers: %v", wf.triggered)
	}
	if !strings.Contains(rec.Body.String(), `"runId":"run-42"`) {
		t.Fatalf("expected run id in body, got %s", rec.Body.String())
	}

	wf.triggerErr = scheduler.ErrAlreadyRunning
	if rec := do(h, http.MethodPost, "/admin/workflows/voicemail/run", "operator", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/admin/workflows/fax/run", "operator", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/admin/workflows/voicemail/run", "operator", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleWorkflows(t *testing.T) {
	srv, _, wf := newTestServer(t)
	next := time.Date(2024, 1, 15, 18, 7, 0, 0, time.UTC)
	wf.infos = []scheduler.WorkflowInfo{{Kind: telephony.KindVoicemail, Schedule: "2/5 * * * *", Enabled: true, NextRun: &next, Running: true}}

	rec := do(http.HandlerFunc(srv.handleWorkflows), http.MethodGet, "/admin/workflows", "", nil)
	var payload struct {
		Items []workflowResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].NextRun == nil || *payload.Items[0].NextRun != "2024-01-15T18:07:00Z" || !payload.Items[0].Running {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleProcessedItem_GetAndReset(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seed(t, store, ledger.Record{WorkflowKind: "incoming_call", EventID: "call_001", Status: ledger.StatusCompleted, CRMReference: "customer:42", AttemptCount: 1})
	h := srv.Routes()

	rec := do(h, http.MethodGet, "/admin/processed/incoming_call/call_001", "viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got processedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "completed" || got.CRMReference != "customer:42" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if rec := do(h, http.MethodDelete, "/admin/processed/incoming_call/call_001", "viewer", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer delete, got %d", rec.Code)
	}
	if rec := do(h, http.MethodDelete, "/admin/processed/incoming_call/call_001", "operator", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := store.Get(context.Background(), "incoming_call", "call_001"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
	if rec := do(h, http.MethodDelete, "/admin/processed/incoming_call/call_001", "operator", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/admin/processed/incoming_call", "viewer", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short path, got %d", rec.Code)
	}
}

func TestHandleProcessed_Exhausted(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seed(t, store,
		ledger.Record{WorkflowKind: "voicemail", EventID: "vm_1", Status: ledger.StatusFailed, AttemptCount: 5, LastError: "crm down"},
		ledger.Record{WorkflowKind: "voicemail", EventID: "vm_2", Status: ledger.StatusFailed, AttemptCount: 2},
		ledger.Record{WorkflowKind: "incoming_call", EventID: "call_9", Status: ledger.StatusFailed, AttemptCount: 7},
		ledger.Record{WorkflowKind: "incoming_call", EventID: "call_1", Status: ledger.StatusCompleted, AttemptCount: 1},
	)

	rec := do(http.HandlerFunc(srv.handleProcessed), http.MethodGet, "/admin/processed?exhausted=true", "", nil)
	var payload struct {
		Items []processedResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := map[string]bool{}
	for _, item := range payload.Items {
		ids[item.EventID] = item.Exhausted
	}
	if len(ids) != 2 || !ids["vm_1"] || !ids["call_9"] {
		t.Fatalf("expected vm_1 and call_9 exhausted, got %+v", payload.Items)
	}

	rec = do(http.HandlerFunc(srv.handleProcessed), http.MethodGet, "/admin/processed?kind=voicemail&status=failed", "", nil)
	payload.Items = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("expected both failed voicemails, got %+v", payload.Items)
	}

	rec = do(http.HandlerFunc(srv.handleProcessed), http.MethodGet, "/admin/processed?status=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRuns(t *testing.T) {
	finished := time.Date(2024, 1, 15, 18, 2, 0, 0, time.UTC)
	runs := &stubRuns{runs: []ledger.Run{{
		ID: "run-1", WorkflowKind: "incoming_call", Origin: "schedule", Status: ledger.RunSucceeded,
		StartedAt: finished.Add(-time.Minute), FinishedAt: &finished, Stats: map[string]int{"completed": 3},
	}}}
	server := &Server{runs: runs, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec := do(http.HandlerFunc(server.handleRuns), http.MethodGet, "/admin/runs?kind=incoming_call&limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []runResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if runs.kind != "incoming_call" || len(payload.Items) != 1 || payload.Items[0].Stats["completed"] != 3 || payload.Items[0].Status != "succeeded" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleHealth(t *testing.T) {
	server := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if rec := do(http.HandlerFunc(server.handleHealth), http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without db, got %d", rec.Code)
	}
	server.db = stubPinger{err: errors.New("connection refused")}
	if rec := do(http.HandlerFunc(server.handleHealth), http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
