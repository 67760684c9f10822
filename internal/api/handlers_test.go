package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wasm-plugin-sandbox/internal/config"
	"wasm-plugin-sandbox/internal/engine"
	"wasm-plugin-sandbox/internal/monitor"
	"wasm-plugin-sandbox/internal/service"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	fake := &engine.Fake{
		InvokeFunc: func(_ context.Context, mod engine.Module, input map[string]any, _ engine.InvokeConfig) (*engine.InvokeResult, error) {
			return &engine.InvokeResult{
				Output: map[string]any{"module": mod.ID},
				Fuel:   10,
			}, nil
		},
	}
	svc, err := service.New(service.Options{Engine: fake, WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return NewServer(cfg, svc, nil, monitor.NewMetrics())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecuteSuccess(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/execute", ExecuteRequest{
		ModuleID: "adder",
		Code:     "result = 1 + 2",
		Input:    map[string]any{"a": 1},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result service.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != service.StatusSuccess {
		t.Errorf("Status = %s, error = %s", result.Status, result.Error)
	}
	if result.Output["module"] != "adder" {
		t.Errorf("Output = %v", result.Output)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestHandleExecuteValidationFailure(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/execute", ExecuteRequest{
		ModuleID: "evil",
		Code:     `eval("os.system('id')")`,
	})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body = %s", rec.Code, rec.Body.String())
	}
	var result service.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(result.Error, "code validation failed") {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestHandleExecuteBadRequests(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", "{not json"},
		{"unknown phase", `{"module_id":"m","code":"x=1","phase":"paranoid"}`},
		{"unknown isolation", `{"module_id":"m","code":"x=1","isolation":"jail"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Code != "INVALID_REQUEST" {
				t.Errorf("Code = %s", resp.Code)
			}
		})
	}
}

func TestHandleBatch(t *testing.T) {
	srv := newTestServer(t, nil)

	batch := BatchExecuteRequest{
		Requests: []ExecuteRequest{
			{ModuleID: "a", Code: "x = 1"},
			{ModuleID: "b", Code: "x = 2"},
			{ModuleID: "c", Code: "x = 3"},
		},
		MaxConcurrent: 2,
	}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/execute/batch", batch)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var results []service.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Status != service.StatusSuccess {
			t.Errorf("batch member failed: %s", r.Error)
		}
	}
}

func TestHandleBatchEmpty(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/execute/batch", BatchExecuteRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUpgradePhaseNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/executions/no-such-exec/upgrade",
		UpgradeRequest{Phase: "zero_trust"})

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUpgradePhaseBadPhase(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/executions/e/upgrade",
		UpgradeRequest{Phase: "ultra"})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleTerminate(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodDelete, "/executions/some-exec?reason=testing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestHandleListIncidents(t *testing.T) {
	srv := newTestServer(t, nil)

	// Produce one validation incident.
	doJSON(t, srv.Handler(), http.MethodPost, "/execute", ExecuteRequest{
		ModuleID: "evil",
		Code:     `exec("import os")`,
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/incidents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var incidents []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &incidents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(incidents))
	}
	if incidents[0]["incident_type"] != "code_validation_failed" {
		t.Errorf("incident = %v", incidents[0])
	}

	// Type filter that matches nothing.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/incidents?type=execution_escape", nil)
	incidents = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &incidents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(incidents) != 0 {
		t.Errorf("filter returned %d incidents, want 0", len(incidents))
	}
}

func TestHandleResolveIncident(t *testing.T) {
	srv := newTestServer(t, nil)

	doJSON(t, srv.Handler(), http.MethodPost, "/execute", ExecuteRequest{
		ModuleID: "evil",
		Code:     `eval("x")`,
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/incidents", nil)
	var incidents []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &incidents); err != nil {
		t.Fatal(err)
	}
	if len(incidents) == 0 {
		t.Fatal("no incident to resolve")
	}
	id, _ := incidents[0]["id"].(string)

	rec = doJSON(t, srv.Handler(), http.MethodPost, fmt.Sprintf("/incidents/%s/resolve", id), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("resolve status = %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/incidents/nope/resolve", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("resolve unknown status = %d, want 404", rec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(t, nil)

	doJSON(t, srv.Handler(), http.MethodPost, "/execute", ExecuteRequest{
		ModuleID: "m",
		Code:     "x = 1",
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["success_rate"] != float64(1) {
		t.Errorf("success_rate = %v", stats["success_rate"])
	}
	if stats["zero_escape_incidents"] != float64(0) {
		t.Errorf("zero_escape_incidents = %v", stats["zero_escape_incidents"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.AllowedKeys = []string{"secret-key"}
		cfg.Security.AllowUnauthenticated = false
	})

	body := func() *strings.Reader {
		return strings.NewReader(`{"module_id":"m","code":"x = 1"}`)
	}

	req := httptest.NewRequest(http.MethodPost, "/execute", body())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/execute", body())
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/execute", body())
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/execute", body())
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", rec.Code)
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.AllowedKeys = []string{"secret-key"}
		cfg.Security.AllowUnauthenticated = false
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || !resp.Database {
		t.Errorf("health = %+v", resp)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestMaxBodyLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxRequestBody = 64
	})

	payload := fmt.Sprintf(`{"module_id":"m","code":%q}`, strings.Repeat("a", 1024))
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for oversized body", rec.Code)
	}
}

func TestDurationJSON(t *testing.T) {
	var req BatchExecuteRequest
	if err := json.Unmarshal([]byte(`{"requests":[],"timeout":"1m30s"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Timeout.Duration.Seconds() != 90 {
		t.Errorf("Timeout = %s, want 1m30s", req.Timeout.Duration)
	}

	if err := json.Unmarshal([]byte(`{"timeout":"soon"}`), &req); err == nil {
		t.Error("bad duration accepted")
	}
}
