package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	var sawStatus atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/api/status":
			sawStatus.Store(r.Header.Get("Authorization") == "Bearer tok")
			_ = json.NewEncoder(w).Encode(map[string]any{"engine": map[string]int{"active_drains": 0}})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "tok")
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !sawStatus.Load() {
		t.Fatal("engine status was not requested with the token")
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestPrintEnv_RedactsSecrets(t *testing.T) {
	t.Setenv("CONCIERGE_AUTH_TOKEN", "very-secret")
	t.Setenv("DATABASE_URL", "postgres://app:hunter2@db:5432/concierge")
	t.Setenv("BILLING_API_URL", "https://billing.test/api")

	var buf bytes.Buffer
	printEnv(&buf)
	out := buf.String()
	if strings.Contains(out, "very-secret") || strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	if !strings.Contains(out, "BILLING_API_URL=https://billing.test/api") {
		t.Fatalf("plain value missing:\n%s", out)
	}
}
