package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/steward/internal/persistence"
)

func TestGatewayURL(t *testing.T) {
	tests := map[string]string{
		"":                       "http://127.0.0.1:18790",
		"127.0.0.1:9000":         "http://127.0.0.1:9000",
		"0.0.0.0:9000":           "http://127.0.0.1:9000",
		":9000":                  "http://127.0.0.1:9000",
		"https://steward.local/": "https://steward.local",
		"[::1]:9000":             "http://[::1]:9000",
	}
	for in, want := range tests {
		if got := gatewayURL(in); got != want {
			t.Fatalf("gatewayURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatus_FromGateway(t *testing.T) {
	var sawToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true, "policy_version": "policy-abc", "uptime_seconds": 90})
		case "/v1/tasks":
			sawToken = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"counts": map[string]int{"NEEDS_ACTION": 2, "DONE": 5}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	setTestHome(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\ngateway_token: s3cret\n")

	if code := run(context.Background(), []string{"status", "-json"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if sawToken != "Bearer s3cret" {
		t.Fatalf("Authorization = %q", sawToken)
	}
}

func TestStatus_UnhealthyGateway(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"healthy":false,"db_ok":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"counts":{}}`))
	}))
	defer ts.Close()
	setTestHome(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\n")

	if code := run(context.Background(), []string{"status"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestStatus_FallsBackToLocalQueue(t *testing.T) {
	home := setTestHome(t, "bind_addr: \"127.0.0.1:1\"\n")
	store := openHomeStore(t, home)
	if _, err := store.CreateTask(context.Background(), persistence.NewTask{
		Source: persistence.SourceManual, OriginRef: "manual/1", Priority: persistence.PriorityLow, Payload: "x",
	}); err != nil {
		t.Fatal(err)
	}

	report, err := statusFromStore(context.Background(), home+"/steward.db")
	if err != nil {
		t.Fatalf("statusFromStore: %v", err)
	}
	if report.Source != "local" || report.Counts[persistence.StateNeedsAction] != 1 {
		t.Fatalf("report = %+v", report)
	}
	if code := run(context.Background(), []string{"status"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestStatus_CancelledContext(t *testing.T) {
	setTestHome(t, "bind_addr: \"127.0.0.1:1\"\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := run(ctx, []string{"status"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	writeStatus(&buf, statusReport{Source: "local", Healthy: true, Counts: map[persistence.State]int{persistence.StateDone: 3}})
	out := buf.String()
	if !strings.Contains(out, "not reachable") || !strings.Contains(out, "DONE") || !strings.Contains(out, "3") {
		t.Fatalf("output = %q", out)
	}
}
