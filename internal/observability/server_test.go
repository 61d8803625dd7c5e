// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schoolgate/schoolgate/internal/auth"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestServer_MetricsIncludesRuntimeAndHTTP(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	server.Metrics().RequestsTotal.WithLabelValues("POST", "/login", "303").Inc()
	server.Metrics().RequestDuration.WithLabelValues("POST", "/login").Observe(0.01)

	code, body := get(t, server.Handler(), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	for _, want := range []string{
		"go_goroutines",
		"process_",
		`schoolgate_http_requests_total{method="POST",route="/login",status="303"} 1`,
		"schoolgate_http_request_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in /metrics", want)
		}
	}
}

func TestServer_RegistersExtraCollectors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil, auth.LoginAttempts)
	auth.LoginAttempts.WithLabelValues("teacher", auth.ResultSuccess).Inc()

	_, body := get(t, server.Handler(), "/metrics")
	if !strings.Contains(body, "schoolgate_login_attempts_total") {
		t.Error("expected auth login counter on /metrics")
	}
}

func TestServer_RegistryAcceptsLateCollectors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	late := prometheus.NewCounter(prometheus.CounterOpts{Name: "schoolgate_test_late_total", Help: "test"})
	server.Registry().MustRegister(late)
	late.Inc()

	_, body := get(t, server.Handler(), "/metrics")
	if !strings.Contains(body, "schoolgate_test_late_total 1") {
		t.Error("expected late collector on /metrics")
	}
}

func TestServer_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		ready    ReadinessChecker
		path     string
		wantCode int
		wantBody string
	}{
		{"liveness", nil, "/healthz/liveness", http.StatusOK, "ok\n"},
		{"readiness without checker", nil, "/healthz/readiness", http.StatusOK, "ok\n"},
		{"ready", func(context.Context) error { return nil }, "/healthz/readiness", http.StatusOK, "ok\n"},
		{"database down", func(context.Context) error { return errors.New("connection refused") },
			"/healthz/readiness", http.StatusServiceUnavailable, "not ready\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, NewServer("127.0.0.1:0", tt.ready).Handler(), tt.path)
			if code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, code)
			}
			if body != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestServer_ReadinessCheckHasDeadline(t *testing.T) {
	var hadDeadline bool
	server := NewServer("127.0.0.1:0", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})

	get(t, server.Handler(), "/healthz/readiness")
	if !hadDeadline {
		t.Error("readiness check should run under a deadline")
	}
}

func TestServer_StartServesAndStops(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if _, err := server.Start(); err == nil {
		t.Error("second Start should fail")
	}

	resp, err := http.Get("http://" + server.Addr() + "/healthz/liveness")
	if err != nil {
		t.Fatalf("failed to GET liveness: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok\n" {
		t.Errorf("unexpected liveness body %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
	if err := server.Stop(ctx); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("unexpected error on normal shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error channel to close")
	}
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	_ = server.listener.Close()

	select {
	case serveErr := <-errCh:
		if serveErr == nil {
			t.Error("expected an error after closing the listener")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for serve error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}
