// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/guard"
	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	"github.com/sigil-dev/agentexec/internal/server"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// stubExecutor records requests and answers with fn.
type stubExecutor struct {
	mu   sync.Mutex
	reqs []agent.ExecutionRequest
	fn   func(ctx context.Context, req agent.ExecutionRequest) agent.ExecutionResult
}

func (s *stubExecutor) Execute(ctx context.Context, req agent.ExecutionRequest) agent.ExecutionResult {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	return agent.ExecutionResult{RunID: "run-1", Success: true, Content: "echo: " + req.UserPrompt}
}

func (s *stubExecutor) last(t *testing.T) agent.ExecutionRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reqs)
	return s.reqs[len(s.reqs)-1]
}

type fixture struct {
	srv       *server.Server
	exec      *stubExecutor
	approvals *approval.MemoryCoordinator
	breakers  *breaker.Registry
	admission *admission.Controller
	metrics   *metrics.Recorder
}

func newFixture(t *testing.T, mutate ...func(*server.Config)) *fixture {
	t.Helper()

	breakers, err := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	require.NoError(t, err)
	adm, err := admission.New(admission.Config{MaxConcurrent: 4, Mode: types.AdmissionModeFailFast})
	require.NoError(t, err)

	f := &fixture{
		exec:      &stubExecutor{},
		approvals: approval.NewMemoryCoordinator(),
		breakers:  breakers,
		admission: adm,
		metrics:   metrics.New(),
	}

	svc, err := server.NewServices(server.Services{
		Executor:  f.exec,
		Approvals: f.approvals,
		Breakers:  f.breakers,
		Admission: f.admission,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)

	cfg := server.Config{ListenAddr: "127.0.0.1:0"}
	for _, m := range mutate {
		m(&cfg)
	}
	f.srv, err = server.New(cfg, svc)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_New_Validation(t *testing.T) {
	svc, err := server.NewServices(server.Services{
		Executor:  &stubExecutor{},
		Approvals: approval.NewMemoryCoordinator(),
		Breakers:  mustRegistry(t),
		Admission: mustAdmission(t),
	})
	require.NoError(t, err)

	_, err = server.New(server.Config{}, svc)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid), "got %s", sigilerr.CodeOf(err))
	assert.Contains(t, err.Error(), "listen address is required")

	_, err = server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid))
}

func TestNewServices_RequiresDependencies(t *testing.T) {
	full := server.Services{
		Executor:  &stubExecutor{},
		Approvals: approval.NewMemoryCoordinator(),
		Breakers:  mustRegistry(t),
		Admission: mustAdmission(t),
	}

	tests := []struct {
		name   string
		mutate func(*server.Services)
		want   string
	}{
		{"executor", func(s *server.Services) { s.Executor = nil }, "executor is required"},
		{"approvals", func(s *server.Services) { s.Approvals = nil }, "approval coordinator is required"},
		{"breakers", func(s *server.Services) { s.Breakers = nil }, "breaker registry is required"},
		{"admission", func(s *server.Services) { s.Admission = nil }, "admission controller is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := full
			tt.mutate(&svc)
			_, err := server.NewServices(svc)
			require.Error(t, err)
			assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerConfigInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("metrics optional", func(t *testing.T) {
		_, err := server.NewServices(full)
		require.NoError(t, err)
	})
}

func TestServer_HealthEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestServer_SecurityHeaders(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestServer_MetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.metrics.RunFinished("success", 10*time.Millisecond)

	w := f.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentexec_runs_total")
}

func TestServer_OpenAPISpec(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/openapi.json", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, want := range []string{
		"/api/v1/execute",
		"/api/v1/execute/stream",
		"/api/v1/approvals/{id}/approve",
		"/api/v1/breakers/{name}/reset",
		"/api/v1/admission",
		"execute-stream",
	} {
		assert.Contains(t, body, want)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	f := newFixture(t, func(c *server.Config) {
		c.CORSOrigins = []string{"http://console.local"}
	})

	w := f.do(t, http.MethodOptions, "/api/v1/breakers", "",
		"Origin", "http://console.local",
		"Access-Control-Request-Method", "GET",
	)

	assert.Equal(t, "http://console.local", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimitPerIP(t *testing.T) {
	limiter, err := guard.NewTokenBucketLimiter(guard.TokenBucketConfig{RequestsPerMinute: 1, Burst: 1})
	require.NoError(t, err)
	f := newFixture(t, func(c *server.Config) { c.RateLimiter = limiter })

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admission", nil)
		req.RemoteAddr = ip + ":4321"
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	limited := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code, "other clients keep their own bucket")

	// Non-API routes are never limited.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}
}

func mustRegistry(t *testing.T) *breaker.Registry {
	t.Helper()
	r, err := breaker.NewRegistry(breaker.DefaultConfig())
	require.NoError(t, err)
	return r
}

func mustAdmission(t *testing.T) *admission.Controller {
	t.Helper()
	c, err := admission.New(admission.Config{MaxConcurrent: 1, Mode: types.AdmissionModeFailFast})
	require.NoError(t, err)
	return c
}
