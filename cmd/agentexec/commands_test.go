// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// testSetupServer starts an httptest server and points the CLI HTTP
// client at it. It returns the host:port address.
func testSetupServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	t.Setenv(tokenEnv, "")

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	old := defaultHTTPClient
	defaultHTTPClient = srv.Client()
	t.Cleanup(func() { defaultHTTPClient = old })

	return strings.TrimPrefix(srv.URL, "http://")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestApprovalsList(t *testing.T) {
	var gotUser string
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/approvals", r.URL.Path)
		gotUser = r.URL.Query().Get("user_id")
		writeJSON(w, http.StatusOK, map[string]any{
			"approvals": []map[string]any{{
				"id":           "appr-1",
				"run_id":       "run-9",
				"user_id":      "alice",
				"tool_name":    "send_email",
				"requested_at": time.Now().Add(-time.Minute).Format(time.RFC3339Nano),
				"timeout":      int64(5 * time.Minute),
			}},
		})
	}))

	out, err := runCLI(t, "approvals", "list", "--address", addr, "--user", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", gotUser)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "WAITING")
	assert.Contains(t, out, "appr-1")
	assert.Contains(t, out, "send_email")
	assert.Contains(t, out, "run-9")
}

func TestApprovalsList_Empty(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"approvals": []any{}})
	}))

	out, err := runCLI(t, "approval", "list", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "No pending approvals")
}

func TestApprovalsApprove(t *testing.T) {
	var (
		gotAuth string
		gotBody map[string]any
	)
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/approvals/appr-1/approve", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{"id": "appr-1", "resolved": true})
	}))

	out, err := runCLI(t, "approvals", "approve", "appr-1",
		"--address", addr, "--token", "s3cret", "--args", `{"to":"bob@example.com"}`)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, map[string]any{"to": "bob@example.com"}, gotBody["modified_arguments"])
	assert.Contains(t, out, "Approved appr-1")
}

func TestApprovalsApprove_TokenFromEnv(t *testing.T) {
	var gotAuth string
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{"id": "appr-1", "resolved": false})
	}))
	t.Setenv(tokenEnv, "from-env")

	out, err := runCLI(t, "approvals", "approve", "appr-1", "--address", addr)
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-env", gotAuth)
	assert.Contains(t, out, "Approval appr-1 was already resolved")
}

func TestApprovalsApprove_InvalidArgs(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	}))

	_, err := runCLI(t, "approvals", "approve", "appr-1", "--address", addr, "--args", "[1,2]")
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeCLIInputInvalid))
	assert.Contains(t, err.Error(), "--args must be a JSON object")
}

func TestApprovalsReject(t *testing.T) {
	var gotBody map[string]any
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/approvals/appr-2/reject", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{"id": "appr-2", "resolved": true})
	}))

	out, err := runCLI(t, "approvals", "reject", "appr-2", "--address", addr, "--reason", "not today")
	require.NoError(t, err)
	assert.Equal(t, "not today", gotBody["reason"])
	assert.Contains(t, out, "Rejected appr-2")
}

func TestApprovalsReject_Unauthorized(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"title": "Unauthorized", "detail": "invalid approval token"})
	}))

	_, err := runCLI(t, "approvals", "reject", "appr-2", "--address", addr)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerAuthUnauthorized), "got %s", sigilerr.CodeOf(err))
	assert.Contains(t, err.Error(), "invalid approval token")
}

func TestApprovalsApprove_NotFound(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "approval appr-x not found"})
	}))

	_, err := runCLI(t, "approvals", "approve", "appr-x", "--address", addr)
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeServerEntityNotFound))
}

func TestBreakersList(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/breakers", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"breakers": []map[string]any{
				{"name": "model", "state": "CLOSED", "failure_count": 0, "success_count": 12, "available": true},
				{"name": "tool:send_email", "state": "OPEN", "failure_count": 5, "success_count": 1, "available": false},
			},
		})
	}))

	out, err := runCLI(t, "breakers", "list", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "tool:send_email")
	assert.Contains(t, out, "OPEN")
	assert.Contains(t, out, "false")
}

func TestBreakersList_Empty(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": []any{}})
	}))

	out, err := runCLI(t, "breaker", "list", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "No breakers registered")
}

func TestBreakersReset(t *testing.T) {
	addr := testSetupServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/breakers/model/reset", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"name": "model", "state": "CLOSED", "available": true})
	}))

	out, err := runCLI(t, "breakers", "reset", "model", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "Breaker model is CLOSED")
}

func TestStatus_Healthy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/api/v1/admission", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"in_flight": 2, "max": 16, "rejected": 1, "admitted": 40, "mode": "QUEUED",
		})
	})
	addr := testSetupServer(t, mux)

	out, err := runCLI(t, "status", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "agentexec at "+addr+": ok")
	assert.Contains(t, out, "admission: 2/16 in flight (QUEUED), 40 admitted, 1 rejected")
}

func TestStatus_NotRunning(t *testing.T) {
	t.Setenv(tokenEnv, "")

	out, err := runCLI(t, "status", "--address", "127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, out, "is not running")
}

func TestBreakersList_NotRunning(t *testing.T) {
	t.Setenv(tokenEnv, "")

	_, err := runCLI(t, "breakers", "list", "--address", "127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeCLIServerNotRunning))
}
