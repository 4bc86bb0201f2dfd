// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/server"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func streamingFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.exec.fn = func(_ context.Context, req agent.ExecutionRequest) agent.ExecutionResult {
		for _, chunk := range []string{"Hello", " world"} {
			req.Stream(chunk)
		}
		return agent.ExecutionResult{RunID: "run-9", Success: true, Content: "Hello world"}
	}
	return f
}

func parseSSE(t *testing.T, body string) []server.SSEEvent {
	t.Helper()
	var events []server.SSEEvent
	var cur server.SSEEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.Event != "" {
				events = append(events, cur)
			}
			cur = server.SSEEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestSSE_StreamsDeltasThenResult(t *testing.T) {
	f := streamingFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/execute/stream",
		`{"user_prompt":"hi","user_id":"u-1","mode":"STANDARD"}`,
		"Accept", "text/event-stream")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, server.EventDelta, events[0].Event)
	assert.JSONEq(t, `{"text":"Hello"}`, events[0].Data)
	assert.Equal(t, server.EventDelta, events[1].Event)
	assert.JSONEq(t, `{"text":" world"}`, events[1].Data)

	assert.Equal(t, server.EventResult, events[2].Event)
	var res agent.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(events[2].Data), &res))
	assert.Equal(t, "run-9", res.RunID)
	assert.Equal(t, "Hello world", res.Content)

	assert.Equal(t, types.ExecutionModeStreaming, f.exec.last(t).Mode, "stream route forces STREAMING")
}

func TestSSE_JSONFallback(t *testing.T) {
	f := streamingFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/execute/stream", `{"user_prompt":"hi","user_id":"u-1"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body struct {
		Events []struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 3)
	assert.Equal(t, server.EventResult, body.Events[2].Event)
	assert.Contains(t, string(body.Events[2].Data), `"run_id":"run-9"`)
}

func TestSSE_RejectsBadRequests(t *testing.T) {
	f := streamingFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{not json`, http.StatusBadRequest},
		{"missing prompt", `{"user_id":"u"}`, http.StatusUnprocessableEntity},
		{"blank prompt", `{"user_prompt":"   ","user_id":"u"}`, http.StatusUnprocessableEntity},
		{"missing user", `{"user_prompt":"hi"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/execute/stream", tt.body, "Accept", "text/event-stream")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSSE_ClientGoneCancelsRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.exec.fn = func(ctx context.Context, _ agent.ExecutionRequest) agent.ExecutionResult {
		close(started)
		<-ctx.Done()
		return agent.ExecutionResult{RunID: "run-c", ErrorCode: "agent.run.cancelled"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/api/v1/execute/stream",
		strings.NewReader(`{"user_prompt":"hi","user_id":"u"}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	done := make(chan struct{})
	go func() {
		defer close(done)
		w := newDiscardRecorder()
		f.srv.Handler().ServeHTTP(w, req)
	}()

	<-started
	cancel()
	<-done
}

// discardRecorder is a minimal ResponseWriter safe to write from the handler goroutine.
type discardRecorder struct {
	h http.Header
}

func newDiscardRecorder() *discardRecorder {
	return &discardRecorder{h: http.Header{}}
}

func (d *discardRecorder) Header() http.Header { return d.h }

func (d *discardRecorder) Write(p []byte) (int, error) { return len(p), nil }

func (d *discardRecorder) WriteHeader(int) {}
