// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// SSE event names.
const (
	EventDelta  = "delta"
	EventResult = "result"
)

// SSEEvent represents a single server-sent event.
type SSEEvent struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// DeltaData is the payload of a delta event.
type DeltaData struct {
	Text string `json:"text"`
}

func (s *Server) registerSSERoute() {
	s.router.Post("/api/v1/execute/stream", s.handleExecuteStream)

	// The streaming handler needs raw http.ResponseWriter access, so it is
	// routed on chi and only documented through huma.
	minLen := 1
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "execute-stream",
		Method:      http.MethodPost,
		Path:        "/api/v1/execute/stream",
		Summary:     "Run an agent request and stream the reply via SSE",
		Description: "Runs in STREAMING mode. Set Accept: text/event-stream for SSE, otherwise receives a JSON array of events. " +
			"Text chunks arrive as delta events; the final event is result and carries the execution result.",
		Tags: []string{"execution"},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{
						Type:     "object",
						Required: []string{"user_prompt", "user_id"},
						Properties: map[string]*huma.Schema{
							"system_prompt": {Type: "string", Description: "System prompt for the run"},
							"user_prompt":   {Type: "string", MinLength: &minLen, Description: "User message"},
							"user_id":       {Type: "string", MinLength: &minLen, Description: "Caller identity"},
							"session_id":    {Type: "string", Description: "Conversation to continue"},
							"channel_id":    {Type: "string", Description: "Originating channel"},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Streaming response (SSE or JSON depending on Accept header)",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{
							Type:        "string",
							Description: "Server-sent event stream",
						},
					},
					"application/json": {
						Schema: &huma.Schema{
							Type: "object",
							Properties: map[string]*huma.Schema{
								"events": {
									Type:        "array",
									Description: "Collected events as JSON objects",
									Items:       &huma.Schema{Type: "object"},
								},
							},
						},
					},
				},
			},
			"400": {Description: "Malformed request body"},
			"422": {Description: "Validation error (missing user_prompt or user_id)"},
		},
	})
}

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var body ExecuteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.UserPrompt) == "" || body.UserID == "" {
		http.Error(w, `{"error":"user_prompt and user_id are required"}`, http.StatusUnprocessableEntity)
		return
	}

	// Cancel the run when the client goes away or the writer gives up.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := make(chan SSEEvent, 16)
	go s.stream(ctx, body, ch)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.writeSSE(w, ch)
		return
	}
	s.writeJSON(w, ch)
}

// stream runs the request in STREAMING mode and forwards chunks to events.
// It always closes events.
func (s *Server) stream(ctx context.Context, body ExecuteBody, events chan<- SSEEvent) {
	defer close(events)

	send := func(ev SSEEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	req := body.Request()
	req.Mode = types.ExecutionModeStreaming
	req.Stream = func(chunk string) {
		data, _ := json.Marshal(DeltaData{Text: chunk})
		send(SSEEvent{Event: EventDelta, Data: string(data)})
	}

	res := s.services.Executor.Execute(ctx, req)
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("encoding execution result", "run_id", res.RunID, "error", err)
		data, _ = json.Marshal(agent.ExecutionResult{RunID: res.RunID, ErrorMessage: "encoding result failed"})
	}
	send(SSEEvent{Event: EventResult, Data: string(data)})
}

func (s *Server) writeSSE(w http.ResponseWriter, ch <-chan SSEEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		// httptest.ResponseRecorder doesn't implement Flusher,
		// but we still write the events for testability.
		flusher = nil
	}

	for event := range ch {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, ch <-chan SSEEvent) {
	type jsonEvent struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	events := []jsonEvent{}
	for event := range ch {
		events = append(events, jsonEvent{Event: event.Event, Data: json.RawMessage(event.Data)})
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Events []jsonEvent `json:"events"`
	}{Events: events}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
	}
}
