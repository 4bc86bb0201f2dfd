// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package openai_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/provider"
	"github.com/sigil-dev/agentexec/internal/provider/openai"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func TestOpenAIProvider_Name(t *testing.T) {
	p := mustNewProvider(t, "")
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderRequestInvalid))
}

// mustNewProvider creates a provider with a dummy API key for unit tests.
func mustNewProvider(t *testing.T, baseURL string) *openai.Provider {
	t.Helper()
	p, err := openai.New(openai.Config{
		APIKey:  "test-key-not-real",
		BaseURL: baseURL,
	})
	require.NoError(t, err)
	return p
}

func TestConvertMessages(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.MessageRoleUser, Content: "question"},
		{Role: provider.MessageRoleAssistant, Content: "answer"},
		{Role: provider.MessageRoleAssistant, ToolCalls: []provider.ToolCall{
			{ID: "call-1", Name: "search", Arguments: `{"q":"go"}`},
		}},
		{Role: provider.MessageRoleTool, Content: "tool result", ToolCallID: "call-1", ToolName: "search"},
	}

	params, err := openai.ConvertMessages(msgs, "be brief")
	require.NoError(t, err)
	require.Len(t, params, 5)

	require.NotNil(t, params[0].OfSystem)
	require.NotNil(t, params[1].OfUser)
	assert.Equal(t, "question", params[1].OfUser.Content.OfString.Value)
	require.NotNil(t, params[2].OfAssistant)
	assert.Equal(t, "answer", params[2].OfAssistant.Content.OfString.Value)
	require.NotNil(t, params[3].OfAssistant)
	require.Len(t, params[3].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call-1", params[3].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "search", params[3].OfAssistant.ToolCalls[0].Function.Name)
	require.NotNil(t, params[4].OfTool)
	assert.Equal(t, "tool result", params[4].OfTool.Content.OfString.Value)
}

func TestConvertMessages_UnknownRole(t *testing.T) {
	_, err := openai.ConvertMessages([]provider.Message{{Role: "robot", Content: "x"}}, "")
	assert.Error(t, err)
}

func TestBuildParams_Options(t *testing.T) {
	temp := 0.2
	params, err := openai.BuildParams(provider.Request{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
		Tools: []provider.ToolDefinition{
			{Name: "search", Description: "web search", InputSchema: map[string]any{"type": "object"}},
		},
		Options: provider.Options{Temperature: &temp, MaxTokens: 256},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", string(params.Model))
	assert.Equal(t, 0.2, params.Temperature.Value)
	assert.Equal(t, int64(256), params.MaxCompletionTokens.Value)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "search", params.Tools[0].Function.Name)
}

func TestBuildParams_NoToolsWhenEmpty(t *testing.T) {
	params, err := openai.BuildParams(provider.Request{Model: "gpt-4.1"})
	require.NoError(t, err)
	assert.Empty(t, params.Tools)
}

func sseServer(t *testing.T, status int, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCall_AggregatesTextAndToolCalls(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	)
	p := mustNewProvider(t, srv.URL+"/")

	var deltas []string
	resp, err := p.Call(context.Background(), provider.Request{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
		OnDelta:  func(s string) { deltas = append(deltas, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, `{"q":"go"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestCall_RateLimitIsClassified(t *testing.T) {
	srv := sseServer(t, http.StatusTooManyRequests)
	p := mustNewProvider(t, srv.URL+"/")

	_, err := p.Call(context.Background(), provider.Request{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, sigilerr.IsRateLimited(err), "got %v", err)
	assert.True(t, strings.Contains(err.Error(), "openai"))
}
