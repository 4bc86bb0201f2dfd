// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package anthropic_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/provider"
	"github.com/sigil-dev/agentexec/internal/provider/anthropic"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func mustNewProvider(t *testing.T, baseURL string) *anthropic.Provider {
	t.Helper()
	p, err := anthropic.New(anthropic.Config{APIKey: "test-key-not-real", BaseURL: baseURL})
	require.NoError(t, err)
	return p
}

func TestAnthropicProvider_Name(t *testing.T) {
	assert.Equal(t, "anthropic", mustNewProvider(t, "").Name())
}

func TestAnthropicProvider_MissingAPIKey(t *testing.T) {
	_, err := anthropic.New(anthropic.Config{})
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderRequestInvalid))
}

func TestConvertMessages_MergesToolResults(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.MessageRoleSystem, Content: "ignored"},
		{Role: provider.MessageRoleUser, Content: "look these up"},
		{Role: provider.MessageRoleAssistant, ToolCalls: []provider.ToolCall{
			{ID: "t1", Name: "search", Arguments: `{"q":"a"}`},
			{ID: "t2", Name: "search", Arguments: `not json`},
		}},
		{Role: provider.MessageRoleTool, Content: "A", ToolCallID: "t1"},
		{Role: provider.MessageRoleTool, Content: "B", ToolCallID: "t2"},
		{Role: provider.MessageRoleAssistant, Content: "done"},
	}

	params, err := anthropic.ConvertMessages(msgs)
	require.NoError(t, err)
	require.Len(t, params, 4)

	assert.Equal(t, "user", string(params[0].Role))
	assert.Equal(t, "assistant", string(params[1].Role))
	assert.Len(t, params[1].Content, 2)
	assert.Equal(t, "user", string(params[2].Role))
	assert.Len(t, params[2].Content, 2, "both tool results share one user turn")
	assert.Equal(t, "assistant", string(params[3].Role))
}

func TestConvertMessages_UnknownRole(t *testing.T) {
	_, err := anthropic.ConvertMessages([]provider.Message{{Role: "robot"}})
	assert.Error(t, err)
}

func TestBuildParams_DefaultsAndTools(t *testing.T) {
	params, err := anthropic.BuildParams(provider.Request{
		Model:        "claude-sonnet-4-5",
		SystemPrompt: "be brief",
		Messages:     []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
		Tools: []provider.ToolDefinition{{
			Name: "search",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []any{"q"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4096), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, []string{"q"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestCall_ServerErrorIsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`))
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL)
	_, err := p.Call(context.Background(), provider.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, sigilerr.IsUpstreamFailure(err), "got %v", err)
}
