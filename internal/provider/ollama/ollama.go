// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package ollama adapts a local Ollama server to provider.Model.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/sigil-dev/agentexec/internal/provider"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"
)

// Config holds Ollama provider configuration.
type Config struct {
	// BaseURL is the Ollama server URL; empty uses localhost:11434.
	BaseURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Provider implements provider.Model using the Ollama chat API.
type Provider struct {
	client *api.Client
}

var _ provider.Model = (*Provider)(nil)

// New creates an Ollama provider. No network call is made.
func New(cfg Config) (*Provider, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, sigilerr.Errorf(sigilerr.CodeProviderRequestInvalid, "ollama: invalid base_url %q", raw)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Provider{client: api.NewClient(base, hc)}, nil
}

func (p *Provider) Name() string { return providerName }

// Call streams a chat completion and returns the aggregated response.
func (p *Provider) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	chatReq, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventCh := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(eventCh)
		p.streamChat(ctx, req.Model, chatReq, eventCh)
	}()

	return provider.Collect(ctx, req.Model, eventCh, req.OnDelta)
}

func buildRequest(req provider.Request) (*api.ChatRequest, error) {
	msgs, err := convertMessages(req)
	if err != nil {
		return nil, err
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
		Tools:    tools,
		Options:  map[string]any{},
	}
	if req.Options.Temperature != nil {
		chatReq.Options["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.Options.MaxTokens
	}
	if len(req.Options.StopSequences) > 0 {
		chatReq.Options["stop"] = req.Options.StopSequences
	}
	if req.Options.ResponseFormat == "json" || req.Options.ResponseFormat == "json_object" {
		chatReq.Format = json.RawMessage(`"json"`)
	}
	return chatReq, nil
}

func convertMessages(req provider.Request) ([]api.Message, error) {
	out := make([]api.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, api.Message{Role: "system", Content: req.SystemPrompt})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case provider.MessageRoleUser, provider.MessageRoleSystem:
			out = append(out, api.Message{Role: string(msg.Role), Content: msg.Content})
		case provider.MessageRoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				call := api.ToolCall{ID: tc.ID}
				call.Function.Name = tc.Name
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &call.Function.Arguments); err != nil {
						return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid,
							"ollama: tool call %s arguments", tc.ID)
					}
				}
				m.ToolCalls = append(m.ToolCalls, call)
			}
			out = append(out, m)
		case provider.MessageRoleTool:
			out = append(out, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolName:   msg.ToolName,
				ToolCallID: msg.ToolCallID,
			})
		default:
			return nil, sigilerr.Errorf(sigilerr.CodeProviderRequestInvalid, "ollama: unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

// convertTools goes through JSON so the schema maps onto Ollama's tool
// types without walking it by hand.
func convertTools(defs []provider.ToolDefinition) (api.Tools, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	wire := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid, "ollama: encoding tools")
	}
	var tools api.Tools
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeProviderRequestInvalid, "ollama: converting tools")
	}
	return tools, nil
}

func (p *Provider) streamChat(ctx context.Context, model string, req *api.ChatRequest, ch chan<- provider.ChatEvent) {
	calls := 0
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			if !provider.Send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: resp.Message.Content}) {
				return ctx.Err()
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return sigilerr.Wrapf(err, sigilerr.CodeProviderResponseInvalid,
					"ollama: marshaling tool call arguments for %q", tc.Function.Name)
			}
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", calls)
			}
			calls++
			if !provider.Send(ctx, ch, provider.ChatEvent{
				Type:     provider.EventTypeToolCall,
				ToolCall: &provider.ToolCall{ID: id, Name: tc.Function.Name, Arguments: string(args)},
			}) {
				return ctx.Err()
			}
		}
		if resp.Done {
			provider.Send(ctx, ch, provider.ChatEvent{
				Type: provider.EventTypeUsage,
				Usage: &provider.Usage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
				},
			})
		}
		return nil
	})
	if err != nil {
		if sigilerr.CodeOf(err) == "" {
			err = classifyError(err, model)
		}
		provider.Send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeError, Err: err})
		return
	}
	provider.Send(ctx, ch, provider.ChatEvent{Type: provider.EventTypeDone})
}

func classifyError(err error, model string) error {
	status := 0
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.StatusCode
	}
	return provider.WrapCallError(err, status, providerName, model)
}
