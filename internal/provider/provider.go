// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package provider defines the model-call contract used by the executor
// and the SDK adapters that implement it.
package provider

import (
	"context"
)

// Model is a language model the executor can call. Implementations must be
// safe for concurrent use.
type Model interface {
	Name() string
	Call(ctx context.Context, req Request) (*Response, error)
}

// Request represents a single model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Options      Options

	// OnDelta, when set, receives text chunks as they stream in.
	OnDelta func(text string)
}

// Options contains model configuration.
type Options struct {
	Temperature    *float64
	MaxTokens      int
	StopSequences  []string
	ResponseFormat string
}

// Response is the aggregated result of a model call.
type Response struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// WantsTools reports whether the model asked for tool calls.
func (r *Response) WantsTools() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Message represents a conversation message.
type Message struct {
	Role       MessageRole
	Content    string
	ToolCallID string
	ToolName   string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event emitted by an SDK adapter.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadTokens += u2.CacheReadTokens
}
