// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agent

import (
	"strings"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// StreamFunc receives text chunks for STREAMING runs.
type StreamFunc func(chunk string)

// ExecutionRequest is one inbound run. It is owned by a single Execute call.
type ExecutionRequest struct {
	SystemPrompt   string
	UserPrompt     string
	UserID         string
	SessionID      string
	ChannelID      string
	Mode           types.ExecutionMode
	Temperature    *float64
	MaxToolCalls   int
	ResponseFormat string
	Metadata       map[string]string

	// Stream is used only when Mode is STREAMING.
	Stream StreamFunc `json:"-"`
}

// Profile holds operator defaults that can be layered onto a request.
type Profile struct {
	Name           string
	SystemPrompt   string
	Mode           types.ExecutionMode
	Temperature    *float64
	MaxToolCalls   int
	ResponseFormat string
	Metadata       map[string]string
}

// WithProfile returns a copy of r with every non-zero profile field
// applied. Metadata is merged; profile keys win on conflict.
func (r ExecutionRequest) WithProfile(p Profile) ExecutionRequest {
	out := r
	if p.SystemPrompt != "" {
		out.SystemPrompt = p.SystemPrompt
	}
	if p.Mode != "" {
		out.Mode = p.Mode
	}
	if p.Temperature != nil {
		t := *p.Temperature
		out.Temperature = &t
	}
	if p.MaxToolCalls > 0 {
		out.MaxToolCalls = p.MaxToolCalls
	}
	if p.ResponseFormat != "" {
		out.ResponseFormat = p.ResponseFormat
	}
	if len(r.Metadata) > 0 || len(p.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(r.Metadata)+len(p.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (r ExecutionRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.UserPrompt) == "" {
		missing = append(missing, "UserPrompt")
	}
	if r.UserID == "" {
		missing = append(missing, "UserID")
	}
	if len(missing) > 0 {
		return sigilerr.New(sigilerr.CodeAgentLoopInvalidInput,
			"missing required fields: "+strings.Join(missing, ", "),
			sigilerr.FieldUserID(r.UserID),
			sigilerr.FieldSessionID(r.SessionID),
		)
	}
	if r.Mode != "" && !r.Mode.Valid() {
		return sigilerr.Errorf(sigilerr.CodeAgentLoopInvalidInput, "unknown execution mode %q", r.Mode)
	}
	if r.MaxToolCalls < 0 {
		return sigilerr.Errorf(sigilerr.CodeAgentLoopInvalidInput, "max tool calls must not be negative (got %d)", r.MaxToolCalls)
	}
	return nil
}

// Durations breaks down where a run spent its time.
type Durations struct {
	Total     time.Duration `json:"total"`
	LLM       time.Duration `json:"llm"`
	Tool      time.Duration `json:"tool"`
	Guard     time.Duration `json:"guard"`
	QueueWait time.Duration `json:"queue_wait"`
}

// ErrorClass labels why a tool call failed.
type ErrorClass string

const (
	ErrorClassTimeout          ErrorClass = "timeout"
	ErrorClassException        ErrorClass = "exception"
	ErrorClassApprovalRejected ErrorClass = "approval_rejected"
	ErrorClassApprovalTimedOut ErrorClass = "approval_timed_out"
	ErrorClassNotFound         ErrorClass = "not_found"
)

// ToolCallRecord describes one executed tool call.
type ToolCallRecord struct {
	ToolName   string         `json:"tool_name"`
	CallIndex  int            `json:"call_index"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Success    bool           `json:"success"`
	ErrorClass ErrorClass     `json:"error_class,omitempty"`
}

// ExecutionResult is the outcome of a run. It is not mutated after Execute returns.
type ExecutionResult struct {
	RunID        string           `json:"run_id"`
	Success      bool             `json:"success"`
	Content      string           `json:"content,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ToolsUsed    []string         `json:"tools_used,omitempty"`
	Durations    Durations        `json:"durations"`
	RetryCount   int              `json:"retry_count"`
	FallbackUsed bool             `json:"fallback_used"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
}
