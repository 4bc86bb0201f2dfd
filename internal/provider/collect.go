// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"strings"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Collect drains an adapter event stream into a single Response. Text
// deltas are forwarded to onDelta when it is non-nil. The first error
// event ends collection.
func Collect(ctx context.Context, model string, events <-chan ChatEvent, onDelta func(string)) (*Response, error) {
	resp := &Response{Model: model}
	var text strings.Builder

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				resp.Content = text.String()
				return resp, nil
			}
			switch ev.Type {
			case EventTypeTextDelta:
				text.WriteString(ev.Text)
				if onDelta != nil && ev.Text != "" {
					onDelta(ev.Text)
				}
			case EventTypeToolCall:
				if ev.ToolCall != nil {
					resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
				}
			case EventTypeUsage:
				if ev.Usage != nil {
					resp.Usage.Add(*ev.Usage)
				}
			case EventTypeError:
				if ev.Err == nil {
					return nil, sigilerr.New(sigilerr.CodeProviderResponseInvalid, "stream reported an error without detail", sigilerr.FieldModel(model))
				}
				return nil, ev.Err
			case EventTypeDone:
				if len(resp.ToolCalls) > 0 {
					resp.FinishReason = "tool_calls"
				} else {
					resp.FinishReason = "stop"
				}
			}
		}
	}
}

// Send delivers ev unless ctx is done first. Adapters use it so a
// consumer that stops reading never strands the producer goroutine.
func Send(ctx context.Context, ch chan<- ChatEvent, ev ChatEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
