// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"time"

	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/provider"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// toolNow is the clock behind current_time. Tests override it.
var toolNow = time.Now

// registerBuiltinTools adds the tools every deployment ships with.
func registerBuiltinTools(r *agent.ToolRegistry) error {
	return r.Register(provider.ToolDefinition{
		Name:        "current_time",
		Description: "Returns the current date and time in RFC 3339 format for an IANA time zone.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA zone name such as Europe/Berlin; defaults to UTC",
				},
			},
		},
	}, currentTime)
}

func currentTime(_ context.Context, args map[string]any) (string, error) {
	zone, _ := args["timezone"].(string)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeAgentLoopInvalidInput, "unknown time zone %q", zone)
	}
	return toolNow().In(loc).Format(time.RFC3339), nil
}
