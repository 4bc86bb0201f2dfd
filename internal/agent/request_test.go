// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func TestWithProfile(t *testing.T) {
	temp := 0.2
	req := agent.ExecutionRequest{
		SystemPrompt: "base",
		UserPrompt:   "question",
		UserID:       "alice",
		MaxToolCalls: 3,
		Metadata:     map[string]string{"team": "ops", "tier": "free"},
	}

	t.Run("zero profile changes nothing", func(t *testing.T) {
		assert.Equal(t, req, req.WithProfile(agent.Profile{}))
	})

	t.Run("non-zero fields override", func(t *testing.T) {
		out := req.WithProfile(agent.Profile{
			SystemPrompt:   "profile prompt",
			Mode:           types.ExecutionModeReact,
			Temperature:    &temp,
			ResponseFormat: "json",
			Metadata:       map[string]string{"tier": "pro"},
		})
		assert.Equal(t, "profile prompt", out.SystemPrompt)
		assert.Equal(t, types.ExecutionModeReact, out.Mode)
		assert.Equal(t, 3, out.MaxToolCalls)
		assert.Equal(t, "json", out.ResponseFormat)
		if assert.NotNil(t, out.Temperature) {
			assert.InDelta(t, 0.2, *out.Temperature, 1e-9)
		}
		assert.Equal(t, map[string]string{"team": "ops", "tier": "pro"}, out.Metadata)
	})

	t.Run("original is untouched", func(t *testing.T) {
		_ = req.WithProfile(agent.Profile{Metadata: map[string]string{"tier": "pro"}})
		assert.Equal(t, "free", req.Metadata["tier"])
	})
}
