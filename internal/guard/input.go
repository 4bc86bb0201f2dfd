// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sigil-dev/agentexec/internal/policy"
)

// DefaultMaxPromptLength bounds prompt size in runes when neither the
// stage nor the policy sets a limit.
const DefaultMaxPromptLength = 32000

// InputValidationStage rejects malformed requests.
type InputValidationStage struct {
	// MaxPromptLength in runes; zero uses the policy value, then the default.
	MaxPromptLength int
	// Policy optionally supplies guard thresholds that override MaxPromptLength.
	Policy policy.Source

	// MaxPromptTokens bounds the prompt in model tokens when Tokens is set.
	// Zero disables the check.
	MaxPromptTokens int
	Tokens          TokenCounter
}

func (s *InputValidationStage) Name() string { return "input_validation" }
func (s *InputValidationStage) Order() int   { return 10 }

func (s *InputValidationStage) Check(_ context.Context, in *Input) Verdict {
	if strings.TrimSpace(in.UserID) == "" {
		return Reject(CategoryInputInvalid, "user id is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return Reject(CategoryInputInvalid, "prompt is empty")
	}
	if !utf8.ValidString(in.Prompt) {
		return Reject(CategoryInputInvalid, "prompt is not valid UTF-8")
	}
	limit := s.limit()
	if n := utf8.RuneCountInString(in.Prompt); n > limit {
		return Reject(CategoryInputInvalid, fmt.Sprintf("prompt exceeds %d characters (got %d)", limit, n))
	}
	if s.Tokens != nil && s.MaxPromptTokens > 0 {
		if n := s.Tokens.CountTokens(in.SystemPrompt + in.Prompt); n > s.MaxPromptTokens {
			return Reject(CategoryInputInvalid, fmt.Sprintf("prompt exceeds %d tokens (got %d)", s.MaxPromptTokens, n))
		}
	}
	return Allow()
}

func (s *InputValidationStage) limit() int {
	if s.Policy != nil {
		if snap := s.Policy.Snapshot(); snap != nil && snap.Guard.MaxPromptLength > 0 {
			return snap.Guard.MaxPromptLength
		}
	}
	if s.MaxPromptLength > 0 {
		return s.MaxPromptLength
	}
	return DefaultMaxPromptLength
}
