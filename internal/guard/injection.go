// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Rule is a named prompt injection pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultInjectionRules returns the built-in prompt injection patterns.
func DefaultInjectionRules() []Rule {
	return []Rule{
		{
			Name:    "instruction_override",
			Pattern: regexp.MustCompile(`(?i)(ignore|disregard|override|forget|do\s+not\s+follow)\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
		},
		{
			Name:    "role_confusion",
			Pattern: regexp.MustCompile(`(?i)you\s+are\s+now\s+\w+[,.]?\s*(do|ignore|forget|disregard)`),
		},
		{
			Name:    "delimiter_abuse",
			Pattern: regexp.MustCompile("(?i)```system\\b"),
		},
		{
			Name:    "new_task_injection",
			Pattern: regexp.MustCompile(`(?i)(new\s+task|from\s+now\s+on|pretend\s+(?:the\s+)?(?:above|previous)\s+(?:rules?|instructions?)\s+(?:do\s+not|don'?t)\s+exist)`),
		},
		{
			Name:    "system_block_injection",
			Pattern: regexp.MustCompile(`(?i)(?:<\|?system\|?>|\[system\]|<<SYS>>)`),
		},
		{
			Name:    "system_prompt_exfiltration",
			Pattern: regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(your|the)\s+(system\s+prompt|hidden\s+instructions)`),
		},
	}
}

// invisibleCharReplacer strips zero-width and other invisible characters.
var invisibleCharReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // BOM
	"\u00ad", "", // soft hyphen
	"\u034f", "", // combining grapheme joiner
	"\u061c", "", // Arabic letter mark
	"\u180e", "", // Mongolian vowel separator
	"\u2060", "", // word joiner
	"\u2061", "",
	"\u2062", "",
	"\u2063", "",
	"\u2064", "",
)

// Normalize strips invisible characters and applies NFKC so fullwidth
// and other compatibility forms match ASCII patterns.
func Normalize(s string) string {
	return norm.NFKC.String(invisibleCharReplacer.Replace(s))
}

// PromptInjectionStage scans the user prompt against regex rules.
type PromptInjectionStage struct {
	rules []Rule
}

// NewPromptInjectionStage validates rules. No rules selects the defaults.
func NewPromptInjectionStage(rules ...Rule) (*PromptInjectionStage, error) {
	if len(rules) == 0 {
		rules = DefaultInjectionRules()
	}
	for i, r := range rules {
		if r.Name == "" {
			return nil, sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid, "injection rule %d has empty name", i)
		}
		if r.Pattern == nil {
			return nil, sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid, "injection rule %d (%s) has nil pattern", i, r.Name)
		}
	}
	return &PromptInjectionStage{rules: rules}, nil
}

func (s *PromptInjectionStage) Name() string { return "prompt_injection" }
func (s *PromptInjectionStage) Order() int   { return 30 }

func (s *PromptInjectionStage) Check(_ context.Context, in *Input) Verdict {
	content := Normalize(in.Prompt)
	for _, r := range s.rules {
		if r.Pattern.MatchString(content) {
			return Reject(CategoryPromptInjection, fmt.Sprintf("prompt matched injection rule %s", r.Name))
		}
	}
	return Allow()
}
