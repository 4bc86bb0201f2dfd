// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package policy holds the runtime rules that govern approvals, channel
// access, guard thresholds and breaker overrides.
package policy

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Wildcard matches every tool or channel.
const Wildcard = "*"

// Snapshot is an immutable view of the policy. Callers must not mutate a
// snapshot obtained from a Source.
type Snapshot struct {
	Approvals map[string]ApprovalRule   `yaml:"approvals"`
	Tools     map[string]ToolRule       `yaml:"tools"`
	Channels  []ChannelRule             `yaml:"channels"`
	Guard     GuardRules                `yaml:"guard"`
	Breakers  map[string]breaker.Config `yaml:"breakers"`

	LoadedAt time.Time `yaml:"-"`
}

// ApprovalRule says whether a tool needs human approval before running.
type ApprovalRule struct {
	Required bool          `yaml:"required"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ToolRule tunes how a tool runs.
type ToolRule struct {
	Timeout time.Duration `yaml:"timeout"`
	// FatalOnError ends the run when the tool fails instead of reporting
	// the error back to the model.
	FatalOnError bool `yaml:"fatal_on_error"`
}

// ChannelRule denies a channel. With Users set it denies only those users
// on the channel.
type ChannelRule struct {
	Channel string   `yaml:"channel"`
	Users   []string `yaml:"users"`
	Reason  string   `yaml:"reason"`
}

// GuardRules are thresholds read by guard stages at evaluation time.
type GuardRules struct {
	MaxPromptLength int      `yaml:"max_prompt_length"`
	BlockedTerms    []string `yaml:"blocked_terms"`
}

// Empty returns a snapshot with no rules.
func Empty() *Snapshot {
	return &Snapshot{LoadedAt: time.Now()}
}

// Approval returns the approval rule for tool, falling back to the
// wildcard rule.
func (s *Snapshot) Approval(tool string) (ApprovalRule, bool) {
	if s == nil {
		return ApprovalRule{}, false
	}
	if r, ok := s.Approvals[tool]; ok {
		return r, true
	}
	r, ok := s.Approvals[Wildcard]
	return r, ok
}

// Tool returns the rule for tool, falling back to the wildcard rule.
func (s *Snapshot) Tool(tool string) ToolRule {
	if s == nil {
		return ToolRule{}
	}
	if r, ok := s.Tools[tool]; ok {
		return r
	}
	return s.Tools[Wildcard]
}

// ChannelDenial returns the first rule denying user on channel.
func (s *Snapshot) ChannelDenial(channel, user string) (ChannelRule, bool) {
	if s == nil {
		return ChannelRule{}, false
	}
	for _, r := range s.Channels {
		if r.Channel != Wildcard && r.Channel != channel {
			continue
		}
		if len(r.Users) == 0 {
			return r, true
		}
		for _, u := range r.Users {
			if u == user {
				return r, true
			}
		}
	}
	return ChannelRule{}, false
}

// BlockedTerm returns the first blocked term contained in text, compared
// case-insensitively.
func (s *Snapshot) BlockedTerm(text string) (string, bool) {
	if s == nil || len(s.Guard.BlockedTerms) == 0 {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, term := range s.Guard.BlockedTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return term, true
		}
	}
	return "", false
}

// Parse decodes a YAML policy document. Unknown keys are rejected.
func Parse(data []byte) (*Snapshot, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	snap := &Snapshot{}
	if err := dec.Decode(snap); err != nil && !errors.Is(err, io.EOF) {
		return nil, sigilerr.Wrap(err, sigilerr.CodePolicyParseInvalid, "parsing policy")
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	snap.LoadedAt = time.Now()
	return snap, nil
}

func (s *Snapshot) validate() error {
	var errs []error
	for tool, r := range s.Approvals {
		if r.Timeout < 0 {
			errs = append(errs, sigilerr.Errorf(sigilerr.CodePolicyParseInvalid, "approvals.%s.timeout must not be negative", tool))
		}
	}
	for tool, r := range s.Tools {
		if r.Timeout < 0 {
			errs = append(errs, sigilerr.Errorf(sigilerr.CodePolicyParseInvalid, "tools.%s.timeout must not be negative", tool))
		}
	}
	for i, r := range s.Channels {
		if r.Channel == "" {
			errs = append(errs, sigilerr.Errorf(sigilerr.CodePolicyParseInvalid, "channels[%d].channel is required", i))
		}
	}
	if s.Guard.MaxPromptLength < 0 {
		errs = append(errs, sigilerr.New(sigilerr.CodePolicyParseInvalid, "guard.max_prompt_length must not be negative"))
	}
	for name, c := range s.Breakers {
		if err := c.WithDefaults().Validate(); err != nil {
			errs = append(errs, sigilerr.Errorf(sigilerr.CodePolicyParseInvalid, "breakers.%s: %v", name, err))
		}
	}
	return errors.Join(errs...)
}

// Source supplies the current policy snapshot.
type Source interface {
	Snapshot() *Snapshot
}

// StaticSource always returns the same snapshot.
type StaticSource struct {
	snap *Snapshot
}

// NewStatic wraps snap. A nil snap yields an empty policy.
func NewStatic(snap *Snapshot) *StaticSource {
	if snap == nil {
		snap = Empty()
	}
	return &StaticSource{snap: snap}
}

func (s *StaticSource) Snapshot() *Snapshot { return s.snap }
