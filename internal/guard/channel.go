// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"fmt"

	"github.com/sigil-dev/agentexec/internal/policy"
)

// ChannelPolicyStage applies channel deny rules and blocked terms from the
// current policy snapshot.
type ChannelPolicyStage struct {
	Policy policy.Source
}

func (s *ChannelPolicyStage) Name() string { return "channel_policy" }
func (s *ChannelPolicyStage) Order() int   { return 40 }

func (s *ChannelPolicyStage) Check(_ context.Context, in *Input) Verdict {
	if s.Policy == nil {
		return Allow()
	}
	snap := s.Policy.Snapshot()

	if rule, denied := snap.ChannelDenial(in.ChannelID, in.UserID); denied {
		reason := rule.Reason
		if len(rule.Users) > 0 {
			if reason == "" {
				reason = fmt.Sprintf("user not permitted on channel %s", in.ChannelID)
			}
			return Reject(CategoryUnauthorized, reason)
		}
		if reason == "" {
			reason = fmt.Sprintf("channel %s is denied", in.ChannelID)
		}
		return Reject(CategoryPolicyViolation, reason)
	}

	if term, blocked := snap.BlockedTerm(in.Prompt); blocked {
		return Reject(CategoryPolicyViolation, fmt.Sprintf("prompt contains blocked term %q", term))
	}
	return Allow()
}
