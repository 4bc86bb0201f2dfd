// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/policy"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func TestMemoryCoordinator_CancelDeletesEntry(t *testing.T) {
	opt, created := notified()
	c := approval.NewMemoryCoordinator(opt)

	ctx, cancel := context.WithCancel(context.Background())
	done := requestAsync(ctx, c, params())
	req := waitFor(t, created)

	cancel()
	o := waitOutcome(t, done)
	assert.ErrorIs(t, o.err, context.Canceled)

	_, err := c.Get(context.Background(), req.ID)
	assert.True(t, sigilerr.IsNotFound(err))
	ok, err := c.Approve(context.Background(), req.ID, nil)
	assert.False(t, ok)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeApprovalNotFound))
}

func TestMemoryCoordinator_PrunesResolvedAfterRetention(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	opt, created := notified()
	c := approval.NewMemoryCoordinator(opt, approval.WithClock(clock))
	c.SetRetention(time.Minute)

	done := requestAsync(context.Background(), c, params())
	first := waitFor(t, created)
	ok, err := c.Reject(context.Background(), first.ID, "no")
	require.NoError(t, err)
	require.True(t, ok)
	waitOutcome(t, done)

	now = now.Add(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requestAsync(ctx, c, params())
	waitFor(t, created)

	_, err = c.Get(context.Background(), first.ID)
	assert.True(t, sigilerr.IsNotFound(err), "resolved entry pruned on next request")
}

func TestMemoryCoordinator_RecordsMetrics(t *testing.T) {
	rec := metrics.New()
	opt, created := notified()
	c := approval.NewMemoryCoordinator(opt, approval.WithMetrics(rec))

	done := requestAsync(context.Background(), c, params())
	req := waitFor(t, created)
	_, err := c.Approve(context.Background(), req.ID, nil)
	require.NoError(t, err)
	waitOutcome(t, done)

	n, err := testutil.GatherAndCount(rec.Registry(), "agentexec_approvals_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPolicy_RequiresFromSnapshot(t *testing.T) {
	snap := policy.Empty()
	snap.Approvals = map[string]policy.ApprovalRule{
		"shell":         {Required: true, Timeout: time.Minute},
		"deploy":        {Required: true},
		"read_file":     {Required: false},
		policy.Wildcard: {Required: false},
	}
	p := approval.Policy{Source: policy.NewStatic(snap), DefaultTimeout: 2 * time.Minute}

	tests := []struct {
		tool     string
		required bool
		timeout  time.Duration
	}{
		{tool: "shell", required: true, timeout: time.Minute},
		{tool: "deploy", required: true, timeout: 2 * time.Minute},
		{tool: "read_file"},
		{tool: "anything"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			required, timeout := p.Requires(tt.tool)
			assert.Equal(t, tt.required, required)
			assert.Equal(t, tt.timeout, timeout)
		})
	}

	required, timeout := approval.Policy{Source: policy.NewStatic(snap)}.Requires("deploy")
	assert.True(t, required)
	assert.Equal(t, approval.DefaultTimeout, timeout)
}
