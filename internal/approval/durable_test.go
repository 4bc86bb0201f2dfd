// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/store"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func TestDurableCoordinator_ApproveTimedOutReturnsFalseStatusUnchanged(t *testing.T) {
	ms := store.NewMemoryStore()
	opt, created := notified()
	c, err := approval.NewDurableCoordinator(ms.Approvals(), 5*time.Millisecond, opt)
	require.NoError(t, err)

	p := params()
	p.Timeout = 20 * time.Millisecond
	done := requestAsync(context.Background(), c, p)
	req := waitFor(t, created)
	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	require.Equal(t, types.ApprovalStatusTimedOut, o.res.Status)

	ok, err := c.Approve(context.Background(), req.ID, map[string]any{"cmd": "ls"})
	require.NoError(t, err)
	assert.False(t, ok)

	row, err := ms.Approvals().Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalStatusTimedOut, row.Status)
	assert.Nil(t, row.ModifiedArguments)
}

func TestDurableCoordinator_CancelLeavesRowPending(t *testing.T) {
	ms := store.NewMemoryStore()
	opt, created := notified()
	c, err := approval.NewDurableCoordinator(ms.Approvals(), 5*time.Millisecond, opt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := requestAsync(ctx, c, params())
	req := waitFor(t, created)
	cancel()

	o := waitOutcome(t, done)
	assert.ErrorIs(t, o.err, context.Canceled)

	row, err := ms.Approvals().Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalStatusPending, row.Status)
}

func TestDurableCoordinator_ResolvedByAnotherInstance(t *testing.T) {
	ms := store.NewMemoryStore()
	opt, created := notified()
	waiter, err := approval.NewDurableCoordinator(ms.Approvals(), 5*time.Millisecond, opt)
	require.NoError(t, err)
	resolver, err := approval.NewDurableCoordinator(ms.Approvals(), time.Hour)
	require.NoError(t, err)

	done := requestAsync(context.Background(), waiter, params())
	req := waitFor(t, created)

	ok, err := resolver.Reject(context.Background(), req.ID, "denied elsewhere")
	require.NoError(t, err)
	require.True(t, ok)

	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, types.ApprovalStatusRejected, o.res.Status)
	assert.Equal(t, "denied elsewhere", o.res.Reason)
}

func TestDurableCoordinator_VanishedRowIsNotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	opt, created := notified()
	c, err := approval.NewDurableCoordinator(ms.Approvals(), 5*time.Millisecond, opt)
	require.NoError(t, err)

	done := requestAsync(context.Background(), c, params())
	req := waitFor(t, created)
	require.NoError(t, ms.Approvals().Delete(context.Background(), req.ID))

	o := waitOutcome(t, done)
	require.Error(t, o.err)
	assert.True(t, sigilerr.HasCode(o.err, sigilerr.CodeApprovalNotFound))
}

// lateStore resolves the row just before MarkTimedOut runs, simulating a
// human decision landing at the deadline.
type lateStore struct {
	store.ApprovalStore
}

func (s lateStore) MarkTimedOut(ctx context.Context, id string, at time.Time) (bool, error) {
	if _, err := s.ApprovalStore.Resolve(ctx, id, types.ApprovalStatusApproved, "", nil, at); err != nil {
		return false, err
	}
	return s.ApprovalStore.MarkTimedOut(ctx, id, at)
}

func TestDurableCoordinator_LateResolutionWinsOverTimeout(t *testing.T) {
	opt, created := notified()
	c, err := approval.NewDurableCoordinator(lateStore{store.NewMemoryStore().Approvals()}, time.Hour, opt)
	require.NoError(t, err)

	p := params()
	p.Timeout = 10 * time.Millisecond
	done := requestAsync(context.Background(), c, p)
	waitFor(t, created)

	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, types.ApprovalStatusApproved, o.res.Status)
}

func TestNewDurableCoordinator_RequiresStore(t *testing.T) {
	_, err := approval.NewDurableCoordinator(nil, 0)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeApprovalConfigInvalid))
}
