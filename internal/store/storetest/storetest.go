// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/store"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(id, user string, at time.Time) *store.ApprovalRecord {
	return &store.ApprovalRecord{
		ID:          id,
		RunID:       "run-" + id,
		UserID:      user,
		ToolName:    "shell",
		Arguments:   map[string]any{"cmd": "ls"},
		Timeout:     30 * time.Second,
		Status:      types.ApprovalStatusPending,
		RequestedAt: at,
	}
}

// Run exercises every sub-store of the backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("approvals", func(t *testing.T) { runApprovals(t, newStore) })
	t.Run("audit", func(t *testing.T) { runAudit(t, newStore) })
	t.Run("sessions", func(t *testing.T) { runSessions(t, newStore) })
}

func runApprovals(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("a1", "alice", base)))

		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "run-a1", got.RunID)
		assert.Equal(t, "ls", got.Arguments["cmd"])
		assert.Equal(t, 30*time.Second, got.Timeout)
		assert.Equal(t, types.ApprovalStatusPending, got.Status)
		assert.True(t, base.Equal(got.RequestedAt))
		assert.Nil(t, got.ResolvedAt)
		assert.Nil(t, got.ModifiedArguments)
	})

	t.Run("create duplicate conflicts", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("dup", "alice", base)))
		assert.ErrorIs(t, s.Create(ctx, pending("dup", "alice", base)), store.ErrConflict)
	})

	t.Run("create rejects invalid", func(t *testing.T) {
		s := newStore(t).Approvals()
		rec := pending("bad", "", base)
		assert.ErrorIs(t, s.Create(ctx, rec), store.ErrInvalidInput)

		rec = pending("bad2", "alice", base)
		rec.Status = types.ApprovalStatusApproved
		assert.ErrorIs(t, s.Create(ctx, rec), store.ErrInvalidInput)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t).Approvals()
		_, err := s.Get(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("resolve once", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("r1", "alice", base)))

		ok, err := s.Resolve(ctx, "r1", types.ApprovalStatusApproved, "", map[string]any{"cmd": "pwd"}, base.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Resolve(ctx, "r1", types.ApprovalStatusRejected, "too late", nil, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalStatusApproved, got.Status)
		assert.Equal(t, "pwd", got.ModifiedArguments["cmd"])
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, base.Add(time.Second).Equal(*got.ResolvedAt))
	})

	t.Run("resolve missing and non-terminal", func(t *testing.T) {
		s := newStore(t).Approvals()
		_, err := s.Resolve(ctx, "ghost", types.ApprovalStatusApproved, "", nil, base)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Create(ctx, pending("p", "alice", base)))
		_, err = s.Resolve(ctx, "p", types.ApprovalStatusPending, "", nil, base)
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("timed out row refuses approval", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("t1", "alice", base)))

		ok, err := s.MarkTimedOut(ctx, "t1", base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Resolve(ctx, "t1", types.ApprovalStatusApproved, "", nil, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalStatusTimedOut, got.Status)

		ok, err = s.MarkTimedOut(ctx, "t1", base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent resolvers exactly one wins", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("race", "alice", base)))

		const n = 8
		var wg sync.WaitGroup
		wins := make(chan types.ApprovalStatus, n)
		for i := 0; i < n; i++ {
			status := types.ApprovalStatusApproved
			if i%2 == 1 {
				status = types.ApprovalStatusRejected
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Resolve(ctx, "race", status, "", nil, base)
				assert.NoError(t, err)
				if ok {
					wins <- status
				}
			}()
		}
		wg.Wait()
		close(wins)

		var winners []types.ApprovalStatus
		for st := range wins {
			winners = append(winners, st)
		}
		require.Len(t, winners, 1)

		got, err := s.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.Status)
	})

	t.Run("list pending filters and orders", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("late", "alice", base.Add(2*time.Second))))
		require.NoError(t, s.Create(ctx, pending("early", "alice", base)))
		require.NoError(t, s.Create(ctx, pending("bob", "bob", base.Add(time.Second))))
		require.NoError(t, s.Create(ctx, pending("done", "alice", base)))
		_, err := s.Resolve(ctx, "done", types.ApprovalStatusRejected, "no", nil, base)
		require.NoError(t, err)

		all, err := s.ListPending(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "bob", "late"}, ids(all))

		alice, err := s.ListPending(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "late"}, ids(alice))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t).Approvals()
		require.NoError(t, s.Create(ctx, pending("d1", "alice", base)))
		require.NoError(t, s.Delete(ctx, "d1"))
		_, err := s.Get(ctx, "d1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "d1"), store.ErrNotFound)
	})
}

func ids(recs []*store.ApprovalRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func runAudit(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("append and query", func(t *testing.T) {
		s := newStore(t).Audit()
		for i := 0; i < 5; i++ {
			action := "guard.evaluate"
			if i%2 == 0 {
				action = "agent.execute"
			}
			require.NoError(t, s.Append(ctx, &store.AuditEntry{
				ID:        fmt.Sprintf("e%d", i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Action:    action,
				Actor:     "alice",
				RunID:     fmt.Sprintf("run-%d", i%2),
				Details:   map[string]any{"i": float64(i)},
				Result:    "ok",
			}))
		}

		all, err := s.Query(ctx, store.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "e0", all[0].ID)
		assert.Equal(t, float64(4), all[4].Details["i"])

		exec, err := s.Query(ctx, store.AuditFilter{Action: "agent.execute"})
		require.NoError(t, err)
		assert.Len(t, exec, 3)

		byRun, err := s.Query(ctx, store.AuditFilter{RunID: "run-1"})
		require.NoError(t, err)
		assert.Len(t, byRun, 2)

		window, err := s.Query(ctx, store.AuditFilter{From: base.Add(time.Second), To: base.Add(3 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, window, 2)

		page, err := s.Query(ctx, store.AuditFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "e1", page[0].ID)
	})

	t.Run("append requires id", func(t *testing.T) {
		s := newStore(t).Audit()
		assert.ErrorIs(t, s.Append(ctx, &store.AuditEntry{Timestamp: base}), store.ErrInvalidInput)
	})
}

func runSessions(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("history keeps order and limit", func(t *testing.T) {
		s := newStore(t).Sessions()
		for i := 0; i < 4; i++ {
			require.NoError(t, s.Append(ctx, "sess-1", &store.Message{
				ID:        fmt.Sprintf("m%d", i),
				Role:      "user",
				Content:   fmt.Sprintf("msg %d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.Append(ctx, "sess-2", &store.Message{ID: "other", Role: "user", Content: "x", CreatedAt: base}))

		all, err := s.History(ctx, "sess-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "msg 0", all[0].Content)

		last, err := s.History(ctx, "sess-1", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "m2", last[0].ID)
		assert.Equal(t, "m3", last[1].ID)
		assert.Equal(t, "sess-1", last[1].SessionID)
	})

	t.Run("tool calls round trip", func(t *testing.T) {
		s := newStore(t).Sessions()
		require.NoError(t, s.Append(ctx, "sess", &store.Message{
			ID:        "a1",
			Role:      "assistant",
			ToolCalls: []store.ToolCall{{ID: "c1", Name: "search", Arguments: `{"q":"go"}`}},
			CreatedAt: base,
		}))
		require.NoError(t, s.Append(ctx, "sess", &store.Message{
			ID: "t1", Role: "tool", Content: "result", ToolCallID: "c1", ToolName: "search", CreatedAt: base,
		}))

		got, err := s.History(ctx, "sess", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Len(t, got[0].ToolCalls, 1)
		assert.Equal(t, "search", got[0].ToolCalls[0].Name)
		assert.Equal(t, "c1", got[1].ToolCallID)
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		s := newStore(t).Sessions()
		got, err := s.History(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
