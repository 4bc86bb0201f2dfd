// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// DefaultRetention is how long resolved entries stay visible to Get and
// to late resolvers before being pruned.
const DefaultRetention = 10 * time.Minute

var _ Coordinator = (*MemoryCoordinator)(nil)

type memoryEntry struct {
	req        Request
	ch         chan Resolution
	resolved   bool
	resolution Resolution
	resolvedAt time.Time
}

// MemoryCoordinator keeps requests in process. Resolutions are delivered
// over a buffered one-shot channel per request.
type MemoryCoordinator struct {
	opts      options
	retention time.Duration

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryCoordinator creates an in-process coordinator.
func NewMemoryCoordinator(opts ...Option) *MemoryCoordinator {
	return &MemoryCoordinator{
		opts:      buildOptions(opts),
		retention: DefaultRetention,
		entries:   make(map[string]*memoryEntry),
	}
}

// SetRetention changes how long resolved entries are kept.
func (c *MemoryCoordinator) SetRetention(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retention = d
}

func validateParams(p RequestParams) error {
	if p.ToolName == "" {
		return sigilerr.New(sigilerr.CodeApprovalInvalidInput, "approval request requires a tool name")
	}
	if p.UserID == "" {
		return sigilerr.New(sigilerr.CodeApprovalInvalidInput, "approval request requires a user id",
			sigilerr.FieldTool(p.ToolName))
	}
	return nil
}

func (c *MemoryCoordinator) Request(ctx context.Context, p RequestParams) (Resolution, error) {
	if err := validateParams(p); err != nil {
		return Resolution{}, err
	}
	req := Request{
		ID:          uuid.New().String(),
		RunID:       p.RunID,
		UserID:      p.UserID,
		ToolName:    p.ToolName,
		Arguments:   cloneArgs(p.Arguments),
		RequestedAt: c.opts.now(),
		Timeout:     timeoutOrDefault(p.Timeout),
	}
	e := &memoryEntry{req: req, ch: make(chan Resolution, 1)}

	c.mu.Lock()
	c.pruneLocked()
	c.entries[req.ID] = e
	c.mu.Unlock()

	c.opts.notify(ctx, req)

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case res := <-e.ch:
		c.opts.finished(req, res)
		return res, nil
	case <-timer.C:
		c.mu.Lock()
		if e.resolved {
			// A resolver won the race with the deadline.
			c.mu.Unlock()
			res := <-e.ch
			c.opts.finished(req, res)
			return res, nil
		}
		res := Resolution{Status: types.ApprovalStatusTimedOut, Reason: "approval timed out"}
		c.resolveLocked(e, res)
		c.mu.Unlock()
		<-e.ch
		c.opts.finished(req, res)
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.entries, req.ID)
		c.mu.Unlock()
		return Resolution{}, ctx.Err()
	}
}

// resolveLocked records res and delivers it. Callers hold c.mu and have
// checked that e is unresolved.
func (c *MemoryCoordinator) resolveLocked(e *memoryEntry, res Resolution) {
	e.resolved = true
	e.resolution = res
	e.resolvedAt = c.opts.now()
	e.ch <- res
}

func (c *MemoryCoordinator) resolve(id string, res Resolution) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false, sigilerr.New(sigilerr.CodeApprovalNotFound, "approval request not found",
			sigilerr.FieldApprovalID(id))
	}
	if e.resolved {
		return false, nil
	}
	c.resolveLocked(e, res)
	return true, nil
}

func (c *MemoryCoordinator) Approve(_ context.Context, id string, modifiedArgs map[string]any) (bool, error) {
	return c.resolve(id, Resolution{Status: types.ApprovalStatusApproved, ModifiedArguments: cloneArgs(modifiedArgs)})
}

func (c *MemoryCoordinator) Reject(_ context.Context, id, reason string) (bool, error) {
	return c.resolve(id, Resolution{Status: types.ApprovalStatusRejected, Reason: reason})
}

func (c *MemoryCoordinator) ListPending(ctx context.Context) ([]Request, error) {
	return c.ListPendingByUser(ctx, "")
}

func (c *MemoryCoordinator) ListPendingByUser(_ context.Context, userID string) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Request
	for _, e := range c.entries {
		if e.resolved {
			continue
		}
		if userID != "" && e.req.UserID != userID {
			continue
		}
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (c *MemoryCoordinator) Get(_ context.Context, id string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, sigilerr.New(sigilerr.CodeApprovalNotFound, "approval request not found",
			sigilerr.FieldApprovalID(id))
	}
	rec := &Record{Request: e.req, Resolution: Resolution{Status: types.ApprovalStatusPending}}
	if e.resolved {
		rec.Resolution = e.resolution
		at := e.resolvedAt
		rec.ResolvedAt = &at
	}
	return rec, nil
}

func (c *MemoryCoordinator) pruneLocked() {
	if c.retention <= 0 {
		return
	}
	cutoff := c.opts.now().Add(-c.retention)
	for id, e := range c.entries {
		if e.resolved && e.resolvedAt.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}
