// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/agentexec/internal/store"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// DefaultPollInterval bounds how quickly a waiter notices a resolution
// written by another process.
const DefaultPollInterval = 500 * time.Millisecond

var _ Coordinator = (*DurableCoordinator)(nil)

// DurableCoordinator persists requests in an ApprovalStore so that any
// instance sharing the store can resolve them. Waiters poll for changes.
type DurableCoordinator struct {
	store        store.ApprovalStore
	pollInterval time.Duration
	opts         options
}

// NewDurableCoordinator wraps s. A non-positive pollInterval uses
// DefaultPollInterval.
func NewDurableCoordinator(s store.ApprovalStore, pollInterval time.Duration, opts ...Option) (*DurableCoordinator, error) {
	if s == nil {
		return nil, sigilerr.New(sigilerr.CodeApprovalConfigInvalid, "durable approvals require a store")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &DurableCoordinator{store: s, pollInterval: pollInterval, opts: buildOptions(opts)}, nil
}

func (c *DurableCoordinator) Request(ctx context.Context, p RequestParams) (Resolution, error) {
	if err := validateParams(p); err != nil {
		return Resolution{}, err
	}
	rec := &store.ApprovalRecord{
		ID:          uuid.New().String(),
		RunID:       p.RunID,
		UserID:      p.UserID,
		ToolName:    p.ToolName,
		Arguments:   cloneArgs(p.Arguments),
		Timeout:     timeoutOrDefault(p.Timeout),
		Status:      types.ApprovalStatusPending,
		RequestedAt: c.opts.now().UTC(),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return Resolution{}, storeErr(err, rec.ID, "creating approval request")
	}
	req := toRequest(rec)
	c.opts.notify(ctx, req)

	deadline := time.NewTimer(rec.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The row stays PENDING; a later resolution is recorded but unobserved.
			return Resolution{}, ctx.Err()
		case <-deadline.C:
			res, err := c.expire(ctx, rec.ID)
			if err != nil {
				return Resolution{}, err
			}
			c.opts.finished(req, res)
			return res, nil
		case <-ticker.C:
			cur, err := c.store.Get(ctx, rec.ID)
			if err != nil {
				if ctx.Err() != nil {
					return Resolution{}, ctx.Err()
				}
				return Resolution{}, storeErr(err, rec.ID, "polling approval request")
			}
			if cur.Status == types.ApprovalStatusPending {
				continue
			}
			res := toResolution(cur)
			c.opts.finished(req, res)
			return res, nil
		}
	}
}

// expire marks id TIMED_OUT. When a human resolution landed first, that
// resolution is read back and returned instead.
func (c *DurableCoordinator) expire(ctx context.Context, id string) (Resolution, error) {
	ok, err := c.store.MarkTimedOut(ctx, id, c.opts.now().UTC())
	if err != nil {
		return Resolution{}, storeErr(err, id, "marking approval timed out")
	}
	if ok {
		return Resolution{Status: types.ApprovalStatusTimedOut, Reason: "approval timed out"}, nil
	}
	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return Resolution{}, storeErr(err, id, "reading late approval resolution")
	}
	return toResolution(cur), nil
}

func (c *DurableCoordinator) Approve(ctx context.Context, id string, modifiedArgs map[string]any) (bool, error) {
	ok, err := c.store.Resolve(ctx, id, types.ApprovalStatusApproved, "", cloneArgs(modifiedArgs), c.opts.now().UTC())
	if err != nil {
		return false, storeErr(err, id, "approving request")
	}
	return ok, nil
}

func (c *DurableCoordinator) Reject(ctx context.Context, id, reason string) (bool, error) {
	ok, err := c.store.Resolve(ctx, id, types.ApprovalStatusRejected, reason, nil, c.opts.now().UTC())
	if err != nil {
		return false, storeErr(err, id, "rejecting request")
	}
	return ok, nil
}

func (c *DurableCoordinator) ListPending(ctx context.Context) ([]Request, error) {
	return c.ListPendingByUser(ctx, "")
}

func (c *DurableCoordinator) ListPendingByUser(ctx context.Context, userID string) ([]Request, error) {
	recs, err := c.store.ListPending(ctx, userID)
	if err != nil {
		return nil, storeErr(err, "", "listing pending approvals")
	}
	out := make([]Request, len(recs))
	for i, r := range recs {
		out[i] = toRequest(r)
	}
	return out, nil
}

func (c *DurableCoordinator) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err, id, "getting approval request")
	}
	return &Record{Request: toRequest(rec), Resolution: toResolution(rec), ResolvedAt: rec.ResolvedAt}, nil
}

func toRequest(r *store.ApprovalRecord) Request {
	return Request{
		ID:          r.ID,
		RunID:       r.RunID,
		UserID:      r.UserID,
		ToolName:    r.ToolName,
		Arguments:   r.Arguments,
		RequestedAt: r.RequestedAt,
		Timeout:     r.Timeout,
	}
}

func toResolution(r *store.ApprovalRecord) Resolution {
	return Resolution{Status: r.Status, Reason: r.Reason, ModifiedArguments: r.ModifiedArguments}
}

func storeErr(err error, id, msg string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return sigilerr.New(sigilerr.CodeApprovalNotFound, "approval request not found", sigilerr.FieldApprovalID(id))
	case errors.Is(err, store.ErrInvalidInput):
		return sigilerr.Errorf(sigilerr.CodeApprovalInvalidInput, "%s: %v", msg, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return sigilerr.Wrap(err, sigilerr.CodeApprovalStoreFailure, msg, sigilerr.FieldApprovalID(id))
	}
}
