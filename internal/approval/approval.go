// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package approval gates tool calls behind a human decision.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/policy"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// DefaultTimeout applies when neither the caller nor the policy sets one.
const DefaultTimeout = 5 * time.Minute

// Request is a pending approval as presented to a reviewer.
type Request struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Timeout     time.Duration  `json:"timeout"`
}

// RequestParams are the caller-supplied fields of a new request.
type RequestParams struct {
	RunID     string
	UserID    string
	ToolName  string
	Arguments map[string]any
	// Timeout bounds the wait; zero uses DefaultTimeout.
	Timeout time.Duration
}

// Resolution is the single accepted outcome of a request.
type Resolution struct {
	Status            types.ApprovalStatus `json:"status"`
	Reason            string               `json:"reason,omitempty"`
	ModifiedArguments map[string]any       `json:"modified_arguments,omitempty"`
}

// Approved reports whether the tool call may proceed.
func (r Resolution) Approved() bool { return r.Status == types.ApprovalStatusApproved }

// Record is a request together with its current state.
type Record struct {
	Request
	Resolution
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Coordinator issues approval requests and accepts exactly one
// resolution per request.
type Coordinator interface {
	// Request blocks until the request is resolved, times out, or ctx is done.
	Request(ctx context.Context, p RequestParams) (Resolution, error)
	// Approve resolves id as APPROVED. It returns false when id was already resolved.
	Approve(ctx context.Context, id string, modifiedArgs map[string]any) (bool, error)
	// Reject resolves id as REJECTED. It returns false when id was already resolved.
	Reject(ctx context.Context, id, reason string) (bool, error)
	ListPending(ctx context.Context) ([]Request, error)
	ListPendingByUser(ctx context.Context, userID string) ([]Request, error)
	Get(ctx context.Context, id string) (*Record, error)
}

// Notifier is told about every new request. Errors are logged only.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req Request) error

func (f NotifierFunc) Notify(ctx context.Context, req Request) error { return f(ctx, req) }

// Policy decides which tools require approval.
type Policy struct {
	Source         policy.Source
	DefaultTimeout time.Duration
}

// Requires reports whether tool needs approval and how long to wait.
func (p Policy) Requires(tool string) (bool, time.Duration) {
	if p.Source == nil {
		return false, 0
	}
	rule, ok := p.Source.Snapshot().Approval(tool)
	if !ok || !rule.Required {
		return false, 0
	}
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return true, timeout
}

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	notifier Notifier
	now      func() time.Time
}

// Option configures a coordinator.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides the time source for request and resolution timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) notify(ctx context.Context, req Request) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, req); err != nil {
		o.logger.Warn("approval notifier failed",
			"approval_id", req.ID,
			"tool", req.ToolName,
			"error", err,
		)
	}
}

func (o options) finished(req Request, res Resolution) {
	o.metrics.ApprovalResolved(req.ToolName, string(res.Status))
	o.logger.Info("approval resolved",
		"approval_id", req.ID,
		"run_id", req.RunID,
		"user_id", req.UserID,
		"tool", req.ToolName,
		"status", string(res.Status),
	)
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}

func cloneArgs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
