// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package admission bounds the number of concurrently executing runs.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sigil-dev/agentexec/internal/metrics"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// Config defines the admission gate.
type Config struct {
	MaxConcurrent int                 `mapstructure:"max_concurrent"`
	Mode          types.AdmissionMode `mapstructure:"mode"`
	// QueueTimeout bounds the wait in QUEUED mode. Zero waits until the
	// caller's context is done.
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return sigilerr.Errorf(sigilerr.CodeAdmissionConfigInvalid, "admission max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	case !c.Mode.Valid():
		return sigilerr.Errorf(sigilerr.CodeAdmissionConfigInvalid, "admission mode %q is not FAIL_FAST or QUEUED", c.Mode)
	case c.QueueTimeout < 0:
		return sigilerr.Errorf(sigilerr.CodeAdmissionConfigInvalid, "admission queue_timeout must not be negative, got %s", c.QueueTimeout)
	}
	return nil
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	InFlight int64               `json:"in_flight"`
	Max      int                 `json:"max"`
	Rejected int64               `json:"rejected"`
	Admitted int64               `json:"admitted"`
	Mode     types.AdmissionMode `json:"mode"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records gauge, rejection and queue-wait metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller is a weighted-semaphore gate in front of the executor.
type Controller struct {
	cfg     Config
	sem     *semaphore.Weighted
	metrics *metrics.Recorder
	logger  *slog.Logger

	inFlight atomic.Int64
	rejected atomic.Int64
	admitted atomic.Int64
}

// New creates a Controller. An empty Mode defaults to FAIL_FAST.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.Mode == "" {
		cfg.Mode = types.AdmissionModeFailFast
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Permit is a held admission slot. Release is idempotent.
type Permit struct {
	c    *Controller
	once sync.Once

	QueueWait time.Duration
}

// Release returns the slot to the gate. Calls after the first are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		n := p.c.inFlight.Add(-1)
		p.c.sem.Release(1)
		p.c.metrics.SetAdmissionInFlight(n)
	})
}

// TryEnter takes a slot without blocking.
func (c *Controller) TryEnter() (*Permit, error) {
	if !c.sem.TryAcquire(1) {
		return nil, c.reject(sigilerr.New(sigilerr.CodeAdmissionRejected, "system busy",
			sigilerr.Field("max_concurrent", c.cfg.MaxConcurrent)))
	}
	return c.grant(0), nil
}

// Enter waits for a slot up to QueueTimeout or until ctx is done. A timed
// out or cancelled caller holds no slot.
func (c *Controller) Enter(ctx context.Context) (*Permit, error) {
	start := time.Now()

	waitCtx := ctx
	if c.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.QueueTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		waited := time.Since(start)
		c.metrics.ObserveQueueWait(waited)
		if ctx.Err() != nil {
			c.rejected.Add(1)
			c.metrics.AdmissionRejected(string(c.cfg.Mode))
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, c.reject(sigilerr.New(sigilerr.CodeAdmissionQueueTimeout, "system busy",
				sigilerr.Field("queue_wait", waited.String())))
		}
		return nil, c.reject(sigilerr.Wrap(err, sigilerr.CodeAdmissionRejected, "system busy"))
	}

	waited := time.Since(start)
	c.metrics.ObserveQueueWait(waited)
	return c.grant(waited), nil
}

// Admit enters according to the configured mode.
func (c *Controller) Admit(ctx context.Context) (*Permit, error) {
	if c.cfg.Mode == types.AdmissionModeQueued {
		return c.Enter(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.TryEnter()
}

// Do admits, runs fn and releases the slot, also on panic.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) error) error {
	p, err := c.Admit(ctx)
	if err != nil {
		return err
	}
	defer p.Release()
	return fn(ctx)
}

// Stats returns current counters.
func (c *Controller) Stats() Stats {
	return Stats{
		InFlight: c.inFlight.Load(),
		Max:      c.cfg.MaxConcurrent,
		Rejected: c.rejected.Load(),
		Admitted: c.admitted.Load(),
		Mode:     c.cfg.Mode,
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) grant(waited time.Duration) *Permit {
	n := c.inFlight.Add(1)
	c.admitted.Add(1)
	c.metrics.SetAdmissionInFlight(n)
	return &Permit{c: c, QueueWait: waited}
}

func (c *Controller) reject(err error) error {
	c.rejected.Add(1)
	c.metrics.AdmissionRejected(string(c.cfg.Mode))
	c.logger.Warn("admission rejected",
		"mode", c.cfg.Mode,
		"in_flight", c.inFlight.Load(),
		"max", c.cfg.MaxConcurrent,
		"error", err,
	)
	return err
}
