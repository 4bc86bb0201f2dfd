// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package retry runs a fallible call with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Config defines retry behavior. MaxAttempts counts the initial call.
type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return sigilerr.Errorf(sigilerr.CodeRetryConfigInvalid, "retry max_attempts must be >= 1, got %d", c.MaxAttempts)
	case c.InitialDelay < 0:
		return sigilerr.Errorf(sigilerr.CodeRetryConfigInvalid, "retry initial_delay must not be negative, got %s", c.InitialDelay)
	case c.Multiplier < 1:
		return sigilerr.Errorf(sigilerr.CodeRetryConfigInvalid, "retry multiplier must be >= 1, got %g", c.Multiplier)
	case c.MaxDelay < c.InitialDelay:
		return sigilerr.Errorf(sigilerr.CodeRetryConfigInvalid, "retry max_delay %s is below initial_delay %s", c.MaxDelay, c.InitialDelay)
	}
	return nil
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier replaces the transient-error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

// WithSleep replaces the backoff sleep (for testing).
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithLogger sets the logger used for retry logs.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithName labels log lines with the dependency being retried.
func WithName(name string) Option {
	return func(e *Executor) { e.name = name }
}

// Executor retries calls that fail with a transient error.
type Executor struct {
	cfg      Config
	name     string
	classify Classifier
	sleep    SleepFunc
	logger   *slog.Logger
}

// New validates cfg and returns an Executor.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:      cfg,
		classify: IsTransient,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.cfg }

// Delay returns the wait before the given 1-based attempt. The first
// attempt never waits; attempt n waits min(initial*mult^(n-2), max).
func (e *Executor) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.Multiplier, float64(attempt-2))
	if d > float64(e.cfg.MaxDelay) || math.IsInf(d, 0) {
		return e.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Run calls fn until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. It returns the number of attempts made. When
// every attempt fails transiently the last error is wrapped with
// CodeRetryExhausted; the original chain stays reachable with errors.Is
// and CodeOf.
func (e *Executor) Run(ctx context.Context, fn func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.Delay(attempt)); err != nil {
				return attempt - 1, err
			}
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || !e.classify(err) {
			return attempt, err
		}
		if attempt < e.cfg.MaxAttempts {
			e.logger.Debug("retrying transient failure",
				"dependency", e.name,
				"attempt", attempt,
				"next_delay", e.Delay(attempt+1),
				"error", err,
			)
		}
	}

	e.logger.Warn("retries exhausted", "dependency", e.name, "attempts", e.cfg.MaxAttempts, "error", lastErr)
	return e.cfg.MaxAttempts, sigilerr.Wrapf(lastErr, sigilerr.CodeRetryExhausted,
		"%d attempts failed", e.cfg.MaxAttempts)
}

// RunValue is Run for calls that return a value.
func RunValue[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, int, error) {
	var out T
	attempts, err := e.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
