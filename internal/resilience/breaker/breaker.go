// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package breaker isolates failing dependencies behind a per-name circuit
// breaker. A breaker starts CLOSED, opens after a run of consecutive
// failures, and admits a bounded number of trial calls once its reset
// timeout has elapsed.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/health"
)

// State is the breaker state.
type State = health.BreakerState

const (
	StateClosed   = health.BreakerClosed
	StateOpen     = health.BreakerOpen
	StateHalfOpen = health.BreakerHalfOpen
)

// Default breaker settings.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// Config controls when a breaker opens and how it recovers.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
		HalfOpenMaxCalls: DefaultHalfOpenMaxCalls,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold <= 0:
		return sigilerr.Errorf(sigilerr.CodeBreakerConfigInvalid,
			"breaker failure_threshold must be positive, got %d", c.FailureThreshold)
	case c.ResetTimeout <= 0:
		return sigilerr.Errorf(sigilerr.CodeBreakerConfigInvalid,
			"breaker reset_timeout must be positive, got %s", c.ResetTimeout)
	case c.HalfOpenMaxCalls <= 0:
		return sigilerr.Errorf(sigilerr.CodeBreakerConfigInvalid,
			"breaker half_open_max_calls must be positive, got %d", c.HalfOpenMaxCalls)
	}
	return nil
}

// StateChangeFunc is called after a transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a circuit breaker for a single named dependency. It is safe
// for concurrent use; every transition happens under one mutex.
type Breaker struct {
	name     string
	cfg      Config
	onChange StateChangeFunc

	mu               sync.Mutex
	state            State
	generation       uint64
	failureCount     int64
	successCount     int64
	lastFailure      time.Time
	halfOpenInFlight int
	nowFunc          func() time.Time // for testing
}

// New creates a CLOSED breaker. Zero config fields take defaults.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if name == "" {
		return nil, sigilerr.New(sigilerr.CodeBreakerConfigInvalid, "breaker name must not be empty")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, sigilerr.With(err, sigilerr.FieldBreaker(name))
	}
	b := &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// SetNowFunc overrides the time source (for testing).
func (b *Breaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	b.nowFunc = fn
	b.mu.Unlock()
}

// IsOpen reports whether err was produced by a breaker rejecting a call.
func IsOpen(err error) bool {
	return sigilerr.HasCode(err, sigilerr.CodeBreakerOpen)
}

// Execute runs fn if the breaker admits the call and records the outcome.
// A rejected call returns a CodeBreakerOpen error without invoking fn.
// An error returned after ctx is done is recorded as neither success nor
// failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	ticket, err := b.allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(ticket, fmt.Errorf("panic: %v", r), false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.record(ticket, err, err != nil && ctx.Err() != nil)
	return err
}

// ExecuteValue is Execute for calls that return a value.
func ExecuteValue[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ticket ties a call's outcome to the breaker epoch that admitted it.
// Outcomes from an earlier epoch are ignored.
type ticket struct {
	generation uint64
	trial      bool
}

type transition struct {
	from, to State
}

func (b *Breaker) allow() (ticket, error) {
	b.mu.Lock()
	var changes []transition

	if b.state == StateOpen {
		if b.nowFunc().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ticket{}, b.openError(StateOpen)
		}
		changes = append(changes, b.transitionLocked(StateHalfOpen))
	}

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.notify(changes)
			return ticket{}, b.openError(StateHalfOpen)
		}
		b.halfOpenInFlight++
		t := ticket{generation: b.generation, trial: true}
		b.mu.Unlock()
		b.notify(changes)
		return t, nil
	}

	t := ticket{generation: b.generation}
	b.mu.Unlock()
	return t, nil
}

func (b *Breaker) record(t ticket, callErr error, cancelled bool) {
	b.mu.Lock()
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}

	var changes []transition

	switch {
	case t.trial:
		b.halfOpenInFlight--
		switch {
		case cancelled:
		case callErr == nil:
			changes = append(changes, b.transitionLocked(StateClosed))
		default:
			b.failureCount++
			b.lastFailure = b.nowFunc()
			changes = append(changes, b.transitionLocked(StateOpen))
		}
	case b.state == StateClosed:
		switch {
		case cancelled:
		case callErr == nil:
			b.failureCount = 0
			b.successCount++
		default:
			b.failureCount++
			b.lastFailure = b.nowFunc()
			if b.failureCount >= int64(b.cfg.FailureThreshold) {
				changes = append(changes, b.transitionLocked(StateOpen))
			}
		}
	}
	b.mu.Unlock()
	b.notify(changes)
}

// transitionLocked moves to state to and starts a new epoch. The caller
// MUST hold b.mu.
func (b *Breaker) transitionLocked(to State) transition {
	from := b.state
	b.state = to
	b.generation++
	b.halfOpenInFlight = 0
	if to == StateClosed {
		b.failureCount = 0
		b.successCount = 0
	}
	return transition{from: from, to: to}
}

func (b *Breaker) notify(changes []transition) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		b.onChange(b.name, c.from, c.to)
	}
}

func (b *Breaker) openError(state State) error {
	return sigilerr.New(sigilerr.CodeBreakerOpen,
		fmt.Sprintf("circuit breaker %q is %s", b.name, state),
		sigilerr.FieldBreaker(b.name),
		sigilerr.Field("state", string(state)),
	)
}

// State returns the current state. An OPEN breaker whose reset timeout
// has elapsed still reports OPEN until the next call moves it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	if b.state != StateClosed {
		changes = append(changes, b.transitionLocked(StateClosed))
	} else {
		b.generation++
		b.failureCount = 0
		b.successCount = 0
	}
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	b.notify(changes)
}

// Metrics returns a point-in-time snapshot of the breaker.
func (b *Breaker) Metrics() health.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := health.Metrics{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		HalfOpenInFlight: b.halfOpenInFlight,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		m.LastFailureAt = &t
	}
	switch b.state {
	case StateOpen:
		until := b.lastFailure.Add(b.cfg.ResetTimeout)
		m.OpenUntil = &until
		m.Available = !b.nowFunc().Before(until)
	case StateHalfOpen:
		m.Available = b.halfOpenInFlight < b.cfg.HalfOpenMaxCalls
	default:
		m.Available = true
	}
	return m
}
