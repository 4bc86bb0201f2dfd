// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package breaker

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/health"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOverrides sets per-name configs. A key ending in "*" matches every
// name with that prefix; exact keys win over prefixes, longer prefixes
// over shorter ones.
func WithOverrides(overrides map[string]Config) RegistryOption {
	return func(r *Registry) {
		for k, v := range overrides {
			r.overrides[k] = v
		}
	}
}

// WithRegistryStateChange registers a callback for every breaker the
// registry creates.
func WithRegistryStateChange(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithClock sets the time source for breakers the registry creates.
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) { r.nowFunc = fn }
}

// WithLogger sets the logger used for transition logs.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// Registry owns the process-wide set of named breakers. Breakers are
// created lazily on first Get and live for the life of the registry.
type Registry struct {
	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
	breakers  map[string]*Breaker
	onChange  StateChangeFunc
	nowFunc   func() time.Time
	logger    *slog.Logger
}

// NewRegistry validates defaults and every override up front so Get never
// fails.
func NewRegistry(defaults Config, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		defaults:  defaults.WithDefaults(),
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.defaults.Validate(); err != nil {
		return nil, err
	}
	for name, cfg := range r.overrides {
		cfg = r.merge(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, sigilerr.With(err, sigilerr.FieldBreaker(name))
		}
		r.overrides[name] = cfg
	}
	return r, nil
}

// merge fills zero override fields from the registry defaults.
func (r *Registry) merge(c Config) Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = r.defaults.FailureThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = r.defaults.ResetTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = r.defaults.HalfOpenMaxCalls
	}
	return c
}

func (r *Registry) configFor(name string) Config {
	if cfg, ok := r.overrides[name]; ok {
		return cfg
	}
	best, bestLen := r.defaults, -1
	for key, cfg := range r.overrides {
		prefix, ok := strings.CutSuffix(key, "*")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = cfg, len(prefix)
		}
	}
	return best
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = &Breaker{
		name:     name,
		cfg:      r.configFor(name),
		state:    StateClosed,
		nowFunc:  time.Now,
		onChange: r.stateChanged,
	}
	if r.nowFunc != nil {
		b.nowFunc = r.nowFunc
	}
	r.breakers[name] = b
	return b
}

// GetIfExists returns the breaker for name without creating it.
func (r *Registry) GetIfExists(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns the names of all created breakers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Reset forces the named breaker CLOSED.
func (r *Registry) Reset(name string) error {
	b, ok := r.GetIfExists(name)
	if !ok {
		return sigilerr.New(sigilerr.CodeBreakerNotFound,
			"circuit breaker not found", sigilerr.FieldBreaker(name))
	}
	b.Reset()
	return nil
}

// ResetAll forces every created breaker CLOSED.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	for _, b := range all {
		b.Reset()
	}
}

// Snapshot returns metrics for every created breaker, sorted by name.
func (r *Registry) Snapshot() []health.Metrics {
	names := r.Names()
	out := make([]health.Metrics, 0, len(names))
	for _, name := range names {
		if b, ok := r.GetIfExists(name); ok {
			out = append(out, b.Metrics())
		}
	}
	return out
}

func (r *Registry) stateChanged(name string, from, to State) {
	switch to {
	case StateOpen:
		r.logger.Warn("circuit breaker opened", "breaker", name, "from", string(from))
	case StateClosed:
		r.logger.Info("circuit breaker closed", "breaker", name, "from", string(from))
	default:
		r.logger.Debug("circuit breaker state change", "breaker", name, "from", string(from), "to", string(to))
	}
	if r.onChange != nil {
		r.onChange(name, from, to)
	}
}
