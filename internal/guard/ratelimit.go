// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Limiter decides whether key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitStage rejects users that exceed their request rate.
type RateLimitStage struct {
	Limiter Limiter
	Logger  *slog.Logger
}

func (s *RateLimitStage) Name() string { return "rate_limit" }
func (s *RateLimitStage) Order() int   { return 20 }

func (s *RateLimitStage) Check(ctx context.Context, in *Input) Verdict {
	if s.Limiter == nil {
		return Allow()
	}
	key := limiterKey(in)
	ok, err := s.Limiter.Allow(ctx, key)
	if err != nil {
		return Fail(sigilerr.Wrap(err, sigilerr.CodeGuardRateLimiterFailure, "rate limiter unavailable"))
	}
	if ok {
		return Allow()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("rate limit exceeded", "run_id", in.RunID, "key_hash", hashKey(key))
	return Reject(CategoryRateLimited, "rate limit exceeded")
}

func limiterKey(in *Input) string {
	if in.UserID == "" {
		return "user:unknown"
	}
	return "user:" + in.UserID
}

// hashKey returns the first 8 hex chars of SHA-256(key) for log privacy.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h[:4])
}

// TokenBucketConfig configures a TokenBucketLimiter.
type TokenBucketConfig struct {
	RequestsPerMinute int
	Burst             int
	// MaxKeys caps tracked keys; the least recently seen are evicted first.
	MaxKeys int
	// StaleAfter evicts keys idle for longer than this.
	StaleAfter time.Duration
}

func (c *TokenBucketConfig) applyDefaults() {
	if c.MaxKeys == 0 {
		c.MaxKeys = 10000
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.Burst == 0 && c.RequestsPerMinute > 0 {
		c.Burst = c.RequestsPerMinute
	}
}

func (c *TokenBucketConfig) validate() error {
	if c.RequestsPerMinute <= 0 {
		return sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid,
			"rate limit requests per minute must be positive (got %d)", c.RequestsPerMinute)
	}
	if c.Burst < 0 {
		return sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid,
			"rate limit burst must not be negative (got %d)", c.Burst)
	}
	if c.MaxKeys < 0 {
		return sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid,
			"rate limit max keys must not be negative (got %d)", c.MaxKeys)
	}
	return nil
}

type bucket struct {
	tokens     float64
	lastSeen   time.Time
	lastRefill time.Time
}

// TokenBucketLimiter is an in-memory per-key token bucket.
type TokenBucketLimiter struct {
	cfg     TokenBucketConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	logger  *slog.Logger
}

// NewTokenBucketLimiter validates cfg and returns a limiter. Call Run to
// evict stale keys in the background.
func NewTokenBucketLimiter(cfg TokenBucketConfig) (*TokenBucketLimiter, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TokenBucketLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		logger:  slog.Default(),
	}, nil
}

// SetNowFunc overrides the time source for testing.
func (l *TokenBucketLimiter) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = fn
}

func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// rpm -> tokens/sec
	ratePerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.lastRefill).Seconds() * ratePerSecond
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len reports the number of tracked keys.
func (l *TokenBucketLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep evicts stale keys and enforces MaxKeys. It returns the number of
// keys removed.
func (l *TokenBucketLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type entry struct {
		key      string
		lastSeen time.Time
	}
	removed := 0
	entries := make([]entry, 0, len(l.buckets))
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.StaleAfter {
			delete(l.buckets, key)
			removed++
			continue
		}
		entries = append(entries, entry{key: key, lastSeen: b.lastSeen})
	}

	if l.cfg.MaxKeys > 0 && len(entries) > l.cfg.MaxKeys {
		slices.SortFunc(entries, func(a, b entry) int { return a.lastSeen.Compare(b.lastSeen) })
		toEvict := len(entries) - l.cfg.MaxKeys
		for _, e := range entries[:toEvict] {
			delete(l.buckets, e.key)
		}
		removed += toEvict
		l.logger.Warn("rate limiter key cap enforced",
			"evicted", toEvict, "max_keys", l.cfg.MaxKeys, "remaining", len(l.buckets))
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (l *TokenBucketLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
