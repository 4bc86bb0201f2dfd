// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// RedisConfig configures a RedisWindowLimiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Limit is the number of requests allowed per Window.
	Limit  int
	Window time.Duration
	// Prefix namespaces counter keys.
	Prefix string
}

// RedisWindowLimiter is a fixed-window counter shared by every instance
// pointing at the same Redis.
type RedisWindowLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisWindowLimiter connects to Redis and verifies the connection.
func NewRedisWindowLimiter(ctx context.Context, cfg RedisConfig) (*RedisWindowLimiter, error) {
	if cfg.Addr == "" {
		return nil, sigilerr.New(sigilerr.CodeGuardConfigInvalid, "redis rate limiter requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, sigilerr.Wrapf(err, sigilerr.CodeGuardRateLimiterFailure, "connecting to redis at %s", cfg.Addr)
	}
	return NewRedisWindowLimiterFromClient(client, cfg)
}

// NewRedisWindowLimiterFromClient wraps an existing client.
func NewRedisWindowLimiterFromClient(client *redis.Client, cfg RedisConfig) (*RedisWindowLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid, "redis rate limit must be positive (got %d)", cfg.Limit)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "agentexec:ratelimit"
	}
	return &RedisWindowLimiter{
		client: client,
		limit:  int64(cfg.Limit),
		window: cfg.Window,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

func (l *RedisWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := l.now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, sigilerr.Wrap(err, sigilerr.CodeGuardRateLimiterFailure, "incrementing rate limit counter")
	}
	return incr.Val() <= l.limit, nil
}

// Close closes the underlying client.
func (l *RedisWindowLimiter) Close() error {
	return l.client.Close()
}
