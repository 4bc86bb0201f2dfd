// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package fallback tries alternative strategies, in order, after a model
// call has failed for good.
package fallback

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sigil-dev/agentexec/internal/provider"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Strategy produces a replacement answer for a failed request. An empty
// reply counts as a failure.
type Strategy interface {
	Name() string
	Recover(ctx context.Context, req provider.Request, origErr error) (string, error)
}

// Attempt records one strategy invocation.
type Attempt struct {
	Strategy string
	Model    string
	Success  bool
	Err      error
}

// Result is the outcome of a successful Recover.
type Result struct {
	Content  string
	Strategy string
	Attempts []Attempt
}

// Observer is told about every attempt as it completes.
type Observer func(Attempt)

// Option configures a Chain.
type Option func(*Chain)

// WithObserver registers an attempt observer.
func WithObserver(fn Observer) Option {
	return func(c *Chain) { c.observer = fn }
}

// WithLogger sets the chain logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// Chain is an ordered, immutable list of strategies.
type Chain struct {
	strategies []Strategy
	observer   Observer
	logger     *slog.Logger
}

// New builds a chain that tries strategies in the given order. Nil entries
// are skipped.
func New(strategies []Strategy, opts ...Option) *Chain {
	c := &Chain{logger: slog.Default()}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the number of strategies.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.strategies)
}

// Names returns the strategy names in order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Recover runs each strategy until one returns a non-blank reply. When
// every strategy fails (or the chain is empty) the returned error wraps
// origErr with CodeFallbackExhausted. A cancelled ctx stops the chain.
func (c *Chain) Recover(ctx context.Context, req provider.Request, origErr error) (Result, error) {
	var res Result
	if c == nil {
		return res, exhausted(origErr, 0)
	}

	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		content, err := s.Recover(ctx, req, origErr)
		att := Attempt{Strategy: s.Name(), Model: modelOf(s), Err: err}
		if err == nil && strings.TrimSpace(content) == "" {
			att.Err = sigilerr.New(sigilerr.CodeFallbackStrategyFailure, "strategy returned an empty reply",
				sigilerr.Field("strategy", s.Name()))
		}
		att.Success = att.Err == nil
		res.Attempts = append(res.Attempts, att)
		if c.observer != nil {
			c.observer(att)
		}

		if att.Success {
			res.Content = content
			res.Strategy = s.Name()
			c.logger.Info("fallback strategy succeeded",
				"strategy", s.Name(),
				"attempts", len(res.Attempts),
			)
			return res, nil
		}

		c.logger.Warn("fallback strategy failed, trying next",
			"strategy", s.Name(),
			"model", att.Model,
			"error", att.Err,
		)
	}

	return res, exhausted(origErr, len(res.Attempts))
}

func exhausted(origErr error, attempts int) error {
	if origErr == nil {
		return sigilerr.New(sigilerr.CodeFallbackExhausted, "all fallback strategies failed",
			sigilerr.Field("attempts", attempts))
	}
	return sigilerr.Wrap(origErr, sigilerr.CodeFallbackExhausted, "all fallback strategies failed",
		sigilerr.Field("attempts", attempts))
}

type modelNamer interface {
	ModelName() string
}

func modelOf(s Strategy) string {
	if m, ok := s.(modelNamer); ok {
		return m.ModelName()
	}
	return ""
}
