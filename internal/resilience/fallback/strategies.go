// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package fallback

import (
	"context"

	"github.com/sigil-dev/agentexec/internal/provider"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// AlternateModelStrategy re-issues the failed request to another model.
// The request keeps its messages and options but drops tools, so the
// alternate always answers in text.
type AlternateModelStrategy struct {
	model provider.Model
	name  string
}

// NewAlternateModel wraps m as a fallback strategy.
func NewAlternateModel(m provider.Model) *AlternateModelStrategy {
	return &AlternateModelStrategy{model: m, name: "alternate_model:" + m.Name()}
}

func (s *AlternateModelStrategy) Name() string { return s.name }

// ModelName reports the model this strategy calls.
func (s *AlternateModelStrategy) ModelName() string { return s.model.Name() }

func (s *AlternateModelStrategy) Recover(ctx context.Context, req provider.Request, _ error) (string, error) {
	req.Tools = nil
	req.Model = ""
	resp, err := s.model.Call(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", sigilerr.New(sigilerr.CodeProviderResponseInvalid, "alternate model returned no response",
			sigilerr.FieldModel(s.model.Name()))
	}
	return resp.Content, nil
}

// StaticStrategy answers with a fixed reply.
type StaticStrategy struct {
	Reply string
}

func (StaticStrategy) Name() string { return "static" }

func (s StaticStrategy) Recover(context.Context, provider.Request, error) (string, error) {
	return s.Reply, nil
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	Label string
	Fn    func(ctx context.Context, req provider.Request, origErr error) (string, error)
}

func (f StrategyFunc) Name() string { return f.Label }

func (f StrategyFunc) Recover(ctx context.Context, req provider.Request, origErr error) (string, error) {
	return f.Fn(ctx, req, origErr)
}
