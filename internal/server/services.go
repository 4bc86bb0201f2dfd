// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"log/slog"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Executor runs one agent request to completion.
type Executor interface {
	Execute(ctx context.Context, req agent.ExecutionRequest) agent.ExecutionResult
}

// Services holds dependencies injected into route handlers.
// Use NewServices to ensure the required ones are provided.
type Services struct {
	Executor  Executor
	Approvals approval.Coordinator
	Breakers  *breaker.Registry
	Admission *admission.Controller

	// Metrics is optional; nil leaves /metrics unrouted.
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// NewServices validates that the services every route needs are present.
func NewServices(svc Services) (*Services, error) {
	if svc.Executor == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "executor is required")
	}
	if svc.Approvals == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "approval coordinator is required")
	}
	if svc.Breakers == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "breaker registry is required")
	}
	if svc.Admission == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "admission controller is required")
	}
	return &svc, nil
}

func (s *Services) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
