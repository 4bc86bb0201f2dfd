// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	"github.com/sigil-dev/agentexec/internal/server"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec creates a server with all routes registered and extracts the
// OpenAPI spec that huma generates from the Go type annotations.
func generateSpec() ([]byte, error) {
	breakers, err := breaker.NewRegistry(breaker.DefaultConfig())
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating breaker registry: %w", err)
	}
	adm, err := admission.New(admission.Config{MaxConcurrent: 1, Mode: types.AdmissionModeFailFast})
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating admission controller: %w", err)
	}

	// Handlers are never invoked during spec generation.
	svc, err := server.NewServices(server.Services{
		Executor:  stubExecutor{},
		Approvals: approval.NewMemoryCoordinator(),
		Breakers:  breakers,
		Admission: adm,
	})
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating services: %w", err)
	}

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, svc)
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating server: %w", err)
	}

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, agent.ExecutionRequest) agent.ExecutionResult {
	return agent.ExecutionResult{}
}
