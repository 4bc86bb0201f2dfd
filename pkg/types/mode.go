// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package types

import (
	"strings"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// ExecutionMode selects how a run drives the model.
type ExecutionMode string

const (
	ExecutionModeStandard  ExecutionMode = "STANDARD"
	ExecutionModeReact     ExecutionMode = "REACT"
	ExecutionModeStreaming ExecutionMode = "STREAMING"
)

// Valid reports whether m is a recognized execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeStandard, ExecutionModeReact, ExecutionModeStreaming:
		return true
	default:
		return false
	}
}

// ParseExecutionMode parses a case-insensitive string into an ExecutionMode.
// An empty string yields ExecutionModeStandard.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	if strings.TrimSpace(s) == "" {
		return ExecutionModeStandard, nil
	}
	m := ExecutionMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue,
			"invalid execution mode: %q", s)
	}
	return m, nil
}

// AdmissionMode defines what happens when the admission gate is full.
type AdmissionMode string

const (
	// AdmissionModeFailFast rejects immediately when no capacity is free.
	AdmissionModeFailFast AdmissionMode = "FAIL_FAST"
	// AdmissionModeQueued waits up to the queue timeout for capacity.
	AdmissionModeQueued AdmissionMode = "QUEUED"
)

// Valid reports whether m is a recognized admission mode.
func (m AdmissionMode) Valid() bool {
	switch m {
	case AdmissionModeFailFast, AdmissionModeQueued:
		return true
	default:
		return false
	}
}

// ParseAdmissionMode parses a case-insensitive string into an AdmissionMode.
func ParseAdmissionMode(s string) (AdmissionMode, error) {
	m := AdmissionMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue,
			"invalid admission mode: %q", s)
	}
	return m, nil
}
