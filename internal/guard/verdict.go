// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// Kind tags a Verdict.
type Kind int

const (
	Allowed Kind = iota
	Rejected
	Error
)

func (k Kind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case Rejected:
		return "rejected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Category classifies why a request was rejected.
type Category string

const (
	CategoryRateLimited     Category = "RATE_LIMITED"
	CategoryInputInvalid    Category = "INPUT_INVALID"
	CategoryPromptInjection Category = "PROMPT_INJECTION"
	CategoryUnauthorized    Category = "UNAUTHORIZED"
	CategoryPolicyViolation Category = "POLICY_VIOLATION"
	CategoryStageError      Category = "STAGE_ERROR"
)

// Verdict is the outcome of a single stage or of the whole pipeline.
// Reason and Category are set only for Rejected; Cause only for Error.
type Verdict struct {
	Kind     Kind
	Reason   string
	Category Category
	Cause    error
	// Stage names the stage that produced the verdict.
	Stage string
}

// Allow returns an Allowed verdict.
func Allow() Verdict { return Verdict{Kind: Allowed} }

// Reject returns a Rejected verdict.
func Reject(category Category, reason string) Verdict {
	return Verdict{Kind: Rejected, Category: category, Reason: reason}
}

// Fail returns an Error verdict for a stage that could not decide.
func Fail(cause error) Verdict {
	return Verdict{Kind: Error, Cause: cause}
}

func (v Verdict) Allowed() bool { return v.Kind == Allowed }

// Err converts a non-allowed verdict into a coded error. Allowed yields nil.
func (v Verdict) Err() error {
	switch v.Kind {
	case Allowed:
		return nil
	case Error:
		return sigilerr.Wrap(v.Cause, sigilerr.CodeGuardStageFailure, "guard stage failed",
			sigilerr.FieldStage(v.Stage))
	default:
		fields := []sigilerr.Attr{
			sigilerr.FieldStage(v.Stage),
			sigilerr.FieldCategory(string(v.Category)),
		}
		// An uncoded cause (a context error) stays in the chain; a coded
		// one would override the rejection code, so it is dropped.
		if v.Cause != nil && sigilerr.CodeOf(v.Cause) == "" {
			return sigilerr.Wrap(v.Cause, sigilerr.CodeGuardRejected, v.Reason, fields...)
		}
		return sigilerr.New(sigilerr.CodeGuardRejected, v.Reason, fields...)
	}
}
