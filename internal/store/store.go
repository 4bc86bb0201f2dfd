// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package store defines the persistence contracts for approvals, the audit
// log and session history, plus a registry of storage backends.
package store

import (
	"context"
	"time"

	"github.com/sigil-dev/agentexec/pkg/types"
)

// ApprovalStore persists approval requests. Every state change is
// conditional on the row still being PENDING.
type ApprovalStore interface {
	Create(ctx context.Context, rec *ApprovalRecord) error
	Get(ctx context.Context, id string) (*ApprovalRecord, error)
	// Resolve moves a PENDING row to status. It reports false when the row
	// is no longer PENDING and returns ErrNotFound when it does not exist.
	Resolve(ctx context.Context, id string, status types.ApprovalStatus, reason string, modifiedArgs map[string]any, at time.Time) (bool, error)
	MarkTimedOut(ctx context.Context, id string, at time.Time) (bool, error)
	// ListPending returns PENDING rows oldest first. An empty userID lists
	// every user.
	ListPending(ctx context.Context, userID string) ([]*ApprovalRecord, error)
	Delete(ctx context.Context, id string) error
}

// AuditStore manages the audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// SessionStore keeps conversation history per session.
type SessionStore interface {
	Append(ctx context.Context, sessionID string, msg *Message) error
	// History returns the last limit messages in chronological order. A
	// limit of zero or less returns the whole session.
	History(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// Store aggregates every sub-store of a backend.
type Store interface {
	Approvals() ApprovalStore
	Audit() AuditStore
	Sessions() SessionStore
	Close() error
}
