// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/sigil-dev/agentexec/pkg/types"
)

// ApprovalRecord is the durable form of an approval request.
type ApprovalRecord struct {
	ID                string
	RunID             string
	UserID            string
	ToolName          string
	Arguments         map[string]any
	Timeout           time.Duration
	Status            types.ApprovalStatus
	Reason            string
	ModifiedArguments map[string]any
	RequestedAt       time.Time
	ResolvedAt        *time.Time
}

// Validate checks the fields required to create a record.
func (r *ApprovalRecord) Validate() error {
	var missing []string
	if r.ID == "" {
		missing = append(missing, "ID")
	}
	if r.UserID == "" {
		missing = append(missing, "UserID")
	}
	if r.ToolName == "" {
		missing = append(missing, "ToolName")
	}
	if r.RequestedAt.IsZero() {
		missing = append(missing, "RequestedAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("approval record missing %s: %w", strings.Join(missing, ", "), ErrInvalidInput)
	}
	if r.Status != types.ApprovalStatusPending {
		return fmt.Errorf("approval record %s must be created PENDING, got %q: %w", r.ID, r.Status, ErrInvalidInput)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("approval record %s has negative timeout: %w", r.ID, ErrInvalidInput)
	}
	return nil
}

// Clone returns a deep-enough copy for handing out of in-memory stores.
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	c := *r
	c.Arguments = cloneMap(r.Arguments)
	c.ModifiedArguments = cloneMap(r.ModifiedArguments)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// AuditEntry records an auditable action.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Action    string
	Actor     string
	RunID     string
	SessionID string
	Details   map[string]any
	Result    string
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	Action string
	Actor  string
	RunID  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// DefaultAuditLimit caps Query results when AuditFilter.Limit is unset.
const DefaultAuditLimit = 1000

// Message is one turn of a stored conversation.
type Message struct {
	ID         string
	SessionID  string
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	ToolCalls  []ToolCall
	CreatedAt  time.Time
}

// ToolCall is a tool request recorded on an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
