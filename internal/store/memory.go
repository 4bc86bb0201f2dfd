// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sigil-dev/agentexec/pkg/types"
)

// Compile-time interface checks.
var (
	_ Store         = (*MemoryStore)(nil)
	_ ApprovalStore = (*memoryApprovals)(nil)
	_ AuditStore    = (*memoryAudit)(nil)
	_ SessionStore  = (*memorySessions)(nil)
)

// MemoryStore is an in-process Store used by tests and single-node runs
// that do not need persistence.
type MemoryStore struct {
	approvals *memoryApprovals
	audit     *memoryAudit
	sessions  *memorySessions
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: &memoryApprovals{rows: make(map[string]*ApprovalRecord)},
		audit:     &memoryAudit{},
		sessions:  &memorySessions{msgs: make(map[string][]*Message)},
	}
}

func (m *MemoryStore) Approvals() ApprovalStore { return m.approvals }
func (m *MemoryStore) Audit() AuditStore         { return m.audit }
func (m *MemoryStore) Sessions() SessionStore    { return m.sessions }
func (m *MemoryStore) Close() error              { return nil }

// ---------- approvals ----------

type memoryApprovals struct {
	mu   sync.Mutex
	rows map[string]*ApprovalRecord
}

func (s *memoryApprovals) Create(_ context.Context, rec *ApprovalRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.ID]; ok {
		return fmt.Errorf("approval %s: %w", rec.ID, ErrConflict)
	}
	s.rows[rec.ID] = rec.Clone()
	return nil
}

func (s *memoryApprovals) Get(_ context.Context, id string) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *memoryApprovals) Resolve(_ context.Context, id string, status types.ApprovalStatus, reason string, modifiedArgs map[string]any, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("approval %s: cannot resolve to %q: %w", id, status, ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return false, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if rec.Status != types.ApprovalStatusPending {
		return false, nil
	}
	rec.Status = status
	rec.Reason = reason
	rec.ModifiedArguments = cloneMap(modifiedArgs)
	resolved := at.UTC()
	rec.ResolvedAt = &resolved
	return true, nil
}

func (s *memoryApprovals) MarkTimedOut(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.Resolve(ctx, id, types.ApprovalStatusTimedOut, "approval timed out", nil, at)
}

func (s *memoryApprovals) ListPending(_ context.Context, userID string) ([]*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ApprovalRecord
	for _, rec := range s.rows {
		if rec.Status != types.ApprovalStatusPending {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *memoryApprovals) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	delete(s.rows, id)
	return nil
}

// ---------- audit ----------

type memoryAudit struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (s *memoryAudit) Append(_ context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("audit entry missing ID: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	c.Details = cloneMap(entry.Details)
	s.entries = append(s.entries, &c)
	return nil
}

func (s *memoryAudit) Query(_ context.Context, f AuditFilter) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*AuditEntry
	for _, e := range s.entries {
		switch {
		case f.Action != "" && e.Action != f.Action,
			f.Actor != "" && e.Actor != f.Actor,
			f.RunID != "" && e.RunID != f.RunID,
			!f.From.IsZero() && e.Timestamp.Before(f.From),
			!f.To.IsZero() && !e.Timestamp.Before(f.To):
			continue
		}
		c := *e
		matched = append(matched, &c)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ---------- sessions ----------

type memorySessions struct {
	mu   sync.Mutex
	msgs map[string][]*Message
}

func (s *memorySessions) Append(_ context.Context, sessionID string, msg *Message) error {
	if sessionID == "" {
		return fmt.Errorf("append message: empty session id: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *msg
	c.SessionID = sessionID
	s.msgs[sessionID] = append(s.msgs[sessionID], &c)
	return nil
}

func (s *memorySessions) History(_ context.Context, sessionID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.msgs[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Message, len(all))
	for i, m := range all {
		c := *m
		out[i] = &c
	}
	return out, nil
}
