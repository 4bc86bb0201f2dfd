// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sigil-dev/agentexec/internal/store"
)

type messageStore struct {
	db *sql.DB
}

func (s *messageStore) Append(ctx context.Context, sessionID string, msg *store.Message) error {
	if sessionID == "" || msg.ID == "" {
		return fmt.Errorf("append message: session id and message id are required: %w", store.ErrInvalidInput)
	}
	toolCalls := "[]"
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshalling tool calls for message %s: %w", msg.ID, err)
		}
		toolCalls = string(b)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	const q = `INSERT INTO messages (id, session_id, role, content, tool_call_id, tool_name, tool_calls, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		msg.ID, sessionID, msg.Role, msg.Content, msg.ToolCallID, msg.ToolName, toolCalls, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("appending message %s to session %s: %w", msg.ID, sessionID, err)
	}
	return nil
}

func (s *messageStore) History(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	q := `SELECT id, session_id, role, content, tool_call_id, tool_name, tool_calls, created_at
FROM messages WHERE session_id = ? ORDER BY rowid DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history for session %s: %w", sessionID, err)
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var out []*store.Message
	for rows.Next() {
		var m store.Message
		var toolCalls, created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolCallID, &m.ToolName, &toolCalls, &created); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if toolCalls != "" && toolCalls != "[]" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshalling tool calls for message %s: %w", m.ID, err)
			}
		}
		createdAt, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parsing message %s created_at: %w", m.ID, err)
		}
		m.CreatedAt = createdAt
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Rows were read newest first to apply the limit.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
