// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/agentexec/internal/store"
	"github.com/sigil-dev/agentexec/pkg/types"
)

type approvalStore struct {
	db *sql.DB
}

const approvalColumns = `id, run_id, user_id, tool_name, arguments, timeout_ms, status, reason, modified_arguments, requested_at, resolved_at`

func (s *approvalStore) Create(ctx context.Context, rec *store.ApprovalRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := marshalMap(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshalling approval %s arguments: %w", rec.ID, err)
	}

	const q = `INSERT INTO approvals (id, run_id, user_id, tool_name, arguments, timeout_ms, status, requested_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		rec.ID, rec.RunID, rec.UserID, rec.ToolName, args,
		rec.Timeout.Milliseconds(), string(rec.Status), formatTime(rec.RequestedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("approval %s: %w", rec.ID, store.ErrConflict)
		}
		return fmt.Errorf("inserting approval %s: %w", rec.ID, err)
	}
	return nil
}

func (s *approvalStore) Get(ctx context.Context, id string) (*store.ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	rec, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting approval %s: %w", id, err)
	}
	return rec, nil
}

func (s *approvalStore) Resolve(ctx context.Context, id string, status types.ApprovalStatus, reason string, modifiedArgs map[string]any, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("approval %s: cannot resolve to %q: %w", id, status, store.ErrInvalidInput)
	}

	var modified sql.NullString
	if modifiedArgs != nil {
		b, err := json.Marshal(modifiedArgs)
		if err != nil {
			return false, fmt.Errorf("marshalling approval %s modified arguments: %w", id, err)
		}
		modified = sql.NullString{String: string(b), Valid: true}
	}

	const q = `UPDATE approvals SET status = ?, reason = ?, modified_arguments = ?, resolved_at = ?
WHERE id = ? AND status = 'PENDING'`

	result, err := s.db.ExecContext(ctx, q, string(status), reason, modified, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("resolving approval %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows for approval %s: %w", id, err)
	}
	if rows == 1 {
		return true, nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}
	return false, nil
}

func (s *approvalStore) MarkTimedOut(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.Resolve(ctx, id, types.ApprovalStatusTimedOut, "approval timed out", nil, at)
}

func (s *approvalStore) ListPending(ctx context.Context, userID string) ([]*store.ApprovalRecord, error) {
	var qb strings.Builder
	qb.WriteString(`SELECT ` + approvalColumns + ` FROM approvals WHERE status = 'PENDING'`)
	var args []any
	if userID != "" {
		qb.WriteString(` AND user_id = ?`)
		args = append(args, userID)
	}
	qb.WriteString(` ORDER BY requested_at ASC`)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var out []*store.ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approvals: %w", err)
	}
	return out, nil
}

func (s *approvalStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting approval %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows for approval %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *approvalStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking approval %s: %w", id, err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*store.ApprovalRecord, error) {
	var (
		rec         store.ApprovalRecord
		status      string
		argsJSON    string
		timeoutMS   int64
		modified    sql.NullString
		requestedAt string
		resolvedAt  sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.RunID, &rec.UserID, &rec.ToolName, &argsJSON, &timeoutMS,
		&status, &rec.Reason, &modified, &requestedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = types.ApprovalStatus(status)
	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond

	var err error
	if rec.Arguments, err = unmarshalMap(argsJSON); err != nil {
		return nil, fmt.Errorf("unmarshalling approval %s arguments: %w", rec.ID, err)
	}
	if modified.Valid {
		if rec.ModifiedArguments, err = unmarshalMap(modified.String); err != nil {
			return nil, fmt.Errorf("unmarshalling approval %s modified arguments: %w", rec.ID, err)
		}
	}
	if rec.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, fmt.Errorf("parsing approval %s requested_at: %w", rec.ID, err)
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		at, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing approval %s resolved_at: %w", rec.ID, err)
		}
		rec.ResolvedAt = &at
	}
	return &rec, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
