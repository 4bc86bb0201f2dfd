// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package sqlite implements the store contracts on a single SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/agentexec/internal/store"
)

// Compile-time interface checks.
var (
	_ store.Store         = (*Store)(nil)
	_ store.ApprovalStore = (*approvalStore)(nil)
	_ store.AuditStore    = (*auditStore)(nil)
	_ store.SessionStore  = (*messageStore)(nil)
)

// Store implements store.Store backed by one SQLite database.
type Store struct {
	db        *sql.DB
	approvals *approvalStore
	audit     *auditStore
	messages  *messageStore
}

// Open opens (or creates) a SQLite database at dbPath and initialises the
// approvals, audit_log and messages tables.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return &Store{
		db:        db,
		approvals: &approvalStore{db: db},
		audit:     &auditStore{db: db},
		messages:  &messageStore{db: db},
	}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS approvals (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL,
	tool_name          TEXT NOT NULL,
	arguments          TEXT NOT NULL DEFAULT '{}',
	timeout_ms         INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'PENDING',
	reason             TEXT NOT NULL DEFAULT '',
	modified_arguments TEXT,
	requested_at       TEXT NOT NULL,
	resolved_at        TEXT
);

CREATE INDEX IF NOT EXISTS idx_approvals_status_user ON approvals(status, user_id);
CREATE INDEX IF NOT EXISTS idx_approvals_requested   ON approvals(requested_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	run_id     TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	result     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_action    ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_run       ON audit_log(run_id);

CREATE TABLE IF NOT EXISTS messages (
	rowid        INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT UNIQUE NOT NULL,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT NOT NULL DEFAULT '[]',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, rowid);
`
	_, err := db.Exec(ddl)
	return err
}

// Approvals returns the ApprovalStore sub-store.
func (s *Store) Approvals() store.ApprovalStore { return s.approvals }

// Audit returns the AuditStore sub-store.
func (s *Store) Audit() store.AuditStore { return s.audit }

// Sessions returns the SessionStore sub-store.
func (s *Store) Sessions() store.SessionStore { return s.messages }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// formatTime serialises a time for storage, always in UTC.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
