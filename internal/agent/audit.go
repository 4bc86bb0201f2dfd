// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// auditLogEscalationThreshold is the number of consecutive audit failures
// after which failures are logged at Error.
const auditLogEscalationThreshold = 3

// logAuditFailure logs an audit append failure at Warn, moving to Error
// once consecutive reaches auditLogEscalationThreshold.
func logAuditFailure(ctx context.Context, log *slog.Logger, consecutive int64, msg string, attrs ...slog.Attr) {
	logLevel := slog.LevelWarn
	if consecutive >= auditLogEscalationThreshold {
		logLevel = slog.LevelError
	}
	log.LogAttrs(ctx, logLevel, msg, attrs...)
}

// auditCounter tracks consecutive audit failures. It resets on success.
type auditCounter struct {
	n atomic.Int64
}

func (c *auditCounter) fail() int64 { return c.n.Add(1) }
func (c *auditCounter) reset()      { c.n.Store(0) }
