// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/store"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// AuditAction is the store action recorded for guard events.
const AuditAction = "guard.evaluate"

// Event is one audit record emitted by the pipeline.
type Event struct {
	RunID           string        `json:"run_id"`
	UserID          string        `json:"user_id"`
	Stage           string        `json:"stage"`
	Result          string        `json:"result"`
	Reason          string        `json:"reason,omitempty"`
	Category        string        `json:"category,omitempty"`
	StageLatency    time.Duration `json:"stage_latency"`
	PipelineLatency time.Duration `json:"pipeline_latency"`
	Timestamp       time.Time     `json:"timestamp"`
}

// AuditSink receives guard events. Publish errors never change a verdict.
type AuditSink interface {
	Publish(ctx context.Context, ev Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// LogSink writes events to a structured logger at Debug, or Info for
// rejections and errors.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if ev.Result != Allowed.String() {
		level = slog.LevelInfo
	}
	logger.Log(ctx, level, "guard event",
		"run_id", ev.RunID,
		"user_id", ev.UserID,
		"stage", ev.Stage,
		"result", ev.Result,
		"category", ev.Category,
		"reason", ev.Reason,
		"stage_latency", ev.StageLatency,
	)
	return nil
}

// StoreSink persists events as audit entries.
type StoreSink struct {
	Store store.AuditStore
}

func (s StoreSink) Publish(ctx context.Context, ev Event) error {
	if s.Store == nil {
		return sigilerr.New(sigilerr.CodeGuardAuditFailure, "audit store is nil")
	}
	entry := &store.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: ev.Timestamp,
		Action:    AuditAction,
		Actor:     ev.UserID,
		RunID:     ev.RunID,
		Result:    ev.Result,
		Details: map[string]any{
			"stage":               ev.Stage,
			"reason":              ev.Reason,
			"category":            ev.Category,
			"stage_latency_ms":    ev.StageLatency.Milliseconds(),
			"pipeline_latency_ms": ev.PipelineLatency.Milliseconds(),
		},
	}
	if err := s.Store.Append(ctx, entry); err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeGuardAuditFailure, "appending guard audit entry",
			sigilerr.FieldRunID(ev.RunID), sigilerr.FieldStage(ev.Stage))
	}
	return nil
}

// MetricsSink counts verdicts and observes per-stage latency.
type MetricsSink struct {
	Recorder *metrics.Recorder
}

func (s MetricsSink) Publish(_ context.Context, ev Event) error {
	s.Recorder.GuardVerdict(ev.Stage, ev.Result, ev.Category)
	if ev.Stage != PipelineStage {
		s.Recorder.ObserveGuardStage(ev.Stage, ev.StageLatency)
	}
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return sigilerr.Join(errs...)
}
