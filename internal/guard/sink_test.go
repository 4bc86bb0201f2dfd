// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/guard"
	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/store"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func sampleEvent() guard.Event {
	return guard.Event{
		RunID:        "run-1",
		UserID:       "alice",
		Stage:        "prompt_injection",
		Result:       "rejected",
		Category:     "PROMPT_INJECTION",
		Reason:       "matched",
		StageLatency: 3 * time.Millisecond,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStoreSink_WritesAuditEntry(t *testing.T) {
	ms := store.NewMemoryStore()
	sink := guard.StoreSink{Store: ms.Audit()}
	require.NoError(t, sink.Publish(context.Background(), sampleEvent()))

	entries, err := ms.Audit().Query(context.Background(), store.AuditFilter{Action: guard.AuditAction})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "rejected", entries[0].Result)
	assert.Equal(t, "prompt_injection", entries[0].Details["stage"])
	assert.NotEmpty(t, entries[0].ID)
}

func TestStoreSink_NilStore(t *testing.T) {
	err := guard.StoreSink{}.Publish(context.Background(), sampleEvent())
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeGuardAuditFailure))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	require.NoError(t, guard.LogSink{Logger: logger}.Publish(context.Background(), sampleEvent()))
	assert.Contains(t, buf.String(), "stage=prompt_injection")
	assert.Contains(t, buf.String(), "category=PROMPT_INJECTION")

	buf.Reset()
	allowed := sampleEvent()
	allowed.Result = "allowed"
	require.NoError(t, guard.LogSink{Logger: logger}.Publish(context.Background(), allowed))
	assert.Empty(t, buf.String(), "allowed events log at debug")
}

func TestMetricsSink(t *testing.T) {
	rec := metrics.New()
	sink := guard.MetricsSink{Recorder: rec}
	require.NoError(t, sink.Publish(context.Background(), sampleEvent()))

	n, err := testutil.GatherAndCount(rec.Registry(), "agentexec_guard_verdicts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoError(t, guard.MetricsSink{}.Publish(context.Background(), sampleEvent()), "nil recorder is a no-op")
}

type errSink struct{ err error }

func (s errSink) Publish(context.Context, guard.Event) error { return s.err }

func TestMultiSink(t *testing.T) {
	capture := &captureSink{}
	assert.NoError(t, guard.MultiSink{capture, nil, guard.NopSink{}}.Publish(context.Background(), sampleEvent()))
	assert.Len(t, capture.all(), 1)

	e1, e2 := errors.New("one"), errors.New("two")
	err := guard.MultiSink{errSink{e1}, capture, errSink{e2}}.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Len(t, capture.all(), 2, "later sinks still run")
}
