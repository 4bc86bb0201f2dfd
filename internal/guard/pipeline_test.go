// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/agentexec/internal/guard"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeStage struct {
	name  string
	order int
	rec   *recorder
	check func(context.Context, *guard.Input) guard.Verdict
}

func (s *fakeStage) Name() string { return s.name }
func (s *fakeStage) Order() int   { return s.order }
func (s *fakeStage) Check(ctx context.Context, in *guard.Input) guard.Verdict {
	if s.rec != nil {
		s.rec.add(s.name)
	}
	if s.check == nil {
		return guard.Allow()
	}
	return s.check(ctx, in)
}

type captureSink struct {
	mu     sync.Mutex
	events []guard.Event
	err    error
}

func (c *captureSink) Publish(_ context.Context, ev guard.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureSink) all() []guard.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]guard.Event(nil), c.events...)
}

func boolPtr(b bool) *bool { return &b }

func input() *guard.Input {
	return &guard.Input{RunID: "run-1", UserID: "alice", Prompt: "hello"}
}

func TestPipeline_RunsInAscendingOrderAndRejectShortCircuits(t *testing.T) {
	rec := &recorder{}
	stages := []guard.StageConfig{
		{Stage: &fakeStage{name: "forty", order: 40, rec: rec}},
		{Stage: &fakeStage{name: "ten", order: 10, rec: rec}},
		{Stage: &fakeStage{name: "thirty", order: 30, rec: rec, check: func(context.Context, *guard.Input) guard.Verdict {
			return guard.Reject(guard.CategoryPromptInjection, "nope")
		}}},
		{Stage: &fakeStage{name: "twenty", order: 20, rec: rec}},
	}
	sink := &captureSink{}
	p, err := guard.NewPipeline(stages, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"ten", "twenty", "thirty", "forty"}, p.Stages())

	v := p.Evaluate(context.Background(), input())
	assert.Equal(t, guard.Rejected, v.Kind)
	assert.Equal(t, guard.CategoryPromptInjection, v.Category)
	assert.Equal(t, "thirty", v.Stage)
	assert.Equal(t, []string{"ten", "twenty", "thirty"}, rec.list())

	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, "rejected", events[2].Result)
	assert.Equal(t, "PROMPT_INJECTION", events[2].Category)
	assert.Equal(t, "run-1", events[2].RunID)
}

func TestPipeline_EqualOrderKeepsRegistrationOrder(t *testing.T) {
	rec := &recorder{}
	p, err := guard.NewPipeline([]guard.StageConfig{
		{Stage: &fakeStage{name: "b", order: 5, rec: rec}},
		{Stage: &fakeStage{name: "a", order: 5, rec: rec}},
	}, nil)
	require.NoError(t, err)

	v := p.Evaluate(context.Background(), input())
	assert.True(t, v.Allowed())
	assert.Equal(t, []string{"b", "a"}, rec.list())
}

func TestPipeline_AllowedEmitsPipelineEvent(t *testing.T) {
	sink := &captureSink{}
	p, err := guard.NewPipeline([]guard.StageConfig{
		{Stage: &fakeStage{name: "one", order: 1}},
		{Stage: &fakeStage{name: "two", order: 2}},
	}, sink)
	require.NoError(t, err)

	v := p.Evaluate(context.Background(), input())
	require.True(t, v.Allowed())
	assert.Equal(t, guard.PipelineStage, v.Stage)
	assert.NoError(t, v.Err())

	events := sink.all()
	require.Len(t, events, 3)
	last := events[2]
	assert.Equal(t, guard.PipelineStage, last.Stage)
	assert.Equal(t, "allowed", last.Result)
	assert.GreaterOrEqual(t, last.PipelineLatency, events[0].StageLatency)
}

func TestPipeline_StageErrorPolicy(t *testing.T) {
	failing := func(context.Context, *guard.Input) guard.Verdict {
		return guard.Fail(errors.New("backend down"))
	}

	tests := []struct {
		name        string
		failOnError *bool
		defaultOpt  []guard.Option
		wantKind    guard.Kind
		wantNext    bool
	}{
		{name: "default is fail-closed", wantKind: guard.Rejected},
		{name: "explicit fail-open continues", failOnError: boolPtr(false), wantKind: guard.Allowed, wantNext: true},
		{name: "explicit fail-closed rejects", failOnError: boolPtr(true), defaultOpt: []guard.Option{guard.WithFailOnErrorDefault(false)}, wantKind: guard.Rejected},
		{name: "open default continues", defaultOpt: []guard.Option{guard.WithFailOnErrorDefault(false)}, wantKind: guard.Allowed, wantNext: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p, err := guard.NewPipeline([]guard.StageConfig{
				{Stage: &fakeStage{name: "flaky", order: 1, rec: rec, check: failing}, FailOnError: tt.failOnError},
				{Stage: &fakeStage{name: "next", order: 2, rec: rec}},
			}, nil, tt.defaultOpt...)
			require.NoError(t, err)

			v := p.Evaluate(context.Background(), input())
			assert.Equal(t, tt.wantKind, v.Kind)
			if tt.wantKind == guard.Rejected {
				assert.Equal(t, guard.CategoryStageError, v.Category)
				assert.Equal(t, "flaky", v.Stage)
				assert.True(t, sigilerr.HasCode(v.Err(), sigilerr.CodeGuardRejected))
			}
			assert.Equal(t, tt.wantNext, len(rec.list()) == 2)
		})
	}
}

func TestPipeline_PanicBecomesStageError(t *testing.T) {
	sink := &captureSink{}
	p, err := guard.NewPipeline([]guard.StageConfig{
		{Stage: &fakeStage{name: "boom", order: 1, check: func(context.Context, *guard.Input) guard.Verdict {
			panic("kaboom")
		}}},
	}, sink)
	require.NoError(t, err)

	v := p.Evaluate(context.Background(), input())
	assert.Equal(t, guard.Rejected, v.Kind)
	assert.Equal(t, guard.CategoryStageError, v.Category)
	require.Error(t, v.Cause)
	assert.Contains(t, v.Cause.Error(), "kaboom")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Result)
}

func TestPipeline_SinkErrorsDoNotChangeVerdict(t *testing.T) {
	sink := &captureSink{err: errors.New("audit down")}
	p, err := guard.NewPipeline([]guard.StageConfig{
		{Stage: &fakeStage{name: "one", order: 1}},
	}, sink)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.True(t, p.Evaluate(context.Background(), input()).Allowed())
	}
	assert.Len(t, sink.all(), 10)
}

func TestPipeline_CancelledContextRejects(t *testing.T) {
	rec := &recorder{}
	p, err := guard.NewPipeline([]guard.StageConfig{
		{Stage: &fakeStage{name: "one", order: 1, rec: rec}, FailOnError: boolPtr(false)},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := p.Evaluate(ctx, input())
	assert.Equal(t, guard.Rejected, v.Kind)
	assert.ErrorIs(t, v.Cause, context.Canceled)
	assert.Empty(t, rec.list())

	verr := v.Err()
	assert.True(t, sigilerr.HasCode(verr, sigilerr.CodeGuardRejected))
	assert.ErrorIs(t, verr, context.Canceled)
}

func TestNewPipeline_Validation(t *testing.T) {
	tests := []struct {
		name   string
		stages []guard.StageConfig
	}{
		{name: "nil stage", stages: []guard.StageConfig{{}}},
		{name: "empty name", stages: []guard.StageConfig{{Stage: &fakeStage{}}}},
		{name: "reserved name", stages: []guard.StageConfig{{Stage: &fakeStage{name: guard.PipelineStage}}}},
		{name: "duplicate", stages: []guard.StageConfig{
			{Stage: &fakeStage{name: "dup", order: 1}},
			{Stage: &fakeStage{name: "dup", order: 2}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := guard.NewPipeline(tt.stages, nil)
			require.Error(t, err)
			assert.True(t, sigilerr.HasCode(err, sigilerr.CodeGuardConfigInvalid))
		})
	}
}

func TestVerdict_Err(t *testing.T) {
	v := guard.Reject(guard.CategoryRateLimited, "slow down")
	v.Stage = "rate_limit"
	err := v.Err()
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeGuardRejected))
	assert.Equal(t, "RATE_LIMITED", sigilerr.StringField(err, "category"))
	assert.Equal(t, "rate_limit", sigilerr.StringField(err, "stage"))

	cause := errors.New("x")
	ferr := guard.Fail(cause).Err()
	assert.ErrorIs(t, ferr, cause)

	coded := sigilerr.New(sigilerr.CodeGuardRateLimiterFailure, "redis down")
	closed := guard.Verdict{Kind: guard.Rejected, Category: guard.CategoryStageError, Reason: "guard stage rate_limit failed", Cause: coded}
	assert.True(t, sigilerr.HasCode(closed.Err(), sigilerr.CodeGuardRejected))
}
