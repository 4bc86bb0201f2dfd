// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// PipelineStage names the pipeline-level audit event emitted after every
// stage has allowed the request.
const PipelineStage = "pipeline"

// auditFailureEscalationThreshold is the number of consecutive sink
// failures after which logging moves from Warn to Error.
const auditFailureEscalationThreshold = 3

// Input is the request as seen by guard stages.
type Input struct {
	RunID        string
	UserID       string
	SessionID    string
	ChannelID    string
	Prompt       string
	SystemPrompt string
	Metadata     map[string]string
}

// Stage is a single check in the pipeline.
type Stage interface {
	Name() string
	Order() int
	Check(ctx context.Context, in *Input) Verdict
}

// StageConfig registers a stage with an optional error policy. A nil
// FailOnError uses the pipeline default.
type StageConfig struct {
	Stage       Stage
	FailOnError *bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithFailOnErrorDefault sets the policy for stages registered without
// an explicit FailOnError.
func WithFailOnErrorDefault(failClosed bool) Option {
	return func(p *Pipeline) { p.failClosedDefault = failClosed }
}

// WithClock overrides the time source used for event timestamps and latencies.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

type registeredStage struct {
	stage     Stage
	failOnErr *bool
}

// Pipeline runs an ordered, fixed set of stages.
type Pipeline struct {
	stages            []registeredStage
	sink              AuditSink
	logger            *slog.Logger
	failClosedDefault bool
	now               func() time.Time

	auditMu       sync.Mutex
	auditFailures int
}

// NewPipeline builds a pipeline. Stages are sorted by Order, keeping
// registration order among equal orders. A nil sink discards events.
func NewPipeline(stages []StageConfig, sink AuditSink, opts ...Option) (*Pipeline, error) {
	if sink == nil {
		sink = NopSink{}
	}
	p := &Pipeline{
		sink:              sink,
		logger:            slog.Default(),
		failClosedDefault: true,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[string]struct{}, len(stages))
	for i, sc := range stages {
		if sc.Stage == nil {
			return nil, sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid, "stage %d is nil", i)
		}
		name := sc.Stage.Name()
		if name == "" {
			return nil, sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid, "stage %d has empty name", i)
		}
		if name == PipelineStage {
			return nil, sigilerr.Errorf(sigilerr.CodeGuardConfigInvalid, "stage name %q is reserved", name)
		}
		if _, dup := seen[name]; dup {
			return nil, sigilerr.New(sigilerr.CodeGuardConfigInvalid,
				fmt.Sprintf("duplicate guard stage %q", name), sigilerr.FieldStage(name))
		}
		seen[name] = struct{}{}
		p.stages = append(p.stages, registeredStage{stage: sc.Stage, failOnErr: sc.FailOnError})
	}
	sort.SliceStable(p.stages, func(i, j int) bool {
		return p.stages[i].stage.Order() < p.stages[j].stage.Order()
	})
	return p, nil
}

// Stages returns the stage names in evaluation order.
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.stages))
	for i, rs := range p.stages {
		out[i] = rs.stage.Name()
	}
	return out
}

// Evaluate runs every stage in order and returns the first rejection, or
// Allowed when all stages pass. A stage Error is handled by that stage's
// policy: fail-open moves on, fail-closed rejects with STAGE_ERROR.
func (p *Pipeline) Evaluate(ctx context.Context, in *Input) Verdict {
	if in == nil {
		in = &Input{}
	}
	start := p.now()

	for _, rs := range p.stages {
		name := rs.stage.Name()
		if err := ctx.Err(); err != nil {
			// A cancelled context halts the pipeline regardless of stage policy.
			v := Fail(err)
			v.Stage = name
			p.publish(ctx, in, v, p.now(), start)
			return Verdict{Kind: Rejected, Category: CategoryStageError, Reason: "request cancelled", Cause: err, Stage: name}
		}

		stageStart := p.now()
		v := p.runStage(ctx, rs.stage, in)
		v.Stage = name

		switch v.Kind {
		case Allowed:
			p.publish(ctx, in, v, stageStart, start)
		case Rejected:
			p.publish(ctx, in, v, stageStart, start)
			p.logger.Info("guard rejected request",
				"run_id", in.RunID,
				"stage", name,
				"category", string(v.Category),
				"reason", v.Reason,
			)
			return v
		default:
			if out, stop := p.handleError(ctx, in, rs, v, stageStart, start); stop {
				return out
			}
		}
	}

	allowed := Verdict{Kind: Allowed, Stage: PipelineStage}
	p.publish(ctx, in, allowed, start, start)
	return allowed
}

func (p *Pipeline) handleError(ctx context.Context, in *Input, rs registeredStage, v Verdict, stageStart, start time.Time) (Verdict, bool) {
	p.publish(ctx, in, v, stageStart, start)
	if !p.failClosed(rs) {
		p.logger.Warn("guard stage errored, continuing (fail-open)",
			"run_id", in.RunID,
			"stage", v.Stage,
			"error", v.Cause,
		)
		return Verdict{}, false
	}
	p.logger.Error("guard stage errored, rejecting (fail-closed)",
		"run_id", in.RunID,
		"stage", v.Stage,
		"error", v.Cause,
	)
	return Verdict{
		Kind:     Rejected,
		Category: CategoryStageError,
		Reason:   fmt.Sprintf("guard stage %s failed", v.Stage),
		Cause:    v.Cause,
		Stage:    v.Stage,
	}, true
}

func (p *Pipeline) failClosed(rs registeredStage) bool {
	if rs.failOnErr != nil {
		return *rs.failOnErr
	}
	return p.failClosedDefault
}

func (p *Pipeline) runStage(ctx context.Context, s Stage, in *Input) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Fail(sigilerr.Errorf(sigilerr.CodeGuardStageFailure, "stage %s panicked: %v", s.Name(), r))
		}
	}()
	return s.Check(ctx, in)
}

func (p *Pipeline) publish(ctx context.Context, in *Input, v Verdict, stageStart, start time.Time) {
	now := p.now()
	ev := Event{
		RunID:           in.RunID,
		UserID:          in.UserID,
		Stage:           v.Stage,
		Result:          v.Kind.String(),
		Reason:          v.Reason,
		Category:        string(v.Category),
		StageLatency:    now.Sub(stageStart),
		PipelineLatency: now.Sub(start),
		Timestamp:       now,
	}
	if v.Kind == Error && v.Cause != nil {
		ev.Reason = v.Cause.Error()
	}

	err := p.sink.Publish(ctx, ev)

	p.auditMu.Lock()
	if err == nil {
		p.auditFailures = 0
		p.auditMu.Unlock()
		return
	}
	p.auditFailures++
	failures := p.auditFailures
	p.auditMu.Unlock()

	level := slog.LevelWarn
	if failures >= auditFailureEscalationThreshold {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "guard audit publish failed",
		"run_id", in.RunID,
		"stage", v.Stage,
		"consecutive_failures", failures,
		"error", err,
	)
}
