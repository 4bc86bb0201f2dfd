// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package agent runs the admission, guard, model and tool loop for a
// single execution request.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/guard"
	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/policy"
	"github.com/sigil-dev/agentexec/internal/provider"
	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	"github.com/sigil-dev/agentexec/internal/resilience/fallback"
	"github.com/sigil-dev/agentexec/internal/resilience/retry"
	"github.com/sigil-dev/agentexec/internal/store"
	"github.com/sigil-dev/agentexec/internal/telemetry"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

const (
	defaultMaxToolCalls = 10
	defaultToolTimeout  = 30 * time.Second
	defaultModelTimeout = 2 * time.Minute
	defaultHistoryLimit = 50

	// LLMBreaker is the breaker guarding model calls.
	LLMBreaker = "llm"
	// ToolBreakerPrefix prefixes per-tool breaker names.
	ToolBreakerPrefix = "tool:"

	// AuditAction is recorded for every finished run.
	AuditAction = "agent.execute"

	// BudgetExhaustedMessage answers tool calls made past the budget.
	BudgetExhaustedMessage = "error: tool budget exhausted"

	defaultReactDirective = "Think step by step. Before each tool call, state briefly what you expect to learn. " +
		"When you have enough information, answer directly without calling tools."
)

// ExecutorConfig tunes the loop.
type ExecutorConfig struct {
	MaxToolCalls int           `mapstructure:"max_tool_calls"`
	ToolTimeout  time.Duration `mapstructure:"tool_timeout"`
	ModelTimeout time.Duration `mapstructure:"model_timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
	// ApprovalTimeout applies to approval rules without their own timeout.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	ReactDirective  string        `mapstructure:"react_directive"`
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = defaultMaxToolCalls
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = defaultModelTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.ReactDirective == "" {
		c.ReactDirective = defaultReactDirective
	}
	return c
}

// Deps are the collaborators of an Executor. Only Model is required.
type Deps struct {
	Admission *admission.Controller
	Guard     *guard.Pipeline
	Breakers  *breaker.Registry
	Retry     *retry.Executor
	Fallback  *fallback.Chain
	Model     provider.Model
	Tools     ToolDispatcher
	Approvals approval.Coordinator
	Policy    policy.Source
	Sessions  store.SessionStore
	Audit     store.AuditStore
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Hooks     *ExecutorHooks
}

// ExecutorHooks observe loop progress. Every field is optional.
type ExecutorHooks struct {
	OnAdmit     func()
	OnGuard     func(guard.Verdict)
	OnModelCall func(tools int)
	OnToolCall  func(name string)
}

// Executor runs execution requests. It is safe for concurrent use; each
// Execute call owns its own state.
type Executor struct {
	cfg       ExecutorConfig
	deps      Deps
	approvals approval.Policy
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	auditFailures auditCounter
}

// NewExecutor validates deps and returns an executor.
func NewExecutor(cfg ExecutorConfig, deps Deps) (*Executor, error) {
	if deps.Model == nil {
		return nil, sigilerr.New(sigilerr.CodeAgentLoopInvalidInput, "executor requires a model")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Executor{
		cfg:       cfg,
		deps:      deps,
		approvals: approval.Policy{Source: deps.Policy, DefaultTimeout: cfg.ApprovalTimeout},
		logger:    logger,
		tracer:    tracer,
		now:       time.Now,
	}, nil
}

// SetNowFunc overrides the clock used for durations and timestamps.
func (e *Executor) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		e.now = fn
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() ExecutorConfig { return e.cfg }

// Execute runs req to completion. Failures are reported in the result,
// never as a panic or error return.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	r := &run{
		e:     e,
		req:   req,
		start: e.now(),
		res:   ExecutionResult{RunID: uuid.New().String()},
	}
	if r.req.Mode == "" {
		r.req.Mode = types.ExecutionModeStandard
	}
	r.maxToolCalls = req.MaxToolCalls
	if r.maxToolCalls <= 0 {
		r.maxToolCalls = e.cfg.MaxToolCalls
	}

	ctx, span := e.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("run_id", r.res.RunID),
		attribute.String("user_id", req.UserID),
		attribute.String("mode", string(r.req.Mode)),
	))
	defer span.End()

	err := r.execute(ctx)
	r.res.Durations.Total = e.now().Sub(r.start)
	if err != nil {
		r.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, r.res.ErrorCode)
	} else {
		r.res.Success = true
	}
	span.SetAttributes(
		attribute.Int("tool_calls", len(r.res.ToolCalls)),
		attribute.Int("retry_count", r.res.RetryCount),
		attribute.Bool("fallback_used", r.res.FallbackUsed),
	)

	e.deps.Metrics.RunFinished(outcomeLabel(r.res), r.res.Durations.Total)
	e.audit(ctx, r)
	return r.res
}

// run holds the state of one Execute call.
type run struct {
	e            *Executor
	req          ExecutionRequest
	res          ExecutionResult
	start        time.Time
	messages     []provider.Message
	toolCalls    int
	maxToolCalls int
	// guardReason is the user-facing reason of a guard rejection.
	guardReason string
}

func (r *run) execute(ctx context.Context) error {
	e := r.e
	if err := r.req.validate(); err != nil {
		return err
	}

	// Step 1: admission.
	if e.deps.Admission != nil {
		permit, err := e.deps.Admission.Admit(ctx)
		if err != nil {
			return err
		}
		defer permit.Release()
		r.res.Durations.QueueWait = permit.QueueWait
	}
	e.fireAdmit()

	// Step 2: guard.
	if e.deps.Guard != nil {
		guardStart := e.now()
		v := e.deps.Guard.Evaluate(ctx, &guard.Input{
			RunID:        r.res.RunID,
			UserID:       r.req.UserID,
			SessionID:    r.req.SessionID,
			ChannelID:    r.req.ChannelID,
			Prompt:       r.req.UserPrompt,
			SystemPrompt: r.req.SystemPrompt,
			Metadata:     r.req.Metadata,
		})
		r.res.Durations.Guard = e.now().Sub(guardStart)
		e.fireGuard(v)
		if !v.Allowed() {
			r.guardReason = v.Reason
			return v.Err()
		}
	}

	// Step 3: history.
	if err := r.prepare(ctx); err != nil {
		return err
	}

	// Step 4: model/tool loop.
	var defs []provider.ToolDefinition
	if e.deps.Tools != nil {
		defs = e.deps.Tools.Definitions()
	}

	for r.toolCalls < r.maxToolCalls {
		tools := defs
		resp, err := r.callModel(ctx, tools)
		if err != nil {
			return err
		}
		if !resp.WantsTools() || len(tools) == 0 {
			return r.finish(ctx, resp.Content)
		}
		if err := r.handleToolCalls(ctx, resp); err != nil {
			return err
		}
	}

	// Step 5: budget exhausted; one last call without tools.
	resp, err := r.callModel(ctx, nil)
	if err != nil {
		return err
	}
	return r.finish(ctx, resp.Content)
}

func (r *run) prepare(ctx context.Context) error {
	e := r.e
	if e.deps.Sessions != nil && r.req.SessionID != "" {
		history, err := e.deps.Sessions.History(ctx, r.req.SessionID, e.cfg.HistoryLimit)
		if err != nil {
			return sigilerr.Wrapf(err, sigilerr.CodeAgentLoopFailure, "loading history: session %s", r.req.SessionID)
		}
		for _, m := range history {
			r.messages = append(r.messages, fromStoreMessage(m))
		}
	}

	user := provider.Message{Role: provider.MessageRoleUser, Content: r.req.UserPrompt}
	r.messages = append(r.messages, user)
	return r.persist(ctx, user)
}

func (r *run) systemPrompt() string {
	sp := r.req.SystemPrompt
	if r.req.Mode == types.ExecutionModeReact {
		if sp != "" {
			sp += "\n\n"
		}
		sp += r.e.cfg.ReactDirective
	}
	return sp
}

// callModel issues one model call through the llm breaker and the retry
// executor, consulting the fallback chain when both give up.
func (r *run) callModel(ctx context.Context, tools []provider.ToolDefinition) (*provider.Response, error) {
	e := r.e
	e.fireModelCall(len(tools))

	preq := provider.Request{
		SystemPrompt: r.systemPrompt(),
		Messages:     append([]provider.Message(nil), r.messages...),
		Tools:        tools,
		Options: provider.Options{
			Temperature:    r.req.Temperature,
			ResponseFormat: r.req.ResponseFormat,
		},
	}
	var stream *deltaGate
	if r.req.Mode == types.ExecutionModeStreaming && r.req.Stream != nil {
		stream = &deltaGate{sink: r.req.Stream}
	}

	ctx, span := e.tracer.Start(ctx, "agent.model_call", trace.WithAttributes(
		attribute.String("model", e.deps.Model.Name()),
		attribute.Int("tools", len(tools)),
	))
	defer span.End()

	start := e.now()
	call := func(ctx context.Context) (*provider.Response, error) {
		return e.callWithRetry(ctx, preq, stream, &r.res.RetryCount)
	}
	var (
		resp *provider.Response
		err  error
	)
	if e.deps.Breakers != nil {
		resp, err = breaker.ExecuteValue(ctx, e.deps.Breakers.Get(LLMBreaker), call)
	} else {
		resp, err = call(ctx)
	}
	elapsed := e.now().Sub(start)
	r.res.Durations.LLM += elapsed

	model := e.deps.Model.Name()
	if err == nil {
		e.deps.Metrics.ModelCall(model, "success", elapsed)
		e.deps.Metrics.Tokens(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		return resp, nil
	}
	e.deps.Metrics.ModelCall(model, "failure", elapsed)
	span.RecordError(err)

	if ctx.Err() != nil || e.deps.Fallback.Len() == 0 {
		return nil, err
	}
	e.logger.Warn("model call failed, trying fallback",
		"run_id", r.res.RunID,
		"error", err,
	)
	fb, ferr := e.deps.Fallback.Recover(ctx, preq, err)
	if ferr != nil {
		return nil, ferr
	}
	r.res.FallbackUsed = true
	if stream != nil {
		stream.begin()
		stream.write(fb.Content)
	}
	return &provider.Response{Content: fb.Content}, nil
}

func (e *Executor) callWithRetry(ctx context.Context, preq provider.Request, stream *deltaGate, retries *int) (*provider.Response, error) {
	once := func(ctx context.Context) (*provider.Response, error) {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
		defer cancel()
		if stream != nil {
			stream.begin()
			preq.OnDelta = stream.write
		}
		resp, err := e.deps.Model.Call(cctx, preq)
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, sigilerr.Errorf(sigilerr.CodeProviderTimeout, "model call timed out after %s: %v", e.cfg.ModelTimeout, err)
		}
		if err == nil && resp == nil {
			return nil, sigilerr.New(sigilerr.CodeProviderResponseInvalid, "model returned no response",
				sigilerr.FieldModel(e.deps.Model.Name()))
		}
		return resp, err
	}
	if e.deps.Retry == nil {
		return once(ctx)
	}
	resp, attempts, err := retry.RunValue(ctx, e.deps.Retry, once)
	if attempts > 1 {
		*retries += attempts - 1
	}
	e.deps.Metrics.ObserveRetryAttempts(LLMBreaker, attempts)
	return resp, err
}

func (r *run) handleToolCalls(ctx context.Context, resp *provider.Response) error {
	assistant := provider.Message{
		Role:      provider.MessageRoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}
	r.messages = append(r.messages, assistant)
	if err := r.persist(ctx, assistant); err != nil {
		return err
	}

	for _, tc := range resp.ToolCalls {
		var content string
		if r.toolCalls >= r.maxToolCalls {
			content = BudgetExhaustedMessage
		} else {
			out, err := r.runTool(ctx, tc)
			if err != nil {
				return err
			}
			content = out
		}
		msg := provider.Message{
			Role:       provider.MessageRoleTool,
			Content:    content,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		}
		r.messages = append(r.messages, msg)
		if err := r.persist(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// runTool executes one tool call and returns the content reported back to
// the model. A non-nil error ends the run.
func (r *run) runTool(ctx context.Context, tc provider.ToolCall) (string, error) {
	e := r.e
	e.fireToolCall(tc.Name)

	rec := ToolCallRecord{ToolName: tc.Name, CallIndex: r.toolCalls}
	start := e.now()
	content, class, toolErr := r.dispatch(ctx, tc, &rec)
	rec.Duration = e.now().Sub(start)
	rec.Success = toolErr == nil
	rec.ErrorClass = class

	r.toolCalls++
	r.res.Durations.Tool += rec.Duration
	r.res.ToolCalls = append(r.res.ToolCalls, rec)
	r.res.ToolsUsed = appendUnique(r.res.ToolsUsed, tc.Name)

	outcome := "success"
	if toolErr != nil {
		outcome = string(class)
	}
	e.deps.Metrics.ToolCall(tc.Name, outcome)

	if toolErr == nil {
		return content, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	e.logger.Warn("tool call failed",
		"run_id", r.res.RunID,
		"tool", tc.Name,
		"error_class", string(class),
		"error", toolErr,
	)
	if e.snapshot().Tool(tc.Name).FatalOnError {
		return "", toolErr
	}
	return "error: " + toolErr.Error(), nil
}

func (r *run) dispatch(ctx context.Context, tc provider.ToolCall, rec *ToolCallRecord) (string, ErrorClass, error) {
	e := r.e
	args, err := decodeArguments(tc.Arguments)
	if err != nil {
		return "", ErrorClassException, err
	}
	rec.Arguments = args

	if required, timeout := e.approvals.Requires(tc.Name); required {
		if e.deps.Approvals == nil {
			return "", ErrorClassApprovalRejected, sigilerr.New(sigilerr.CodeApprovalRejected,
				"approval required but no coordinator configured", sigilerr.FieldTool(tc.Name))
		}
		res, err := e.deps.Approvals.Request(ctx, approval.RequestParams{
			RunID:     r.res.RunID,
			UserID:    r.req.UserID,
			ToolName:  tc.Name,
			Arguments: args,
			Timeout:   timeout,
		})
		if err != nil {
			return "", ErrorClassException, err
		}
		switch res.Status {
		case types.ApprovalStatusApproved:
			if res.ModifiedArguments != nil {
				args = res.ModifiedArguments
				rec.Arguments = args
			}
		case types.ApprovalStatusTimedOut:
			return "", ErrorClassApprovalTimedOut, sigilerr.New(sigilerr.CodeApprovalTimeout,
				"approval timed out", sigilerr.FieldTool(tc.Name))
		default:
			msg := "approval rejected"
			if res.Reason != "" {
				msg += ": " + res.Reason
			}
			return "", ErrorClassApprovalRejected, sigilerr.New(sigilerr.CodeApprovalRejected,
				msg, sigilerr.FieldTool(tc.Name))
		}
	}

	if e.deps.Tools == nil {
		return "", ErrorClassNotFound, sigilerr.New(sigilerr.CodeAgentToolNotFound,
			"no tools are configured", sigilerr.FieldTool(tc.Name))
	}

	timeout := e.snapshot().Tool(tc.Name).Timeout
	if timeout <= 0 {
		timeout = e.cfg.ToolTimeout
	}

	ctx, span := e.tracer.Start(ctx, "agent.tool_call", trace.WithAttributes(attribute.String("tool", tc.Name)))
	defer span.End()

	var timedOut bool
	invoke := func(ctx context.Context) (string, error) {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := e.deps.Tools.Invoke(tctx, tc.Name, args)
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			timedOut = true
		}
		return out, err
	}

	var out string
	if e.deps.Breakers != nil {
		out, err = breaker.ExecuteValue(ctx, e.deps.Breakers.Get(ToolBreakerPrefix+tc.Name), invoke)
	} else {
		out, err = invoke(ctx)
	}
	if err == nil {
		return out, "", nil
	}
	span.RecordError(err)

	switch {
	case timedOut:
		return "", ErrorClassTimeout, sigilerr.Wrapf(err, sigilerr.CodeAgentToolTimeout,
			"tool %q timed out after %s", tc.Name, timeout)
	case sigilerr.HasCode(err, sigilerr.CodeAgentToolNotFound):
		return "", ErrorClassNotFound, err
	case sigilerr.CodeOf(err) != "":
		return "", ErrorClassException, err
	default:
		return "", ErrorClassException, sigilerr.Wrap(err, sigilerr.CodeAgentToolFailure,
			"tool "+tc.Name+" failed", sigilerr.FieldTool(tc.Name))
	}
}

func (r *run) finish(ctx context.Context, content string) error {
	r.res.Content = content
	return r.persist(ctx, provider.Message{Role: provider.MessageRoleAssistant, Content: content})
}

func (r *run) persist(ctx context.Context, m provider.Message) error {
	e := r.e
	if e.deps.Sessions == nil || r.req.SessionID == "" {
		return nil
	}
	if err := e.deps.Sessions.Append(ctx, r.req.SessionID, toStoreMessage(m, e.now())); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeAgentLoopFailure, "persisting %s message: session %s", m.Role, r.req.SessionID)
	}
	return nil
}

// fail records err on the result with a user-safe message.
func (r *run) fail(err error) {
	r.res.Success = false
	r.res.Content = ""
	code := sigilerr.CodeOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = sigilerr.CodeAgentRunCancelled
	}
	if code == "" {
		code = sigilerr.CodeAgentLoopFailure
	}
	r.res.ErrorCode = string(code)
	r.res.ErrorMessage = userMessage(code, r.guardReason)

	r.e.logger.Info("run failed",
		"run_id", r.res.RunID,
		"user_id", r.req.UserID,
		"code", string(code),
		"error", err,
	)
}

func userMessage(code sigilerr.Code, guardReason string) string {
	switch code {
	case sigilerr.CodeAdmissionRejected, sigilerr.CodeAdmissionQueueTimeout:
		return "system busy"
	case sigilerr.CodeGuardRejected:
		if guardReason != "" {
			return "request rejected: " + guardReason
		}
		return "request rejected"
	case sigilerr.CodeBreakerOpen:
		return "service temporarily unavailable"
	case sigilerr.CodeAgentLoopInvalidInput:
		return "invalid request"
	case sigilerr.CodeAgentRunCancelled:
		return "request cancelled"
	case sigilerr.CodeAgentToolTimeout:
		return "a tool timed out"
	case sigilerr.CodeProviderTimeout:
		return "the model did not answer in time"
	default:
		return "the request could not be completed"
	}
}

func outcomeLabel(res ExecutionResult) string {
	if res.Success {
		return "success"
	}
	return res.ErrorCode
}

func (e *Executor) snapshot() *policy.Snapshot {
	if e.deps.Policy == nil {
		return nil
	}
	return e.deps.Policy.Snapshot()
}

// audit writes a best-effort record of the run.
func (e *Executor) audit(ctx context.Context, r *run) {
	if e.deps.Audit == nil {
		return
	}
	result := "ok"
	if !r.res.Success {
		result = r.res.ErrorCode
	}
	entry := &store.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: e.now().UTC(),
		Action:    AuditAction,
		Actor:     r.req.UserID,
		RunID:     r.res.RunID,
		SessionID: r.req.SessionID,
		Details: map[string]any{
			"mode":           string(r.req.Mode),
			"tools_used":     r.res.ToolsUsed,
			"tool_calls":     len(r.res.ToolCalls),
			"retry_count":    r.res.RetryCount,
			"fallback_used":  r.res.FallbackUsed,
			"duration_ms":    r.res.Durations.Total.Milliseconds(),
			"content_length": len(r.res.Content),
		},
		Result: result,
	}
	// Cancellation of the run must not drop its audit record.
	actx := context.WithoutCancel(ctx)
	if err := e.deps.Audit.Append(actx, entry); err != nil {
		n := e.auditFailures.fail()
		logAuditFailure(actx, e.logger, n, "run audit append failed",
			slog.Any("error", err),
			slog.String("run_id", r.res.RunID),
			slog.Int64("consecutive_failures", n),
		)
		return
	}
	e.auditFailures.reset()
}

func (e *Executor) fireAdmit() {
	if h := e.deps.Hooks; h != nil && h.OnAdmit != nil {
		h.OnAdmit()
	}
}

func (e *Executor) fireGuard(v guard.Verdict) {
	if h := e.deps.Hooks; h != nil && h.OnGuard != nil {
		h.OnGuard(v)
	}
}

func (e *Executor) fireModelCall(tools int) {
	if h := e.deps.Hooks; h != nil && h.OnModelCall != nil {
		h.OnModelCall(tools)
	}
}

func (e *Executor) fireToolCall(name string) {
	if h := e.deps.Hooks; h != nil && h.OnToolCall != nil {
		h.OnToolCall(name)
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func fromStoreMessage(m *store.Message) provider.Message {
	out := provider.Message{
		Role:       provider.MessageRole(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}

func toStoreMessage(m provider.Message, at time.Time) *store.Message {
	out := &store.Message{
		ID:         uuid.New().String(),
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
		CreatedAt:  at,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, store.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}
