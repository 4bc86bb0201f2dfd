// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/approval"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/health"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func (s *Server) registerRoutes() {
	protected := huma.Middlewares{s.requireToken}

	// Execution
	huma.Register(s.api, huma.Operation{
		OperationID: "execute",
		Method:      http.MethodPost,
		Path:        "/api/v1/execute",
		Summary:     "Run an agent request to completion",
		Description: "Failed runs still return an execution result; the status code reflects its error code.",
		Tags:        []string{"execution"},
	}, s.handleExecute)

	// Approval endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/api/v1/approvals",
		Summary:     "List pending approval requests",
		Tags:        []string{"approvals"},
	}, s.handleListApprovals)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/api/v1/approvals/{id}",
		Summary:     "Get an approval request and its resolution",
		Tags:        []string{"approvals"},
	}, s.handleGetApproval)

	huma.Register(s.api, huma.Operation{
		OperationID: "approve-approval",
		Method:      http.MethodPost,
		Path:        "/api/v1/approvals/{id}/approve",
		Summary:     "Approve a pending tool call",
		Tags:        []string{"approvals"},
		Middlewares: protected,
	}, s.handleApprove)

	huma.Register(s.api, huma.Operation{
		OperationID: "reject-approval",
		Method:      http.MethodPost,
		Path:        "/api/v1/approvals/{id}/reject",
		Summary:     "Reject a pending tool call",
		Tags:        []string{"approvals"},
		Middlewares: protected,
	}, s.handleReject)

	// Circuit breaker endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/api/v1/breakers",
		Summary:     "List circuit breakers and their state",
		Tags:        []string{"resilience"},
	}, s.handleListBreakers)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/api/v1/breakers/{name}/reset",
		Summary:     "Force a circuit breaker closed",
		Tags:        []string{"resilience"},
		Middlewares: protected,
	}, s.handleResetBreaker)

	// Admission
	huma.Register(s.api, huma.Operation{
		OperationID: "admission-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/admission",
		Summary:     "Current admission controller statistics",
		Tags:        []string{"resilience"},
	}, s.handleAdmissionStats)
}

// ExecuteBody is the JSON form of an execution request.
type ExecuteBody struct {
	SystemPrompt   string            `json:"system_prompt,omitempty" doc:"System prompt for the run"`
	UserPrompt     string            `json:"user_prompt" minLength:"1" doc:"User message"`
	UserID         string            `json:"user_id" minLength:"1" doc:"Caller identity"`
	SessionID      string            `json:"session_id,omitempty" doc:"Conversation to continue"`
	ChannelID      string            `json:"channel_id,omitempty" doc:"Originating channel"`
	Mode           string            `json:"mode,omitempty" enum:"STANDARD,REACT,STREAMING" doc:"Execution mode"`
	Temperature    *float64          `json:"temperature,omitempty" minimum:"0" maximum:"2"`
	MaxToolCalls   int               `json:"max_tool_calls,omitempty" minimum:"0" doc:"Tool call budget; zero uses the server default"`
	ResponseFormat string            `json:"response_format,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Request converts the body into an executor request.
func (b ExecuteBody) Request() agent.ExecutionRequest {
	return agent.ExecutionRequest{
		SystemPrompt:   b.SystemPrompt,
		UserPrompt:     b.UserPrompt,
		UserID:         b.UserID,
		SessionID:      b.SessionID,
		ChannelID:      b.ChannelID,
		Mode:           types.ExecutionMode(b.Mode),
		Temperature:    b.Temperature,
		MaxToolCalls:   b.MaxToolCalls,
		ResponseFormat: b.ResponseFormat,
		Metadata:       b.Metadata,
	}
}

type executeInput struct {
	Body ExecuteBody
}

type executeOutput struct {
	Status int
	Body   agent.ExecutionResult
}

type listApprovalsInput struct {
	UserID string `query:"user_id" doc:"Only list requests raised for this user"`
}

type listApprovalsOutput struct {
	Body struct {
		Approvals []approval.Request `json:"approvals"`
	}
}

type approvalIDInput struct {
	ID string `path:"id"`
}

type getApprovalOutput struct {
	Body approval.Record
}

// ApproveBody optionally replaces the tool call arguments.
type ApproveBody struct {
	ModifiedArguments map[string]any `json:"modified_arguments,omitempty" doc:"Replacement tool arguments"`
}

type approveInput struct {
	ID   string       `path:"id"`
	Body *ApproveBody `required:"false"`
}

// RejectBody carries the reviewer's reason.
type RejectBody struct {
	Reason string `json:"reason,omitempty" maxLength:"1024"`
}

type rejectInput struct {
	ID   string      `path:"id"`
	Body *RejectBody `required:"false"`
}

// ResolveBody reports whether this call resolved the request.
type ResolveBody struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved" doc:"False when the request had already been resolved"`
}

type resolveOutput struct {
	Body ResolveBody
}

type listBreakersOutput struct {
	Body struct {
		Breakers []health.Metrics `json:"breakers"`
	}
}

type breakerNameInput struct {
	Name string `path:"name"`
}

type resetBreakerOutput struct {
	Body health.Metrics
}

type admissionOutput struct {
	Body admission.Stats
}

func (s *Server) handleExecute(ctx context.Context, input *executeInput) (*executeOutput, error) {
	res := s.services.Executor.Execute(ctx, input.Body.Request())
	status := http.StatusOK
	if !res.Success {
		status = sigilerr.HTTPStatus(sigilerr.New(sigilerr.Code(res.ErrorCode), res.ErrorMessage))
	}
	return &executeOutput{Status: status, Body: res}, nil
}

func (s *Server) handleListApprovals(ctx context.Context, input *listApprovalsInput) (*listApprovalsOutput, error) {
	pending, err := s.services.Approvals.ListPendingByUser(ctx, input.UserID)
	if err != nil {
		return nil, s.httpError(err, "listing approvals")
	}
	out := &listApprovalsOutput{}
	out.Body.Approvals = pending
	if out.Body.Approvals == nil {
		out.Body.Approvals = []approval.Request{}
	}
	return out, nil
}

func (s *Server) handleGetApproval(ctx context.Context, input *approvalIDInput) (*getApprovalOutput, error) {
	rec, err := s.services.Approvals.Get(ctx, input.ID)
	if err != nil {
		return nil, s.httpError(err, fmt.Sprintf("approval %q", input.ID))
	}
	return &getApprovalOutput{Body: *rec}, nil
}

func (s *Server) handleApprove(ctx context.Context, input *approveInput) (*resolveOutput, error) {
	var args map[string]any
	if input.Body != nil {
		args = input.Body.ModifiedArguments
	}
	resolved, err := s.services.Approvals.Approve(ctx, input.ID, args)
	if err != nil {
		return nil, s.httpError(err, fmt.Sprintf("approving %q", input.ID))
	}
	s.logger.Info("approval resolved via api", "approval_id", input.ID, "status", types.ApprovalStatusApproved, "resolved", resolved)
	return &resolveOutput{Body: ResolveBody{ID: input.ID, Resolved: resolved}}, nil
}

func (s *Server) handleReject(ctx context.Context, input *rejectInput) (*resolveOutput, error) {
	var reason string
	if input.Body != nil {
		reason = input.Body.Reason
	}
	resolved, err := s.services.Approvals.Reject(ctx, input.ID, reason)
	if err != nil {
		return nil, s.httpError(err, fmt.Sprintf("rejecting %q", input.ID))
	}
	s.logger.Info("approval resolved via api", "approval_id", input.ID, "status", types.ApprovalStatusRejected, "resolved", resolved)
	return &resolveOutput{Body: ResolveBody{ID: input.ID, Resolved: resolved}}, nil
}

func (s *Server) handleListBreakers(_ context.Context, _ *struct{}) (*listBreakersOutput, error) {
	out := &listBreakersOutput{}
	out.Body.Breakers = s.services.Breakers.Snapshot()
	return out, nil
}

func (s *Server) handleResetBreaker(_ context.Context, input *breakerNameInput) (*resetBreakerOutput, error) {
	if err := s.services.Breakers.Reset(input.Name); err != nil {
		return nil, s.httpError(err, fmt.Sprintf("circuit breaker %q", input.Name))
	}
	b, _ := s.services.Breakers.GetIfExists(input.Name)
	s.logger.Info("circuit breaker reset via api", "breaker", input.Name)
	return &resetBreakerOutput{Body: b.Metrics()}, nil
}

func (s *Server) handleAdmissionStats(_ context.Context, _ *struct{}) (*admissionOutput, error) {
	return &admissionOutput{Body: s.services.Admission.Stats()}, nil
}

// httpError maps a coded error onto a huma status error. Internal failures
// are logged and returned without detail.
func (s *Server) httpError(err error, what string) error {
	status := sigilerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "what", what, "error", err)
		return huma.NewError(status, what+" failed")
	}
	if sigilerr.IsNotFound(err) {
		return huma.Error404NotFound(what + " not found")
	}
	return huma.NewError(status, err.Error())
}
