// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/agentexec/internal/approval"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func newApprovalsCmd(_ *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review pending tool approvals",
		Long:    "List pending approval requests on a running server and approve or reject them.",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		newApprovalsListCmd(),
		newApprovalsApproveCmd(),
		newApprovalsRejectCmd(),
	)

	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE:  runApprovalsList,
	}
	cmd.Flags().String("user", "", "only show requests for this user")
	return cmd
}

func newApprovalsApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalsApprove,
	}
	cmd.Flags().String("args", "", "replacement tool arguments as a JSON object")
	return cmd
}

func newApprovalsRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalsReject,
	}
	cmd.Flags().String("reason", "", "reason shown to the agent")
	return cmd
}

func runApprovalsList(cmd *cobra.Command, _ []string) error {
	path := "/api/v1/approvals"
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		path += "?user_id=" + url.QueryEscape(user)
	}

	var body struct {
		Approvals []approval.Request `json:"approvals"`
	}
	if err := clientFromFlags(cmd).getJSON(path, &body); err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeOf(err), "listing approvals")
	}

	out := cmd.OutOrStdout()
	if len(body.Approvals) == 0 {
		_, _ = fmt.Fprintln(out, "No pending approvals")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tUSER\tTOOL\tRUN\tWAITING")
	for _, r := range body.Approvals {
		waiting := time.Since(r.RequestedAt).Truncate(time.Second)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.UserID, r.ToolName, r.RunID, waiting)
	}
	return tw.Flush()
}

type resolveResponse struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

func runApprovalsApprove(cmd *cobra.Command, args []string) error {
	id := args[0]

	var body struct {
		ModifiedArguments map[string]any `json:"modified_arguments,omitempty"`
	}
	if raw, _ := cmd.Flags().GetString("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body.ModifiedArguments); err != nil {
			return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "--args must be a JSON object: %w", err)
		}
	}

	var res resolveResponse
	if err := clientFromFlags(cmd).postJSON("/api/v1/approvals/"+url.PathEscape(id)+"/approve", body, &res); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeOf(err), "approving %s", id)
	}
	return reportResolution(cmd, id, "Approved", res)
}

func runApprovalsReject(cmd *cobra.Command, args []string) error {
	id := args[0]
	reason, _ := cmd.Flags().GetString("reason")

	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}

	var res resolveResponse
	if err := clientFromFlags(cmd).postJSON("/api/v1/approvals/"+url.PathEscape(id)+"/reject", body, &res); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeOf(err), "rejecting %s", id)
	}
	return reportResolution(cmd, id, "Rejected", res)
}

func reportResolution(cmd *cobra.Command, id, verb string, res resolveResponse) error {
	out := cmd.OutOrStdout()
	if !res.Resolved {
		_, _ = fmt.Fprintf(out, "Approval %s was already resolved\n", id)
		return nil
	}
	_, _ = fmt.Fprintf(out, "%s %s\n", verb, id)
	return nil
}
