// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/agentexec/internal/admission"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func newStatusCmd(_ *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Check a running server's health endpoint and admission gate.",
		RunE:  runStatus,
	}
	addClientFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()
	client := clientFromFlags(cmd)

	var health struct {
		Status string `json:"status"`
	}
	if err := client.getJSON("/health", &health); err != nil {
		if sigilerr.HasCode(err, sigilerr.CodeCLIServerNotRunning) {
			_, _ = fmt.Fprintf(out, "agentexec at %s is not running (connection refused)\n", addr)
			return nil
		}
		return sigilerr.Wrap(err, sigilerr.CodeOf(err), "checking health")
	}

	var stats admission.Stats
	if err := client.getJSON("/api/v1/admission", &stats); err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeOf(err), "reading admission stats")
	}

	_, _ = fmt.Fprintf(out, "agentexec at %s: %s\n", addr, health.Status)
	_, _ = fmt.Fprintf(out, "admission: %d/%d in flight (%s), %d admitted, %d rejected\n",
		stats.InFlight, stats.Max, stats.Mode, stats.Admitted, stats.Rejected)
	return nil
}
