// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/health"
)

func newBreakersCmd(_ *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "breakers",
		Aliases: []string{"breaker"},
		Short:   "Inspect and reset circuit breakers",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List circuit breakers and their state",
			RunE:  runBreakersList,
		},
		&cobra.Command{
			Use:   "reset <name>",
			Short: "Force a breaker back to CLOSED",
			Args:  cobra.ExactArgs(1),
			RunE:  runBreakersReset,
		},
	)

	return cmd
}

func runBreakersList(cmd *cobra.Command, _ []string) error {
	var body struct {
		Breakers []health.Metrics `json:"breakers"`
	}
	if err := clientFromFlags(cmd).getJSON("/api/v1/breakers", &body); err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeOf(err), "listing breakers")
	}

	out := cmd.OutOrStdout()
	if len(body.Breakers) == 0 {
		_, _ = fmt.Fprintln(out, "No breakers registered")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tFAILURES\tSUCCESSES\tAVAILABLE")
	for _, b := range body.Breakers {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\n", b.Name, b.State, b.FailureCount, b.SuccessCount, b.Available)
	}
	return tw.Flush()
}

func runBreakersReset(cmd *cobra.Command, args []string) error {
	name := args[0]

	var m health.Metrics
	if err := clientFromFlags(cmd).postJSON("/api/v1/breakers/"+url.PathEscape(name)+"/reset", nil, &m); err != nil {
		return sigilerr.Wrapf(err, sigilerr.CodeOf(err), "resetting breaker %s", name)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Breaker %s is %s\n", m.Name, m.State)
	return nil
}
