// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

func newStartCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agentexec API server",
		Long:  "Load configuration, wire every subsystem, and serve the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStart(cmd)
		},
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = c.v.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func (c *cli) runStart(cmd *cobra.Command) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Wire(ctx, cfg, c.dataDir(), c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			c.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	srv, err := app.NewServer()
	if err != nil {
		return sigilerr.Wrap(err, sigilerr.CodeOf(err), "creating server")
	}

	c.logger.Info("starting agentexec", "listen", cfg.Server.Listen, "version", version)
	return srv.Start(ctx)
}
