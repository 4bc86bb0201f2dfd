// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/agentexec/internal/agent"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

func newRunCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Execute a single agent run in-process",
		Long: `Wire the configured stack locally and execute one request. The prompt is
taken from the arguments, or from stdin when none are given or the only
argument is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRun(cmd, args)
		},
	}

	cmd.Flags().String("user", "", "caller identity (default $USER)")
	cmd.Flags().String("session", "", "session id to continue")
	cmd.Flags().String("channel", "cli", "originating channel")
	cmd.Flags().String("mode", "", "execution mode: STANDARD, REACT or STREAMING")
	cmd.Flags().String("profile", "", "profile name from agent.profiles_dir")
	cmd.Flags().String("system", "", "system prompt")
	cmd.Flags().Int("max-tool-calls", 0, "tool call budget; zero uses the configured default")
	cmd.Flags().Bool("stream", false, "print text as it arrives (implies STREAMING)")
	cmd.Flags().Bool("json", false, "print the full execution result as JSON")

	return cmd
}

func (c *cli) runRun(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	req, err := buildRunRequest(cmd, prompt)
	if err != nil {
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if name, _ := cmd.Flags().GetString("profile"); name != "" {
		if cfg.Agent.ProfilesDir == "" {
			return sigilerr.New(sigilerr.CodeCLIInputInvalid, "--profile requires agent.profiles_dir to be set")
		}
		profiles, err := agent.LoadProfiles(cfg.Agent.ProfilesDir)
		if err != nil {
			return err
		}
		p, ok := profiles[name]
		if !ok {
			return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "profile %q not found in %s", name, cfg.Agent.ProfilesDir)
		}
		req = req.WithProfile(*p)
		if stream, _ := cmd.Flags().GetBool("stream"); stream {
			req.Mode = types.ExecutionModeStreaming
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Wire(ctx, cfg, c.dataDir(), c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")
	streamed := false
	if req.Mode == types.ExecutionModeStreaming && !asJSON {
		req.Stream = func(chunk string) {
			streamed = true
			_, _ = io.WriteString(out, chunk)
		}
	}

	res := app.Executor.Execute(ctx, req)

	switch {
	case asJSON:
		if err := printJSON(out, res); err != nil {
			return err
		}
	case streamed:
		_, _ = fmt.Fprintln(out)
	case res.Success:
		_, _ = fmt.Fprintln(out, res.Content)
	}

	if !res.Success {
		return sigilerr.Errorf(sigilerr.Code(res.ErrorCode), "run %s failed: %s", res.RunID, res.ErrorMessage)
	}
	return nil
}

func buildRunRequest(cmd *cobra.Command, prompt string) (agent.ExecutionRequest, error) {
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "cli"
	}
	session, _ := cmd.Flags().GetString("session")
	channel, _ := cmd.Flags().GetString("channel")
	system, _ := cmd.Flags().GetString("system")
	maxCalls, _ := cmd.Flags().GetInt("max-tool-calls")
	stream, _ := cmd.Flags().GetBool("stream")

	req := agent.ExecutionRequest{
		SystemPrompt: system,
		UserPrompt:   prompt,
		UserID:       user,
		SessionID:    session,
		ChannelID:    channel,
		MaxToolCalls: maxCalls,
	}

	if raw, _ := cmd.Flags().GetString("mode"); raw != "" {
		mode, err := types.ParseExecutionMode(raw)
		if err != nil {
			return req, sigilerr.Wrap(err, sigilerr.CodeCLIInputInvalid, "--mode")
		}
		req.Mode = mode
	}
	if stream {
		req.Mode = types.ExecutionModeStreaming
	}
	return req, nil
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	var prompt string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return "", sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "reading prompt from stdin: %w", err)
		}
		prompt = string(data)
	} else {
		prompt = strings.Join(args, " ")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", sigilerr.New(sigilerr.CodeCLIInputInvalid, "prompt must not be empty")
	}
	return prompt, nil
}
