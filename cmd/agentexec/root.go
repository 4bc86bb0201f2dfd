// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigil-dev/agentexec/internal/config"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

// cli carries state shared by subcommands of one root command.
type cli struct {
	v      *viper.Viper
	logger *slog.Logger
}

// NewRootCmd creates the root agentexec command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	c := &cli{
		v:      viper.New(),
		logger: slog.Default(),
	}

	root := &cobra.Command{
		Use:           "agentexec",
		Short:         "agentexec: AI agent execution orchestrator",
		Long:          "agentexec runs agent requests behind admission control, guards, circuit breakers, retries, fallbacks and human approval.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.initLogger(cmd); err != nil {
				return err
			}
			return c.initViper(cmd)
		},
	}

	// Global flags; these map to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
	root.PersistentFlags().String("log-format", "text", "log format: text, json or pretty")

	root.AddCommand(
		newInitCmd(c),
		newStartCmd(c),
		newRunCmd(c),
		newApprovalsCmd(c),
		newBreakersCmd(c),
		newStatusCmd(c),
		newSecretCmd(c),
		newVersionCmd(),
	)

	return root
}

// initLogger installs the process-wide slog handler on stderr.
func (c *cli) initLogger(cmd *cobra.Command) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	format, _ := cmd.Flags().GetString("log-format")

	logger, err := newLogger(cmd.ErrOrStderr(), format, verbose)
	if err != nil {
		return err
	}
	c.logger = logger
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "pretty":
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isTerminal(f)
		}
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    noColor,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if err, ok := a.Value.Any().(error); ok && err != nil {
					return tint.Attr(9, a)
				}
				return a
			},
		})), nil
	default:
		return nil, sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "unknown log format %q (want text, json or pretty)", format)
	}
}

// initViper sets up defaults, env bindings, flag bindings, and optional
// config file so the standard precedence (flag > env > file > defaults)
// is handled uniformly.
func (c *cli) initViper(cmd *cobra.Command) error {
	v := c.v

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is omitted: with it, viper also tries the bare
		// name, which collides with an ./agentexec binary.
		v.SetConfigName("agentexec")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/agentexec")
		v.AddConfigPath("/etc/agentexec")
		// No config file is fine; parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
		}
	}

	if used := v.ConfigFileUsed(); used != "" && !config.CheckPermissions(used) {
		c.logger.Warn("config file is readable by other users", "path", used)
	}

	if err := v.BindPFlag("data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
	}
	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	return nil
}

// loadConfig decodes, resolves and validates the viper state.
func (c *cli) loadConfig() (*config.Config, error) {
	return config.FromViper(c.v, config.WithSecretStore(secretStoreFactory()))
}

// dataDir returns the data directory from flag/env or the default.
func (c *cli) dataDir() string {
	if dir := c.v.GetString("data_dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentexec"
	}
	return filepath.Join(home, ".local", "share", "agentexec")
}
