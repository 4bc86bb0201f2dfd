// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/approval"
	"github.com/sigil-dev/agentexec/internal/config"
	"github.com/sigil-dev/agentexec/internal/guard"
	"github.com/sigil-dev/agentexec/internal/metrics"
	"github.com/sigil-dev/agentexec/internal/policy"
	"github.com/sigil-dev/agentexec/internal/provider"
	anthropicprov "github.com/sigil-dev/agentexec/internal/provider/anthropic"
	googleprov "github.com/sigil-dev/agentexec/internal/provider/google"
	ollamaprov "github.com/sigil-dev/agentexec/internal/provider/ollama"
	openaiprov "github.com/sigil-dev/agentexec/internal/provider/openai"
	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	"github.com/sigil-dev/agentexec/internal/resilience/fallback"
	"github.com/sigil-dev/agentexec/internal/resilience/retry"
	"github.com/sigil-dev/agentexec/internal/server"
	"github.com/sigil-dev/agentexec/internal/store"
	_ "github.com/sigil-dev/agentexec/internal/store/sqlite" // register sqlite backend
	"github.com/sigil-dev/agentexec/internal/telemetry"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/health"
)

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Config    *config.Config
	Store     store.Store
	Policy    policy.Source
	Metrics   *metrics.Recorder
	Admission *admission.Controller
	Guard     *guard.Pipeline
	Breakers  *breaker.Registry
	Providers *provider.Registry
	Approvals approval.Coordinator
	Tools     *agent.ToolRegistry
	Executor  *agent.Executor

	// ServerLimiter limits API requests per client IP; nil when disabled.
	ServerLimiter guard.Limiter

	logger  *slog.Logger
	cancel  context.CancelFunc
	closers []func() error
}

// Wire creates all subsystems from cfg. The dataDir is the root directory
// for persistent state; relative storage and policy paths resolve
// against it.
func Wire(ctx context.Context, cfg *config.Config, dataDir string, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	bg, cancel := context.WithCancel(context.Background())
	app := &App{Config: cfg, logger: logger, cancel: cancel}

	// Release whatever was opened when a later step fails.
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	// 1. Tracing.
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}
	app.onClose(func() error { return shutdown(context.Background()) })

	// 2. Store (approvals, audit log, sessions).
	storeCfg := cfg.Storage
	if storeCfg.Path != "" && !filepath.IsAbs(storeCfg.Path) {
		storeCfg.Path = filepath.Join(dataDir, storeCfg.Path)
	}
	st, err := store.New(storeCfg)
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "opening %s store: %w", storeCfg.Backend, err)
	}
	app.Store = st
	app.onClose(st.Close)

	// 3. Policy.
	app.Policy, err = wirePolicy(bg, cfg.Policy, dataDir)
	if err != nil {
		return nil, err
	}

	// 4. Metrics and admission.
	app.Metrics = metrics.New()
	app.Admission, err = admission.New(cfg.Admission,
		admission.WithMetrics(app.Metrics),
		admission.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	// 5. Guard pipeline.
	if err := app.wireGuard(ctx, bg); err != nil {
		return nil, err
	}

	// 6. Resilience: breakers, retry and fallback.
	app.Breakers, err = breaker.NewRegistry(cfg.Breaker.Config,
		breaker.WithOverrides(breakerOverrides(app.Policy.Snapshot(), cfg.Breaker.Overrides)),
		breaker.WithRegistryStateChange(func(name string, from, to health.BreakerState) {
			app.Metrics.BreakerStateChanged(name, from, to)
		}),
		breaker.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	retrier, err := retry.New(cfg.Retry, retry.WithLogger(logger), retry.WithName("model"))
	if err != nil {
		return nil, err
	}

	app.Providers = provider.NewRegistry()
	app.onClose(app.Providers.Close)
	registerBuiltinProviders(cfg, app.Providers, logger)

	if err := app.Providers.SetDefault(cfg.Agent.Model); err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeOf(err), "agent model %s", cfg.Agent.Model)
	}
	model, err := app.Providers.Bind(cfg.Agent.Model)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeOf(err), "agent model %s", cfg.Agent.Model)
	}

	chain, err := wireFallback(cfg.Fallback, app.Providers, app.Metrics, logger)
	if err != nil {
		return nil, err
	}

	// 7. Approvals.
	app.Approvals, err = wireApprovals(cfg.Approval, st, app.Metrics, logger)
	if err != nil {
		return nil, err
	}

	// 8. Tools and executor.
	app.Tools = agent.NewToolRegistry()
	if err := registerBuiltinTools(app.Tools); err != nil {
		return nil, err
	}

	execCfg := cfg.Agent.ExecutorConfig
	if execCfg.ApprovalTimeout <= 0 {
		execCfg.ApprovalTimeout = cfg.Approval.DefaultTimeout
	}
	app.Executor, err = agent.NewExecutor(execCfg, agent.Deps{
		Admission: app.Admission,
		Guard:     app.Guard,
		Breakers:  app.Breakers,
		Retry:     retrier,
		Fallback:  chain,
		Model:     model,
		Tools:     app.Tools,
		Approvals: app.Approvals,
		Policy:    app.Policy,
		Sessions:  st.Sessions(),
		Audit:     st.Audit(),
		Metrics:   app.Metrics,
		Logger:    logger,
		Tracer:    telemetry.Tracer(),
	})
	if err != nil {
		return nil, err
	}

	// 9. Optional per-IP limiter for the HTTP API.
	if rpm := cfg.Server.RequestsPerMinute; rpm > 0 {
		lim, err := guard.NewTokenBucketLimiter(guard.TokenBucketConfig{RequestsPerMinute: rpm})
		if err != nil {
			return nil, err
		}
		go lim.Run(bg, 0)
		app.ServerLimiter = lim
	}

	logger.Info("agentexec wired",
		"model", cfg.Agent.Model,
		"providers", app.Providers.Names(),
		"guard_stages", app.Guard.Stages(),
		"fallbacks", chain.Names(),
		"approval_backend", cfg.Approval.Backend,
		"storage_backend", cfg.Storage.Backend,
	)
	return app, nil
}

// NewServer builds the HTTP server for the wired app.
func (a *App) NewServer() (*server.Server, error) {
	svc, err := server.NewServices(server.Services{
		Executor:  a.Executor,
		Approvals: a.Approvals,
		Breakers:  a.Breakers,
		Admission: a.Admission,
		Metrics:   a.Metrics,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		ListenAddr:    a.Config.Server.Listen,
		CORSOrigins:   a.Config.Server.CORSOrigins,
		ApprovalToken: a.Config.Server.ApprovalToken,
		RateLimiter:   a.ServerLimiter,
		Tracer:        telemetry.Tracer(),
	}, svc)
}

// Close stops background work and releases resources in reverse order
// of creation.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func wirePolicy(bg context.Context, cfg config.PolicyConfig, dataDir string) (policy.Source, error) {
	if cfg.Path == "" {
		return policy.NewStatic(policy.Empty()), nil
	}
	path := cfg.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}
	src, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}
	go src.Watch(bg, cfg.RefreshInterval)
	return src, nil
}

// wireGuard assembles the guard stages in order. Stage-level fail_on_error
// settings override the pipeline default.
func (a *App) wireGuard(ctx, bg context.Context) error {
	gc := a.Config.Guard
	stage := func(s guard.Stage) guard.StageConfig {
		sc := guard.StageConfig{Stage: s}
		if o, ok := gc.Stages[s.Name()]; ok {
			sc.FailOnError = o.FailOnError
		}
		return sc
	}

	input := &guard.InputValidationStage{MaxPromptLength: gc.MaxPromptLength, Policy: a.Policy}
	if gc.MaxPromptTokens > 0 {
		counter, err := guard.NewTiktokenCounter()
		if err != nil {
			return err
		}
		input.MaxPromptTokens = gc.MaxPromptTokens
		input.Tokens = counter
	}
	stages := []guard.StageConfig{stage(input)}

	limiter, err := a.wireRateLimiter(ctx, bg, gc.RateLimit)
	if err != nil {
		return err
	}
	if limiter != nil {
		stages = append(stages, stage(&guard.RateLimitStage{Limiter: limiter, Logger: a.logger}))
	}

	if gc.Injection.Enabled {
		inj, err := guard.NewPromptInjectionStage()
		if err != nil {
			return err
		}
		stages = append(stages, stage(inj))
	}

	stages = append(stages, stage(&guard.ChannelPolicyStage{Policy: a.Policy}))

	sink := guard.MultiSink{
		guard.LogSink{Logger: a.logger},
		guard.StoreSink{Store: a.Store.Audit()},
		guard.MetricsSink{Recorder: a.Metrics},
	}
	a.Guard, err = guard.NewPipeline(stages, sink,
		guard.WithLogger(a.logger),
		guard.WithFailOnErrorDefault(gc.FailOnErrorDefault),
	)
	return err
}

func (a *App) wireRateLimiter(ctx, bg context.Context, rl config.RateLimitConfig) (guard.Limiter, error) {
	switch rl.Backend {
	case config.RateLimitNone:
		return nil, nil
	case config.RateLimitRedis:
		lim, err := guard.NewRedisWindowLimiter(ctx, guard.RedisConfig{
			Addr:     rl.RedisAddr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
			Limit:    rl.RequestsPerMinute,
			Window:   rl.Window,
			Prefix:   rl.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(lim.Close)
		return lim, nil
	default:
		lim, err := guard.NewTokenBucketLimiter(guard.TokenBucketConfig{
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
		if err != nil {
			return nil, err
		}
		go lim.Run(bg, 0)
		return lim, nil
	}
}

// breakerOverrides merges policy-file breaker settings with config
// overrides; config wins on conflicts.
func breakerOverrides(snap *policy.Snapshot, fromConfig map[string]breaker.Config) map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(fromConfig))
	if snap != nil {
		maps.Copy(out, snap.Breakers)
	}
	maps.Copy(out, fromConfig)
	return out
}

func wireFallback(cfg config.FallbackConfig, reg *provider.Registry, rec *metrics.Recorder, logger *slog.Logger) (*fallback.Chain, error) {
	strategies := make([]fallback.Strategy, 0, len(cfg.Models)+1)
	for _, ref := range cfg.Models {
		m, err := reg.Bind(ref)
		if err != nil {
			return nil, sigilerr.Wrapf(err, sigilerr.CodeOf(err), "fallback model %s", ref)
		}
		strategies = append(strategies, fallback.NewAlternateModel(m))
	}
	if cfg.StaticReply != "" {
		strategies = append(strategies, fallback.StaticStrategy{Reply: cfg.StaticReply})
	}
	return fallback.New(strategies,
		fallback.WithLogger(logger),
		fallback.WithObserver(func(at fallback.Attempt) {
			rec.FallbackAttempt(at.Strategy, at.Model, at.Success)
		}),
	), nil
}

func wireApprovals(cfg config.ApprovalConfig, st store.Store, rec *metrics.Recorder, logger *slog.Logger) (approval.Coordinator, error) {
	opts := []approval.Option{
		approval.WithLogger(logger),
		approval.WithMetrics(rec),
		approval.WithNotifier(approval.NotifierFunc(func(ctx context.Context, req approval.Request) error {
			logger.InfoContext(ctx, "approval requested",
				"approval_id", req.ID,
				"run_id", req.RunID,
				"user_id", req.UserID,
				"tool", req.ToolName,
				"timeout", req.Timeout,
			)
			return nil
		})),
	}

	switch cfg.Backend {
	case config.ApprovalSQLite:
		return approval.NewDurableCoordinator(st.Approvals(), cfg.PollInterval, opts...)
	default:
		return approval.NewMemoryCoordinator(opts...), nil
	}
}

// providerFactory builds a provider.Model from a ProviderConfig.
type providerFactory func(config.ProviderConfig) (provider.Model, error)

// providerFactories maps provider names to their constructors.
// Declared as a variable so tests can inject fakes.
var providerFactories = map[string]providerFactory{
	"anthropic": func(pc config.ProviderConfig) (provider.Model, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	},
	"google": func(pc config.ProviderConfig) (provider.Model, error) {
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey})
	},
	"ollama": func(pc config.ProviderConfig) (provider.Model, error) {
		return ollamaprov.New(ollamaprov.Config{BaseURL: pc.BaseURL})
	},
	"openai": func(pc config.ProviderConfig) (provider.Model, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	},
}

// registerBuiltinProviders registers every configured provider that has a
// factory. Unknown names, missing API keys and construction failures are
// logged and skipped; a missing agent model provider fails later at Bind.
func registerBuiltinProviders(cfg *config.Config, reg *provider.Registry, logger *slog.Logger) {
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" && config.NeedsAPIKey(name) {
			logger.Warn("skipping provider with empty API key", "provider", name)
			continue
		}
		factory, ok := providerFactories[name]
		if !ok {
			logger.Warn("unknown provider in config, skipping", "provider", name)
			continue
		}
		m, err := factory(pc)
		if err != nil {
			logger.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		reg.Register(name, m)
		logger.Info("registered provider", "provider", name)
	}
}
