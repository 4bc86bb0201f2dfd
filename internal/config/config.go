// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sigil-dev/agentexec/internal/admission"
	"github.com/sigil-dev/agentexec/internal/agent"
	"github.com/sigil-dev/agentexec/internal/resilience/breaker"
	"github.com/sigil-dev/agentexec/internal/resilience/retry"
	"github.com/sigil-dev/agentexec/internal/secrets"
	"github.com/sigil-dev/agentexec/internal/store"
	"github.com/sigil-dev/agentexec/internal/telemetry"
	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
	"github.com/sigil-dev/agentexec/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g.
// AGENTEXEC_ADMISSION_MAX_CONCURRENT.
const EnvPrefix = "AGENTEXEC"

// Rate limiter backends.
const (
	RateLimitNone   = "none"
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Approval backends.
const (
	ApprovalMemory = "memory"
	ApprovalSQLite = "sqlite"
)

// Config is the top-level agentexec configuration.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Admission admission.Config          `mapstructure:"admission"`
	Guard     GuardConfig               `mapstructure:"guard"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Retry     retry.Config              `mapstructure:"retry"`
	Fallback  FallbackConfig            `mapstructure:"fallback"`
	Approval  ApprovalConfig            `mapstructure:"approval"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Storage   store.StorageConfig       `mapstructure:"storage"`
	Policy    PolicyConfig              `mapstructure:"policy"`
	Telemetry telemetry.Config          `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// ApprovalToken, when set, is required as a bearer token on approval
	// and breaker mutation routes.
	ApprovalToken string `mapstructure:"approval_token"`
	// RequestsPerMinute caps API requests per client IP. Zero disables it.
	RequestsPerMinute int `mapstructure:"rpm"`
}

// GuardConfig selects and tunes guard stages.
type GuardConfig struct {
	FailOnErrorDefault bool                        `mapstructure:"fail_on_error_default"`
	MaxPromptLength    int                         `mapstructure:"max_prompt_length"`
	MaxPromptTokens    int                         `mapstructure:"max_prompt_tokens"`
	RateLimit          RateLimitConfig             `mapstructure:"rate_limit"`
	Injection          InjectionConfig             `mapstructure:"injection"`
	Stages             map[string]GuardStageConfig `mapstructure:"stages"`
}

// RateLimitConfig picks the per-user rate limiter.
type RateLimitConfig struct {
	Backend           string        `mapstructure:"backend"`
	RequestsPerMinute int           `mapstructure:"rpm"`
	Burst             int           `mapstructure:"burst"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	Window            time.Duration `mapstructure:"window"`
	Prefix            string        `mapstructure:"prefix"`
}

// InjectionConfig toggles the prompt injection stage.
type InjectionConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// GuardStageConfig overrides the error policy of one stage.
type GuardStageConfig struct {
	FailOnError *bool `mapstructure:"fail_on_error"`
}

// BreakerConfig holds registry defaults plus per-name overrides.
type BreakerConfig struct {
	breaker.Config `mapstructure:",squash"`
	Overrides      map[string]breaker.Config `mapstructure:"overrides"`
}

// FallbackConfig lists replacement strategies in the order they are tried.
type FallbackConfig struct {
	// Models are "provider/model" references.
	Models      []string `mapstructure:"models"`
	StaticReply string   `mapstructure:"static_reply"`
}

// ApprovalConfig selects the approval coordinator.
type ApprovalConfig struct {
	Backend        string        `mapstructure:"backend"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// AgentConfig tunes the executor and names the primary model.
type AgentConfig struct {
	agent.ExecutorConfig `mapstructure:",squash"`
	// Model is a "provider/model" reference.
	Model       string `mapstructure:"model"`
	ProfilesDir string `mapstructure:"profiles_dir"`
}

// ProviderConfig holds credentials for one model provider. APIKey may be
// a keyring:// or env:// reference.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// PolicyConfig points at the optional policy file.
type PolicyConfig struct {
	Path            string        `mapstructure:"path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// KnownProviders are the provider names with a built-in adapter.
var KnownProviders = []string{"anthropic", "google", "ollama", "openai"}

// NeedsAPIKey reports whether provider name authenticates with an API key.
// Ollama serves local models without one.
func NeedsAPIKey(name string) bool {
	return name != "ollama"
}

// knownStages are the guard stage names accepted under guard.stages.
var knownStages = map[string]bool{
	"input_validation": true,
	"rate_limit":       true,
	"prompt_injection": true,
	"channel_policy":   true,
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	secrets secrets.Store
}

// WithSecretStore sets the store used for keyring:// references. The OS
// keyring is used by default.
func WithSecretStore(s secrets.Store) LoadOption {
	return func(o *loadOptions) { o.secrets = s }
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8088")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rpm", 0)

	v.SetDefault("admission.max_concurrent", 16)
	v.SetDefault("admission.mode", string(types.AdmissionModeQueued))
	v.SetDefault("admission.queue_timeout", 30*time.Second)

	v.SetDefault("guard.fail_on_error_default", true)
	v.SetDefault("guard.max_prompt_length", 32000)
	v.SetDefault("guard.max_prompt_tokens", 0)
	v.SetDefault("guard.rate_limit.backend", RateLimitMemory)
	v.SetDefault("guard.rate_limit.rpm", 60)
	v.SetDefault("guard.rate_limit.burst", 0)
	v.SetDefault("guard.rate_limit.redis_addr", "")
	v.SetDefault("guard.rate_limit.redis_password", "")
	v.SetDefault("guard.rate_limit.redis_db", 0)
	v.SetDefault("guard.rate_limit.window", time.Minute)
	v.SetDefault("guard.rate_limit.prefix", "agentexec:ratelimit")
	v.SetDefault("guard.injection.enabled", true)

	v.SetDefault("breaker.failure_threshold", breaker.DefaultFailureThreshold)
	v.SetDefault("breaker.reset_timeout", breaker.DefaultResetTimeout)
	v.SetDefault("breaker.half_open_max_calls", breaker.DefaultHalfOpenMaxCalls)

	rd := retry.DefaultConfig()
	v.SetDefault("retry.max_attempts", rd.MaxAttempts)
	v.SetDefault("retry.initial_delay", rd.InitialDelay)
	v.SetDefault("retry.multiplier", rd.Multiplier)
	v.SetDefault("retry.max_delay", rd.MaxDelay)

	v.SetDefault("fallback.models", []string{})
	v.SetDefault("fallback.static_reply", "")

	v.SetDefault("approval.backend", ApprovalMemory)
	v.SetDefault("approval.poll_interval", 500*time.Millisecond)
	v.SetDefault("approval.default_timeout", 5*time.Minute)

	v.SetDefault("agent.model", "anthropic/claude-sonnet-4-5")
	v.SetDefault("agent.max_tool_calls", 10)
	v.SetDefault("agent.tool_timeout", 30*time.Second)
	v.SetDefault("agent.model_timeout", 2*time.Minute)
	v.SetDefault("agent.history_limit", 50)
	v.SetDefault("agent.approval_timeout", 5*time.Minute)
	v.SetDefault("agent.react_directive", "")
	v.SetDefault("agent.profiles_dir", "")

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "agentexec.db")

	v.SetDefault("policy.path", "")
	v.SetDefault("policy.refresh_interval", 30*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "agentexec")
	v.SetDefault("telemetry.insecure", false)
}

// SetupEnv enables AGENTEXEC_ environment overrides on v.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from path (optional) with AGENTEXEC_ environment
// overrides, resolves secret references and validates the result.
func Load(path string, opts ...LoadOption) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}
	return FromViper(v, opts...)
}

// FromViper resolves secret references in v, then decodes and validates it.
func FromViper(v *viper.Viper, opts ...LoadOption) (*Config, error) {
	o := loadOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.secrets == nil {
		o.secrets = secrets.NewKeyringStore()
	}

	if errs := secrets.ResolveViper(v, o.secrets); len(errs) > 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "resolving secrets: %w", errors.Join(errs...))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors. It collects every
// problem instead of stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateAdmission()...)
	errs = append(errs, c.validateGuard()...)
	errs = append(errs, c.validateResilience()...)
	errs = append(errs, c.validateApproval()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateStorage()...)
	return errs
}

func invalid(format string, args ...any) error {
	return sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

// wrapInvalid re-codes a component validation error as a config error.
func wrapInvalid(section string, err error) error {
	return invalid("%s: %v", section, err)
}

func (c *Config) validateServer() []error {
	if c.Server.Listen == "" {
		return []error{invalid("server.listen must not be empty")}
	}
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return []error{invalid("server.listen must be a valid host:port address, got %q: %v", c.Server.Listen, err)}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return []error{invalid("server.listen port must be a number, got %q", portStr)}
	}
	if port < 1 || port > 65535 {
		return []error{invalid("server.listen port must be between 1 and 65535, got %d", port)}
	}
	if c.Server.RequestsPerMinute < 0 {
		return []error{invalid("server.rpm must not be negative, got %d", c.Server.RequestsPerMinute)}
	}
	return nil
}

func (c *Config) validateAdmission() []error {
	if err := c.Admission.Validate(); err != nil {
		return []error{wrapInvalid("admission", err)}
	}
	return nil
}

func (c *Config) validateGuard() []error {
	var errs []error
	g := c.Guard

	if g.MaxPromptLength < 0 {
		errs = append(errs, invalid("guard.max_prompt_length must not be negative, got %d", g.MaxPromptLength))
	}
	if g.MaxPromptTokens < 0 {
		errs = append(errs, invalid("guard.max_prompt_tokens must not be negative, got %d", g.MaxPromptTokens))
	}

	rl := g.RateLimit
	switch rl.Backend {
	case RateLimitNone:
	case RateLimitMemory, RateLimitRedis:
		if rl.RequestsPerMinute <= 0 {
			errs = append(errs, invalid("guard.rate_limit.rpm must be greater than 0, got %d", rl.RequestsPerMinute))
		}
		if rl.Burst < 0 {
			errs = append(errs, invalid("guard.rate_limit.burst must not be negative, got %d", rl.Burst))
		}
		if rl.Backend == RateLimitRedis {
			if rl.RedisAddr == "" {
				errs = append(errs, invalid("guard.rate_limit.redis_addr is required for the redis backend"))
			}
			if rl.Window <= 0 {
				errs = append(errs, invalid("guard.rate_limit.window must be positive, got %s", rl.Window))
			}
		}
	default:
		errs = append(errs, invalid("guard.rate_limit.backend must be one of [none, memory, redis], got %q", rl.Backend))
	}

	for name := range g.Stages {
		if !knownStages[name] {
			errs = append(errs, invalid("guard.stages: unknown stage %q", name))
		}
	}
	return errs
}

func (c *Config) validateResilience() []error {
	var errs []error
	if err := c.Breaker.Config.WithDefaults().Validate(); err != nil {
		errs = append(errs, wrapInvalid("breaker", err))
	}
	for name, o := range c.Breaker.Overrides {
		if o.FailureThreshold < 0 || o.ResetTimeout < 0 || o.HalfOpenMaxCalls < 0 {
			errs = append(errs, invalid("breaker.overrides.%s: values must not be negative", name))
		}
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, wrapInvalid("retry", err))
	}
	for i, ref := range c.Fallback.Models {
		errs = append(errs, c.validateModelRef("fallback.models["+strconv.Itoa(i)+"]", ref)...)
	}
	return errs
}

func (c *Config) validateApproval() []error {
	var errs []error
	switch c.Approval.Backend {
	case ApprovalMemory:
	case ApprovalSQLite:
		if c.Storage.Backend != "sqlite" {
			errs = append(errs, invalid("approval.backend sqlite requires storage.backend sqlite, got %q", c.Storage.Backend))
		}
		if c.Approval.PollInterval <= 0 {
			errs = append(errs, invalid("approval.poll_interval must be positive, got %s", c.Approval.PollInterval))
		}
	default:
		errs = append(errs, invalid("approval.backend must be one of [memory, sqlite], got %q", c.Approval.Backend))
	}
	if c.Approval.DefaultTimeout < 0 {
		errs = append(errs, invalid("approval.default_timeout must not be negative, got %s", c.Approval.DefaultTimeout))
	}
	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error
	a := c.Agent
	if a.MaxToolCalls <= 0 {
		errs = append(errs, invalid("agent.max_tool_calls must be greater than 0, got %d", a.MaxToolCalls))
	}
	if a.ToolTimeout <= 0 {
		errs = append(errs, invalid("agent.tool_timeout must be positive, got %s", a.ToolTimeout))
	}
	if a.ModelTimeout <= 0 {
		errs = append(errs, invalid("agent.model_timeout must be positive, got %s", a.ModelTimeout))
	}
	if a.HistoryLimit < 0 {
		errs = append(errs, invalid("agent.history_limit must not be negative, got %d", a.HistoryLimit))
	}
	errs = append(errs, c.validateModelRef("agent.model", a.Model)...)

	for name := range c.Providers {
		if !isKnownProvider(name) {
			errs = append(errs, invalid("providers: unknown provider %q, expected one of [%s]", name, strings.Join(KnownProviders, ", ")))
		}
	}
	return errs
}

// validateModelRef checks a "provider/model" reference. Providers are
// cross-checked only when a providers section exists.
func (c *Config) validateModelRef(key, ref string) []error {
	idx := strings.Index(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return []error{invalid("%s must be in \"provider/model\" format, got %q", key, ref)}
	}
	if c.Providers != nil {
		name := ref[:idx]
		if _, ok := c.Providers[name]; !ok {
			return []error{invalid("%s %q references provider %q which is not configured", key, ref, name)}
		}
	}
	return nil
}

func (c *Config) validateStorage() []error {
	switch c.Storage.Backend {
	case "memory":
		return nil
	case "sqlite":
		if c.Storage.Path == "" {
			return []error{invalid("storage.path is required for the sqlite backend")}
		}
		return nil
	default:
		return []error{invalid("storage.backend must be one of [memory, sqlite], got %q", c.Storage.Backend)}
	}
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}
