// Package config provides configuration loading for crewd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. This package covers server, observability, storage, provider,
// session, budget, retry, and event settings.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete crewd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Storage       StorageConfig       `koanf:"storage"`
	Provider      ProviderConfig      `koanf:"provider"`
	Session       SessionConfig       `koanf:"session"`
	Budget        BudgetConfig        `koanf:"budget"`
	Retry         RetryConfig         `koanf:"retry"`
	Events        EventsConfig        `koanf:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// StorageConfig holds on-disk record locations.
type StorageConfig struct {
	// DataDir is the root for workflow, session, and template records.
	// Workflows live in <DataDir>/workflows, sessions in <DataDir>/sessions,
	// project templates in <DataDir>/templates.
	DataDir string `koanf:"data_dir"`
}

// ProviderConfig holds LLM provider configuration.
type ProviderConfig struct {
	// APIKey authenticates against the provider. Required unless a custom
	// provider is injected.
	APIKey Secret `koanf:"api_key"`

	// BaseURL overrides the provider endpoint (default: Anthropic API).
	BaseURL string `koanf:"base_url"`

	// Model is the default model for sessions that do not choose one.
	Model string `koanf:"model"`

	// RequestsPerSecond bounds outbound provider calls (default: 2).
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// Timeout is the per-request HTTP timeout (default: 120s).
	Timeout Duration `koanf:"timeout"`
}

// SessionConfig holds agent-loop limits.
type SessionConfig struct {
	// MaxIterations caps provider turns per session (default: 50).
	MaxIterations int `koanf:"max_iterations"`

	// MaxDepth caps nested child-session spawning (default: 2).
	MaxDepth int `koanf:"max_depth"`

	// ApprovalTimeout bounds the checkpoint approval wait (default: 5m).
	// A timed-out approval pauses the session, it does not fail it.
	ApprovalTimeout Duration `koanf:"approval_timeout"`

	// DryRun acknowledges allowed tool calls without executing them.
	DryRun bool `koanf:"dry_run"`
}

// BudgetConfig holds cost ceilings and the per-model rate table.
type BudgetConfig struct {
	// MaxTokens is the per-session token ceiling (0 = unlimited).
	MaxTokens int `koanf:"max_tokens"`

	// MaxCostUSD is the per-session spend ceiling (0 = unlimited).
	MaxCostUSD float64 `koanf:"max_cost_usd"`

	// Pricing maps model name to USD rates per million tokens.
	Pricing map[string]ModelRate `koanf:"pricing"`
}

// ModelRate prices one model in USD per million tokens.
type ModelRate struct {
	InputPerMTok  float64 `koanf:"input_per_mtok"`
	OutputPerMTok float64 `koanf:"output_per_mtok"`
}

// RetryConfig holds provider retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the first try
	// (default: 3).
	MaxRetries int `koanf:"max_retries"`

	// InitialBackoff is the first retry delay (default: 1s).
	InitialBackoff Duration `koanf:"initial_backoff"`

	// MaxBackoff caps the delay growth (default: 30s).
	MaxBackoff Duration `koanf:"max_backoff"`
}

// EventsConfig holds the hook event emitter configuration.
type EventsConfig struct {
	// NATSURL enables the NATS emitter when set; empty uses the
	// in-process bus.
	NATSURL string `koanf:"nats_url"`

	// Subject is the NATS subject prefix for workflow events.
	Subject string `koanf:"subject"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Service name is empty when telemetry is enabled
//   - Session or budget limits are negative
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Storage.DataDir == "" {
		return errors.New("storage data_dir is required")
	}

	if c.Session.MaxIterations < 1 {
		return fmt.Errorf("session max_iterations must be >= 1, got %d", c.Session.MaxIterations)
	}
	if c.Session.MaxDepth < 0 {
		return fmt.Errorf("session max_depth must be >= 0, got %d", c.Session.MaxDepth)
	}
	if c.Session.ApprovalTimeout.Duration() <= 0 {
		return errors.New("session approval_timeout must be positive")
	}

	if c.Budget.MaxTokens < 0 {
		return fmt.Errorf("budget max_tokens cannot be negative, got %d", c.Budget.MaxTokens)
	}
	if c.Budget.MaxCostUSD < 0 {
		return fmt.Errorf("budget max_cost_usd cannot be negative, got %f", c.Budget.MaxCostUSD)
	}
	for model, rate := range c.Budget.Pricing {
		if rate.InputPerMTok < 0 || rate.OutputPerMTok < 0 {
			return fmt.Errorf("pricing for model %q cannot be negative", model)
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries cannot be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.InitialBackoff.Duration() <= 0 {
		return errors.New("retry initial_backoff must be positive")
	}
	if c.Retry.MaxBackoff.Duration() < c.Retry.InitialBackoff.Duration() {
		return errors.New("retry max_backoff must be >= initial_backoff")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9290
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "crewd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.Provider.RequestsPerSecond == 0 {
		cfg.Provider.RequestsPerSecond = 2
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = Duration(120 * time.Second)
	}

	if cfg.Session.MaxIterations == 0 {
		cfg.Session.MaxIterations = 50
	}
	if cfg.Session.MaxDepth == 0 {
		cfg.Session.MaxDepth = 2
	}
	if cfg.Session.ApprovalTimeout == 0 {
		cfg.Session.ApprovalTimeout = Duration(5 * time.Minute)
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = Duration(30 * time.Second)
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "crewd.workflow"
	}
}
