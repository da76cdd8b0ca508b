package config

import (
	"fmt"
	"time"
)

// Config represents the main drover configuration
type Config struct {
	// Data directory (sqlite database, scratch space)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Run loop
	Run RunConfig `json:"run" mapstructure:"run"`

	// Sandbox
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Janitor
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ProvidersConfig holds API credentials per provider
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
	Default         string `json:"default" mapstructure:"default"` // anthropic, openai
}

// ModelsConfig selects models per role
type ModelsConfig struct {
	Primary     string  `json:"primary" mapstructure:"primary"`
	Triage      string  `json:"triage" mapstructure:"triage"`
	Steering    string  `json:"steering" mapstructure:"steering"`
	PostProcess string  `json:"post_process" mapstructure:"post_process"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// RunConfig bounds a single job run
type RunConfig struct {
	SystemPrompt      string        `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTurns          int           `json:"max_turns" mapstructure:"max_turns"`
	ToolOutputLimit   int           `json:"tool_output_limit" mapstructure:"tool_output_limit"`
	PausePollInterval time.Duration `json:"pause_poll_interval" mapstructure:"pause_poll_interval"`
	PostProcess       bool          `json:"post_process" mapstructure:"post_process"`
	RequireFinalReply bool          `json:"require_final_reply" mapstructure:"require_final_reply"`
	Triage            bool          `json:"triage" mapstructure:"triage"`
}

// SandboxConfig configures the local tool sandbox
type SandboxConfig struct {
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	ExecTimeout time.Duration `json:"exec_timeout" mapstructure:"exec_timeout"`
}

// JanitorConfig configures the stale-job sweeper
type JanitorConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Schedule     string        `json:"schedule" mapstructure:"schedule"`
	AbandonAfter time.Duration `json:"abandon_after" mapstructure:"abandon_after"`
}

// HooksConfig configures event hook scripts
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Scripts []HookScript `json:"scripts" mapstructure:"scripts"`
}

// HookScript is one configured script hook
type HookScript struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Models: ModelsConfig{
			Primary:     "claude-sonnet-4-20250514",
			Triage:      "claude-3-5-haiku-20241022",
			Steering:    "claude-3-5-haiku-20241022",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Run: RunConfig{
			SystemPrompt:      "You are drover, an autonomous software agent. Work the task to completion using the tools available, then report what you did.",
			MaxTurns:          150,
			ToolOutputLimit:   30000,
			PausePollInterval: time.Second,
			PostProcess:       true,
			Triage:            false,
		},
		Sandbox: SandboxConfig{
			ExecTimeout: 2 * time.Minute,
		},
		Janitor: JanitorConfig{
			Enabled:      true,
			Schedule:     "@every 5m",
			AbandonAfter: 2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Models.Primary == "" {
		return fmt.Errorf("models.primary is required")
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 1 {
		return fmt.Errorf("models.temperature must be between 0 and 1")
	}
	if c.Models.MaxTokens < 0 {
		return fmt.Errorf("models.max_tokens cannot be negative")
	}
	if c.Run.MaxTurns <= 0 {
		return fmt.Errorf("run.max_turns must be positive")
	}
	if c.Run.ToolOutputLimit <= 0 {
		return fmt.Errorf("run.tool_output_limit must be positive")
	}
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default must be anthropic or openai, got %q", c.Providers.Default)
	}
	return nil
}
