package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the main agentcore configuration
type Config struct {
	Server       ServerConfig       `json:"server" mapstructure:"server"`
	Agent        AgentConfig        `json:"agent" mapstructure:"agent"`
	Credential   CredentialConfig   `json:"credential" mapstructure:"credential"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Session      SessionConfig      `json:"session" mapstructure:"session"`
	Relay        RelayConfig        `json:"relay" mapstructure:"relay"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host            string          `json:"host" mapstructure:"host"`
	Port            int             `json:"port" mapstructure:"port"`
	SharedSecret    string          `json:"shared_secret" mapstructure:"shared_secret"`
	ShutdownTimeout time.Duration   `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig bounds each actor. Negative values disable a limit.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int `json:"burst" mapstructure:"burst"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// AgentConfig configures the support agent and its model providers.
type AgentConfig struct {
	Model        string          `json:"model" mapstructure:"model"`
	Temperature  float64         `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int             `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string          `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTurns     int             `json:"max_turns" mapstructure:"max_turns"`
	MaxRetries   int             `json:"max_retries" mapstructure:"max_retries"`
	HistoryLimit int             `json:"history_limit" mapstructure:"history_limit"`
	Profiles     []ProfileConfig `json:"profiles" mapstructure:"profiles"`
}

// ProfileConfig represents an AI provider profile
type ProfileConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// Credential modes.
const (
	CredentialStatic            = "static"
	CredentialClientCredentials = "client_credentials"
)

// CredentialConfig selects how the tool gateway bearer token is obtained.
type CredentialConfig struct {
	Mode         string        `json:"mode" mapstructure:"mode"` // static, client_credentials
	Token        string        `json:"token,omitempty" mapstructure:"token"`
	TokenURL     string        `json:"token_url,omitempty" mapstructure:"token_url"`
	ClientID     string        `json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string        `json:"client_secret,omitempty" mapstructure:"client_secret"`
	Scopes       []string      `json:"scopes,omitempty" mapstructure:"scopes"`
	Audience     string        `json:"audience,omitempty" mapstructure:"audience"`
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
	Backoff      time.Duration `json:"backoff" mapstructure:"backoff"`
}

// GatewayConfig points at the MCP tool gateway. An empty URL runs the agent
// without tools.
type GatewayConfig struct {
	URL     string        `json:"url" mapstructure:"url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Tools   []string      `json:"tools,omitempty" mapstructure:"tools"`
}

// SessionConfig holds session lifetime and transcript settings.
type SessionConfig struct {
	IdleTTL              time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	SweepSchedule        string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	TranscriptDir        string        `json:"transcript_dir" mapstructure:"transcript_dir"`
	TranscriptMaxEntries int           `json:"transcript_max_entries" mapstructure:"transcript_max_entries"`
}

// RelayConfig bounds each response relay. Zero means unbounded.
type RelayConfig struct {
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// OrchestratorConfig holds per-request behaviour.
type OrchestratorConfig struct {
	CancelOnDisconnect bool          `json:"cancel_on_disconnect" mapstructure:"cancel_on_disconnect"`
	CredentialSkew     time.Duration `json:"credential_skew" mapstructure:"credential_skew"`
	QueueWarnAfter     time.Duration `json:"queue_warn_after" mapstructure:"queue_warn_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				Burst:             10,
				MaxConcurrent:     10,
			},
		},
		Agent: AgentConfig{
			Model:        "claude-3-5-sonnet-20241022",
			Temperature:  0.7,
			MaxTokens:    4096,
			SystemPrompt: "You are a helpful customer support assistant. Use the available tools to look up facts before answering.",
			MaxTurns:     10,
			MaxRetries:   3,
			HistoryLimit: 20,
			Profiles:     []ProfileConfig{},
		},
		Credential: CredentialConfig{
			Mode:        CredentialStatic,
			MaxAttempts: 3,
			Backoff:     time.Second,
		},
		Gateway: GatewayConfig{
			Timeout: 60 * time.Second,
		},
		Session: SessionConfig{
			IdleTTL:              30 * time.Minute,
			SweepSchedule:        "@every 1m",
			TranscriptMaxEntries: 200,
		},
		Relay: RelayConfig{
			Capacity: 256,
		},
		Orchestrator: OrchestratorConfig{
			CancelOnDisconnect: true,
			CredentialSkew:     30 * time.Second,
			QueueWarnAfter:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Tracing: TracingConfig{
			ServiceName: "agentcore",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Server.SharedSecret = mask(c.Server.SharedSecret)
	masked.Credential.Token = mask(c.Credential.Token)
	masked.Credential.ClientSecret = mask(c.Credential.ClientSecret)
	masked.Agent.Profiles = make([]ProfileConfig, len(c.Agent.Profiles))
	for i, p := range c.Agent.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.Agent.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

var validProviders = []string{"anthropic", "openai", "gemini"}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Agent.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one agent profile is required")
	}
	seen := make(map[string]bool, len(c.Agent.Profiles))
	for i, profile := range c.Agent.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("agent profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("agent profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Provider == "" {
			return fmt.Errorf("agent profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("agent profile %s: api_key is required", profile.ID)
		}
		if !contains(validProviders, profile.Provider) {
			return fmt.Errorf("agent profile %s: invalid provider %s (must be: %s)", profile.ID, profile.Provider, strings.Join(validProviders, ", "))
		}
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}

	switch c.Credential.Mode {
	case CredentialStatic:
		if c.Credential.Token == "" {
			return fmt.Errorf("credential token is required in static mode")
		}
	case CredentialClientCredentials:
		if c.Credential.TokenURL == "" || c.Credential.ClientID == "" || c.Credential.ClientSecret == "" {
			return fmt.Errorf("client_credentials mode requires token_url, client_id and client_secret")
		}
	default:
		return fmt.Errorf("invalid credential mode: %s", c.Credential.Mode)
	}

	if c.Relay.Capacity < 0 {
		return fmt.Errorf("relay capacity must be >= 0")
	}
	if c.Session.IdleTTL < 0 {
		return fmt.Errorf("session idle_ttl must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
