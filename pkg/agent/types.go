package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrEmptyInput is yielded by Stream for an empty prompt.
	ErrEmptyInput = errors.New("input is empty")
	// ErrBusy is yielded when a handle is already streaming.
	ErrBusy = errors.New("agent is already streaming")
	// ErrMaxTurns is yielded when the tool loop does not settle.
	ErrMaxTurns = errors.New("maximum tool execution turns exceeded")
	// ErrNoProfiles is returned when every auth profile is cooling down.
	ErrNoProfiles = errors.New("no auth profile available")
)

// AgentConfig configures agent behavior.
type AgentConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	// MaxTurns bounds model calls per Stream when tools are in play.
	MaxTurns   int `json:"max_turns,omitempty" mapstructure:"max_turns"`
	MaxRetries int `json:"max_retries,omitempty" mapstructure:"max_retries"`
	// HistoryLimit bounds the replayed and retained conversation.
	HistoryLimit int `json:"history_limit,omitempty" mapstructure:"history_limit"`
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:        "claude-3-5-sonnet-20241022",
		Temperature:  0.7,
		MaxTokens:    4096,
		MaxTurns:     10,
		MaxRetries:   3,
		HistoryLimit: 20,
	}
}

// Validate checks the configuration.
func (c AgentConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative")
	}
	if c.MaxTurns < 0 || c.MaxRetries < 0 || c.HistoryLimit < 0 {
		return fmt.Errorf("max turns, max retries and history limit must not be negative")
	}
	return nil
}

func (c AgentConfig) withDefaults() AgentConfig {
	d := DefaultConfig()
	if c.MaxTokens == 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

// ToolCall represents a tool invocation emitted by the model.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile is one set of provider credentials.
type AuthProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai", "gemini"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	// Model overrides AgentConfig.Model for this profile.
	Model         string `json:"model,omitempty" mapstructure:"model"`
	Priority      int    `json:"priority" mapstructure:"priority"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty" mapstructure:"-"`
	FailureCount  int    `json:"failure_count" mapstructure:"-"`
}

// AgentMessage is one message in the conversation.
type AgentMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Handle is a constructed agent. Stream yields text chunks and ends with a
// single ("", err) pair on failure.
type Handle interface {
	Stream(ctx context.Context, input string) iter.Seq2[string, error]
}

// Options carries the per-session inputs of agent construction.
type Options struct {
	Credential string
	ActorID    string
	SessionID  string
	// Hooks overrides the factory's hooks when set.
	Hooks Hooks
}

// Factory builds a Handle. It is invoked at most once per session.
type Factory func(ctx context.Context, opts Options) (Handle, error)

// IsRetryableError reports whether a provider error is worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
