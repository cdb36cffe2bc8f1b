package agent

import (
	"context"
	"fmt"
)

// StreamingProvider is an LLM API that streams its reply.
type StreamingProvider interface {
	// Stream sends request and calls onDelta for every text delta in order.
	// An error from onDelta aborts the stream and is returned as is. The
	// returned response carries the full text and any tool calls.
	Stream(ctx context.Context, request LLMRequest, onDelta func(string) error) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// LLMRequest contains the request parameters for one model call.
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the accumulated reply of one model call.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(ctx context.Context, profile AuthProfile) (StreamingProvider, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a provider for profile.
func (f *ProviderFactory) NewProvider(ctx context.Context, profile AuthProfile) (StreamingProvider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("auth profile %s has no api key", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(ctx, profile.APIKey, profile.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

func schemaProperties(schema map[string]any) (any, []string) {
	props, ok := schema["properties"]
	if !ok {
		props = map[string]any{}
	}

	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}
