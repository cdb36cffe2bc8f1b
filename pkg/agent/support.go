package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/nrhchnd1412/agentcore/pkg/mcpgateway"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var errStopped = errors.New("consumer stopped reading")

// ToolGateway executes the tools a model may call.
type ToolGateway interface {
	Tools() []mcpgateway.Tool
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// SupportConfig configures a SupportAgent.
type SupportConfig struct {
	Config    AgentConfig
	Profiles  *ProfilePool
	Providers ProviderCreator
	// Tools is optional. When it implements io.Closer it is closed with the agent.
	Tools     ToolGateway
	Hooks     Hooks
	ActorID   string
	SessionID string
	// RetryBackoff is the first retry delay, doubled per attempt. Defaults to 1s.
	RetryBackoff time.Duration
	Logger       zerolog.Logger
}

// SupportAgent answers prompts by streaming from an LLM provider and running
// the tool calls it emits.
type SupportAgent struct {
	cfg          AgentConfig
	profiles     *ProfilePool
	providers    ProviderCreator
	tools        ToolGateway
	toolSpecs    []ToolSpec
	hooks        Hooks
	hc           HookContext
	retryBackoff time.Duration
	logger       zerolog.Logger

	clientsMu sync.Mutex
	clients   map[string]StreamingProvider

	busy    atomic.Bool
	history []AgentMessage
	closed  atomic.Bool
}

// NewSupportAgent builds the agent and replays its history from Hooks.
func NewSupportAgent(ctx context.Context, cfg SupportConfig) (*SupportAgent, error) {
	observability.EnsureRegistered()

	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("auth profiles are required")
	}
	providers := cfg.Providers
	if providers == nil {
		providers = &ProviderFactory{}
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	a := &SupportAgent{
		cfg:          cfg.Config.withDefaults(),
		profiles:     cfg.Profiles,
		providers:    providers,
		tools:        cfg.Tools,
		hooks:        hooks,
		hc:           HookContext{ActorID: cfg.ActorID, SessionID: cfg.SessionID},
		retryBackoff: backoff,
		logger: cfg.Logger.With().
			Str("component", "agent").
			Str("session_id", cfg.SessionID).
			Str("actor_id", cfg.ActorID).
			Logger(),
		clients: make(map[string]StreamingProvider),
	}

	if a.tools != nil {
		for _, t := range a.tools.Tools() {
			a.toolSpecs = append(a.toolSpecs, ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	history, err := hooks.LoadHistory(ctx, a.hc)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to load conversation history")
	} else {
		a.history = trimHistory(history, a.cfg.HistoryLimit)
	}

	a.logger.Debug().
		Int("tools", len(a.toolSpecs)).
		Int("history", len(a.history)).
		Msg("Support agent ready")
	return a, nil
}

// Stream answers input. Text deltas are yielded as they arrive; a failure
// ends the sequence with a single ("", err) pair. Tool calls are executed
// between model turns and never yielded.
func (a *SupportAgent) Stream(ctx context.Context, input string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if strings.TrimSpace(input) == "" {
			yield("", ErrEmptyInput)
			return
		}
		if a.closed.Load() {
			yield("", fmt.Errorf("agent is closed"))
			return
		}
		if !a.busy.CompareAndSwap(false, true) {
			yield("", ErrBusy)
			return
		}
		defer a.busy.Store(false)

		ctx, span := tracing.StartSpan(
			ctx,
			"agentcore.agent",
			"agent.stream",
			attribute.String("session_id", a.hc.SessionID),
			attribute.String("actor_id", a.hc.ActorID),
		)
		defer span.End()
		logger := tracing.LoggerFromContext(ctx, a.logger)

		messages := append(slices.Clone(a.history), AgentMessage{Role: RoleUser, Content: input})

		var reply strings.Builder
		stopped := false
		emit := func(delta string) error {
			reply.WriteString(delta)
			if !yield(delta, nil) {
				stopped = true
				return errStopped
			}
			return nil
		}

		for turn := 0; turn < a.cfg.MaxTurns; turn++ {
			resp, err := a.streamWithFailover(ctx, messages, emit)
			if stopped {
				logger.Debug().Int("turn", turn).Msg("Consumer stopped reading")
				return
			}
			if err != nil {
				tracing.FailSpan(span, err)
				logger.Error().Err(err).Int("turn", turn).Msg("Agent stream failed")
				yield("", err)
				return
			}

			if len(resp.ToolCalls) == 0 {
				messages = append(messages, AgentMessage{Role: RoleAssistant, Content: resp.Content})
				a.history = trimHistory(messages, a.cfg.HistoryLimit)
				span.SetAttributes(attribute.Int("turns", turn+1))

				if err := a.hooks.RecordTurn(ctx, a.hc, input, reply.String()); err != nil {
					logger.Warn().Err(err).Msg("Failed to record conversation turn")
				}
				return
			}

			messages = append(messages, AgentMessage{
				Role:      RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				messages = append(messages, a.runTool(ctx, call))
			}
		}

		tracing.FailSpan(span, ErrMaxTurns)
		yield("", ErrMaxTurns)
	}
}

// Close releases the tool gateway. Stream fails afterwards.
func (a *SupportAgent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if closer, ok := a.tools.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// History returns a copy of the retained conversation.
func (a *SupportAgent) History() []AgentMessage {
	return slices.Clone(a.history)
}

func (a *SupportAgent) streamWithFailover(ctx context.Context, messages []AgentMessage, emit func(string) error) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	profiles := a.profiles.Available()
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}

	var lastErr error
	for _, profile := range profiles {
		provider, err := a.provider(ctx, profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		emitted := false
		onDelta := func(delta string) error {
			emitted = true
			return emit(delta)
		}

		resp, err := a.callWithRetry(ctx, provider, profile, messages, onDelta, &emitted)
		if err == nil {
			a.profiles.MarkSuccess(profile.ID)
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return nil, err
		}

		a.profiles.MarkFailure(profile.ID)
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")

		// No failover once text has been emitted.
		if emitted || !IsRetryableError(err) {
			return nil, err
		}
	}

	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (a *SupportAgent) callWithRetry(
	ctx context.Context,
	provider StreamingProvider,
	profile AuthProfile,
	messages []AgentMessage,
	onDelta func(string) error,
	emitted *bool,
) (*LLMResponse, error) {
	model := a.cfg.Model
	if profile.Model != "" {
		model = profile.Model
	}
	request := LLMRequest{
		Model:        model,
		Messages:     messages,
		Tools:        a.toolSpecs,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
		SystemPrompt: a.cfg.SystemPrompt,
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		start := time.Now()
		resp, err := provider.Stream(ctx, request, onDelta)
		observability.RecordProviderStream(provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if *emitted || !IsRetryableError(err) {
			return nil, err
		}
		if attempt == a.cfg.MaxRetries-1 {
			break
		}

		delay := a.retryBackoff << attempt
		a.logger.Info().
			Str("profile_id", profile.ID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", a.cfg.MaxRetries, lastErr)
}

func (a *SupportAgent) provider(ctx context.Context, profile AuthProfile) (StreamingProvider, error) {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()

	if p, ok := a.clients[profile.ID]; ok {
		return p, nil
	}
	p, err := a.providers.NewProvider(ctx, profile)
	if err != nil {
		return nil, err
	}
	a.clients[profile.ID] = p
	return p, nil
}

func (a *SupportAgent) runTool(ctx context.Context, call ToolCall) AgentMessage {
	msg := AgentMessage{Role: RoleTool, ToolCallID: call.ID, ToolName: call.Name}
	if a.tools == nil {
		msg.Content = fmt.Sprintf("tool %s is not available", call.Name)
		msg.IsError = true
		return msg
	}

	out, err := a.tools.Call(ctx, call.Name, call.Parameters)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().
			Str("tool", call.Name).
			Err(err).
			Msg("Tool call failed")
		msg.Content = err.Error()
		msg.IsError = true
		return msg
	}
	if out == "" {
		out = "(no output)"
	}
	msg.Content = out
	return msg
}

// trimHistory keeps at most limit messages and starts the kept window at a
// user message so no tool result is separated from its call.
func trimHistory(messages []AgentMessage, limit int) []AgentMessage {
	if limit <= 0 || len(messages) <= limit {
		return slices.Clone(messages)
	}

	start := len(messages) - limit
	for start < len(messages) && messages[start].Role != RoleUser {
		start++
	}
	if start == len(messages) {
		start = len(messages) - 1
		for start > 0 && messages[start].Role != RoleUser {
			start--
		}
	}
	return slices.Clone(messages[start:])
}
