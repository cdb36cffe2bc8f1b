package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nrhchnd1412/agentcore/pkg/mcpgateway"
	"github.com/nrhchnd1412/agentcore/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	deltas []string
	resp   *LLMResponse
	err    error
}

type scriptedProvider struct {
	name  string
	steps []step

	mu       sync.Mutex
	requests []LLMRequest
	lastErr  error
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Stream(ctx context.Context, req LLMRequest, onDelta func(string) error) (*LLMResponse, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if i >= len(p.steps) {
		return nil, fmt.Errorf("unexpected call %d", i)
	}
	s := p.steps[i]
	for _, d := range s.deltas {
		if err := onDelta(d); err != nil {
			p.mu.Lock()
			p.lastErr = err
			p.mu.Unlock()
			return nil, err
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &LLMResponse{Content: strings.Join(s.deltas, "")}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type staticCreator map[string]StreamingProvider

func (c staticCreator) NewProvider(_ context.Context, profile AuthProfile) (StreamingProvider, error) {
	p, ok := c[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for %s", profile.ID)
	}
	return p, nil
}

type fakeTools struct {
	mu      sync.Mutex
	results map[string]string
	fail    map[string]error
	calls   []map[string]any
	closed  int
}

func (f *fakeTools) Tools() []mcpgateway.Tool {
	return []mcpgateway.Tool{{
		Name:        "lookup_order",
		Description: "Look up an order",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"order_id": map[string]any{"type": "string"}}},
	}}
}

func (f *fakeTools) Call(_ context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if err := f.fail[name]; err != nil {
		return "", err
	}
	return f.results[name], nil
}

func (f *fakeTools) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func collect(seq func(func(string, error) bool)) ([]string, error) {
	var chunks []string
	var last error
	for chunk, err := range seq {
		if err != nil {
			last = err
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, last
}

func newTestAgent(t *testing.T, cfg SupportConfig, profiles ...AuthProfile) *SupportAgent {
	t.Helper()
	if len(profiles) == 0 {
		profiles = []AuthProfile{{ID: "primary", Provider: "anthropic"}}
	}
	pool, err := NewProfilePool(profiles)
	require.NoError(t, err)

	if cfg.Config.Model == "" {
		cfg.Config = DefaultConfig()
	}
	cfg.Profiles = pool
	cfg.RetryBackoff = time.Millisecond
	cfg.Logger = zerolog.Nop()

	a, err := NewSupportAgent(context.Background(), cfg)
	require.NoError(t, err)
	return a
}

func TestNewSupportAgentValidation(t *testing.T) {
	_, err := NewSupportAgent(context.Background(), SupportConfig{Config: DefaultConfig()})
	assert.Error(t, err)

	pool, err := NewProfilePool([]AuthProfile{{ID: "p", Provider: "openai"}})
	require.NoError(t, err)
	_, err = NewSupportAgent(context.Background(), SupportConfig{Profiles: pool})
	assert.Error(t, err)
}

func TestStreamYieldsTextDeltas(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"Hel", "lo"}}}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}})

	chunks, err := collect(a.Stream(context.Background(), "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)

	history := a.History()
	require.Len(t, history, 2)
	assert.Equal(t, AgentMessage{Role: RoleUser, Content: "hi"}, history[0])
	assert.Equal(t, AgentMessage{Role: RoleAssistant, Content: "Hello"}, history[1])
}

func TestStreamEmptyInput(t *testing.T) {
	provider := &scriptedProvider{name: "fake"}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}})

	chunks, err := collect(a.Stream(context.Background(), "  "))
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, provider.calls())
}

func TestStreamSendsConfiguredRequest(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"ok"}}}}
	cfg := DefaultConfig()
	cfg.SystemPrompt = "be brief"
	a := newTestAgent(t, SupportConfig{Config: cfg, Providers: staticCreator{"primary": provider}},
		AuthProfile{ID: "primary", Provider: "anthropic", Model: "override-model"})

	_, err := collect(a.Stream(context.Background(), "hi"))
	require.NoError(t, err)

	req := provider.requests[0]
	assert.Equal(t, "override-model", req.Model)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Equal(t, cfg.MaxTokens, req.MaxTokens)
	assert.Empty(t, req.Tools)
}

func TestStreamRunsToolLoop(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{
		{
			deltas: []string{"Checking. "},
			resp: &LLMResponse{
				Content:   "Checking. ",
				ToolCalls: []ToolCall{{ID: "call-1", Name: "lookup_order", Parameters: map[string]any{"order_id": "42"}}},
			},
		},
		{deltas: []string{"It shipped."}},
	}}
	tools := &fakeTools{results: map[string]string{"lookup_order": "order 42 shipped"}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}, Tools: tools})

	chunks, err := collect(a.Stream(context.Background(), "where is 42?"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Checking. ", "It shipped."}, chunks)

	require.Len(t, tools.calls, 1)
	assert.Equal(t, "42", tools.calls[0]["order_id"])

	require.Equal(t, 2, provider.calls())
	first := provider.requests[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "lookup_order", first.Tools[0].Name)

	second := provider.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, RoleAssistant, second[1].Role)
	assert.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, AgentMessage{Role: RoleTool, Content: "order 42 shipped", ToolCallID: "call-1", ToolName: "lookup_order"}, second[2])
}

func TestStreamFeedsToolErrorsBack(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{
		{resp: &LLMResponse{ToolCalls: []ToolCall{{ID: "c", Name: "lookup_order"}}}},
		{deltas: []string{"Sorry."}},
	}}
	tools := &fakeTools{fail: map[string]error{"lookup_order": errors.New("gateway down")}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}, Tools: tools})

	chunks, err := collect(a.Stream(context.Background(), "where?"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Sorry."}, chunks)

	toolMsg := provider.requests[1].Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Equal(t, "gateway down", toolMsg.Content)
}

func TestStreamWithoutToolGateway(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{
		{resp: &LLMResponse{ToolCalls: []ToolCall{{ID: "c", Name: "refund"}}}},
		{deltas: []string{"done"}},
	}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}})

	_, err := collect(a.Stream(context.Background(), "refund me"))
	require.NoError(t, err)

	toolMsg := provider.requests[1].Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, "not available")
}

func TestStreamMaxTurns(t *testing.T) {
	loop := step{resp: &LLMResponse{ToolCalls: []ToolCall{{ID: "c", Name: "lookup_order"}}}}
	provider := &scriptedProvider{name: "fake", steps: []step{loop, loop}}
	cfg := DefaultConfig()
	cfg.MaxTurns = 2
	a := newTestAgent(t, SupportConfig{
		Config:    cfg,
		Providers: staticCreator{"primary": provider},
		Tools:     &fakeTools{results: map[string]string{"lookup_order": "x"}},
	})

	_, err := collect(a.Stream(context.Background(), "loop"))
	assert.ErrorIs(t, err, ErrMaxTurns)
	assert.Empty(t, a.History())
}

func TestFailoverBeforeFirstDelta(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", steps: []step{{err: errors.New("503 overloaded")}}}
	backup := &scriptedProvider{name: "openai", steps: []step{{deltas: []string{"from backup"}}}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	a := newTestAgent(t,
		SupportConfig{Config: cfg, Providers: staticCreator{"primary": primary, "backup": backup}},
		AuthProfile{ID: "backup", Provider: "openai", Priority: 2},
		AuthProfile{ID: "primary", Provider: "anthropic", Priority: 1},
	)

	chunks, err := collect(a.Stream(context.Background(), "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"from backup"}, chunks)
	assert.Equal(t, 1, primary.calls())

	available := a.profiles.Available()
	require.Len(t, available, 1)
	assert.Equal(t, "backup", available[0].ID)
}

func TestNoFailoverAfterFirstDelta(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", steps: []step{{deltas: []string{"Hal"}, err: errors.New("503 overloaded")}}}
	backup := &scriptedProvider{name: "openai", steps: []step{{deltas: []string{"unused"}}}}
	a := newTestAgent(t,
		SupportConfig{Providers: staticCreator{"primary": primary, "backup": backup}},
		AuthProfile{ID: "primary", Provider: "anthropic", Priority: 1},
		AuthProfile{ID: "backup", Provider: "openai", Priority: 2},
	)

	chunks, err := collect(a.Stream(context.Background(), "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, []string{"Hal"}, chunks)
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 0, backup.calls())
}

func TestNonRetryableErrorStopsFailover(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", steps: []step{{err: errors.New("invalid api key")}}}
	backup := &scriptedProvider{name: "openai", steps: []step{{deltas: []string{"unused"}}}}
	a := newTestAgent(t,
		SupportConfig{Providers: staticCreator{"primary": primary, "backup": backup}},
		AuthProfile{ID: "primary", Provider: "anthropic", Priority: 1},
		AuthProfile{ID: "backup", Provider: "openai", Priority: 2},
	)

	_, err := collect(a.Stream(context.Background(), "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 0, backup.calls())
}

func TestRetryOnSameProfile(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{
		{err: errors.New("429 rate limit")},
		{deltas: []string{"ok"}},
	}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}})

	chunks, err := collect(a.Stream(context.Background(), "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, chunks)
	assert.Equal(t, 2, provider.calls())
}

func TestAllProfilesCoolingDown(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{{err: errors.New("503")}}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	a := newTestAgent(t, SupportConfig{Config: cfg, Providers: staticCreator{"primary": provider}})

	_, err := collect(a.Stream(context.Background(), "hi"))
	require.Error(t, err)

	_, err = collect(a.Stream(context.Background(), "hi again"))
	assert.ErrorIs(t, err, ErrNoProfiles)
}

func TestStreamStopsWhenConsumerBreaks(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"a", "b", "c"}}}}
	hooks := &recordingHooks{}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}, Hooks: hooks})

	var got []string
	for chunk, err := range a.Stream(context.Background(), "hi") {
		require.NoError(t, err)
		got = append(got, chunk)
		break
	}

	assert.Equal(t, []string{"a"}, got)
	assert.ErrorIs(t, provider.lastErr, errStopped)
	assert.Empty(t, a.History())
	assert.Empty(t, hooks.turns)
}

func TestStreamRejectsConcurrentUse(t *testing.T) {
	provider := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"a"}}}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}})

	var nestedErr error
	for range a.Stream(context.Background(), "first") {
		_, nestedErr = collect(a.Stream(context.Background(), "second"))
	}
	assert.ErrorIs(t, nestedErr, ErrBusy)
}

func TestCloseClosesToolGateway(t *testing.T) {
	tools := &fakeTools{}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{}, Tools: tools})

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, tools.closed)

	_, err := collect(a.Stream(context.Background(), "hi"))
	assert.Error(t, err)
}

type recordingHooks struct {
	history []AgentMessage
	turns   [][2]string
}

func (h *recordingHooks) LoadHistory(context.Context, HookContext) ([]AgentMessage, error) {
	return h.history, nil
}

func (h *recordingHooks) RecordTurn(_ context.Context, _ HookContext, prompt, reply string) error {
	h.turns = append(h.turns, [2]string{prompt, reply})
	return nil
}

func TestHooksReplayAndRecord(t *testing.T) {
	hooks := &recordingHooks{history: []AgentMessage{
		{Role: RoleUser, Content: "earlier"},
		{Role: RoleAssistant, Content: "reply"},
	}}
	provider := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"now"}}}}
	a := newTestAgent(t, SupportConfig{Providers: staticCreator{"primary": provider}, Hooks: hooks})

	_, err := collect(a.Stream(context.Background(), "again"))
	require.NoError(t, err)

	msgs := provider.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "earlier", msgs[0].Content)
	assert.Equal(t, "again", msgs[2].Content)
	assert.Equal(t, [][2]string{{"again", "now"}}, hooks.turns)
}

func TestTranscriptHooksRoundTrip(t *testing.T) {
	store, err := transcript.New(transcript.Config{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	hooks, err := NewTranscriptHooks(store, 10)
	require.NoError(t, err)

	first := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"Hello"}}}}
	a := newTestAgent(t, SupportConfig{
		Providers: staticCreator{"primary": first},
		Hooks:     hooks,
		ActorID:   "actor-1",
		SessionID: "sess-1",
	})
	_, err = collect(a.Stream(context.Background(), "hi"))
	require.NoError(t, err)

	second := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"Again"}}}}
	b := newTestAgent(t, SupportConfig{
		Providers: staticCreator{"primary": second},
		Hooks:     hooks,
		ActorID:   "actor-1",
		SessionID: "sess-1",
	})
	assert.Equal(t, []AgentMessage{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "Hello"},
	}, b.History())

	entries, err := store.Load(context.Background(), transcript.Key("actor-1", "sess-1"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "actor-1", entries[0].ActorID)

	_, err = NewTranscriptHooks(nil, 0)
	assert.Error(t, err)
}

func TestTrimHistory(t *testing.T) {
	msgs := []AgentMessage{
		{Role: RoleUser, Content: "1"},
		{Role: RoleAssistant, Content: "2"},
		{Role: RoleUser, Content: "3"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c"}}},
		{Role: RoleTool, ToolCallID: "c", Content: "r"},
		{Role: RoleAssistant, Content: "4"},
	}

	assert.Len(t, trimHistory(msgs, 0), 6)
	assert.Len(t, trimHistory(msgs, 10), 6)

	kept := trimHistory(msgs, 3)
	require.NotEmpty(t, kept)
	assert.Equal(t, RoleUser, kept[0].Role)
	assert.Equal(t, "3", kept[0].Content)
	assert.Len(t, kept, 4)

	kept = trimHistory(msgs, 5)
	assert.Equal(t, "3", kept[0].Content)
}
