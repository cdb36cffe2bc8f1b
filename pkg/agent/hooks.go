package agent

import (
	"context"
	"fmt"

	"github.com/nrhchnd1412/agentcore/pkg/transcript"
)

// HookContext identifies whose conversation a hook call concerns.
type HookContext struct {
	ActorID   string
	SessionID string
}

// Hooks give an agent memory across handles.
type Hooks interface {
	// LoadHistory returns prior turns, oldest first, replayed into a new handle.
	LoadHistory(ctx context.Context, hc HookContext) ([]AgentMessage, error)
	// RecordTurn stores a completed exchange.
	RecordTurn(ctx context.Context, hc HookContext, prompt, reply string) error
}

// NopHooks remembers nothing.
type NopHooks struct{}

func (NopHooks) LoadHistory(context.Context, HookContext) ([]AgentMessage, error) { return nil, nil }
func (NopHooks) RecordTurn(context.Context, HookContext, string, string) error    { return nil }

// TranscriptHooks keeps conversation memory in a transcript store keyed by
// actor and session.
type TranscriptHooks struct {
	store *transcript.Store
	limit int
}

// NewTranscriptHooks replays at most limit entries. Zero replays everything.
func NewTranscriptHooks(store *transcript.Store, limit int) (*TranscriptHooks, error) {
	if store == nil {
		return nil, fmt.Errorf("transcript store is required")
	}
	return &TranscriptHooks{store: store, limit: limit}, nil
}

// LoadHistory loads the tail of the transcript.
func (h *TranscriptHooks) LoadHistory(ctx context.Context, hc HookContext) ([]AgentMessage, error) {
	entries, err := h.store.Tail(ctx, transcript.Key(hc.ActorID, hc.SessionID), h.limit)
	if err != nil {
		return nil, err
	}

	messages := make([]AgentMessage, 0, len(entries))
	for _, e := range entries {
		if e.Role != RoleUser && e.Role != RoleAssistant {
			continue
		}
		messages = append(messages, AgentMessage{Role: e.Role, Content: e.Content})
	}
	for len(messages) > 0 && messages[0].Role != RoleUser {
		messages = messages[1:]
	}
	return messages, nil
}

// RecordTurn appends the prompt and the reply.
func (h *TranscriptHooks) RecordTurn(ctx context.Context, hc HookContext, prompt, reply string) error {
	key := transcript.Key(hc.ActorID, hc.SessionID)
	if err := h.store.Append(ctx, key, transcript.Entry{Role: RoleUser, Content: prompt, ActorID: hc.ActorID}); err != nil {
		return fmt.Errorf("failed to record prompt: %w", err)
	}
	if reply == "" {
		return nil
	}
	if err := h.store.Append(ctx, key, transcript.Entry{Role: RoleAssistant, Content: reply, ActorID: hc.ActorID}); err != nil {
		return fmt.Errorf("failed to record reply: %w", err)
	}
	return nil
}
