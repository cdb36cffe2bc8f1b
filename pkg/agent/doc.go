// Package agent implements the streaming support agent behind a session's
// agent handle.
//
// Invariants:
// - Only text deltas reach the caller of Stream; tool traffic stays inside.
// - Auth profiles fail over by priority, and only before the first delta of
//   a turn has been emitted.
// - A handle drives one Stream at a time; conversation state lives on the
//   handle and is replayed from Hooks when the handle is built.
//
// Usage:
//
//	factory := agent.NewFactory(agent.FactoryConfig{Config: agent.DefaultConfig(), Profiles: profiles})
//	handle, _ := factory(ctx, agent.Options{Credential: token, SessionID: "s-1"})
//	for chunk, err := range handle.Stream(ctx, "where is my order?") {
//		_, _ = chunk, err
//	}
package agent
