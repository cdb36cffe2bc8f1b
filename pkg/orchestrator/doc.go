// Package orchestrator serves one agent invocation end to end. For each
// request it prepares the session (credential, relay), runs the agent on the
// session's command queue lane and returns a Response that streams the relay
// and then joins the production task.
//
// Lifecycle of a request:
//
//	Idle -> ContextPrepared -> Producing || Streaming -> Drained -> Joined
//
// Invariants:
// - Preparation failures return *ConfigurationError; no relay is claimed and no task is started.
// - Requests in one session are produced one at a time, in arrival order.
// - A production failure reaches the client as a single "Error: ..." chunk
//   followed by the end of the stream, and is yielded again after the join.
// - The relay is always completed, whether the task ran, failed, panicked or was dropped.
//
// Usage:
//
//	orch, _ := orchestrator.New(orchestrator.Config{
//		Sessions:    session.NewStore(logger),
//		Credentials: provider,
//		Factory:     agent.NewFactory(factoryCfg),
//		Logger:      logger,
//	})
//	resp, err := orch.Invoke(ctx, orchestrator.Request{Prompt: "hi", SessionID: "s-1"})
//	if err != nil {
//		return err
//	}
//	for chunk, err := range resp.Chunks() {
//		...
//	}
package orchestrator
