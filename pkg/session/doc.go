// Package session keeps the per-session resources shared between the request
// path and the background production task: the cached agent handle, the auth
// credential and the active stream relay.
//
// Invariants:
// - A session constructs at most one agent handle at a time; concurrent callers share it.
// - A failed construction is never cached.
// - Slot reads and writes are safe under concurrent access.
// - Contexts with an in-flight relay are never evicted.
//
// Usage:
//
//	store := session.NewStore(logger)
//	sc, _ := store.Get("session-1")
//	handle, err := sc.GetOrCreateAgent(ctx, factory)
package session
