// Package transcript persists agent conversation turns as JSONL files, one
// file per conversation key.
//
// Invariants:
// - Keys are validated and path-safe.
// - Writes for the same key are serialized.
// - Corrupt lines are skipped on load and dropped by Repair.
//
// Usage:
//
//	store, _ := transcript.New(transcript.Config{Dir: "/var/lib/agentcore/transcripts"})
//	key := transcript.Key("actor-1", "session-1")
//	_ = store.Append(ctx, key, transcript.Entry{Role: "user", Content: "hello"})
//	entries, _ := store.Load(ctx, key)
//	_ = entries
package transcript
