// Package relay provides the single-producer single-consumer handoff between a
// response producer and the transport streaming the response out.
//
// Invariants:
// - Chunks are delivered in the order they were enqueued.
// - Every chunk enqueued before completion is delivered before the sequence ends.
// - Completion is idempotent; enqueue after completion fails with ErrAlreadyClosed.
// - A relay is consumed at most once.
// - After Discard, enqueued chunks are dropped until completion.
//
// Usage:
//
//	r := relay.New(relay.WithCapacity(64))
//	go func() {
//		defer r.SignalComplete()
//		_ = r.Enqueue(ctx, "hello")
//	}()
//	for chunk := range r.Consume(ctx) {
//		fmt.Print(chunk)
//	}
package relay
