// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane start in submission order; at most the lane's
//   concurrency run at once (one for lanes created on demand).
// - Tasks in different lanes run independently.
// - A queued task whose context ends before it starts never runs.
// - Lanes created on demand are dropped once idle.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{})
//	defer queue.Close()
//	ticket, _ := queue.Submit(ctx, "session-abc", func(ctx context.Context) error {
//		return nil
//	}, nil)
//	err := ticket.Wait(ctx)
package commandqueue
