package orchestrator

import (
	"context"
	"iter"
)

// EventKind tags an Event.
type EventKind int

const (
	EventChunk EventKind = iota
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one step of a production run. Text is set for chunks and Err for
// errors. An error or end event is always the last one.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Streamer is the part of an agent handle the producer drives.
type Streamer interface {
	Stream(ctx context.Context, input string) iter.Seq2[string, error]
}

// events turns an agent stream into a tagged event sequence ending in
// exactly one error or end event.
func events(ctx context.Context, s Streamer, input string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for chunk, err := range s.Stream(ctx, input) {
			if err != nil {
				yield(Event{Kind: EventError, Err: err})
				return
			}
			if !yield(Event{Kind: EventChunk, Text: chunk}) {
				return
			}
		}
		yield(Event{Kind: EventEnd})
	}
}

// State is the position of a request in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateContextPrepared
	StateProducing
	StateStreaming
	StateDrained
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateContextPrepared:
		return "context_prepared"
	case StateProducing:
		return "producing"
	case StateStreaming:
		return "streaming"
	case StateDrained:
		return "drained"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}
