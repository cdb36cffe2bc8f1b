package relay

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/nrhchnd1412/agentcore/internal/observability"
)

// ErrAlreadyClosed is returned when a chunk is enqueued after completion.
var ErrAlreadyClosed = errors.New("relay: already closed")

// Option configures a Relay.
type Option func(*Relay)

// WithCapacity bounds the number of buffered chunks. Producers block once the
// buffer is full. Zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(r *Relay) {
		r.capacity = n
	}
}

// WithID tags the relay for logging.
func WithID(id string) Option {
	return func(r *Relay) {
		r.id = id
	}
}

// Relay buffers chunks from one producer for one consumer.
type Relay struct {
	id       string
	capacity int

	mu      sync.Mutex
	buf     []string
	closed  bool
	err     error
	written bool
	discard bool

	consumed atomic.Bool

	data  chan struct{}
	space chan struct{}
	done  chan struct{}
}

// New creates an open, empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		data:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	observability.RelayOpened()
	return r
}

// ID returns the identifier given via WithID.
func (r *Relay) ID() string {
	return r.id
}

// Enqueue appends a chunk and wakes the consumer. When the relay is bounded
// and full it blocks until the consumer makes room, the relay completes, or
// ctx is done.
func (r *Relay) Enqueue(ctx context.Context, chunk string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrAlreadyClosed
		}
		if r.discard {
			r.mu.Unlock()
			return nil
		}
		if r.capacity <= 0 || len(r.buf) < r.capacity {
			r.buf = append(r.buf, chunk)
			r.written = true
			room := r.capacity > 0 && len(r.buf) < r.capacity
			r.mu.Unlock()

			signal(r.data)
			if room {
				signal(r.space)
			}
			observability.RecordRelayChunk()
			return nil
		}
		r.mu.Unlock()

		observability.RecordRelayBackpressure()
		select {
		case <-r.space:
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SignalComplete marks the end of the stream. Calling it more than once is a
// no-op.
func (r *Relay) SignalComplete() {
	r.finish(nil)
}

// Abort completes the relay and records err as the reason. Chunks already
// buffered are still delivered.
func (r *Relay) Abort(err error) {
	r.finish(err)
}

// Discard drops buffered chunks and makes later Enqueue calls succeed
// without buffering. It is used once the consumer has gone away but the
// producer is left to run to completion.
func (r *Relay) Discard() {
	r.mu.Lock()
	r.discard = true
	r.buf = nil
	r.mu.Unlock()

	signal(r.space)
}

func (r *Relay) finish(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	r.mu.Unlock()

	close(r.done)
	observability.RelayClosed()
}

// Consume returns the chunk sequence. The sequence ends once the relay is
// complete and drained, or when ctx is done. Only the first traversal of the
// first Consume call yields chunks.
func (r *Relay) Consume(ctx context.Context) iter.Seq[string] {
	if ctx == nil {
		ctx = context.Background()
	}

	return func(yield func(string) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			return
		}

		for {
			chunk, ok, open := r.next()
			if ok {
				if !yield(chunk) {
					return
				}
				continue
			}
			if !open {
				return
			}

			select {
			case <-r.data:
			case <-r.done:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Relay) next() (chunk string, ok bool, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) > 0 {
		chunk = r.buf[0]
		r.buf[0] = ""
		r.buf = r.buf[1:]
		if r.capacity > 0 {
			signal(r.space)
		}
		return chunk, true, true
	}
	return "", false, !r.closed
}

// Done is closed once the relay completes.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Closed reports whether SignalComplete or Abort has been called.
func (r *Relay) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Err returns the error passed to Abort, if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Len returns the number of buffered chunks.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Consumed reports whether a consumer has started reading.
func (r *Relay) Consumed() bool {
	return r.consumed.Load()
}

// Idle reports whether the relay has seen no chunk, no completion and no
// consumer. An idle relay may be handed to the next invocation.
func (r *Relay) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.written && !r.closed && !r.consumed.Load()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
