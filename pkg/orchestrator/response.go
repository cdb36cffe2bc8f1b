package orchestrator

import (
	"context"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/pkg/commandqueue"
	"github.com/nrhchnd1412/agentcore/pkg/relay"
	"github.com/rs/zerolog"
)

// Response is the client side of one invocation.
type Response struct {
	requestID string
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	relay  *relay.Relay
	ticket *commandqueue.Ticket
	detach bool
	start  time.Time
	logger zerolog.Logger

	state    atomic.Int32
	started  atomic.Bool
	streamed atomic.Bool
}

// RequestID identifies the invocation. It doubles as the relay id.
func (r *Response) RequestID() string { return r.requestID }

// SessionID returns the session the invocation belongs to.
func (r *Response) SessionID() string { return r.sessionID }

// State returns the current lifecycle state.
func (r *Response) State() State { return State(r.state.Load()) }

// Chunks drains the relay in order and then waits for the production task.
// A task error is yielded last as ("", err), after the error chunk the
// producer already sent. Breaking out early or cancelling the request
// context stops the producer unless the orchestrator detaches on
// disconnect. Chunks may be traversed once.
func (r *Response) Chunks() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !r.streamed.CompareAndSwap(false, true) {
			yield("", ErrAlreadyStreamed)
			return
		}
		r.state.Store(int32(StateStreaming))

		first := true
		stopped := false
		for chunk := range r.relay.Consume(r.ctx) {
			if first {
				observability.RecordFirstChunk(time.Since(r.start))
				first = false
			}
			if !yield(chunk, nil) {
				stopped = true
				break
			}
		}
		r.state.Store(int32(StateDrained))

		abandoned := stopped || r.ctx.Err() != nil
		if abandoned && r.detach {
			r.relay.Discard()
			r.logger.Info().Msg("Client went away, production continues detached")
			observability.RecordInvocation("cancelled", time.Since(r.start))
			go r.joinDetached()
			return
		}
		if abandoned {
			r.cancel()
		}

		err := r.ticket.Wait(context.Background())
		r.cancel()
		r.state.Store(int32(StateJoined))

		switch {
		case abandoned:
			r.logger.Info().Err(err).Msg("Client went away, production cancelled")
			observability.RecordInvocation("cancelled", time.Since(r.start))
		case err != nil:
			observability.RecordInvocation("error", time.Since(r.start))
		default:
			observability.RecordInvocation("success", time.Since(r.start))
		}

		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// Collect drains the response into one string.
func (r *Response) Collect() (string, error) {
	var sb strings.Builder
	for chunk, err := range r.Chunks() {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

// Wait blocks until the production task has returned and reports its error.
func (r *Response) Wait(ctx context.Context) error {
	return r.ticket.Wait(ctx)
}

func (r *Response) joinDetached() {
	err := r.ticket.Wait(context.Background())
	r.cancel()
	r.state.Store(int32(StateJoined))
	if err != nil {
		r.logger.Warn().Err(err).Msg("Detached production failed")
	}
}

// watch completes the relay once the task is done. A task dropped before it
// ran never touched the relay, so its reason is sent as the error chunk.
func (r *Response) watch() {
	<-r.ticket.Done()
	if err := r.ticket.Err(); err != nil && !r.started.Load() {
		if qerr := r.relay.Enqueue(context.Background(), ErrorChunk(err)); qerr != nil {
			r.logger.Debug().Err(qerr).Msg("Relay closed before dropped task was reported")
		}
		r.logger.Warn().Err(err).Msg("Production task dropped before it ran")
	}
	r.relay.SignalComplete()
}
