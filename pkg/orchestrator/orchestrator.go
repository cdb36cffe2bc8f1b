package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/nrhchnd1412/agentcore/pkg/agent"
	"github.com/nrhchnd1412/agentcore/pkg/commandqueue"
	"github.com/nrhchnd1412/agentcore/pkg/credential"
	"github.com/nrhchnd1412/agentcore/pkg/relay"
	"github.com/nrhchnd1412/agentcore/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCredentialSkew is how long before expiry a cached credential is
// replaced.
const DefaultCredentialSkew = 30 * time.Second

const lanePrefix = "session:"

// Config configures an Orchestrator.
type Config struct {
	Sessions    *session.Store
	Credentials credential.Provider
	Factory     agent.Factory
	// Queue runs production tasks. When nil the orchestrator creates and
	// owns one.
	Queue *commandqueue.Queue

	// RelayCapacity bounds each relay. Zero means unbounded.
	RelayCapacity int
	// DetachOnDisconnect lets production run to completion when the client
	// goes away. By default the producer is cancelled.
	DetachOnDisconnect bool
	CredentialSkew     time.Duration
	// WarnAfter logs requests that wait on a busy session longer than this.
	WarnAfter time.Duration

	Logger zerolog.Logger
}

// Request is one inbound user message.
type Request struct {
	Prompt    string
	ActorID   string
	SessionID string
}

// Orchestrator prepares session resources for each request, runs the agent
// in the background and hands back the relay-backed response stream.
type Orchestrator struct {
	sessions    *session.Store
	credentials credential.Provider
	factory     agent.Factory
	queue       *commandqueue.Queue
	ownsQueue   bool

	relayCapacity int
	detach        bool
	skew          time.Duration
	warnAfter     time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("agent factory is required")
	}
	if cfg.RelayCapacity < 0 {
		return nil, fmt.Errorf("relay capacity must be non-negative")
	}
	if cfg.CredentialSkew <= 0 {
		cfg.CredentialSkew = DefaultCredentialSkew
	}

	logger := cfg.Logger.With().Str("component", "orchestrator").Logger()
	o := &Orchestrator{
		sessions:      cfg.Sessions,
		credentials:   cfg.Credentials,
		factory:       cfg.Factory,
		queue:         cfg.Queue,
		relayCapacity: cfg.RelayCapacity,
		detach:        cfg.DetachOnDisconnect,
		skew:          cfg.CredentialSkew,
		warnAfter:     cfg.WarnAfter,
		logger:        logger,
		now:           time.Now,
	}
	if o.queue == nil {
		o.queue = commandqueue.New(commandqueue.Config{Logger: cfg.Logger})
		o.ownsQueue = true
	}
	return o, nil
}

// Invoke prepares the session for req, starts production on the session's
// lane and returns the response stream. Preparation failures are returned
// as *ConfigurationError before any relay or task exists.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := o.now()

	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.NewInvocationContext(ctx, req.SessionID, req.ActorID)
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.orchestrator",
		"orchestrator.invoke",
		attribute.String("session_id", req.SessionID),
		attribute.String("actor_id", req.ActorID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	fail := func(err error) (*Response, error) {
		tracing.FailSpan(span, err)
		observability.RecordInvocation("rejected", time.Since(start))
		logger.Warn().Err(err).Msg("Invocation rejected")
		return nil, err
	}

	if strings.TrimSpace(req.SessionID) == "" {
		return fail(&ConfigurationError{Field: "session_id", Err: session.ErrEmptySessionID})
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fail(&ConfigurationError{Field: "prompt", Err: ErrEmptyPrompt})
	}

	sc, err := o.sessions.Get(req.SessionID)
	if err != nil {
		return fail(&ConfigurationError{Field: "session_id", Err: err})
	}

	token, err := o.ensureCredential(ctx, sc)
	if err != nil {
		return fail(&ConfigurationError{Field: "credential", Err: err})
	}

	requestID := tracing.GetRequestID(ctx)
	rel, reused := sc.AcquireRelay(func() *relay.Relay {
		return relay.New(relay.WithCapacity(o.relayCapacity), relay.WithID(requestID))
	})

	resp := &Response{
		requestID: requestID,
		sessionID: req.SessionID,
		ctx:       ctx,
		relay:     rel,
		detach:    o.detach,
		start:     start,
		logger:    logger,
	}
	resp.state.Store(int32(StateContextPrepared))

	var prodCtx context.Context
	if o.detach {
		prodCtx, resp.cancel = context.WithCancel(tracing.Detach(ctx))
	} else {
		prodCtx, resp.cancel = context.WithCancel(ctx)
	}

	task := o.produce(sc, rel, resp, req, token)
	ticket, err := o.queue.Submit(prodCtx, lanePrefix+req.SessionID, task, &commandqueue.TaskOptions{
		WarnAfter: o.warnAfter,
	})
	if err != nil {
		resp.cancel()
		sc.ReleaseRelay(rel)
		tracing.FailSpan(span, err)
		observability.RecordInvocation("error", time.Since(start))
		return nil, fmt.Errorf("failed to start production: %w", err)
	}
	resp.ticket = ticket
	go resp.watch()

	logger.Debug().
		Str("relay_id", rel.ID()).
		Bool("relay_reused", reused).
		Str("task_id", ticket.ID()).
		Msg("Production started")
	return resp, nil
}

// ensureCredential returns the session credential, fetching a new one when
// the slot is empty or about to expire.
func (o *Orchestrator) ensureCredential(ctx context.Context, sc *session.Context) (string, error) {
	if token, ok := sc.Credential(); ok {
		if !credential.Expired(token, o.skew, o.now()) {
			return token, nil
		}
		sc.InvalidateCredential()
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Info().Msg("Cached credential expiring, refetching")
	}

	ctx, span := tracing.StartSpan(ctx, "agentcore.orchestrator", "orchestrator.fetch_credential")
	defer span.End()

	token, err := o.credentials.Fetch(ctx)
	if err == nil && token == "" {
		err = credential.ErrEmptyToken
	}
	observability.RecordCredentialFetch(err == nil)
	if err != nil {
		tracing.FailSpan(span, err)
		return "", err
	}
	return sc.SetCredential(token), nil
}

// produce builds the task that resolves the agent and drives it into rel.
// The relay is always completed when the task returns. A cached agent built
// with a credential other than token is rebuilt.
func (o *Orchestrator) produce(sc *session.Context, rel *relay.Relay, resp *Response, req Request, token string) commandqueue.Task {
	return func(ctx context.Context) (err error) {
		resp.started.Store(true)
		resp.state.CompareAndSwap(int32(StateContextPrepared), int32(StateProducing))
		logger := tracing.LoggerFromContext(ctx, o.logger)

		defer rel.SignalComplete()
		defer func() {
			if p := recover(); p != nil {
				err = &ProductionError{Err: fmt.Errorf("panic: %v", p)}
				logger.Error().Interface("panic", p).Msg("Production panicked")
				o.deliver(ctx, rel, Event{Kind: EventError, Err: err})
			}
		}()

		handle, err := sc.GetOrCreateAgentFor(ctx, token, func(bctx context.Context) (session.Agent, error) {
			h, err := o.factory(bctx, agent.Options{
				Credential: token,
				ActorID:    req.ActorID,
				SessionID:  req.SessionID,
			})
			if err != nil {
				return nil, err
			}
			return h, nil
		})
		if err != nil {
			buildErr := &ConstructionError{SessionID: req.SessionID, Err: err}
			logger.Error().Err(err).Msg("Agent construction failed")
			o.deliver(ctx, rel, Event{Kind: EventError, Err: buildErr})
			return buildErr
		}

		for ev := range events(ctx, handle, req.Prompt) {
			if err := o.deliver(ctx, rel, ev); err != nil {
				return err
			}
		}
		return nil
	}
}

// deliver folds ev into the relay. Error events become one text chunk and
// are returned as *ProductionError.
func (o *Orchestrator) deliver(ctx context.Context, rel *relay.Relay, ev Event) error {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	switch ev.Kind {
	case EventChunk:
		if err := rel.Enqueue(ctx, ev.Text); err != nil {
			if errors.Is(err, relay.ErrAlreadyClosed) {
				logger.Error().Str("relay_id", rel.ID()).Msg("Chunk produced after relay completion")
			}
			return &ProductionError{Err: err}
		}
		return nil
	case EventError:
		if err := rel.Enqueue(ctx, ErrorChunk(ev.Err)); err != nil {
			logger.Warn().Err(err).Msg("Failed to deliver error chunk")
		}
		var prodErr *ProductionError
		var buildErr *ConstructionError
		if errors.As(ev.Err, &prodErr) || errors.As(ev.Err, &buildErr) {
			return ev.Err
		}
		logger.Error().Err(ev.Err).Msg("Agent stream failed")
		return &ProductionError{Err: ev.Err}
	default:
		return nil
	}
}

// EndSession drops queued requests for sessionID and deletes the session.
// It reports whether the session existed.
func (o *Orchestrator) EndSession(sessionID string) bool {
	cleared := o.queue.ClearLane(lanePrefix + sessionID)
	ok := o.sessions.Delete(sessionID)
	o.logger.Info().
		Str("session_id", sessionID).
		Int("cleared", cleared).
		Bool("existed", ok).
		Msg("Session ended")
	return ok
}

// Close stops the command queue when the orchestrator created it.
func (o *Orchestrator) Close() error {
	if !o.ownsQueue {
		return nil
	}
	return o.queue.Close()
}
