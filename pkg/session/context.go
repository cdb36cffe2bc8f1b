package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/pkg/relay"
	"golang.org/x/sync/singleflight"
)

// Agent is the cached, session-scoped handle that produces response chunks.
type Agent interface {
	Stream(ctx context.Context, input string) iter.Seq2[string, error]
}

// AgentFactory builds an agent handle for a session.
type AgentFactory func(ctx context.Context) (Agent, error)

// ErrNilAgent is returned when a factory reports success without a handle.
var ErrNilAgent = errors.New("agent factory returned a nil handle")

const agentFlightKey = "agent"

// Context holds the slots of a single session.
type Context struct {
	id        string
	createdAt time.Time
	lastUsed  atomic.Int64

	mu         sync.RWMutex
	agent      Agent
	credential string
	relay      *relay.Relay
	claimed    bool
	closed     bool

	// agentCredential is the credential the cached agent was built with.
	agentCredential string

	flight singleflight.Group
}

func newContext(id string) *Context {
	c := &Context{
		id:        id,
		createdAt: time.Now(),
	}
	c.Touch()
	return c
}

// ID returns the session identifier.
func (c *Context) ID() string {
	return c.id
}

// CreatedAt returns when the context was created.
func (c *Context) CreatedAt() time.Time {
	return c.createdAt
}

// Touch marks the context as used now.
func (c *Context) Touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns the last time the context was touched.
func (c *Context) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Agent returns the cached agent handle, if any.
func (c *Context) Agent() (Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agent, c.agent != nil
}

// GetOrCreateAgent returns the cached handle or constructs one with factory.
// Concurrent callers wait for the in-flight construction instead of starting
// their own. The construction itself is not cancelled when a waiting caller's
// ctx ends; that caller just stops waiting.
func (c *Context) GetOrCreateAgent(ctx context.Context, factory AgentFactory) (Agent, error) {
	if a, ok := c.Agent(); ok {
		return a, nil
	}
	return c.buildAgent(ctx, "", true, factory)
}

// GetOrCreateAgentFor is GetOrCreateAgent for a handle bound to credential.
// A cached handle built with a different credential is closed and rebuilt.
func (c *Context) GetOrCreateAgentFor(ctx context.Context, credential string, factory AgentFactory) (Agent, error) {
	c.mu.Lock()
	a, builtWith := c.agent, c.agentCredential
	if a != nil && builtWith != credential {
		c.agent = nil
		c.agentCredential = ""
	}
	c.mu.Unlock()

	if a != nil {
		if builtWith == credential {
			return a, nil
		}
		closeAgent(a)
	}
	return c.buildAgent(ctx, credential, false, factory)
}

// AgentCredential returns the credential the cached handle was built with.
func (c *Context) AgentCredential() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentCredential, c.agent != nil
}

// buildAgent runs factory once per credential across concurrent callers.
// anyCredential accepts a cached handle regardless of what it was built with.
func (c *Context) buildAgent(ctx context.Context, credential string, anyCredential bool, factory AgentFactory) (Agent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if factory == nil {
		return nil, fmt.Errorf("agent factory is required")
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(agentFlightKey+":"+credential, func() (interface{}, error) {
		c.mu.RLock()
		cached, builtWith := c.agent, c.agentCredential
		c.mu.RUnlock()
		if cached != nil && (anyCredential || builtWith == credential) {
			return cached, nil
		}

		start := time.Now()
		a, err := factory(buildCtx)
		if err == nil && a == nil {
			err = ErrNilAgent
		}
		observability.RecordAgentConstruction(time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			closeAgent(a)
			return nil, fmt.Errorf("session %s closed during agent construction", c.id)
		}
		c.agent = a
		c.agentCredential = credential
		c.mu.Unlock()
		return a, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Agent), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetAgent drops the cached handle, closing it when it implements io.Closer.
func (c *Context) ResetAgent() {
	c.mu.Lock()
	a := c.agent
	c.agent = nil
	c.agentCredential = ""
	c.mu.Unlock()
	closeAgent(a)
}

// Credential returns the cached credential, if any.
func (c *Context) Credential() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential, c.credential != ""
}

// SetCredential stores token unless a credential is already cached, and
// returns the credential now in the slot. Empty tokens are ignored.
func (c *Context) SetCredential(token string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credential == "" && token != "" {
		c.credential = token
	}
	return c.credential
}

// InvalidateCredential clears the cached credential so the next request
// fetches a new one.
func (c *Context) InvalidateCredential() {
	c.mu.Lock()
	c.credential = ""
	c.mu.Unlock()
}

// Relay returns the active relay, or nil.
func (c *Context) Relay() *relay.Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relay
}

// SetRelay replaces the active relay. The relay is left unclaimed.
func (c *Context) SetRelay(r *relay.Relay) {
	c.mu.Lock()
	c.relay = r
	c.claimed = false
	c.mu.Unlock()
}

// AcquireRelay claims the current relay when it is unclaimed and still idle,
// otherwise it installs and claims a relay built by newRelay. The check and
// the swap happen under one lock so two requests never share a relay.
func (c *Context) AcquireRelay(newRelay func() *relay.Relay) (r *relay.Relay, reused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil && !c.claimed && c.relay.Idle() {
		c.claimed = true
		return c.relay, true
	}
	c.relay = newRelay()
	c.claimed = true
	return c.relay, false
}

// ReleaseRelay gives up a claim taken by AcquireRelay when no producer was
// attached, so the next request can reuse the relay.
func (c *Context) ReleaseRelay(r *relay.Relay) {
	c.mu.Lock()
	if c.relay == r {
		c.claimed = false
	}
	c.mu.Unlock()
}

// Busy reports whether a claimed relay is still open.
func (c *Context) Busy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relay != nil && c.claimed && !c.relay.Closed()
}

func (c *Context) close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	a := c.agent
	r := c.relay
	c.agent = nil
	c.agentCredential = ""
	c.relay = nil
	c.credential = ""
	c.mu.Unlock()

	if r != nil {
		r.Abort(reason)
	}
	closeAgent(a)
}

func closeAgent(a Agent) {
	if closer, ok := a.(io.Closer); ok {
		_ = closer.Close()
	}
}
