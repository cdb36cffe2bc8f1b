package gateway

import (
	"slices"
	"sync"
	"time"
)

const clientIdleAfter = 5 * time.Minute

// connEntry is the bookkeeping kept for one WebSocket connection.
type connEntry struct {
	client      *Client
	lastSeen    time.Time
	actorID     string
	sessionID   string
	invocations int
	streaming   bool
}

// connections tracks open WebSocket connections and what each is doing, so
// shutdown can close them and operators can list them.
type connections struct {
	mu   sync.Mutex
	now  func() time.Time
	byID map[string]*connEntry
}

func newConnections() *connections {
	return &connections{
		now:  time.Now,
		byID: make(map[string]*connEntry),
	}
}

func (c *connections) track(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[client.ID] = &connEntry{client: client, lastSeen: c.now()}
}

func (c *connections) untrack(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, clientID)
}

// begin records that an invocation for sessionID started on the connection.
func (c *connections) begin(clientID, actorID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[clientID]
	if !ok {
		return
	}
	e.lastSeen = c.now()
	e.actorID = actorID
	e.sessionID = sessionID
	e.invocations++
	e.streaming = true
}

func (c *connections) end(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[clientID]; ok {
		e.lastSeen = c.now()
		e.streaming = false
	}
}

// snapshot lists connections, oldest first.
func (c *connections) snapshot() []ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	infos := make([]ClientInfo, 0, len(c.byID))
	for _, e := range c.byID {
		infos = append(infos, ClientInfo{
			ID:           e.client.ID,
			ConnectedAt:  e.client.ConnectedAt,
			LastActivity: e.lastSeen,
			IPAddress:    e.client.IPAddress,
			ActorID:      e.actorID,
			SessionID:    e.sessionID,
			Invocations:  e.invocations,
			Streaming:    e.streaming,
			Idle:         !e.streaming && now.Sub(e.lastSeen) > clientIdleAfter,
		})
	}
	slices.SortFunc(infos, func(a, b ClientInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return infos
}

func (c *connections) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// closeAll closes every connection and forgets them. It returns how many
// were closed.
func (c *connections) closeAll() int {
	c.mu.Lock()
	entries := c.byID
	c.byID = make(map[string]*connEntry)
	c.mu.Unlock()

	for _, e := range entries {
		_ = e.client.Conn.Close()
	}
	return len(entries)
}
