package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session id headers. The AgentCore runtime header is accepted as an alias.
const (
	SessionHeader          = "X-Session-Id"
	RuntimeSessionHeader   = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"
	RequestIDHeader        = "X-Request-Id"
	TraceIDHeader          = "X-Trace-Id"
	defaultActorID         = "anonymous"
	maxInvocationBodyBytes = 1 << 20
)

// InvocationRequest is the body of POST /invocations and of each WebSocket
// request frame.
type InvocationRequest struct {
	Prompt    string `json:"prompt"`
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Frame types sent over WebSocket and as SSE event names.
const (
	FrameChunk    = "chunk"
	FrameError    = "error"
	FrameComplete = "complete"
)

// Frame is one server message of a streamed invocation.
type Frame struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ErrorResponse is the JSON body of a rejected HTTP request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientInfo describes a connected WebSocket client and its latest
// invocation.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	ActorID      string    `json:"actor_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Invocations  int       `json:"invocations"`
	Streaming    bool      `json:"streaming"`
	Idle         bool      `json:"idle"`
}

// Client is a connected WebSocket client. Writes are serialized through
// WriteJSON.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	writeMu sync.Mutex
}

// WriteJSON sends v as one text frame.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
