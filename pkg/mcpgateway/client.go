package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout bounds each HTTP request to the gateway.
	DefaultTimeout = 60 * time.Second

	clientName    = "agentcore"
	clientVersion = "1.0.0"
)

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("mcp gateway client closed")

// Config configures a gateway connection.
type Config struct {
	URL     string
	Timeout time.Duration
	// Filter limits which tools are exposed. Empty exposes all.
	Filter []string
	Logger zerolog.Logger
}

// Tool describes a tool offered by the gateway.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolError is returned when the gateway reports a failed tool call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// Client is a connected gateway session.
type Client struct {
	url    string
	tools  []Tool
	logger zerolog.Logger

	mu     sync.Mutex
	mcp    *client.Client
	closed bool
}

// Connect opens a session with the gateway using bearer for authorization,
// performs the MCP handshake and lists the available tools.
func Connect(ctx context.Context, cfg Config, bearer string) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if bearer == "" {
		return nil, fmt.Errorf("bearer credential is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.mcpgateway",
		"mcpgateway.connect",
		attribute.String("gateway_url", cfg.URL),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cfg.Logger).With().Str("component", "mcpgateway").Logger()

	mcpClient, err := client.NewStreamableHttpClient(
		cfg.URL,
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + bearer,
		}),
		transport.WithHTTPTimeout(cfg.Timeout),
	)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	filter := make(map[string]bool, len(cfg.Filter))
	for _, name := range cfg.Filter {
		filter[name] = true
	}

	tools := make([]Tool, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		if len(filter) > 0 && !filter[t.Name] {
			continue
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}

	span.SetAttributes(attribute.Int("tool_count", len(tools)))
	logger.Info().
		Str("url", cfg.URL).
		Int("tools", len(tools)).
		Msg("Connected to tool gateway")

	return &Client{
		url:    cfg.URL,
		tools:  tools,
		logger: logger,
		mcp:    mcpClient,
	}, nil
}

// Tools returns the tools discovered at connect time.
func (c *Client) Tools() []Tool {
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// HasTool reports whether name was discovered.
func (c *Client) HasTool(name string) bool {
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Call invokes a tool and returns its text output. A tool-reported failure
// is returned as *ToolError.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.Lock()
	mcpClient := c.mcp
	closed := c.closed
	c.mu.Unlock()
	if closed || mcpClient == nil {
		return "", ErrClosed
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.mcpgateway",
		"mcpgateway.call_tool",
		attribute.String("tool", name),
	)
	defer span.End()
	start := time.Now()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		observability.RecordToolCall(name, time.Since(start), false)
		tracing.FailSpan(span, err)
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	text := textOf(resp)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		toolErr := &ToolError{Tool: name, Message: text}
		observability.RecordToolCall(name, time.Since(start), false)
		tracing.FailSpan(span, toolErr)
		return "", toolErr
	}

	observability.RecordToolCall(name, time.Since(start), true)
	c.logger.Debug().
		Str("tool", name).
		Dur("duration", time.Since(start)).
		Msg("Tool call completed")
	return text, nil
}

// Close ends the gateway session. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.mcp == nil {
		return nil
	}
	return c.mcp.Close()
}

func textOf(resp *mcp.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return map[string]any{"type": "object"}
	}
	return result
}
