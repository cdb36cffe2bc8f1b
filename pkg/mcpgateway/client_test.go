package mcpgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T, token string) *httptest.Server {
	t.Helper()

	s := server.NewMCPServer("test-gateway", "0.1.0")
	s.AddTool(
		mcp.NewTool("lookup_order",
			mcp.WithDescription("Look up an order by id"),
			mcp.WithString("order_id", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("order_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("order " + id + " shipped"), nil
		},
	)
	s.AddTool(
		mcp.NewTool("refund", mcp.WithDescription("Issue a refund")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("refunds disabled"), nil
		},
	)

	handler := server.NewStreamableHTTPServer(s)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectValidation(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, "tok")
	assert.Error(t, err)

	_, err = Connect(context.Background(), Config{URL: "http://localhost"}, "")
	assert.Error(t, err)
}

func TestConnectDiscoversTools(t *testing.T) {
	srv := newGateway(t, "tok")

	c, err := Connect(context.Background(), Config{URL: srv.URL, Timeout: 5 * time.Second, Logger: zerolog.Nop()}, "tok")
	require.NoError(t, err)
	defer c.Close()

	tools := c.Tools()
	require.Len(t, tools, 2)

	names := []string{tools[0].Name, tools[1].Name}
	assert.ElementsMatch(t, []string{"lookup_order", "refund"}, names)
	assert.True(t, c.HasTool("lookup_order"))
	assert.False(t, c.HasTool("missing"))

	for _, tool := range tools {
		if tool.Name == "lookup_order" {
			assert.Equal(t, "object", tool.InputSchema["type"])
			assert.Contains(t, tool.InputSchema["properties"], "order_id")
		}
	}
}

func TestConnectFilter(t *testing.T) {
	srv := newGateway(t, "tok")

	c, err := Connect(context.Background(), Config{URL: srv.URL, Filter: []string{"refund"}}, "tok")
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Tools(), 1)
	assert.Equal(t, "refund", c.Tools()[0].Name)
}

func TestConnectRejectedCredential(t *testing.T) {
	srv := newGateway(t, "tok")

	_, err := Connect(context.Background(), Config{URL: srv.URL}, "wrong")
	assert.Error(t, err)
}

func TestCall(t *testing.T) {
	srv := newGateway(t, "tok")

	c, err := Connect(context.Background(), Config{URL: srv.URL}, "tok")
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Call(context.Background(), "lookup_order", map[string]any{"order_id": "42"})
	require.NoError(t, err)
	assert.Equal(t, "order 42 shipped", out)

	_, err = c.Call(context.Background(), "refund", nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "refund", toolErr.Tool)
	assert.Contains(t, toolErr.Message, "refunds disabled")
}

func TestCallAfterClose(t *testing.T) {
	srv := newGateway(t, "tok")

	c, err := Connect(context.Background(), Config{URL: srv.URL}, "tok")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Call(context.Background(), "lookup_order", map[string]any{"order_id": "1"})
	assert.ErrorIs(t, err, ErrClosed)
}
