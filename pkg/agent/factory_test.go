package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/nrhchnd1412/agentcore/pkg/mcpgateway"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolGateway(t *testing.T, token string) *httptest.Server {
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

func TestFactoryWithoutGateway(t *testing.T) {
	pool, err := NewProfilePool([]AuthProfile{{ID: "primary", Provider: "fake"}})
	require.NoError(t, err)
	provider := &scriptedProvider{name: "fake", steps: []step{{deltas: []string{"hi"}}}}

	factory := NewFactory(FactoryConfig{
		Config:    DefaultConfig(),
		Profiles:  pool,
		Providers: staticCreator{"primary": provider},
		Logger:    zerolog.Nop(),
	})

	handle, err := factory(context.Background(), Options{SessionID: "s-1"})
	require.NoError(t, err)

	chunks, err := collect(handle.Stream(context.Background(), "hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, chunks)
}

func TestFactoryInvalidConfigReturnsNilHandle(t *testing.T) {
	factory := NewFactory(FactoryConfig{Config: DefaultConfig()})

	handle, err := factory(context.Background(), Options{SessionID: "s-1"})
	assert.Error(t, err)
	assert.Nil(t, handle)
}

func TestFactoryConnectsGatewayWithCredential(t *testing.T) {
	srv := newToolGateway(t, "bearer-1")
	pool, err := NewProfilePool([]AuthProfile{{ID: "primary", Provider: "fake"}})
	require.NoError(t, err)

	provider := &scriptedProvider{name: "fake", steps: []step{
		{resp: &LLMResponse{ToolCalls: []ToolCall{{ID: "c1", Name: "lookup_order", Parameters: map[string]any{"order_id": "7"}}}}},
		{deltas: []string{"Order 7 has shipped."}},
	}}

	factory := NewFactory(FactoryConfig{
		Config:    DefaultConfig(),
		Profiles:  pool,
		Providers: staticCreator{"primary": provider},
		Gateway:   mcpgateway.Config{URL: srv.URL},
		Logger:    zerolog.Nop(),
	})

	_, err = factory(context.Background(), Options{SessionID: "s-1"})
	assert.Error(t, err, "gateway requires a credential")

	_, err = factory(context.Background(), Options{SessionID: "s-1", Credential: "wrong"})
	assert.Error(t, err)

	handle, err := factory(context.Background(), Options{SessionID: "s-1", Credential: "bearer-1"})
	require.NoError(t, err)
	a := handle.(*SupportAgent)
	defer a.Close()

	chunks, err := collect(a.Stream(context.Background(), "where is order 7?"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Order 7 has shipped."}, chunks)

	require.Len(t, provider.requests, 2)
	require.Len(t, provider.requests[0].Tools, 1)
	assert.Equal(t, "lookup_order", provider.requests[0].Tools[0].Name)

	toolMsg := provider.requests[1].Messages[2]
	assert.Equal(t, "order 7 shipped", toolMsg.Content)
	assert.False(t, toolMsg.IsError)
}
