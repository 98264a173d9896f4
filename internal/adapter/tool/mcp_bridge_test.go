package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

type mockMCPClient struct {
	tools    []mcp.Tool
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed   bool
	listErr  error
}

func (m *mockMCPClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return &mcp.ListToolsResult{Tools: m.tools}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("called %s", req.Params.Name))},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

func newTestBridge(t *testing.T, servers ...mcpServerConn) *MCPBridge {
	t.Helper()
	b, err := newMCPBridgeWithClients(context.Background(), servers, time.Second, slog.Default())
	require.NoError(t, err)
	return b
}

func TestMCPBridgeDiscoverTools(t *testing.T) {
	fs := &mockMCPClient{tools: []mcp.Tool{
		{Name: "read_file", Description: "Read a file"},
		{Name: "write-file"},
	}}
	web := &mockMCPClient{tools: []mcp.Tool{{Name: "fetch"}}}

	b := newTestBridge(t, mcpServerConn{name: "fs", client: fs}, mcpServerConn{name: "web.v2", client: web})
	tools := b.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, "mcp_fs_read_file", tools[0].Name())
	assert.Equal(t, "mcp_fs_write_file", tools[1].Name())
	assert.Equal(t, "mcp_web_v2_fetch", tools[2].Name())

	assert.Equal(t, "Read a file", tools[0].Description())
	assert.Equal(t, `MCP tool "write-file" from server "fs"`, tools[1].Description())
}

func TestMCPBridgePartialDiscoveryFailure(t *testing.T) {
	good := &mockMCPClient{tools: []mcp.Tool{{Name: "ok"}}}
	bad := &mockMCPClient{listErr: errors.New("boom")}

	b := newTestBridge(t, mcpServerConn{name: "bad", client: bad}, mcpServerConn{name: "good", client: good})
	require.Len(t, b.Tools(), 1)
	assert.Equal(t, "mcp_good_ok", b.Tools()[0].Name())
}

func TestMCPBridgeAllServersFailDiscovery(t *testing.T) {
	_, err := newMCPBridgeWithClients(context.Background(), []mcpServerConn{
		{name: "a", client: &mockMCPClient{listErr: errors.New("x")}},
		{name: "b", client: &mockMCPClient{listErr: errors.New("y")}},
	}, 0, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all mcp servers failed discovery")
}

func TestMCPBridgeUnsupportedTransport(t *testing.T) {
	_, err := NewMCPBridge(context.Background(), config.ToolsConfig{
		MCPServers: []config.MCPServer{{Name: "x", Transport: "carrier-pigeon"}},
	}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported transport "carrier-pigeon"`)
}

func TestMCPBridgeClose(t *testing.T) {
	a, b := &mockMCPClient{}, &mockMCPClient{}
	bridge := newTestBridge(t, mcpServerConn{name: "a", client: a}, mcpServerConn{name: "b", client: b})
	bridge.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMCPToolSchema(t *testing.T) {
	m := &mockMCPClient{tools: []mcp.Tool{
		{
			Name: "search",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"query": map[string]any{"type": "string"}},
				Required:   []string{"query"},
			},
		},
		{Name: "bare"},
	}}
	tools := newTestBridge(t, mcpServerConn{name: "s", client: m}).Tools()

	spec, err := tools[0].Schema().Spec()
	require.NoError(t, err)
	assert.Equal(t, "object", spec.Type)
	assert.True(t, spec.IsRequired("query"))
	require.Contains(t, spec.Properties, "query")
	assert.Equal(t, "string", spec.Properties["query"].Type)

	assert.JSONEq(t, `{"type":"object"}`, string(tools[1].Schema().Parameters))
}

func TestMCPToolExecute(t *testing.T) {
	var gotArgs any
	m := &mockMCPClient{
		tools: []mcp.Tool{{Name: "search"}},
		callFunc: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			assert.Equal(t, "search", req.Params.Name)
			gotArgs = req.Params.Arguments
			return &mcp.CallToolResult{Content: []mcp.Content{
				mcp.NewTextContent("line 1"),
				mcp.NewTextContent("line 2"),
				mcp.NewImageContent("aGk=", "image/png"),
			}}, nil
		},
	}
	tl := newTestBridge(t, mcpServerConn{name: "s", client: m}).Tools()[0]

	res, err := tl.Execute(context.Background(), json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "line 1\nline 2", res.Content)
	require.Len(t, res.Media, 1)
	assert.Equal(t, "data:image/png;base64,aGk=", res.Media[0].URL)
	assert.Equal(t, map[string]any{"query": "go"}, gotArgs)
}

func TestMCPToolExecuteErrors(t *testing.T) {
	m := &mockMCPClient{
		tools: []mcp.Tool{{Name: "t"}},
		callFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("pipe closed")
		},
	}
	tl := newTestBridge(t, mcpServerConn{name: "s", client: m}).Tools()[0]

	_, err := tl.Execute(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrTransport)

	res, err := tl.Execute(context.Background(), json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid arguments")

	m.callFunc = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("no such file")}}, nil
	}
	res, err = tl.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "no such file", res.Content)
}
