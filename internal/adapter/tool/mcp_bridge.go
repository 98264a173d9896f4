package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

const defaultMCPCallTimeout = 30 * time.Second

// MCPBridge connects to the configured MCP servers and exposes their tools.
type MCPBridge struct {
	servers     []mcpServerConn
	tools       []Tool
	callTimeout time.Duration
	logger      *slog.Logger
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient is the part of the mcp-go client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to every server and discovers its tools. A server
// that fails to connect aborts startup; a server whose discovery fails is
// skipped unless all of them fail.
func NewMCPBridge(ctx context.Context, cfg config.ToolsConfig, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{callTimeout: cfg.CallTimeout, logger: logger}
	for _, srv := range cfg.MCPServers {
		conn, err := b.connect(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, *conn)
	}
	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	return b, nil
}

func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, callTimeout time.Duration, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, callTimeout: callTimeout, logger: logger}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) connect(ctx context.Context, srv config.MCPServer) (*mcpServerConn, error) {
	var c mcpClient
	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		hc := mcpclient.NewClient(t)
		if err := hc.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = hc
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "parley", Version: "1.0.0"}
	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}

	b.logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	return &mcpServerConn{name: srv.Name, client: c}, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []string
	ok := 0
	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping", "server", srv.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			b.tools = append(b.tools, &mcpTool{
				server:   srv.name,
				client:   srv.client,
				def:      t,
				fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(srv.name), sanitizeName(t.Name)),
				timeout:  b.callTimeout,
				logger:   b.logger,
			})
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}
	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Tools returns the discovered tools, ready for Catalog.RegisterAll.
func (b *MCPBridge) Tools() []Tool {
	return b.tools
}

// Close shuts down all server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpTool exposes one remote MCP tool as a Tool.
type mcpTool struct {
	server   string
	client   mcpClient
	def      mcp.Tool
	fullName string
	timeout  time.Duration
	logger   *slog.Logger
}

func (a *mcpTool) Name() string { return a.fullName }

func (a *mcpTool) Description() string {
	if a.def.Description != "" {
		return a.def.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.def.Name, a.server)
}

func (a *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type":"object"}`)
	if a.def.InputSchema.Properties != nil || a.def.InputSchema.Required != nil {
		if data, err := json.Marshal(a.def.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: a.fullName, Description: a.Description(), Parameters: params}
}

func (a *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrResult("invalid arguments: %v", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.def.Name
	req.Params.Arguments = args

	timeout := a.timeout
	if timeout <= 0 {
		timeout = defaultMCPCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.logger.Debug("mcp tool call", "server", a.server, "tool", a.def.Name, "agent_id", domain.AgentIDFromContext(ctx))
	result, err := a.client.CallTool(callCtx, req)
	if err != nil {
		return nil, domain.NewDomainError("mcp.CallTool", domain.ErrTransport, fmt.Sprintf("%s: %v", a.fullName, err))
	}
	content, media := splitMCPContent(result)
	return &domain.ToolResult{Content: content, IsError: result.IsError, Media: media}, nil
}

// splitMCPContent joins text parts and turns images into data-URL media refs.
func splitMCPContent(result *mcp.CallToolResult) (string, []domain.MediaRef) {
	var parts []string
	var media []domain.MediaRef
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			media = append(media, imageRef(v))
		case *mcp.ImageContent:
			media = append(media, imageRef(*v))
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n"), media
}

func imageRef(img mcp.ImageContent) domain.MediaRef {
	return domain.MediaRef{Type: "image", URL: "data:" + img.MIMEType + ";base64," + img.Data}
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
