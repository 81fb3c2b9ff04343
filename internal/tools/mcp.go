package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/openclaw/gateway/internal/config"
)

// MCPConnector bridges external MCP servers into the tool registry: each
// remote tool is registered as a regular Tool, so the agent loop, the policy
// pipeline, and the exec-approval path treat MCP-backed tools exactly like
// builtins.
type MCPConnector struct {
	clients map[string]*mcpclient.Client
}

// NewMCPConnector connects to every enabled server in cfg and registers its
// tools onto reg. Connection failures skip the server with a warning rather
// than failing boot: a dead MCP server should not take the gateway down.
func NewMCPConnector(ctx context.Context, cfg map[string]*config.MCPServerConfig, reg *Registry) *MCPConnector {
	conn := &MCPConnector{clients: make(map[string]*mcpclient.Client)}

	for name, sc := range cfg {
		if sc == nil || !sc.IsEnabled() {
			continue
		}
		client, err := dialMCP(sc)
		if err != nil {
			slog.Warn("mcp: connect failed", "server", name, "error", err)
			continue
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{Name: "openclaw-gateway", Version: "1.0"}
		if _, err := client.Initialize(ctx, initReq); err != nil {
			slog.Warn("mcp: initialize failed", "server", name, "error", err)
			client.Close()
			continue
		}

		listed, err := client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			slog.Warn("mcp: list tools failed", "server", name, "error", err)
			client.Close()
			continue
		}

		prefix := sc.ToolPrefix
		timeout := time.Duration(sc.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}

		var names []string
		for _, t := range listed.Tools {
			tool := &mcpTool{
				client:      client,
				remoteName:  t.Name,
				localName:   prefix + t.Name,
				description: t.Description,
				schema:      toolInputSchema(t),
				timeout:     timeout,
			}
			reg.Register(tool)
			names = append(names, tool.localName)
		}

		RegisterToolGroup("mcp:"+name, names)
		conn.clients[name] = client
		slog.Info("mcp: server connected", "server", name, "tools", len(names))
	}

	return conn
}

func dialMCP(sc *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch sc.Transport {
	case "stdio", "":
		env := make([]string, 0, len(sc.Env))
		for k, v := range sc.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(sc.Command, env, sc.Args...)
	case "sse":
		return mcpclient.NewSSEMCPClient(sc.URL)
	case "streamable-http":
		return mcpclient.NewStreamableHttpClient(sc.URL)
	default:
		return nil, fmt.Errorf("unknown transport %q", sc.Transport)
	}
}

func toolInputSchema(t mcp.Tool) map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if t.InputSchema.Properties != nil {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return schema
}

// Close shuts down every connected client.
func (c *MCPConnector) Close() {
	for name, client := range c.clients {
		if err := client.Close(); err != nil {
			slog.Debug("mcp: close failed", "server", name, "error", err)
		}
	}
}

// mcpTool adapts one remote MCP tool to the Tool interface.
type mcpTool struct {
	client      *mcpclient.Client
	remoteName  string
	localName   string
	description string
	schema      map[string]interface{}
	timeout     time.Duration
}

func (t *mcpTool) Name() string                       { return t.localName }
func (t *mcpTool) Description() string                { return t.description }
func (t *mcpTool) Parameters() map[string]interface{} { return t.schema }

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	res, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("mcp call failed: %v", err))
	}

	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return ErrorResult(text)
	}
	return NewResult(text)
}
