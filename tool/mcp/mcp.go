// Package mcp bridges Model Context Protocol servers into the tool registry.
// Each tool exposed by a connected server is registered under the external
// namespace "mcp__<server>__<tool>". Connection or listing failures disable
// the offending server without affecting the rest of the session.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"vaultmind/config"
	"vaultmind/core"
	"vaultmind/logging"
	"vaultmind/tool"
)

// Manager owns the stdio clients for all connected MCP servers.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*mcpclient.Client
	logger  logging.Logger
}

// NewManager creates an empty manager.
func NewManager(logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{clients: map[string]*mcpclient.Client{}, logger: logger}
}

// RegisterServers connects the enabled servers and registers their tools.
// Disabled or invalid entries are skipped; a server that fails to connect or
// list tools is logged and skipped, never fatal.
func (m *Manager) RegisterServers(ctx context.Context, r *tool.Registry, servers []config.McpServerConfig) {
	for _, cfg := range servers {
		if !cfg.Enabled {
			continue
		}
		if !cfg.Valid() {
			m.logger.Warn("skipping malformed MCP server config", "server", cfg.ID)
			continue
		}
		if err := m.registerServer(ctx, r, cfg); err != nil {
			m.logger.Warn("MCP server unavailable", "server", cfg.ID, "error", err.Error())
		}
	}
}

func (m *Manager) registerServer(ctx context.Context, r *tool.Registry, cfg config.McpServerConfig) error {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "vaultmind", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	m.mu.Lock()
	m.clients[cfg.ID] = c
	m.mu.Unlock()

	for _, t := range listed.Tools {
		r.Register(&remoteTool{
			client:      c,
			name:        externalName(cfg.ID, t.Name),
			op:          t.Name,
			description: t.Description,
			schema:      toSchema(t.InputSchema),
		})
	}
	m.logger.Info("registered MCP server", "server", cfg.ID, "tools", len(listed.Tools))
	return nil
}

// Close shuts down all connected servers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("closing MCP server", "server", id, "error", err.Error())
		}
		delete(m.clients, id)
	}
}

// externalName builds the namespaced registry name for a server tool.
func externalName(serverID, toolName string) string {
	return core.ExternalToolPrefix + serverID + "__" + toolName
}

func toSchema(s mcp.ToolInputSchema) map[string]any {
	schema := map[string]any{"type": "object"}
	if s.Type != "" {
		schema["type"] = s.Type
	}
	if len(s.Properties) > 0 {
		schema["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

// remoteTool proxies one server-side tool through the MCP client.
type remoteTool struct {
	client      *mcpclient.Client
	name        string
	op          string
	description string
	schema      map[string]any
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Description() string {
	if t.description != "" {
		return t.description
	}
	return fmt.Sprintf("Invoke the %s operation on an external MCP server.", t.op)
}

func (t *remoteTool) Parameters() map[string]any { return t.schema }

func (t *remoteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.op
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", tool.NewToolError(t.name, err.Error(), "EXECUTION_ERROR")
	}

	text := flattenContent(res.Content)
	if res.IsError {
		msg := text
		if msg == "" {
			msg = "server reported an error"
		}
		return "", tool.NewToolError(t.name, msg, "EXECUTION_ERROR")
	}
	return text, nil
}

// flattenContent joins the text parts of a tool result.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
