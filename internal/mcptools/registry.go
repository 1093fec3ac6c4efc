// Package mcptools hosts the server's own MCP tool surface. Subsystems
// contribute tool groups, and every group lands on one logical "dorkos"
// server exposed over streamable HTTP at /mcp, so agents reach each tool as
// mcp__dorkos__{tool}. The registry hands the runtime the single-entry
// connection config for that server.
package mcptools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerName is the MCP server identity advertised to the runtime.
const ServerName = "dorkos"

// Tool pairs an MCP tool definition with its handler. Handlers report
// domain failures through isError results, never through Go errors.
type Tool struct {
	Def     mcp.Tool
	Handler server.ToolHandlerFunc
}

// Registry owns the contributed tool groups and the combined MCP server.
type Registry struct {
	version string
	logger  *slog.Logger

	mu      sync.RWMutex
	baseURL string
	groups  map[string][]Tool
	handler http.Handler
}

func NewRegistry(version string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		version: version,
		logger:  logger,
		groups:  make(map[string][]Tool),
	}
}

// SetBaseURL records the address the runtime dials back on. Called once the
// HTTP listener is bound.
func (r *Registry) SetBaseURL(baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseURL = strings.TrimRight(baseURL, "/")
}

// Register adds tools to a group and rebuilds the combined server. A group
// may be contributed to from several call sites; tool names must be unique
// across groups.
func (r *Registry) Register(group string, tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.groups[group] = append(r.groups[group], tools...)

	srv := server.NewMCPServer(ServerName, r.version)
	total := 0
	for _, contributed := range r.groups {
		for _, t := range contributed {
			srv.AddTool(t.Def, t.Handler)
		}
		total += len(contributed)
	}
	r.handler = server.NewStreamableHTTPServer(srv,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
	r.logger.Debug("mcp.group.registered", "group", group, "tools", total)
}

// Groups lists the registered group names.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	return out
}

// ToolNames lists every tool as the runtime sees it.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, tools := range r.groups {
		for _, t := range tools {
			names = append(names, fmt.Sprintf("mcp__%s__%s", ServerName, t.Def.Name))
		}
	}
	return names
}

// ServerConfigs builds the MCP config map the runtime serializes for its
// subprocess: one "dorkos" entry. Empty until SetBaseURL.
func (r *Registry) ServerConfigs() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.baseURL == "" || len(r.groups) == 0 {
		return nil
	}
	return map[string]any{
		ServerName: map[string]any{
			"type": "http",
			"url":  r.baseURL + "/mcp",
		},
	}
}

// ServeHTTP serves the combined server at /mcp.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h == nil {
		http.NotFound(w, req)
		return
	}
	h.ServeHTTP(w, req)
}

// TextResult wraps a plain-text success payload.
func TextResult(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf(format, args...))
}

// ErrorResult wraps a tool-level failure. The protocol call still succeeds.
func ErrorResult(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...))
}

// JSONResult marshals v as the text payload.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(b))
}
