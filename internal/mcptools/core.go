package mcptools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// CoreDeps injects what the core tool group reports on.
type CoreDeps struct {
	Product   string
	Version   string
	Port      int
	StartedAt time.Time

	SessionCount func() int
	// CurrentAgent resolves the registered agent for a working directory,
	// when Mesh is enabled and one exists there.
	CurrentAgent func(cwd string) (id, name string, ok bool)
}

// Core builds the always-on "dorkos" tool group.
func Core(deps CoreDeps) []Tool {
	return []Tool{
		{
			Def: mcp.NewTool("ping",
				mcp.WithDescription("Liveness check against the local server."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return TextResult("pong"), nil
			},
		},
		{
			Def: mcp.NewTool("get_server_info",
				mcp.WithDescription("Server product, version, port, and uptime."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return JSONResult(map[string]any{
					"product": deps.Product,
					"version": deps.Version,
					"port":    deps.Port,
					"uptime":  time.Since(deps.StartedAt).Round(time.Second).String(),
				}), nil
			},
		},
		{
			Def: mcp.NewTool("get_session_count",
				mcp.WithDescription("Number of live agent sessions."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return JSONResult(map[string]int{"count": deps.SessionCount()}), nil
			},
		},
		{
			Def: mcp.NewTool("get_current_agent",
				mcp.WithDescription("The registered agent identity for a working directory, if any."),
				mcp.WithString("cwd",
					mcp.Required(),
					mcp.Description("Absolute working directory to look up."),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				cwd, err := req.RequireString("cwd")
				if err != nil {
					return ErrorResult("cwd is required"), nil
				}
				if deps.CurrentAgent == nil {
					return ErrorResult("mesh is disabled"), nil
				}
				id, name, ok := deps.CurrentAgent(cwd)
				if !ok {
					return ErrorResult("no agent registered at %s", cwd), nil
				}
				return JSONResult(map[string]string{"id": id, "name": name}), nil
			},
		},
	}
}
