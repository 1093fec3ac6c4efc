package mesh

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dorkos-sh/dorkos/internal/mcptools"
)

// MCPTools is the "mesh" tool group.
func (r *Registry) MCPTools() []mcptools.Tool {
	return []mcptools.Tool{
		{
			Def: mcp.NewTool("discover",
				mcp.WithDescription("Scan directories for agent projects not yet registered."),
				mcp.WithString("roots", mcp.Required(), mcp.Description("Comma-separated root paths.")),
				mcp.WithNumber("maxDepth", mcp.Description("Scan depth bound, default 3.")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				rootsArg, err := req.RequireString("roots")
				if err != nil {
					return mcptools.ErrorResult("roots is required"), nil
				}
				var roots []string
				for _, root := range strings.Split(rootsArg, ",") {
					if root = strings.TrimSpace(root); root != "" {
						roots = append(roots, root)
					}
				}
				candidates, err := r.Discover(roots, DiscoverOptions{MaxDepth: req.GetInt("maxDepth", 0)})
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(candidates), nil
			},
		},
		{
			Def: mcp.NewTool("register",
				mcp.WithDescription("Register an agent at a project path."),
				mcp.WithString("path", mcp.Required()),
				mcp.WithString("name", mcp.Description("Override the inferred name; its prefix up to the first dot is the namespace.")),
				mcp.WithString("description"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				path, err := req.RequireString("path")
				if err != nil {
					return mcptools.ErrorResult("path is required"), nil
				}
				overrides := Overrides{Name: req.GetString("name", "")}
				if desc := req.GetString("description", ""); desc != "" {
					overrides.Description = &desc
				}
				agent, err := r.Register(ctx, path, overrides, "mcp")
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(agent), nil
			},
		},
		{
			Def: mcp.NewTool("list",
				mcp.WithDescription("List registered agents."),
				mcp.WithString("runtime", mcp.Description("Filter by runtime label.")),
				mcp.WithString("capability", mcp.Description("Filter by capability tag.")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				agents, err := r.List(ListFilter{
					Runtime:    req.GetString("runtime", ""),
					Capability: req.GetString("capability", ""),
				})
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(agents), nil
			},
		},
		{
			Def: mcp.NewTool("deny",
				mcp.WithDescription("Exclude a path from future discovery."),
				mcp.WithString("path", mcp.Required()),
				mcp.WithString("reason"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				path, err := req.RequireString("path")
				if err != nil {
					return mcptools.ErrorResult("path is required"), nil
				}
				if err := r.Deny(path, req.GetString("reason", ""), "mcp"); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("denied %s", path), nil
			},
		},
		{
			Def: mcp.NewTool("unregister",
				mcp.WithDescription("Unregister an agent and remove its manifest file."),
				mcp.WithString("id", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				if err := r.Unregister(ctx, id); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("unregistered %s", id), nil
			},
		},
		{
			Def: mcp.NewTool("status",
				mcp.WithDescription("Registry summary: agent, denial, and health counts."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				s, err := r.Status()
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(s), nil
			},
		},
		{
			Def: mcp.NewTool("inspect",
				mcp.WithDescription("Full detail for one agent: manifest plus recent events."),
				mcp.WithString("id", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				agent, err := r.Get(id)
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				events, err := r.Events(id, 20)
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(map[string]any{"agent": agent, "events": events}), nil
			},
		},
		{
			Def: mcp.NewTool("query_topology",
				mcp.WithDescription("Namespace-grouped mesh view with access rules."),
				mcp.WithString("namespace", mcp.Description("Namespace to scope to, default *.")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				view, err := r.Topology(req.GetString("namespace", "*"), "")
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(view), nil
			},
		},
	}
}

// IdentityLookup adapts the registry to the Agent Manager's system-prompt
// context hook. Missing or persona-disabled manifests yield ok=false.
func (r *Registry) IdentityLookup(cwd string) (identity, persona string, ok bool) {
	agent, err := r.GetByPath(cwd)
	if err != nil {
		m, ferr := ReadManifestFile(cwd)
		if ferr != nil {
			return "", "", false
		}
		agent = Agent{Manifest: m}
	}
	identity = "id: " + agent.ID + "\nname: " + agent.Name
	if agent.Description != "" {
		identity += "\ndescription: " + agent.Description
	}
	if agent.Persona != nil && agent.Persona.Enabled {
		persona = agent.Persona.Text
	}
	return identity, persona, true
}
