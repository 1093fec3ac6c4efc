package relay

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dorkos-sh/dorkos/internal/mcptools"
)

// MCPTools is the "relay" tool group: bus operations plus tracing.
func (r *Relay) MCPTools() []mcptools.Tool {
	tools := []mcptools.Tool{
		{
			Def: mcp.NewTool("send",
				mcp.WithDescription("Publish a message on a Relay subject."),
				mcp.WithString("subject", mcp.Required(), mcp.Description("Concrete dot-delimited subject.")),
				mcp.WithString("payload", mcp.Required(), mcp.Description("JSON payload.")),
				mcp.WithString("from", mcp.Description("Sender subject.")),
				mcp.WithString("replyTo", mcp.Description("Reply subject.")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				subject, err := req.RequireString("subject")
				if err != nil {
					return mcptools.ErrorResult("subject is required"), nil
				}
				payload := req.GetString("payload", "{}")
				if !json.Valid([]byte(payload)) {
					return mcptools.ErrorResult("VALIDATION_FAILED: payload is not valid JSON"), nil
				}
				result, err := r.Publish(ctx, subject, json.RawMessage(payload), PublishOptions{
					From:    req.GetString("from", "relay.system.mcp"),
					ReplyTo: req.GetString("replyTo", ""),
				})
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(result), nil
			},
		},
		{
			Def: mcp.NewTool("inbox",
				mcp.WithDescription("Read an endpoint's retained inbox."),
				mcp.WithString("subject", mcp.Required()),
				mcp.WithString("status", mcp.Description("Filter: new, cur, or failed.")),
				mcp.WithString("cursor", mcp.Description("Resume after this message ID.")),
				mcp.WithNumber("limit"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				subject, err := req.RequireString("subject")
				if err != nil {
					return mcptools.ErrorResult("subject is required"), nil
				}
				page, err := r.ReadInbox(subject, req.GetString("cursor", ""), req.GetString("status", ""), req.GetInt("limit", 50))
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(page), nil
			},
		},
		{
			Def: mcp.NewTool("list_endpoints",
				mcp.WithDescription("List registered Relay endpoints."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcptools.JSONResult(r.ListEndpoints()), nil
			},
		},
		{
			Def: mcp.NewTool("register_endpoint",
				mcp.WithDescription("Register an inbox-backed endpoint on a concrete subject."),
				mcp.WithString("subject", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				subject, err := req.RequireString("subject")
				if err != nil {
					return mcptools.ErrorResult("subject is required"), nil
				}
				if err := r.RegisterEndpoint(subject, map[string]string{"registeredBy": "mcp"}); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("registered %s", subject), nil
			},
		},
	}

	if r.trace != nil {
		tools = append(tools,
			mcptools.Tool{
				Def: mcp.NewTool("get_trace",
					mcp.WithDescription("All spans of a trace, or the trace for a message ID."),
					mcp.WithString("traceId"),
					mcp.WithString("messageId"),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					traceID := req.GetString("traceId", "")
					if traceID == "" {
						messageID := req.GetString("messageId", "")
						if messageID == "" {
							return mcptools.ErrorResult("traceId or messageId is required"), nil
						}
						span, err := r.trace.SpanByMessageID(messageID)
						if err != nil {
							return mcptools.ErrorResult("NOT_FOUND: no span for message %s", messageID), nil
						}
						traceID = span.TraceID
					}
					spans, err := r.trace.Trace(traceID)
					if err != nil {
						return mcptools.ErrorResult("%v", err), nil
					}
					return mcptools.JSONResult(spans), nil
				},
			},
			mcptools.Tool{
				Def: mcp.NewTool("get_metrics",
					mcp.WithDescription("Relay delivery metrics over the retention window."),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					m, err := r.trace.Metrics()
					if err != nil {
						return mcptools.ErrorResult("%v", err), nil
					}
					return mcptools.JSONResult(m), nil
				},
			},
		)
	}
	return tools
}

// MCPTools is the "adapters" tool group.
func (r *AdapterRegistry) MCPTools() []mcptools.Tool {
	return []mcptools.Tool{
		{
			Def: mcp.NewTool("list_adapters",
				mcp.WithDescription("All configured adapters with status."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcptools.JSONResult(r.List()), nil
			},
		},
		{
			Def: mcp.NewTool("enable_adapter",
				mcp.WithDescription("Enable and start an adapter."),
				mcp.WithString("id", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				if err := r.Enable(ctx, id); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("enabled %s", id), nil
			},
		},
		{
			Def: mcp.NewTool("disable_adapter",
				mcp.WithDescription("Disable and stop an adapter."),
				mcp.WithString("id", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				if err := r.Disable(id); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("disabled %s", id), nil
			},
		},
		{
			Def: mcp.NewTool("reload_adapters",
				mcp.WithDescription("Re-read adapters.json and reconcile running adapters."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				if err := r.Reload(ctx); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("reloaded"), nil
			},
		},
	}
}

// MCPTools is the "bindings" tool group.
func (s *BindingStore) MCPTools() []mcptools.Tool {
	return []mcptools.Tool{
		{
			Def: mcp.NewTool("list_bindings",
				mcp.WithDescription("All adapter-to-agent bindings."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				bindings, err := s.GetAll()
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(bindings), nil
			},
		},
		{
			Def: mcp.NewTool("create_binding",
				mcp.WithDescription("Bind an adapter to an agent working directory."),
				mcp.WithString("adapterId", mcp.Required()),
				mcp.WithString("agentId"),
				mcp.WithString("agentDir", mcp.Required()),
				mcp.WithString("sessionStrategy", mcp.Required(), mcp.Description("stateless, per-user, or per-chat.")),
				mcp.WithString("chatId"),
				mcp.WithString("channelType"),
				mcp.WithString("label"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				adapterID, err := req.RequireString("adapterId")
				if err != nil {
					return mcptools.ErrorResult("adapterId is required"), nil
				}
				agentDir, err := req.RequireString("agentDir")
				if err != nil {
					return mcptools.ErrorResult("agentDir is required"), nil
				}
				binding, err := s.Create(Binding{
					AdapterID:   adapterID,
					AgentID:     req.GetString("agentId", ""),
					AgentDir:    agentDir,
					Strategy:    req.GetString("sessionStrategy", ""),
					ChatID:      req.GetString("chatId", ""),
					ChannelType: req.GetString("channelType", ""),
					Label:       req.GetString("label", ""),
				})
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(binding), nil
			},
		},
		{
			Def: mcp.NewTool("delete_binding",
				mcp.WithDescription("Delete a binding by ID."),
				mcp.WithString("id", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				if err := s.Delete(id); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("deleted %s", id), nil
			},
		},
	}
}
