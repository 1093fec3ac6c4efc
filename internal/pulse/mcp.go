package pulse

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dorkos-sh/dorkos/internal/mcptools"
)

// MCPTools is the "pulse" tool group. Schedules created here are
// agent-created and start pending user approval.
func (s *Scheduler) MCPTools() []mcptools.Tool {
	return []mcptools.Tool{
		{
			Def: mcp.NewTool("list_schedules",
				mcp.WithDescription("All Pulse schedules with status."),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				schedules, err := s.store.ListSchedules()
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(schedules), nil
			},
		},
		{
			Def: mcp.NewTool("create_schedule",
				mcp.WithDescription("Create a cron schedule. It stays pending until a user approves it."),
				mcp.WithString("name", mcp.Required()),
				mcp.WithString("cron", mcp.Required(), mcp.Description("Standard 5-field cron expression.")),
				mcp.WithString("prompt", mcp.Required()),
				mcp.WithString("timezone", mcp.Description("IANA timezone, default UTC.")),
				mcp.WithString("cwd", mcp.Description("Working directory for the run.")),
				mcp.WithString("permissionMode"),
				mcp.WithString("model"),
				mcp.WithNumber("maxRuntimeMs"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				name, err := req.RequireString("name")
				if err != nil {
					return mcptools.ErrorResult("name is required"), nil
				}
				cron, err := req.RequireString("cron")
				if err != nil {
					return mcptools.ErrorResult("cron is required"), nil
				}
				prompt, err := req.RequireString("prompt")
				if err != nil {
					return mcptools.ErrorResult("prompt is required"), nil
				}
				sched, err := s.store.CreateSchedule(Schedule{
					Name:           name,
					Cron:           cron,
					Prompt:         prompt,
					Timezone:       req.GetString("timezone", ""),
					Cwd:            req.GetString("cwd", ""),
					PermissionMode: req.GetString("permissionMode", ""),
					Model:          req.GetString("model", ""),
					MaxRuntimeMS:   int64(req.GetInt("maxRuntimeMs", 0)),
					Enabled:        true,
					CreatedBy:      "agent",
				}, true)
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(sched), nil
			},
		},
		{
			Def: mcp.NewTool("update_schedule",
				mcp.WithDescription("Edit a schedule. Omitted fields keep their values."),
				mcp.WithString("id", mcp.Required()),
				mcp.WithString("name"),
				mcp.WithString("cron"),
				mcp.WithString("prompt"),
				mcp.WithString("timezone"),
				mcp.WithBoolean("enabled"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				var u ScheduleUpdate
				if v := req.GetString("name", ""); v != "" {
					u.Name = &v
				}
				if v := req.GetString("cron", ""); v != "" {
					u.Cron = &v
				}
				if v := req.GetString("prompt", ""); v != "" {
					u.Prompt = &v
				}
				if v := req.GetString("timezone", ""); v != "" {
					u.Timezone = &v
				}
				if args := req.GetArguments(); args != nil {
					if _, ok := args["enabled"]; ok {
						v := req.GetBool("enabled", true)
						u.Enabled = &v
					}
				}
				sched, err := s.store.UpdateSchedule(id, u)
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(sched), nil
			},
		},
		{
			Def: mcp.NewTool("delete_schedule",
				mcp.WithDescription("Delete a schedule and its run history."),
				mcp.WithString("id", mcp.Required()),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				id, err := req.RequireString("id")
				if err != nil {
					return mcptools.ErrorResult("id is required"), nil
				}
				if _, err := s.store.GetSchedule(id); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				if err := s.store.DeleteSchedule(id); err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.TextResult("deleted %s", id), nil
			},
		},
		{
			Def: mcp.NewTool("get_run_history",
				mcp.WithDescription("Paginated runs, newest first."),
				mcp.WithString("scheduleId"),
				mcp.WithString("status", mcp.Description("running, completed, failed, or cancelled.")),
				mcp.WithNumber("limit"),
				mcp.WithNumber("offset"),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				runs, err := s.store.ListRuns(RunFilter{
					ScheduleID: req.GetString("scheduleId", ""),
					Status:     req.GetString("status", ""),
					Limit:      req.GetInt("limit", 50),
					Offset:     req.GetInt("offset", 0),
				})
				if err != nil {
					return mcptools.ErrorResult("%v", err), nil
				}
				return mcptools.JSONResult(runs), nil
			},
		},
	}
}
