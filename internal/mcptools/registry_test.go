package mcptools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func callTool(t *testing.T, tools []Tool, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, tool := range tools {
		if tool.Def.Name != name {
			continue
		}
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := tool.Handler(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		return res
	}
	t.Fatalf("tool %s not contributed", name)
	return nil
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestCoreTools(t *testing.T) {
	tools := Core(CoreDeps{
		Product:      "dorkos",
		Version:      "1.2.3",
		Port:         4242,
		StartedAt:    time.Now(),
		SessionCount: func() int { return 7 },
		CurrentAgent: func(cwd string) (string, string, bool) {
			if cwd == "/work/api" {
				return "agent-1", "api-helper", true
			}
			return "", "", false
		},
	})

	if got := textOf(t, callTool(t, tools, "ping", nil)); got != "pong" {
		t.Fatalf("ping = %q", got)
	}

	if got := textOf(t, callTool(t, tools, "get_session_count", nil)); !strings.Contains(got, "7") {
		t.Fatalf("session count = %q", got)
	}

	res := callTool(t, tools, "get_current_agent", map[string]any{"cwd": "/work/api"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", textOf(t, res))
	}
	if got := textOf(t, res); !strings.Contains(got, "api-helper") {
		t.Fatalf("agent lookup = %q", got)
	}

	res = callTool(t, tools, "get_current_agent", map[string]any{"cwd": "/elsewhere"})
	if !res.IsError {
		t.Fatal("missing agent did not error")
	}
}

func TestRegistryServerConfigs(t *testing.T) {
	r := NewRegistry("1.0.0", nil)
	r.Register("dorkos", Core(CoreDeps{SessionCount: func() int { return 0 }})...)

	// No base URL yet: nothing to advertise.
	if cfgs := r.ServerConfigs(); cfgs != nil {
		t.Fatalf("configs before SetBaseURL = %v", cfgs)
	}

	r.SetBaseURL("http://127.0.0.1:4242/")
	cfgs := r.ServerConfigs()
	entry, ok := cfgs["dorkos"].(map[string]any)
	if !ok {
		t.Fatalf("configs = %v", cfgs)
	}
	if entry["url"] != "http://127.0.0.1:4242/mcp" {
		t.Fatalf("url = %v", entry["url"])
	}

	names := r.ToolNames()
	found := false
	for _, n := range names {
		if n == "mcp__dorkos__ping" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool names = %v", names)
	}
}

func TestRegistryCollapsesGroupsIntoOneServer(t *testing.T) {
	noop := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}
	r := NewRegistry("1.0.0", nil)
	r.Register("dorkos", Core(CoreDeps{SessionCount: func() int { return 0 }})...)
	r.Register("relay", Tool{Def: mcp.NewTool("send"), Handler: noop})
	r.Register("mesh", Tool{Def: mcp.NewTool("discover"), Handler: noop})
	r.SetBaseURL("http://127.0.0.1:4242")

	cfgs := r.ServerConfigs()
	if len(cfgs) != 1 {
		t.Fatalf("config entries = %v, want exactly one", cfgs)
	}
	if _, ok := cfgs["dorkos"]; !ok {
		t.Fatalf("configs = %v, want the dorkos entry", cfgs)
	}

	// Every contributed tool surfaces under the single server identity.
	for _, n := range r.ToolNames() {
		if !strings.HasPrefix(n, "mcp__dorkos__") {
			t.Fatalf("tool %s not under the dorkos server", n)
		}
	}
	want := map[string]bool{"mcp__dorkos__send": false, "mcp__dorkos__discover": false}
	for _, n := range r.ToolNames() {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("%s missing from %v", n, r.ToolNames())
		}
	}
}
