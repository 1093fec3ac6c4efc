// Package runtime is the port to the external LLM coding-agent runtime.
// The Agent Manager is the only caller. The production implementation
// shells out to the runtime CLI speaking stream-json on stdio; tests
// substitute a fake.
package runtime

import (
	"context"
	"encoding/json"
	"strings"
)

// PermissionMode mirrors the runtime's tool-permission modes.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModePlan              PermissionMode = "plan"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidMode reports whether m is a known permission mode.
func ValidMode(m PermissionMode) bool {
	switch m {
	case ModeDefault, ModePlan, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}

// ToolRequest is a runtime request to use a tool.
type ToolRequest struct {
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
}

// QuestionRequest is a runtime request for structured user input.
type QuestionRequest struct {
	ToolCallID string
	Questions  []Question
}

// Question is one item of a QuestionRequest.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// QueryRequest configures one streaming runtime invocation.
type QueryRequest struct {
	Prompt             string
	Cwd                string
	ResumeSessionID    string // resume a prior runtime session when non-empty
	PermissionMode     PermissionMode
	AllowDangerousSkip bool // set iff PermissionMode == bypassPermissions
	Model              string
	SystemPromptAppend string

	// MCPServers maps server name to a JSON-marshalable server config the
	// runtime connects to; tools surface to the model as mcp__{name}__{tool}.
	MCPServers map[string]any

	// CanUseTool is invoked synchronously for each tool use. Returning
	// false denies the call.
	CanUseTool func(ctx context.Context, req ToolRequest) (bool, error)

	// AskQuestion resolves structured questions from the runtime.
	AskQuestion func(ctx context.Context, req QuestionRequest) (map[string]string, error)
}

// EventKind discriminates runtime stream events.
type EventKind string

const (
	KindInit         EventKind = "init" // first event; carries the runtime session ID
	KindTextDelta    EventKind = "text_delta"
	KindToolUseStart EventKind = "tool_use_start"
	KindToolUseDelta EventKind = "tool_use_delta"
	KindToolUseEnd   EventKind = "tool_use_end"
	KindTaskUpdate   EventKind = "task_update"
	KindResult       EventKind = "result" // terminal
)

// Event is one message of the runtime stream.
type Event struct {
	Kind EventKind

	SessionID string // init, result

	Text string // text_delta

	ToolCallID  string          // tool_use_*
	ToolName    string          // tool_use_start
	ToolInput   json.RawMessage // tool_use_start (full) / tool_use_delta (partial)
	PartialJSON string          // tool_use_delta

	TaskID     string // task_update
	TaskLabel  string
	TaskStatus string

	IsError    bool    // result
	ErrorText  string  // result
	CostUSD    float64 // result
	DurationMS int64   // result
}

// Stream is a lazy, cancellable runtime event sequence.
type Stream interface {
	// Next blocks for the next event. Returns io.EOF after the terminal
	// result event has been consumed.
	Next(ctx context.Context) (Event, error)
	// Interrupt asks the runtime to stop the in-flight turn.
	Interrupt() error
	// SetPermissionMode forwards a mode change to the live query.
	SetPermissionMode(mode PermissionMode) error
	Close() error
}

// ModelInfo describes a selectable model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Default     bool   `json:"default,omitempty"`
}

// Runtime is the port the Agent Manager depends on.
type Runtime interface {
	Query(ctx context.Context, req QueryRequest) (Stream, error)
	SupportedModels(ctx context.Context) ([]ModelInfo, error)
}

// resumeFailureMarkers are substrings the runtime emits when asked to
// resume a session it no longer has.
var resumeFailureMarkers = []string{
	"no conversation found",
	"session not found",
	"tape not found",
	"unable to resume",
}

// IsResumeFailure classifies an error or result text as a stale-resume
// failure, which the Agent Manager retries once as a fresh session.
func IsResumeFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range resumeFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
