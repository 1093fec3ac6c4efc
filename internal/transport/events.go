// Package transport defines the wire-level contract shared by the HTTP+SSE
// adapter and in-process callers: the StreamEvent union, the SSE framing,
// and the operation catalog.
package transport

import "encoding/json"

// EventType discriminates StreamEvent variants.
type EventType string

const (
	EventTextDelta           EventType = "text_delta"
	EventToolCallStart       EventType = "tool_call_start"
	EventToolCallDelta       EventType = "tool_call_delta"
	EventToolCallEnd         EventType = "tool_call_end"
	EventToolApprovalRequest EventType = "tool_approval_request"
	EventQuestionRequest     EventType = "question_request"
	EventStatus              EventType = "status"
	EventSessionStatus       EventType = "session_status"
	EventDone                EventType = "done"
	EventError               EventType = "error"
	EventRelayMessage        EventType = "relay_message"
	EventRelayReceipt        EventType = "relay_receipt"
	EventMessageDelivered    EventType = "message_delivered"
	EventSyncUpdate          EventType = "sync_update"
	EventTask                EventType = "task"
)

// StreamEvent is the unified event produced by the Agent Manager and
// consumed by every transport. Exactly the fields a variant carries are
// set; everything else is omitted on the wire.
type StreamEvent struct {
	Type EventType `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// tool_call_* / tool_approval_request / question_request
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	Approved   *bool           `json:"approved,omitempty"`
	Questions  []Question      `json:"questions,omitempty"`

	// status: "running" | "idle"
	Status string `json:"status,omitempty"`

	// session_status
	SessionID string `json:"sessionId,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`

	// relay_message / relay_receipt / message_delivered
	RelayMessageID string          `json:"relayMessageId,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DeliveredTo    int             `json:"deliveredTo,omitempty"`

	// sync_update
	Cwd string `json:"cwd,omitempty"`

	// task
	Task *TaskProgress `json:"task,omitempty"`

	// done
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`
}

// Question is a single structured question inside a question_request.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// TaskProgress carries structured task updates reported by the runtime.
type TaskProgress struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Status string `json:"status"` // pending | in_progress | completed
}

// TextEvent is a convenience constructor for text deltas.
func TextEvent(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

// ErrorEvent builds the single error frame a failed stream terminates with.
func ErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: EventError, Code: code, Message: message}
}

// DoneEvent marks normal stream completion.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}
