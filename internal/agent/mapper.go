package agent

import (
	"encoding/json"

	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// eventMapper translates runtime events into StreamEvents. It is pure
// except for the per-query tool-state accumulator and the session-id
// rebinding it triggers through onSessionID.
type eventMapper struct {
	onSessionID func(sdkSessionID string)
	// endOutcome reports the permission decision for a finished tool
	// call, and whether its end event was already emitted by the
	// approval flow.
	endOutcome func(toolCallID string) (approved *bool, suppress bool)

	announced bool
	partials  map[string]string // tool call id → accumulated partial JSON
	sawResult bool
}

func newEventMapper(onSessionID func(string), endOutcome func(string) (*bool, bool)) *eventMapper {
	return &eventMapper{
		onSessionID: onSessionID,
		endOutcome:  endOutcome,
		partials:    make(map[string]string),
	}
}

// Map converts one runtime event into zero or more stream events.
func (em *eventMapper) Map(ev runtime.Event) []transport.StreamEvent {
	switch ev.Kind {
	case runtime.KindInit:
		return em.sessionStatus(ev.SessionID)

	case runtime.KindTextDelta:
		return []transport.StreamEvent{transport.TextEvent(ev.Text)}

	case runtime.KindToolUseStart:
		em.partials[ev.ToolCallID] = ""
		return []transport.StreamEvent{{
			Type:       transport.EventToolCallStart,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			ToolInput:  ev.ToolInput,
		}}

	case runtime.KindToolUseDelta:
		em.partials[ev.ToolCallID] += ev.PartialJSON
		return []transport.StreamEvent{{
			Type:       transport.EventToolCallDelta,
			ToolCallID: ev.ToolCallID,
			Text:       ev.PartialJSON,
		}}

	case runtime.KindToolUseEnd:
		out := transport.StreamEvent{
			Type:       transport.EventToolCallEnd,
			ToolCallID: ev.ToolCallID,
		}
		if partial := em.partials[ev.ToolCallID]; partial != "" && json.Valid([]byte(partial)) {
			out.ToolInput = json.RawMessage(partial)
		}
		delete(em.partials, ev.ToolCallID)
		if em.endOutcome != nil {
			approved, suppress := em.endOutcome(ev.ToolCallID)
			if suppress {
				return nil
			}
			out.Approved = approved
		}
		return []transport.StreamEvent{out}

	case runtime.KindTaskUpdate:
		return []transport.StreamEvent{{
			Type: transport.EventTask,
			Task: &transport.TaskProgress{ID: ev.TaskID, Label: ev.TaskLabel, Status: ev.TaskStatus},
		}}

	case runtime.KindResult:
		em.sawResult = true
		var out []transport.StreamEvent
		out = append(out, em.sessionStatus(ev.SessionID)...)
		if ev.IsError {
			out = append(out, transport.ErrorEvent(string(dorkErrCodeForResult(ev)), ev.ErrorText))
		} else {
			done := transport.DoneEvent()
			done.CostUSD = ev.CostUSD
			done.DurationMS = ev.DurationMS
			out = append(out, done)
		}
		return out
	}
	return nil
}

// SawResult reports whether a terminal result event passed through; if not,
// the send loop emits a synthetic done.
func (em *eventMapper) SawResult() bool { return em.sawResult }

// sessionStatus emits session_status the first time a runtime session ID is
// reported and keeps the reverse index current.
func (em *eventMapper) sessionStatus(sdkSessionID string) []transport.StreamEvent {
	if sdkSessionID == "" {
		return nil
	}
	if em.onSessionID != nil {
		em.onSessionID(sdkSessionID)
	}
	if em.announced {
		return nil
	}
	em.announced = true
	return []transport.StreamEvent{{Type: transport.EventSessionStatus, SessionID: sdkSessionID}}
}

func dorkErrCodeForResult(ev runtime.Event) string {
	if runtime.IsResumeFailure(ev.ErrorText) {
		return "RESUME_FAILED"
	}
	return "INTERNAL_ERROR"
}
