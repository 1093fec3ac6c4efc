package agent

import (
	"context"
	"time"

	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// editTools are the built-in tools auto-allowed under acceptEdits.
var editTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// readOnlyTools are allowed under plan mode; everything else is denied.
var readOnlyTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"LS":        true,
	"WebFetch":  true,
	"WebSearch": true,
	"TodoWrite": true,
	"Task":      true,
}

// canUseTool implements the runtime's tool-approval callback for one
// session. It fires synchronously from the runtime and suspends its caller
// until resolved or timed out.
func (m *Manager) canUseTool(s *Session) func(ctx context.Context, req runtime.ToolRequest) (bool, error) {
	return func(ctx context.Context, req runtime.ToolRequest) (bool, error) {
		switch s.Mode {
		case runtime.ModeBypassPermissions:
			s.setDecision(req.ToolCallID, true)
			return true, nil
		case runtime.ModePlan:
			allowed := readOnlyTools[req.ToolName]
			s.setDecision(req.ToolCallID, allowed)
			return allowed, nil
		case runtime.ModeAcceptEdits:
			if editTools[req.ToolName] {
				s.setDecision(req.ToolCallID, true)
				return true, nil
			}
		}
		return m.promptApproval(ctx, s, req)
	}
}

// promptApproval registers a pending approval, emits a
// tool_approval_request event into the session stream, and waits. An
// unresolved approval denies after the timeout. A denial emits the
// tool_call_end itself, since the runtime skips the tool entirely.
func (m *Manager) promptApproval(ctx context.Context, s *Session, req runtime.ToolRequest) (bool, error) {
	p := &pendingInteraction{
		kind:     pendingApproval,
		approval: make(chan bool, 1),
	}
	p.timer = time.AfterFunc(approvalTimeout, func() {
		if stale, ok := s.takePending(req.ToolCallID); ok {
			select {
			case stale.approval <- false:
			default:
			}
		}
	})
	s.addPending(req.ToolCallID, p)

	s.enqueue(transport.StreamEvent{
		Type:       transport.EventToolApprovalRequest,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		ToolInput:  req.Input,
	})

	select {
	case approved := <-p.approval:
		s.setDecision(req.ToolCallID, approved)
		if !approved {
			s.markEnded(req.ToolCallID)
			denied := approved
			s.enqueue(transport.StreamEvent{
				Type:       transport.EventToolCallEnd,
				ToolCallID: req.ToolCallID,
				Approved:   &denied,
			})
		}
		return approved, nil
	case <-ctx.Done():
		s.takePending(req.ToolCallID)
		p.stop()
		return false, ctx.Err()
	}
}

// askQuestion registers a pending question and waits for structured
// answers. The same timeout discipline as approvals applies; a timeout
// resolves with no answers.
func (m *Manager) askQuestion(s *Session) func(ctx context.Context, req runtime.QuestionRequest) (map[string]string, error) {
	return func(ctx context.Context, req runtime.QuestionRequest) (map[string]string, error) {
		p := &pendingInteraction{
			kind:    pendingQuestion,
			answers: make(chan map[string]string, 1),
		}
		p.timer = time.AfterFunc(approvalTimeout, func() {
			if stale, ok := s.takePending(req.ToolCallID); ok {
				select {
				case stale.answers <- nil:
				default:
				}
			}
		})
		s.addPending(req.ToolCallID, p)

		questions := make([]transport.Question, len(req.Questions))
		for i, q := range req.Questions {
			questions[i] = transport.Question{ID: q.ID, Prompt: q.Prompt, Options: q.Options}
		}
		s.enqueue(transport.StreamEvent{
			Type:       transport.EventQuestionRequest,
			ToolCallID: req.ToolCallID,
			Questions:  questions,
		})

		select {
		case answers := <-p.answers:
			return answers, nil
		case <-ctx.Done():
			s.takePending(req.ToolCallID)
			p.stop()
			return nil, ctx.Err()
		}
	}
}
