package agent

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

func TestCanUseToolModePolicy(t *testing.T) {
	tests := []struct {
		name string
		mode runtime.PermissionMode
		tool string
		want bool
	}{
		{"bypass allows anything", runtime.ModeBypassPermissions, "Bash", true},
		{"plan allows read-only", runtime.ModePlan, "Grep", true},
		{"plan denies writes", runtime.ModePlan, "Write", false},
		{"acceptEdits auto-allows edits", runtime.ModeAcceptEdits, "Edit", true},
	}
	m := newTestManager(t, &fakeRuntime{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := m.EnsureSession("s-"+tt.tool+string(tt.mode), EnsureOptions{PermissionMode: tt.mode})
			got, err := m.canUseTool(s)(context.Background(), runtime.ToolRequest{ToolCallID: "tc", ToolName: tt.tool})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("allowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPromptApprovalResolved(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	s, _ := m.EnsureSession("chat-1", EnsureOptions{})

	done := make(chan bool, 1)
	go func() {
		allowed, _ := m.canUseTool(s)(context.Background(), runtime.ToolRequest{ToolCallID: "tc1", ToolName: "Bash"})
		done <- allowed
	}()

	// The request event lands in the session queue; resolve it.
	waitFor(t, func() bool {
		for _, ev := range s.drain() {
			if ev.Type == transport.EventToolApprovalRequest && ev.ToolCallID == "tc1" {
				return true
			}
		}
		return false
	})
	if !m.ApproveTool("chat-1", "tc1", true) {
		t.Fatal("ApproveTool found no pending approval")
	}

	select {
	case allowed := <-done:
		if !allowed {
			t.Fatal("approval result = denied")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval never resolved")
	}
}

func TestApproveToolKindMismatch(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	s, _ := m.EnsureSession("chat-1", EnsureOptions{})

	go m.askQuestion(s)(context.Background(), runtime.QuestionRequest{
		ToolCallID: "q1",
		Questions:  []runtime.Question{{ID: "a", Prompt: "pick one"}},
	})
	waitFor(t, func() bool {
		_, ok := s.pendingFor("q1")
		return ok
	})

	// Approving a question must fail and leave it pending for SubmitAnswers.
	if m.ApproveTool("chat-1", "q1", true) {
		t.Fatal("ApproveTool resolved a question")
	}
	if !m.SubmitAnswers("chat-1", "q1", map[string]string{"a": "yes"}) {
		t.Fatal("question lost after mismatched approve")
	}
}

func TestPromptApprovalContextCancel(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	s, _ := m.EnsureSession("chat-1", EnsureOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.canUseTool(s)(ctx, runtime.ToolRequest{ToolCallID: "tc1", ToolName: "Bash"})
		done <- err
	}()
	waitFor(t, func() bool {
		_, ok := s.pendingFor("tc1")
		return ok
	})
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("approval never unblocked on cancel")
	}
	if _, ok := s.pendingFor("tc1"); ok {
		t.Fatal("pending entry leaked after cancel")
	}
}

func TestToolOutcomeLifecycle(t *testing.T) {
	s := newSession("chat-1", "", "", time.Now())

	// A plain decision attaches to the runtime's end event once.
	s.setDecision("tc1", false)
	approved, suppress := s.endOutcome("tc1")
	if suppress || approved == nil || *approved {
		t.Fatalf("outcome = %v, %v", approved, suppress)
	}
	if approved, suppress = s.endOutcome("tc1"); approved != nil || suppress {
		t.Fatal("outcome not consumed")
	}

	// A denial that already emitted its end suppresses the duplicate.
	s.setDecision("tc2", false)
	s.markEnded("tc2")
	if _, suppress = s.endOutcome("tc2"); !suppress {
		t.Fatal("emitted end not suppressed")
	}

	s.setDecision("tc3", true)
	s.clearOutcomes()
	if approved, _ = s.endOutcome("tc3"); approved != nil {
		t.Fatal("outcome survived clearOutcomes")
	}
}

// approvalFlowRuntime scripts a query that asks permission for one Write
// call and continues once the decision arrives, the way the CLI runtime
// suspends on a control request.
type approvalFlowRuntime struct{}

func (f *approvalFlowRuntime) Query(ctx context.Context, req runtime.QueryRequest) (runtime.Stream, error) {
	return &approvalFlowStream{req: req}, nil
}

func (f *approvalFlowRuntime) SupportedModels(ctx context.Context) ([]runtime.ModelInfo, error) {
	return nil, nil
}

type approvalFlowStream struct {
	req  runtime.QueryRequest
	step int
}

func (s *approvalFlowStream) Next(ctx context.Context) (runtime.Event, error) {
	s.step++
	switch s.step {
	case 1:
		return runtime.Event{Kind: runtime.KindInit, SessionID: "sdk-1"}, nil
	case 2:
		return runtime.Event{Kind: runtime.KindTextDelta, Text: "Writing the file."}, nil
	case 3:
		return runtime.Event{
			Kind:       runtime.KindToolUseStart,
			ToolCallID: "tc1",
			ToolName:   "Write",
			ToolInput:  json.RawMessage(`{"file_path":"main.go"}`),
		}, nil
	case 4:
		allowed, err := s.req.CanUseTool(ctx, runtime.ToolRequest{ToolCallID: "tc1", ToolName: "Write"})
		if err != nil {
			return runtime.Event{}, err
		}
		if allowed {
			return runtime.Event{Kind: runtime.KindToolUseEnd, ToolCallID: "tc1"}, nil
		}
		return runtime.Event{Kind: runtime.KindTextDelta, Text: "Understood, leaving the file alone."}, nil
	case 5:
		return runtime.Event{Kind: runtime.KindResult, SessionID: "sdk-1"}, nil
	}
	return runtime.Event{}, io.EOF
}

func (s *approvalFlowStream) Interrupt() error                               { return nil }
func (s *approvalFlowStream) SetPermissionMode(runtime.PermissionMode) error { return nil }
func (s *approvalFlowStream) Close() error                                   { return nil }

func TestSendMessageDeniedWriteOrdering(t *testing.T) {
	m := newTestManager(t, &approvalFlowRuntime{})

	ch, err := m.SendMessage(context.Background(), "chat-1", "write main.go", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var got []transport.StreamEvent
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break collect
			}
			got = append(got, ev)
			if ev.Type == transport.EventToolApprovalRequest {
				if !m.ApproveTool("chat-1", ev.ToolCallID, false) {
					t.Fatal("no pending approval to deny")
				}
			}
		case <-timeout:
			t.Fatalf("stream did not terminate; got %v", typesOf(got))
		}
	}

	want := []transport.EventType{
		transport.EventStatus,
		transport.EventSessionStatus,
		transport.EventTextDelta,
		transport.EventToolCallStart,
		transport.EventToolApprovalRequest,
		transport.EventToolCallEnd,
		transport.EventTextDelta,
		transport.EventDone,
		transport.EventStatus,
	}
	if gotTypes := typesOf(got); len(gotTypes) != len(want) {
		t.Fatalf("event types = %v, want %v", gotTypes, want)
	} else {
		for i := range want {
			if gotTypes[i] != want[i] {
				t.Fatalf("event[%d] = %s, want %s (all: %v)", i, gotTypes[i], want[i], gotTypes)
			}
		}
	}

	var end transport.StreamEvent
	for _, ev := range got {
		if ev.Type == transport.EventToolCallEnd {
			end = ev
		}
	}
	if end.ToolCallID != "tc1" {
		t.Fatalf("end toolCallId = %q", end.ToolCallID)
	}
	if end.Approved == nil || *end.Approved {
		t.Fatalf("end approved = %v, want explicit false", end.Approved)
	}
}

// pendingFor peeks at a pending interaction without removing it.
func (s *Session) pendingFor(toolCallID string) (*pendingInteraction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[toolCallID]
	return p, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
