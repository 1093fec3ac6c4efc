package agent

import (
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// pendingKind distinguishes the two interaction variants.
type pendingKind int

const (
	pendingApproval pendingKind = iota
	pendingQuestion
)

// pendingInteraction is a suspended tool approval or question keyed by
// tool-call ID. Exactly one of the resolver channels is used.
type pendingInteraction struct {
	kind     pendingKind
	approval chan bool
	answers  chan map[string]string
	timer    *time.Timer
}

func (p *pendingInteraction) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Session is one live conversation owned by the Agent Manager.
type Session struct {
	Key          string
	SDKSessionID string // equals Key until the runtime assigns its own
	Cwd          string
	Mode         runtime.PermissionMode
	Model        string
	HasStarted   bool
	LastActivity time.Time

	// SystemPromptAppend is a per-session suffix added after the computed
	// context blocks.
	SystemPromptAppend string

	mu       sync.Mutex
	pending  map[string]*pendingInteraction
	outcomes map[string]toolOutcome

	// queue holds events injected by other server code while a query is
	// streaming; notify is the single-waiter wakeup for the merge loop.
	queue  []transport.StreamEvent
	notify chan struct{}

	// active is the in-flight query handle, nil when idle.
	active runtime.Stream
}

func newSession(key string, mode runtime.PermissionMode, cwd string, now time.Time) *Session {
	if mode == "" {
		mode = runtime.ModeDefault
	}
	return &Session{
		Key:          key,
		SDKSessionID: key,
		Cwd:          cwd,
		Mode:         mode,
		LastActivity: now,
		pending:      make(map[string]*pendingInteraction),
		outcomes:     make(map[string]toolOutcome),
		notify:       make(chan struct{}, 1),
	}
}

// enqueue appends an event for the active merge loop and wakes it.
func (s *Session) enqueue(ev transport.StreamEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued events.
func (s *Session) drain() []transport.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

// addPending registers a pending interaction; the caller owns timeout setup.
func (s *Session) addPending(toolCallID string, p *pendingInteraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[toolCallID]; ok {
		prev.stop()
	}
	s.pending[toolCallID] = p
}

// takePending removes and returns the pending interaction for toolCallID.
func (s *Session) takePending(toolCallID string) (*pendingInteraction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[toolCallID]
	if ok {
		delete(s.pending, toolCallID)
	}
	return p, ok
}

// clearPending stops all timers and drops every pending interaction.
// Called on eviction.
func (s *Session) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.stop()
		delete(s.pending, id)
	}
}

// toolOutcome records a permission decision for one tool call so the
// tool_call_end event can carry it. ended marks that the approval flow
// already emitted the end event itself.
type toolOutcome struct {
	decided  bool
	approved bool
	ended    bool
}

// setDecision records an approval decision for a tool call.
func (s *Session) setDecision(toolCallID string, approved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outcomes[toolCallID]
	o.decided = true
	o.approved = approved
	s.outcomes[toolCallID] = o
}

// markEnded records that the approval flow emitted the tool_call_end for
// this tool call; the runtime's own end event is then dropped.
func (s *Session) markEnded(toolCallID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outcomes[toolCallID]
	o.ended = true
	s.outcomes[toolCallID] = o
}

// endOutcome consumes the recorded outcome for a finished tool call.
// suppress is true when the end event was already emitted; otherwise
// approved carries the decision to attach, or nil when none was made.
func (s *Session) endOutcome(toolCallID string) (approved *bool, suppress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[toolCallID]
	if !ok {
		return nil, false
	}
	delete(s.outcomes, toolCallID)
	if o.ended {
		return nil, true
	}
	if o.decided {
		a := o.approved
		return &a, false
	}
	return nil, false
}

// clearOutcomes drops decisions left over from a previous send.
func (s *Session) clearOutcomes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = make(map[string]toolOutcome)
}

// setActive records the in-flight query handle.
func (s *Session) setActive(stream runtime.Stream) {
	s.mu.Lock()
	s.active = stream
	s.mu.Unlock()
}

// Active returns the in-flight query handle, or nil.
func (s *Session) Active() runtime.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
