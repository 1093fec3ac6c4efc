package agent

import (
	"context"
	"errors"
	"io"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// SendMessage starts (or resumes) a runtime query for the session and
// returns the lazy event stream. The session is auto-created. The channel
// is closed when the stream terminates; cancellation of ctx interrupts the
// runtime. A SESSION_LIMIT failure is returned as an error; every other
// failure surfaces as a single error event on the stream.
func (m *Manager) SendMessage(ctx context.Context, sessionKey, content string, opts SendOptions) (<-chan transport.StreamEvent, error) {
	if opts.PermissionMode != "" && !runtime.ValidMode(opts.PermissionMode) {
		return nil, dorkerr.New(dorkerr.CodeValidationFailed, "unknown permission mode %q", opts.PermissionMode)
	}

	s, err := m.EnsureSession(sessionKey, EnsureOptions{PermissionMode: opts.PermissionMode, Cwd: opts.Cwd})
	if err != nil {
		return nil, err
	}

	out := make(chan transport.StreamEvent, 16)
	go func() {
		defer close(out)
		m.runSend(ctx, s, content, opts, out)
	}()
	return out, nil
}

func (m *Manager) runSend(ctx context.Context, s *Session, content string, opts SendOptions, out chan<- transport.StreamEvent) {
	emit := func(ev transport.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	effectiveCwd := opts.Cwd
	if effectiveCwd == "" {
		effectiveCwd = s.Cwd
	}
	if effectiveCwd == "" {
		effectiveCwd = m.defaultCwd
	}
	resolved, err := m.guard.Validate(effectiveCwd)
	if err != nil {
		ev := transport.ErrorEvent(string(dorkerr.CodeBoundaryViolation), err.Error())
		ev.Path = effectiveCwd
		emit(ev)
		return
	}

	s.Cwd = resolved
	if opts.PermissionMode != "" {
		s.Mode = opts.PermissionMode
	}
	if opts.Model != "" {
		s.Model = opts.Model
	}
	if opts.SystemPromptAppend != "" {
		s.SystemPromptAppend = opts.SystemPromptAppend
	}
	s.LastActivity = m.now()
	s.clearOutcomes()

	systemPrompt := m.buildSystemPrompt(resolved, s.SystemPromptAppend)

	emit(transport.StreamEvent{Type: transport.EventStatus, Status: "running"})

	for attempt := 0; attempt < 2; attempt++ {
		retry, ok := m.streamOnce(ctx, s, content, systemPrompt, attempt, emit)
		if !retry || !ok {
			break
		}
		// Stale resume: retry once as a fresh session.
		m.logger.Info("resume failed, retrying fresh", "key", s.Key)
	}

	emit(transport.StreamEvent{Type: transport.EventStatus, Status: "idle"})
	s.LastActivity = m.now()
}

// streamOnce runs a single runtime query. It returns retry=true when the
// query failed with a stale-resume error on a resumed session, and ok=false
// when the consumer went away.
func (m *Manager) streamOnce(ctx context.Context, s *Session, content, systemPrompt string, attempt int, emit func(transport.StreamEvent) bool) (retry, ok bool) {
	resume := ""
	if s.HasStarted && attempt == 0 {
		resume = s.SDKSessionID
	}

	req := runtime.QueryRequest{
		Prompt:             content,
		Cwd:                s.Cwd,
		ResumeSessionID:    resume,
		PermissionMode:     s.Mode,
		AllowDangerousSkip: s.Mode == runtime.ModeBypassPermissions,
		Model:              s.Model,
		SystemPromptAppend: systemPrompt,
		CanUseTool:         m.canUseTool(s),
		AskQuestion:        m.askQuestion(s),
	}
	if m.mcpFactory != nil {
		req.MCPServers = m.mcpFactory()
	}

	stream, err := m.rt.Query(ctx, req)
	if err != nil {
		if resume != "" && runtime.IsResumeFailure(err.Error()) {
			s.HasStarted = false
			return true, true
		}
		emit(transport.ErrorEvent(string(dorkerr.CodeInternal), err.Error()))
		return false, true
	}
	s.setActive(stream)
	s.HasStarted = true
	defer func() {
		s.setActive(nil)
		stream.Close()
	}()

	mapper := newEventMapper(func(sdkID string) { m.rebindSDKSession(s, sdkID) }, s.endOutcome)

	// Pump the runtime iterator into a channel so queue insertions can win
	// the race through the notify primitive.
	type pumped struct {
		ev  runtime.Event
		err error
	}
	pumpCh := make(chan pumped, 8)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go func() {
		defer close(pumpCh)
		for {
			ev, err := stream.Next(pumpCtx)
			select {
			case pumpCh <- pumped{ev, err}:
			case <-pumpCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		// Queued events first: injections and approval requests must not
		// starve behind a slow runtime read.
		for _, ev := range s.drain() {
			if !emit(ev) {
				return false, false
			}
		}

		select {
		case <-ctx.Done():
			stream.Interrupt()
			return false, false

		case <-s.notify:
			continue

		case p, open := <-pumpCh:
			// Anything enqueued before the runtime produced this event
			// (a denial's tool_call_end) must surface first.
			for _, ev := range s.drain() {
				if !emit(ev) {
					return false, false
				}
			}
			if !open {
				if !mapper.SawResult() && !emit(transport.DoneEvent()) {
					return false, false
				}
				return false, true
			}
			if p.err != nil {
				if errors.Is(p.err, io.EOF) {
					if !mapper.SawResult() {
						emit(transport.DoneEvent())
					}
					return false, true
				}
				if resume != "" && runtime.IsResumeFailure(p.err.Error()) {
					s.HasStarted = false
					return true, true
				}
				emit(transport.ErrorEvent(string(dorkerr.CodeInternal), p.err.Error()))
				return false, true
			}

			if p.ev.Kind == runtime.KindResult && p.ev.IsError &&
				resume != "" && runtime.IsResumeFailure(p.ev.ErrorText) {
				s.HasStarted = false
				return true, true
			}
			for _, ev := range mapper.Map(p.ev) {
				if !emit(ev) {
					return false, false
				}
			}
			s.LastActivity = m.now()
		}
	}
}
