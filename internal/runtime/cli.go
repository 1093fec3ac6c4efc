package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

// CLIRuntime drives the runtime executable over stream-json stdio.
type CLIRuntime struct {
	bin    string
	logger *slog.Logger

	modelsMu sync.Mutex
	models   []ModelInfo
}

func NewCLIRuntime(bin string, logger *slog.Logger) *CLIRuntime {
	return &CLIRuntime{bin: bin, logger: logger}
}

// Query spawns one runtime process for the request and returns its event
// stream. The process lives until the terminal result event or Close.
func (r *CLIRuntime) Query(ctx context.Context, req QueryRequest) (Stream, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", string(req.PermissionMode))
	}
	if req.AllowDangerousSkip {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", req.SystemPromptAppend)
	}
	if len(req.MCPServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": req.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = req.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &cliStream{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
		req:    req,
		logger: r.logger,
		ctx:    streamCtx,
		cancel: cancel,
	}
	go s.readLoop(stdout)

	// First stdin frame is the user message.
	if err := s.writeFrame(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": req.Prompt,
		},
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	return s, nil
}

// SupportedModels asks the binary for its model list, caching the result.
// A failure falls back to the previous cache (possibly empty).
func (r *CLIRuntime) SupportedModels(ctx context.Context) ([]ModelInfo, error) {
	r.modelsMu.Lock()
	defer r.modelsMu.Unlock()

	out, err := exec.CommandContext(ctx, r.bin, "models", "--json").Output()
	if err != nil {
		if r.logger != nil {
			r.logger.Debug("model listing failed", "error", err)
		}
		return r.models, nil
	}
	var models []ModelInfo
	if err := json.Unmarshal(out, &models); err != nil {
		return r.models, nil
	}
	r.models = models
	return models, nil
}

type cliStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	events  chan Event
	errs    chan error
	req     QueryRequest
	logger  *slog.Logger
	closed  atomic.Bool

	// ctx spans the stream's life: Close cancels it, unblocking the read
	// loop and any suspended approval callback.
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *cliStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case err := <-s.errs:
		return Event{}, err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *cliStream) Interrupt() error {
	return s.writeFrame(map[string]any{
		"type":    "control_request",
		"request": map[string]any{"subtype": "interrupt"},
	})
}

func (s *cliStream) SetPermissionMode(mode PermissionMode) error {
	return s.writeFrame(map[string]any{
		"type":    "control_request",
		"request": map[string]any{"subtype": "set_permission_mode", "mode": string(mode)},
	})
}

func (s *cliStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func (s *cliStream) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = fmt.Fprintf(s.stdin, "%s\n", data)
	return err
}

// outFrame is the superset of runtime stdout line shapes we consume.
type outFrame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`

	Event *struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta *struct {
			Type        string `json:"type"`
			Text        string `json:"text,omitempty"`
			PartialJSON string `json:"partial_json,omitempty"`
		} `json:"delta,omitempty"`
		ContentBlock *contentBlock `json:"content_block,omitempty"`
	} `json:"event,omitempty"`

	Request *struct {
		Subtype   string          `json:"subtype"`
		RequestID string          `json:"request_id"`
		ToolName  string          `json:"tool_name,omitempty"`
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		Questions []Question      `json:"questions,omitempty"`
	} `json:"request,omitempty"`

	Task *struct {
		ID     string `json:"id"`
		Label  string `json:"label"`
		Status string `json:"status"`
	} `json:"task,omitempty"`

	IsError    bool    `json:"is_error,omitempty"`
	Result     string  `json:"result,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// emit hands an event to the consumer unless the stream is closing; a
// false return means the loop should stop.
func (s *cliStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *cliStream) readLoop(stdout io.Reader) {
	defer close(s.events)

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	openTools := map[int]string{} // stream index → tool call id

	for sc.Scan() {
		var frame outFrame
		if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "system":
			if frame.Subtype == "init" && frame.SessionID != "" {
				if !s.emit(Event{Kind: KindInit, SessionID: frame.SessionID}) {
					return
				}
			}

		case "assistant":
			if frame.Message == nil {
				continue
			}
			for _, block := range frame.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						if !s.emit(Event{Kind: KindTextDelta, Text: block.Text}) {
							return
						}
					}
				case "tool_use":
					if !s.emit(Event{Kind: KindToolUseStart, ToolCallID: block.ID, ToolName: block.Name, ToolInput: block.Input}) {
						return
					}
					if !s.emit(Event{Kind: KindToolUseEnd, ToolCallID: block.ID}) {
						return
					}
				}
			}

		case "stream_event":
			if frame.Event == nil {
				continue
			}
			switch frame.Event.Type {
			case "content_block_start":
				if cb := frame.Event.ContentBlock; cb != nil && cb.Type == "tool_use" {
					openTools[frame.Event.Index] = cb.ID
					if !s.emit(Event{Kind: KindToolUseStart, ToolCallID: cb.ID, ToolName: cb.Name}) {
						return
					}
				}
			case "content_block_delta":
				if d := frame.Event.Delta; d != nil {
					switch d.Type {
					case "text_delta":
						if !s.emit(Event{Kind: KindTextDelta, Text: d.Text}) {
							return
						}
					case "input_json_delta":
						if !s.emit(Event{Kind: KindToolUseDelta, ToolCallID: openTools[frame.Event.Index], PartialJSON: d.PartialJSON}) {
							return
						}
					}
				}
			case "content_block_stop":
				if id, ok := openTools[frame.Event.Index]; ok {
					delete(openTools, frame.Event.Index)
					if !s.emit(Event{Kind: KindToolUseEnd, ToolCallID: id}) {
						return
					}
				}
			}

		case "task_progress":
			if frame.Task != nil {
				if !s.emit(Event{Kind: KindTaskUpdate, TaskID: frame.Task.ID, TaskLabel: frame.Task.Label, TaskStatus: frame.Task.Status}) {
					return
				}
			}

		case "control_request":
			s.handleControlRequest(frame)

		case "result":
			s.emit(Event{
				Kind:       KindResult,
				SessionID:  frame.SessionID,
				IsError:    frame.IsError,
				ErrorText:  frame.Result,
				CostUSD:    frame.CostUSD,
				DurationMS: frame.DurationMS,
			})
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case s.errs <- fmt.Errorf("runtime stream: %w", err):
		case <-s.ctx.Done():
		}
	}
}

// handleControlRequest resolves can_use_tool and ask_user requests through
// the query callbacks and replies on stdin. The callback suspends the
// runtime's turn until resolved.
func (s *cliStream) handleControlRequest(frame outFrame) {
	req := frame.Request
	if req == nil {
		return
	}
	// The stream context, so Close cancels a suspended callback.
	ctx := s.ctx

	switch req.Subtype {
	case "can_use_tool":
		allowed := false
		if s.req.CanUseTool != nil {
			ok, err := s.req.CanUseTool(ctx, ToolRequest{ToolCallID: req.ToolUseID, ToolName: req.ToolName, Input: req.Input})
			if err != nil && s.logger != nil {
				s.logger.Warn("tool approval callback failed", "tool", req.ToolName, "error", err)
			}
			allowed = ok && err == nil
		}
		behavior := "deny"
		if allowed {
			behavior = "allow"
		}
		s.writeFrame(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"request_id": req.RequestID,
				"behavior":   behavior,
			},
		})

	case "ask_user":
		answers := map[string]string{}
		if s.req.AskQuestion != nil {
			got, err := s.req.AskQuestion(ctx, QuestionRequest{ToolCallID: req.ToolUseID, Questions: req.Questions})
			if err == nil {
				answers = got
			}
		}
		s.writeFrame(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"request_id": req.RequestID,
				"answers":    answers,
			},
		})
	}
}
