package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// SSEWriter frames StreamEvents per the SSE convention: `id:` monotonic
// within the stream, `event:` the variant name, `data:` one JSON line,
// frames separated by a blank line.
type SSEWriter struct {
	w      io.Writer
	flush  func()
	nextID int
}

// NewSSEWriter prepares w for an SSE stream. When w is an http.ResponseWriter
// the anti-buffering headers are set and each frame is flushed.
func NewSSEWriter(w io.Writer) *SSEWriter {
	s := &SSEWriter{w: w, flush: func() {}}
	if rw, ok := w.(http.ResponseWriter); ok {
		h := rw.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		if f, ok := w.(http.Flusher); ok {
			s.flush = f.Flush
		}
	}
	return s
}

// Send writes one event frame.
func (s *SSEWriter) Send(ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, ev.Type, data); err != nil {
		return err
	}
	s.nextID++
	s.flush()
	return nil
}

// SendNamed writes one frame with an explicit event name and an arbitrary
// JSON payload. Used by streams that carry non-StreamEvent data, like the
// relay message feed.
func (s *SSEWriter) SendNamed(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, event, data); err != nil {
		return err
	}
	s.nextID++
	s.flush()
	return nil
}

// SendRetry emits a reconnection hint.
func (s *SSEWriter) SendRetry(ms int) error {
	_, err := fmt.Fprintf(s.w, "retry: %d\n\n", ms)
	s.flush()
	return err
}

// ParseSSE decodes an SSE byte stream back into events. Used by tests and
// by in-process consumers of recorded streams.
func ParseSSE(r io.Reader) ([]StreamEvent, error) {
	var events []StreamEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data string
	flush := func() error {
		if data == "" {
			return nil
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return err
		}
		events = append(events, ev)
		data = ""
		return nil
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "id:"):
			if _, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "id:"))); err != nil {
				return nil, fmt.Errorf("bad sse id line %q", line)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return events, nil
}
