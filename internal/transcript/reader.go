// Package transcript reads the LLM runtime's on-disk session transcripts.
// The runtime writes one JSONL file per session under a directory whose
// name is derived from the session's working directory. The reader never
// writes.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Reader lists sessions and reads line-oriented transcripts.
type Reader struct {
	root string // e.g. ~/.claude/projects
}

func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// SessionSummary describes one on-disk session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"createdAt"`
	Cwd       string    `json:"cwd"`
}

// Message is one line of a transcript.
type Message struct {
	Type      string          `json:"type"` // "user" | "assistant" | others
	Message   json.RawMessage `json:"message,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ProjectDir derives the transcript directory name for a working directory:
// every path separator and dot becomes a dash.
func ProjectDir(cwd string) string {
	s := strings.ReplaceAll(cwd, string(filepath.Separator), "-")
	return strings.ReplaceAll(s, ".", "-")
}

// Dir returns the transcript directory for cwd.
func (r *Reader) Dir(cwd string) string {
	return filepath.Join(r.root, ProjectDir(cwd))
}

// Root returns the transcript root directory.
func (r *Reader) Root() string { return r.root }

// ListSessions returns summaries for every transcript under the directory
// derived from cwd, newest first. A missing directory yields an empty list.
func (r *Reader) ListSessions(cwd string) ([]SessionSummary, error) {
	dir := r.Dir(cwd)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionSummary{}, nil
		}
		return nil, err
	}

	summaries := make([]SessionSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		title, preview := scanHeadlines(filepath.Join(dir, e.Name()))
		summaries = append(summaries, SessionSummary{
			ID:        id,
			Title:     title,
			Preview:   preview,
			CreatedAt: info.ModTime(),
			Cwd:       cwd,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// ReadTranscript returns the message stream for a session ID. When the same
// ID exists under several project directories the newest file wins.
func (r *Reader) ReadTranscript(sessionID string) ([]Message, error) {
	path, err := r.findTranscript(sessionID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, os.ErrNotExist
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue // tolerate partial writes from the runtime
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

// SessionIDForFile maps a transcript file path to its session ID, or ""
// when the path is not a transcript.
func SessionIDForFile(path string) string {
	if filepath.Ext(path) != ".jsonl" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

func (r *Reader) findTranscript(sessionID string) (string, error) {
	dirs, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	var best string
	var bestMod time.Time
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		candidate := filepath.Join(r.root, d.Name(), sessionID+".jsonl")
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = candidate
			bestMod = info.ModTime()
		}
	}
	return best, nil
}

// scanHeadlines extracts the first user message text (title) and the last
// assistant message text (preview) from a transcript file.
func scanHeadlines(path string) (title, preview string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		text := messageText(m.Message)
		if text == "" {
			continue
		}
		switch m.Type {
		case "user":
			if title == "" {
				title = truncate(text, 120)
			}
		case "assistant":
			preview = truncate(text, 200)
		}
	}
	return title, preview
}

// messageText pulls plain text out of a runtime message body, which is
// either {"content": "..."} or {"content": [{"type":"text","text":"..."}]}.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var withString struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &withString); err == nil && withString.Content != "" {
		return withString.Content
	}
	var withBlocks struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &withBlocks); err == nil {
		var b strings.Builder
		for _, c := range withBlocks.Content {
			if c.Type == "text" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(c.Text)
			}
		}
		return b.String()
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
