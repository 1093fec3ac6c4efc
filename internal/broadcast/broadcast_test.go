package broadcast

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dorkos-sh/dorkos/internal/transport"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, string) {
	t.Helper()
	root := t.TempDir()
	b, err := New(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b, root
}

func appendLine(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(`{"type":"assistant"}` + "\n"); err != nil {
		t.Fatal(err)
	}
}

func waitEvent(t *testing.T, ch <-chan transport.StreamEvent, timeout time.Duration) (transport.StreamEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(timeout):
		return transport.StreamEvent{}, false
	}
}

func TestWriteBurstCoalesces(t *testing.T) {
	b, root := newTestBroadcaster(t)
	_, ch := b.Subscribe()

	dir := filepath.Join(root, "-ws-proj")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// The directory watch needs a beat to attach before the writes land.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "sess-1.jsonl")
	for i := 0; i < 5; i++ {
		appendLine(t, path)
		time.Sleep(10 * time.Millisecond)
	}

	ev, ok := waitEvent(t, ch, 2*time.Second)
	if !ok {
		t.Fatal("no sync_update")
	}
	if ev.Type != transport.EventSyncUpdate || ev.SessionID != "sess-1" || ev.Cwd != "-ws-proj" {
		t.Fatalf("event = %+v", ev)
	}

	// The burst coalesced: no second event inside the debounce window.
	if extra, ok := waitEvent(t, ch, 300*time.Millisecond); ok {
		t.Fatalf("second event = %+v", extra)
	}
}

func TestDistinctSessionsEmitSeparately(t *testing.T) {
	b, root := newTestBroadcaster(t)
	_, ch := b.Subscribe()

	dir := filepath.Join(root, "-ws-proj")
	os.MkdirAll(dir, 0o755)
	time.Sleep(100 * time.Millisecond)

	appendLine(t, filepath.Join(dir, "a.jsonl"))
	appendLine(t, filepath.Join(dir, "b.jsonl"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev, ok := waitEvent(t, ch, 2*time.Second)
		if !ok {
			t.Fatalf("only %d events", i)
		}
		seen[ev.SessionID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("sessions = %v", seen)
	}
}

func TestNonTranscriptFilesIgnored(t *testing.T) {
	b, root := newTestBroadcaster(t)
	_, ch := b.Subscribe()

	dir := filepath.Join(root, "-ws-proj")
	os.MkdirAll(dir, 0o755)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ev, ok := waitEvent(t, ch, 500*time.Millisecond); ok {
		t.Fatalf("event for non-transcript: %+v", ev)
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	id, ch := b.Subscribe()

	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
	b.Unsubscribe(id) // idempotent

	_, ch2 := b.Subscribe()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch2; ok {
		t.Fatal("channel not closed on Close")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
