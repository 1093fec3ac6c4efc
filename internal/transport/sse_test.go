package transport

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestSSE_RoundTrip(t *testing.T) {
	approved := false
	in := []StreamEvent{
		TextEvent("hel"),
		TextEvent("lo"),
		{Type: EventToolCallStart, ToolCallID: "t1", ToolName: "Write", ToolInput: json.RawMessage(`{"file":"a.go"}`)},
		{Type: EventToolApprovalRequest, ToolCallID: "t1", ToolName: "Write"},
		{Type: EventToolCallEnd, ToolCallID: "t1", Approved: &approved},
		{Type: EventSessionStatus, SessionID: "abc"},
		DoneEvent(),
	}

	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	for _, ev := range in {
		if err := w.Send(ev); err != nil {
			t.Fatal(err)
		}
	}

	out, err := ParseSSE(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestSSE_Framing(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	if err := w.Send(ErrorEvent("BOUNDARY_VIOLATION", "path outside boundary")); err != nil {
		t.Fatal(err)
	}

	got := buf.String()
	if !strings.HasPrefix(got, "id: 0\nevent: error\ndata: {") {
		t.Fatalf("unexpected framing:\n%s", got)
	}
	if !strings.HasSuffix(got, "}\n\n") {
		t.Fatalf("frame not blank-line terminated:\n%q", got)
	}
	if strings.Count(got, "\n\n") != 1 {
		t.Fatalf("expected exactly one frame separator:\n%q", got)
	}
}

func TestSSE_MonotonicIDs(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	for i := 0; i < 3; i++ {
		if err := w.Send(TextEvent("x")); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range []string{"id: 0", "id: 1", "id: 2"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("frame %d missing %q", i, want)
		}
	}
}

func TestCatalog_CoversRouteGroups(t *testing.T) {
	ops := Catalog()
	byName := map[string]Operation{}
	for _, op := range ops {
		if _, dup := byName[op.Name]; dup {
			t.Fatalf("duplicate operation %q", op.Name)
		}
		byName[op.Name] = op
	}

	for _, required := range []string{
		"sessions.send", "sessions.approve", "sessions.lock", "sync.stream",
		"pulse.schedules.run", "pulse.runs.cancel",
		"relay.publish", "relay.inbox.read", "relay.metrics",
		"mesh.discover", "mesh.topology", "config.get",
	} {
		if _, ok := byName[required]; !ok {
			t.Errorf("catalog missing %q", required)
		}
	}

	if !byName["sessions.send"].Streaming {
		t.Error("sessions.send must be streaming")
	}
	if byName["config.get"].Streaming {
		t.Error("config.get must not be streaming")
	}
}
