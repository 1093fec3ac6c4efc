package relay

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dorkos-sh/dorkos/internal/transport"
)

func TestSessionKeyStrategies(t *testing.T) {
	msg := InboundMessage{AdapterID: "hooks", ChatID: "c1", ChannelType: "dm"}

	perUser := sessionKeyFor(Binding{Strategy: StrategyPerUser}, msg)
	if perUser != sessionKeyFor(Binding{Strategy: StrategyPerUser}, msg) {
		t.Fatal("per-user key not stable")
	}

	perChat := sessionKeyFor(Binding{Strategy: StrategyPerChat}, msg)
	otherChannel := sessionKeyFor(Binding{Strategy: StrategyPerChat}, InboundMessage{AdapterID: "hooks", ChatID: "c1", ChannelType: "group"})
	if perChat == otherChannel {
		t.Fatal("per-chat key ignores channel type")
	}

	s1 := sessionKeyFor(Binding{Strategy: StrategyStateless}, msg)
	s2 := sessionKeyFor(Binding{Strategy: StrategyStateless}, msg)
	if s1 == s2 {
		t.Fatal("stateless keys collide")
	}
	for _, k := range []string{perUser, perChat, s1} {
		if !strings.HasPrefix(k, "relay-") {
			t.Fatalf("key %q missing prefix", k)
		}
	}
}

func TestBridgeStreamsResponses(t *testing.T) {
	r := newTestRelay(t, false)
	bindings := newTestBindings(t)
	if _, err := bindings.Create(Binding{
		AdapterID: "hooks",
		AgentID:   "a1",
		AgentDir:  "/ws/proj",
		Strategy:  StrategyPerChat,
	}); err != nil {
		t.Fatal(err)
	}

	var gotKey, gotCwd, gotContent string
	send := func(ctx context.Context, sessionKey, content, cwd string) (<-chan transport.StreamEvent, error) {
		gotKey, gotContent, gotCwd = sessionKey, content, cwd
		ch := make(chan transport.StreamEvent, 2)
		ch <- transport.TextEvent("hi back")
		ch <- transport.DoneEvent()
		close(ch)
		return ch, nil
	}
	b := NewBridge(r, bindings, send, nil)

	// Capture everything published on the response subject.
	var responses []Envelope
	r.Subscribe("relay.response.>", func(ctx context.Context, env Envelope) error {
		responses = append(responses, env)
		return nil
	}, nil)

	if err := b.Ingress()(context.Background(), InboundMessage{
		AdapterID: "hooks",
		ChatID:    "c1",
		Text:      "hello",
	}); err != nil {
		t.Fatal(err)
	}

	if gotContent != "hello" || gotCwd != "/ws/proj" || !strings.HasPrefix(gotKey, "relay-") {
		t.Fatalf("send call = key %q content %q cwd %q", gotKey, gotContent, gotCwd)
	}

	// Two stream events plus the closing receipt.
	if len(responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(responses))
	}
	var receipt map[string]any
	if err := json.Unmarshal(responses[len(responses)-1].Payload, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt["type"] != string(transport.EventRelayReceipt) || receipt["status"] != "completed" {
		t.Fatalf("receipt = %v", receipt)
	}
	if receipt["events"].(float64) != 2 {
		t.Fatalf("receipt events = %v", receipt["events"])
	}
}

func TestBridgeNoBinding(t *testing.T) {
	r := newTestRelay(t, false)
	bindings := newTestBindings(t)

	called := false
	send := func(ctx context.Context, sessionKey, content, cwd string) (<-chan transport.StreamEvent, error) {
		called = true
		return nil, nil
	}
	b := NewBridge(r, bindings, send, nil)

	if err := b.Ingress()(context.Background(), InboundMessage{AdapterID: "unknown", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("send invoked without a binding")
	}
}
