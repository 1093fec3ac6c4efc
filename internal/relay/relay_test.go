package relay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
)

func newTestRelay(t *testing.T, withTrace bool) *Relay {
	t.Helper()
	gen := ids.NewGenerator()
	var trace *TraceStore
	if withTrace {
		var err error
		trace, err = NewTraceStore(filepath.Join(t.TempDir(), "traces.db"), gen, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { trace.Close() })
	}
	return New(Options{IDs: gen, Trace: trace})
}

func TestPublishFanOut(t *testing.T) {
	r := newTestRelay(t, false)

	var mu sync.Mutex
	var got []string
	handler := func(name string) Handler {
		return func(ctx context.Context, env Envelope) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}
	}
	if _, err := r.Subscribe("relay.agent.*", handler("wild"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe("relay.agent.a", handler("exact"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe("relay.other.>", handler("miss"), nil); err != nil {
		t.Fatal(err)
	}

	result, err := r.Publish(context.Background(), "relay.agent.a", json.RawMessage(`{"x":1}`), PublishOptions{From: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if result.DeliveredTo != 2 {
		t.Fatalf("deliveredTo = %d, want 2", result.DeliveredTo)
	}
	if result.MessageID == "" || result.TraceID == "" {
		t.Fatalf("result = %+v", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("handlers invoked = %v", got)
	}
}

func TestPublishInvalidSubject(t *testing.T) {
	r := newTestRelay(t, false)
	_, err := r.Publish(context.Background(), "relay..bad", nil, PublishOptions{})
	if dorkerr.CodeOf(err) != dorkerr.CodeInvalidSubject {
		t.Fatalf("err = %v, want INVALID_SUBJECT", err)
	}
}

func TestPublishAccessDenied(t *testing.T) {
	gen := ids.NewGenerator()
	r := New(Options{IDs: gen, Access: func(from, subject string) bool { return from == "trusted" }})

	_, err := r.Publish(context.Background(), "relay.agent.a", nil, PublishOptions{From: "stranger"})
	if dorkerr.CodeOf(err) != dorkerr.CodeAccessDenied {
		t.Fatalf("err = %v, want ACCESS_DENIED", err)
	}
	if _, err := r.Publish(context.Background(), "relay.agent.a", nil, PublishOptions{From: "trusted"}); err != nil {
		t.Fatalf("trusted publish: %v", err)
	}
}

// A maxHops:1 envelope is delivered once; the callback's re-publish with
// the decremented budget dead-letters and never reaches its subscriber.
func TestBudgetHopsExhausted(t *testing.T) {
	r := newTestRelay(t, true)
	ctx := context.Background()

	invokedB := false
	if _, err := r.Subscribe("relay.agent.B", func(ctx context.Context, env Envelope) error {
		invokedB = true
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe("relay.agent.A", func(ctx context.Context, env Envelope) error {
		_, err := r.Publish(ctx, "relay.agent.B", env.Payload, PublishOptions{
			From:        "relay.agent.A",
			Budget:      &env.Budget,
			BudgetExact: true,
			TraceID:     env.TraceID,
			ParentID:    env.MessageID,
		})
		return err
	}, nil); err != nil {
		t.Fatal(err)
	}

	result, err := r.Publish(ctx, "relay.agent.A", json.RawMessage(`{}`), PublishOptions{
		From:   "test",
		Budget: &Budget{MaxHops: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.DeliveredTo != 1 {
		t.Fatalf("deliveredTo = %d, want 1", result.DeliveredTo)
	}
	if invokedB {
		t.Fatal("B subscriber ran despite exhausted hops")
	}

	spans, err := r.Trace().Trace(result.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	var delivers, deadLetters int
	var deadReason, deadSubject string
	for _, s := range spans {
		switch s.Kind {
		case SpanDeliver:
			delivers++
		case SpanDeadLetter:
			deadLetters++
			deadReason = s.Error
			deadSubject = s.Subject
		}
	}
	if delivers != 1 || deadLetters != 1 {
		t.Fatalf("delivers=%d deadLetters=%d, want 1/1", delivers, deadLetters)
	}
	if deadReason != ReasonHopsExhausted {
		t.Fatalf("dead-letter reason = %q", deadReason)
	}
	if deadSubject != "relay.agent.B" {
		t.Fatalf("dead-letter subject = %q", deadSubject)
	}
}

func TestBudgetTTLExpired(t *testing.T) {
	r := newTestRelay(t, false)
	delivered := false
	r.Subscribe("relay.agent.a", func(ctx context.Context, env Envelope) error {
		delivered = true
		return nil
	}, nil)

	result, err := r.Publish(context.Background(), "relay.agent.a", nil, PublishOptions{
		Budget: &Budget{TTLUnixMs: time.Now().Add(-time.Second).UnixMilli()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.DeliveredTo != 0 || delivered {
		t.Fatalf("expired envelope delivered (%d)", result.DeliveredTo)
	}
}

func TestDeliveredToMatchesDeliverSpans(t *testing.T) {
	r := newTestRelay(t, true)
	for i := 0; i < 3; i++ {
		r.Subscribe("metrics.topic", func(ctx context.Context, env Envelope) error { return nil }, nil)
	}

	result, err := r.Publish(context.Background(), "metrics.topic", nil, PublishOptions{From: "test"})
	if err != nil {
		t.Fatal(err)
	}
	spans, err := r.Trace().Trace(result.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	delivers := 0
	for _, s := range spans {
		if s.Kind == SpanDeliver {
			delivers++
		}
	}
	if delivers != result.DeliveredTo {
		t.Fatalf("deliver spans = %d, deliveredTo = %d", delivers, result.DeliveredTo)
	}
}

func TestHandlerFailureDeadLetters(t *testing.T) {
	r := newTestRelay(t, true)
	r.Subscribe("relay.agent.a", func(ctx context.Context, env Envelope) error {
		return context.DeadlineExceeded
	}, nil)

	result, err := r.Publish(context.Background(), "relay.agent.a", nil, PublishOptions{From: "test"})
	if err != nil {
		t.Fatalf("publish failed on handler error: %v", err)
	}
	if result.DeliveredTo != 0 {
		t.Fatalf("deliveredTo = %d, want 0", result.DeliveredTo)
	}
	span, err := r.Trace().SpanByMessageID(result.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if span.Kind != SpanPublish {
		t.Fatalf("first span kind = %s", span.Kind)
	}
}

func TestUnsubscribe(t *testing.T) {
	r := newTestRelay(t, false)
	calls := 0
	id, _ := r.Subscribe("a.b", func(ctx context.Context, env Envelope) error {
		calls++
		return nil
	}, nil)

	r.Publish(context.Background(), "a.b", nil, PublishOptions{})
	r.Unsubscribe(id)
	r.Unsubscribe(id) // idempotent
	r.Publish(context.Background(), "a.b", nil, PublishOptions{})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
