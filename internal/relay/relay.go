// Package relay is the in-process pub/sub bus: subject-addressed envelopes
// with budgets, subscriber fan-out, bounded endpoint inboxes, persisted
// trace spans, adapter lifecycle, and the binding bridge into the Agent
// Manager.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
)

// Default envelope budget.
const (
	DefaultMaxHops    = 8
	DefaultTTL        = 5 * time.Minute
	DefaultCallBudget = 64
)

// Budget bounds an envelope's propagation.
type Budget struct {
	MaxHops             int   `json:"maxHops"`
	TTLUnixMs           int64 `json:"ttlUnixMs"`
	CallBudgetRemaining int   `json:"callBudgetRemaining"`
}

// Envelope is one routed message.
type Envelope struct {
	MessageID   string          `json:"messageId"`
	Subject     string          `json:"subject"`
	From        string          `json:"from"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	TraceID     string          `json:"traceId"`
	ParentID    string          `json:"parentId,omitempty"`
	PublishedAt int64           `json:"publishedAt"`
	Budget      Budget          `json:"budget"`
	HopCount    int             `json:"hopCount"`
}

// PublishOptions configure one publish.
type PublishOptions struct {
	From    string
	ReplyTo string
	Budget  *Budget
	// BudgetExact uses Budget verbatim instead of defaulting zero fields.
	// Set by re-publishers carrying an already-decremented budget.
	BudgetExact bool
	// TraceID/ParentID continue an existing trace (replies, re-publishes).
	TraceID  string
	ParentID string
}

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	MessageID   string `json:"messageId"`
	TraceID     string `json:"traceId"`
	DeliveredTo int    `json:"deliveredTo"`
}

// Handler consumes one delivered envelope. An error is recorded as a
// dead-letter span but does not fail the publish.
type Handler func(ctx context.Context, env Envelope) error

// AccessFunc decides whether a sender may publish on a subject.
type AccessFunc func(from, subject string) bool

type subscriber struct {
	id      string
	pattern *Pattern
	handler Handler
	inbox   *Inbox
	meta    map[string]string

	// deliverMu serializes callbacks so one subscriber sees publish order.
	deliverMu sync.Mutex
}

// Relay routes envelopes from publishers to matching subscribers.
type Relay struct {
	gen    *ids.Generator
	logger *slog.Logger
	trace  *TraceStore // nil when tracing is disabled
	access AccessFunc  // nil means allow
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// Options configures New.
type Options struct {
	IDs    *ids.Generator
	Logger *slog.Logger
	Trace  *TraceStore
	Access AccessFunc
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		gen:    opts.IDs,
		logger: opts.Logger,
		trace:  opts.Trace,
		access: opts.Access,
		now:    time.Now,
		subs:   make(map[string]*subscriber),
	}
}

// Trace exposes the span store, nil when tracing is disabled.
func (r *Relay) Trace() *TraceStore { return r.trace }

// Subscribe registers a callback subscriber on a pattern and returns its
// subscription ID.
func (r *Relay) Subscribe(pattern string, handler Handler, meta map[string]string) (string, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return "", err
	}
	sub := &subscriber{
		id:      r.gen.New(),
		pattern: p,
		handler: handler,
		meta:    meta,
	}
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	r.logger.Debug("relay.subscribed", "id", sub.id, "pattern", pattern)
	return sub.id, nil
}

// Unsubscribe removes a subscriber. Idempotent.
func (r *Relay) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Publish routes payload to every subscriber matching subject.
func (r *Relay) Publish(ctx context.Context, subject string, payload json.RawMessage, opts PublishOptions) (PublishResult, error) {
	if err := ValidateSubject(subject); err != nil {
		return PublishResult{}, err
	}

	nowMs := r.now().UnixMilli()
	env := Envelope{
		MessageID:   r.gen.New(),
		Subject:     subject,
		From:        opts.From,
		ReplyTo:     opts.ReplyTo,
		Payload:     payload,
		TraceID:     opts.TraceID,
		ParentID:    opts.ParentID,
		PublishedAt: nowMs,
		Budget:      effectiveBudget(opts.Budget, opts.BudgetExact, nowMs),
	}
	if env.TraceID == "" {
		env.TraceID = r.gen.New()
	}

	r.span(Span{
		TraceID:   env.TraceID,
		MessageID: env.MessageID,
		Kind:      SpanPublish,
		Subject:   subject,
		Status:    "ok",
		StartTs:   nowMs,
		EndTs:     nowMs,
		Metadata:  map[string]any{"from": opts.From},
	})

	if r.access != nil && !r.access(opts.From, subject) {
		r.deadLetter(env, ReasonAccessDenied)
		return PublishResult{}, dorkerr.New(dorkerr.CodeAccessDenied, "publish on %q denied for %q", subject, opts.From)
	}

	// Snapshot under the read lock so the fan-out never sees a torn
	// subscription set.
	r.mu.RLock()
	var matched []*subscriber
	for _, sub := range r.subs {
		if sub.pattern.Matches(subject) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	var deliveredMu sync.Mutex
	delivered := 0

	for _, sub := range matched {
		r.span(Span{
			TraceID:   env.TraceID,
			MessageID: env.MessageID,
			Kind:      SpanRoute,
			Subject:   subject,
			Status:    "ok",
			StartTs:   r.now().UnixMilli(),
			EndTs:     r.now().UnixMilli(),
			Metadata:  map[string]any{"pattern": sub.pattern.String(), "subscriber": sub.id},
		})

		// Budget is evaluated before delivery; the delivered copy carries
		// the decremented budget, so an exhausted envelope is deliverable
		// exactly zero more times.
		switch {
		case env.Budget.TTLUnixMs > 0 && nowMs > env.Budget.TTLUnixMs:
			r.deadLetter(env, ReasonTTLExpired)
			continue
		case env.Budget.MaxHops <= 0:
			r.deadLetter(env, ReasonHopsExhausted)
			continue
		case env.Budget.CallBudgetRemaining <= 0:
			r.deadLetter(env, ReasonCallBudgetExhausted)
			continue
		}
		out := env
		out.HopCount = env.HopCount + 1
		out.Budget.MaxHops--
		out.Budget.CallBudgetRemaining--

		wg.Add(1)
		go func(sub *subscriber, out Envelope) {
			defer wg.Done()
			if r.deliver(ctx, sub, out) {
				deliveredMu.Lock()
				delivered++
				deliveredMu.Unlock()
			}
		}(sub, out)
	}
	wg.Wait()

	return PublishResult{MessageID: env.MessageID, TraceID: env.TraceID, DeliveredTo: delivered}, nil
}

func (r *Relay) deliver(ctx context.Context, sub *subscriber, env Envelope) bool {
	start := r.now().UnixMilli()

	var err error
	if sub.inbox != nil {
		err = sub.inbox.Append(env)
	} else if sub.handler != nil {
		sub.deliverMu.Lock()
		err = sub.handler(ctx, env)
		sub.deliverMu.Unlock()
	}
	if err != nil {
		r.logger.Warn("relay.deliver.failed", "subject", env.Subject, "subscriber", sub.id, "error", err)
		r.deadLetter(env, ReasonDeliveryFailed)
		return false
	}

	r.span(Span{
		TraceID:   env.TraceID,
		MessageID: env.MessageID,
		Kind:      SpanDeliver,
		Subject:   env.Subject,
		Status:    "ok",
		StartTs:   start,
		EndTs:     r.now().UnixMilli(),
		Metadata:  map[string]any{"subscriber": sub.id, "pattern": sub.pattern.String()},
	})
	return true
}

func (r *Relay) deadLetter(env Envelope, reason string) {
	ts := r.now().UnixMilli()
	r.span(Span{
		TraceID:   env.TraceID,
		MessageID: env.MessageID,
		Kind:      SpanDeadLetter,
		Subject:   env.Subject,
		Status:    "dead_letter",
		StartTs:   ts,
		EndTs:     ts,
		Error:     reason,
	})
}

// span writes a trace span, tolerating store failures.
func (r *Relay) span(s Span) {
	if r.trace == nil {
		return
	}
	if err := r.trace.Append(s); err != nil {
		r.logger.Warn("relay.trace.failed", "kind", s.Kind, "error", err)
	}
}

func effectiveBudget(b *Budget, exact bool, nowMs int64) Budget {
	if b != nil && exact {
		return *b
	}
	out := Budget{
		MaxHops:             DefaultMaxHops,
		TTLUnixMs:           nowMs + DefaultTTL.Milliseconds(),
		CallBudgetRemaining: DefaultCallBudget,
	}
	if b == nil {
		return out
	}
	if b.MaxHops > 0 {
		out.MaxHops = b.MaxHops
	}
	if b.TTLUnixMs > 0 {
		out.TTLUnixMs = b.TTLUnixMs
	}
	if b.CallBudgetRemaining > 0 {
		out.CallBudgetRemaining = b.CallBudgetRemaining
	}
	return out
}
