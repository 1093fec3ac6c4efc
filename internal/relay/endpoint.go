package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
)

// Inbox message statuses.
const (
	InboxNew    = "new"
	InboxCur    = "cur"
	InboxFailed = "failed"
)

// DefaultInboxCapacity bounds an endpoint inbox; the oldest entries drop.
const DefaultInboxCapacity = 1000

// InboxMessage is one retained inbox entry.
type InboxMessage struct {
	Envelope Envelope `json:"envelope"`
	Status   string   `json:"status"`
	Received int64    `json:"received"`
}

// Inbox is a bounded FIFO of delivered envelopes.
type Inbox struct {
	mu       sync.Mutex
	messages []InboxMessage
	capacity int
	notify   func(env Envelope)
}

func newInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{capacity: capacity}
}

// Append stores env with status new and fires the notifier.
func (ib *Inbox) Append(env Envelope) error {
	ib.mu.Lock()
	ib.messages = append(ib.messages, InboxMessage{
		Envelope: env,
		Status:   InboxNew,
		Received: time.Now().UnixMilli(),
	})
	if len(ib.messages) > ib.capacity {
		ib.messages = ib.messages[len(ib.messages)-ib.capacity:]
	}
	notify := ib.notify
	ib.mu.Unlock()

	if notify != nil {
		notify(env)
	}
	return nil
}

// SetStatus transitions one message. Unknown IDs are a no-op.
func (ib *Inbox) SetStatus(messageID, status string) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for i := range ib.messages {
		if ib.messages[i].Envelope.MessageID == messageID {
			ib.messages[i].Status = status
			return
		}
	}
}

// page returns up to limit messages after cursor (exclusive), filtered by
// status when non-empty, plus the next cursor.
func (ib *Inbox) page(cursor, status string, limit int) ([]InboxMessage, string) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	start := 0
	if cursor != "" {
		for i, m := range ib.messages {
			if m.Envelope.MessageID == cursor {
				start = i + 1
				break
			}
		}
	}

	var out []InboxMessage
	next := ""
	for _, m := range ib.messages[start:] {
		if status != "" && m.Status != status {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].Envelope.MessageID
			break
		}
		out = append(out, m)
	}
	return out, next
}

// EndpointInfo describes a registered endpoint.
type EndpointInfo struct {
	Subject      string            `json:"subject"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt int64             `json:"registeredAt"`
	InboxSize    int               `json:"inboxSize"`
}

// InboxPage is a cursor-paginated inbox read.
type InboxPage struct {
	Messages   []InboxMessage `json:"messages"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// RegisterEndpoint creates an inbox-backed subscriber on a single concrete
// subject. A second registration on the same subject fails.
func (r *Relay) RegisterEndpoint(subject string, meta map[string]string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return dorkerr.New(dorkerr.CodeInvalidSubject, "endpoint subject %q must be concrete", subject)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.inbox != nil && sub.pattern.String() == subject {
			return dorkerr.New(dorkerr.CodeRegistrationFailed, "endpoint %q already registered", subject)
		}
	}
	p, _ := CompilePattern(subject)
	id := r.gen.New()
	r.subs[id] = &subscriber{
		id:      id,
		pattern: p,
		inbox:   newInbox(0),
		meta:    withRegisteredAt(meta, r.now().UnixMilli()),
	}
	r.logger.Info("relay.endpoint.registered", "subject", subject)
	return nil
}

// UnregisterEndpoint removes the endpoint and its inbox. Idempotent.
func (r *Relay) UnregisterEndpoint(subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		if sub.inbox != nil && sub.pattern.String() == subject {
			delete(r.subs, id)
			return
		}
	}
}

// ListEndpoints returns every endpoint.
func (r *Relay) ListEndpoints() []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EndpointInfo
	for _, sub := range r.subs {
		if sub.inbox == nil {
			continue
		}
		sub.inbox.mu.Lock()
		size := len(sub.inbox.messages)
		sub.inbox.mu.Unlock()
		out = append(out, EndpointInfo{
			Subject:      sub.pattern.String(),
			Metadata:     sub.meta,
			RegisteredAt: registeredAt(sub.meta),
			InboxSize:    size,
		})
	}
	return out
}

// SetInboxNotifier installs a callback fired on each inbox append. Used by
// the bridge to react to endpoint deliveries.
func (r *Relay) SetInboxNotifier(subject string, notify func(env Envelope)) error {
	ib, err := r.inboxFor(subject)
	if err != nil {
		return err
	}
	ib.mu.Lock()
	ib.notify = notify
	ib.mu.Unlock()
	return nil
}

// ReadInbox pages through an endpoint's inbox.
func (r *Relay) ReadInbox(subject, cursor, status string, limit int) (InboxPage, error) {
	ib, err := r.inboxFor(subject)
	if err != nil {
		return InboxPage{}, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	switch status {
	case "", InboxNew, InboxCur, InboxFailed:
	default:
		return InboxPage{}, dorkerr.New(dorkerr.CodeInboxReadFailed, "unknown status %q", status)
	}
	messages, next := ib.page(cursor, status, limit)
	return InboxPage{Messages: messages, NextCursor: next}, nil
}

// MarkInboxMessage transitions one inbox entry's status.
func (r *Relay) MarkInboxMessage(subject, messageID, status string) error {
	ib, err := r.inboxFor(subject)
	if err != nil {
		return err
	}
	ib.SetStatus(messageID, status)
	return nil
}

func (r *Relay) inboxFor(subject string) (*Inbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.inbox != nil && sub.pattern.String() == subject {
			return sub.inbox, nil
		}
	}
	return nil, dorkerr.New(dorkerr.CodeEndpointNotFound, "no endpoint %q", subject)
}

func withRegisteredAt(meta map[string]string, ts int64) map[string]string {
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["registeredAt"] = time.UnixMilli(ts).UTC().Format(time.RFC3339)
	return meta
}

func registeredAt(meta map[string]string) int64 {
	if meta == nil {
		return 0
	}
	t, err := time.Parse(time.RFC3339, meta["registeredAt"])
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
