package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dorkos-sh/dorkos/internal/transport"
)

// SendFunc starts an Agent Manager query and returns its event stream.
type SendFunc func(ctx context.Context, sessionKey, content, cwd string) (<-chan transport.StreamEvent, error)

// Bridge turns inbound adapter messages into Agent Manager sessions and
// streams the results back through the bus as relay_message envelopes.
type Bridge struct {
	relay    *Relay
	bindings *BindingStore
	send     SendFunc
	logger   *slog.Logger
}

func NewBridge(r *Relay, bindings *BindingStore, send SendFunc, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{relay: r, bindings: bindings, send: send, logger: logger}
}

// Ingress is the sink wired into the adapter registry.
func (b *Bridge) Ingress() IngressFunc {
	return b.handleInbound
}

func (b *Bridge) handleInbound(ctx context.Context, msg InboundMessage) error {
	payload := msg.Payload
	if payload == nil {
		payload, _ = json.Marshal(map[string]string{"text": msg.Text})
	}

	// Publish the raw inbound so subscribers and traces observe it; the
	// bridge itself resolves bindings rather than subscribing.
	inSubject := "relay.adapter." + msg.AdapterID + ".inbound"
	result, err := b.relay.Publish(ctx, inSubject, payload, PublishOptions{
		From: "relay.adapter." + msg.AdapterID,
	})
	if err != nil {
		return err
	}
	b.relay.span(Span{
		TraceID:   result.TraceID,
		MessageID: result.MessageID,
		Kind:      SpanAdapterIn,
		Subject:   inSubject,
		Status:    "ok",
		StartTs:   b.relay.now().UnixMilli(),
		EndTs:     b.relay.now().UnixMilli(),
		Metadata:  map[string]any{"adapter": msg.AdapterID, "chat": msg.ChatID},
	})

	bindings, err := b.bindings.Resolve(msg.AdapterID, msg.ChatID, msg.ChannelType)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		b.logger.Debug("relay.bridge.unbound", "adapter", msg.AdapterID, "chat", msg.ChatID)
		return nil
	}

	for _, binding := range bindings {
		if err := b.runBinding(ctx, binding, msg, result); err != nil {
			b.logger.Warn("relay.bridge.run.failed",
				"binding", binding.ID, "adapter", msg.AdapterID, "error", err)
		}
	}
	return nil
}

func (b *Bridge) runBinding(ctx context.Context, binding Binding, msg InboundMessage, inbound PublishResult) error {
	key := sessionKeyFor(binding, msg)
	respSubject := "relay.response." + inbound.MessageID

	events, err := b.send(ctx, key, msg.Text, binding.AgentDir)
	if err != nil {
		b.publishReceipt(ctx, respSubject, inbound, key, "failed", 0)
		return err
	}

	count := 0
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := b.relay.Publish(ctx, respSubject, data, PublishOptions{
			From:     "relay.agent." + binding.AgentID,
			TraceID:  inbound.TraceID,
			ParentID: inbound.MessageID,
		}); err != nil {
			b.logger.Warn("relay.bridge.response.failed", "subject", respSubject, "error", err)
			continue
		}
		count++
	}

	b.publishReceipt(ctx, respSubject, inbound, key, "completed", count)
	return nil
}

func (b *Bridge) publishReceipt(ctx context.Context, subject string, inbound PublishResult, sessionKey, status string, events int) {
	payload, _ := json.Marshal(map[string]any{
		"type":       string(transport.EventRelayReceipt),
		"messageId":  inbound.MessageID,
		"sessionKey": sessionKey,
		"status":     status,
		"events":     events,
	})
	if _, err := b.relay.Publish(ctx, subject, payload, PublishOptions{
		From:     "relay.system.bridge",
		TraceID:  inbound.TraceID,
		ParentID: inbound.MessageID,
	}); err != nil {
		b.logger.Warn("relay.bridge.receipt.failed", "subject", subject, "error", err)
	}
}

// sessionKeyFor derives the Agent Manager session key per the binding's
// strategy. Stable strategies hash to a stable key so conversations resume.
func sessionKeyFor(binding Binding, msg InboundMessage) string {
	switch binding.Strategy {
	case StrategyPerUser:
		return "relay-" + shortHash(binding.AdapterID, msg.ChatID)
	case StrategyPerChat:
		return "relay-" + shortHash(binding.AdapterID, msg.ChatID, msg.ChannelType)
	default: // stateless
		return "relay-" + uuid.NewString()
	}
}

func shortHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
