package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookAdapter forwards routed envelopes to an HTTP endpoint. It is the
// built-in adapter type; external plugins register their own factories.
type webhookAdapter struct {
	id     string
	url    string
	client *http.Client
}

func newWebhookAdapter(cfg AdapterConfig) (Adapter, error) {
	return &webhookAdapter{id: cfg.ID}, nil
}

func (w *webhookAdapter) ID() string { return w.id }

func (w *webhookAdapter) Configure(cfg AdapterConfig) error {
	url, _ := cfg.Options["url"].(string)
	if url == "" {
		return fmt.Errorf("webhook adapter %s: options.url is required", cfg.ID)
	}
	w.url = url
	timeout := 10 * time.Second
	if secs, ok := cfg.Options["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	w.client = &http.Client{Timeout: timeout}
	return nil
}

// Start has nothing to connect; webhooks are egress-only.
func (w *webhookAdapter) Start(ctx context.Context, ingress IngressFunc) error { return nil }

func (w *webhookAdapter) Stop() error { return nil }

func (w *webhookAdapter) HandleMessage(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.url, resp.StatusCode)
	}
	return nil
}
