package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
)

// Adapter statuses.
const (
	AdapterDisabled     = "disabled"
	AdapterStarting     = "starting"
	AdapterConnected    = "connected"
	AdapterDisconnected = "disconnected"
	AdapterError        = "error"
)

// adapterStartTimeout bounds Start; a slower adapter is marked error.
const adapterStartTimeout = 30 * time.Second

// InboundMessage is a message an adapter received from its external side.
type InboundMessage struct {
	AdapterID   string          `json:"adapterId"`
	ChatID      string          `json:"chatId,omitempty"`
	ChannelType string          `json:"channelType,omitempty"`
	Text        string          `json:"text"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IngressFunc carries inbound adapter messages into the core.
type IngressFunc func(ctx context.Context, msg InboundMessage) error

// AdapterConfig is one entry of adapters.json.
type AdapterConfig struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Enabled         bool           `json:"enabled"`
	SubjectPrefixes []string       `json:"subjectPrefixes"`
	Options         map[string]any `json:"options,omitempty"`
}

type adaptersFile struct {
	Adapters []AdapterConfig `json:"adapters"`
}

// Adapter is a pluggable external channel.
type Adapter interface {
	ID() string
	Configure(cfg AdapterConfig) error
	// Start connects the adapter; inbound messages flow through ingress.
	Start(ctx context.Context, ingress IngressFunc) error
	// Stop must be safe from any state.
	Stop() error
	// HandleMessage is the egress path for envelopes routed to the adapter.
	HandleMessage(ctx context.Context, env Envelope) error
}

// AdapterFactory builds an adapter of one type.
type AdapterFactory func(cfg AdapterConfig) (Adapter, error)

type adapterState struct {
	cfg     AdapterConfig
	adapter Adapter
	status  string
	lastErr string
	cancel  context.CancelFunc
}

// AdapterRegistry owns adapter lifecycle driven by adapters.json.
type AdapterRegistry struct {
	path      string
	logger    *slog.Logger
	factories map[string]AdapterFactory
	ingress   IngressFunc

	mu     sync.Mutex
	states map[string]*adapterState

	watchOnce sync.Once
	closeOnce sync.Once
	watcher   *fsnotify.Watcher
}

// AdapterInfo is the externally visible adapter state.
type AdapterInfo struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Enabled         bool     `json:"enabled"`
	SubjectPrefixes []string `json:"subjectPrefixes"`
	Status          string   `json:"status"`
	Error           string   `json:"error,omitempty"`
}

func NewAdapterRegistry(path string, logger *slog.Logger) *AdapterRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &AdapterRegistry{
		path:      path,
		logger:    logger,
		factories: make(map[string]AdapterFactory),
		states:    make(map[string]*adapterState),
	}
	r.RegisterFactory("webhook", newWebhookAdapter)
	return r
}

// RegisterFactory adds a constructor for an adapter type.
func (r *AdapterRegistry) RegisterFactory(adapterType string, f AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[adapterType] = f
}

// SetIngress installs the inbound sink. Must be called before adapters
// start.
func (r *AdapterRegistry) SetIngress(ingress IngressFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingress = ingress
}

// List returns every configured adapter with its current status.
func (r *AdapterRegistry) List() []AdapterInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AdapterInfo
	for _, st := range r.states {
		out = append(out, AdapterInfo{
			ID:              st.cfg.ID,
			Name:            st.cfg.Name,
			Type:            st.cfg.Type,
			Enabled:         st.cfg.Enabled,
			SubjectPrefixes: st.cfg.SubjectPrefixes,
			Status:          st.status,
			Error:           st.lastErr,
		})
	}
	return out
}

// Enable persists the enabled flag and starts the adapter. Idempotent.
func (r *AdapterRegistry) Enable(ctx context.Context, id string) error {
	if err := r.persistEnabled(id, true); err != nil {
		return dorkerr.Wrap(dorkerr.CodeEnableFailed, err, "persist enable %s", id)
	}

	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return dorkerr.New(dorkerr.CodeEnableFailed, "unknown adapter %q", id)
	}
	st.cfg.Enabled = true
	if st.status == AdapterConnected || st.status == AdapterStarting {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.start(ctx, id)
}

// Disable persists the flag and stops the adapter. Safe from any state.
func (r *AdapterRegistry) Disable(id string) error {
	if err := r.persistEnabled(id, false); err != nil {
		return dorkerr.Wrap(dorkerr.CodeDisableFailed, err, "persist disable %s", id)
	}

	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return dorkerr.New(dorkerr.CodeDisableFailed, "unknown adapter %q", id)
	}
	st.cfg.Enabled = false
	adapter := st.adapter
	cancel := st.cancel
	st.status = AdapterDisconnected
	st.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if adapter != nil {
		if err := adapter.Stop(); err != nil {
			r.logger.Warn("relay.adapter.stop.failed", "adapter", id, "error", err)
		}
	}
	r.logger.Info("relay.adapter.disabled", "adapter", id)
	return nil
}

// Reload re-reads adapters.json and reconciles running state. Individual
// adapter failures are contained.
func (r *AdapterRegistry) Reload(ctx context.Context) error {
	cfgs, err := r.readConfig()
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeReloadFailed, err, "read %s", r.path)
	}

	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.ID] = true

		r.mu.Lock()
		st, known := r.states[cfg.ID]
		changed := known && !reflect.DeepEqual(st.cfg, cfg)
		if !known {
			r.states[cfg.ID] = &adapterState{cfg: cfg, status: AdapterDisabled}
		}
		running := known && (st.status == AdapterConnected || st.status == AdapterStarting)
		r.mu.Unlock()

		switch {
		case changed:
			// Recreate on config diff.
			if running {
				if err := r.Disable(cfg.ID); err != nil {
					r.logger.Warn("relay.adapter.reload.stop", "adapter", cfg.ID, "error", err)
				}
			}
			r.mu.Lock()
			r.states[cfg.ID] = &adapterState{cfg: cfg, status: AdapterDisabled}
			r.mu.Unlock()
			if cfg.Enabled {
				if err := r.start(ctx, cfg.ID); err != nil {
					r.logger.Warn("relay.adapter.reload.start", "adapter", cfg.ID, "error", err)
				}
			}
		case cfg.Enabled && !running:
			if err := r.start(ctx, cfg.ID); err != nil {
				r.logger.Warn("relay.adapter.reload.start", "adapter", cfg.ID, "error", err)
			}
		case !cfg.Enabled && running:
			if err := r.Disable(cfg.ID); err != nil {
				r.logger.Warn("relay.adapter.reload.stop", "adapter", cfg.ID, "error", err)
			}
		}
	}

	// Adapters removed from the file stop and drop.
	r.mu.Lock()
	var removed []string
	for id := range r.states {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()
	for _, id := range removed {
		if err := r.Disable(id); err != nil {
			r.logger.Warn("relay.adapter.reload.remove", "adapter", id, "error", err)
		}
		r.mu.Lock()
		delete(r.states, id)
		r.mu.Unlock()
	}

	r.logger.Info("relay.adapters.reloaded", "count", len(cfgs))
	return nil
}

// Deliver forwards an envelope to the adapter's egress.
func (r *AdapterRegistry) Deliver(ctx context.Context, id string, env Envelope) error {
	r.mu.Lock()
	st, ok := r.states[id]
	var adapter Adapter
	var status string
	if ok {
		adapter = st.adapter
		status = st.status
	}
	r.mu.Unlock()

	if !ok || adapter == nil || status != AdapterConnected {
		return dorkerr.New(dorkerr.CodeNotFound, "adapter %q not connected", id)
	}
	return adapter.HandleMessage(ctx, env)
}

// StartWatcher hot-reloads on adapters.json changes until ctx ends.
func (r *AdapterRegistry) StartWatcher(ctx context.Context) error {
	var err error
	r.watchOnce.Do(func() {
		var w *fsnotify.Watcher
		w, err = fsnotify.NewWatcher()
		if err != nil {
			return
		}
		if werr := w.Add(filepath.Dir(r.path)); werr != nil {
			w.Close()
			err = werr
			return
		}
		r.watcher = w
		go r.watchLoop(ctx, w)
	})
	return err
}

func (r *AdapterRegistry) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(ctx); err != nil {
				r.logger.Warn("relay.adapters.watch.reload", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("relay.adapters.watch", "error", err)
		}
	}
}

// Close stops the watcher and every running adapter. Idempotent.
func (r *AdapterRegistry) Close() error {
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			r.watcher.Close()
		}
		r.mu.Lock()
		var ids []string
		for id, st := range r.states {
			if st.status == AdapterConnected || st.status == AdapterStarting {
				ids = append(ids, id)
			}
		}
		r.mu.Unlock()
		for _, id := range ids {
			r.mu.Lock()
			st := r.states[id]
			adapter := st.adapter
			cancel := st.cancel
			st.status = AdapterDisconnected
			r.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if adapter != nil {
				adapter.Stop()
			}
		}
	})
	return nil
}

func (r *AdapterRegistry) start(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return dorkerr.New(dorkerr.CodeEnableFailed, "unknown adapter %q", id)
	}
	factory, ok := r.factories[st.cfg.Type]
	if !ok {
		st.status = AdapterError
		st.lastErr = fmt.Sprintf("no factory for type %q", st.cfg.Type)
		r.mu.Unlock()
		return dorkerr.New(dorkerr.CodeEnableFailed, "no factory for adapter type %q", st.cfg.Type)
	}
	cfg := st.cfg
	ingress := r.ingress
	st.status = AdapterStarting
	st.lastErr = ""
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		st.status = AdapterError
		st.lastErr = err.Error()
		r.mu.Unlock()
		return dorkerr.Wrap(dorkerr.CodeEnableFailed, err, "start adapter %s", id)
	}

	adapter, err := factory(cfg)
	if err != nil {
		return fail(err)
	}
	if err := adapter.Configure(cfg); err != nil {
		return fail(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	startCtx, startCancel := context.WithTimeout(runCtx, adapterStartTimeout)
	err = adapter.Start(startCtx, ingress)
	startCancel()
	if err != nil {
		cancel()
		return fail(err)
	}

	r.mu.Lock()
	st.adapter = adapter
	st.cancel = cancel
	st.status = AdapterConnected
	r.mu.Unlock()
	r.logger.Info("relay.adapter.connected", "adapter", id, "type", cfg.Type)
	return nil
}

func (r *AdapterRegistry) readConfig() ([]AdapterConfig, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var file adaptersFile
	if err := json5.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.path, err)
	}
	return file.Adapters, nil
}

// persistEnabled rewrites adapters.json with the flag flipped, atomically.
func (r *AdapterRegistry) persistEnabled(id string, enabled bool) error {
	cfgs, err := r.readConfig()
	if err != nil {
		return err
	}
	found := false
	for i := range cfgs {
		if cfgs[i].ID == id {
			cfgs[i].Enabled = enabled
			found = true
		}
	}
	if !found {
		return fmt.Errorf("adapter %q not in %s", id, r.path)
	}

	data, err := json.MarshalIndent(adaptersFile{Adapters: cfgs}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
