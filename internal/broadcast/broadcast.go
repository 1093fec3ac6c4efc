// Package broadcast watches the runtime's transcript directory and fans out
// sync_update events so every UI observing a session stays current.
package broadcast

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/dorkos-sh/dorkos/internal/transcript"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// debounceWindow coalesces write bursts per session.
const debounceWindow = 250 * time.Millisecond

// subscriberBuffer bounds each subscriber channel; slow consumers drop.
const subscriberBuffer = 16

// Broadcaster debounces transcript file changes into per-session
// sync_update events.
type Broadcaster struct {
	root    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	subs      map[string]chan transport.StreamEvent
	pending   map[string]*time.Timer // sessionID -> debounce timer
	closed    bool
	closeOnce sync.Once
}

// New starts watching root (the transcript directory, created if missing)
// and its existing project subdirectories.
func New(root string, logger *slog.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	b := &Broadcaster{
		root:    root,
		logger:  logger.With("component", "broadcast"),
		watcher: watcher,
		subs:    make(map[string]chan transport.StreamEvent),
		pending: make(map[string]*time.Timer),
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}
	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if e.IsDir() {
			watcher.Add(filepath.Join(root, e.Name()))
		}
	}

	go b.loop()
	return b, nil
}

// Subscribe returns a subscriber ID and the event channel.
func (b *Broadcaster) Subscribe() (string, <-chan transport.StreamEvent) {
	id := uuid.NewString()
	ch := make(chan transport.StreamEvent, subscriberBuffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Close stops the watcher and closes every subscriber channel. Idempotent.
func (b *Broadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.watcher.Close()
		b.mu.Lock()
		b.closed = true
		for _, timer := range b.pending {
			timer.Stop()
		}
		b.pending = map[string]*time.Timer{}
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	})
	return err
}

func (b *Broadcaster) loop() {
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handle(ev)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("broadcast.watch.error", "error", err)
		}
	}
}

func (b *Broadcaster) handle(ev fsnotify.Event) {
	// New project directories appear when the runtime starts a session in a
	// fresh working directory.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			b.watcher.Add(ev.Name)
			return
		}
	}
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	sessionID := transcript.SessionIDForFile(ev.Name)
	if sessionID == "" {
		return
	}
	b.schedule(sessionID, filepath.Base(filepath.Dir(ev.Name)))
}

// schedule arms (or re-arms) the session's debounce timer.
func (b *Broadcaster) schedule(sessionID, projectDir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if timer, ok := b.pending[sessionID]; ok {
		timer.Reset(debounceWindow)
		return
	}
	b.pending[sessionID] = time.AfterFunc(debounceWindow, func() {
		b.emit(sessionID, projectDir)
	})
}

func (b *Broadcaster) emit(sessionID, projectDir string) {
	b.mu.Lock()
	delete(b.pending, sessionID)
	if b.closed {
		b.mu.Unlock()
		return
	}
	ev := transport.StreamEvent{
		Type:      transport.EventSyncUpdate,
		SessionID: sessionID,
		Cwd:       projectDir,
	}
	var dropped int
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Debug("broadcast.emit.dropped", "session", sessionID, "dropped", dropped)
	}
	b.logger.Debug("broadcast.sync_update", "session", sessionID)
}
