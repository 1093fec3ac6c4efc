// Package agent owns live LLM sessions: the session map with reverse
// index, session write locks, pending tool approvals and questions, the
// per-session event queue, and the streaming bridge to the runtime. It is
// the only component that invokes the runtime.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/boundary"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

const (
	// DefaultMaxSessions bounds the live session count.
	DefaultMaxSessions = 50
	// idleTimeout evicts sessions untouched for this long.
	idleTimeout = 30 * time.Minute
	// approvalTimeout denies a pending tool approval that nobody resolves.
	approvalTimeout = 5 * time.Minute
)

// EnsureOptions configures EnsureSession.
type EnsureOptions struct {
	PermissionMode runtime.PermissionMode
	Cwd            string
	HasStarted     bool
}

// SendOptions configures SendMessage.
type SendOptions struct {
	PermissionMode     runtime.PermissionMode
	Cwd                string
	Model              string
	SystemPromptAppend string
}

// UpdateOptions configures UpdateSession.
type UpdateOptions struct {
	PermissionMode runtime.PermissionMode
	Model          string
}

// IdentityLookup resolves the Mesh identity and persona for a working
// directory, when one is registered there. Injected to keep the manager
// decoupled from Mesh.
type IdentityLookup func(cwd string) (identity, persona string, ok bool)

// Manager owns the session map and the runtime integration.
type Manager struct {
	rt          runtime.Runtime
	guard       *boundary.Guard
	locks       *LockManager
	defaultCwd  string
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time

	// mcpFactory produces the MCP server config map advertised to each
	// query. Computed per query so late-registered tool groups appear
	// without a restart.
	mcpFactory func() map[string]any

	identity IdentityLookup
	envInfo  EnvInfo
	git      GitCollector

	mu       sync.RWMutex
	sessions map[string]*Session
	reverse  map[string]string // sdkSessionID → sessionKey

	modelsMu   sync.Mutex
	models     []runtime.ModelInfo
	modelsOnce sync.Once
}

// Options configures NewManager.
type Options struct {
	Runtime     runtime.Runtime
	Guard       *boundary.Guard
	DefaultCwd  string
	MaxSessions int
	Logger      *slog.Logger
	EnvInfo     EnvInfo
	Git         GitCollector
	Identity    IdentityLookup
}

func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Git == nil {
		opts.Git = CollectGitStatus
	}
	return &Manager{
		rt:          opts.Runtime,
		guard:       opts.Guard,
		locks:       NewLockManager(idleTimeout),
		defaultCwd:  opts.DefaultCwd,
		maxSessions: opts.MaxSessions,
		logger:      opts.Logger,
		now:         time.Now,
		identity:    opts.Identity,
		envInfo:     opts.EnvInfo,
		git:         opts.Git,
		sessions:    make(map[string]*Session),
		reverse:     make(map[string]string),
	}
}

// SetMCPFactory registers the per-query MCP server factory. Called once at
// startup after every subsystem has contributed its tools.
func (m *Manager) SetMCPFactory(f func() map[string]any) { m.mcpFactory = f }

// Locks exposes the session lock surface.
func (m *Manager) Locks() *LockManager { return m.locks }

// EnsureSession creates the session record if missing. Idempotent.
func (m *Manager) EnsureSession(sessionKey string, opts EnsureOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(sessionKey, opts)
}

func (m *Manager) ensureLocked(sessionKey string, opts EnsureOptions) (*Session, error) {
	if s, ok := m.sessions[sessionKey]; ok {
		return s, nil
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, dorkerr.New(dorkerr.CodeSessionLimit, "session limit %d reached", m.maxSessions)
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.defaultCwd
	}
	s := newSession(sessionKey, opts.PermissionMode, cwd, m.now())
	s.HasStarted = opts.HasStarted
	m.sessions[sessionKey] = s
	m.reverse[s.SDKSessionID] = sessionKey
	m.logger.Debug("session created", "key", sessionKey, "cwd", cwd, "mode", s.Mode)
	return s, nil
}

// Get returns the live session for key, if any.
func (m *Manager) Get(sessionKey string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey]
	return s, ok
}

// KeyForSDKSession resolves a runtime session ID back to its session key.
func (m *Manager) KeyForSDKSession(sdkSessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.reverse[sdkSessionID]
	return key, ok
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// rebindSDKSession atomically updates the reverse index when the runtime
// assigns a new session ID mid-stream.
func (m *Manager) rebindSDKSession(s *Session, sdkSessionID string) {
	if sdkSessionID == "" || sdkSessionID == s.SDKSessionID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reverse, s.SDKSessionID)
	s.SDKSessionID = sdkSessionID
	m.reverse[sdkSessionID] = s.Key
}

// UpdateSession changes the permission mode and/or model. A mode change is
// forwarded asynchronously to an in-flight query; the model applies on the
// next query. A missing session is auto-created as already started, since
// an update implies resumption.
func (m *Manager) UpdateSession(sessionKey string, opts UpdateOptions) error {
	if opts.PermissionMode != "" && !runtime.ValidMode(opts.PermissionMode) {
		return dorkerr.New(dorkerr.CodeValidationFailed, "unknown permission mode %q", opts.PermissionMode)
	}

	m.mu.Lock()
	s, err := m.ensureLocked(sessionKey, EnsureOptions{PermissionMode: opts.PermissionMode, HasStarted: true})
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if opts.Model != "" {
		s.Model = opts.Model
	}
	if opts.PermissionMode != "" {
		s.Mode = opts.PermissionMode
		if stream := s.Active(); stream != nil {
			go func() {
				if err := stream.SetPermissionMode(opts.PermissionMode); err != nil {
					m.logger.Warn("mode change forward failed", "key", sessionKey, "error", err)
				}
			}()
		}
	}
	s.LastActivity = m.now()
	return nil
}

// ApproveTool resolves a pending approval. Returns false when no matching
// approval exists or the interaction is a question.
func (m *Manager) ApproveTool(sessionKey, toolCallID string, approved bool) bool {
	s, ok := m.Get(sessionKey)
	if !ok {
		return false
	}
	p, ok := s.takePending(toolCallID)
	if !ok || p.kind != pendingApproval {
		if ok {
			s.addPendingBack(toolCallID, p)
		}
		return false
	}
	p.stop()
	p.approval <- approved
	return true
}

// SubmitAnswers resolves a pending question. Returns false when no matching
// question exists or the interaction is an approval.
func (m *Manager) SubmitAnswers(sessionKey, toolCallID string, answers map[string]string) bool {
	s, ok := m.Get(sessionKey)
	if !ok {
		return false
	}
	p, ok := s.takePending(toolCallID)
	if !ok || p.kind != pendingQuestion {
		if ok {
			s.addPendingBack(toolCallID, p)
		}
		return false
	}
	p.stop()
	p.answers <- answers
	return true
}

// addPendingBack restores an interaction removed under a type mismatch.
func (s *Session) addPendingBack(toolCallID string, p *pendingInteraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[toolCallID] = p
}

// InjectEvent pushes an event into a live session's stream. Used by Relay
// to surface relay_message events during an active run.
func (m *Manager) InjectEvent(sessionKey string, ev transport.StreamEvent) bool {
	s, ok := m.Get(sessionKey)
	if !ok {
		return false
	}
	s.enqueue(ev)
	return true
}

// CheckSessionHealth evicts every session idle past the timeout, clearing
// pending interaction timers, reverse-index entries, and locks.
func (m *Manager) CheckSessionHealth() []string {
	m.mu.Lock()
	var evicted []string
	var toClear []*Session
	for key, s := range m.sessions {
		if m.now().Sub(s.LastActivity) > idleTimeout {
			delete(m.sessions, key)
			delete(m.reverse, s.SDKSessionID)
			evicted = append(evicted, key)
			toClear = append(toClear, s)
		}
	}
	m.mu.Unlock()

	for _, s := range toClear {
		s.clearPending()
	}
	if len(evicted) > 0 {
		m.locks.Cleanup(evicted)
		m.logger.Info("sessions evicted", "count", len(evicted))
	}
	return evicted
}

// StartHealthSweep runs CheckSessionHealth periodically until ctx ends.
func (m *Manager) StartHealthSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckSessionHealth()
			}
		}
	}()
}

// SupportedModels returns the cached model list; the first call triggers an
// asynchronous refresh.
func (m *Manager) SupportedModels() []runtime.ModelInfo {
	m.modelsOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			models, err := m.rt.SupportedModels(ctx)
			if err != nil || len(models) == 0 {
				return
			}
			m.modelsMu.Lock()
			m.models = models
			m.modelsMu.Unlock()
		}()
	})
	m.modelsMu.Lock()
	defer m.modelsMu.Unlock()
	return m.models
}
