package agent

import (
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
)

// LockInfo describes the current holder of a session write lock.
type LockInfo struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// LockManager enforces at most one writer per session key. Locks release
// on explicit release, client disconnect (routes call Release on request
// cancellation), session eviction, or TTL expiry.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]LockInfo
	ttl   time.Duration
	now   func() time.Time
}

func NewLockManager(ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LockManager{
		locks: make(map[string]LockInfo),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Acquire takes the write lock for clientID. Re-acquiring by the holder
// refreshes the timestamp. A different holder gets a LOCKED error carrying
// {holder, acquiredAt}.
func (m *LockManager) Acquire(sessionKey, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, held := m.locks[sessionKey]; held && !m.expired(info) && info.Holder != clientID {
		return dorkerr.New(dorkerr.CodeLocked, "session %s is locked", sessionKey).
			WithDetail("holder", info.Holder).
			WithDetail("acquiredAt", info.AcquiredAt)
	}
	m.locks[sessionKey] = LockInfo{Holder: clientID, AcquiredAt: m.now()}
	return nil
}

// Release drops the lock if clientID holds it. Idempotent.
func (m *LockManager) Release(sessionKey, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, held := m.locks[sessionKey]; held && info.Holder == clientID {
		delete(m.locks, sessionKey)
	}
}

// IsLocked reports whether another client holds the lock. With clientID ==
// "" any live lock counts.
func (m *LockManager) IsLocked(sessionKey, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, held := m.locks[sessionKey]
	if !held || m.expired(info) {
		return false
	}
	return clientID == "" || info.Holder != clientID
}

// Info returns the current lock record, if any.
func (m *LockManager) Info(sessionKey string) (LockInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, held := m.locks[sessionKey]
	if !held || m.expired(info) {
		return LockInfo{}, false
	}
	return info, true
}

// Cleanup releases every lock held for the evicted session keys.
func (m *LockManager) Cleanup(evicted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range evicted {
		delete(m.locks, key)
	}
}

func (m *LockManager) expired(info LockInfo) bool {
	return m.now().Sub(info.AcquiredAt) > m.ttl
}
