package ratelimit

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"golang.org/x/time/rate"
)

// Manager tracks one token-bucket limiter per host, keyed by host alias,
// plus an optional per-process sub-limiter used when a host's config
// caps individual worker processes below the host-wide TRL.
type Manager struct {
	mu        sync.RWMutex
	hostLimit map[string]*rate.Limiter
	procLimit map[string]*rate.Limiter
}

// NewManager creates an empty rate limit manager.
func NewManager() *Manager {
	return &Manager{
		hostLimit: make(map[string]*rate.Limiter),
		procLimit: make(map[string]*rate.Limiter),
	}
}

// SetHostLimit installs or replaces the byte/sec limit for a host. A
// limit of 0 removes any existing limiter (unlimited).
func (m *Manager) SetHostLimit(hostAlias string, bytesPerSec int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytesPerSec <= 0 {
		delete(m.hostLimit, hostAlias)
		return
	}
	m.hostLimit[hostAlias] = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	log.Debug("updated host transfer rate limit")
}

// SetProcessLimit installs or replaces the per-process byte/sec limit for
// a host's worker processes.
func (m *Manager) SetProcessLimit(hostAlias string, bytesPerSec int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytesPerSec <= 0 {
		delete(m.procLimit, hostAlias)
		return
	}
	m.procLimit[hostAlias] = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// AllowHost reports whether n bytes may be sent to hostAlias right now
// under its host-wide TRL. A host with no configured limit always
// allows.
func (m *Manager) AllowHost(hostAlias string, n int) bool {
	m.mu.RLock()
	limiter, ok := m.hostLimit[hostAlias]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return limiter.AllowN(time.Now(), n)
}

// AllowProcess reports whether n bytes may be sent by a single worker
// process for hostAlias under its per-process TRL.
func (m *Manager) AllowProcess(hostAlias string, n int) bool {
	m.mu.RLock()
	limiter, ok := m.procLimit[hostAlias]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return limiter.AllowN(time.Now(), n)
}

// Remove drops both limiters for a host, e.g. when it is removed from
// the host status array.
func (m *Manager) Remove(hostAlias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hostLimit, hostAlias)
	delete(m.procLimit, hostAlias)
}
