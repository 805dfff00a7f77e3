package burst

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/types"
)

// DefaultAckQueueTimeout is ACK_QUE_TIMEOUT: how long a burst handoff may
// go unacknowledged before the reconciler treats it as missed and
// requeues the job (spec.md §4.7, §9 open question on the ack race).
const DefaultAckQueueTimeout = 30 * time.Second

// Manager tracks outstanding burst acknowledgements, keyed by msg_name.
type Manager struct {
	mu      sync.Mutex
	entries map[string]types.AckEntry
	timeout time.Duration
}

// NewManager creates an ack manager with the given ack-queue timeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultAckQueueTimeout
	}
	return &Manager{entries: make(map[string]types.AckEntry), timeout: timeout}
}

// Await records a new outstanding ack for msgName.
func (m *Manager) Await(msgName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[msgName] = types.AckEntry{MsgName: msgName, InsertTime: time.Now()}
	metrics.AckQueueDepth.Set(float64(len(m.entries)))
}

// Ack removes the outstanding entry for msgName, consuming it the way a
// one-time token is consumed. A late ack for an entry that has already
// expired (and thus already been requeued to PENDING) is a no-op, matching
// the §9 resolution: the caller should not re-dispatch on a false result.
func (m *Manager) Ack(msgName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[msgName]
	delete(m.entries, msgName)
	metrics.AckQueueDepth.Set(float64(len(m.entries)))
	return ok
}

// ExpireStale removes every entry older than the configured timeout and
// returns their msg_names, for the caller (pkg/reconciler) to requeue.
func (m *Manager) ExpireStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []string
	for name, entry := range m.entries {
		if now.Sub(entry.InsertTime) >= m.timeout {
			expired = append(expired, name)
			delete(m.entries, name)
		}
	}
	if len(expired) > 0 {
		metrics.StaleAcksExpiredTotal.Add(float64(len(expired)))
	}
	metrics.AckQueueDepth.Set(float64(len(m.entries)))
	return expired
}

// Len returns the number of outstanding acks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
