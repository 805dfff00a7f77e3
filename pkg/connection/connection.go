package connection

import (
	"fmt"
	"sync"

	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/types"
)

// Manager owns the connection/child table plus the bookkeeping needed to
// enforce the single-retrieve-per-directory guard, which the fixed-size
// slot table alone cannot express.
type Manager struct {
	table *regions.ConnTable

	mu           sync.Mutex
	activeFetch  map[int]int // FRAPos -> ConnTable slot
}

// NewManager creates a connection manager with the given fixed capacity.
func NewManager(capacity int) *Manager {
	return &Manager{
		table:       regions.NewConnTable(capacity),
		activeFetch: make(map[int]int),
	}
}

// AcquireSend reserves a slot for a send-path job. Returns the slot index,
// or -1 if the table is full.
func (m *Manager) AcquireSend(slot types.ConnectionSlot) int {
	slot.FRAPos = -1
	return m.table.Acquire(slot)
}

// AcquireFetch reserves a slot for a fetch-path job, refusing to start a
// second concurrent retrieve against the same FRA directory (§4.5's
// single-retrieve guard).
func (m *Manager) AcquireFetch(slot types.ConnectionSlot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.activeFetch[slot.FRAPos]; busy {
		return -1, fmt.Errorf("connection: retrieve directory %d already has an active fetch", slot.FRAPos)
	}

	pos := m.table.Acquire(slot)
	if pos < 0 {
		return -1, fmt.Errorf("connection: no free connection slots")
	}
	m.activeFetch[slot.FRAPos] = pos
	return pos, nil
}

// Release frees a connection slot and, if it was a fetch slot, clears the
// single-retrieve guard for its directory.
func (m *Manager) Release(pos int) {
	slot, ok := m.table.Get(pos)
	if ok && slot.FRAPos >= 0 {
		m.mu.Lock()
		if m.activeFetch[slot.FRAPos] == pos {
			delete(m.activeFetch, slot.FRAPos)
		}
		m.mu.Unlock()
	}
	m.table.Release(pos)
}

// Get returns a copy of the slot at pos.
func (m *Manager) Get(pos int) (types.ConnectionSlot, bool) {
	return m.table.Get(pos)
}

// SetMsgName updates the msg_name a live slot is currently servicing,
// for the burst handoff's "set connection.msg_name" step (spec.md §4.4
// step 5): the worker keeps running under the same pid but is now
// assigned to a different queue entry.
func (m *Manager) SetMsgName(pos int, msgName string) bool {
	slot, ok := m.table.Get(pos)
	if !ok || slot.Free() {
		return false
	}
	slot.MsgName = msgName
	return m.table.Set(pos, slot)
}

// SetFSAPos rewrites the FSA table position a live slot believes it is
// attached to, for the reconciler's FSA resync pass (spec.md §4.9): a
// sibling resize/reorder of the host table invalidates cached positions,
// and the slot's Hostname (preserved across a resize) is the only stable
// handle left to re-derive the new position from.
func (m *Manager) SetFSAPos(pos int, fsaPos int) bool {
	slot, ok := m.table.Get(pos)
	if !ok || slot.Free() {
		return false
	}
	slot.FSAPos = fsaPos
	return m.table.Set(pos, slot)
}

// InUse returns the number of occupied slots.
func (m *Manager) InUse() int { return m.table.InUse() }

// Capacity returns the table's fixed size.
func (m *Manager) Capacity() int { return m.table.Capacity() }
