// Package regions holds the concurrency-safe in-memory tables that replace
// the file distributor's memory-mapped shared-state regions for hosts (FSA),
// retrieve directories (FRA) and the connection/child table; the queue
// buffer lives in pkg/queue and the ack queue in pkg/burst. The FSA table
// carries a generation counter bumped when its backing slice grows, without
// actually mapping bytes: callers attach passively (read-only, snapshot) or
// actively (read-write) as spec.md §4.1 describes, and a resize bumps the
// generation so a passive attacher can detect it grabbed a stale index. The
// FRA and connection tables carry no generation counter.
package regions

import (
	"sync"

	"github.com/cuemby/relay/pkg/types"
)

// growthChunk is the number of extra slots allocated whenever a table's
// backing slice grows, per spec.md §4.1's "grow in chunks, not one at a
// time" resize policy.
const growthChunk = 64

// FSATable is the host status array: one HostStatus per configured
// destination host.
type FSATable struct {
	mu         sync.RWMutex
	generation uint64
	byAlias    map[string]int
	entries    []types.HostStatus
}

// NewFSATable creates an empty host status table.
func NewFSATable() *FSATable {
	return &FSATable{byAlias: make(map[string]int)}
}

// Generation returns the current generation counter.
func (t *FSATable) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// AttachActive returns a pointer to the host's live entry for mutation.
// Callers must not retain the pointer across a call that may resize the
// table (Upsert growing past capacity).
func (t *FSATable) AttachActive(hostAlias string) (*types.HostStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.byAlias[hostAlias]
	if !ok {
		return nil, false
	}
	return &t.entries[pos], true
}

// AttachPassive returns a copy of the host's entry, safe to hold onto.
func (t *FSATable) AttachPassive(hostAlias string) (types.HostStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.byAlias[hostAlias]
	if !ok {
		return types.HostStatus{}, false
	}
	return t.entries[pos], true
}

// AttachActiveAt returns a mutable pointer to the host at a known table
// position, avoiding an alias round trip for callers that already carry
// fsa_pos (e.g. pkg/scheduler, pkg/reaper).
func (t *FSATable) AttachActiveAt(pos int) (*types.HostStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos < 0 || pos >= len(t.entries) || t.entries[pos].HostAlias == "" {
		return nil, false
	}
	return &t.entries[pos], true
}

// Upsert inserts a new host or overwrites an existing one by alias.
func (t *FSATable) Upsert(host types.HostStatus) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.byAlias[host.HostAlias]; ok {
		host.Pos = pos
		t.entries[pos] = host
		return pos
	}

	if len(t.entries) == cap(t.entries) {
		grown := make([]types.HostStatus, len(t.entries), len(t.entries)+growthChunk)
		copy(grown, t.entries)
		t.entries = grown
		t.generation++
	}

	pos := len(t.entries)
	host.Pos = pos
	t.entries = append(t.entries, host)
	t.byAlias[host.HostAlias] = pos
	return pos
}

// Remove drops a host from the table. Positions of later entries do not
// shift; the slot is left zeroed and its alias mapping removed, matching
// spec.md §9's guidance to warn and leave a stale fsa_pos untouched until
// the next failed dispatch attempt rather than compacting under readers.
func (t *FSATable) Remove(hostAlias string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.byAlias[hostAlias]
	if !ok {
		return
	}
	t.entries[pos] = types.HostStatus{}
	delete(t.byAlias, hostAlias)
}

// Snapshot returns a copy of every live entry.
func (t *FSATable) Snapshot() []types.HostStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.HostStatus, 0, len(t.byAlias))
	for _, pos := range t.byAlias {
		out = append(out, t.entries[pos])
	}
	return out
}

// PosByAlias resolves a host alias to its table position.
func (t *FSATable) PosByAlias(hostAlias string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.byAlias[hostAlias]
	return pos, ok
}

// AliasByPos resolves a table position back to its host alias.
func (t *FSATable) AliasByPos(pos int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos < 0 || pos >= len(t.entries) {
		return "", false
	}
	for alias, p := range t.byAlias {
		if p == pos {
			return alias, true
		}
	}
	return "", false
}

// FRATable is the retrieve directory array.
type FRATable struct {
	mu      sync.RWMutex
	byAlias map[string]int
	entries []types.FetchDir
}

// NewFRATable creates an empty retrieve-directory table.
func NewFRATable() *FRATable {
	return &FRATable{byAlias: make(map[string]int)}
}

// Upsert inserts or overwrites a retrieve directory by alias.
func (t *FRATable) Upsert(dir types.FetchDir) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.byAlias[dir.DirAlias]; ok {
		dir.Pos = pos
		t.entries[pos] = dir
		return pos
	}
	pos := len(t.entries)
	dir.Pos = pos
	t.entries = append(t.entries, dir)
	t.byAlias[dir.DirAlias] = pos
	return pos
}

// AttachActive returns a mutable pointer to a retrieve directory entry.
func (t *FRATable) AttachActive(dirAlias string) (*types.FetchDir, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.byAlias[dirAlias]
	if !ok {
		return nil, false
	}
	return &t.entries[pos], true
}

// Snapshot returns a copy of every retrieve directory.
func (t *FRATable) Snapshot() []types.FetchDir {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.FetchDir, 0, len(t.byAlias))
	for _, pos := range t.byAlias {
		out = append(out, t.entries[pos])
	}
	return out
}

// ConnTable is the fixed-capacity connection/child table (§4.5, C5).
type ConnTable struct {
	mu      sync.RWMutex
	entries []types.ConnectionSlot
}

// NewConnTable creates a connection table with the given fixed capacity
// (spec.md §4.5's MAX_NO_OF_CONNECTIONS-equivalent bound).
func NewConnTable(capacity int) *ConnTable {
	return &ConnTable{entries: make([]types.ConnectionSlot, capacity)}
}

// Acquire finds the first free slot, marks it occupied, and returns its
// index. Returns -1 if the table is full.
func (t *ConnTable) Acquire(slot types.ConnectionSlot) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Free() {
			t.entries[i] = slot
			return i
		}
	}
	return -1
}

// Release frees a connection slot.
func (t *ConnTable) Release(pos int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos < 0 || pos >= len(t.entries) {
		return
	}
	t.entries[pos] = types.ConnectionSlot{}
}

// Get returns a copy of a connection slot.
func (t *ConnTable) Get(pos int) (types.ConnectionSlot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos < 0 || pos >= len(t.entries) {
		return types.ConnectionSlot{}, false
	}
	return t.entries[pos], true
}

// Set overwrites an occupied slot in place. Reports whether the slot
// existed and was occupied.
func (t *ConnTable) Set(pos int, slot types.ConnectionSlot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos < 0 || pos >= len(t.entries) || t.entries[pos].Free() {
		return false
	}
	t.entries[pos] = slot
	return true
}

// InUse returns the number of occupied slots.
func (t *ConnTable) InUse() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.entries {
		if !t.entries[i].Free() {
			n++
		}
	}
	return n
}

// Capacity returns the table's fixed size.
func (t *ConnTable) Capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

