package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// growthChunk mirrors pkg/regions' chunked-growth policy for the queue
// buffer's backing slice.
const growthChunk = 128

// AgingRule is one row of the immutable aging table (spec.md §4.3, §9
// redesign hint), indexed by a host's Ageing field. BeforeThreshold and
// AfterThreshold are the amount a failed entry's MsgNumber is pushed
// forward (lower priority) depending on whether RetryThreshold retries
// have already been exhausted.
type AgingRule struct {
	BeforeThreshold time.Duration
	AfterThreshold  time.Duration
	RetryThreshold  int
}

// DefaultAgingTable is the built-in aging table used when a host's
// configuration does not override it. Index 0 means "no ageing".
var DefaultAgingTable = []AgingRule{
	{BeforeThreshold: 0, AfterThreshold: 0, RetryThreshold: 0},
	{BeforeThreshold: 30 * time.Second, AfterThreshold: 2 * time.Minute, RetryThreshold: 3},
	{BeforeThreshold: 2 * time.Minute, AfterThreshold: 10 * time.Minute, RetryThreshold: 5},
	{BeforeThreshold: 10 * time.Minute, AfterThreshold: 30 * time.Minute, RetryThreshold: 10},
}

// Buffer is the queue buffer (QB): a slice of queue entries kept sorted
// ascending by MsgNumber, supporting binary-search insertion/removal.
type Buffer struct {
	mu      sync.Mutex
	entries []*types.QueueEntry
	byName  map[string]*types.QueueEntry
}

// NewBuffer creates an empty queue buffer.
func NewBuffer() *Buffer {
	return &Buffer{byName: make(map[string]*types.QueueEntry)}
}

// Len returns the number of entries currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Insert places an entry in sorted position by MsgNumber via binary
// search, growing the backing slice in chunks rather than one at a time.
func (b *Buffer) Insert(entry *types.QueueEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertLocked(entry)
}

func (b *Buffer) insertLocked(entry *types.QueueEntry) {
	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].MsgNumber >= entry.MsgNumber
	})

	if len(b.entries) == cap(b.entries) {
		grown := make([]*types.QueueEntry, len(b.entries), len(b.entries)+growthChunk)
		copy(grown, b.entries)
		b.entries = grown
	}

	b.entries = append(b.entries, nil)
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = entry
	b.byName[entry.MsgName] = entry
}

// Remove deletes the entry identified by msgName, shifting the suffix
// left (standing in for the original's suffix memmove). Reports whether
// an entry was found.
func (b *Buffer) Remove(msgName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byName[msgName]
	if !ok {
		return false
	}
	return b.removeEntryLocked(entry)
}

func (b *Buffer) removeEntryLocked(entry *types.QueueEntry) bool {
	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].MsgNumber >= entry.MsgNumber
	})
	for idx < len(b.entries) && b.entries[idx] != entry {
		idx++
	}
	if idx >= len(b.entries) {
		return false
	}
	copy(b.entries[idx:], b.entries[idx+1:])
	b.entries = b.entries[:len(b.entries)-1]
	delete(b.byName, entry.MsgName)
	return true
}

// Get returns the entry for msgName, if present.
func (b *Buffer) Get(msgName string) (*types.QueueEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byName[msgName]
	return e, ok
}

// Head returns the lowest-MsgNumber pending entry without removing it,
// or nil if the queue has no pending work.
func (b *Buffer) Head() *types.QueueEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.State == types.QueuePending {
			return e
		}
	}
	return nil
}

// maxThresholdScale is the 2×10⁵ multiplier spec.md §4.3 applies to `now`
// to derive the aging ceiling a re-sorted key may never cross.
const maxThresholdScale = 2e5

// Age re-sorts a failing entry per spec.md §4.3's aging-on-failure rule:
// below the ageing level's retry_threshold the key is bumped by a flat
// before_threshold; at or past it, by
// `creation_time × after_threshold × (retries + 1 − retry_threshold)`.
// The result is clamped to a ceiling of `now × 2×10⁵` before the entry is
// reinserted at its new sorted position.
func (b *Buffer) Age(msgName string, ageingLevel int, table []AgingRule, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byName[msgName]
	if !ok {
		return false
	}
	if ageingLevel < 0 || ageingLevel >= len(table) {
		ageingLevel = 0
	}
	rule := table[ageingLevel]

	var delta float64
	if entry.Retries < rule.RetryThreshold {
		delta = rule.BeforeThreshold.Seconds()
	} else {
		scale := float64(entry.Retries + 1 - rule.RetryThreshold)
		delta = float64(entry.CreationTime.Unix()) * rule.AfterThreshold.Seconds() * scale
	}

	b.removeEntryLocked(entry)
	entry.Retries++
	entry.MsgNumber += delta

	if ceiling := float64(now.Unix()) * maxThresholdScale; entry.MsgNumber > ceiling {
		entry.MsgNumber = ceiling
	}

	b.insertLocked(entry)
	return true
}

// IncrementRetries bumps an entry's retry counter without touching its
// sort key, for hosts configured to skip the aging key bump
// (NO_AGEING_JOBS or ageing==0) while still tracking retry count for the
// retry-interval admission gate (spec.md §4.3).
func (b *Buffer) IncrementRetries(msgName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.byName[msgName]
	if !ok {
		return false
	}
	entry.Retries++
	return true
}

// PendingMsgNames returns the msg_name of every pending entry, in sorted
// (dispatch) order, for a caller (pkg/scheduler) that needs to revisit
// each one by live pointer via Get rather than a value-copy Snapshot.
func (b *Buffer) PendingMsgNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		if e.State == types.QueuePending {
			names = append(names, e.MsgName)
		}
	}
	return names
}

// CountByState returns the number of entries in each QueueState.
func (b *Buffer) CountByState() map[types.QueueState]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[types.QueueState]int, 3)
	for _, e := range b.entries {
		counts[e.State]++
	}
	return counts
}

// Snapshot returns a copy of every entry currently queued, in sorted
// order.
func (b *Buffer) Snapshot() []types.QueueEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.QueueEntry, len(b.entries))
	for i, e := range b.entries {
		out[i] = *e
	}
	return out
}
