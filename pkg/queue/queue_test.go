package queue

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBufferInsertSortedOrder(t *testing.T) {
	b := NewBuffer()

	b.Insert(&types.QueueEntry{MsgName: "c", MsgNumber: 30})
	b.Insert(&types.QueueEntry{MsgName: "a", MsgNumber: 10})
	b.Insert(&types.QueueEntry{MsgName: "b", MsgNumber: 20})

	snapshot := b.Snapshot()
	assert.Len(t, snapshot, 3)
	assert.Equal(t, "a", snapshot[0].MsgName)
	assert.Equal(t, "b", snapshot[1].MsgName)
	assert.Equal(t, "c", snapshot[2].MsgName)
}

func TestBufferRemove(t *testing.T) {
	b := NewBuffer()
	b.Insert(&types.QueueEntry{MsgName: "a", MsgNumber: 10})
	b.Insert(&types.QueueEntry{MsgName: "b", MsgNumber: 20})

	assert.True(t, b.Remove("a"))
	assert.Equal(t, 1, b.Len())
	assert.False(t, b.Remove("a"))

	_, ok := b.Get("a")
	assert.False(t, ok)
}

func TestBufferHeadReturnsOnlyPending(t *testing.T) {
	b := NewBuffer()
	b.Insert(&types.QueueEntry{MsgName: "running", MsgNumber: 5, State: types.QueueRunning})
	b.Insert(&types.QueueEntry{MsgName: "pending", MsgNumber: 10, State: types.QueuePending})

	head := b.Head()
	if assert.NotNil(t, head) {
		assert.Equal(t, "pending", head.MsgName)
	}
}

func TestBufferAgeBeforeRetryThreshold(t *testing.T) {
	b := NewBuffer()
	entry := &types.QueueEntry{MsgName: "a", MsgNumber: 100, Retries: 0}
	b.Insert(entry)
	other := &types.QueueEntry{MsgName: "b", MsgNumber: 100.5}
	b.Insert(other)

	ok := b.Age("a", 1, DefaultAgingTable, time.Now())
	assert.True(t, ok)

	aged, _ := b.Get("a")
	assert.Equal(t, 1, aged.Retries)
	assert.Greater(t, aged.MsgNumber, 100.0)

	snapshot := b.Snapshot()
	assert.Equal(t, "b", snapshot[0].MsgName, "lower msg_number should now sort first")
}

func TestBufferAgeAfterRetryThresholdScalesByCreationTimeAndRetries(t *testing.T) {
	b := NewBuffer()
	created := time.Unix(1_700_000_000, 0)
	entry := &types.QueueEntry{MsgName: "a", MsgNumber: 100, Retries: 5, CreationTime: created}
	b.Insert(entry)

	now := created.Add(time.Hour)
	ok := b.Age("a", 1, DefaultAgingTable, now)
	assert.True(t, ok)

	aged, _ := b.Get("a")
	rule := DefaultAgingTable[1]
	wantScale := float64(5 + 1 - rule.RetryThreshold)
	wantDelta := float64(created.Unix()) * rule.AfterThreshold.Seconds() * wantScale
	assert.InDelta(t, 100+wantDelta, aged.MsgNumber, 0.001)
	assert.Equal(t, 6, aged.Retries)
}

func TestBufferAgeClampsToCeiling(t *testing.T) {
	b := NewBuffer()
	created := time.Unix(1_700_000_000, 0)
	entry := &types.QueueEntry{MsgName: "a", MsgNumber: 0, Retries: 2000, CreationTime: created}
	b.Insert(entry)

	now := created
	b.Age("a", 1, DefaultAgingTable, now)

	aged, _ := b.Get("a")
	ceiling := float64(now.Unix()) * maxThresholdScale
	assert.Equal(t, ceiling, aged.MsgNumber)
}

func TestBufferIncrementRetriesLeavesMsgNumberUnchanged(t *testing.T) {
	b := NewBuffer()
	b.Insert(&types.QueueEntry{MsgName: "a", MsgNumber: 42})

	assert.True(t, b.IncrementRetries("a"))
	entry, _ := b.Get("a")
	assert.Equal(t, 1, entry.Retries)
	assert.Equal(t, 42.0, entry.MsgNumber)

	assert.False(t, b.IncrementRetries("missing"))
}

func TestBufferCountByState(t *testing.T) {
	b := NewBuffer()
	b.Insert(&types.QueueEntry{MsgName: "a", MsgNumber: 1, State: types.QueuePending})
	b.Insert(&types.QueueEntry{MsgName: "b", MsgNumber: 2, State: types.QueueRunning})
	b.Insert(&types.QueueEntry{MsgName: "c", MsgNumber: 3, State: types.QueuePending})

	counts := b.CountByState()
	assert.Equal(t, 2, counts[types.QueuePending])
	assert.Equal(t, 1, counts[types.QueueRunning])
}

func TestBufferGrowthBeyondInitialChunk(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < growthChunk+10; i++ {
		b.Insert(&types.QueueEntry{MsgName: string(rune(i)), MsgNumber: float64(i)})
	}
	assert.Equal(t, growthChunk+10, b.Len())
}
