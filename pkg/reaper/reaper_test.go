package reaper

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/burst"
	"github.com/cuemby/relay/pkg/connection"
	"github.com/cuemby/relay/pkg/fifo"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReaper() (*Reaper, *connection.Manager, *queue.Buffer, *regions.FSATable) {
	conns := connection.NewManager(4)
	q := queue.NewBuffer()
	fsa := regions.NewFSATable()
	acks := burst.NewManager(0)
	return New(conns, q, fsa, acks), conns, q, fsa
}

func seedSlotAndEntry(t *testing.T, conns *connection.Manager, q *queue.Buffer, msgName string, fsaPos int, flags types.SpecialFlag) int {
	t.Helper()
	pos := conns.AcquireSend(types.ConnectionSlot{
		Hostname: "primary",
		FSAPos:   fsaPos,
		MsgName:  msgName,
		Pid:      4242,
	})
	require.GreaterOrEqual(t, pos, 0)

	q.Insert(&types.QueueEntry{
		MsgName:      msgName,
		MsgNumber:    1,
		State:        types.QueueRunning,
		Pid:          4242,
		ConnectPos:   pos,
		SpecialFlags: flags,
		FSAPos:       fsaPos,
	})
	return pos
}

func TestFinishSlotRemovesOnSuccess(t *testing.T) {
	r, conns, q, _ := newTestReaper()
	pos := seedSlotAndEntry(t, conns, q, "5_1_00000001_primary", 0, 0)

	r.finishSlot(pos, types.TransferSuccess)

	_, ok := q.Get("5_1_00000001_primary")
	assert.False(t, ok, "successful job should be removed from the queue")

	slot, ok := conns.Get(pos)
	require.True(t, ok)
	assert.True(t, slot.Free(), "connection slot should be released")
}

func TestFinishSlotRequeuesOnRetryable(t *testing.T) {
	r, conns, q, _ := newTestReaper()
	pos := seedSlotAndEntry(t, conns, q, "5_2_00000002_primary", 0, 0)

	r.finishSlot(pos, types.TimeoutError)

	entry, ok := q.Get("5_2_00000002_primary")
	require.True(t, ok, "retryable job should stay in the queue")
	assert.Equal(t, types.QueuePending, entry.State)
	assert.Equal(t, 0, entry.Pid)
	assert.Equal(t, -1, entry.ConnectPos)

	slot, ok := conns.Get(pos)
	require.True(t, ok)
	assert.True(t, slot.Free())
}

func TestFinishSlotRetryableAppliesAging(t *testing.T) {
	r, conns, q, fsa := newTestReaper()
	fsa.Upsert(types.HostStatus{HostAlias: "primary", Ageing: 1})
	pos := seedSlotAndEntry(t, conns, q, "5_5_00000005_primary", 0, 0)

	r.finishSlot(pos, types.TimeoutError)

	entry, ok := q.Get("5_5_00000005_primary")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Retries)
	assert.Greater(t, entry.MsgNumber, 1.0, "aging should bump the sort key forward")
}

func TestFinishSlotRetryableSkipsAgingForNoAgeingHost(t *testing.T) {
	r, conns, q, fsa := newTestReaper()
	fsa.Upsert(types.HostStatus{HostAlias: "primary", Ageing: 1, ProtocolOptions: types.OptNoAgeing})
	pos := seedSlotAndEntry(t, conns, q, "5_6_00000006_primary", 0, 0)

	r.finishSlot(pos, types.TimeoutError)

	entry, ok := q.Get("5_6_00000006_primary")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Retries, "retry count still advances")
	assert.Equal(t, 1.0, entry.MsgNumber, "NO_AGEING_JOBS host keeps its slot")
}

func TestFinishSlotFatalAlsoRequeues(t *testing.T) {
	r, conns, q, _ := newTestReaper()
	pos := seedSlotAndEntry(t, conns, q, "5_3_00000003_primary", 0, 0)

	r.finishSlot(pos, types.SyntaxError)

	entry, ok := q.Get("5_3_00000003_primary")
	require.True(t, ok)
	assert.Equal(t, types.QueuePending, entry.State)
}

func TestFinishSlotBurstMissRecovery(t *testing.T) {
	r, conns, q, _ := newTestReaper()

	// FRAPos >= 0 marks this as a fetch-path job that raced a burst handoff.
	pos, err := conns.AcquireFetch(types.ConnectionSlot{
		Hostname: "primary",
		FSAPos:   0,
		FRAPos:   0,
		MsgName:  "5_4_00000004_remote1",
		Pid:      4242,
	})
	require.NoError(t, err)

	q.Insert(&types.QueueEntry{
		MsgName:      "5_4_00000004_remote1",
		MsgNumber:    1,
		State:        types.QueueRunning,
		Pid:          4242,
		ConnectPos:   pos,
		SpecialFlags: types.FlagQueuedForBurst,
		FSAPos:       0,
	})

	r.finishSlot(pos, types.TransferSuccess)

	entry, ok := q.Get("5_4_00000004_remote1")
	require.True(t, ok, "burst-miss recovery should restore the entry rather than remove it")
	assert.Equal(t, types.QueuePending, entry.State)
}

func TestApplyErrorHistoryShiftsRingAndStampsFirstError(t *testing.T) {
	r, _, _, fsa := newTestReaper()
	fsa.Upsert(types.HostStatus{HostAlias: "primary", RetryInterval: time.Minute})

	r.applyErrorHistory(0, "5_9_00000009_primary", types.TimeoutError)

	host, ok := fsa.AttachPassive("primary")
	require.True(t, ok)
	assert.Equal(t, int(types.TimeoutError), host.ErrorHistory[0])
	assert.False(t, host.FirstErrorTime.IsZero())
	assert.Equal(t, 1, host.ErrorCounter)
	assert.NotZero(t, host.Flags&types.HostErrorQueueSet, "retryable fault should set the error-queue bit")
	assert.True(t, host.ErrorQueueContains("5_9_00000009_primary", time.Now()))
}

func TestApplyErrorHistoryClearsFirstErrorOnSuccess(t *testing.T) {
	r, _, _, fsa := newTestReaper()
	fsa.Upsert(types.HostStatus{HostAlias: "primary", RetryInterval: time.Minute})
	r.applyErrorHistory(0, "5_9_00000009_primary", types.TimeoutError)

	r.applyErrorHistory(0, "5_9_00000009_primary", types.TransferSuccess)

	host, ok := fsa.AttachPassive("primary")
	require.True(t, ok)
	assert.True(t, host.FirstErrorTime.IsZero())
	assert.False(t, host.ErrorQueueContains("5_9_00000009_primary", time.Now()))
	assert.Zero(t, host.Flags&types.HostErrorQueueSet, "error-queue bit should clear once the queue is empty")
}

func TestEnqueueZombieDeduplicatesBySlot(t *testing.T) {
	r, _, _, _ := newTestReaper()
	code := types.TransferSuccess

	r.enqueueZombie(2, 999, &code)
	r.enqueueZombie(2, 999, &code)

	assert.Equal(t, 1, r.zombieLen())
}

func TestHandleFinishBurstContinuationIsNoop(t *testing.T) {
	r, conns, _, _ := newTestReaper()
	assert.NotPanics(t, func() {
		r.HandleFinish(fifo.FinishRecord{Pid: -123, ExitCode: 0})
	})
	assert.Equal(t, 0, conns.InUse())
}

func TestHandleFinishUnknownPidLogsAndSkips(t *testing.T) {
	r, _, _, _ := newTestReaper()
	assert.NotPanics(t, func() {
		r.HandleFinish(fifo.FinishRecord{Pid: 555, ExitCode: 0})
	})
}

func TestClassLabelCoversAllFaultClasses(t *testing.T) {
	assert.Equal(t, "none", classLabel(types.FaultNone))
	assert.Equal(t, "retryable", classLabel(types.FaultRetryable))
	assert.Equal(t, "fatal", classLabel(types.FaultFatal))
	assert.Equal(t, "pending", classLabel(types.FaultPending))
}
