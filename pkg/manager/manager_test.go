package manager

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/fifo"
	"github.com/cuemby/relay/pkg/scheduler"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		DataDir:        t.TempDir(),
		WorkDir:        t.TempDir(),
		MaxConnections: 4,
		WorkerBinaries: map[scheduler.BinaryKey]string{
			{Protocol: types.ProtocolFTP, Fetch: false}: "/usr/local/fd/bin/send_ftp",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.store.Close() })
	return m
}

func TestNewManagerSeedsEmptyRegions(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.Hosts())
	assert.Equal(t, 0, m.ConnectionsInUse())
	assert.Equal(t, 4, m.ConnectionCapacity())
	assert.Equal(t, 0, m.AckQueueDepth())
}

func TestTickWithNoFIFOSourcesIsANoop(t *testing.T) {
	m := newTestManager(t)
	assert.NotPanics(t, func() { m.Tick(time.Now()) })
}

type fakeLauncher struct{ pid int }

func (f *fakeLauncher) Launch(binary string, args []string) (int, error) { return f.pid, nil }

func TestHandleRetryRedrivesOnlyMatchingHost(t *testing.T) {
	m := newTestManager(t)
	m.Scheduler().SetLauncher(&fakeLauncher{pid: 4242})
	posA := m.fsa.Upsert(types.HostStatus{HostAlias: "a", Protocol: types.ProtocolFTP, AllowedTransfers: 1})
	posB := m.fsa.Upsert(types.HostStatus{HostAlias: "b", Protocol: types.ProtocolFTP, AllowedTransfers: 1})

	entryA := &types.QueueEntry{MsgName: "5_1_00000001_a", State: types.QueuePending, FSAPos: posA}
	entryB := &types.QueueEntry{MsgName: "5_2_00000002_b", State: types.QueuePending, FSAPos: posB}
	m.q.Insert(entryA)
	m.q.Insert(entryB)

	m.HandleRetry(fifo.RetryRecord{HostPos: int32(posA)}, time.Now())

	assert.Equal(t, types.QueueRunning, entryA.State)
	assert.Equal(t, types.QueuePending, entryB.State)
}

func TestHandleDeleteRemovesMatchingJob(t *testing.T) {
	m := newTestManager(t)
	pos := m.fsa.Upsert(types.HostStatus{HostAlias: "a", Protocol: types.ProtocolFTP})
	m.q.Insert(&types.QueueEntry{MsgName: "5_1_0000002a_a", State: types.QueuePending, FSAPos: pos})

	m.HandleDelete(0x2a)

	_, ok := m.q.Get("5_1_0000002a_a")
	assert.False(t, ok)
}

func TestHandleTRLRecalculatesPerProcessShare(t *testing.T) {
	m := newTestManager(t)
	pos := m.fsa.Upsert(types.HostStatus{HostAlias: "a", Protocol: types.ProtocolFTP, ActiveTransfers: 2})

	m.HandleTRL(fifo.TRLRecord{HostPos: int32(pos), TransferRateLimit: 2000})

	host, ok := m.fsa.AttachActiveAt(pos)
	require.True(t, ok)
	assert.Equal(t, int64(2000), host.TransferRateLimit)
	assert.Equal(t, int64(1000), host.TRLPerProcess)
}

func TestHandleTRLUnknownHostPositionLogsAndIgnores(t *testing.T) {
	m := newTestManager(t)
	assert.NotPanics(t, func() {
		m.HandleTRL(fifo.TRLRecord{HostPos: 99, TransferRateLimit: 500})
	})
}

func TestSaveStopWaitsForConnectionsToDrain(t *testing.T) {
	m := newTestManager(t)
	m.cfg.SoftShutdownTimeout = time.Hour
	pos := m.conns.AcquireSend(types.ConnectionSlot{Hostname: "a"})
	require.GreaterOrEqual(t, pos, 0)

	m.RequestSaveStop()
	m.Tick(time.Now())
	assert.False(t, m.shutdownComplete())

	m.conns.Release(pos)
	assert.True(t, m.shutdownComplete())
}

func TestQuickStopSignalsThenKills(t *testing.T) {
	m := newTestManager(t)
	m.cfg.QuickShutdownDelay = 0
	m.RequestQuickStop()

	pos := m.conns.AcquireSend(types.ConnectionSlot{Hostname: "a", Pid: 999999999})
	require.GreaterOrEqual(t, pos, 0)

	m.serviceShutdown(time.Now())
	assert.True(t, m.quickSignaled)

	m.serviceShutdown(time.Now().Add(time.Second))
	assert.True(t, m.quickKilled)
}

func TestSiblingSnapshotEmptyWithoutRegistry(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.SiblingSnapshot())
}

type fakeSiblingRegistry struct{ counts map[string]int }

func (f fakeSiblingRegistry) Snapshot() map[string]int { return f.counts }

func TestSiblingSnapshotDelegatesToRegistry(t *testing.T) {
	m := newTestManager(t)
	m.SetSiblingRegistry(fakeSiblingRegistry{counts: map[string]int{"running": 2}})
	assert.Equal(t, map[string]int{"running": 2}, m.SiblingSnapshot())
}

func TestForceRemoteDirCheckClearsNextCheck(t *testing.T) {
	m := newTestManager(t)
	fsaPos := m.fsa.Upsert(types.HostStatus{HostAlias: "a", Protocol: types.ProtocolFTP})
	m.fra.Upsert(types.FetchDir{DirAlias: "incoming", FSAPos: fsaPos, NextCheck: time.Now().Add(time.Hour)})

	m.forceRemoteDirCheck(time.Now())

	dir, ok := m.fra.AttachActive("incoming")
	require.True(t, ok)
	assert.True(t, dir.NextCheck.IsZero())
}
