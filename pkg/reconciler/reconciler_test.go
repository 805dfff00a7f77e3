package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/burst"
	"github.com/cuemby/relay/pkg/connection"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, messageDir string) (*Reconciler, storage.Store, *regions.FSATable, *regions.FRATable, *connection.Manager, *queue.Buffer, *burst.Manager) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fsa := regions.NewFSATable()
	fra := regions.NewFRATable()
	conns := connection.NewManager(4)
	q := queue.NewBuffer()
	acks := burst.NewManager(time.Millisecond)

	r := New(store, fsa, fra, conns, q, acks, messageDir)
	return r, store, fsa, fra, conns, q, acks
}

func TestAuditFRAQueuedCountsCorrectsOrphan(t *testing.T) {
	r, _, fsa, fra, _, _, _ := newTestReconciler(t, "")
	fsaPos := fsa.Upsert(types.HostStatus{HostAlias: "primary"})
	fra.Upsert(types.FetchDir{DirAlias: "incoming", FSAPos: fsaPos, Queued: 1})

	r.Reconcile(time.Now())

	dir, ok := fra.AttachActive("incoming")
	require.True(t, ok)
	assert.Equal(t, 0, dir.Queued)
}

func TestAuditFRAQueuedCountsKeepsMatched(t *testing.T) {
	r, _, fsa, fra, _, q, _ := newTestReconciler(t, "")
	fsaPos := fsa.Upsert(types.HostStatus{HostAlias: "primary"})
	dirPos := fra.Upsert(types.FetchDir{DirAlias: "incoming", FSAPos: fsaPos, Queued: 1})

	q.Insert(&types.QueueEntry{
		MsgName:      "5_1_00000001_incoming",
		State:        types.QueuePending,
		Pos:          dirPos,
		FSAPos:       fsaPos,
		SpecialFlags: types.FlagFetchJob,
	})

	r.Reconcile(time.Now())

	dir, ok := fra.AttachActive("incoming")
	require.True(t, ok)
	assert.Equal(t, 1, dir.Queued)
}

func TestExpireStaleAcksRestoresPending(t *testing.T) {
	r, _, fsa, _, _, q, acks := newTestReconciler(t, "")
	fsaPos := fsa.Upsert(types.HostStatus{HostAlias: "primary"})

	entry := &types.QueueEntry{
		MsgName:      "5_2_00000002_primary",
		State:        types.QueueRunning,
		Pid:          123,
		ConnectPos:   0,
		FSAPos:       fsaPos,
		SpecialFlags: types.FlagQueuedForBurst,
	}
	q.Insert(entry)
	acks.Await(entry.MsgName)
	time.Sleep(2 * time.Millisecond)

	r.Reconcile(time.Now())

	assert.Equal(t, types.QueuePending, entry.State)
	assert.Equal(t, 0, entry.Pid)
	assert.Equal(t, -1, entry.ConnectPos)
	assert.Equal(t, types.SpecialFlag(0), entry.SpecialFlags&types.FlagQueuedForBurst)
}

func TestResyncFSAUpdatesConnectionPosition(t *testing.T) {
	r, _, fsa, _, conns, _, _ := newTestReconciler(t, "")
	fsaPos := fsa.Upsert(types.HostStatus{HostAlias: "primary"})

	pos := conns.AcquireSend(types.ConnectionSlot{Hostname: "primary", FSAPos: 99})

	r.Reconcile(time.Now())

	slot, ok := conns.Get(pos)
	require.True(t, ok)
	assert.Equal(t, fsaPos, slot.FSAPos)
}

func TestResyncFSADropsQueueEntryForRemovedHost(t *testing.T) {
	r, _, _, _, _, q, _ := newTestReconciler(t, "")

	q.Insert(&types.QueueEntry{MsgName: "5_3_00000003_ghost", State: types.QueuePending, FSAPos: 42})

	r.Reconcile(time.Now())

	_, ok := q.Get("5_3_00000003_ghost")
	assert.False(t, ok)
}

func TestRescanMessageFilesReloadsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	r, store, _, _, _, _, _ := newTestReconciler(t, dir)

	entry := &types.MessageCacheEntry{JobID: 7, MsgTime: time.Now().Add(-time.Hour)}
	require.NoError(t, store.PutMessage(entry))

	path := filepath.Join(dir, fmt.Sprintf("%08x", entry.JobID))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	r.Reconcile(time.Now())

	reloaded, err := store.GetMessage(entry.JobID)
	require.NoError(t, err)
	assert.True(t, reloaded.MsgTime.After(entry.MsgTime))
}
