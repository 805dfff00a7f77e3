package ingest

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/fifo"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	messages map[uint32]*types.MessageCacheEntry
	calls    int
}

func (f *fakeStore) PutMessage(entry *types.MessageCacheEntry) error {
	f.messages[entry.JobID] = entry
	return nil
}
func (f *fakeStore) GetMessage(jobID uint32) (*types.MessageCacheEntry, error) {
	f.calls++
	e, ok := f.messages[jobID]
	if !ok {
		return nil, assert.AnError
	}
	return e, nil
}
func (f *fakeStore) ListMessages() ([]*types.MessageCacheEntry, error) { return nil, nil }
func (f *fakeStore) DeleteMessage(jobID uint32) error                 { delete(f.messages, jobID); return nil }
func (f *fakeStore) PutHost(*types.HostStatus) error                  { return nil }
func (f *fakeStore) GetHost(string) (*types.HostStatus, error)        { return nil, nil }
func (f *fakeStore) ListHosts() ([]*types.HostStatus, error)          { return nil, nil }
func (f *fakeStore) DeleteHost(string) error                          { return nil }
func (f *fakeStore) PutFetchDir(*types.FetchDir) error                { return nil }
func (f *fakeStore) GetFetchDir(string) (*types.FetchDir, error)      { return nil, nil }
func (f *fakeStore) ListFetchDirs() ([]*types.FetchDir, error)        { return nil, nil }
func (f *fakeStore) DeleteFetchDir(string) error                      { return nil }
func (f *fakeStore) Close() error                                     { return nil }

func TestIngestSendLooksUpHostAndEnqueues(t *testing.T) {
	fsa := regions.NewFSATable()
	fsa.Upsert(types.HostStatus{HostAlias: "primary"})

	store := &fakeStore{messages: map[uint32]*types.MessageCacheEntry{
		7: {JobID: 7, FSAPos: 0},
	}}

	q := queue.NewBuffer()
	ig := NewIngester(store, q, fsa, regions.NewFRATable())

	err := ig.IngestSend(fifo.MessageRecord{JobID: 7, Priority: '5', FilesToSend: 1, FileSizeToSend: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestIngestSendCachesConsecutiveLookups(t *testing.T) {
	fsa := regions.NewFSATable()
	fsa.Upsert(types.HostStatus{HostAlias: "primary"})
	store := &fakeStore{messages: map[uint32]*types.MessageCacheEntry{7: {JobID: 7, FSAPos: 0}}}
	q := queue.NewBuffer()
	ig := NewIngester(store, q, fsa, regions.NewFRATable())

	require.NoError(t, ig.IngestSend(fifo.MessageRecord{JobID: 7}))
	require.NoError(t, ig.IngestSend(fifo.MessageRecord{JobID: 7}))

	assert.Equal(t, 1, store.calls, "second lookup for the same job should hit the depth-1 cache")
}

func TestIngestSendUnknownJobErrors(t *testing.T) {
	store := &fakeStore{messages: map[uint32]*types.MessageCacheEntry{}}
	ig := NewIngester(store, queue.NewBuffer(), regions.NewFSATable(), regions.NewFRATable())

	err := ig.IngestSend(fifo.MessageRecord{JobID: 99})
	assert.Error(t, err)
}

func TestIngestDueSkipsNotYetDue(t *testing.T) {
	fra := regions.NewFRATable()
	fra.Upsert(types.FetchDir{DirAlias: "remote1", NextCheck: time.Now().Add(time.Hour)})

	ig := NewIngester(&fakeStore{messages: map[uint32]*types.MessageCacheEntry{}}, queue.NewBuffer(), regions.NewFSATable(), fra)
	count := ig.IngestDue(time.Now())
	assert.Equal(t, 0, count)
}

func TestIngestDueEnqueuesDueDirectories(t *testing.T) {
	fra := regions.NewFRATable()
	fra.Upsert(types.FetchDir{DirAlias: "remote1", NextCheck: time.Now().Add(-time.Minute)})

	q := queue.NewBuffer()
	ig := NewIngester(&fakeStore{messages: map[uint32]*types.MessageCacheEntry{}}, q, regions.NewFSATable(), fra)
	count := ig.IngestDue(time.Now())
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, q.Len())
}

func TestIngestDueSkipsDisabled(t *testing.T) {
	fra := regions.NewFRATable()
	fra.Upsert(types.FetchDir{DirAlias: "remote1", NextCheck: time.Now().Add(-time.Minute), Flags: types.DirDisabled})

	ig := NewIngester(&fakeStore{messages: map[uint32]*types.MessageCacheEntry{}}, queue.NewBuffer(), regions.NewFSATable(), fra)
	assert.Equal(t, 0, ig.IngestDue(time.Now()))
}

func TestIngestSendMsgNumberFoldsInPriority(t *testing.T) {
	fsa := regions.NewFSATable()
	fsa.Upsert(types.HostStatus{HostAlias: "primary"})
	store := &fakeStore{messages: map[uint32]*types.MessageCacheEntry{7: {JobID: 7, FSAPos: 0}}}
	q := queue.NewBuffer()
	ig := NewIngester(store, q, fsa, regions.NewFRATable())

	rec := fifo.MessageRecord{
		JobID:           7,
		Priority:        '9',
		CreatedAt:       1000 * int64(time.Second),
		UniqueNumber:    2,
		SplitJobCounter: 3,
	}
	require.NoError(t, ig.IngestSend(rec))

	entry, ok := q.Get(fifo.MsgName{Priority: '9', CreatedAt: 1000 * int64(time.Second), JobID: 7, DirAlias: "primary"}.String())
	require.True(t, ok)

	wantWeight := int64('9') - int64('/')
	wantNumber := float64(wantWeight) * float64(1000*10000+2+3)
	assert.Equal(t, wantNumber, entry.MsgNumber)
}

func TestIngestSendPriorityZeroBoundary(t *testing.T) {
	// Priority '0' produces msg_number <= 0 and must still be insertable
	// at the head of the queue (spec.md §8 boundary behavior).
	fsa := regions.NewFSATable()
	fsa.Upsert(types.HostStatus{HostAlias: "primary"})
	store := &fakeStore{messages: map[uint32]*types.MessageCacheEntry{7: {JobID: 7, FSAPos: 0}}}
	q := queue.NewBuffer()
	ig := NewIngester(store, q, fsa, regions.NewFRATable())

	require.NoError(t, ig.IngestSend(fifo.MessageRecord{JobID: 7, Priority: '0'}))

	require.Equal(t, 1, q.Len())
	names := q.PendingMsgNames()
	require.Len(t, names, 1)
	entry, ok := q.Get(names[0])
	require.True(t, ok)
	assert.LessOrEqual(t, entry.MsgNumber, 0.0)
}

func TestIngestDueMsgNumberFoldsInPriority(t *testing.T) {
	fra := regions.NewFRATable()
	fra.Upsert(types.FetchDir{DirAlias: "remote1", DirID: 5, Priority: '9', NextCheck: time.Now().Add(-time.Minute)})

	q := queue.NewBuffer()
	ig := NewIngester(&fakeStore{messages: map[uint32]*types.MessageCacheEntry{}}, q, regions.NewFSATable(), fra)
	now := time.Now()
	require.Equal(t, 1, ig.IngestDue(now))

	names := q.PendingMsgNames()
	require.Len(t, names, 1)
	entry, ok := q.Get(names[0])
	require.True(t, ok)

	wantWeight := int64('9') - int64('/')
	wantNumber := float64(wantWeight) * float64(now.Unix()*10000+5)
	assert.Equal(t, wantNumber, entry.MsgNumber)
}
