package ingest

import (
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/fifo"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// mdbCache is a depth-1 cache of the last looked-up message cache entry:
// consecutive message FIFO records very often reference the same job
// (a multi-file job announces each file separately), so caching just the
// most recent lookup avoids a storage round trip for the common case
// without the bookkeeping of a full LRU.
type mdbCache struct {
	jobID uint32
	entry *types.MessageCacheEntry
	valid bool
}

func (c *mdbCache) get(jobID uint32, store storage.Store) (*types.MessageCacheEntry, error) {
	if c.valid && c.jobID == jobID {
		return c.entry, nil
	}
	entry, err := store.GetMessage(jobID)
	if err != nil {
		return nil, err
	}
	c.jobID = jobID
	c.entry = entry
	c.valid = true
	return entry, nil
}

// Ingester turns message FIFO records and due FRA schedules into queue
// entries.
type Ingester struct {
	store  storage.Store
	queue  *queue.Buffer
	fsa    *regions.FSATable
	fra    *regions.FRATable
	cache  mdbCache
	logger zerolog.Logger
}

// NewIngester creates an ingester wired to the shared queue buffer and
// regions tables.
func NewIngester(store storage.Store, q *queue.Buffer, fsa *regions.FSATable, fra *regions.FRATable) *Ingester {
	return &Ingester{
		store:  store,
		queue:  q,
		fsa:    fsa,
		fra:    fra,
		logger: log.WithComponent("ingest"),
	}
}

// IngestSend decodes a message FIFO record and enqueues the corresponding
// send-path job, looking up its destination host via the MDB entry.
func (ig *Ingester) IngestSend(rec fifo.MessageRecord) error {
	entry, err := ig.cache.get(rec.JobID, ig.store)
	if err != nil {
		return fmt.Errorf("ingest: job %d not in message cache: %w", rec.JobID, err)
	}

	alias, ok := ig.fsa.AliasByPos(entry.FSAPos)
	if !ok {
		return fmt.Errorf("ingest: job %d references unknown fsa_pos %d", rec.JobID, entry.FSAPos)
	}
	host, ok := ig.fsa.AttachPassive(alias)
	if !ok {
		return fmt.Errorf("ingest: job %d references unknown fsa_pos %d", rec.JobID, entry.FSAPos)
	}

	name := fifo.MsgName{
		Priority:  rec.Priority,
		CreatedAt: rec.CreatedAt,
		JobID:     rec.JobID,
		DirAlias:  host.HostAlias,
	}

	// spec.md §4.3: key = (priority − '/') × (creation_time×10000 +
	// unique_number + split_job_counter), with creation_time in whole
	// seconds (rec.CreatedAt is UnixNano; ×10000 on it would overflow).
	weight := fifo.PriorityWeight(rec.Priority)
	createdSec := time.Unix(0, rec.CreatedAt).Unix()
	msgNumber := float64(weight) * float64(createdSec*10000+int64(rec.UniqueNumber)+int64(rec.SplitJobCounter))

	qe := &types.QueueEntry{
		MsgName:        name.String(),
		MsgNumber:      msgNumber,
		CreationTime:   time.Unix(0, rec.CreatedAt),
		Pos:            entry.FSAPos,
		State:          types.QueuePending,
		ConnectPos:     -1,
		FilesToSend:    rec.FilesToSend,
		FileSizeToSend: rec.FileSizeToSend,
		FSAPos:         entry.FSAPos,
	}
	ig.queue.Insert(qe)
	ig.logger.Debug().Str("msg_name", qe.MsgName).Msg("ingested send-path job")
	return nil
}

// IngestDue scans the FRA for directories whose NextCheck has passed and
// enqueues a fetch-path job for each, per spec.md §4.2's retrieve
// scheduling.
func (ig *Ingester) IngestDue(now time.Time) int {
	count := 0
	for _, dir := range ig.fra.Snapshot() {
		if dir.Flags&types.DirDisabled != 0 || dir.Flags&types.DirPaused != 0 {
			continue
		}
		if now.Before(dir.NextCheck) {
			continue
		}

		name := fifo.MsgName{
			Priority:  dir.Priority,
			CreatedAt: now.UnixNano(),
			JobID:     dir.DirID,
			DirAlias:  dir.DirAlias,
		}

		// Fetch-path jobs have no unique_number/split_job_counter (those
		// are send-path wire fields); dir_id stands in as the fetch
		// directory's own uniqueness term so same-tick fetches still sort
		// deterministically, per §4.3's "synthetic key, age-weighted order".
		weight := fifo.PriorityWeight(dir.Priority)
		msgNumber := float64(weight) * float64(now.Unix()*10000+int64(dir.DirID))

		qe := &types.QueueEntry{
			MsgName:      name.String(),
			MsgNumber:    msgNumber,
			CreationTime: now,
			Pos:          dir.Pos,
			State:        types.QueuePending,
			ConnectPos:   -1,
			SpecialFlags: types.FlagFetchJob,
			FSAPos:       dir.FSAPos,
		}
		ig.queue.Insert(qe)
		count++

		if active, ok := ig.fra.AttachActive(dir.DirAlias); ok {
			active.Queued++
		}
	}
	if count > 0 {
		ig.logger.Debug().Int("count", count).Msg("ingested due fetch-path jobs")
	}
	return count
}
