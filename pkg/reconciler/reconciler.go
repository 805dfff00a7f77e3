package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/burst"
	"github.com/cuemby/relay/pkg/connection"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often the standalone ticker loop runs a
// maintenance pass when driven via Start rather than synchronously.
const DefaultInterval = 10 * time.Second

// Reconciler performs the periodic maintenance passes of spec.md §4.9.
type Reconciler struct {
	store storage.Store
	fsa   *regions.FSATable
	fra   *regions.FRATable
	conns *connection.Manager
	q     *queue.Buffer
	acks  *burst.Manager

	messageDir string

	mu              sync.Mutex
	lastGeneration  uint64
	firstGenSampled bool

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a reconciler wired to the shared regions and queue.
// messageDir is the root directory under which a job's backing message
// file lives, named by its hex job id, for the mtime rescan.
func New(store storage.Store, fsa *regions.FSATable, fra *regions.FRATable, conns *connection.Manager, q *queue.Buffer, acks *burst.Manager, messageDir string) *Reconciler {
	return &Reconciler{
		store:      store,
		fsa:        fsa,
		fra:        fra,
		conns:      conns,
		q:          q,
		acks:       acks,
		messageDir: messageDir,
		interval:   DefaultInterval,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the standalone reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one maintenance pass: message-file mtime rescan,
// FRA queued-count audit, ack-queue expiry, and FSA resync.
func (r *Reconciler) Reconcile(now time.Time) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rescanMessageFiles()
	r.auditFRAQueuedCounts()
	r.expireStaleAcks()
	r.resyncFSA()
}

// rescanMessageFiles stats each cached job's message file; if its mtime
// has advanced since the cached MsgTime, external edits have invalidated
// the descriptor and it is reloaded from disk metadata.
func (r *Reconciler) rescanMessageFiles() {
	if r.messageDir == "" {
		return
	}
	entries, err := r.store.ListMessages()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list cached message descriptors")
		return
	}

	for _, entry := range entries {
		path := r.messagePath(entry.JobID)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				r.logger.Warn().Uint32("job_id", entry.JobID).Str("path", path).Msg("cached message file no longer exists")
			}
			continue
		}
		if !info.ModTime().After(entry.MsgTime) {
			continue
		}
		entry.MsgTime = info.ModTime()
		if err := r.store.PutMessage(entry); err != nil {
			r.logger.Error().Err(err).Uint32("job_id", entry.JobID).Msg("failed to persist reloaded message descriptor")
			continue
		}
		r.logger.Debug().Uint32("job_id", entry.JobID).Msg("message descriptor reloaded after external edit")
	}
}

func (r *Reconciler) messagePath(jobID uint32) string {
	return filepath.Join(r.messageDir, fmt.Sprintf("%08x", jobID))
}

// auditFRAQueuedCounts checks invariant I6: every retrieve directory with
// queued>0 must have a matching live fetch-kind queue entry. A violation
// is logged and the counter self-corrected.
func (r *Reconciler) auditFRAQueuedCounts() {
	for _, dir := range r.fra.Snapshot() {
		if dir.Queued == 0 {
			continue
		}
		if r.hasMatchingFetchEntry(dir) {
			continue
		}
		r.logger.Warn().Str("dir_alias", dir.DirAlias).Msg("fra queued count has no matching queue entry; correcting")
		if active, ok := r.fra.AttachActive(dir.DirAlias); ok {
			active.Queued = 0
		}
	}
}

func (r *Reconciler) hasMatchingFetchEntry(dir types.FetchDir) bool {
	for _, name := range r.q.PendingMsgNames() {
		entry, ok := r.q.Get(name)
		if !ok {
			continue
		}
		if entry.IsFetch() && entry.Pos == dir.Pos && entry.FSAPos == dir.FSAPos {
			return true
		}
	}
	return false
}

// expireStaleAcks restores any burst handoff whose ack has gone
// unacknowledged past the configured timeout back to PENDING (spec.md
// §4.7, §9's ack-race open question: the reconciler periodically scans
// and reactivates rather than trusting a single race-prone check).
func (r *Reconciler) expireStaleAcks() {
	for _, msgName := range r.acks.ExpireStale() {
		entry, ok := r.q.Get(msgName)
		if !ok {
			continue
		}
		entry.State = types.QueuePending
		entry.Pid = 0
		entry.ConnectPos = -1
		entry.SpecialFlags &^= types.FlagQueuedForBurst
		r.logger.Warn().Str("msg_name", msgName).Msg("burst ack timed out; restored to pending")
	}
}

// resyncFSA re-derives cached FSA positions after the host table's
// generation counter changes (a sibling resized/reordered hosts).
// Connection slots carry their host alias and can be corrected directly;
// queue entries carry only the numeric fsa_pos and, per spec.md §9's open
// question, are warned about and dropped rather than guessed at.
func (r *Reconciler) resyncFSA() {
	gen := r.fsa.Generation()
	if r.firstGenSampled && gen == r.lastGeneration {
		return
	}
	r.lastGeneration = gen
	r.firstGenSampled = true

	for pos := 0; pos < r.conns.Capacity(); pos++ {
		slot, ok := r.conns.Get(pos)
		if !ok || slot.Free() {
			continue
		}
		newPos, ok := r.fsa.PosByAlias(slot.Hostname)
		if !ok {
			r.logger.Warn().Str("host", slot.Hostname).Msg("connection references a host removed from the fsa")
			continue
		}
		if newPos != slot.FSAPos {
			r.conns.SetFSAPos(pos, newPos)
		}
	}

	for _, name := range r.q.PendingMsgNames() {
		entry, ok := r.q.Get(name)
		if !ok {
			continue
		}
		if _, ok := r.fsa.AttachActiveAt(entry.FSAPos); !ok {
			r.logger.Warn().Str("msg_name", name).Int("fsa_pos", entry.FSAPos).Msg("queue entry references a removed host; dropping")
			r.q.Remove(name)
		}
	}
}
