package reaper

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/burst"
	"github.com/cuemby/relay/pkg/connection"
	"github.com/cuemby/relay/pkg/fifo"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultAbnormalTermCheckInterval is ABNORMAL_TERM_CHECK_INTERVAL, the
// period of the periodic WNOHANG sweep (spec.md §4.6).
const DefaultAbnormalTermCheckInterval = 10 * time.Second

// zombie is one entry on the bounded zombie-wait list: a connection slot
// whose child has not yet been reaped (waitpid raced the finish-FIFO
// notification). code is set when the finish FIFO already told us the
// exit code and only the OS-level reap is outstanding.
type zombie struct {
	pos      int
	pid      int
	code     *types.ExitCode
	queuedAt time.Time
}

// Reaper collects terminated children, classifies their exit codes, and
// feeds the outcome back into the queue and connection table. Built around
// a heartbeat-loop/event-loop ticker-pair idiom, adapted to the finish-FIFO
// event path and periodic WNOHANG sweep of spec.md §4.6.
type Reaper struct {
	conns *connection.Manager
	q     *queue.Buffer
	fsa   *regions.FSATable
	acks  *burst.Manager

	agingTable []queue.AgingRule
	interval   time.Duration

	mu      sync.Mutex
	zombies []zombie

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a reaper wired to the shared connection table, queue
// buffer, FSA table and ack manager.
func New(conns *connection.Manager, q *queue.Buffer, fsa *regions.FSATable, acks *burst.Manager) *Reaper {
	return &Reaper{
		conns:      conns,
		q:          q,
		fsa:        fsa,
		acks:       acks,
		agingTable: queue.DefaultAgingTable,
		interval:   DefaultAbnormalTermCheckInterval,
		logger:     log.WithComponent("reaper"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic WNOHANG sweep loop.
func (r *Reaper) Start() {
	go r.sweepLoop()
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) sweepLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// HandleFinish processes one record read off the finish FIFO: a negative
// pid is a burst-continuation notice (the worker is alive and soliciting
// more work), a positive pid is a termination notice.
func (r *Reaper) HandleFinish(rec fifo.FinishRecord) {
	if rec.IsBurstContinuation() {
		r.handleBurstContinuation(-rec.Pid, types.ExitCode(rec.ExitCode))
		return
	}
	r.reapChild(int(rec.Pid), types.ExitCode(rec.ExitCode))
}

// handleBurstContinuation is the reaper's half of the event path in
// spec.md §4.6: the worker's scheduler-side burst handoff is driven by
// pkg/scheduler; here we only log the notice, since a miss (no further
// work for this worker) is resolved by the scheduler sending SIGUSR1,
// not by the reaper itself.
func (r *Reaper) handleBurstContinuation(pid int, code types.ExitCode) {
	r.logger.Debug().Int("pid", pid).Msg("worker soliciting more burst work")
}

// Sweep performs one periodic WNOHANG pass: every live connection slot is
// probed with a non-blocking wait, and the zombie-wait list is revisited.
func (r *Reaper) Sweep() {
	metrics.ReaperCyclesTotal.Inc()

	for pos := 0; pos < r.conns.Capacity(); pos++ {
		slot, ok := r.conns.Get(pos)
		if !ok || slot.Free() {
			continue
		}
		r.probe(pos, slot.Pid)
	}

	r.revisitZombies()
	metrics.ZombieWaitListDepth.Set(float64(r.zombieLen()))
}

// probe issues a non-blocking wait4 on pid and reaps it if it has
// terminated.
func (r *Reaper) probe(pos int, pid int) {
	if pid <= 0 {
		return
	}
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil || got == 0 {
		return
	}

	code := types.TransferSuccess
	if ws.Exited() {
		code = types.ExitCode(ws.ExitStatus())
	} else if ws.Signaled() {
		code = types.GotKilled
	}
	r.finishSlot(pos, code)
}

// reapChild handles a terminal finish-FIFO notice: wait4(pid, WNOHANG) to
// reap it; the child's resource usage is not collected.
// The exit code is already known from the finish record; if wait4 hasn't
// got anything yet (the child hasn't been scheduled off the run queue by
// the kernel), the slot goes onto the zombie-wait list to be retried
// rather than classified twice.
func (r *Reaper) reapChild(pid int, code types.ExitCode) {
	pos := r.slotForPid(pid)
	if pos < 0 {
		r.logger.Warn().Int("pid", pid).Msg("finish record for unknown pid")
		return
	}

	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil || got == 0 {
		r.enqueueZombie(pos, pid, &code)
		return
	}
	r.finishSlot(pos, code)
}

// finishSlot applies the reaper's classification rules (spec.md §4.6) to
// the job occupying connection slot pos and releases or re-queues it
// accordingly.
func (r *Reaper) finishSlot(pos int, code types.ExitCode) {
	slot, ok := r.conns.Get(pos)
	if !ok || slot.Free() {
		return
	}

	class := types.Classify(code)
	metrics.ChildrenReapedTotal.WithLabelValues(classLabel(class)).Inc()

	r.applyErrorHistory(slot.FSAPos, slot.MsgName, code)
	r.resolveQueueEntry(slot, class)
	r.conns.Release(pos)
}

// applyErrorHistory shifts error_history right by one and stores the
// latest exit code, per spec.md §4.6. A retryable fault also refreshes
// the host's error-queue entry for this job (expiry = now+retry_interval)
// so step 4's retry-admission gate can hold it back; a clean finish
// removes it.
func (r *Reaper) applyErrorHistory(fsaPos int, msgName string, code types.ExitCode) {
	host, ok := r.fsa.AttachActive(hostAliasAt(r.fsa, fsaPos))
	if !ok {
		return
	}
	copy(host.ErrorHistory[1:], host.ErrorHistory[:len(host.ErrorHistory)-1])
	host.ErrorHistory[0] = int(code)

	now := time.Now()
	switch types.Classify(code) {
	case types.FaultNone:
		host.FirstErrorTime = time.Time{}
		host.ErrorQueueRemove(msgName)
	case types.FaultRetryable:
		if host.FirstErrorTime.IsZero() {
			host.FirstErrorTime = now
		}
		host.ErrorCounter++
		host.ErrorQueueAdd(msgName, now.Add(host.RetryInterval))
	}
}

// resolveQueueEntry removes or re-queues the QB entry that owned this
// connection slot, depending on the reap outcome.
func (r *Reaper) resolveQueueEntry(slot types.ConnectionSlot, class types.FaultClass) {
	switch class {
	case types.FaultNone:
		if r.burstMissRecoveryNeeded(slot) {
			r.requeue(slot)
			return
		}
		r.q.Remove(slot.MsgName)
	case types.FaultRetryable:
		r.applyAging(slot)
		r.requeue(slot)
	case types.FaultFatal:
		r.requeue(slot)
	}

	if r.acks != nil {
		r.acks.Ack(slot.MsgName)
	}
}

// applyAging bumps a retryable entry's sort key per spec.md §4.3, via the
// host's configured ageing level, before it is restored to PENDING.
// Hosts with OptNoAgeing set or an ageing level of 0 keep their queue
// slot (the flat retry_interval gate still governs readmission) but the
// retry counter still advances.
func (r *Reaper) applyAging(slot types.ConnectionSlot) {
	host, ok := r.fsa.AttachActiveAt(slot.FSAPos)
	if !ok || host.ProtocolOptions&types.OptNoAgeing != 0 || host.Ageing == 0 {
		r.q.IncrementRetries(slot.MsgName)
		return
	}
	r.q.Age(slot.MsgName, host.Ageing, r.agingTable, time.Now())
}

// burstMissRecoveryNeeded implements spec.md §4.6's burst-miss recovery:
// an entry flagged QUEUED_FOR_BURST that terminated successfully may have
// raced a fresh handoff; restoring it to PENDING rather than dropping it
// avoids losing a directory still on disk.
func (r *Reaper) burstMissRecoveryNeeded(slot types.ConnectionSlot) bool {
	entry, ok := r.q.Get(slot.MsgName)
	if !ok {
		return false
	}
	return entry.SpecialFlags&types.FlagQueuedForBurst != 0
}

// requeue restores a queue entry to PENDING so the scheduler retries it.
func (r *Reaper) requeue(slot types.ConnectionSlot) {
	entry, ok := r.q.Get(slot.MsgName)
	if !ok {
		return
	}
	entry.State = types.QueuePending
	entry.Pid = 0
	entry.ConnectPos = -1
	entry.SpecialFlags &^= types.FlagQueuedForBurst
}

// enqueueZombie puts a not-yet-reaped child on the bounded zombie-wait
// list, to be revisited on the next sweep. code is non-nil when the
// finish FIFO already supplied the exit code.
func (r *Reaper) enqueueZombie(pos, pid int, code *types.ExitCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, z := range r.zombies {
		if z.pos == pos {
			r.zombies[i].code = code
			return
		}
	}
	r.zombies = append(r.zombies, zombie{pos: pos, pid: pid, code: code, queuedAt: time.Now()})
}

// revisitZombies re-attempts wait4 for every entry on the zombie-wait
// list. Entries whose finish record already carried an exit code are
// finished with that code once wait4 succeeds; others fall back to
// probe's own wait-status classification (the SIGKILL case).
func (r *Reaper) revisitZombies() {
	r.mu.Lock()
	pending := r.zombies
	r.zombies = nil
	r.mu.Unlock()

	for _, z := range pending {
		slot, ok := r.conns.Get(z.pos)
		if !ok || slot.Free() {
			continue
		}
		if z.code == nil {
			r.probe(z.pos, slot.Pid)
			continue
		}

		var ws unix.WaitStatus
		got, err := unix.Wait4(z.pid, &ws, unix.WNOHANG, nil)
		if err != nil || got == 0 {
			r.enqueueZombie(z.pos, z.pid, z.code)
			continue
		}
		r.finishSlot(z.pos, *z.code)
	}
}

func (r *Reaper) zombieLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.zombies)
}

// slotForPid finds the connection slot currently holding pid.
func (r *Reaper) slotForPid(pid int) int {
	for pos := 0; pos < r.conns.Capacity(); pos++ {
		slot, ok := r.conns.Get(pos)
		if ok && !slot.Free() && slot.Pid == pid {
			return pos
		}
	}
	return -1
}

func classLabel(c types.FaultClass) string {
	switch c {
	case types.FaultNone:
		return "none"
	case types.FaultRetryable:
		return "retryable"
	case types.FaultFatal:
		return "fatal"
	case types.FaultPending:
		return "pending"
	default:
		return "unknown"
	}
}

func hostAliasAt(fsa *regions.FSATable, pos int) string {
	alias, _ := fsa.AliasByPos(pos)
	return alias
}
