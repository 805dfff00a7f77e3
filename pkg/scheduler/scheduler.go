package scheduler

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/burst"
	"github.com/cuemby/relay/pkg/connection"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/ratelimit"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultDispatchInterval is the scheduler's tick period, standing in
// for the original's single-threaded main-loop iteration rate.
const DefaultDispatchInterval = 2 * time.Second

// BinaryKey selects a worker binary by protocol and direction, a reduced
// form of spec.md §4.4 step 7's (protocol, direction, debug-level,
// local-interface-match) lookup — debug-level and local-interface
// matching are left to the worker binary itself via its own flags.
type BinaryKey struct {
	Protocol types.Protocol
	Fetch    bool
}

// Config holds the scheduler's static configuration.
type Config struct {
	MaxConnections   int
	DisableRetrieve  bool
	WorkDir          string
	DispatchInterval time.Duration
	WorkerBinaries   map[BinaryKey]string

	// MaxEntriesPerTick bounds how many pending queue entries one Cycle
	// visits, resolving spec.md §9's loop_counter open question: rather
	// than mixing wall-clock and iteration-count heuristics, a tick
	// processes at most this many entries and the next tick picks up
	// where this one left off (see Scheduler.rotateOffset). Zero means
	// unbounded (visit every pending entry every tick).
	MaxEntriesPerTick int
}

func (c Config) binaryFor(protocol types.Protocol, fetch bool) (string, bool) {
	path, ok := c.WorkerBinaries[BinaryKey{Protocol: protocol, Fetch: fetch}]
	return path, ok
}

// Launcher starts a worker binary and reports its pid. Separated from
// Scheduler for testability; the production implementation forks via
// os/exec.
type Launcher interface {
	Launch(binary string, args []string) (pid int, err error)
}

type execLauncher struct{}

func (execLauncher) Launch(binary string, args []string) (int, error) {
	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

// Scheduler is the dispatcher (C4): it walks pending queue entries each
// tick, running the nine-step admission check from spec.md §4.4.
type Scheduler struct {
	cfg   Config
	fsa   *regions.FSATable
	q     *queue.Buffer
	conns *connection.Manager
	acks  *burst.Manager
	rl    *ratelimit.Manager

	launcher Launcher

	mu             sync.Mutex
	maxConnLatched bool
	rotateOffset   int

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a scheduler wired to the shared regions, queue, connection
// table, ack manager and rate limiter.
func New(cfg Config, fsa *regions.FSATable, q *queue.Buffer, conns *connection.Manager, acks *burst.Manager, rl *ratelimit.Manager) *Scheduler {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	return &Scheduler{
		cfg:      cfg,
		fsa:      fsa,
		q:        q,
		conns:    conns,
		acks:     acks,
		rl:       rl,
		launcher: execLauncher{},
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// SetLauncher overrides the default os/exec-backed Launcher, for tests
// driving a Scheduler from outside this package (e.g. pkg/manager).
func (s *Scheduler) SetLauncher(l Launcher) {
	s.launcher = l
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cycle(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// Cycle runs one scheduling pass over pending queue entries, in
// dispatch-key order (spec.md §4.4's "main loop walks QB from index 0"
// tie-break rule). When Config.MaxEntriesPerTick is set, a tick visits at
// most that many entries, starting from wherever the previous tick left
// off, so every entry is eventually visited across ticks rather than the
// head of the queue starving the tail (spec.md §9's loop_counter question).
func (s *Scheduler) Cycle(now time.Time) {
	if s.conns.InUse() < s.cfg.MaxConnections {
		s.mu.Lock()
		s.maxConnLatched = false
		s.mu.Unlock()
	}

	names := s.q.PendingMsgNames()
	if len(names) == 0 {
		return
	}

	limit := len(names)
	if s.cfg.MaxEntriesPerTick > 0 && s.cfg.MaxEntriesPerTick < limit {
		limit = s.cfg.MaxEntriesPerTick
	}

	s.mu.Lock()
	start := s.rotateOffset % len(names)
	s.rotateOffset = (s.rotateOffset + limit) % len(names)
	s.mu.Unlock()

	for i := 0; i < limit; i++ {
		name := names[(start+i)%len(names)]
		entry, ok := s.q.Get(name)
		if !ok {
			continue
		}
		s.Dispatch(entry, now, false)
	}
}

// Dispatch runs the nine-step admission check for a single queue entry.
// retryHint forces retry admission (step 4), used by the control-FIFO
// retry path (pkg/manager).
func (s *Scheduler) Dispatch(entry *types.QueueEntry, now time.Time, retryHint bool) {
	host, ok := s.fsa.AttachActiveAt(entry.FSAPos)
	if !ok {
		s.logger.Warn().Str("msg_name", entry.MsgName).Int("fsa_pos", entry.FSAPos).Msg("dispatch: unknown fsa_pos, removing entry")
		s.q.Remove(entry.MsgName)
		return
	}

	// Step 1: send-job age expiry.
	if !entry.IsFetch() && host.AgeLimit > 0 && now.Sub(entry.CreationTime) > host.AgeLimit {
		if host.Flags&types.HostNoDelete == 0 {
			s.removeExpired(entry, host)
			return
		}
	}

	// Step 2: global retrieve disable.
	if entry.IsFetch() && s.cfg.DisableRetrieve {
		s.q.Remove(entry.MsgName)
		return
	}

	// Step 3: host stopped.
	if host.Flags&types.HostStopTransfer != 0 {
		return
	}

	// Step 4: retry admission. A host with no outstanding errors and no
	// unexpired error-queue entry for this job is always admitted;
	// otherwise admission waits for retryHint or for the retry-interval
	// gate to open.
	retryDue := !now.Before(host.LastRetryTime.Add(host.RetryInterval))
	clearOfErrors := host.ErrorCounter == 0 && !host.ErrorQueueContains(entry.MsgName, now)
	if !retryHint && !clearOfErrors && !retryDue {
		metrics.DispatchDeferredTotal.Inc()
		return
	}
	if host.ErrorCounter != 0 {
		host.LastRetryTime = now
	}

	// Step 5: burst handoff.
	if s.attemptBurst(entry, host) {
		return
	}

	// Step 6: fork-path admission.
	if s.conns.InUse() >= s.cfg.MaxConnections {
		s.logMaxConnectionsReached()
		return
	}
	if host.ActiveTransfers >= host.AllowedTransfers {
		return
	}

	jobIdx, ok := freeJobSlot(host)
	if !ok {
		return
	}

	timer := metrics.NewTimer()

	var pos int
	if entry.IsFetch() {
		var err error
		pos, err = s.conns.AcquireFetch(types.ConnectionSlot{
			Hostname: host.HostAlias,
			HostID:   host.HostID,
			FSAPos:   entry.FSAPos,
			FRAPos:   entry.Pos,
			Protocol: host.Protocol,
			JobNo:    jobIdx,
			MsgName:  entry.MsgName,
		})
		if err != nil {
			s.logger.Debug().Err(err).Str("msg_name", entry.MsgName).Msg("dispatch: fetch admission refused")
			return
		}
	} else {
		pos = s.conns.AcquireSend(types.ConnectionSlot{
			Hostname: host.HostAlias,
			HostID:   host.HostID,
			FSAPos:   entry.FSAPos,
			Protocol: host.Protocol,
			JobNo:    jobIdx,
			MsgName:  entry.MsgName,
		})
		if pos < 0 {
			return
		}
	}

	binary, ok := s.cfg.binaryFor(host.Protocol, entry.IsFetch())
	if !ok {
		s.logger.Error().Str("protocol", string(host.Protocol)).Msg("dispatch: no worker binary configured")
		s.conns.Release(pos)
		return
	}
	args := buildArgv(s.cfg.WorkDir, entry, host, jobIdx, pos)

	pid, err := s.launcher.Launch(binary, args)
	if err != nil {
		s.logger.Error().Err(err).Str("binary", binary).Msg("dispatch: fork failed")
		s.conns.Release(pos)
		return
	}

	// Step 9: success bookkeeping.
	host.JobStatus[jobIdx] = types.JobStatusSlot{State: types.SlotRunning, JobID: uint32(entry.Pos), UniqueName: entry.MsgName, ConnectPos: pos}
	entry.State = types.QueueRunning
	entry.Pid = pid
	entry.ConnectPos = pos
	host.ActiveTransfers++
	if host.JobsQueued > 0 {
		host.JobsQueued--
	}
	s.recalcTRLLocked(host)

	metrics.JobsDispatchedTotal.WithLabelValues(string(host.Protocol)).Inc()
	timer.ObserveDuration(metrics.DispatchLatency)
}

// removeExpired deletes an age-expired send job (step 1) and decrements
// the host's queued counter.
func (s *Scheduler) removeExpired(entry *types.QueueEntry, host *types.HostStatus) {
	s.q.Remove(entry.MsgName)
	if host.JobsQueued > 0 {
		host.JobsQueued--
	}
	s.logger.Info().Str("msg_name", entry.MsgName).Msg("dispatch: send job age-expired, deleting")
}

// attemptBurst scans the host's job_status slots for a worker that has
// published its ready-for-more handshake and, on a type match, hands it
// this entry's work instead of forking a new child (spec.md §4.4 step
// 5). If no match is found but every slot is busy with different work,
// one slot is asked to restart so it frees up for a future match.
func (s *Scheduler) attemptBurst(entry *types.QueueEntry, host *types.HostStatus) bool {
	if entry.SpecialFlags&types.FlagHelperJob != 0 {
		return false
	}
	if host.ProtocolOptions&types.OptDisableBursting != 0 {
		return false
	}
	if host.ActiveTransfers == 0 {
		return false
	}

	for i := range host.JobStatus {
		slotState := &host.JobStatus[i]
		if slotState.State != types.SlotReadyForMore {
			continue
		}
		connSlot, ok := s.conns.Get(slotState.ConnectPos)
		if !ok || !burstTypeMatch(entry, connSlot) {
			continue
		}

		slotState.State = types.SlotRunning
		slotState.JobID = uint32(entry.Pos)
		slotState.UniqueName = entry.MsgName
		s.conns.SetMsgName(slotState.ConnectPos, entry.MsgName)

		_ = unix.Kill(connSlot.Pid, unix.SIGUSR1)
		metrics.BurstTotal.Inc()

		if s.acks != nil {
			entry.State = types.QueueRunning
			entry.Pid = connSlot.Pid
			entry.ConnectPos = slotState.ConnectPos
			entry.SpecialFlags |= types.FlagQueuedForBurst
			s.acks.Await(entry.MsgName)
		} else {
			s.q.Remove(entry.MsgName)
		}
		return true
	}

	for i := range host.JobStatus {
		slotState := &host.JobStatus[i]
		if slotState.State != types.SlotRunning {
			continue
		}
		connSlot, ok := s.conns.Get(slotState.ConnectPos)
		if !ok {
			continue
		}
		slotState.State = types.SlotRestartRequested
		_ = unix.Kill(connSlot.Pid, unix.SIGUSR1)
		metrics.BurstMissTotal.Inc()
		break
	}
	return false
}

// burstTypeMatch reports whether entry's direction (fetch vs send)
// matches the connection slot currently holding the candidate worker.
func burstTypeMatch(entry *types.QueueEntry, connSlot types.ConnectionSlot) bool {
	if entry.IsFetch() {
		return connSlot.FRAPos >= 0
	}
	return connSlot.FRAPos < 0
}

// freeJobSlot finds the first idle per-host parallel-job index, bounded
// by AllowedTransfers.
func freeJobSlot(host *types.HostStatus) (int, bool) {
	limit := host.AllowedTransfers
	if limit <= 0 || limit > types.MaxNoParallelJobs {
		limit = types.MaxNoParallelJobs
	}
	for i := 0; i < limit; i++ {
		if host.JobStatus[i].State == types.SlotIdle {
			return i, true
		}
	}
	return 0, false
}

// logMaxConnectionsReached emits a one-shot info log, latched until
// InUse drops back below MaxConnections (spec.md §4.4's
// max_connections_reached latch).
func (s *Scheduler) logMaxConnectionsReached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxConnLatched {
		return
	}
	s.maxConnLatched = true
	s.logger.Info().Msg("max_connections_reached")
}

// recalcTRLLocked recomputes a host's per-process transfer rate limit
// and pushes both limits into the rate limit manager (spec.md §4.4 step
// 9's "recompute trl_per_process").
func (s *Scheduler) recalcTRLLocked(host *types.HostStatus) {
	perProcess := host.TransferRateLimit
	if host.ActiveTransfers > 0 {
		perProcess = host.TransferRateLimit / int64(host.ActiveTransfers)
	}
	host.TRLPerProcess = perProcess
	if s.rl == nil {
		return
	}
	s.rl.SetHostLimit(host.HostAlias, host.TransferRateLimit)
	s.rl.SetProcessLimit(host.HostAlias, perProcess)
}

// RecalcTRL is the TRL-recalc FIFO handler (spec.md §4.2, §5): a dedicated
// FIFO delivers fsa positions whose rate limit must be recomputed.
func (s *Scheduler) RecalcTRL(fsaPos int) error {
	host, ok := s.fsa.AttachActiveAt(fsaPos)
	if !ok {
		return fmt.Errorf("scheduler: trl recalc for unknown fsa_pos %d", fsaPos)
	}
	s.recalcTRLLocked(host)
	return nil
}

// buildArgv constructs the worker binary's argument vector per spec.md
// §4.4 step 7: fixed positional args, then optional flags in fixed
// order. Only the flags expressible from this package's typed host/entry
// state are wired; the remaining original flags (proxy, mail routing,
// per-message check interval) depend on per-directory configuration not
// carried by the in-memory FSA/FRA model and are left to the worker
// binary's own config lookup (documented in DESIGN.md).
func buildArgv(workDir string, entry *types.QueueEntry, host *types.HostStatus, jobNo, connectPos int) []string {
	args := []string{
		workDir,
		fmt.Sprintf("%d", jobNo),
		fmt.Sprintf("%d", host.HostID),
		fmt.Sprintf("%d", entry.FSAPos),
		entry.MsgName,
	}

	if entry.SpecialFlags&types.FlagResendJob != 0 {
		args = append(args, "-r")
	}
	if host.AgeLimit > 0 {
		args = append(args, "-a", fmt.Sprintf("%d", int(host.AgeLimit.Seconds())))
	}
	if host.Flags&types.HostSimulate != 0 {
		args = append(args, "-S")
	}
	if entry.IsFetch() {
		args = append(args, fmt.Sprintf("%d", entry.Pos))
	}
	if entry.SpecialFlags&types.FlagHelperJob != 0 {
		args = append(args, "-d")
	}
	if host.TempToggle {
		args = append(args, "-t")
	}
	return args
}
