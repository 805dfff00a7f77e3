package manager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/burst"
	"github.com/cuemby/relay/pkg/connection"
	"github.com/cuemby/relay/pkg/fifo"
	"github.com/cuemby/relay/pkg/ingest"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/ratelimit"
	"github.com/cuemby/relay/pkg/reaper"
	"github.com/cuemby/relay/pkg/reconciler"
	"github.com/cuemby/relay/pkg/regions"
	"github.com/cuemby/relay/pkg/scheduler"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Default tuning values applied by applyDefaults.
const (
	DefaultMaxConnections      = 10
	DefaultTickInterval        = 500 * time.Millisecond
	DefaultSoftShutdownTimeout = 30 * time.Second // FD_TIMEOUT
	DefaultQuickShutdownDelay  = 10 * time.Second // FD_QUICK_TIMEOUT
)

// commandRecordSize is the fixed, NUL-padded width of one control FIFO
// record. The original's command FIFO carries bare bytewise strings; a
// fixed-size record is adopted here for the same drain-loop-friendly
// reason pkg/fifo.AckRecord is fixed-size rather than length-prefixed.
const commandRecordSize = 32

// errNoData signals a non-blocking FIFO read found nothing waiting, the
// Go analogue of EAGAIN on an O_NONBLOCK pipe fd.
var errNoData = errors.New("manager: no data available")

// FIFOPaths names the named pipes the core multiplexes over (§6). A path
// left empty is simply never opened, which is convenient for tests that
// drive Manager through its handle* methods directly.
type FIFOPaths struct {
	Command string
	Message string
	Finish  string
	Retry   string
	Delete  string
	TRL     string
	Ack     string
}

// Config configures a Manager.
type Config struct {
	DataDir     string
	WorkDir     string
	MessageDir  string
	FIFOs       FIFOPaths

	MaxConnections     int
	ConnectionCapacity int
	DisableRetrieve    bool

	DispatchInterval    time.Duration
	ReconcileInterval   time.Duration
	BurstAckTimeout     time.Duration
	TickInterval        time.Duration
	SoftShutdownTimeout time.Duration
	QuickShutdownDelay  time.Duration

	WorkerBinaries map[scheduler.BinaryKey]string
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.ConnectionCapacity <= 0 {
		cfg.ConnectionCapacity = cfg.MaxConnections
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SoftShutdownTimeout <= 0 {
		cfg.SoftShutdownTimeout = DefaultSoftShutdownTimeout
	}
	if cfg.QuickShutdownDelay <= 0 {
		cfg.QuickShutdownDelay = DefaultQuickShutdownDelay
	}
	return cfg
}

// SiblingRegistry reports the supervisor's (C8) view of sibling process
// status. The file distributor core and the supervisor are separate
// processes (spec.md §4.8); a Manager that wants its metrics collector to
// report sibling counts wires one in via SetSiblingRegistry.
type SiblingRegistry interface {
	Snapshot() map[string]int
}

type shutdownState int

const (
	shutdownNone shutdownState = iota
	shutdownSave
	shutdownQuick
)

// recordSource is a non-blocking record-oriented reader over one FIFO.
// ReadRecord returns errNoData when nothing is currently available,
// exactly as a drain loop over an O_NONBLOCK pipe fd would.
type recordSource interface {
	ReadRecord(size int) ([]byte, error)
	Close() error
}

// fifoSource opens a named pipe O_RDONLY|O_NONBLOCK and reads fixed-size
// records from it, draining whatever the kernel has buffered without
// ever blocking the event loop (spec.md §5's suspension-point
// discipline: blocking open occurs only at startup, never on read).
type fifoSource struct {
	path string
	file *os.File
}

func openFIFOSource(path string) (*fifoSource, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("manager: open fifo %s: %w", path, err)
	}
	return &fifoSource{path: path, file: os.NewFile(uintptr(fd), path)}, nil
}

func (s *fifoSource) ReadRecord(size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(s.file, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errNoData
		}
		return nil, err
	}
	if n < size {
		return nil, errNoData
	}
	return buf, nil
}

func (s *fifoSource) Close() error {
	return s.file.Close()
}

type sources struct {
	command, message, finish, retry, deleteFifo, trl, ack recordSource
}

func (s *sources) all() []recordSource {
	return []recordSource{s.command, s.message, s.finish, s.retry, s.deleteFifo, s.trl, s.ack}
}

// Manager wires together the shared-state regions, ingest, queue,
// scheduler, connection table, reaper, burst manager, and periodic
// maintenance into the single-threaded cooperative event loop of
// spec.md §5.
type Manager struct {
	cfg Config

	store storage.Store
	fsa   *regions.FSATable
	fra   *regions.FRATable
	conns *connection.Manager
	q     *queue.Buffer
	acks  *burst.Manager
	rl    *ratelimit.Manager

	ingester *ingest.Ingester
	sched    *scheduler.Scheduler
	reap     *reaper.Reaper
	recon    *reconciler.Reconciler

	src sources

	siblings SiblingRegistry

	mu               sync.Mutex
	shutdown         shutdownState
	shutdownDeadline time.Time
	quickSignaled    bool
	quickKilled      bool

	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewManager creates a Manager, opening its durable store and seeding
// the in-memory FSA/FRA regions from it. It does not open any FIFOs;
// call Start for that.
func NewManager(cfg Config) (*Manager, error) {
	cfg = applyDefaults(cfg)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("manager: open store: %w", err)
	}

	fsa := regions.NewFSATable()
	fra := regions.NewFRATable()
	if err := seedRegions(store, fsa, fra); err != nil {
		store.Close()
		return nil, err
	}

	conns := connection.NewManager(cfg.ConnectionCapacity)
	q := queue.NewBuffer()
	acks := burst.NewManager(cfg.BurstAckTimeout)
	rl := ratelimit.NewManager()
	ingester := ingest.NewIngester(store, q, fsa, fra)

	sched := scheduler.New(scheduler.Config{
		MaxConnections:   cfg.MaxConnections,
		DisableRetrieve:  cfg.DisableRetrieve,
		WorkDir:          cfg.WorkDir,
		DispatchInterval: cfg.DispatchInterval,
		WorkerBinaries:   cfg.WorkerBinaries,
	}, fsa, q, conns, acks, rl)

	reap := reaper.New(conns, q, fsa, acks)
	recon := reconciler.New(store, fsa, fra, conns, q, acks, cfg.MessageDir)

	return &Manager{
		cfg:      cfg,
		store:    store,
		fsa:      fsa,
		fra:      fra,
		conns:    conns,
		q:        q,
		acks:     acks,
		rl:       rl,
		ingester: ingester,
		sched:    sched,
		reap:     reap,
		recon:    recon,
		logger:   log.WithComponent("manager"),
	}, nil
}

func seedRegions(store storage.Store, fsa *regions.FSATable, fra *regions.FRATable) error {
	hosts, err := store.ListHosts()
	if err != nil {
		return fmt.Errorf("manager: list hosts: %w", err)
	}
	for _, h := range hosts {
		fsa.Upsert(*h)
	}

	dirs, err := store.ListFetchDirs()
	if err != nil {
		return fmt.Errorf("manager: list fetch dirs: %w", err)
	}
	for _, d := range dirs {
		fra.Upsert(*d)
	}
	return nil
}

// SetSiblingRegistry wires in the supervisor's sibling-status view for
// the metrics collector.
func (m *Manager) SetSiblingRegistry(r SiblingRegistry) {
	m.siblings = r
}

// Scheduler exposes the dispatcher for tests that need to override its
// Launcher (e.g. to avoid forking real worker binaries).
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.sched
}

// Start opens the configured FIFOs and begins the single-threaded event
// loop. A FIFO creation/open failure here is one of the few fatal
// startup conditions spec.md §7 calls out.
func (m *Manager) Start() error {
	if err := m.openSources(); err != nil {
		return err
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.started = true
	go m.run()
	return nil
}

func (m *Manager) openSources() error {
	var err error
	open := func(path string, dst *recordSource) bool {
		if path == "" || err != nil {
			return false
		}
		var src *fifoSource
		src, err = openFIFOSource(path)
		*dst = src
		return err == nil
	}
	open(m.cfg.FIFOs.Command, &m.src.command)
	open(m.cfg.FIFOs.Message, &m.src.message)
	open(m.cfg.FIFOs.Finish, &m.src.finish)
	open(m.cfg.FIFOs.Retry, &m.src.retry)
	open(m.cfg.FIFOs.Delete, &m.src.deleteFifo)
	open(m.cfg.FIFOs.TRL, &m.src.trl)
	open(m.cfg.FIFOs.Ack, &m.src.ack)
	return err
}

// Stop halts the event loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.stopCh != nil {
			close(m.stopCh)
		}
	})
	if m.started {
		<-m.doneCh
	}
}

// Close stops the event loop (if running), closes every open FIFO, and
// closes the durable store.
func (m *Manager) Close() error {
	m.Stop()
	for _, s := range m.src.all() {
		if s != nil {
			_ = s.Close()
		}
	}
	return m.store.Close()
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		m.Tick(time.Now())
		if m.shutdownComplete() {
			return
		}
	}
}

// Tick runs one iteration of the loop's fixed FIFO-servicing order
// (spec.md §5): command, child-termination, burst-ack, retry,
// new-message, delete-job, trl-recalc, timeout. It is exported so tests
// (and an embedding cmd/relayd) can drive the loop deterministically
// instead of waiting on the ticker.
func (m *Manager) Tick(now time.Time) {
	m.drainCommand()
	m.drainFinish()
	m.drainAck()
	m.drainRetry(now)
	m.drainMessage()
	m.drainDelete()
	m.drainTRL()
	m.serviceTimeout(now)
}

func drain(src recordSource, size int, logger zerolog.Logger, handle func([]byte)) {
	if src == nil {
		return
	}
	for {
		buf, err := src.ReadRecord(size)
		if err != nil {
			if !errors.Is(err, errNoData) {
				logger.Error().Err(err).Msg("fifo read failed")
			}
			return
		}
		handle(buf)
	}
}

func (m *Manager) drainCommand() {
	drain(m.src.command, commandRecordSize, m.logger, func(buf []byte) {
		text := strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
		cmd, err := fifo.ParseCommand(text)
		if err != nil {
			m.logger.Warn().Str("raw", text).Msg("ignoring unrecognized control command")
			return
		}
		m.handleCommand(cmd, time.Now())
	})
}

func (m *Manager) drainFinish() {
	size := len(fifo.FinishRecord{}.Encode())
	drain(m.src.finish, size, m.logger, func(buf []byte) {
		rec, err := fifo.DecodeFinishRecord(buf)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed finish record")
			return
		}
		m.reap.HandleFinish(rec)
	})
}

func (m *Manager) drainAck() {
	sizeProbe, _ := fifo.AckRecord{}.Encode()
	drain(m.src.ack, len(sizeProbe), m.logger, func(buf []byte) {
		rec, err := fifo.DecodeAckRecord(buf)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed ack record")
			return
		}
		m.acks.Ack(rec.MsgName)
	})
}

func (m *Manager) drainRetry(now time.Time) {
	size := len(fifo.RetryRecord{}.Encode())
	drain(m.src.retry, size, m.logger, func(buf []byte) {
		rec, err := fifo.DecodeRetryRecord(buf)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed retry record")
			return
		}
		m.HandleRetry(rec, now)
	})
}

// HandleRetry re-drives dispatch for every pending entry belonging to
// the host at rec.HostPos, bypassing the normal retry-interval gate
// (an operator-issued retry, or the aging table's own retry admission).
func (m *Manager) HandleRetry(rec fifo.RetryRecord, now time.Time) {
	hostPos := int(rec.HostPos)
	for _, name := range m.q.PendingMsgNames() {
		entry, ok := m.q.Get(name)
		if !ok || entry.FSAPos != hostPos {
			continue
		}
		m.sched.Dispatch(entry, now, true)
	}
}

func (m *Manager) drainMessage() {
	size := len(fifo.MessageRecord{}.Encode())
	drain(m.src.message, size, m.logger, func(buf []byte) {
		rec, err := fifo.DecodeMessageRecord(buf)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed message record")
			return
		}
		if err := m.ingester.IngestSend(rec); err != nil {
			m.logger.Warn().Err(err).Msg("failed to ingest send-path job")
		}
	})
}

func (m *Manager) drainDelete() {
	size := len(fifo.DeleteRecord{}.Encode())
	drain(m.src.deleteFifo, size, m.logger, func(buf []byte) {
		rec, err := fifo.DecodeDeleteRecord(buf)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed delete record")
			return
		}
		m.HandleDelete(rec.JobID)
	})
}

// HandleDelete removes every pending queue entry whose msg_name encodes
// jobID (an operator- or AMG-issued delete-job request). The original's
// dedicated delete-log channel is stood in for by a log line, since no
// other component here consumes delete reasons.
func (m *Manager) HandleDelete(jobID uint32) {
	for _, name := range m.q.PendingMsgNames() {
		parsed, err := fifo.ParseMsgName(name)
		if err != nil || parsed.JobID != jobID {
			continue
		}
		m.q.Remove(name)
		m.logger.Info().Uint32("job_id", jobID).Str("msg_name", name).Msg("job deleted by operator request")
	}
}

func (m *Manager) drainTRL() {
	size := len(fifo.TRLRecord{}.Encode())
	drain(m.src.trl, size, m.logger, func(buf []byte) {
		rec, err := fifo.DecodeTRLRecord(buf)
		if err != nil {
			m.logger.Warn().Err(err).Msg("malformed trl record")
			return
		}
		m.HandleTRL(rec)
	})
}

// HandleTRL applies an updated transfer-rate-limit value to the host at
// rec.HostPos and recomputes its per-process share.
func (m *Manager) HandleTRL(rec fifo.TRLRecord) {
	host, ok := m.fsa.AttachActiveAt(int(rec.HostPos))
	if !ok {
		m.logger.Warn().Int32("fsa_pos", rec.HostPos).Msg("trl record references unknown host position")
		return
	}
	host.TransferRateLimit = rec.TransferRateLimit
	if err := m.sched.RecalcTRL(int(rec.HostPos)); err != nil {
		m.logger.Warn().Err(err).Msg("trl recalc failed")
	}
}

func (m *Manager) serviceTimeout(now time.Time) {
	if m.shutdownMode() == shutdownNone {
		m.ingester.IngestDue(now)
	}
	m.reap.Sweep()
	m.recon.Reconcile(now)
	if m.shutdownMode() == shutdownNone {
		m.sched.Cycle(now)
	}
	m.serviceShutdown(now)
}

func (m *Manager) handleCommand(cmd fifo.ControlCommand, now time.Time) {
	switch cmd {
	case fifo.CmdSaveStop, fifo.CmdStop:
		m.beginShutdown(shutdownSave)
	case fifo.CmdQuickStop:
		m.beginShutdown(shutdownQuick)
	case fifo.CmdForceRemoteDirCheck:
		m.forceRemoteDirCheck(now)
	case fifo.CmdFlushMsgFifoDumpQueue:
		m.flushMessageFIFO()
	case fifo.CmdRereadLocInterfaceFile, fifo.CmdFSAAboutToChange, fifo.CmdCheckFSAEntries:
		m.logger.Info().Str("command", string(cmd)).Msg("acknowledged; handled on next maintenance cycle")
	default:
		m.logger.Warn().Str("command", string(cmd)).Msg("unhandled control command")
	}
}

func (m *Manager) forceRemoteDirCheck(now time.Time) {
	for _, dir := range m.fra.Snapshot() {
		if active, ok := m.fra.AttachActive(dir.DirAlias); ok {
			active.NextCheck = time.Time{}
		}
	}
	m.ingester.IngestDue(now)
}

func (m *Manager) flushMessageFIFO() {
	size := len(fifo.MessageRecord{}.Encode())
	drain(m.src.message, size, m.logger, func([]byte) {})
}

// RequestSaveStop begins a soft shutdown: stop admitting new work and
// wait for running children to finish, bounded by SoftShutdownTimeout.
func (m *Manager) RequestSaveStop() { m.beginShutdown(shutdownSave) }

// RequestQuickStop begins a hard shutdown: SIGINT every running child
// immediately, escalating to SIGKILL after QuickShutdownDelay.
func (m *Manager) RequestQuickStop() { m.beginShutdown(shutdownQuick) }

func (m *Manager) beginShutdown(mode shutdownState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown == shutdownQuick {
		return
	}
	m.shutdown = mode
	if mode == shutdownSave {
		m.shutdownDeadline = time.Now().Add(m.cfg.SoftShutdownTimeout)
	} else {
		m.shutdownDeadline = time.Now().Add(m.cfg.QuickShutdownDelay)
		m.quickSignaled = false
		m.quickKilled = false
	}
}

func (m *Manager) shutdownMode() shutdownState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Manager) serviceShutdown(now time.Time) {
	m.mu.Lock()
	mode := m.shutdown
	deadline := m.shutdownDeadline
	signaled := m.quickSignaled
	m.mu.Unlock()

	switch mode {
	case shutdownNone:
		return
	case shutdownSave:
		if m.conns.InUse() == 0 {
			return
		}
		if now.After(deadline) {
			m.logger.Warn().Msg("soft shutdown timed out; escalating to quick stop")
			m.beginShutdown(shutdownQuick)
		}
	case shutdownQuick:
		if !signaled {
			m.signalAllConnections(unix.SIGINT)
			m.mu.Lock()
			m.quickSignaled = true
			m.mu.Unlock()
			return
		}
		if now.After(deadline) {
			m.signalAllConnections(unix.SIGKILL)
			m.mu.Lock()
			m.quickKilled = true
			m.mu.Unlock()
		}
	}
}

func (m *Manager) signalAllConnections(sig unix.Signal) {
	for pos := 0; pos < m.conns.Capacity(); pos++ {
		slot, ok := m.conns.Get(pos)
		if !ok || slot.Free() {
			continue
		}
		_ = unix.Kill(slot.Pid, sig)
	}
}

func (m *Manager) shutdownComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.shutdown {
	case shutdownSave:
		return m.conns.InUse() == 0
	case shutdownQuick:
		return m.quickKilled || m.conns.InUse() == 0
	default:
		return false
	}
}

// Hosts returns a snapshot of every configured host (FSA), for the
// metrics collector.
func (m *Manager) Hosts() []types.HostStatus {
	return m.fsa.Snapshot()
}

// QueueSnapshot returns the count of queue entries by state.
func (m *Manager) QueueSnapshot() map[types.QueueState]int {
	return m.q.CountByState()
}

// ConnectionsInUse returns the number of occupied connection slots.
func (m *Manager) ConnectionsInUse() int {
	return m.conns.InUse()
}

// ConnectionCapacity returns the connection table's fixed capacity.
func (m *Manager) ConnectionCapacity() int {
	return m.conns.Capacity()
}

// AckQueueDepth returns the number of outstanding burst acknowledgements.
func (m *Manager) AckQueueDepth() int {
	return m.acks.Len()
}

// SiblingSnapshot returns the supervisor's sibling-process status counts,
// or an empty map if no SiblingRegistry has been wired in.
func (m *Manager) SiblingSnapshot() map[string]int {
	if m.siblings == nil {
		return map[string]int{}
	}
	return m.siblings.Snapshot()
}
