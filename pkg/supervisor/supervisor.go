package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultMaxShutdownTime is MAX_SHUTDOWN_TIME: how long the supervisor
// waits for SIGINT'd siblings to exit before escalating to SIGKILL.
const DefaultMaxShutdownTime = 30 * time.Second

// DefaultHeartbeatInterval is the period of the monitor loop's liveness
// sweep and AMG backpressure check.
const DefaultHeartbeatInterval = 5 * time.Second

// Config configures a Supervisor.
type Config struct {
	ActiveFile string // AFD_ACTIVE-equivalent lock file
	StatusFile string // afd_status-equivalent persisted snapshot

	LogShipperBinary   string
	LogShipperArgs     []string
	ArchiveWatchBinary string
	ArchiveWatchArgs   []string
	InputLogBinary     string
	InputLogArgs       []string
	OutputLogBinary    string
	OutputLogArgs      []string
	AMGBinary          string
	AMGArgs            []string

	OutgoingDir       string // directory whose link count gates AMG
	LinkMax           uint64
	StopAMGThreshold  uint64
	StartAMGThreshold uint64

	MaxShutdownTime   time.Duration
	HeartbeatInterval time.Duration

	EnableStatusDaemon bool
	StatusAddr         string
}

func applyDefaults(cfg Config) Config {
	if cfg.LinkMax == 0 {
		cfg.LinkMax = DefaultLinkMax
	}
	if cfg.StopAMGThreshold == 0 {
		cfg.StopAMGThreshold = DefaultStopAMGThreshold
	}
	if cfg.StartAMGThreshold == 0 {
		cfg.StartAMGThreshold = DefaultStartAMGThreshold
	}
	if cfg.MaxShutdownTime == 0 {
		cfg.MaxShutdownTime = DefaultMaxShutdownTime
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return cfg
}

// fdCore is the embedded file distributor sibling: started/stopped
// in-process rather than forked, the same "embedded worker" idiom the
// teacher used for colocating a worker with its manager.
type fdCore interface {
	Start() error
	Stop()
}

// Supervisor is the C8 parent process: it owns the active-file lock, starts
// siblings in the fixed order from spec.md §4.8, restarts the ones that must
// not die, and throttles AMG under directory-link pressure.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	lock     *activeLock

	// runID identifies one supervisor lifetime (process start to
	// shutdown), distinguishing consecutive afd_status snapshots and
	// /status responses across restarts of the same binary.
	runID uuid.UUID

	// signal sends a signal to a pid; overridable so tests never risk
	// signaling a real, unrelated process through a fake pid.
	signal func(pid int, sig unix.Signal) error
	// alive reports whether a pid is still running; overridable for the
	// same reason as signal.
	alive func(pid int) bool

	siblings []*Sibling
	states   map[string]*siblingState

	heartbeat  uint64
	amgStopped bool

	mu     sync.Mutex
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	statusSrv *statusServer
}

// New creates a Supervisor wired to fd as the embedded file-distributor
// sibling.
func New(cfg Config, fd fdCore) *Supervisor {
	cfg = applyDefaults(cfg)

	fdSibling := &Sibling{
		Name:       "fd",
		MustNotDie: true,
		Embedded:   true,
		start:      fd.Start,
		stop:       fd.Stop,
	}

	s := &Supervisor{
		cfg:      cfg,
		runID:    uuid.New(),
		launcher: execLauncher{},
		signal:   unix.Kill,
		siblings: orderedSiblings(cfg, fdSibling),
		states:   make(map[string]*siblingState),
		logger:   log.WithComponent("supervisor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.alive = func(pid int) bool {
		return probe(context.Background(), pid, ProbeSpec{}).Healthy
	}
	for _, sib := range s.siblings {
		s.states[sib.Name] = &siblingState{sibling: sib, status: siblingStopped}
	}
	if cfg.EnableStatusDaemon {
		s.statusSrv = newStatusServer(cfg.StatusAddr, s)
	}
	return s
}

// SetLauncher overrides the default os/exec-backed Launcher, for tests.
func (s *Supervisor) SetLauncher(l Launcher) {
	s.launcher = l
}

// SetProcessControl overrides the default signal/liveness primitives, so
// tests can drive restart and shutdown logic against fake pids without ever
// risking a real kill(2) against an unrelated process.
func (s *Supervisor) SetProcessControl(signal func(pid int, sig unix.Signal) error, alive func(pid int) bool) {
	s.signal = signal
	s.alive = alive
}

// RunID identifies this supervisor's process lifetime, for correlating
// log lines, the persisted shutdown snapshot and /status responses across
// restarts of the same binary.
func (s *Supervisor) RunID() uuid.UUID {
	return s.runID
}

// Start acquires the active-file lock, starts every sibling in order, and
// begins the heartbeat/restart/AMG-throttle monitor loop.
func (s *Supervisor) Start() error {
	lock, err := acquireLock(s.cfg.ActiveFile)
	if err != nil {
		return err
	}
	s.lock = lock
	s.logger = s.logger.With().Str("run_id", s.runID.String()).Logger()
	s.logger.Info().Msg("supervisor run starting")

	for _, sib := range s.siblings {
		if err := s.startSibling(sib); err != nil {
			return fmt.Errorf("start sibling %s: %w", sib.Name, err)
		}
	}

	if s.statusSrv != nil {
		if err := s.statusSrv.start(); err != nil {
			s.logger.Warn().Err(err).Msg("status daemon failed to start")
		}
	}

	go s.monitorLoop()
	return nil
}

func (s *Supervisor) startSibling(sib *Sibling) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[sib.Name]
	st.status = siblingStarting

	if sib.Embedded {
		if err := sib.start(); err != nil {
			st.status = siblingFailed
			return err
		}
		st.pid = os.Getpid()
		st.startedAt = time.Now()
		st.status = siblingRunning
		s.logger.Info().Str("sibling", sib.Name).Msg("embedded sibling started")
		return nil
	}

	pid, err := s.launcher.Launch(sib.Binary, sib.Args)
	if err != nil {
		st.status = siblingFailed
		return err
	}
	st.pid = pid
	st.startedAt = time.Now()
	st.status = siblingRunning
	s.logger.Info().Str("sibling", sib.Name).Int("pid", pid).Msg("sibling started")
	return nil
}

// monitorLoop is the heartbeat: on each tick it probes every non-embedded
// sibling's liveness, restarts the ones that must not die, and re-evaluates
// AMG backpressure.
func (s *Supervisor) monitorLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.heartbeat++
			s.checkSiblings()
			s.checkAMGBackpressure()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) checkSiblings() {
	for _, sib := range s.siblings {
		if sib.Embedded {
			continue
		}
		s.mu.Lock()
		st := s.states[sib.Name]
		pid := st.pid
		status := st.status
		s.mu.Unlock()

		if status == siblingAMGStopped {
			continue // intentionally paused, not dead
		}
		if pid <= 0 {
			continue
		}

		if s.siblingAlive(pid, sib.Probe) {
			continue
		}

		s.mu.Lock()
		st.status = siblingStopped
		s.mu.Unlock()
		s.logger.Warn().Str("sibling", sib.Name).Int("pid", pid).Msg("sibling died")

		if sib.MustNotDie {
			s.mu.Lock()
			st.restarts++
			s.mu.Unlock()
			if err := s.startSibling(sib); err != nil {
				s.logger.Error().Str("sibling", sib.Name).Err(err).Msg("failed to restart sibling")
			} else {
				s.logger.Info().Str("sibling", sib.Name).Msg("sibling restarted")
			}
		}
	}
}

// Shutdown runs the full C8 shutdown ordering: SIGINT every live sibling,
// poll for termination up to MaxShutdownTime, SIGKILL stragglers, stop the
// embedded file distributor core, persist status, then unlink the active
// file.
func (s *Supervisor) Shutdown() {
	close(s.stopCh)
	<-s.doneCh

	if s.statusSrv != nil {
		s.statusSrv.stop()
	}

	s.signalAll(unix.SIGINT)
	deadline := time.Now().Add(s.cfg.MaxShutdownTime)
	for time.Now().Before(deadline) {
		if s.allStopped() {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	s.signalAll(unix.SIGKILL)
	s.stopEmbedded()

	s.persistStatus()
	if s.lock != nil {
		s.lock.release()
	}
}

func (s *Supervisor) signalAll(sig unix.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sib := range s.siblings {
		if sib.Embedded {
			continue
		}
		st := s.states[sib.Name]
		if st.pid <= 0 || st.status == siblingStopped || st.status == siblingFailed {
			continue
		}
		s.signal(st.pid, sig)
	}
}

// siblingAlive checks one sibling's liveness: spec picks a richer probe
// (HTTP/TCP/exec) when set, otherwise the injectable pid-liveness check.
func (s *Supervisor) siblingAlive(pid int, spec ProbeSpec) bool {
	if spec.HTTPURL != "" || spec.TCPAddress != "" || len(spec.ExecCommand) > 0 {
		return probe(context.Background(), pid, spec).Healthy
	}
	return s.alive(pid)
}

func (s *Supervisor) allStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sib := range s.siblings {
		if sib.Embedded {
			continue
		}
		st := s.states[sib.Name]
		if st.pid <= 0 {
			continue
		}
		if s.alive(st.pid) {
			return false
		}
		st.status = siblingStopped
	}
	return true
}

func (s *Supervisor) stopEmbedded() {
	for _, sib := range s.siblings {
		if sib.Embedded {
			sib.stop()
			s.mu.Lock()
			s.states[sib.Name].status = siblingStopped
			s.mu.Unlock()
		}
	}
}

// statusSnapshot is the machine-independent persisted shutdown record
// (afd_status in spec.md §4.8).
type statusSnapshot struct {
	RunID     uuid.UUID                `json:"run_id"`
	Heartbeat uint64                   `json:"heartbeat"`
	Siblings  map[string]siblingStatus `json:"siblings"`
	StoppedAt time.Time                `json:"stopped_at"`
}

func (s *Supervisor) persistStatus() {
	if s.cfg.StatusFile == "" {
		return
	}
	snap := statusSnapshot{
		RunID:     s.runID,
		Heartbeat: s.heartbeat,
		Siblings:  make(map[string]siblingStatus, len(s.states)),
		StoppedAt: time.Now(),
	}
	s.mu.Lock()
	for name, st := range s.states {
		snap.Siblings[name] = st.status
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal shutdown status")
		return
	}
	if err := os.WriteFile(s.cfg.StatusFile, data, 0600); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist shutdown status")
	}
}

// Snapshot implements pkg/manager.SiblingRegistry: a count of siblings by
// lifecycle status, for the metrics collector.
func (s *Supervisor) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, 4)
	for _, st := range s.states {
		counts[string(st.status)]++
	}
	return counts
}
