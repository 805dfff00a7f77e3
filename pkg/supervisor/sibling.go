package supervisor

import (
	"os/exec"
	"time"
)

// siblingStatus is the lifecycle state of one entry in the sibling table.
type siblingStatus string

const (
	siblingStarting   siblingStatus = "starting"
	siblingRunning    siblingStatus = "running"
	siblingStopped    siblingStatus = "stopped"
	siblingAMGStopped siblingStatus = "amg_stopped"
	siblingFailed     siblingStatus = "failed"
)

// Launcher starts a sibling binary and reports its pid. Separated from
// Supervisor for testability, same split as pkg/scheduler.Launcher.
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

// Sibling describes one process the supervisor is responsible for. Embedded
// siblings (the file distributor core) run in this process via Start/Stop
// rather than being forked.
type Sibling struct {
	Name       string
	Binary     string
	Args       []string
	MustNotDie bool
	Embedded   bool
	Probe      ProbeSpec // optional richer liveness check; defaults to a pid probe

	start func() error
	stop  func()
}

// siblingState is the supervisor's live bookkeeping for one Sibling.
type siblingState struct {
	sibling   *Sibling
	pid       int
	startedAt time.Time
	restarts  int
	status    siblingStatus
}

// orderedSiblings returns the fixed startup order from spec.md §4.8: log
// shippers, archive watch, input/output log, AMG, then the file distributor
// core. The optional status daemon is not in this list; Supervisor.Start
// launches it after the siblings.
func orderedSiblings(cfg Config, fd *Sibling) []*Sibling {
	siblings := make([]*Sibling, 0, 6)
	if cfg.LogShipperBinary != "" {
		siblings = append(siblings, &Sibling{
			Name: "log_shipper", Binary: cfg.LogShipperBinary, Args: cfg.LogShipperArgs, MustNotDie: true,
		})
	}
	if cfg.ArchiveWatchBinary != "" {
		siblings = append(siblings, &Sibling{
			Name: "archive_watch", Binary: cfg.ArchiveWatchBinary, Args: cfg.ArchiveWatchArgs, MustNotDie: false,
		})
	}
	if cfg.InputLogBinary != "" {
		siblings = append(siblings, &Sibling{
			Name: "input_log", Binary: cfg.InputLogBinary, Args: cfg.InputLogArgs, MustNotDie: true,
		})
	}
	if cfg.OutputLogBinary != "" {
		siblings = append(siblings, &Sibling{
			Name: "output_log", Binary: cfg.OutputLogBinary, Args: cfg.OutputLogArgs, MustNotDie: true,
		})
	}
	if cfg.AMGBinary != "" {
		siblings = append(siblings, &Sibling{
			Name: "amg", Binary: cfg.AMGBinary, Args: cfg.AMGArgs, MustNotDie: false,
		})
	}
	siblings = append(siblings, fd)
	return siblings
}
