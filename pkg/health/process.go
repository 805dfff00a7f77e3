package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// CheckTypeProcess probes a pid directly, the cheapest of the checker
// types and the one pkg/supervisor uses by default for sibling liveness.
const CheckTypeProcess CheckType = "process"

// ProcessChecker reports whether a pid is alive via a zero-signal kill,
// the standard liveness probe for a forked child with no other protocol.
type ProcessChecker struct {
	Pid int
}

// NewProcessChecker creates a process liveness checker for pid.
func NewProcessChecker(pid int) *ProcessChecker {
	return &ProcessChecker{Pid: pid}
}

// Check sends signal 0 to Pid: success means the process exists and is
// owned by this user; ESRCH means it is gone.
func (p *ProcessChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := unix.Kill(p.Pid, 0)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("pid %d not alive: %v", p.Pid, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("pid %d alive", p.Pid),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (p *ProcessChecker) Type() CheckType {
	return CheckTypeProcess
}
