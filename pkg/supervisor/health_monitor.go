package supervisor

import (
	"context"

	"github.com/cuemby/relay/pkg/health"
)

// ProbeSpec optionally upgrades a sibling's liveness check from a plain pid
// probe to an HTTP, TCP, or exec check, for siblings (e.g. the optional
// status daemon) that expose a richer signal than "is the pid alive".
type ProbeSpec struct {
	HTTPURL     string
	TCPAddress  string
	ExecCommand []string
}

// checkerFor builds the Checker for a sibling: ProbeSpec wins if any field
// is set, otherwise the default is a plain pid check.
func checkerFor(pid int, spec ProbeSpec) health.Checker {
	switch {
	case spec.HTTPURL != "":
		return health.NewHTTPChecker(spec.HTTPURL)
	case spec.TCPAddress != "":
		return health.NewTCPChecker(spec.TCPAddress)
	case len(spec.ExecCommand) > 0:
		return health.NewExecChecker(spec.ExecCommand)
	default:
		return health.NewProcessChecker(pid)
	}
}

// probe runs a single sibling health check with the given probe spec.
func probe(ctx context.Context, pid int, spec ProbeSpec) health.Result {
	return checkerFor(pid, spec).Check(ctx)
}
