/*
Package log wraps zerolog with the component-logger pattern used throughout
this tree: a package-level Logger configured once via Init, and
WithComponent/WithHost/WithJob/WithMsgName constructors that stamp a child
logger with the fields each caller cares about.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("host", "ftp01").Msg("dispatching job")

JSON output (production):

	{"level":"info","component":"scheduler","host":"ftp01","time":"...","message":"dispatching job"}

Console output (development, via zerolog.ConsoleWriter):

	2024-01-01T10:30:00Z INF dispatching job component=scheduler host=ftp01

Every component — ingest, queue, scheduler, reaper, burst, supervisor,
reconciler — logs through its own WithComponent logger rather than
fmt.Println; the one exception is the one-shot operator banner a CLI prints
to stdout on startup.
*/
package log
