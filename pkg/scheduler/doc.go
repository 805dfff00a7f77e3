/*
Package scheduler implements the scheduler/dispatcher (C4): the nine-step
admission check that decides whether a queued job may start, attempts a
burst handoff onto an already-running worker before forking a new one,
and launches the protocol-specific worker binary when it does fork.
Built around a ticker-driven run()/schedule() loop, with container
placement replaced by spec.md §4.4's per-host admission, burst-match, and
fork sequence.
*/
package scheduler
