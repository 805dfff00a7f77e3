/*
Package manager wires the file distributor's shared-state regions (C1),
ingest (C2), queue (C3), scheduler (C4), connection table (C5), reaper
(C6) and burst manager (C7) into the single-threaded cooperative event
loop described in spec.md §5: one goroutine multiplexing over FIFOs with
a timed wait, with all parallelism pushed out to forked worker processes.

Shaped as a core orchestration coordinator: a struct that owns every
collaborating subsystem and exposes lifecycle (NewManager/Start/Stop) plus
accessor methods for the metrics collector, with cluster-membership
concerns replaced by the FIFO-servicing loop of §5's ordering: command,
child-termination, burst-ack, retry, new-message, delete-job, trl-recalc,
timeout.
*/
package manager
