/*
Package reconciler implements periodic maintenance (C9): the
message-file mtime rescan, the FRA queued-count audit (invariant I6), ack
queue expiry, and FSA resync after a host-table resize.

Built around a ticker-driven Start/Stop/run/reconcile loop shape,
generalized from node/container health checks to spec.md §4.9's
maintenance passes. As with pkg/scheduler and pkg/reaper, Reconcile is also
callable synchronously so the core's single-threaded event loop
(pkg/manager) can drive it directly rather than via its own goroutine.
*/
package reconciler
