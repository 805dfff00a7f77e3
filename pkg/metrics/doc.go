/*
Package metrics defines and registers the Prometheus metrics exposed by the
file distributor: host status (FSA), queue depth and aging, connection/child
table occupancy, dispatch latency and burst/reap counters, periodic
maintenance cycles, and supervised-sibling status. Metrics are exposed over
HTTP via Handler() for scraping, and package-level health/readiness/liveness
handlers report component status for the optional status daemon (C8).

Collector samples point-in-time state from pkg/manager on a fixed interval;
counters are incremented at the point of occurrence by their owning package
(pkg/queue, pkg/scheduler, pkg/reaper, pkg/burst, pkg/reconciler).
*/
package metrics
