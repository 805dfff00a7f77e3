package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Host status metrics (FSA)
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fd_hosts_total",
			Help: "Total number of hosts by protocol and status",
		},
		[]string{"protocol", "status"},
	)

	HostErrorCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fd_host_error_counter",
			Help: "Current consecutive error counter per host",
		},
		[]string{"host"},
	)

	// Retrieve directory metrics (FRA)
	RetrieveDirsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_retrieve_dirs_total",
			Help: "Total number of configured retrieve directories",
		},
	)

	// Queue metrics (QB)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fd_queue_depth",
			Help: "Number of queue entries by state",
		},
		[]string{"state"},
	)

	QueueInsertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_queue_inserts_total",
			Help: "Total number of entries inserted into the queue",
		},
	)

	QueueAgingEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_queue_aging_events_total",
			Help: "Total number of times an entry's msg_number was aged/re-sorted",
		},
	)

	// Connection / child table metrics (C5)
	ConnectionsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_connections_in_use",
			Help: "Number of occupied connection/child table slots",
		},
	)

	ConnectionSlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_connection_slots_total",
			Help: "Total capacity of the connection/child table",
		},
	)

	// Dispatcher metrics (C4)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fd_dispatch_latency_seconds",
			Help:    "Time taken to walk and dispatch one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_jobs_dispatched_total",
			Help: "Total number of jobs forked to a protocol worker, by protocol",
		},
		[]string{"protocol"},
	)

	DispatchDeferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_dispatch_deferred_total",
			Help: "Total number of dispatch attempts deferred by admission checks",
		},
	)

	// Burst metrics (C7)
	BurstTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_burst_total",
			Help: "Total number of jobs handed off via connection reuse (burst)",
		},
	)

	BurstMissTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_burst_miss_total",
			Help: "Total number of burst handoff attempts that missed and required a fresh connection",
		},
	)

	AckQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_ack_queue_depth",
			Help: "Number of outstanding burst acknowledgements",
		},
	)

	// Reaper metrics (C6)
	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_reaper_cycles_total",
			Help: "Total number of reaper sweep cycles completed",
		},
	)

	ChildrenReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_children_reaped_total",
			Help: "Total number of reaped children by fault class",
		},
		[]string{"fault_class"},
	)

	ZombieWaitListDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_zombie_wait_list_depth",
			Help: "Number of children awaiting a late waitpid reap",
		},
	)

	// Reconciler metrics (C9)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fd_reconciliation_duration_seconds",
			Help:    "Time taken for a periodic maintenance cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_reconciliation_cycles_total",
			Help: "Total number of periodic maintenance cycles completed",
		},
	)

	StaleAcksExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_stale_acks_expired_total",
			Help: "Total number of ack-queue entries expired by the reconciler",
		},
	)

	// Supervisor metrics (C8)
	SiblingsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fd_siblings_total",
			Help: "Number of supervised sibling processes by status",
		},
		[]string{"status"},
	)

	SiblingRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_sibling_restarts_total",
			Help: "Total number of sibling process restarts by name",
		},
		[]string{"sibling"},
	)

	AMGBackpressureActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_amg_backpressure_active",
			Help: "Whether AMG backpressure is currently throttling new message acceptance (1 = active)",
		},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(HostErrorCounter)
	prometheus.MustRegister(RetrieveDirsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueInsertsTotal)
	prometheus.MustRegister(QueueAgingEventsTotal)
	prometheus.MustRegister(ConnectionsInUse)
	prometheus.MustRegister(ConnectionSlotsTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(DispatchDeferredTotal)
	prometheus.MustRegister(BurstTotal)
	prometheus.MustRegister(BurstMissTotal)
	prometheus.MustRegister(AckQueueDepth)
	prometheus.MustRegister(ReaperCyclesTotal)
	prometheus.MustRegister(ChildrenReapedTotal)
	prometheus.MustRegister(ZombieWaitListDepth)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(StaleAcksExpiredTotal)
	prometheus.MustRegister(SiblingsTotal)
	prometheus.MustRegister(SiblingRestartsTotal)
	prometheus.MustRegister(AMGBackpressureActive)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
